package emulator

import (
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/qsimhost/qsim/internal/ramimage"
)

// Memory layout for the x86 guest. lowBase/below4gBase/above4gBase mirror
// the checkpoint file's region split (internal/ramimage); no other regions
// are mapped.
const (
	lowBase     = 0x00000000
	below4gBase = 0x00100000
	above4gBase = 0x100000000
)

var regToUC = map[Register]int{
	RIP:    uc.X86_REG_EIP,
	RSP:    uc.X86_REG_ESP,
	RAX:    uc.X86_REG_EAX,
	RBX:    uc.X86_REG_EBX,
	RCX:    uc.X86_REG_ECX,
	RDX:    uc.X86_REG_EDX,
	RSI:    uc.X86_REG_ESI,
	RDI:    uc.X86_REG_EDI,
	RBP:    uc.X86_REG_EBP,
	CS:     uc.X86_REG_CS,
	DS:     uc.X86_REG_DS,
	ES:     uc.X86_REG_ES,
	SS:     uc.X86_REG_SS,
	FS:     uc.X86_REG_FS,
	GS:     uc.X86_REG_GS,
	CR0:    uc.X86_REG_CR0,
	CR2:    uc.X86_REG_CR2,
	CR3:    uc.X86_REG_CR3,
	CR4:    uc.X86_REG_CR4,
	RFLAGS: uc.X86_REG_EFLAGS,
}

// UnicornAdapter is the dev/test Adapter backend: real x86 instruction
// execution via unicorn-engine, using a single uc.Unicorn, a
// registered-callback set, and a mutex-guarded hook table for x86
// real/protected mode.
type UnicornAdapter struct {
	id  int
	mu  uc.Unicorn
	ram *ramimage.Descriptor

	cbMu     sync.Mutex
	instCB   InstCB
	memCB    MemCB
	intCB    IntCB
	atomicCB AtomicCB
	ioCB     IOCB
	magicCB  MagicCB
	regCB    RegCB
}

type unicornFactory struct{}

// NewUnicornFactory returns a Factory that builds UnicornAdapters, the
// backend for development runs that need real instruction execution rather
// than FakeAdapter's stubbing.
func NewUnicornFactory() Factory { return unicornFactory{} }

func (unicornFactory) NewMaster(id int, kernelPath string, ramMB uint) (Adapter, error) {
	a, err := newUnicornAdapter(id, ramimage.NewDescriptor(ramMB))
	if err != nil {
		return nil, err
	}
	if err := LoadLinux(a.ram, kernelPath); err != nil {
		a.Close()
		return nil, err
	}
	for reg, v := range BootMaster {
		a.SetReg(reg, v)
	}
	return a, nil
}

func (unicornFactory) NewSlave(id int, master Adapter) (Adapter, error) {
	a, err := newUnicornAdapter(id, master.RAM())
	if err != nil {
		return nil, err
	}
	for reg, v := range BootSlave {
		a.SetReg(reg, v)
	}
	return a, nil
}

func (unicornFactory) NewMasterFromRAM(id int, ram *ramimage.Descriptor) (Adapter, error) {
	return newUnicornAdapter(id, ram)
}

func newUnicornAdapter(id int, ram *ramimage.Descriptor) (*UnicornAdapter, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_16)
	if err != nil {
		return nil, fmt.Errorf("emulator: create unicorn cpu %d: %w", id, err)
	}

	a := &UnicornAdapter{id: id, mu: mu, ram: ram}
	if err := a.mapRegions(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := a.installHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return a, nil
}

func (a *UnicornAdapter) mapRegions() error {
	if len(a.ram.LowMem) > 0 {
		if err := a.mu.MemMap(lowBase, alignUp(uint64(len(a.ram.LowMem)))); err != nil {
			return fmt.Errorf("emulator: map low mem: %w", err)
		}
		if err := a.mu.MemWrite(lowBase, a.ram.LowMem); err != nil {
			return fmt.Errorf("emulator: write low mem: %w", err)
		}
	}
	if len(a.ram.Below4G) > 0 {
		if err := a.mu.MemMap(below4gBase, alignUp(uint64(len(a.ram.Below4G)))); err != nil {
			return fmt.Errorf("emulator: map below4g: %w", err)
		}
		if err := a.mu.MemWrite(below4gBase, a.ram.Below4G); err != nil {
			return fmt.Errorf("emulator: write below4g: %w", err)
		}
	}
	if len(a.ram.Above4G) > 0 {
		if err := a.mu.MemMap(above4gBase, alignUp(uint64(len(a.ram.Above4G)))); err != nil {
			return fmt.Errorf("emulator: map above4g: %w", err)
		}
		if err := a.mu.MemWrite(above4gBase, a.ram.Above4G); err != nil {
			return fmt.Errorf("emulator: write above4g: %w", err)
		}
	}
	return nil
}

func alignUp(n uint64) uint64 {
	const page = 0x1000
	return (n + page - 1) &^ (page - 1)
}

func (a *UnicornAdapter) installHooks() error {
	_, err := a.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		a.cbMu.Lock()
		cb := a.instCB
		a.cbMu.Unlock()
		if cb == nil {
			return
		}
		bytes, _ := a.mu.MemRead(addr, uint64(size))
		cb(addr, addr, uint8(size), bytes, InstNormal)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("emulator: hook code: %w", err)
	}

	_, err = a.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		a.cbMu.Lock()
		cb := a.intCB
		a.cbMu.Unlock()
		if cb != nil {
			cb(uint8(intno))
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("emulator: hook intr: %w", err)
	}

	// The guest signals magic instructions with CPUID, RAX already loaded.
	// Trap it via HOOK_INSN, hand RAX to the magic callback, then skip the
	// two-byte CPUID opcode (0F A2) ourselves since unicorn does not retire
	// a hooked instruction automatically.
	_, err = a.mu.HookAddInsn(uc.HOOK_INSN, uc.X86_INS_CPUID, func(mu uc.Unicorn) {
		a.cbMu.Lock()
		cb := a.magicCB
		a.cbMu.Unlock()
		if cb != nil {
			rax, _ := a.mu.RegRead(uc.X86_REG_EAX)
			cb(rax)
		}
		ip, _ := a.mu.RegRead(uc.X86_REG_EIP)
		a.mu.RegWrite(uc.X86_REG_EIP, ip+2)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("emulator: hook cpuid: %w", err)
	}
	return nil
}

// Run executes up to n instructions from the current EIP. It reports n as
// the executed count whenever unicorn returns without error; instructions
// retired before an earlier stop are not counted.
func (a *UnicornAdapter) Run(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	rip, _ := a.mu.RegRead(uc.X86_REG_EIP)
	if err := a.mu.StartWithOptions(rip, ^uint64(0), &uc.UcOptions{Count: n}); err != nil {
		return 0, fmt.Errorf("emulator: run cpu %d: %w", a.id, err)
	}
	return n, nil
}

// Interrupt injects vec. Real mode has no hardware PIC in this simulator
// (Non-goals: device models beyond what the adapter supplies), so
// delivery is a direct IVT-vector jump: push FLAGS/CS/IP, load CS:IP from
// the vec*4 vector table entry. Protected-mode delivery is left to
// unicorn's own HOOK_INTR trap, since the guest's IDT is guest-owned state
// this adapter does not otherwise touch.
func (a *UnicornAdapter) Interrupt(vec uint8) (int, error) {
	cr0, _ := a.mu.RegRead(uc.X86_REG_CR0)
	if cr0&1 != 0 {
		// Protected mode: let unicorn's INT instruction trapping handle
		// delivery on the guest's own IDT; this adapter just reports
		// acceptance since there is no vector-priority model to preempt it.
		return int(vec), nil
	}

	ivtEntry, err := a.mu.MemRead(uint64(vec)*4, 4)
	if err != nil {
		return -1, fmt.Errorf("emulator: read ivt[%d]: %w", vec, err)
	}
	ip := uint64(ivtEntry[0]) | uint64(ivtEntry[1])<<8
	cs := uint64(ivtEntry[2]) | uint64(ivtEntry[3])<<8

	flags, _ := a.mu.RegRead(uc.X86_REG_EFLAGS)
	curCS, _ := a.mu.RegRead(uc.X86_REG_CS)
	curIP, _ := a.mu.RegRead(uc.X86_REG_EIP)
	sp, _ := a.mu.RegRead(uc.X86_REG_ESP)

	for _, v := range []uint64{flags, curCS, curIP} {
		sp -= 2
		buf := []byte{byte(v), byte(v >> 8)}
		if err := a.mu.MemWrite(sp, buf); err != nil {
			return -1, fmt.Errorf("emulator: push interrupt frame: %w", err)
		}
	}
	a.mu.RegWrite(uc.X86_REG_ESP, sp)
	a.mu.RegWrite(uc.X86_REG_CS, cs)
	a.mu.RegWrite(uc.X86_REG_EIP, ip)

	return int(vec), nil
}

func (a *UnicornAdapter) GetReg(r Register) uint64 {
	ucReg, ok := regToUC[r]
	if !ok {
		return 0
	}
	v, _ := a.mu.RegRead(ucReg)
	return v
}

func (a *UnicornAdapter) SetReg(r Register, v uint64) {
	ucReg, ok := regToUC[r]
	if !ok {
		return
	}
	a.mu.RegWrite(ucReg, v)
}

func (a *UnicornAdapter) MemReadPhys(addr uint64, size int) ([]byte, error) {
	return a.mu.MemRead(addr, uint64(size))
}

func (a *UnicornAdapter) MemWritePhys(addr uint64, data []byte) error {
	return a.mu.MemWrite(addr, data)
}

// MemReadVirt/MemWriteVirt: this adapter does not walk guest page tables
// itself (unicorn already executes guest code against the MMU it
// configures internally); virtual accesses are serviced the same as
// physical ones, matching the simulator's Non-goal of not modeling guest
// kernel internals.
func (a *UnicornAdapter) MemReadVirt(addr uint64, size int) ([]byte, error) {
	return a.MemReadPhys(addr, size)
}

func (a *UnicornAdapter) MemWriteVirt(addr uint64, data []byte) error {
	return a.MemWritePhys(addr, data)
}

func (a *UnicornAdapter) SetInstCB(cb InstCB) {
	a.cbMu.Lock()
	a.instCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) SetMemCB(cb MemCB) {
	a.cbMu.Lock()
	a.memCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) SetIntCB(cb IntCB) {
	a.cbMu.Lock()
	a.intCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) SetAtomicCB(cb AtomicCB) {
	a.cbMu.Lock()
	a.atomicCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) SetIOCB(cb IOCB) {
	a.cbMu.Lock()
	a.ioCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) SetMagicCB(cb MagicCB) {
	a.cbMu.Lock()
	a.magicCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) SetRegCB(cb RegCB) {
	a.cbMu.Lock()
	a.regCB = cb
	a.cbMu.Unlock()
}

func (a *UnicornAdapter) RAM() *ramimage.Descriptor { return a.ram }

func (a *UnicornAdapter) Close() error {
	return a.mu.Close()
}
