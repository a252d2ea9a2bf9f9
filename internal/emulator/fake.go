package emulator

import (
	"fmt"

	"github.com/qsimhost/qsim/internal/ramimage"
)

// FakeAdapter is a deterministic, no-execution backend. Run only advances
// RIP by the requested count and never touches memory; it exists so
// internal/osdomain and the packages built on it can be unit tested against
// the Adapter contract without any real CPU engine.
type FakeAdapter struct {
	id   int
	ram  *ramimage.Descriptor
	regs [NumRegisters]uint64

	instCB   InstCB
	memCB    MemCB
	intCB    IntCB
	atomicCB AtomicCB
	ioCB     IOCB
	magicCB  MagicCB
	regCB    RegCB

	// RefuseVec, if non-zero, makes Interrupt report RefuseVec as a
	// preempting vector instead of accepting vec (a request for RefuseVec
	// itself is accepted), for exercising IPI pushback.
	RefuseVec uint8
	closed    bool

	// LastInterruptVec records the most recent vector passed to Interrupt,
	// for tests asserting on what a caller requested.
	LastInterruptVec uint8
}

// NewFakeAdapter constructs a FakeAdapter for cpu id sharing ram.
func NewFakeAdapter(id int, ram *ramimage.Descriptor) *FakeAdapter {
	return &FakeAdapter{id: id, ram: ram}
}

type fakeFactory struct{}

// NewFakeFactory returns a Factory that produces FakeAdapters, never
// touching a real kernel image or dynamic library.
func NewFakeFactory() Factory { return fakeFactory{} }

func (fakeFactory) NewMaster(id int, kernelPath string, ramMB uint) (Adapter, error) {
	return NewFakeAdapter(id, ramimage.NewDescriptor(ramMB)), nil
}

func (fakeFactory) NewSlave(id int, master Adapter) (Adapter, error) {
	return NewFakeAdapter(id, master.RAM()), nil
}

func (fakeFactory) NewMasterFromRAM(id int, ram *ramimage.Descriptor) (Adapter, error) {
	return NewFakeAdapter(id, ram), nil
}

func (f *FakeAdapter) Run(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	f.regs[RIP] += n
	return n, nil
}

func (f *FakeAdapter) Interrupt(vec uint8) (int, error) {
	f.LastInterruptVec = vec
	if f.RefuseVec != 0 && f.RefuseVec != vec {
		return int(f.RefuseVec), nil
	}
	return int(vec), nil
}

func (f *FakeAdapter) GetReg(r Register) uint64  { return f.regs[r] }
func (f *FakeAdapter) SetReg(r Register, v uint64) { f.regs[r] = v }

func (f *FakeAdapter) MemReadPhys(addr uint64, size int) ([]byte, error) {
	return f.readRegion(addr, size)
}

func (f *FakeAdapter) MemWritePhys(addr uint64, data []byte) error {
	return f.writeRegion(addr, data)
}

func (f *FakeAdapter) MemReadVirt(addr uint64, size int) ([]byte, error) {
	return f.readRegion(addr, size)
}

func (f *FakeAdapter) MemWriteVirt(addr uint64, data []byte) error {
	return f.writeRegion(addr, data)
}

func (f *FakeAdapter) readRegion(addr uint64, size int) ([]byte, error) {
	region, off := f.locate(addr)
	if region == nil || off+size > len(region) {
		return nil, fmt.Errorf("emulator: fake: read out of range at 0x%x", addr)
	}
	out := make([]byte, size)
	copy(out, region[off:off+size])
	return out, nil
}

func (f *FakeAdapter) writeRegion(addr uint64, data []byte) error {
	region, off := f.locate(addr)
	if region == nil || off+len(data) > len(region) {
		return fmt.Errorf("emulator: fake: write out of range at 0x%x", addr)
	}
	copy(region[off:off+len(data)], data)
	return nil
}

// locate maps a flat guest-physical address onto one of the three RAM
// regions, mirroring how LowMem/Below4G/Above4G tile the address space.
func (f *FakeAdapter) locate(addr uint64) ([]byte, int) {
	low := uint64(len(f.ram.LowMem))
	below4g := uint64(len(f.ram.Below4G))
	switch {
	case addr < low:
		return f.ram.LowMem, int(addr)
	case addr < 0x100000+below4g:
		return f.ram.Below4G, int(addr - 0x100000)
	default:
		base := uint64(1) << 32
		return f.ram.Above4G, int(addr - base)
	}
}

func (f *FakeAdapter) SetInstCB(cb InstCB)     { f.instCB = cb }
func (f *FakeAdapter) SetMemCB(cb MemCB)       { f.memCB = cb }
func (f *FakeAdapter) SetIntCB(cb IntCB)       { f.intCB = cb }
func (f *FakeAdapter) SetAtomicCB(cb AtomicCB) { f.atomicCB = cb }
func (f *FakeAdapter) SetIOCB(cb IOCB)         { f.ioCB = cb }
func (f *FakeAdapter) SetMagicCB(cb MagicCB)   { f.magicCB = cb }
func (f *FakeAdapter) SetRegCB(cb RegCB)       { f.regCB = cb }

func (f *FakeAdapter) RAM() *ramimage.Descriptor { return f.ram }

func (f *FakeAdapter) Close() error {
	f.closed = true
	return nil
}

// FireMagic lets tests drive the magic-instruction protocol directly,
// simulating the guest executing CPUID with rax already in RAX.
func (f *FakeAdapter) FireMagic(rax uint64) int {
	f.regs[RAX] = rax
	if f.magicCB == nil {
		return 0
	}
	return f.magicCB(rax)
}

// FireInst lets tests drive the instruction callback directly.
func (f *FakeAdapter) FireInst(vaddr, paddr uint64, bytes []byte) {
	if f.instCB != nil {
		f.instCB(vaddr, paddr, uint8(len(bytes)), bytes, InstNormal)
	}
}
