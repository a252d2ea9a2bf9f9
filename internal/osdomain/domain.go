// Package osdomain implements the multi-CPU supervisor: CPU set ownership,
// the magic-instruction protocol, IPI delivery, the timer, checkpoint
// save/restore, and callback fan-out. Grounded on qsim.cpp's Qsim::OSDomain,
// reframed as an explicit value whose lifetime bounds its CPUs and listeners
// instead of C++'s static/process-wide storage.
package osdomain

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qsimhost/qsim/internal/emulator"
	"github.com/qsimhost/qsim/internal/qlog"
)

// Reserved interrupt vectors: 0xEF, 0x30, and 0xF4 are never available for
// guest-requested IPI delivery.
const (
	VecTimerAPIC uint8 = 0xEF // multi-core local-APIC timer tick
	VecTimerPIT  uint8 = 0x30 // uniprocessor PIT tick
	VecHLT       uint8 = 0xF4 // not injected; the HLT opcode byte itself
)

// Magic-instruction patterns, masked comparisons against RAX.
const (
	magicCDIgnoreMask  = 0xFFFF0000
	magicCDIgnoreVal   = 0xCD160000
	magicConsoleMask   = 0xFFFFFF00
	magicConsoleVal    = 0xC501E000
	magicIdleVal       = 0x1D1E1D1E
	magicCtxSwitchMask = 0xFFFF0000
	magicCtxSwitchVal  = 0xC75C0000
	magicBootstrapMask = 0xFFFF0000
	magicBootstrapVal  = 0xB0070000
	magicIPIMask       = 0xFF000000
	magicIPIVal        = 0x1D000000
	magicCPUCountVal   = 0xC7C7C7C7
	magicRAMSizeVal    = 0x512E512E
	magicAppStartVal   = 0xAAAAAAAA
	magicAppEndVal     = 0xFA11DEAD
)

// Mode is a CPU's addressing mode, derived from CR0 bit 0.
type Mode int

const (
	ModeReal Mode = iota
	ModeProt
)

// Prot is a CPU's protection level, derived from CS bit 0.
type Prot int

const (
	ProtKern Prot = iota
	ProtUser
)

// Domain-wide listener function types. Each carries the originating CPU id,
// since the listener list is shared across every CPU in the Domain — a
// homogeneous-list-per-kind reframing of qsim.cpp's *_cb_obj_base
// hierarchies.
type (
	InstListener   func(cpu int, vaddr, paddr uint64, length uint8, bytes []byte, kind emulator.InstType)
	MemListener    func(cpu int, vaddr, paddr uint64, size uint8, isWrite bool)
	IntListener    func(cpu int, vec uint8) int
	AtomicListener func(cpu int) int
	IOListener     func(cpu int, port uint64, size uint8, isWrite bool, data uint32)
	MagicListener  func(cpu int, rax uint64) int
	RegListener    func(cpu int, reg emulator.Register, size uint8, isWrite bool)
	StartListener  func(cpu int)
	EndListener    func(cpu int)
)

// listeners is a mutex-guarded, append-only list of callbacks of one kind.
// Snapshot returns a copy so fan-out never holds the lock across a call into
// application code.
type listeners[T any] struct {
	mu    sync.Mutex
	items []T
}

func (l *listeners[T]) Register(item T) {
	l.mu.Lock()
	l.items = append(l.items, item)
	l.mu.Unlock()
}

func (l *listeners[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// domainExists enforces "exactly one Domain at a time" without a hard
// process exit: New/Restore return an error instead of the original's
// exit(1) deep inside a constructor.
var domainExists atomic.Bool

// Domain is the multi-CPU supervisor: it owns the CPU set, the shared
// magic-instruction protocol state, and every domain-wide listener list.
type Domain struct {
	id      uuid.UUID
	factory emulator.Factory
	cpus    []emulator.Adapter

	mu            sync.RWMutex
	running       []bool
	idle          []bool
	tids          []uint16
	waitingForEip int32 // -1 when no bootstrap outstanding

	ipiMu      sync.Mutex // covers every CPU's pending-IPI FIFO
	pendingIPI [][]uint8

	consoleMu    sync.Mutex
	consoleBuf   []byte
	consoles     []io.Writer
	consoleLineL listeners[func(cpu int, line string)]

	n     uint16
	ramMB uint

	atomicL listeners[AtomicListener]
	magicL  listeners[MagicListener]
	ioL     listeners[IOListener]
	memL    listeners[MemListener]
	intL    listeners[IntListener]
	instL   listeners[InstListener]
	regL    listeners[RegListener]
	startL  listeners[StartListener]
	endL    listeners[EndListener]

	appStartCB func(int)
	appEndCB   func(int)

	log *qlog.Logger
}

// New boots a fresh n-CPU Domain: CPU 0 loads kernelPath into a freshly
// allocated RAM image sized ramMB; CPUs 1..n-1 bind to CPU 0's RAM
// descriptor. Grounded on qsim.cpp's fresh-boot OSDomain constructor.
func New(factory emulator.Factory, n uint16, kernelPath string, ramMB uint) (*Domain, error) {
	if !domainExists.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("osdomain: tried to create more than one OSDomain; there can be only one")
	}

	d := newDomain(factory, n, ramMB)

	if n > 0 {
		master, err := factory.NewMaster(0, kernelPath, ramMB)
		if err != nil {
			domainExists.Store(false)
			return nil, fmt.Errorf("osdomain: boot cpu 0: %w", err)
		}
		d.addCPU(master, true)

		for i := uint16(1); i < n; i++ {
			slave, err := factory.NewSlave(int(i), master)
			if err != nil {
				domainExists.Store(false)
				return nil, fmt.Errorf("osdomain: boot cpu %d: %w", i, err)
			}
			d.addCPU(slave, false)
		}
	}

	if d.log != nil {
		d.log.Info("domain booted", zap.String("session", d.id.String()), zap.Uint16("ncpus", n), zap.Uint("ram_mb", ramMB))
	}
	return d, nil
}

func newDomain(factory emulator.Factory, n uint16, ramMB uint) *Domain {
	return &Domain{
		id:            uuid.New(),
		factory:       factory,
		n:             n,
		ramMB:         ramMB,
		waitingForEip: -1,
		log:           qlog.L,
	}
}

// addCPU appends a constructed Adapter, wires its callbacks into the
// Domain's fan-out, and sets its initial running/idle/tid state.
func (d *Domain) addCPU(a emulator.Adapter, running bool) {
	cpu := len(d.cpus)
	d.cpus = append(d.cpus, a)
	d.running = append(d.running, running)
	d.idle = append(d.idle, false)
	d.tids = append(d.tids, 0)
	d.pendingIPI = append(d.pendingIPI, nil)
	d.wireCPUCallbacks(cpu, a)
}

// wireCPUCallbacks installs one cpu-id-bound trampoline per kind on a's own
// adapter, forwarding into the Domain's fan-out lists. This is the Go
// rendition of qsim.cpp's static free functions that look cpu_id up to
// find the owning Domain — here the cpu id is simply closed over, since Go
// callbacks are genuine closures instead of bare C function pointers.
func (d *Domain) wireCPUCallbacks(cpu int, a emulator.Adapter) {
	a.SetAtomicCB(func() int {
		rval := 0
		for _, l := range d.atomicL.Snapshot() {
			if l(cpu) != 0 {
				rval = 1
			}
		}
		return rval
	})
	a.SetIOCB(func(port uint64, size uint8, isWrite bool, data uint32) {
		for _, l := range d.ioL.Snapshot() {
			l(cpu, port, size, isWrite, data)
		}
	})
	a.SetRegCB(func(reg emulator.Register, size uint8, isWrite bool) {
		for _, l := range d.regL.Snapshot() {
			l(cpu, reg, size, isWrite)
		}
	})
	a.SetMagicCB(func(rax uint64) int {
		rv, err := d.dispatchMagic(cpu, rax)
		if err != nil && d.log != nil {
			d.log.Warn("magic dispatch", zap.Int("cpu", cpu), zap.Error(err))
		}
		return rv
	})
}

// SetCPUInstCB, SetCPUMemCB, SetCPUIntCB install a single, exclusive
// callback directly on one CPU's adapter. They exist for internal/equeue:
// exactly one Event Queue owns a CPU's raw instruction/memory/interrupt
// stream at a time, mirroring qsim.cpp's Qsim::Queue construction
// (`cd.set_inst_cb(cpu, ...)`), as opposed to the multi-listener registries
// below which fan out to every registered listener.
func (d *Domain) SetCPUInstCB(cpu int, cb emulator.InstCB) { d.cpus[cpu].SetInstCB(cb) }
func (d *Domain) SetCPUMemCB(cpu int, cb emulator.MemCB)   { d.cpus[cpu].SetMemCB(cb) }
func (d *Domain) SetCPUIntCB(cpu int, cb emulator.IntCB)   { d.cpus[cpu].SetIntCB(cb) }

// Add*Listener register a domain-wide listener of the given kind; multiple
// listeners per kind are supported and invoked in registration order.
func (d *Domain) AddAtomicListener(l AtomicListener) { d.atomicL.Register(l) }
func (d *Domain) AddMagicListener(l MagicListener)   { d.magicL.Register(l) }
func (d *Domain) AddIOListener(l IOListener)         { d.ioL.Register(l) }
func (d *Domain) AddRegListener(l RegListener)       { d.regL.Register(l) }
func (d *Domain) AddStartListener(l StartListener)   { d.startL.Register(l) }
func (d *Domain) AddEndListener(l EndListener)       { d.endL.Register(l) }

// SetAppStartCB/SetAppEndCB install the single optional hook invoked before
// the start/end listener lists on the application-start/end magic markers.
func (d *Domain) SetAppStartCB(fn func(int)) { d.appStartCB = fn }
func (d *Domain) SetAppEndCB(fn func(int))   { d.appEndCB = fn }

// AddConsole appends an output sink that receives one completed guest
// console line (including its trailing '\n') as raw bytes.
func (d *Domain) AddConsole(w io.Writer) {
	d.consoleMu.Lock()
	d.consoles = append(d.consoles, w)
	d.consoleMu.Unlock()
}

// AddConsoleLineListener registers a structured per-CPU console line
// listener, invoked with the originating CPU id and the line with its
// trailing '\n' stripped.
func (d *Domain) AddConsoleLineListener(fn func(cpu int, line string)) {
	d.consoleLineL.Register(fn)
}

// NumCPUs returns N.
func (d *Domain) NumCPUs() int { return len(d.cpus) }

// RAMSizeMB returns the Domain's configured RAM size.
func (d *Domain) RAMSizeMB() uint { return d.ramMB }

// GetTid returns CPU i's current task id, or -1 if it is not running.
func (d *Domain) GetTid(i int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running[i] {
		return -1
	}
	return int(d.tids[i])
}

// GetMode reports real vs. protected mode from CR0 bit 0.
func (d *Domain) GetMode(i int) Mode {
	if d.cpus[i].GetReg(emulator.CR0)&1 != 0 {
		return ModeProt
	}
	return ModeReal
}

// GetProt reports user vs. kernel privilege from CS bit 0.
func (d *Domain) GetProt(i int) Prot {
	if d.cpus[i].GetReg(emulator.CS)&1 != 0 {
		return ProtUser
	}
	return ProtKern
}

// IsRunning reports CPU i's running flag.
func (d *Domain) IsRunning(i int) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running[i]
}

// Run steps CPU i by up to n instructions, first attempting delivery of any
// pending IPI: the head vector pops on acceptance or outright refusal; when
// the CPU preempts it with a different vector, the head stays queued and the
// preempting vector (unless it is a timer vector) is pushed behind it.
func (d *Domain) Run(i int, n uint64) (uint64, error) {
	d.ipiMu.Lock()
	if len(d.pendingIPI[i]) > 0 {
		fv := d.pendingIPI[i][0]
		rv, err := d.cpus[i].Interrupt(fv)
		if err == nil {
			if rv == int(fv) || rv == -1 {
				d.pendingIPI[i] = d.pendingIPI[i][1:]
			} else if rv != int(VecTimerAPIC) && rv != int(VecTimerPIT) {
				d.pendingIPI[i] = append(d.pendingIPI[i], uint8(rv))
			}
		}
	}
	d.ipiMu.Unlock()

	if !d.IsRunning(i) {
		return 0, nil
	}
	return d.cpus[i].Run(n)
}

// TimerInterrupt injects the APIC timer vector into every running CPU when
// multi-core scheduling is active, or the PIT vector into CPU 0 otherwise.
func (d *Domain) TimerInterrupt() {
	d.mu.RLock()
	multicore := d.n > 1 && len(d.running) > 1 && d.running[0] && d.running[1]
	runningSnapshot := append([]bool(nil), d.running...)
	d.mu.RUnlock()

	if multicore {
		for i, running := range runningSnapshot {
			if running {
				d.cpus[i].Interrupt(VecTimerAPIC)
			}
		}
		return
	}
	d.cpus[0].Interrupt(VecTimerPIT)
}

// dispatchMagic runs the magic-instruction protocol state machine for one
// CPUID-triggered event. It returns the OR-combined vote of registered
// magic listeners; a non-nil error reports a concurrent bootstrap request
// rather than a state corruption — the caller logs it and continues.
func (d *Domain) dispatchMagic(cpu int, rax uint64) (int, error) {
	rval := 0
	for _, l := range d.magicL.Snapshot() {
		if l(cpu, rax) != 0 {
			rval = 1
		}
	}

	// A bootstrap request is checked before the generic EIP-supply
	// interception below, since both conditions can be simultaneously true
	// (a bootstrap request arriving while another is outstanding) and only
	// this ordering lets that conflict surface as an error instead of being
	// silently swallowed as if it were the outstanding request's answer.
	if rax&magicBootstrapMask == magicBootstrapVal {
		target := rax & 0xffff
		d.mu.Lock()
		if d.waitingForEip != -1 {
			outstanding := d.waitingForEip
			d.mu.Unlock()
			return rval, fmt.Errorf("osdomain: bootstrap of cpu %d requested while cpu %d's bootstrap is outstanding", target, outstanding)
		}
		d.waitingForEip = int32(target)
		d.mu.Unlock()
		if d.log != nil {
			d.log.Magic(cpu, rax, "bootstrap")
		}
		return rval, nil
	}

	d.mu.Lock()
	if d.waitingForEip != -1 {
		target := int(d.waitingForEip)
		d.waitingForEip = -1
		d.mu.Unlock()

		d.cpus[target].SetReg(emulator.CS, rax>>4)

		d.mu.Lock()
		d.running[target] = true
		d.mu.Unlock()
		if d.log != nil {
			d.log.CPUState(target, true, false)
		}
		return rval, nil
	}
	d.mu.Unlock()

	if rax&magicCDIgnoreMask == magicCDIgnoreVal {
		return rval, nil
	}

	switch {
	case rax&magicConsoleMask == magicConsoleVal:
		d.handleConsoleByte(cpu, byte(rax&0xff))

	case rax == magicIdleVal:
		d.mu.Lock()
		d.idle[cpu] = true
		running := d.running[cpu]
		d.mu.Unlock()
		if d.log != nil {
			d.log.Magic(cpu, rax, "idle")
			d.log.CPUState(cpu, running, true)
		}

	case rax&magicCtxSwitchMask == magicCtxSwitchVal:
		d.mu.Lock()
		d.idle[cpu] = false
		d.tids[cpu] = uint16(rax & 0xffff)
		running := d.running[cpu]
		d.mu.Unlock()
		if d.log != nil {
			d.log.Magic(cpu, rax, "ctx-switch")
			d.log.CPUState(cpu, running, false)
		}

	case rax&magicIPIMask == magicIPIVal:
		target := int((rax & 0x00ffff00) >> 8)
		vec := uint8(rax & 0xff)
		v, err := d.cpus[target].Interrupt(vec)
		if err == nil && v != -1 && v != int(vec) && v != int(VecTimerAPIC) && v != int(VecTimerPIT) {
			d.ipiMu.Lock()
			d.pendingIPI[target] = append(d.pendingIPI[target], uint8(v))
			d.ipiMu.Unlock()
		}
		if d.log != nil {
			d.log.IPI(cpu, target, vec, err == nil)
		}

	case rax == magicCPUCountVal:
		d.cpus[cpu].SetReg(emulator.RAX, uint64(d.n))
		if d.log != nil {
			d.log.Magic(cpu, rax, "cpu-count")
		}

	case rax == magicRAMSizeVal:
		d.cpus[cpu].SetReg(emulator.RAX, uint64(d.ramMB))
		if d.log != nil {
			d.log.Magic(cpu, rax, "ram-size")
		}

	case rax == magicAppStartVal:
		if d.appStartCB != nil {
			d.appStartCB(cpu)
		}
		for _, l := range d.startL.Snapshot() {
			l(cpu)
		}
		if d.log != nil {
			d.log.Magic(cpu, rax, "app-start")
		}

	case rax == magicAppEndVal:
		if d.appEndCB != nil {
			d.appEndCB(cpu)
		}
		for _, l := range d.endL.Snapshot() {
			l(cpu)
		}
		d.mu.Lock()
		for i := range d.running {
			d.running[i] = false
		}
		d.mu.Unlock()
		if d.log != nil {
			d.log.Magic(cpu, rax, "app-end")
			for i := range d.cpus {
				d.log.CPUState(i, false, false)
			}
		}

	default:
		// Unknown CPUID leaves outside the masked patterns are silently
		// ignored rather than treated as an error.
	}

	return rval, nil
}

// handleConsoleByte appends a printable byte to the per-Domain line buffer,
// flushing to every sink on '\n'. Non-printable bytes other than '\n' are
// dropped.
func (d *Domain) handleConsoleByte(cpu int, c byte) {
	d.consoleMu.Lock()
	if c == '\n' {
		text := string(d.consoleBuf)
		line := text + "\n"
		d.consoleBuf = d.consoleBuf[:0]
		sinks := append([]io.Writer(nil), d.consoles...)
		d.consoleMu.Unlock()

		for _, w := range sinks {
			io.WriteString(w, line)
		}
		for _, l := range d.consoleLineL.Snapshot() {
			l(cpu, text)
		}
		if d.log != nil {
			d.log.Console(cpu, line)
		}
		return
	}
	if unicode.IsPrint(rune(c)) {
		d.consoleBuf = append(d.consoleBuf, c)
	}
	d.consoleMu.Unlock()
}

// SaveState writes the checkpoint format: core count, RAM size, the RAM
// image, then each CPU's register file in canonical order.
func (d *Domain) SaveState(w io.Writer) error {
	bw := bufio.NewWriter(w)

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(d.cpus)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(d.ramMB))
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("osdomain: write checkpoint header: %w", err)
	}

	if len(d.cpus) > 0 {
		if err := d.cpus[0].RAM().Save(bw); err != nil {
			return fmt.Errorf("osdomain: save ram: %w", err)
		}
	}

	for i, cpu := range d.cpus {
		for r := emulator.Register(0); r < emulator.NumRegisters; r++ {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], cpu.GetReg(r))
			if _, err := bw.Write(buf[:]); err != nil {
				return fmt.Errorf("osdomain: save cpu %d registers: %w", i, err)
			}
		}
	}

	if d.log != nil {
		d.log.Checkpoint("save", "", len(d.cpus), d.ramMB)
	}
	return bw.Flush()
}
