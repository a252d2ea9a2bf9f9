// Package emulator defines the Adapter contract every guest-CPU execution
// backend implements, plus three backends: DLAdapter (production, binds the
// real ./libqemu.so ABI), UnicornAdapter (dev/test, real x86 execution via
// unicorn-engine), and FakeAdapter (deterministic, no execution).
package emulator

import "github.com/qsimhost/qsim/internal/ramimage"

// Register enumerates the fixed x86 register set the Adapter contract
// exposes. Order is canonical and is also the checkpoint file's register
// order (see osdomain's save/restore).
type Register int

const (
	RIP Register = iota
	RSP
	RAX
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	CS
	DS
	ES
	SS
	FS
	GS
	CR0
	CR2
	CR3
	CR4
	RFLAGS
	NumRegisters
)

func (r Register) String() string {
	names := [...]string{
		"RIP", "RSP", "RAX", "RBX", "RCX", "RDX", "RSI", "RDI", "RBP",
		"CS", "DS", "ES", "SS", "FS", "GS",
		"CR0", "CR2", "CR3", "CR4", "RFLAGS",
	}
	if int(r) < 0 || int(r) >= len(names) {
		return "REG?"
	}
	return names[r]
}

// InstType mirrors the emulator's instruction-sample classification.
type InstType int

const (
	InstNormal InstType = iota
	InstBranch
)

// Callback types, one per kind the Adapter fans out, matching qsim.cpp's
// set_*_cb family. Numeric-return kinds (atomic, int, magic) are combined by
// the caller with logical OR across listeners; that fan-out lives in
// internal/osdomain, not here.
type (
	InstCB   func(vaddr, paddr uint64, length uint8, bytes []byte, kind InstType)
	MemCB    func(vaddr, paddr uint64, size uint8, isWrite bool)
	IntCB    func(vec uint8) int
	AtomicCB func() int
	IOCB     func(port uint64, size uint8, isWrite bool, data uint32)
	MagicCB  func(rax uint64) int
	RegCB    func(reg Register, size uint8, isWrite bool)
)

// Adapter is the uniform handle to one guest CPU backed by the dynamic
// emulator. One Adapter exists per CPU; sibling Adapters in the same Domain
// share a *ramimage.Descriptor.
type Adapter interface {
	// Run executes up to n guest instructions and returns the number
	// actually executed (0 if the CPU is halted or not running).
	Run(n uint64) (uint64, error)

	// Interrupt requests delivery of vec. It returns vec on acceptance, -1
	// if refused, or a different vector v' if the emulator preempted with
	// a higher-priority vector that the caller must re-queue.
	Interrupt(vec uint8) (int, error)

	GetReg(r Register) uint64
	SetReg(r Register, v uint64)

	MemReadPhys(addr uint64, size int) ([]byte, error)
	MemWritePhys(addr uint64, data []byte) error
	MemReadVirt(addr uint64, size int) ([]byte, error)
	MemWriteVirt(addr uint64, data []byte) error

	SetInstCB(InstCB)
	SetMemCB(MemCB)
	SetIntCB(IntCB)
	SetAtomicCB(AtomicCB)
	SetIOCB(IOCB)
	SetMagicCB(MagicCB)
	SetRegCB(RegCB)

	// RAM returns the descriptor backing this Adapter's guest memory,
	// shared with all sibling Adapters in the same Domain.
	RAM() *ramimage.Descriptor

	Close() error
}

// Factory constructs Adapters for a Domain: one master, then zero or more
// slaves bound to the master's RAM descriptor.
type Factory interface {
	// NewMaster constructs CPU 0, allocating a fresh RAM descriptor of the
	// given size and loading kernelPath per LoadLinux's layout.
	NewMaster(id int, kernelPath string, ramMB uint) (Adapter, error)

	// NewSlave constructs CPU id bound to master's RAM descriptor.
	NewSlave(id int, master Adapter) (Adapter, error)

	// NewMasterFromRAM constructs CPU 0 bound to an already-populated RAM
	// descriptor (checkpoint restore), without loading a kernel image.
	NewMasterFromRAM(id int, ram *ramimage.Descriptor) (Adapter, error)
}

// BootMaster and BootSlave are the register values qsim.cpp seeds before
// first run. Master CPUs seed the full set (post kernel load); slaves seed
// only CS/DS/RIP to zero.
var BootMaster = map[Register]uint64{
	RIP: 0x0000,
	CS:  0x1000,
	DS:  0x1000 - 0x20,
	RSP: 0x1000,
	SS:  0x200,
}

var BootSlave = map[Register]uint64{
	CS:  0x0000,
	DS:  0x0000,
	RIP: 0x0000,
}
