//go:build unix

package emulator

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/qsimhost/qsim/internal/ramimage"
)

// DLAdapter is the production Adapter backend: it binds the external
// emulator dynamic library's ABI by symbol name. The library path is
// always "./libqemu.so", part of the ABI contract.
const libqemuPath = "./libqemu.so"

var (
	dlOnce    sync.Once
	dlErr     error
	libqemu   uintptr

	qemuInit        func(ram uintptr, ramSizeDesc string, id int32) uintptr
	qemuRun         func(handle uintptr, n uint64) uint64
	qemuInterrupt   func(handle uintptr, vec uint8) int32
	qemuGetReg      func(handle uintptr, reg int32) uint64
	qemuSetReg      func(handle uintptr, reg int32, val uint64)
	qemuMemRd       func(handle uintptr, addr uint64, buf uintptr, size uint64)
	qemuMemWr       func(handle uintptr, addr uint64, buf uintptr, size uint64)
	qemuMemRdVirt   func(handle uintptr, addr uint64, buf uintptr, size uint64)
	qemuMemWrVirt   func(handle uintptr, addr uint64, buf uintptr, size uint64)
	qemuSetInstCB   func(handle uintptr, cb uintptr)
	qemuSetMemCB    func(handle uintptr, cb uintptr)
	qemuSetIntCB    func(handle uintptr, cb uintptr)
	qemuSetAtomicCB func(handle uintptr, cb uintptr)
	qemuSetIOCB     func(handle uintptr, cb uintptr)
	qemuSetMagicCB  func(handle uintptr, cb uintptr)
	qemuSetRegCB    func(handle uintptr, cb uintptr)
	qsimRAM         func(handle uintptr) uintptr
)

// ensureLoaded dlopens libqemu.so and resolves every symbol named in
// qsim.cpp's load_and_grab_pointers exactly once per process.
func ensureLoaded() error {
	dlOnce.Do(func() {
		var err error
		libqemu, err = purego.Dlopen(libqemuPath, purego.RTLD_GLOBAL|purego.RTLD_NOW)
		if err != nil {
			dlErr = fmt.Errorf("emulator: dlopen %s: %w", libqemuPath, err)
			return
		}

		register := func(sym any, name string) {
			if dlErr != nil {
				return
			}
			purego.RegisterLibFunc(sym, libqemu, name)
		}

		register(&qemuInit, "qemu_init")
		register(&qemuRun, "run")
		register(&qemuInterrupt, "interrupt")
		register(&qemuGetReg, "get_reg")
		register(&qemuSetReg, "set_reg")
		register(&qemuMemRd, "mem_rd")
		register(&qemuMemWr, "mem_wr")
		register(&qemuMemRdVirt, "mem_rd_virt")
		register(&qemuMemWrVirt, "mem_wr_virt")
		register(&qemuSetInstCB, "set_inst_cb")
		register(&qemuSetMemCB, "set_mem_cb")
		register(&qemuSetIntCB, "set_int_cb")
		register(&qemuSetAtomicCB, "set_atomic_cb")
		register(&qemuSetIOCB, "set_io_cb")
		register(&qemuSetMagicCB, "set_magic_cb")
		register(&qemuSetRegCB, "set_reg_cb")
		register(&qsimRAM, "qsim_ram")
	})
	return dlErr
}

// DLAdapter binds one guest CPU handle in the loaded library. Per-kind
// callback trampolines are registered once via the router table
// (router.go) keyed by handle: the C ABI cannot carry a Go closure as
// context, so routing back to the owning adapter goes through a
// package-level map instead.
type DLAdapter struct {
	id     int
	handle uintptr
	ram    *ramimage.Descriptor
}

type dlFactory struct{}

// NewDLFactory returns a Factory that binds the real ./libqemu.so ABI.
func NewDLFactory() Factory { return dlFactory{} }

func (dlFactory) NewMaster(id int, kernelPath string, ramMB uint) (Adapter, error) {
	if err := ensureLoaded(); err != nil {
		return nil, err
	}
	handle := qemuInit(0, fmt.Sprintf("%dM", ramMB), int32(id))
	ram := descriptorFromHandle(handle)

	a := &DLAdapter{id: id, handle: handle, ram: ram}
	registerRouter(handle, a)

	if err := LoadLinux(ram, kernelPath); err != nil {
		a.Close()
		return nil, err
	}
	for reg, v := range BootMaster {
		a.SetReg(reg, v)
	}
	return a, nil
}

func (dlFactory) NewSlave(id int, master Adapter) (Adapter, error) {
	if err := ensureLoaded(); err != nil {
		return nil, err
	}
	dm, ok := master.(*DLAdapter)
	if !ok {
		return nil, fmt.Errorf("emulator: slave cpu %d requires a DLAdapter master", id)
	}
	handle := qemuInit(dm.handle, "0M", int32(id))
	a := &DLAdapter{id: id, handle: handle, ram: dm.ram}
	registerRouter(handle, a)

	for reg, v := range BootSlave {
		a.SetReg(reg, v)
	}
	return a, nil
}

func (dlFactory) NewMasterFromRAM(id int, ram *ramimage.Descriptor) (Adapter, error) {
	if err := ensureLoaded(); err != nil {
		return nil, err
	}
	handle := qemuInit(0, "0M", int32(id))
	a := &DLAdapter{id: id, handle: handle, ram: ram}
	registerRouter(handle, a)
	return a, nil
}

// descriptorFromHandle copies the three RAM region pointers the library
// reports via qsim_ram into a ramimage.Descriptor. The actual pointer
// plumbing lives in router.go's cgo-free byte-slice aliasing helper.
func descriptorFromHandle(handle uintptr) *ramimage.Descriptor {
	return ramFromNativeHandle(qsimRAM(handle))
}

func (a *DLAdapter) Run(n uint64) (uint64, error) {
	return qemuRun(a.handle, n), nil
}

func (a *DLAdapter) Interrupt(vec uint8) (int, error) {
	return int(qemuInterrupt(a.handle, vec)), nil
}

func (a *DLAdapter) GetReg(r Register) uint64 {
	return qemuGetReg(a.handle, int32(r))
}

func (a *DLAdapter) SetReg(r Register, v uint64) {
	qemuSetReg(a.handle, int32(r), v)
}

func (a *DLAdapter) MemReadPhys(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	qemuMemRd(a.handle, addr, bufPtr(buf), uint64(size))
	return buf, nil
}

func (a *DLAdapter) MemWritePhys(addr uint64, data []byte) error {
	qemuMemWr(a.handle, addr, bufPtr(data), uint64(len(data)))
	return nil
}

func (a *DLAdapter) MemReadVirt(addr uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	qemuMemRdVirt(a.handle, addr, bufPtr(buf), uint64(size))
	return buf, nil
}

func (a *DLAdapter) MemWriteVirt(addr uint64, data []byte) error {
	qemuMemWrVirt(a.handle, addr, bufPtr(data), uint64(len(data)))
	return nil
}

func (a *DLAdapter) SetInstCB(cb InstCB)     { setRouterInstCB(a.handle, cb); qemuSetInstCB(a.handle, routerTrampolines.inst) }
func (a *DLAdapter) SetMemCB(cb MemCB)       { setRouterMemCB(a.handle, cb); qemuSetMemCB(a.handle, routerTrampolines.mem) }
func (a *DLAdapter) SetIntCB(cb IntCB)       { setRouterIntCB(a.handle, cb); qemuSetIntCB(a.handle, routerTrampolines.intr) }
func (a *DLAdapter) SetAtomicCB(cb AtomicCB) { setRouterAtomicCB(a.handle, cb); qemuSetAtomicCB(a.handle, routerTrampolines.atomic) }
func (a *DLAdapter) SetIOCB(cb IOCB)         { setRouterIOCB(a.handle, cb); qemuSetIOCB(a.handle, routerTrampolines.io) }
func (a *DLAdapter) SetMagicCB(cb MagicCB)   { setRouterMagicCB(a.handle, cb); qemuSetMagicCB(a.handle, routerTrampolines.magic) }
func (a *DLAdapter) SetRegCB(cb RegCB)       { setRouterRegCB(a.handle, cb); qemuSetRegCB(a.handle, routerTrampolines.reg) }

func (a *DLAdapter) RAM() *ramimage.Descriptor { return a.ram }

func (a *DLAdapter) Close() error {
	unregisterRouter(a.handle)
	return nil
}
