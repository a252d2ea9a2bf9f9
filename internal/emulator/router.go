//go:build unix

package emulator

import (
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/qsimhost/qsim/internal/ramimage"
)

// The dynamic library's callback signatures are plain C function pointers
// and cannot carry a Go closure as context, so routing from a raw handle
// back to the owning *DLAdapter's registered callback goes through a
// package-level table - the idiomatic-Go answer to a static id->instance
// vector for callbacks that cross a C ABI boundary.
var (
	routerMu sync.Mutex
	routes   = map[uintptr]*DLAdapter{}
)

func registerRouter(handle uintptr, a *DLAdapter) {
	routerMu.Lock()
	routes[handle] = a
	routerMu.Unlock()
}

func unregisterRouter(handle uintptr) {
	routerMu.Lock()
	delete(routes, handle)
	routerMu.Unlock()
}

func lookupRouter(handle uintptr) *DLAdapter {
	routerMu.Lock()
	a := routes[handle]
	routerMu.Unlock()
	return a
}

var (
	instCBs   = map[uintptr]InstCB{}
	memCBs    = map[uintptr]MemCB{}
	intCBs    = map[uintptr]IntCB{}
	atomicCBs = map[uintptr]AtomicCB{}
	ioCBs     = map[uintptr]IOCB{}
	magicCBs  = map[uintptr]MagicCB{}
	regCBs    = map[uintptr]RegCB{}
	cbMu      sync.Mutex
)

func setRouterInstCB(h uintptr, cb InstCB) {
	cbMu.Lock()
	instCBs[h] = cb
	cbMu.Unlock()
}
func setRouterMemCB(h uintptr, cb MemCB) {
	cbMu.Lock()
	memCBs[h] = cb
	cbMu.Unlock()
}
func setRouterIntCB(h uintptr, cb IntCB) {
	cbMu.Lock()
	intCBs[h] = cb
	cbMu.Unlock()
}
func setRouterAtomicCB(h uintptr, cb AtomicCB) {
	cbMu.Lock()
	atomicCBs[h] = cb
	cbMu.Unlock()
}
func setRouterIOCB(h uintptr, cb IOCB) {
	cbMu.Lock()
	ioCBs[h] = cb
	cbMu.Unlock()
}
func setRouterMagicCB(h uintptr, cb MagicCB) {
	cbMu.Lock()
	magicCBs[h] = cb
	cbMu.Unlock()
}
func setRouterRegCB(h uintptr, cb RegCB) {
	cbMu.Lock()
	regCBs[h] = cb
	cbMu.Unlock()
}

// routerTrampolines holds the single set of purego.NewCallback-produced C
// function pointers shared by every DLAdapter; each trampoline receives
// the calling handle as its first argument and dispatches through the
// route table above.
var routerTrampolines = struct {
	inst, mem, intr, atomic, io, magic, reg uintptr
}{
	inst: purego.NewCallback(func(handle uintptr, vaddr, paddr uint64, length uint8, bytes uintptr, kind int32) uintptr {
		cbMu.Lock()
		cb := instCBs[handle]
		cbMu.Unlock()
		if cb != nil {
			cb(vaddr, paddr, length, bytesFromPtr(bytes, int(length)), InstType(kind))
		}
		return 0
	}),
	mem: purego.NewCallback(func(handle uintptr, vaddr, paddr uint64, size uint8, isWrite int32) uintptr {
		cbMu.Lock()
		cb := memCBs[handle]
		cbMu.Unlock()
		if cb != nil {
			cb(vaddr, paddr, size, isWrite != 0)
		}
		return 0
	}),
	intr: purego.NewCallback(func(handle uintptr, vec uint8) uintptr {
		cbMu.Lock()
		cb := intCBs[handle]
		cbMu.Unlock()
		if cb == nil {
			return 0
		}
		return uintptr(cb(vec))
	}),
	atomic: purego.NewCallback(func(handle uintptr) uintptr {
		cbMu.Lock()
		cb := atomicCBs[handle]
		cbMu.Unlock()
		if cb == nil {
			return 0
		}
		return uintptr(cb())
	}),
	io: purego.NewCallback(func(handle uintptr, port uint64, size uint8, isWrite int32, data uint32) uintptr {
		cbMu.Lock()
		cb := ioCBs[handle]
		cbMu.Unlock()
		if cb != nil {
			cb(port, size, isWrite != 0, data)
		}
		return 0
	}),
	magic: purego.NewCallback(func(handle uintptr, rax uint64) uintptr {
		cbMu.Lock()
		cb := magicCBs[handle]
		cbMu.Unlock()
		if cb == nil {
			return 0
		}
		return uintptr(cb(rax))
	}),
	reg: purego.NewCallback(func(handle uintptr, reg int32, size uint8, isWrite int32) uintptr {
		cbMu.Lock()
		cb := regCBs[handle]
		cbMu.Unlock()
		if cb != nil {
			cb(Register(reg), size, isWrite != 0)
		}
		return 0
	}),
}

func bytesFromPtr(p uintptr, n int) []byte {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

func bufPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// ramFromNativeHandle aliases the three RAM regions the library reports via
// qsim_ram into Go byte slices without copying, assuming the library's
// qsim_ram_desc_t layout is { low_mem_ptr, low_mem_sz, below_4g_ptr,
// below_4g_sz, above_4g_ptr, above_4g_sz } of pointer-sized fields, matching
// Qsim::QsimRamDesc.
func ramFromNativeHandle(descPtr uintptr) *ramimage.Descriptor {
	type nativeRAMDesc struct {
		lowMemPtr  uintptr
		lowMemSz   uint64
		below4gPtr uintptr
		below4gSz  uint64
		above4gPtr uintptr
		above4gSz  uint64
	}
	d := (*nativeRAMDesc)(unsafe.Pointer(descPtr))
	return &ramimage.Descriptor{
		LowMem:  unsafe.Slice((*byte)(unsafe.Pointer(d.lowMemPtr)), d.lowMemSz),
		Below4G: unsafe.Slice((*byte)(unsafe.Pointer(d.below4gPtr)), d.below4gSz),
		Above4G: unsafe.Slice((*byte)(unsafe.Pointer(d.above4gPtr)), d.above4gSz),
	}
}
