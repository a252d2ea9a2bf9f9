package emulator

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/qsimhost/qsim/internal/ramimage"
)

// bzImage header field offsets, per the Linux boot protocol and
// Qsim::QemuCpu::load_linux.
const (
	offSetupSects  = 0x1F1 // u8
	offSyssize16   = 0x1F4 // u32, in 16-byte units
	offPrefAddress = 0x258 // u64, recorded but unused
)

// LoadLinux copies a bzImage kernel into ram following the exact layout
// qsim.cpp's load_linux uses: the real-mode setup code lands at
// low_mem+0x10000-0x200, and the protected-mode kernel image lands at the
// base of the below-4GiB region.
func LoadLinux(ram *ramimage.Descriptor, bzImage string) error {
	f, err := os.Open(bzImage)
	if err != nil {
		return fmt.Errorf("emulator: open kernel image %s: %w", bzImage, err)
	}
	defer f.Close()

	var setupSects uint8
	if err := readAt(f, offSetupSects, &setupSects); err != nil {
		return fmt.Errorf("emulator: read setup_sects: %w", err)
	}
	var syssize16 uint32
	if err := readAt(f, offSyssize16, &syssize16); err != nil {
		return fmt.Errorf("emulator: read syssize: %w", err)
	}
	var prefAddress uint64
	if err := readAt(f, offPrefAddress, &prefAddress); err != nil {
		return fmt.Errorf("emulator: read pref_address: %w", err)
	}
	_ = prefAddress // recorded, not used by this simulator

	setupLen := int(setupSects)*512 + 512
	setupDst := 0x10000 - 0x200 // offset within LowMem, per load_linux
	if err := readChunk(f, 0, ram.LowMem, setupDst, setupLen); err != nil {
		return err
	}

	kernelLen := int(syssize16) * 16
	kernelOff := setupLen
	if err := readChunk(f, int64(kernelOff), ram.Below4G, 0, kernelLen); err != nil {
		return err
	}

	return nil
}

func readAt(f *os.File, offset int64, v any) error {
	buf := make([]byte, sizeOf(v))
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}
	switch p := v.(type) {
	case *uint8:
		*p = buf[0]
	case *uint32:
		*p = binary.LittleEndian.Uint32(buf)
	case *uint64:
		*p = binary.LittleEndian.Uint64(buf)
	default:
		return fmt.Errorf("emulator: unsupported header field type %T", v)
	}
	return nil
}

func sizeOf(v any) int {
	switch v.(type) {
	case *uint8:
		return 1
	case *uint32:
		return 4
	case *uint64:
		return 8
	default:
		return 0
	}
}

// readChunk copies length bytes from srcOffset in f into dst starting at
// dstOffset, bounds-checked against dst's length.
func readChunk(f *os.File, srcOffset int64, dst []byte, dstOffset, length int) error {
	if dstOffset < 0 || dstOffset+length > len(dst) {
		return fmt.Errorf("emulator: kernel chunk out of range (off=%d len=%d cap=%d)", dstOffset, length, len(dst))
	}
	if _, err := f.ReadAt(dst[dstOffset:dstOffset+length], srcOffset); err != nil {
		return fmt.Errorf("emulator: read kernel chunk: %w", err)
	}
	return nil
}
