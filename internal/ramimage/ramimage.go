// Package ramimage holds the RAM image shared by every CPU in a Domain.
package ramimage

import (
	"fmt"
	"io"
)

const (
	oneMiB  = 1 << 20
	fourGiB = 1 << 32
)

// Descriptor is the RAM backing store shared by all sibling CPUs. A master
// CPU owns a Descriptor; slave CPUs bind to the same one. Go slices already
// give the aliasing the original pointer-based descriptor relied on, so a
// Descriptor need not be refcounted — its lifetime is the Domain's.
type Descriptor struct {
	LowMem  []byte // below 0x100000
	Below4G []byte // 0x100000 .. 4GiB
	Above4G []byte // >= 4GiB, empty unless ramMB pushes past 4GiB
}

// NewDescriptor allocates a zeroed RAM image sized for ramMB megabytes of
// guest memory, split the way qemu_init's backing allocation would: a fixed
// 1MiB low region, the remainder up to 4GiB, and anything beyond that.
func NewDescriptor(ramMB uint) *Descriptor {
	total := uint64(ramMB) * oneMiB
	d := &Descriptor{LowMem: make([]byte, oneMiB)}

	if total <= oneMiB {
		return d
	}
	below4g := total - oneMiB
	if below4g > fourGiB-oneMiB {
		below4g = fourGiB - oneMiB
	}
	d.Below4G = make([]byte, below4g)

	if total > fourGiB {
		d.Above4G = make([]byte, total-fourGiB)
	}
	return d
}

// Save writes the three RAM regions to w in checkpoint order: low, below4G,
// above4G. It performs no length prefixing; the caller (osdomain) owns the
// checkpoint header.
func (d *Descriptor) Save(w io.Writer) error {
	for _, region := range [][]byte{d.LowMem, d.Below4G, d.Above4G} {
		if _, err := w.Write(region); err != nil {
			return fmt.Errorf("ramimage: save: %w", err)
		}
	}
	return nil
}

// Load fills the three RAM regions in place from r, reading exactly
// len(region) bytes for each in turn. The Descriptor must already be sized
// (via NewDescriptor) to match what was saved.
func (d *Descriptor) Load(r io.Reader) error {
	for _, region := range [][]byte{d.LowMem, d.Below4G, d.Above4G} {
		if len(region) == 0 {
			continue
		}
		if _, err := io.ReadFull(r, region); err != nil {
			return fmt.Errorf("ramimage: load: %w", err)
		}
	}
	return nil
}
