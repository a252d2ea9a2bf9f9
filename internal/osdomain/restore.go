package osdomain

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/qsimhost/qsim/internal/emulator"
	"github.com/qsimhost/qsim/internal/ramimage"
)

// Restore reconstructs a Domain from a checkpoint written by SaveState. CPU
// 0 is rebuilt from the saved RAM image, then each slave is rebuilt bound
// to CPU 0's descriptor; every CPU's register file is replayed, and every
// restored CPU's running flag is set to true exactly once (the checkpoint
// carries no running flags) — unlike qsim.cpp's checkpoint constructor,
// which pushes it twice per slave.
func Restore(factory emulator.Factory, r io.Reader) (*Domain, error) {
	if !domainExists.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("osdomain: tried to create more than one OSDomain; there can be only one")
	}

	br := bufio.NewReader(r)

	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		domainExists.Store(false)
		return nil, fmt.Errorf("osdomain: read checkpoint header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	ramMB := binary.LittleEndian.Uint32(hdr[4:8])

	d := newDomain(factory, uint16(n), uint(ramMB))

	if n > 0 {
		ram := ramimage.NewDescriptor(uint(ramMB))
		if err := ram.Load(br); err != nil {
			domainExists.Store(false)
			return nil, fmt.Errorf("osdomain: load ram image: %w", err)
		}

		master, err := factory.NewMasterFromRAM(0, ram)
		if err != nil {
			domainExists.Store(false)
			return nil, fmt.Errorf("osdomain: restore cpu 0: %w", err)
		}
		if err := loadRegisters(br, master); err != nil {
			domainExists.Store(false)
			return nil, fmt.Errorf("osdomain: restore cpu 0 registers: %w", err)
		}
		d.addCPU(master, true)

		for i := uint32(1); i < n; i++ {
			slave, err := factory.NewSlave(int(i), master)
			if err != nil {
				domainExists.Store(false)
				return nil, fmt.Errorf("osdomain: restore cpu %d: %w", i, err)
			}
			if err := loadRegisters(br, slave); err != nil {
				domainExists.Store(false)
				return nil, fmt.Errorf("osdomain: restore cpu %d registers: %w", i, err)
			}
			d.addCPU(slave, true)
		}
	}

	if d.log != nil {
		d.log.Checkpoint("restore", "", int(n), uint(ramMB))
		d.log.Info("domain restored", zap.String("session", d.id.String()))
	}

	d.TimerInterrupt()
	return d, nil
}

func loadRegisters(r io.Reader, a emulator.Adapter) error {
	for reg := emulator.Register(0); reg < emulator.NumRegisters; reg++ {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return err
		}
		a.SetReg(reg, binary.LittleEndian.Uint64(buf[:]))
	}
	return nil
}

// Close releases the Domain's single-instance slot and closes every CPU
// adapter. A Domain must not be used after Close.
func (d *Domain) Close() error {
	var firstErr error
	for _, cpu := range d.cpus {
		if err := cpu.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	domainExists.Store(false)
	return firstErr
}
