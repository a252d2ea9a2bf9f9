package osdomain

import "github.com/qsimhost/qsim/internal/emulator"

// CPUSnapshot is one CPU's observable state at the moment Snapshot was
// taken, the shape internal/qtui renders one table row from.
type CPUSnapshot struct {
	ID      int
	Running bool
	Idle    bool
	TID     int
	Mode    Mode
	Prot    Prot
	RIP     uint64
	Pending int // length of the pending-IPI queue
}

// DomainSnapshot is a point-in-time, allocation-cheap read of every CPU's
// state plus Domain-wide counters, intended for a monitor loop polling at a
// fixed interval rather than for consumption on the hot path.
type DomainSnapshot struct {
	NCPUs int
	RAMMB uint
	CPUs  []CPUSnapshot
}

// Snapshot returns the current state of every CPU in the Domain.
func (d *Domain) Snapshot() DomainSnapshot {
	d.mu.RLock()
	running := append([]bool(nil), d.running...)
	idle := append([]bool(nil), d.idle...)
	tids := append([]uint16(nil), d.tids...)
	d.mu.RUnlock()

	d.ipiMu.Lock()
	pending := make([]int, len(d.pendingIPI))
	for i, q := range d.pendingIPI {
		pending[i] = len(q)
	}
	d.ipiMu.Unlock()

	snap := DomainSnapshot{
		NCPUs: len(d.cpus),
		RAMMB: d.ramMB,
		CPUs:  make([]CPUSnapshot, len(d.cpus)),
	}
	for i, cpu := range d.cpus {
		snap.CPUs[i] = CPUSnapshot{
			ID:      i,
			Running: running[i],
			Idle:    idle[i],
			TID:     int(tids[i]),
			Mode:    d.GetMode(i),
			Prot:    d.GetProt(i),
			RIP:     cpu.GetReg(emulator.RIP),
			Pending: pending[i],
		}
	}
	return snap
}
