package osdomain

import (
	"testing"

	"github.com/qsimhost/qsim/internal/emulator"
)

func TestSnapshotReflectsCPUState(t *testing.T) {
	d := newTestDomain(t, 2)
	fake(d, 0).SetReg(emulator.RIP, 0xABCD)

	snap := d.Snapshot()
	if snap.NCPUs != 2 {
		t.Fatalf("NCPUs = %d, want 2", snap.NCPUs)
	}
	if snap.RAMMB != 8 {
		t.Fatalf("RAMMB = %d, want 8", snap.RAMMB)
	}
	if len(snap.CPUs) != 2 {
		t.Fatalf("len(CPUs) = %d, want 2", len(snap.CPUs))
	}

	cpu0 := snap.CPUs[0]
	if cpu0.ID != 0 || !cpu0.Running || cpu0.RIP != 0xABCD {
		t.Errorf("cpu0 snapshot = %+v, want running with RIP=0xabcd", cpu0)
	}

	cpu1 := snap.CPUs[1]
	if cpu1.ID != 1 || cpu1.Running {
		t.Errorf("cpu1 snapshot = %+v, want not running", cpu1)
	}
}

func TestSnapshotReportsPendingIPIDepth(t *testing.T) {
	d := newTestDomain(t, 1)
	fake(d, 0).RefuseVec = 0x50 // 0x40 is preempted by 0x50, which gets queued
	fake(d, 0).FireMagic(magicIPIVal | (0 << 8) | 0x40)

	snap := d.Snapshot()
	if snap.CPUs[0].Pending != 1 {
		t.Errorf("Pending = %d, want 1", snap.CPUs[0].Pending)
	}
}
