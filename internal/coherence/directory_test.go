package coherence

import (
	"sync"
	"testing"
	"time"
)

func TestLockAddrReentrant(t *testing.T) {
	d := NewDirectory(12, 4, false)

	d.LockAddr(0x1000, 7)
	d.LockAddr(0x1000, 7) // second call by the same holder is a no-op
	d.UnlockAddr(0x1000, 7)

	// A single unlock fully releases the line: a different id must now be
	// able to acquire it.
	done := make(chan struct{})
	go func() {
		d.LockAddr(0x1000, 9)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockAddr(9) blocked after holder 7's single unlock")
	}
	d.UnlockAddr(0x1000, 9)
}

func TestLockAddrBlocksOtherHolder(t *testing.T) {
	d := NewDirectory(12, 4, false)
	d.LockAddr(0x2000, 1)

	acquired := make(chan struct{})
	go func() {
		d.LockAddr(0x2000, 2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("LockAddr(2) acquired while id 1 still holds the line")
	case <-time.After(50 * time.Millisecond):
	}

	d.UnlockAddr(0x2000, 1)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("LockAddr(2) never woke up after holder 1 unlocked")
	}
	d.UnlockAddr(0x2000, 2)
}

func TestUnlockAddrByNonHolderIsSilent(t *testing.T) {
	d := NewDirectory(12, 4, false)
	d.LockAddr(0x3000, 1)

	// Must not panic, must not release the lock held by id 1.
	d.UnlockAddr(0x3000, 99)

	acquired := make(chan struct{})
	go func() {
		d.LockAddr(0x3000, 2)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("non-holder unlock released a lock it did not hold")
	case <-time.After(50 * time.Millisecond):
	}
	d.UnlockAddr(0x3000, 1)
	<-acquired
	d.UnlockAddr(0x3000, 2)
}

func TestAddRemHasIds(t *testing.T) {
	d := NewDirectory(12, 4, false)
	addr := uint64(0x4000)

	d.AddAddr(addr, 1)
	d.AddAddr(addr, 2)
	d.AddAddr(addr, 3)

	if !d.HasID(addr, 2) {
		t.Error("expected id 2 to be a sharer")
	}
	ids := d.Ids(addr)
	if len(ids) != 3 {
		t.Errorf("expected 3 sharers, got %d: %v", len(ids), ids)
	}

	d.RemAddr(addr, 2)
	if d.HasID(addr, 2) {
		t.Error("id 2 still reported as sharer after RemAddr")
	}
	if len(d.Ids(addr)) != 2 {
		t.Errorf("expected 2 sharers after removal, got %d", len(d.Ids(addr)))
	}

	// Removing an absent id, or querying an address never touched, must not panic.
	d.RemAddr(addr, 42)
	if d.HasID(0xFFFF, 1) {
		t.Error("HasID on untouched address returned true")
	}
	if ids := d.Ids(0xFFFF); ids != nil {
		t.Errorf("Ids on untouched address returned %v, want nil", ids)
	}
}

func TestClearIds(t *testing.T) {
	d := NewDirectory(12, 4, false)
	addr := uint64(0x5000)

	d.AddAddr(addr, 1)
	d.AddAddr(addr, 2)
	d.AddAddr(addr, 3)

	out := d.ClearIds(addr, 5)
	if len(out) != 1 || out[0] != 5 {
		t.Fatalf("ClearIds returned %v, want [5]", out)
	}
	ids := d.Ids(addr)
	if len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("sharer set after ClearIds = %v, want [5]", ids)
	}
}

func TestCloseHistogram(t *testing.T) {
	d := NewDirectory(12, 2, true)

	d.AddAddr(0x1000, 1)
	d.AddAddr(0x1000, 2) // line A: 2 distinct sharers

	d.AddAddr(0x2000, 1) // line B: 1 distinct sharer

	hist := d.Close()
	if hist[2] != 1 {
		t.Errorf("expected one line with 2 sharers, got %d", hist[2])
	}
	if hist[1] != 1 {
		t.Errorf("expected one line with 1 sharer, got %d", hist[1])
	}
}

func TestCloseWithoutHistogramReturnsNil(t *testing.T) {
	d := NewDirectory(12, 2, false)
	d.AddAddr(0x1000, 1)
	if got := d.Close(); got != nil {
		t.Errorf("Close() = %v, want nil when histogram disabled", got)
	}
}

func TestBankingDistributesLines(t *testing.T) {
	d := NewDirectory(0, 8, false) // line size 1 byte, so every address is its own line
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(addr uint64) {
			defer wg.Done()
			d.LockAddr(addr, int(addr))
			d.AddAddr(addr, int(addr))
			d.UnlockAddr(addr, int(addr))
		}(uint64(i))
	}
	wg.Wait()

	for i := 0; i < 64; i++ {
		if !d.HasID(uint64(i), i) {
			t.Errorf("address %d missing its sharer after concurrent use", i)
		}
	}
}
