// Package coherence implements a banked cache-line coherence directory:
// for each line address, which CPU ids currently hold it and which ever
// have. Grounded on qcache-dir.h's CoherenceDir<L2LINESZ> template, with
// the line size and bank count taken as runtime constructor arguments
// instead of a compile-time template parameter.
package coherence

import (
	"sync"
)

// Entry tracks one cache line's sharers. present is the live sharer set;
// alltime accumulates every id that has ever held the line, used only for
// the closing sharing histogram.
type Entry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holder  int // lock holder CPU id, -1 when unlocked
	present map[int]struct{}
	alltime map[int]struct{}
}

func newEntry() *Entry {
	e := &Entry{
		holder:  -1,
		present: make(map[int]struct{}),
		alltime: make(map[int]struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Bank is one shard of the directory, holding every Entry whose line
// address hashes to this bank.
type Bank struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

// Directory is a banked coherence directory over cache lines of size
// 1<<log2LineSize bytes.
type Directory struct {
	log2LineSize uint
	banks        []Bank
	histogram    bool

	histMu sync.Mutex
	hist   map[int]uint64 // sharer-count -> number of lines that reached it
}

// NewDirectory constructs a Directory with the given line size (as a
// power-of-two exponent, matching qcache-dir.h's L2LINESZ) and bank count.
// When histogram is true, Close tallies how many distinct CPU ids each line
// was ever shared among (qcache-dir.h's destructor report).
func NewDirectory(log2LineSize uint, banks int, histogram bool) *Directory {
	if banks < 1 {
		banks = 1
	}
	d := &Directory{
		log2LineSize: log2LineSize,
		banks:        make([]Bank, banks),
		histogram:    histogram,
	}
	for i := range d.banks {
		d.banks[i].entries = make(map[uint64]*Entry)
	}
	if histogram {
		d.hist = make(map[int]uint64)
	}
	return d
}

func (d *Directory) lineOf(addr uint64) uint64 {
	return addr >> d.log2LineSize
}

func (d *Directory) bankFor(line uint64) *Bank {
	idx := line % uint64(len(d.banks))
	return &d.banks[idx]
}

// entry returns the Entry for addr's line, creating it if create is true;
// otherwise it returns nil when absent.
func (d *Directory) entry(addr uint64, create bool) *Entry {
	line := d.lineOf(addr)
	bank := d.bankFor(line)

	bank.mu.Lock()
	defer bank.mu.Unlock()

	e, ok := bank.entries[line]
	if !ok {
		if !create {
			return nil
		}
		e = newEntry()
		bank.entries[line] = e
	}
	return e
}

// LockAddr acquires addr's line lock for id. A second call by the same id
// that already holds the lock is a no-op (qcache-dir.h's lockAddr).
func (d *Directory) LockAddr(addr uint64, id int) {
	e := d.entry(addr, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder == id {
		return
	}
	for e.holder != -1 {
		e.cond.Wait()
	}
	e.holder = id
}

// UnlockAddr releases id's lock on addr's line. A release attempt by a CPU
// that does not hold the lock is silently ignored (the taxonomy's silent
// "re-unlock by non-holder" case).
func (d *Directory) UnlockAddr(addr uint64, id int) {
	e := d.entry(addr, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holder != id {
		return
	}
	e.holder = -1
	e.cond.Broadcast()
}

// AddAddr records id as a current sharer of addr's line, must be called
// while id holds the line's lock.
func (d *Directory) AddAddr(addr uint64, id int) {
	e := d.entry(addr, true)
	e.mu.Lock()
	e.present[id] = struct{}{}
	e.alltime[id] = struct{}{}
	e.mu.Unlock()
}

// RemAddr drops id from addr's line's current sharer set. Removing an id
// that is not present is silently ignored.
func (d *Directory) RemAddr(addr uint64, id int) {
	e := d.entry(addr, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.present, id)
	e.mu.Unlock()
}

// HasID reports whether id is a current sharer of addr's line.
func (d *Directory) HasID(addr uint64, id int) bool {
	e := d.entry(addr, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.present[id]
	return ok
}

// Ids returns the current sharer set of addr's line (qcache-dir.h's
// idsBegin/idsEnd pair collapsed into one snapshot, since Go has no
// iterator-invalidation hazard to work around).
func (d *Directory) Ids(addr uint64) []int {
	e := d.entry(addr, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, 0, len(e.present))
	for id := range e.present {
		out = append(out, id)
	}
	return out
}

// ClearIds replaces addr's line's sharer set with exactly {remaining},
// returning the resulting set. qcache-dir.h declares clearIds to return an
// iterator but has no return statement; this rendition gives it a real,
// well-defined return value instead of reproducing the undefined behavior.
func (d *Directory) ClearIds(addr uint64, remaining int) []int {
	e := d.entry(addr, true)
	e.mu.Lock()
	e.present = map[int]struct{}{remaining: {}}
	e.alltime[remaining] = struct{}{}
	out := []int{remaining}
	e.mu.Unlock()
	return out
}

// Close tallies the sharing histogram, if enabled, and returns it; it returns
// nil when the histogram is disabled. Entries are left in place, so a second
// call counts every line again into the same histogram.
func (d *Directory) Close() map[int]uint64 {
	if !d.histogram {
		return nil
	}
	for i := range d.banks {
		bank := &d.banks[i]
		bank.mu.Lock()
		for _, e := range bank.entries {
			e.mu.Lock()
			n := len(e.alltime)
			e.mu.Unlock()
			d.histMu.Lock()
			d.hist[n]++
			d.histMu.Unlock()
		}
		bank.mu.Unlock()
	}
	return d.hist
}
