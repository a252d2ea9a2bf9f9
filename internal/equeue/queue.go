// Package equeue implements the per-CPU Event Queue: a bounded, optionally
// filtered stream of instruction/memory/interrupt events drained by a
// consumer goroutine. Grounded on qsim.cpp's Qsim::Queue, including its
// HLT-interception special case and the filter predicate from set_filt.
package equeue

import (
	"sync"

	"github.com/qsimhost/qsim/internal/emulator"
	"github.com/qsimhost/qsim/internal/osdomain"
)

// Kind tags which union member of QueueItem is populated.
type Kind int

const (
	KindInst Kind = iota
	KindMem
	KindInt
	KindHLT
)

func (k Kind) String() string {
	switch k {
	case KindInst:
		return "inst"
	case KindMem:
		return "mem"
	case KindInt:
		return "int"
	case KindHLT:
		return "hlt"
	default:
		return "?"
	}
}

// QueueItem is one queued event. Only the fields relevant to Kind are
// meaningful.
type QueueItem struct {
	Kind   Kind
	Vaddr  uint64
	Paddr  uint64
	Size   uint8
	Bytes  []byte
	Inst   emulator.InstType
	Write  bool
	Vec    uint8
}

// domain is the subset of *osdomain.Domain an Event Queue needs: per-cpu
// callback installation, scheduling metadata for the filter predicate, and
// the timer kick HLT interception triggers.
type domain interface {
	SetCPUInstCB(cpu int, cb emulator.InstCB)
	SetCPUMemCB(cpu int, cb emulator.MemCB)
	SetCPUIntCB(cpu int, cb emulator.IntCB)
	GetTid(cpu int) int
	GetMode(cpu int) osdomain.Mode
	GetProt(cpu int) osdomain.Prot
	TimerInterrupt()
}

// Queue is one CPU's Event Queue: a bounded FIFO of QueueItem filled by
// callbacks the Domain invokes on its own Run goroutine and drained by
// whatever goroutine calls Items.
type Queue struct {
	cpu     int
	d       domain
	hlt     bool
	cap     int

	mu      sync.Mutex
	items   []QueueItem
	dropped uint64

	filterUser, filterKrnl, filterProt, filterReal bool
	filterTid                                      int // -1 means "any"
}

// defaultCapacity bounds the FIFO so a slow consumer cannot grow memory
// without limit; overflow drops the oldest item and increments Dropped.
// This bound is a supplement the original unbounded std::queue does not
// need in a single-threaded consumer, but a Go consumer goroutine can
// fall behind a producer running at full emulation speed.
const defaultCapacity = 65536

// byCPU is a process-wide index of the Event Queue currently bound to each
// CPU id, mirroring Qsim::Queue's static queues vector. It exists for
// introspection (Queues) rather than for dispatch, since Go closures
// already carry a direct reference to their owning Queue.
var (
	byCPUMu sync.Mutex
	byCPU   = map[int]*Queue{}
)

// NewQueue binds a new Event Queue to cpu on d. If hlt is true, HLT
// instructions are intercepted: they are reported as a KindHLT item and do
// not reach the normal instruction stream, and each HLT kicks the Domain's
// timer so a halted CPU still receives its next tick.
func NewQueue(d domain, cpu int, hlt bool) *Queue {
	q := &Queue{
		cpu:        cpu,
		d:          d,
		hlt:        hlt,
		cap:        defaultCapacity,
		filterUser: true,
		filterKrnl: true,
		filterProt: true,
		filterReal: true,
		filterTid:  -1,
	}

	d.SetCPUInstCB(cpu, q.onInst)
	d.SetCPUMemCB(cpu, q.onMem)
	d.SetCPUIntCB(cpu, q.onInt)

	byCPUMu.Lock()
	byCPU[cpu] = q
	byCPUMu.Unlock()

	return q
}

// Close unbinds the Queue from its process-wide index. It does not remove
// the Queue's callbacks from the Domain; a subsequent NewQueue for the same
// CPU simply replaces them.
func (q *Queue) Close() {
	byCPUMu.Lock()
	if byCPU[q.cpu] == q {
		delete(byCPU, q.cpu)
	}
	byCPUMu.Unlock()
}

// Queues returns every currently bound Event Queue, keyed by CPU id.
func Queues() map[int]*Queue {
	byCPUMu.Lock()
	defer byCPUMu.Unlock()
	out := make(map[int]*Queue, len(byCPU))
	for k, v := range byCPU {
		out[k] = v
	}
	return out
}

// SetFilt narrows which events reach the queue. An event passes when
// (tid matches any of filterTid==-1 or the event's tid) AND at least one of
// the four krnl/prot/user/real clauses holds, exactly qsim.cpp's set_filt
// predicate: (krnl && prot==kernel) || (user && prot==user) ||
// (prot_mode && mode==protected) || (real && mode==real).
func (q *Queue) SetFilt(user, krnl, prot, real bool, tid int) {
	q.mu.Lock()
	q.filterUser, q.filterKrnl, q.filterProt, q.filterReal = user, krnl, prot, real
	q.filterTid = tid
	q.mu.Unlock()
}

// Dropped returns the number of items discarded because the queue was at
// capacity when a new one arrived.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Items drains and returns every item currently queued.
func (q *Queue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports how many items are currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) push(item QueueItem) {
	q.mu.Lock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// passes applies the unfiltered fast path (all four flags true and
// tid==-1) or the full predicate otherwise.
func (q *Queue) passes() bool {
	q.mu.Lock()
	user, krnl, prot, real, tid := q.filterUser, q.filterKrnl, q.filterProt, q.filterReal, q.filterTid
	q.mu.Unlock()

	if user && krnl && prot && real && tid == -1 {
		return true
	}
	if tid != -1 && q.d.GetTid(q.cpu) != tid {
		return false
	}
	mode := q.d.GetMode(q.cpu)
	p := q.d.GetProt(q.cpu)
	return (krnl && p == osdomain.ProtKern) ||
		(user && p == osdomain.ProtUser) ||
		(prot && mode == osdomain.ModeProt) ||
		(real && mode == osdomain.ModeReal)
}

// hltOpcode is the single-byte HLT instruction qsim.cpp's inst_cb_hlt
// intercepts regardless of the active filter.
const hltOpcode = 0xF4

func (q *Queue) onInst(vaddr, paddr uint64, length uint8, bytes []byte, kind emulator.InstType) {
	if q.hlt && length == 1 && len(bytes) == 1 && bytes[0] == hltOpcode {
		q.push(QueueItem{Kind: KindHLT, Vaddr: vaddr, Paddr: paddr})
		q.d.TimerInterrupt()
		return
	}
	if !q.passes() {
		return
	}
	q.push(QueueItem{Kind: KindInst, Vaddr: vaddr, Paddr: paddr, Size: length, Bytes: bytes, Inst: kind})
}

func (q *Queue) onMem(vaddr, paddr uint64, size uint8, isWrite bool) {
	if !q.passes() {
		return
	}
	q.push(QueueItem{Kind: KindMem, Vaddr: vaddr, Paddr: paddr, Size: size, Write: isWrite})
}

func (q *Queue) onInt(vec uint8) int {
	if !q.passes() {
		return 0
	}
	q.push(QueueItem{Kind: KindInt, Vec: vec})
	return 0
}
