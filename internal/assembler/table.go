package assembler

import (
	"container/heap"
	"time"
)

// entry is one partially received frame.
type entry struct {
	id         uint32
	total      uint16
	parts      [][]byte
	have       []bool
	received   int
	size       int
	firstSeen  time.Time
	lastUpdate time.Time

	// index in ageHeap, maintained by heap.Interface
	index int
}

func newEntry(id uint32, total uint16, now time.Time) *entry {
	return &entry{
		id:         id,
		total:      total,
		parts:      make([][]byte, total),
		have:       make([]bool, total),
		firstSeen:  now,
		lastUpdate: now,
	}
}

// put stores payload at idx and reports whether it was new.
func (e *entry) put(idx uint16, payload []byte, now time.Time) bool {
	if e.have[idx] {
		return false
	}
	e.have[idx] = true
	e.parts[idx] = payload
	e.received++
	e.size += len(payload)
	e.lastUpdate = now
	return true
}

func (e *entry) complete() bool {
	return e.received == int(e.total)
}

func (e *entry) assemble() []byte {
	data := make([]byte, 0, e.size)
	for _, p := range e.parts {
		data = append(data, p...)
	}
	return data
}

// ageHeap orders entries by first-seen time, oldest at the root.
type ageHeap []*entry

func (h ageHeap) Len() int { return len(h) }

func (h ageHeap) Less(i, j int) bool {
	if h[i].firstSeen.Equal(h[j].firstSeen) {
		return h[i].id < h[j].id
	}
	return h[i].firstSeen.Before(h[j].firstSeen)
}

func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ageHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// table is the bounded set of in-flight frames, keyed by frame ID with a
// min-heap by first-seen time for O(log n) oldest eviction.
type table struct {
	byID  map[uint32]*entry
	order ageHeap
}

func newTable(capacity int) *table {
	return &table{
		byID:  make(map[uint32]*entry, capacity),
		order: make(ageHeap, 0, capacity),
	}
}

func (t *table) len() int { return len(t.byID) }

func (t *table) get(id uint32) *entry { return t.byID[id] }

func (t *table) add(e *entry) {
	t.byID[e.id] = e
	heap.Push(&t.order, e)
}

func (t *table) remove(e *entry) {
	delete(t.byID, e.id)
	if e.index >= 0 {
		heap.Remove(&t.order, e.index)
	}
}

// oldest returns the entry with the earliest first-seen time, or nil.
func (t *table) oldest() *entry {
	if len(t.order) == 0 {
		return nil
	}
	return t.order[0]
}

func (t *table) clear() int {
	n := len(t.byID)
	clear(t.byID)
	clear(t.order)
	t.order = t.order[:0]
	return n
}

// recentIDs remembers the last n resolved frame IDs so that a frame is
// counted as dropped at most once however many of its chunks arrive late.
type recentIDs struct {
	set  map[uint32]struct{}
	ring []uint32
	next int
	full bool
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{
		set:  make(map[uint32]struct{}, n),
		ring: make([]uint32, n),
	}
}

func (r *recentIDs) has(id uint32) bool {
	_, ok := r.set[id]
	return ok
}

func (r *recentIDs) add(id uint32) {
	if r.has(id) {
		return
	}
	if r.full {
		delete(r.set, r.ring[r.next])
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
}
