package spreadsheet

import "fmt"

// CellState tracks a dirty coordinate through one transaction.
type CellState uint8

const (
	CellStateQueued CellState = iota + 1
	CellStateRunning
	CellStateApplied
	CellStateFailed
)

func (s CellState) String() string {
	switch s {
	case CellStateQueued:
		return "queued"
	case CellStateRunning:
		return "running"
	case CellStateApplied:
		return "applied"
	case CellStateFailed:
		return "failed"
	default:
		return fmt.Sprintf("CellState(%d)", s)
	}
}

// DirtyQueue is a FIFO of coordinates awaiting recomputation. A coordinate
// is held at most once; pushing one that is already queued keeps its
// original position.
type DirtyQueue struct {
	items  []CellAddress
	head   int
	queued map[CellAddress]struct{}
	states map[CellAddress]CellState
}

func NewDirtyQueue() *DirtyQueue {
	return &DirtyQueue{
		queued: make(map[CellAddress]struct{}),
		states: make(map[CellAddress]CellState),
	}
}

// Push enqueues addr unless it is already waiting. returns whether it was
// added.
func (q *DirtyQueue) Push(addr CellAddress) bool {
	if _, ok := q.queued[addr]; ok {
		return false
	}
	q.queued[addr] = struct{}{}
	q.items = append(q.items, addr)
	q.states[addr] = CellStateQueued
	return true
}

// Pop removes the oldest coordinate.
func (q *DirtyQueue) Pop() (CellAddress, bool) {
	if q.head == len(q.items) {
		return CellAddress{}, false
	}
	addr := q.items[q.head]
	q.head++
	delete(q.queued, addr)

	// reclaim the consumed prefix once it dominates the backing array
	if q.head > 64 && q.head*2 > len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return addr, true
}

// Drain removes and returns everything still queued, oldest first.
func (q *DirtyQueue) Drain() []CellAddress {
	rest := append([]CellAddress(nil), q.items[q.head:]...)
	q.items = q.items[:0]
	q.head = 0
	clear(q.queued)
	return rest
}

func (q *DirtyQueue) Len() int {
	return len(q.items) - q.head
}

func (q *DirtyQueue) Contains(addr CellAddress) bool {
	_, ok := q.queued[addr]
	return ok
}

func (q *DirtyQueue) SetState(addr CellAddress, state CellState) {
	q.states[addr] = state
}

// State returns the last state recorded for addr, 0 if it was never queued.
func (q *DirtyQueue) State(addr CellAddress) CellState {
	return q.states[addr]
}

// States returns a copy of every recorded state.
func (q *DirtyQueue) States() map[CellAddress]CellState {
	out := make(map[CellAddress]CellState, len(q.states))
	for addr, state := range q.states {
		out[addr] = state
	}
	return out
}

// Pending returns the queued coordinates, oldest first, without removing them.
func (q *DirtyQueue) Pending() []CellAddress {
	return append([]CellAddress(nil), q.items[q.head:]...)
}
