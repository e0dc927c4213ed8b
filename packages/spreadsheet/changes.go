package spreadsheet

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.alis.build/alog"
)

// ChangeKind tells observers what produced a ChangeSet.
type ChangeKind uint8

const (
	ChangeCommit ChangeKind = iota + 1
	ChangeUndo
	ChangeRedo
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCommit:
		return "COMMIT"
	case ChangeUndo:
		return "UNDO"
	case ChangeRedo:
		return "REDO"
	default:
		return fmt.Sprintf("ChangeKind(%d)", k)
	}
}

// ChangeSet is the cellsChanged notification: every coordinate written by
// one commit, undo or redo, sorted.
type ChangeSet struct {
	DocumentID    uuid.UUID
	TransactionID uuid.UUID
	Kind          ChangeKind
	Cells         []CellAddress
	Diagnostics   []Diagnostic
}

// Contains reports whether addr is part of the change.
func (c *ChangeSet) Contains(addr CellAddress) bool {
	_, found := slices.BinarySearchFunc(c.Cells, addr, compareAddresses)
	return found
}

// Observer receives a ChangeSet after each commit, undo and redo, once the
// document is unlocked. Observers run synchronously in subscription order.
type Observer interface {
	CellsChanged(ctx context.Context, changes *ChangeSet)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, changes *ChangeSet)

func (f ObserverFunc) CellsChanged(ctx context.Context, changes *ChangeSet) {
	f(ctx, changes)
}

// Subscribe registers o and returns a function that removes it.
func (d *Document) Subscribe(o Observer) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = o
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Changes returns a channel that receives every ChangeSet. A ChangeSet is
// dropped, with a warning, when the channel's buffer is full. The returned
// function unsubscribes and closes the channel.
func (d *Document) Changes(buffer int) (<-chan *ChangeSet, func()) {
	ch := make(chan *ChangeSet, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := d.Subscribe(ObserverFunc(func(ctx context.Context, changes *ChangeSet) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- changes:
		default:
			alog.Warnf(ctx, "change channel full, dropping %s %s", changes.Kind, changes.TransactionID)
		}
	}))
	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

func (d *Document) notify(ctx context.Context, changes *ChangeSet) {
	d.mu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	observers := make([]Observer, len(ids))
	for i, id := range ids {
		observers[i] = d.observers[id]
	}
	d.mu.Unlock()

	for _, o := range observers {
		o.CellsChanged(ctx, changes)
	}
}
