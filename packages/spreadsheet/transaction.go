package spreadsheet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.alis.build/alog"
	"go.alis.build/utils/sets"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transaction is one atomic, undoable batch of edits plus the recalculation
// they trigger. Only one transaction per document is active at a time. A
// Transaction must not be used from more than one goroutine.
type Transaction struct {
	id    uuid.UUID
	doc   *Document
	done  bool
	sched *scheduler

	// first-write journal: the state of each coordinate before the
	// transaction touched it. a nil cell means the coordinate was empty.
	before     map[CellAddress]*Cell
	depsBefore map[CellAddress]*AccessSet

	touched     *sets.Set[CellAddress]
	diagnostics []Diagnostic
}

func newTransaction(doc *Document) *Transaction {
	t := &Transaction{
		id:         uuid.New(),
		doc:        doc,
		before:     make(map[CellAddress]*Cell),
		depsBefore: make(map[CellAddress]*AccessSet),
		touched:    sets.NewSet[CellAddress](),
	}
	t.sched = newScheduler(t)
	return t
}

func (t *Transaction) ID() uuid.UUID {
	return t.id
}

func (t *Transaction) checkActive() error {
	if t.done {
		return ErrTransactionClosed
	}
	return nil
}

// SetCellValue writes a plain value. nil clears the cell.
func (t *Transaction) SetCellValue(ctx context.Context, addr CellAddress, value Primitive) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	value, err := normalizeValue(value)
	if err != nil {
		return err
	}
	if err := t.doc.grid.CheckBounds(addr); err != nil {
		return err
	}
	if value == nil {
		return t.DeleteCell(ctx, addr)
	}

	t.overwrite(ctx, addr)
	t.writeCell(addr, &Cell{Kind: CellKindPlain, Value: value})
	t.sched.markChanged(addr)
	return nil
}

// SetCellCode writes source code into a cell and queues it for execution.
// A previous spill from the same cell is kept until the new output replaces
// it.
func (t *Transaction) SetCellCode(ctx context.Context, addr CellAddress, lang Language, source string) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if !lang.Kind().IsCode() {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("unknown language %s", lang))
	}
	if err := t.doc.grid.CheckBounds(addr); err != nil {
		return err
	}

	prev, _ := t.doc.grid.Get(addr)
	if prev != nil && prev.Kind == CellKindSpill {
		t.sched.push(prev.Origin)
	}
	cell := &Cell{Kind: lang.Kind(), Source: source}
	if prev != nil && prev.Kind.IsCode() {
		cell.Value = prev.Value
		cell.Spill = prev.Spill
		cell.Origin = prev.Origin
	}
	t.writeCell(addr, cell)
	t.sched.push(addr)
	return nil
}

// DeleteCell clears a cell and drops its edges. Cells that read it are
// queued so their edges are rebuilt.
func (t *Transaction) DeleteCell(ctx context.Context, addr CellAddress) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.doc.grid.CheckBounds(addr); err != nil {
		return err
	}
	t.overwrite(ctx, addr)
	t.sched.markChanged(addr)
	t.removeCellEdges(addr)
	t.clearCell(addr)
	return nil
}

// Rerun queues a code cell for execution without changing its source.
func (t *Transaction) Rerun(ctx context.Context, addr CellAddress) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	cell, ok := t.doc.grid.Get(addr)
	if !ok || !cell.Kind.IsCode() {
		return NewApplicationError(FailedPrecondition, fmt.Sprintf("%s is not a code cell", addr))
	}
	t.sched.push(addr)
	return nil
}

// RecalculateVolatile queues every cell whose last result was volatile.
func (t *Transaction) RecalculateVolatile(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	for _, addr := range t.doc.graph.GetVolatileCells() {
		t.sched.push(addr)
	}
	return nil
}

// Recalculate drains the dirty queue now, so later reads within the
// transaction see computed values. Commit does this implicitly.
func (t *Transaction) Recalculate(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	return t.sched.run(ctx)
}

// States returns the scheduler state of every coordinate queued so far.
func (t *Transaction) States() map[CellAddress]CellState {
	return t.sched.queue.States()
}

// Diagnostics returns the per-cell errors recorded so far.
func (t *Transaction) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), t.diagnostics...)
}

// Commit recalculates, records one undo entry, releases the document and
// notifies observers. If recalculation is cancelled the transaction is
// rolled back and the context error returned.
func (t *Transaction) Commit(ctx context.Context) (*ChangeSet, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "spreadsheet.Commit", trace.WithAttributes(
		attribute.String("transaction", t.id.String()),
	))
	defer span.End()

	if err := t.sched.run(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if rbErr := t.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			alog.Errorf(ctx, "rollback of %s failed: %v", t.id, rbErr)
		}
		return nil, err
	}

	cells := t.touched.Values()
	SortAddresses(cells)
	changes := &ChangeSet{
		DocumentID:    t.doc.id,
		TransactionID: t.id,
		Kind:          ChangeCommit,
		Cells:         cells,
		Diagnostics:   t.Diagnostics(),
	}
	if len(cells) > 0 {
		t.doc.pushUndo(t.undoEntry(cells))
	}
	t.done = true
	t.doc.release()

	span.SetAttributes(attribute.Int("cells", len(cells)), attribute.Int("iterations", t.sched.total))
	cascadeIterations.Observe(float64(t.sched.total))
	transactionsTotal.WithLabelValues("commit").Inc()
	alog.Debugf(ctx, "COMMIT %s: %d cells, %d iterations, %d diagnostics", t.id, len(cells), t.sched.total, len(changes.Diagnostics))

	t.doc.notify(ctx, changes)
	return changes, nil
}

// Rollback restores every cell and edge set the transaction touched and
// releases the document. Nothing is notified.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	for addr, cell := range t.before {
		t.doc.restoreCell(addr, cell)
	}
	for addr, deps := range t.depsBefore {
		t.doc.graph.restore(addr, deps)
	}
	t.done = true
	t.doc.release()

	transactionsTotal.WithLabelValues("rollback").Inc()
	alog.Debugf(ctx, "ROLLBACK %s: %d cells restored", t.id, len(t.before))
	return nil
}

// overwrite releases what addr held before a plain write or delete: the
// spill of a code cell, or the claim of a spill member's origin.
func (t *Transaction) overwrite(ctx context.Context, addr CellAddress) {
	prev, ok := t.doc.grid.Get(addr)
	if !ok {
		return
	}
	switch {
	case prev.Kind == CellKindSpill:
		t.sched.push(prev.Origin)
	case prev.Kind.IsCode():
		t.sched.releaseSpill(addr, prev.Spill, nil)
		t.setDependencies(ctx, addr, nil)
	}
}

func (t *Transaction) journalCell(addr CellAddress) {
	if _, ok := t.before[addr]; ok {
		return
	}
	prev, _ := t.doc.grid.Get(addr)
	t.before[addr] = prev
}

func (t *Transaction) journalDeps(addr CellAddress) {
	if _, ok := t.depsBefore[addr]; ok {
		return
	}
	t.depsBefore[addr] = t.doc.graph.Dependencies(addr)
}

func (t *Transaction) writeCell(addr CellAddress, cell *Cell) {
	t.journalCell(addr)
	if err := t.doc.grid.Set(addr, cell); err != nil {
		// addresses are bounds-checked before they reach the journal
		panic(fmt.Sprintf("write to %s: %v", addr, err))
	}
	t.doc.graph.SetVolatile(addr, cell.Kind.IsCode() && cell.Volatile)
	t.touched.Add(addr)
}

func (t *Transaction) clearCell(addr CellAddress) {
	t.journalCell(addr)
	t.doc.grid.restore(addr, nil)
	t.doc.graph.SetVolatile(addr, false)
	t.touched.Add(addr)
	t.sched.wakeBlocked(addr)
}

func (t *Transaction) setDependencies(ctx context.Context, addr CellAddress, deps *AccessSet) bool {
	t.journalDeps(addr)
	return t.doc.graph.SetDependencies(ctx, addr, deps)
}

// removeCellEdges drops every edge touching addr. The edge sets of the
// cells that read it are journaled too, since they lose an entry.
func (t *Transaction) removeCellEdges(addr CellAddress) {
	t.journalDeps(addr)
	for _, dependent := range t.doc.graph.GetDependents(addr) {
		t.journalDeps(dependent)
	}
	t.doc.graph.RemoveCell(addr)
}

func (t *Transaction) diagnose(addr CellAddress, err error) {
	t.diagnostics = append(t.diagnostics, Diagnostic{Cell: addr, Err: err})
}

// undoEntry captures before and after snapshots of every touched cell and
// every edge set the transaction changed.
func (t *Transaction) undoEntry(cells []CellAddress) *UndoEntry {
	entry := &UndoEntry{
		TransactionID: t.id,
		Cells:         cells,
		before:        make(map[CellAddress]*Cell, len(t.before)),
		after:         make(map[CellAddress]*Cell, len(t.before)),
		depsBefore:    make(map[CellAddress]*AccessSet, len(t.depsBefore)),
		depsAfter:     make(map[CellAddress]*AccessSet, len(t.depsBefore)),
	}
	for addr, cell := range t.before {
		entry.before[addr] = cell
		after, _ := t.doc.grid.Get(addr)
		entry.after[addr] = after
	}
	for addr, deps := range t.depsBefore {
		entry.depsBefore[addr] = deps
		entry.depsAfter[addr] = t.doc.graph.Dependencies(addr)
	}
	return entry
}

// UndoEntry is one committed transaction on the undo or redo stack.
type UndoEntry struct {
	TransactionID uuid.UUID
	Cells         []CellAddress

	before, after         map[CellAddress]*Cell
	depsBefore, depsAfter map[CellAddress]*AccessSet
}
