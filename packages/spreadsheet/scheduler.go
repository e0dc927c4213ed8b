package spreadsheet

import (
	"context"
	"fmt"

	"go.alis.build/alog"
	"go.alis.build/utils/sets"
)

// scheduler drains a transaction's dirty queue. It runs one code cell at a
// time in FIFO order; every write goes through the transaction's journal.
type scheduler struct {
	txn      *Transaction
	queue    *DirtyQueue
	poisoned *sets.Set[CellAddress] // cycle members, not re-run in this transaction

	iterations int // pops since the budget was last computed
	total      int // pops over the whole transaction
	limit      int
}

func newScheduler(txn *Transaction) *scheduler {
	return &scheduler{
		txn:      txn,
		queue:    NewDirtyQueue(),
		poisoned: sets.NewSet[CellAddress](),
	}
}

// push enqueues addr unless it was poisoned by a cycle.
func (s *scheduler) push(addr CellAddress) {
	if s.poisoned.Contains(addr) {
		return
	}
	s.queue.Push(addr)
}

// budget sizes the iteration cap from the transitive closure of what is
// queued.
func (s *scheduler) budget() int {
	pending := s.queue.Pending()
	closure := sets.NewSet(pending...)
	for _, addr := range s.txn.doc.graph.GetAllDependents(pending...) {
		closure.Add(addr)
	}
	opts := s.txn.doc.opts
	return max(opts.iterationFactor*max(closure.Len(), 1), opts.minIterations)
}

// run processes the queue until it is empty. The only error it returns is
// the cancellation of ctx.
func (s *scheduler) run(ctx context.Context) error {
	if s.queue.Len() == 0 {
		return nil
	}
	s.iterations = 0
	s.limit = s.budget()

	for s.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.iterations >= s.limit {
			s.breakCycles(ctx)
			continue
		}
		addr, _ := s.queue.Pop()
		s.iterations++
		s.total++
		if err := s.step(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

func (s *scheduler) step(ctx context.Context, addr CellAddress) error {
	doc := s.txn.doc
	cell, ok := doc.grid.Get(addr)
	if !ok || !cell.Kind.IsCode() || s.poisoned.Contains(addr) {
		// only code cells recompute
		s.queue.SetState(addr, CellStateApplied)
		return nil
	}
	lang, _ := cell.Kind.Language()
	cell.Blocked = nil

	s.queue.SetState(addr, CellStateRunning)
	cellCtx, cancel := context.WithCancel(ctx)
	doc.trackExecution(addr, cancel)
	result := doc.runners.Execute(cellCtx, &ExecutionRequest{
		Language: lang,
		Source:   cell.Source,
		Cell:     addr,
		Reader:   gridReader{grid: doc.grid},
	})
	doc.untrackExecution(addr)
	cancelled := cellCtx.Err() != nil
	cancel()

	if err := ctx.Err(); err != nil {
		return err
	}
	if cancelled {
		// reads of a cancelled execution are discarded
		alog.Debugf(ctx, "execution of %s was cancelled, re-queueing", addr)
		s.queue.Push(addr)
		return nil
	}

	switch res := result.(type) {
	case *Success:
		if res.Accessed().Contains(addr) {
			s.txn.setDependencies(ctx, addr, res.Accessed())
			cell.Stdout = res.Stdout
			cell.FormattedSource = res.FormattedSource
			cell.Volatile = res.Volatile
			s.applyError(addr, cell, NewSpreadsheetError(ErrorCodeCircular, "cell references itself"))
			s.txn.diagnose(addr, &SelfReferenceError{Cell: addr})
			s.queue.SetState(addr, CellStateFailed)
			return nil
		}
		if s.applySuccess(ctx, addr, cell, res) {
			s.queue.SetState(addr, CellStateApplied)
		} else {
			s.queue.SetState(addr, CellStateFailed)
		}
	case *Failure:
		cellErr := res.Err()
		if res.Parse {
			s.txn.setDependencies(ctx, addr, nil)
			s.txn.diagnose(addr, &ParseDependencyError{Cell: addr, Message: res.Message})
		} else {
			if s.txn.setDependencies(ctx, addr, res.Accessed()) {
				s.txn.diagnose(addr, &SelfReferenceError{Cell: addr})
			}
			s.txn.diagnose(addr, &ExecutionError{Cell: addr, Language: lang, Err: cellErr})
		}
		cell.Stdout = res.Stdout
		cell.Volatile = false
		s.applyError(addr, cell, cellErr)
		s.queue.SetState(addr, CellStateFailed)
	}
	return nil
}

// applySuccess writes a successful result and its spill. returns false if
// the output was blocked.
func (s *scheduler) applySuccess(ctx context.Context, addr CellAddress, cell *Cell, res *Success) bool {
	grid := s.txn.doc.grid
	out := res.Output()
	rows, cols := len(out), len(out[0])

	cell.Stdout = res.Stdout
	cell.FormattedSource = res.FormattedSource
	cell.Volatile = res.Volatile

	if rows == 1 && cols == 1 {
		s.txn.setDependencies(ctx, addr, res.Accessed())
		s.releaseSpill(addr, cell.Spill, nil)
		cell.Value = out[0][0]
		cell.Spill = nil
		cell.Origin = CellAddress{}
		s.write(addr, cell)
		return true
	}

	endRow := uint64(addr.Row) + uint64(rows) - 1
	endCol := uint64(addr.Column) + uint64(cols) - 1
	if endRow >= uint64(grid.maxRows) || endCol >= uint64(grid.maxColumns) {
		s.txn.setDependencies(ctx, addr, res.Accessed())
		s.applyError(addr, cell, NewSpreadsheetError(ErrorCodeSpill, "array output runs past the edge of the sheet"))
		return false
	}
	rect := RangeAddress{
		WorksheetID: addr.WorksheetID,
		StartRow:    addr.Row,
		StartColumn: addr.Column,
		EndRow:      uint32(endRow),
		EndColumn:   uint32(endCol),
	}

	if blocker, blocked := s.blocker(addr, rect); blocked {
		// retried from wakeBlocked once a cell in rect is cleared
		s.txn.setDependencies(ctx, addr, res.Accessed())
		cell.Blocked = &rect
		s.applyError(addr, cell, NewSpreadsheetError(ErrorCodeSpill, fmt.Sprintf("array output is blocked by %s", blocker.A1())))
		return false
	}

	s.txn.setDependencies(ctx, addr, res.Accessed())
	s.releaseSpill(addr, cell.Spill, &rect)
	cell.Value = out[0][0]
	cell.Spill = &rect
	cell.Origin = addr
	s.write(addr, cell)

	for i, row := range out {
		for j, value := range row {
			member := CellAddress{WorksheetID: addr.WorksheetID, Row: addr.Row + uint32(i), Column: addr.Column + uint32(j)}
			if member == addr {
				continue
			}
			s.write(member, &Cell{Kind: CellKindSpill, Value: value, Origin: addr})
		}
	}
	return true
}

// blocker returns the first cell in rect, other than the origin, that holds
// something the origin does not own.
func (s *scheduler) blocker(origin CellAddress, rect RangeAddress) (CellAddress, bool) {
	cells, err := s.txn.doc.grid.GetRegion(rect)
	if err != nil {
		return rect.TopLeft(), true
	}
	for _, c := range cells {
		if c.Address == origin || c.IsBlank() {
			continue
		}
		if c.Kind == CellKindSpill && c.Origin == origin {
			continue
		}
		return c.Address, true
	}
	return CellAddress{}, false
}

// applyError shows err in the code cell and clears its previous spill.
func (s *scheduler) applyError(addr CellAddress, cell *Cell, err *SpreadsheetError) {
	s.releaseSpill(addr, cell.Spill, nil)
	cell.Value = err
	cell.Spill = nil
	cell.Origin = CellAddress{}
	s.write(addr, cell)
}

// releaseSpill clears the members of old that origin still owns and that
// fall outside keep.
func (s *scheduler) releaseSpill(origin CellAddress, old, keep *RangeAddress) {
	if old == nil {
		return
	}
	cells, err := s.txn.doc.grid.GetRegion(*old)
	if err != nil {
		return
	}
	for _, c := range cells {
		if c.Address == origin || c.Kind != CellKindSpill || c.Origin != origin {
			continue
		}
		if keep != nil && keep.Contains(c.Address) {
			continue
		}
		s.txn.clearCell(c.Address)
		s.markChanged(c.Address)
	}
}

func (s *scheduler) write(addr CellAddress, cell *Cell) {
	s.txn.writeCell(addr, cell)
	s.markChanged(addr)
}

// wakeBlocked queues the code cells whose blocked output covers addr, once
// addr is empty.
func (s *scheduler) wakeBlocked(addr CellAddress) {
	grid := s.txn.doc.grid
	if _, ok := grid.Get(addr); ok {
		return
	}
	for _, origin := range grid.BlockedOn(addr) {
		s.push(origin)
	}
}

// markChanged queues every dependent of addr.
func (s *scheduler) markChanged(addr CellAddress) {
	for _, dependent := range s.txn.doc.graph.GetDependents(addr) {
		s.push(dependent)
	}
}

// spillMembers is the implicit edge from a code cell to the cells it
// writes, used when looking for cycles.
func (s *scheduler) spillMembers(addr CellAddress) []CellAddress {
	cell, ok := s.txn.doc.grid.Get(addr)
	if !ok || cell.Spill == nil || !cell.Kind.IsCode() {
		return nil
	}
	var members []CellAddress
	for member := range cell.Spill.Cells() {
		if member != addr {
			members = append(members, member)
		}
	}
	return members
}

// breakCycles runs when the iteration budget is spent. Cells caught in a
// cycle are marked #CIRCULAR! and poisoned; the rest of the queue resumes
// with a fresh budget. Without a cycle nothing is marked and the pending
// cells are queued again in dependency order.
func (s *scheduler) breakCycles(ctx context.Context) {
	doc := s.txn.doc
	candidates := s.queue.Drain()

	var members []CellAddress
	for _, component := range doc.graph.Cycles(candidates, s.spillMembers) {
		for _, addr := range component {
			if !s.poisoned.Contains(addr) {
				members = append(members, addr)
			}
		}
	}
	if len(members) == 0 {
		s.reorder(ctx, candidates)
		return
	}
	SortAddresses(members)

	for _, addr := range members {
		s.poisoned.Add(addr)
	}
	var marked []CellAddress
	for _, addr := range members {
		cell, ok := doc.grid.Get(addr)
		if !ok || !cell.Kind.IsCode() {
			continue
		}
		cell.Blocked = nil
		s.applyError(addr, cell, NewSpreadsheetError(ErrorCodeCircular, "circular reference"))
		s.queue.SetState(addr, CellStateFailed)
		marked = append(marked, addr)
	}
	for _, addr := range candidates {
		s.push(addr)
	}

	cycleAbortsTotal.Inc()
	alog.Warnf(ctx, "cyclic dependency after %d iterations, marking %v", s.total, marked)
	if len(marked) > 0 {
		s.txn.diagnose(marked[0], &CyclicDependencyError{Cells: marked, Iterations: s.total})
	}
	s.iterations = 0
	s.limit = s.budget()
}

// reorder queues candidates and everything downstream of them so that each
// cell runs after its inputs. FIFO order can re-run a long chain once per
// link when it was discovered back to front.
func (s *scheduler) reorder(ctx context.Context, candidates []CellAddress) {
	order := s.txn.doc.graph.TopologicalOrder(candidates, s.spillMembers)
	alog.Debugf(ctx, "no cycle after %d iterations, queueing %d cells in dependency order", s.total, len(order))
	for _, addr := range order {
		s.push(addr)
	}
	s.iterations = 0
	s.limit = s.budget()
}
