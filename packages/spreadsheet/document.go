package spreadsheet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.alis.build/alog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultIterationFactor = 100
	DefaultMinIterations   = 64
	DefaultUndoLimit       = 100
)

type options struct {
	id              uuid.UUID
	runners         map[Language]Runner
	iterationFactor int
	minIterations   int
	undoLimit       int
	clock           func() time.Time
	maxRows         uint32
	maxColumns      uint32
}

// Option configures a Document.
type Option func(*options)

// WithRunner registers the backend for lang.
func WithRunner(lang Language, runner Runner) Option {
	return func(o *options) { o.runners[lang] = runner }
}

// WithIterationFactor sets how many pops per cell of the dirty closure a
// cascade may take before cycles are broken.
func WithIterationFactor(n int) Option {
	return func(o *options) { o.iterationFactor = n }
}

// WithMinIterations sets the smallest iteration budget of a cascade.
func WithMinIterations(n int) Option {
	return func(o *options) { o.minIterations = n }
}

// WithUndoLimit bounds the undo and redo stacks.
func WithUndoLimit(n int) Option {
	return func(o *options) { o.undoLimit = n }
}

// WithClock sets the source of LastModified timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithGridBounds limits the addressable rows and columns.
func WithGridBounds(rows, columns uint32) Option {
	return func(o *options) {
		o.maxRows = rows
		o.maxColumns = columns
	}
}

func WithID(id uuid.UUID) Option {
	return func(o *options) { o.id = id }
}

// Document owns the grid, the dependency graph and the undo history of one
// workbook. Documents share no mutable state with each other.
type Document struct {
	id      uuid.UUID
	grid    *Grid
	graph   *DependencyGraph
	runners *Adapter
	opts    options

	// holds one token while a transaction is active
	lock chan struct{}

	mu           sync.Mutex // guards the fields below
	undo, redo   []*UndoEntry
	observers    map[int]Observer
	nextObserver int
	running      map[CellAddress]context.CancelFunc
}

// NewDocument creates an empty document.
func NewDocument(opts ...Option) *Document {
	o := options{
		id:              uuid.New(),
		runners:         make(map[Language]Runner),
		iterationFactor: DefaultIterationFactor,
		minIterations:   DefaultMinIterations,
		undoLimit:       DefaultUndoLimit,
		clock:           time.Now,
		maxRows:         DefaultMaxRows,
		maxColumns:      DefaultMaxColumns,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.iterationFactor = max(o.iterationFactor, 1)
	o.minIterations = max(o.minIterations, 1)

	grid := NewGrid()
	grid.now = o.clock
	grid.maxRows, grid.maxColumns = o.maxRows, o.maxColumns

	runners := NewAdapter()
	for lang, runner := range o.runners {
		runners.Register(lang, runner)
	}

	return &Document{
		id:        o.id,
		grid:      grid,
		graph:     NewDependencyGraph(),
		runners:   runners,
		opts:      o,
		lock:      make(chan struct{}, 1),
		observers: make(map[int]Observer),
		running:   make(map[CellAddress]context.CancelFunc),
	}
}

func (d *Document) ID() uuid.UUID {
	return d.id
}

// RegisterRunner sets the backend for lang after construction.
func (d *Document) RegisterRunner(lang Language, runner Runner) {
	d.runners.Register(lang, runner)
}

func (d *Document) AddWorksheet(name string) (uint32, error) {
	return d.grid.AddWorksheet(name)
}

func (d *Document) RenameWorksheet(oldName, newName string) error {
	return d.grid.RenameWorksheet(oldName, newName)
}

func (d *Document) WorksheetID(name string) (uint32, bool) {
	return d.grid.WorksheetID(name)
}

func (d *Document) WorksheetName(id uint32) (string, bool) {
	return d.grid.WorksheetName(id)
}

// Worksheets returns the worksheet IDs in creation order.
func (d *Document) Worksheets() []uint32 {
	return d.grid.Worksheets()
}

// Get returns a copy of the cell at addr.
func (d *Document) Get(addr CellAddress) (*Cell, bool) {
	return d.grid.Get(addr)
}

// Value returns the displayed value at addr.
func (d *Document) Value(addr CellAddress) Primitive {
	return d.grid.Value(addr)
}

// GetRegion returns the occupied cells of r in row-major order.
func (d *Document) GetRegion(r RangeAddress) ([]*Cell, error) {
	return d.grid.GetRegion(r)
}

// Values returns the displayed values of r as a dense matrix.
func (d *Document) Values(r RangeAddress) ([][]Primitive, error) {
	return d.grid.Values(r)
}

// UsedRange returns the bounding range of the stored cells of a worksheet.
func (d *Document) UsedRange(worksheetID uint32) (RangeAddress, bool) {
	return d.grid.UsedRange(worksheetID)
}

// Dependents returns the cells that read addr directly.
func (d *Document) Dependents(addr CellAddress) []CellAddress {
	return d.graph.GetDependents(addr)
}

// Dependencies returns what addr read during its last execution.
func (d *Document) Dependencies(addr CellAddress) *AccessSet {
	return d.graph.Dependencies(addr)
}

// ParseAddress parses "Sheet1!B2". Without a worksheet prefix the first
// worksheet is used.
func (d *Document) ParseAddress(ref string) (CellAddress, error) {
	sheet, rest := SplitSheetRef(ref)
	id, err := d.resolveWorksheet(sheet)
	if err != nil {
		return CellAddress{}, err
	}
	row, col, err := ParseA1(rest)
	if err != nil {
		return CellAddress{}, NewApplicationError(InvalidArgument, err.Error())
	}
	addr := CellAddress{WorksheetID: id, Row: row, Column: col}
	if err := d.grid.CheckBounds(addr); err != nil {
		return CellAddress{}, err
	}
	return addr, nil
}

// ParseRange parses "Sheet1!A1:C3" or a single cell reference.
func (d *Document) ParseRange(ref string) (RangeAddress, error) {
	sheet, rest := SplitSheetRef(ref)
	id, err := d.resolveWorksheet(sheet)
	if err != nil {
		return RangeAddress{}, err
	}
	start, end, found := cutRange(rest)
	row1, col1, err := ParseA1(start)
	if err != nil {
		return RangeAddress{}, NewApplicationError(InvalidArgument, err.Error())
	}
	row2, col2 := row1, col1
	if found {
		if row2, col2, err = ParseA1(end); err != nil {
			return RangeAddress{}, NewApplicationError(InvalidArgument, err.Error())
		}
	}
	r := NewRangeAddress(id, row1, col1, row2, col2)
	if err := d.grid.CheckBounds(CellAddress{WorksheetID: id, Row: r.EndRow, Column: r.EndColumn}); err != nil {
		return RangeAddress{}, err
	}
	return r, nil
}

// FormatAddress renders addr as "Sheet1!B2".
func (d *Document) FormatAddress(addr CellAddress) string {
	name, ok := d.grid.WorksheetName(addr.WorksheetID)
	if !ok {
		return addr.String()
	}
	return QuoteSheetName(name) + "!" + addr.A1()
}

func (d *Document) resolveWorksheet(name string) (uint32, error) {
	if name == "" {
		ids := d.grid.Worksheets()
		if len(ids) == 0 {
			return 0, NewApplicationError(FailedPrecondition, "document has no worksheets")
		}
		return ids[0], nil
	}
	id, ok := d.grid.WorksheetID(name)
	if !ok {
		return 0, NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", name))
	}
	return id, nil
}

// Begin starts a transaction, waiting for the active one to finish. The
// wait ends early when ctx is done.
func (d *Document) Begin(ctx context.Context) (*Transaction, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	t := newTransaction(d)
	alog.Debugf(ctx, "BEGIN %s on document %s", t.id, d.id)
	return t, nil
}

// Update runs fn inside a transaction and commits it. The transaction is
// rolled back if fn returns an error or panics.
func (d *Document) Update(ctx context.Context, fn func(*Transaction) error) (*ChangeSet, error) {
	t, err := d.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if t.done {
			return
		}
		if rbErr := t.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			alog.Errorf(ctx, "rollback of %s failed: %v", t.id, rbErr)
		}
	}()
	if err := fn(t); err != nil {
		if rbErr := t.Rollback(ctx); rbErr != nil {
			alog.Errorf(ctx, "rollback of %s failed: %v", t.id, rbErr)
		}
		return nil, err
	}
	return t.Commit(ctx)
}

// UpdateAll runs fn against every document in parallel, at most limit at a
// time. The first error cancels the documents still running; documents
// that already committed stay committed.
func UpdateAll(ctx context.Context, docs []*Document, limit int, fn func(*Transaction) error) ([]*ChangeSet, error) {
	changes := make([]*ChangeSet, len(docs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, doc := range docs {
		g.Go(func() error {
			cs, err := doc.Update(ctx, fn)
			if err != nil {
				return fmt.Errorf("document %s: %w", doc.id, err)
			}
			changes[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return changes, nil
}

func (d *Document) acquire(ctx context.Context) error {
	select {
	case d.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Document) release() {
	<-d.lock
}

// CanUndo reports whether Undo has an entry to revert.
func (d *Document) CanUndo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.undo) > 0
}

func (d *Document) CanRedo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.redo) > 0
}

// Undo reverts the last committed transaction and moves it to the redo
// stack.
func (d *Document) Undo(ctx context.Context) (*ChangeSet, error) {
	return d.replay(ctx, ChangeUndo)
}

// Redo reapplies the last undone transaction.
func (d *Document) Redo(ctx context.Context) (*ChangeSet, error) {
	return d.replay(ctx, ChangeRedo)
}

func (d *Document) replay(ctx context.Context, kind ChangeKind) (*ChangeSet, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	from, to := &d.undo, &d.redo
	empty := ErrNothingToUndo
	if kind == ChangeRedo {
		from, to = &d.redo, &d.undo
		empty = ErrNothingToRedo
	}
	if len(*from) == 0 {
		d.mu.Unlock()
		d.release()
		return nil, empty
	}
	entry := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	*to = append(*to, entry)
	d.mu.Unlock()

	cells, deps := entry.before, entry.depsBefore
	if kind == ChangeRedo {
		cells, deps = entry.after, entry.depsAfter
	}
	for addr, cell := range cells {
		d.restoreCell(addr, cell)
	}
	for addr, set := range deps {
		d.graph.restore(addr, set)
	}
	d.release()

	alog.Debugf(ctx, "%s %s: %d cells", kind, entry.TransactionID, len(entry.Cells))
	changes := &ChangeSet{
		DocumentID:    d.id,
		TransactionID: entry.TransactionID,
		Kind:          kind,
		Cells:         slices.Clone(entry.Cells),
	}
	d.notify(ctx, changes)
	return changes, nil
}

func (d *Document) pushUndo(entry *UndoEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.undo = append(d.undo, entry)
	if over := len(d.undo) - d.opts.undoLimit; over > 0 {
		d.undo = slices.Delete(d.undo, 0, over)
	}
	d.redo = nil
}

// restoreCell puts back a snapshot and the volatile marking it implies.
func (d *Document) restoreCell(addr CellAddress, cell *Cell) {
	d.grid.restore(addr, cell)
	d.graph.SetVolatile(addr, cell != nil && cell.Kind.IsCode() && cell.Volatile)
}

// CancelExecution cancels the in-flight execution of addr. The cell's reads
// are discarded and it is queued again. returns false when nothing is
// running for addr.
func (d *Document) CancelExecution(addr CellAddress) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.running[addr]
	if ok {
		cancel()
	}
	return ok
}

func (d *Document) trackExecution(addr CellAddress, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[addr] = cancel
}

func (d *Document) untrackExecution(addr CellAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, addr)
}
