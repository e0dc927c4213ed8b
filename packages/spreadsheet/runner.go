package spreadsheet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.alis.build/alog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RangeReader is the read accessor handed to a code runner. Reads look
// synchronous; every successful read is recorded as a dependency of the
// invoking cell.
type RangeReader interface {
	// Read returns the displayed values of r as a dense matrix. Empty cells
	// are nil.
	Read(r RangeAddress) ([][]Primitive, error)
	// ReadCell returns the displayed value of one cell.
	ReadCell(addr CellAddress) (Primitive, error)
	// WorksheetID resolves a worksheet name used in source code.
	WorksheetID(name string) (uint32, bool)
	// WorksheetName is the inverse of WorksheetID.
	WorksheetName(id uint32) (string, bool)
}

// ExecutionRequest is one invocation of a code cell.
type ExecutionRequest struct {
	Language Language
	Source   string
	Cell     CellAddress
	Reader   RangeReader
}

// ExecutionResult is either *Success or *Failure.
type ExecutionResult interface {
	// Accessed returns the cells and ranges read during the execution.
	Accessed() *AccessSet
	executionResult()
}

// Success is a completed execution. Array, when set, takes precedence over
// Value and is spilled from the invoking cell.
type Success struct {
	Value           Primitive
	Array           [][]Primitive
	AccessedCells   *AccessSet
	Stdout          string
	FormattedSource string
	Volatile        bool
}

func (s *Success) Accessed() *AccessSet { return s.AccessedCells }
func (*Success) executionResult()       {}

// Output returns the result as a rectangular matrix. Ragged rows are padded
// with blanks and a missing or empty array is the 1x1 matrix of Value.
func (s *Success) Output() [][]Primitive {
	width := 0
	for _, row := range s.Array {
		width = max(width, len(row))
	}
	if width == 0 {
		return [][]Primitive{{s.Value}}
	}
	out := make([][]Primitive, len(s.Array))
	for i, row := range s.Array {
		out[i] = make([]Primitive, width)
		copy(out[i], row)
	}
	return out
}

// Failure is an execution that raised an error. AccessedCells holds
// whatever was read before the error. Parse marks failures where the
// source could not be parsed or referenced something unresolvable.
type Failure struct {
	Code          ErrorCode
	Message       string
	Line          int
	AccessedCells *AccessSet
	Stdout        string
	Parse         bool
}

func (f *Failure) Accessed() *AccessSet { return f.AccessedCells }
func (*Failure) executionResult()       {}

// Err returns the value displayed in the failed cell.
func (f *Failure) Err() *SpreadsheetError {
	code := f.Code
	if code == 0 {
		code = ErrorCodeOther
	}
	err := NewSpreadsheetError(code, f.Message)
	err.Line = f.Line
	return err
}

// Runner executes source code of one language. Implementations must not
// keep interpreter state between calls and must stop promptly when ctx is
// cancelled.
type Runner interface {
	Execute(ctx context.Context, req *ExecutionRequest) ExecutionResult
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *ExecutionRequest) ExecutionResult

func (f RunnerFunc) Execute(ctx context.Context, req *ExecutionRequest) ExecutionResult {
	return f(ctx, req)
}

// Adapter dispatches executions to the backend registered for a language.
// It records reads made through the request's reader, so a backend that
// under-reports its accessed cells still produces correct edges.
type Adapter struct {
	mu       sync.RWMutex
	backends map[Language]Runner
}

func NewAdapter() *Adapter {
	return &Adapter{backends: make(map[Language]Runner)}
}

// Register sets the backend for lang, replacing any previous one.
func (a *Adapter) Register(lang Language, runner Runner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backends[lang] = runner
}

// Supports reports whether a backend is registered for lang.
func (a *Adapter) Supports(lang Language) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.backends[lang]
	return ok
}

// Execute runs req on its language's backend. It never returns nil.
func (a *Adapter) Execute(ctx context.Context, req *ExecutionRequest) (result ExecutionResult) {
	a.mu.RLock()
	runner, ok := a.backends[req.Language]
	a.mu.RUnlock()

	ctx, span := tracer.Start(ctx, "spreadsheet.Execute", trace.WithAttributes(
		attribute.String("cell", req.Cell.String()),
		attribute.String("language", req.Language.String()),
	))
	defer span.End()

	reader := newRecordingReader(req.Reader)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			alog.Errorf(ctx, "runner for %s panicked on %s: %v", req.Language, req.Cell, r)
			result = &Failure{Code: ErrorCodeOther, Message: fmt.Sprintf("runner panic: %v", r)}
		}
		result = reader.merge(result)

		outcome := "success"
		if f, failed := result.(*Failure); failed {
			outcome = "failure"
			span.SetStatus(codes.Error, f.Message)
		}
		elapsed := time.Since(started)
		executionsTotal.WithLabelValues(req.Language.String(), outcome).Inc()
		executionDuration.WithLabelValues(req.Language.String()).Observe(elapsed.Seconds())
		alog.Debugf(ctx, "executed %s (%s): %s in %s", req.Cell, req.Language, outcome, elapsed)
	}()

	if !ok {
		return &Failure{Code: ErrorCodeName, Message: fmt.Sprintf("no runner for %s", req.Language)}
	}
	call := *req
	call.Reader = reader
	result = runner.Execute(ctx, &call)
	if result == nil {
		return &Failure{Code: ErrorCodeOther, Message: fmt.Sprintf("%s runner returned no result", req.Language)}
	}
	return result
}

// recordingReader wraps a RangeReader and records every successful read.
type recordingReader struct {
	RangeReader
	mu   sync.Mutex
	seen *AccessSet
}

func newRecordingReader(inner RangeReader) *recordingReader {
	return &recordingReader{RangeReader: inner, seen: NewAccessSet()}
}

func (r *recordingReader) Read(rng RangeAddress) ([][]Primitive, error) {
	values, err := r.RangeReader.Read(rng)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.seen.AddRange(rng)
	r.mu.Unlock()
	return values, nil
}

func (r *recordingReader) ReadCell(addr CellAddress) (Primitive, error) {
	value, err := r.RangeReader.ReadCell(addr)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.seen.AddCell(addr)
	r.mu.Unlock()
	return value, nil
}

// merge folds the recorded reads into result's accessed set.
func (r *recordingReader) merge(result ExecutionResult) ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	accessed := r.seen.Clone()
	accessed.Merge(result.Accessed())
	switch res := result.(type) {
	case *Success:
		res.AccessedCells = accessed
	case *Failure:
		res.AccessedCells = accessed
	}
	return result
}

// gridReader serves reads from a Grid.
type gridReader struct {
	grid *Grid
}

func (g gridReader) Read(r RangeAddress) ([][]Primitive, error) {
	return g.grid.Values(r)
}

func (g gridReader) ReadCell(addr CellAddress) (Primitive, error) {
	if err := g.grid.CheckBounds(addr); err != nil {
		return nil, err
	}
	return g.grid.Value(addr), nil
}

func (g gridReader) WorksheetID(name string) (uint32, bool) {
	return g.grid.WorksheetID(name)
}

func (g gridReader) WorksheetName(id uint32) (string, bool) {
	return g.grid.WorksheetName(id)
}
