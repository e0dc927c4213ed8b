package spreadsheet_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vogtb/go-spreadsheet/packages/formula"
	. "github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// DocumentTestCase drives a document through a chain of transactions.
// Edits open a transaction on demand; Commit closes it.
type DocumentTestCase struct {
	t       *testing.T
	name    string
	ctx     context.Context
	doc     *Document
	tx      *Transaction
	last    *Transaction
	changes *ChangeSet
	err     error
}

func NewDocumentTestCase(t *testing.T, name string, opts ...Option) *DocumentTestCase {
	opts = append([]Option{WithRunner(LanguageFormula, formula.NewRunner())}, opts...)
	tc := &DocumentTestCase{
		t:    t,
		name: name,
		ctx:  context.Background(),
		doc:  NewDocument(opts...),
	}
	return tc.AddWorksheet("Sheet1")
}

func (tc *DocumentTestCase) AddWorksheet(name string) *DocumentTestCase {
	if tc.err != nil {
		return tc
	}
	_, tc.err = tc.doc.AddWorksheet(name)
	return tc
}

func (tc *DocumentTestCase) addr(ref string) CellAddress {
	tc.t.Helper()
	addr, err := tc.doc.ParseAddress(ref)
	require.NoError(tc.t, err, "%s: ParseAddress(%s)", tc.name, ref)
	return addr
}

func (tc *DocumentTestCase) txn() *Transaction {
	tc.t.Helper()
	if tc.tx == nil {
		tx, err := tc.doc.Begin(tc.ctx)
		require.NoError(tc.t, err, "%s: Begin", tc.name)
		tc.tx = tx
	}
	return tc.tx
}

// Set writes a plain value, or a formula when value is a string starting
// with "=".
func (tc *DocumentTestCase) Set(ref string, value Primitive) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	if s, ok := value.(string); ok && len(s) > 0 && s[0] == '=' {
		return tc.Code(ref, LanguageFormula, s)
	}
	addr, err := tc.doc.ParseAddress(ref)
	if err != nil {
		tc.err = err
		return tc
	}
	tc.err = tc.txn().SetCellValue(tc.ctx, addr, value)
	return tc
}

func (tc *DocumentTestCase) Code(ref string, lang Language, source string) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.err = tc.txn().SetCellCode(tc.ctx, tc.addr(ref), lang, source)
	return tc
}

func (tc *DocumentTestCase) Delete(ref string) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.err = tc.txn().DeleteCell(tc.ctx, tc.addr(ref))
	return tc
}

func (tc *DocumentTestCase) Rerun(ref string) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.err = tc.txn().Rerun(tc.ctx, tc.addr(ref))
	return tc
}

func (tc *DocumentTestCase) RecalculateVolatile() *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tc.err = tc.txn().RecalculateVolatile(tc.ctx)
	return tc
}

func (tc *DocumentTestCase) Commit() *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	tx := tc.txn()
	tc.tx = nil
	tc.last = tx
	tc.changes, tc.err = tx.Commit(tc.ctx)
	if tc.err != nil {
		tc.t.Errorf("%s: Commit() failed: %v", tc.name, tc.err)
	}
	return tc
}

func (tc *DocumentTestCase) Rollback() *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil || tc.tx == nil {
		return tc
	}
	tc.err = tc.tx.Rollback(tc.ctx)
	tc.tx = nil
	return tc
}

func (tc *DocumentTestCase) AssertCellEq(ref string, expected Primitive) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	actual := tc.doc.Value(tc.addr(ref))
	switch exp := expected.(type) {
	case int:
		assert.InDelta(tc.t, float64(exp), actual, 1e-10, "%s: cell %s", tc.name, ref)
	case float64:
		assert.InDelta(tc.t, exp, actual, 1e-10, "%s: cell %s", tc.name, ref)
	case ErrorCode:
		return tc.AssertCellErr(ref, exp)
	default:
		assert.Equal(tc.t, expected, actual, "%s: cell %s", tc.name, ref)
	}
	return tc
}

func (tc *DocumentTestCase) AssertCellEmpty(ref string) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	cell, ok := tc.doc.Get(tc.addr(ref))
	assert.False(tc.t, ok, "%s: cell %s = %v, want empty", tc.name, ref, cell)
	return tc
}

func (tc *DocumentTestCase) AssertCellErr(ref string, code ErrorCode) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	actual := tc.doc.Value(tc.addr(ref))
	cellErr, ok := actual.(*SpreadsheetError)
	if !assert.True(tc.t, ok, "%s: cell %s = %v, want error %v", tc.name, ref, actual, code) {
		return tc
	}
	assert.Equal(tc.t, code, cellErr.ErrorCode, "%s: cell %s has error %s", tc.name, ref, cellErr.Code())
	return tc
}

func (tc *DocumentTestCase) AssertCellFn(ref string, fn func(t *testing.T, cell *Cell)) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	cell, ok := tc.doc.Get(tc.addr(ref))
	if !assert.True(tc.t, ok, "%s: cell %s is empty", tc.name, ref) {
		return tc
	}
	fn(tc.t, cell)
	return tc
}

// AssertSpill checks that ref is a computed-spill cell owned by origin.
func (tc *DocumentTestCase) AssertSpill(ref, origin string) *DocumentTestCase {
	tc.t.Helper()
	want := tc.addr(origin)
	return tc.AssertCellFn(ref, func(t *testing.T, cell *Cell) {
		assert.Equal(t, CellKindSpill, cell.Kind, "%s: kind of %s", tc.name, ref)
		assert.Equal(t, want, cell.Origin, "%s: origin of %s", tc.name, ref)
	})
}

// AssertChanged checks the cells of the last commit exactly.
func (tc *DocumentTestCase) AssertChanged(refs ...string) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	want := make([]CellAddress, len(refs))
	for i, ref := range refs {
		want[i] = tc.addr(ref)
	}
	if len(want) == 0 {
		assert.Empty(tc.t, tc.changes.Cells, "%s: changed cells", tc.name)
		return tc
	}
	SortAddresses(want)
	assert.Equal(tc.t, want, tc.changes.Cells, "%s: changed cells", tc.name)
	return tc
}

func (tc *DocumentTestCase) AssertDependencies(ref string, refs ...string) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	deps := tc.doc.Dependencies(tc.addr(ref))
	want := NewAccessSet()
	for _, r := range refs {
		rng, err := tc.doc.ParseRange(r)
		require.NoError(tc.t, err)
		if rng.IsSingleCell() {
			want.AddCell(rng.TopLeft())
		} else {
			want.AddRange(rng)
		}
	}
	assert.ElementsMatch(tc.t, want.Cells(), deps.Cells(), "%s: cell dependencies of %s", tc.name, ref)
	assert.ElementsMatch(tc.t, want.Ranges(), deps.Ranges(), "%s: range dependencies of %s", tc.name, ref)
	return tc
}

// AssertDiagnostic checks that the last commit reported an error for ref
// matching target, as errors.As does.
func (tc *DocumentTestCase) AssertDiagnostic(ref string, target any) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	addr := tc.addr(ref)
	for _, d := range tc.changes.Diagnostics {
		if d.Cell == addr && errors.As(d.Err, target) {
			return tc
		}
	}
	tc.t.Errorf("%s: no %T diagnostic for %s in %v", tc.name, target, ref, tc.changes.Diagnostics)
	return tc
}

func (tc *DocumentTestCase) AssertNoDiagnostics() *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	assert.Empty(tc.t, tc.changes.Diagnostics, "%s: diagnostics", tc.name)
	return tc
}

func (tc *DocumentTestCase) AssertState(ref string, state CellState) *DocumentTestCase {
	tc.t.Helper()
	if tc.err != nil {
		return tc
	}
	assert.Equal(tc.t, state, tc.last.States()[tc.addr(ref)], "%s: state of %s", tc.name, ref)
	return tc
}

func (tc *DocumentTestCase) ExpectAppError(code AppErrorCode) *DocumentTestCase {
	tc.t.Helper()
	if tc.err == nil {
		tc.t.Errorf("%s: expected error with code %v, but got no error", tc.name, code)
		return tc
	}
	var appErr *AppError
	if errors.As(tc.err, &appErr) {
		assert.Equal(tc.t, code, appErr.Code, "%s: error code", tc.name)
	} else {
		tc.t.Errorf("%s: got error %v, want AppError with code %v", tc.name, tc.err, code)
	}
	tc.err = nil
	return tc
}

func (tc *DocumentTestCase) End() {
	tc.t.Helper()
	if tc.err != nil {
		tc.t.Errorf("%s: unexpected error: %v", tc.name, tc.err)
	}
	if tc.tx != nil {
		tc.t.Errorf("%s: transaction left open", tc.name)
	}
}

func TestCascade(t *testing.T) {
	t.Run("EditReachesDependents", func(t *testing.T) {
		NewDocumentTestCase(t, "Plain edit recomputes its formula").
			Set("A1", 5).
			Set("B1", "=A1*2").
			Commit().
			AssertDependencies("B1", "A1").
			AssertCellEq("B1", 10).
			Set("A1", 7).
			Commit().
			AssertCellEq("B1", 14).
			AssertChanged("A1", "B1").
			AssertState("B1", CellStateApplied).
			End()
	})

	t.Run("Chain", func(t *testing.T) {
		NewDocumentTestCase(t, "Chain of formulas").
			Set("A1", 1).
			Set("B1", "=A1+1").
			Set("C1", "=B1+1").
			Set("D1", "=SUM(A1:C1)").
			Commit().
			AssertCellEq("D1", 6).
			AssertDependencies("D1", "A1:C1").
			Set("A1", 10).
			Commit().
			AssertCellEq("B1", 11).
			AssertCellEq("C1", 12).
			AssertCellEq("D1", 33).
			AssertChanged("A1", "B1", "C1", "D1").
			End()
	})

	t.Run("FormulaBeforeItsInput", func(t *testing.T) {
		NewDocumentTestCase(t, "Formula entered before the cell it reads").
			Set("B2", "=A2*3").
			Commit().
			AssertCellEq("B2", 0).
			Set("A2", 4).
			Commit().
			AssertCellEq("B2", 12).
			End()
	})

	t.Run("CrossWorksheet", func(t *testing.T) {
		NewDocumentTestCase(t, "Reference into another worksheet").
			AddWorksheet("Data").
			Set("Data!A1", 2).
			Set("Sheet1!A1", "=Data!A1*3").
			Commit().
			AssertCellEq("Sheet1!A1", 6).
			AssertDependencies("Sheet1!A1", "Data!A1").
			Set("Data!A1", 3).
			Commit().
			AssertCellEq("Sheet1!A1", 9).
			AssertChanged("Data!A1", "Sheet1!A1").
			End()
	})

	t.Run("DeletedInputIsBlank", func(t *testing.T) {
		NewDocumentTestCase(t, "Deleting an input").
			Set("A1", 4).
			Set("B1", "=A1+1").
			Commit().
			Delete("A1").
			Commit().
			AssertCellEmpty("A1").
			AssertCellEq("B1", 1).
			AssertDependencies("B1", "A1").
			End()
	})

	t.Run("CodeReplacedByValue", func(t *testing.T) {
		NewDocumentTestCase(t, "Overwriting a formula with a value drops its edges").
			Set("A1", 1).
			Set("B1", "=A1").
			Commit().
			Set("B1", "plain").
			Commit().
			AssertDependencies("B1").
			Set("A1", 2).
			Commit().
			AssertCellEq("B1", "plain").
			AssertChanged("A1").
			End()
	})
}

func TestSpill(t *testing.T) {
	t.Run("ShrinkClearsMembers", func(t *testing.T) {
		NewDocumentTestCase(t, "Array output shrinks to one value").
			Set("C1", "=SEQUENCE(1,3)").
			Set("F1", "=SUM(C1:E1)").
			Commit().
			AssertCellEq("C1", 1).
			AssertCellEq("D1", 2).
			AssertCellEq("E1", 3).
			AssertSpill("D1", "C1").
			AssertSpill("E1", "C1").
			AssertCellFn("C1", func(t *testing.T, cell *Cell) {
				assert.Equal(t, CellKindFormula, cell.Kind)
				require.NotNil(t, cell.Spill)
				assert.Equal(t, "C1:E1", cell.Spill.A1())
			}).
			AssertCellEq("F1", 6).
			Set("C1", "=9").
			Commit().
			AssertCellEq("C1", 9).
			AssertCellEmpty("D1").
			AssertCellEmpty("E1").
			AssertCellEq("F1", 9).
			AssertChanged("C1", "D1", "E1", "F1").
			AssertCellFn("C1", func(t *testing.T, cell *Cell) {
				assert.Nil(t, cell.Spill)
			}).
			End()
	})

	t.Run("GrowAndMove", func(t *testing.T) {
		NewDocumentTestCase(t, "Array output grows").
			Set("A1", 2).
			Set("B1", "=SEQUENCE(A1)").
			Set("C5", "=B4").
			Commit().
			AssertCellEq("B2", 2).
			AssertCellEq("C5", 0).
			Set("A1", 4).
			Commit().
			AssertCellEq("B4", 4).
			AssertSpill("B4", "B1").
			AssertCellEq("C5", 4).
			Set("A1", 1).
			Commit().
			AssertCellEmpty("B2").
			AssertCellEmpty("B4").
			AssertCellEq("C5", 0).
			End()
	})

	t.Run("BlockedThenReleased", func(t *testing.T) {
		NewDocumentTestCase(t, "Blocked spill retries when the blocker is cleared").
			Set("A2", "x").
			Set("A1", "=SEQUENCE(3)").
			Commit().
			AssertCellErr("A1", ErrorCodeSpill).
			AssertCellEq("A2", "x").
			AssertCellEmpty("A3").
			AssertState("A1", CellStateFailed).
			Delete("A2").
			Commit().
			AssertCellEq("A1", 1).
			AssertCellEq("A2", 2).
			AssertCellEq("A3", 3).
			AssertSpill("A3", "A1").
			End()
	})

	t.Run("BlockedByItsOwnReader", func(t *testing.T) {
		tc := NewDocumentTestCase(t, "Blocker reads the blocked origin").
			Set("A1", "=SEQUENCE(3)").
			Set("A2", "=A1").
			Commit().
			AssertNoDiagnostics().
			AssertCellErr("A1", ErrorCodeSpill).
			AssertCellErr("A2", ErrorCodeSpill).
			AssertDependencies("A1").
			AssertDependencies("A2", "A1").
			Delete("A2").
			Commit().
			AssertCellEq("A1", 1).
			AssertCellEq("A2", 2).
			AssertCellEq("A3", 3).
			AssertSpill("A2", "A1")

		// undo brings the blocker back, and clearing it again still retries
		_, err := tc.doc.Undo(tc.ctx)
		require.NoError(t, err)
		tc.AssertCellErr("A1", ErrorCodeSpill).
			AssertCellErr("A2", ErrorCodeSpill).
			Delete("A2").
			Commit().
			AssertCellEq("A3", 3).
			End()
	})

	t.Run("WriteIntoMember", func(t *testing.T) {
		NewDocumentTestCase(t, "Typing into a spilled cell blocks the origin").
			Set("C1", "=SEQUENCE(1,3)").
			Commit().
			Set("D1", "mine").
			Commit().
			AssertCellErr("C1", ErrorCodeSpill).
			AssertCellEq("D1", "mine").
			AssertCellEmpty("E1").
			Delete("D1").
			Commit().
			AssertCellEq("D1", 2).
			AssertCellEq("E1", 3).
			End()
	})

	t.Run("ErrorClearsSpill", func(t *testing.T) {
		NewDocumentTestCase(t, "Error result clears the previous spill").
			Set("A1", 3).
			Set("B1", "=SEQUENCE(A1)").
			Commit().
			AssertCellEq("B3", 3).
			Set("A1", "three").
			Commit().
			AssertCellErr("B1", ErrorCodeValue).
			AssertCellEmpty("B2").
			AssertCellEmpty("B3").
			End()
	})

	t.Run("PastGridEdge", func(t *testing.T) {
		NewDocumentTestCase(t, "Spill off the edge of the grid", WithGridBounds(4, 4)).
			Set("A3", "=SEQUENCE(3)").
			Commit().
			AssertCellErr("A3", ErrorCodeSpill).
			End()
	})

	t.Run("RemovedOrigin", func(t *testing.T) {
		NewDocumentTestCase(t, "Deleting the origin removes its spill").
			Set("A1", "=SEQUENCE(2,2)").
			Commit().
			AssertCellEq("B2", 4).
			Delete("A1").
			Commit().
			AssertCellEmpty("A2").
			AssertCellEmpty("B1").
			AssertCellEmpty("B2").
			AssertChanged("A1", "A2", "B1", "B2").
			End()
	})
}

func TestCycles(t *testing.T) {
	t.Run("TwoCellCycle", func(t *testing.T) {
		NewDocumentTestCase(t, "A reads B, B reads A").
			Set("C1", "=5").
			Set("A1", "=B1+1").
			Set("B1", "=A1+1").
			Commit().
			AssertCellErr("A1", ErrorCodeCircular).
			AssertCellErr("B1", ErrorCodeCircular).
			AssertCellEq("C1", 5).
			AssertDiagnostic("A1", new(*CyclicDependencyError)).
			AssertState("A1", CellStateFailed).
			// a later edit that breaks the cycle recovers
			Set("B1", 3).
			Commit().
			AssertCellEq("A1", 4).
			AssertNoDiagnostics().
			End()
	})

	t.Run("ReversedChainIsNotACycle", func(t *testing.T) {
		// each row reads the row below, so FIFO order runs the chain back
		// to front and spends the budget without any cycle
		tc := NewDocumentTestCase(t, "Long chain discovered back to front")
		for i := 1; i < 300; i++ {
			tc.Set(fmt.Sprintf("A%d", i), fmt.Sprintf("=A%d+Z1", i+1))
		}
		tc.Set("A300", "=Z1").
			Set("Z1", 1).
			Commit().
			AssertNoDiagnostics().
			AssertCellEq("A300", 1).
			AssertCellEq("A1", 300).
			AssertState("A1", CellStateApplied).
			Set("Z1", 2).
			Commit().
			AssertNoDiagnostics().
			AssertCellEq("A150", 302).
			AssertCellEq("A1", 600).
			End()
	})

	t.Run("TightBudgetWithoutCycle", func(t *testing.T) {
		tc := NewDocumentTestCase(t, "Budget of one run per cell", WithIterationFactor(1), WithMinIterations(1))
		for i := 1; i < 20; i++ {
			tc.Set(fmt.Sprintf("A%d", i), fmt.Sprintf("=A%d+1", i+1))
		}
		tc.Set("A20", "=B1").
			Set("B1", "=SEQUENCE(2)").
			Commit().
			AssertNoDiagnostics().
			AssertCellEq("A1", 20).
			AssertCellEq("B2", 2).
			End()
	})

	t.Run("CycleDoesNotStopOtherCells", func(t *testing.T) {
		tc := NewDocumentTestCase(t, "Cycle next to an ordinary chain").
			Set("A1", "=C1").
			Set("B1", "=A1").
			Set("C1", "=B1").
			Set("D1", 1).
			Set("E1", "=D1*10").
			Commit().
			AssertCellErr("A1", ErrorCodeCircular).
			AssertCellErr("B1", ErrorCodeCircular).
			AssertCellErr("C1", ErrorCodeCircular).
			AssertCellEq("E1", 10)

		var cyclic *CyclicDependencyError
		for _, d := range tc.changes.Diagnostics {
			if errors.As(d.Err, &cyclic) {
				break
			}
		}
		require.NotNil(t, cyclic)
		assert.Len(t, cyclic.Cells, 3)
		assert.Positive(t, cyclic.Iterations)
		tc.End()
	})

	t.Run("SelfReference", func(t *testing.T) {
		tc := NewDocumentTestCase(t, "Formula reads its own cell").
			Set("A1", "=A1+1").
			Set("B1", "=A1").
			Commit().
			AssertCellErr("A1", ErrorCodeCircular).
			AssertCellErr("B1", ErrorCodeCircular).
			AssertDiagnostic("A1", new(*SelfReferenceError)).
			AssertDependencies("A1")
		assert.Equal(t, []CellAddress{tc.addr("B1")}, tc.doc.Dependents(tc.addr("A1")), "self edge must be dropped")
		tc.End()
	})

	t.Run("SelfReferenceThroughRange", func(t *testing.T) {
		NewDocumentTestCase(t, "SUM over a range containing the cell").
			Set("A1", 1).
			Set("A2", 2).
			Set("A3", "=SUM(A1:A3)").
			Commit().
			AssertCellErr("A3", ErrorCodeCircular).
			AssertDiagnostic("A3", new(*SelfReferenceError)).
			Set("A1", 5).
			Commit().
			AssertCellErr("A3", ErrorCodeCircular).
			End()
	})
}

func TestErrors(t *testing.T) {
	t.Run("ParseFailure", func(t *testing.T) {
		NewDocumentTestCase(t, "Formula that does not parse").
			Set("A1", "=1+").
			Set("B1", "=Nope!A1").
			Set("C1", "=2").
			Commit().
			AssertCellErr("A1", ErrorCodeOther).
			AssertCellErr("B1", ErrorCodeRef).
			AssertCellEq("C1", 2).
			AssertDiagnostic("A1", new(*ParseDependencyError)).
			AssertDiagnostic("B1", new(*ParseDependencyError)).
			AssertDependencies("A1").
			AssertDependencies("B1").
			End()
	})

	t.Run("ErrorValuesPropagate", func(t *testing.T) {
		NewDocumentTestCase(t, "Division by zero flows downstream").
			Set("A1", 0).
			Set("B1", "=1/A1").
			Set("C1", "=B1+1").
			Set("D1", "=IFERROR(B1, -1)").
			Commit().
			AssertCellErr("B1", ErrorCodeDiv0).
			AssertCellErr("C1", ErrorCodeDiv0).
			AssertCellEq("D1", -1).
			Set("A1", 4).
			Commit().
			AssertCellEq("C1", 1.25).
			AssertCellEq("D1", 0.25).
			End()
	})

	t.Run("FailureKeepsPartialReads", func(t *testing.T) {
		runs := 0
		failing := RunnerFunc(func(ctx context.Context, req *ExecutionRequest) ExecutionResult {
			runs++
			addr := CellAddress{WorksheetID: req.Cell.WorksheetID, Row: 0, Column: 0}
			if _, err := req.Reader.ReadCell(addr); err != nil {
				return &Failure{Message: err.Error()}
			}
			return &Failure{Message: "boom", Line: 3, Stdout: "partial\n"}
		})
		NewDocumentTestCase(t, "Runner failure after a read", WithRunner(LanguagePython, failing)).
			Set("A1", 1).
			Code("B1", LanguagePython, "read then raise").
			Commit().
			AssertCellErr("B1", ErrorCodeOther).
			AssertCellFn("B1", func(t *testing.T, cell *Cell) {
				assert.Equal(t, 3, cell.Value.(*SpreadsheetError).Line)
				assert.Equal(t, "partial\n", cell.Stdout)
			}).
			AssertDiagnostic("B1", new(*ExecutionError)).
			AssertDependencies("B1", "A1").
			Set("A1", 2).
			Commit().
			AssertChanged("A1", "B1").
			End()
		assert.Equal(t, 2, runs)
	})

	t.Run("FailureAfterReadingItself", func(t *testing.T) {
		failing := RunnerFunc(func(ctx context.Context, req *ExecutionRequest) ExecutionResult {
			a1 := CellAddress{WorksheetID: req.Cell.WorksheetID, Row: 0, Column: 0}
			if _, err := req.Reader.ReadCell(a1); err != nil {
				return &Failure{Message: err.Error()}
			}
			if _, err := req.Reader.ReadCell(req.Cell); err != nil {
				return &Failure{Message: err.Error()}
			}
			return &Failure{Message: "boom"}
		})
		NewDocumentTestCase(t, "Failing runner reads its own cell", WithRunner(LanguagePython, failing)).
			Set("A1", 1).
			Code("B1", LanguagePython, "read self then raise").
			Commit().
			AssertCellErr("B1", ErrorCodeOther).
			AssertDiagnostic("B1", new(*SelfReferenceError)).
			AssertDiagnostic("B1", new(*ExecutionError)).
			AssertDependencies("B1", "A1").
			End()
	})

	t.Run("MissingRunner", func(t *testing.T) {
		NewDocumentTestCase(t, "No runner registered for the language").
			Code("A1", LanguageJavascript, "1 + 1").
			Commit().
			AssertCellErr("A1", ErrorCodeName).
			End()
	})

	t.Run("RunnerPanic", func(t *testing.T) {
		panicky := RunnerFunc(func(ctx context.Context, req *ExecutionRequest) ExecutionResult {
			panic("interpreter crashed")
		})
		NewDocumentTestCase(t, "Runner panics", WithRunner(LanguagePython, panicky)).
			Code("A1", LanguagePython, "x").
			Set("B1", "=1").
			Commit().
			AssertCellErr("A1", ErrorCodeOther).
			AssertCellEq("B1", 1).
			AssertDiagnostic("A1", new(*ExecutionError)).
			End()
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		NewDocumentTestCase(t, "Edit outside the grid", WithGridBounds(10, 5)).
			Set("F1", 1).
			ExpectAppError(OutOfRange).
			Set("Missing!A1", 1).
			ExpectAppError(NotFound).
			End()
	})

	t.Run("UnsupportedValue", func(t *testing.T) {
		NewDocumentTestCase(t, "Value of an unsupported type").
			Set("A1", []int{1}).
			ExpectAppError(InvalidArgument).
			Rollback().
			End()
	})

	t.Run("RerunPlainCell", func(t *testing.T) {
		NewDocumentTestCase(t, "Rerun needs a code cell").
			Set("A1", 1).
			Commit().
			Rerun("A1").
			ExpectAppError(FailedPrecondition).
			Rollback().
			End()
	})
}

// countingRandom returns 0.1, 0.2, ... so every RAND() call differs.
type countingRandom struct{ n int }

func (r *countingRandom) Float64() float64 {
	r.n++
	return float64(r.n) / 10
}

func TestVolatile(t *testing.T) {
	rng := &countingRandom{}
	tc := NewDocumentTestCase(t, "RAND recomputes on request",
		WithRunner(LanguageFormula, formula.NewRunner(formula.WithRandom(rng)))).
		Set("A1", "=RAND()").
		Set("B1", "=A1*10").
		Set("C1", "=1+1").
		Commit().
		AssertCellEq("A1", 0.1).
		AssertCellEq("B1", 1).
		AssertCellFn("A1", func(t *testing.T, cell *Cell) { assert.True(t, cell.Volatile) }).
		AssertCellFn("C1", func(t *testing.T, cell *Cell) { assert.False(t, cell.Volatile) }).
		RecalculateVolatile().
		Commit().
		AssertCellEq("A1", 0.2).
		AssertCellEq("B1", 2).
		AssertChanged("A1", "B1")

	// a volatile cell that becomes constant leaves the volatile set
	tc.Set("A1", "=0.5").
		Commit().
		RecalculateVolatile().
		Commit().
		AssertChanged().
		End()
}

func TestRerun(t *testing.T) {
	runs := 0
	counter := RunnerFunc(func(ctx context.Context, req *ExecutionRequest) ExecutionResult {
		runs++
		return &Success{Value: float64(runs), Stdout: fmt.Sprintf("run %d\n", runs)}
	})
	NewDocumentTestCase(t, "Rerun executes again with the same source", WithRunner(LanguagePython, counter)).
		Code("A1", LanguagePython, "counter").
		Set("B1", "=A1*2").
		Commit().
		AssertCellEq("B1", 2).
		Rerun("A1").
		Commit().
		AssertCellEq("A1", 2).
		AssertCellEq("B1", 4).
		AssertCellFn("A1", func(t *testing.T, cell *Cell) {
			assert.Equal(t, "run 2\n", cell.Stdout)
			assert.Equal(t, "counter", cell.Source)
		}).
		End()
}

func TestFixedPoint(t *testing.T) {
	ctx := context.Background()
	doc := NewDocument(WithRunner(LanguageFormula, formula.NewRunner()))
	sheet, err := doc.AddWorksheet("Sheet1")
	require.NoError(t, err)
	a1 := CellAddress{WorksheetID: sheet, Row: 0, Column: 0}
	b1 := CellAddress{WorksheetID: sheet, Row: 0, Column: 1}

	tx, err := doc.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SetCellValue(ctx, a1, 2.0))
	require.NoError(t, tx.SetCellCode(ctx, b1, LanguageFormula, "=A1^2"))
	require.NoError(t, tx.Recalculate(ctx))
	assert.Equal(t, 4.0, doc.Value(b1), "values are visible inside the transaction")

	states := tx.States()
	require.NoError(t, tx.Recalculate(ctx))
	assert.Equal(t, states, tx.States(), "a drained queue stays drained")

	changes, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CellAddress{a1, b1}, changes.Cells)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	tc := NewDocumentTestCase(t, "Rollback restores cells and edges").
		Set("A1", 5).
		Set("B1", "=SEQUENCE(1,2)").
		Commit().
		Set("A1", 6).
		Set("A2", "=A1").
		Set("B1", "=A1")
	require.NoError(t, tc.tx.Recalculate(ctx))
	assert.Equal(t, 6.0, tc.doc.Value(tc.addr("A2")))
	assert.Nil(t, tc.doc.Value(tc.addr("C1")))

	tc.Rollback().
		AssertCellEq("A1", 5).
		AssertCellEmpty("A2").
		AssertCellEq("B1", 1).
		AssertCellEq("C1", 2).
		AssertSpill("C1", "B1").
		AssertDependencies("B1").
		End()
	assert.Empty(t, tc.doc.Dependents(tc.addr("A1")))

	_, err := tc.doc.Undo(ctx)
	require.NoError(t, err)
	assert.False(t, tc.doc.CanUndo(), "rollback adds no undo entry")
}
