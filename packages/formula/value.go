package formula

import (
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// Primitive is a scalar cell value; see spreadsheet.Primitive.
type Primitive = spreadsheet.Primitive

// Range is a rectangular block of values, either read from the grid or
// produced by an array function.
type Range interface {
	Dimensions() (rows, cols int)
	At(row, col int) Primitive
	IterateValues() iter.Seq[Primitive]
}

// Array is an in-memory Range. Rows are padded to equal width.
type Array struct {
	rows [][]Primitive
	cols int
}

func NewArray(rows [][]Primitive) *Array {
	cols := 0
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	padded := make([][]Primitive, len(rows))
	for i, row := range rows {
		padded[i] = make([]Primitive, cols)
		copy(padded[i], row)
	}
	return &Array{rows: padded, cols: cols}
}

func (a *Array) Dimensions() (rows, cols int) {
	return len(a.rows), a.cols
}

func (a *Array) At(row, col int) Primitive {
	if row < 0 || row >= len(a.rows) || col < 0 || col >= a.cols {
		return nil
	}
	return a.rows[row][col]
}

// IterateValues yields every value in row-major order, blanks included.
func (a *Array) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for _, row := range a.rows {
			for _, v := range row {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// Matrix returns a copy of the rows.
func (a *Array) Matrix() [][]Primitive {
	out := make([][]Primitive, len(a.rows))
	for i, row := range a.rows {
		out[i] = append([]Primitive(nil), row...)
	}
	return out
}

// scalar collapses a 1x1 range to its value. Larger ranges are #VALUE!
// where a single value is expected.
func scalar(v Primitive) Primitive {
	r, ok := v.(Range)
	if !ok {
		return v
	}
	rows, cols := r.Dimensions()
	if rows == 1 && cols == 1 {
		return r.At(0, 0)
	}
	return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeValue, "expected a single value, got a range")
}

// checkForError returns the error if value is a *SpreadsheetError, nil otherwise
func checkForError(value Primitive) *spreadsheet.SpreadsheetError {
	if err, ok := value.(*spreadsheet.SpreadsheetError); ok {
		return err
	}
	return nil
}

// asValue folds an evaluation error into an error value.
func asValue(v Primitive, err error) Primitive {
	if err == nil {
		return v
	}
	if e, ok := err.(*spreadsheet.SpreadsheetError); ok {
		return e
	}
	return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeValue, err.Error())
}

// toNumber converts value to number, returning ok=false if conversion fails
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toString converts value to its display text
func toString(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case *spreadsheet.SpreadsheetError:
		return v.Code()
	default:
		return fmt.Sprint(v)
	}
}

// isTruthy checks if value is truthy
func isTruthy(value Primitive) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return strings.EqualFold(v, "TRUE")
	default:
		return false
	}
}

// finite turns NaN and infinities into #NUM!
func finite(num float64) Primitive {
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeNum, "result is not a finite number")
	}
	return num
}

// comparePrimitives compares two primitive values. returns -1 if left < right,
// 0 if equal, 1 if left > right. blanks compare as the zero value of the
// other side; numbers sort before text, text before booleans.
func comparePrimitives(left, right Primitive) int {
	if left == nil {
		left = zeroLike(right)
	}
	if right == nil {
		right = zeroLike(left)
	}
	lr, rr := typeRank(left), typeRank(right)
	if lr != rr {
		if lr < rr {
			return -1
		}
		return 1
	}
	switch l := left.(type) {
	case float64:
		r := right.(float64)
		switch {
		case l < r:
			return -1
		case l > r:
			return 1
		}
		return 0
	case bool:
		r := right.(bool)
		switch {
		case l == r:
			return 0
		case !l:
			return -1
		}
		return 1
	default:
		return strings.Compare(strings.ToLower(toString(left)), strings.ToLower(toString(right)))
	}
}

func zeroLike(v Primitive) Primitive {
	switch v.(type) {
	case string:
		return ""
	case bool:
		return false
	default:
		return 0.0
	}
}

func typeRank(v Primitive) int {
	switch v.(type) {
	case float64:
		return 0
	case string:
		return 1
	case bool:
		return 2
	default:
		return 3
	}
}
