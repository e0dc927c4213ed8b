package formula

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

type builtin func(bf *BuiltInFunctions, args ...Primitive) (Primitive, error)

var builtins = map[string]builtin{
	"SUM":         (*BuiltInFunctions).SUM,
	"AVERAGE":     (*BuiltInFunctions).AVERAGE,
	"COUNT":       (*BuiltInFunctions).COUNT,
	"COUNTA":      (*BuiltInFunctions).COUNTA,
	"MAX":         (*BuiltInFunctions).MAX,
	"MIN":         (*BuiltInFunctions).MIN,
	"IF":          (*BuiltInFunctions).IF,
	"IFERROR":     (*BuiltInFunctions).IFERROR,
	"AND":         (*BuiltInFunctions).AND,
	"OR":          (*BuiltInFunctions).OR,
	"NOT":         (*BuiltInFunctions).NOT,
	"CONCATENATE": (*BuiltInFunctions).CONCATENATE,
	"LEN":         (*BuiltInFunctions).LEN,
	"UPPER":       (*BuiltInFunctions).UPPER,
	"LOWER":       (*BuiltInFunctions).LOWER,
	"TRIM":        (*BuiltInFunctions).TRIM,
	"ABS":         (*BuiltInFunctions).ABS,
	"ROUND":       (*BuiltInFunctions).ROUND,
	"FLOOR":       (*BuiltInFunctions).FLOOR,
	"CEILING":     (*BuiltInFunctions).CEILING,
	"SQRT":        (*BuiltInFunctions).SQRT,
	"POWER":       (*BuiltInFunctions).POWER,
	"MOD":         (*BuiltInFunctions).MOD,
	"PI":          (*BuiltInFunctions).PI,
	"NOW":         (*BuiltInFunctions).NOW,
	"TODAY":       (*BuiltInFunctions).TODAY,
	"RAND":        (*BuiltInFunctions).RAND,
	"SEQUENCE":    (*BuiltInFunctions).SEQUENCE,
	"TRANSPOSE":   (*BuiltInFunctions).TRANSPOSE,
	"ROWS":        (*BuiltInFunctions).ROWS,
	"COLUMNS":     (*BuiltInFunctions).COLUMNS,
}

// BuiltInFunctions contains all spreadsheet built-in functions
type BuiltInFunctions struct {
	clock Clock
	rng   RandomGenerator
}

// NewDefaultBuiltInFunctions creates a BuiltInFunctions with default
// implementations
func NewDefaultBuiltInFunctions() *BuiltInFunctions {
	return &BuiltInFunctions{
		clock: &WallClock{},
		rng:   &DefaultRandomGenerator{},
	}
}

// Call invokes a built-in function by name with the given arguments
func (bf *BuiltInFunctions) Call(name string, args ...Primitive) (Primitive, error) {
	fn, ok := builtins[strings.ToUpper(name)]
	if !ok {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeName, fmt.Sprintf("unknown function %s", name))
	}
	return fn(bf, args...)
}

// IsBuiltIn reports whether name is a known function.
func IsBuiltIn(name string) bool {
	_, ok := builtins[strings.ToUpper(name)]
	return ok
}

// isVolatileFunction returns true if the function returns a new value on
// every call
func isVolatileFunction(name string) bool {
	switch strings.ToUpper(name) {
	case "NOW", "TODAY", "RAND":
		return true
	default:
		return false
	}
}

func argError(format string, args ...any) *spreadsheet.SpreadsheetError {
	return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeNA, fmt.Sprintf(format, args...))
}

func valueError(format string, args ...any) *spreadsheet.SpreadsheetError {
	return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeValue, fmt.Sprintf(format, args...))
}

// numbers collects the numeric inputs of an aggregate. Direct arguments
// are coerced and skipped when that fails; range members count only when
// they are numbers. The first error value, direct or in a range, is
// returned.
func numbers(args []Primitive) ([]float64, *spreadsheet.SpreadsheetError) {
	var out []float64
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := value.(float64); ok {
					out = append(out, num)
				}
			}
			continue
		}
		if num, ok := toNumber(arg); ok {
			out = append(out, num)
		}
	}
	return out, nil
}

// scalars unwraps 1x1 ranges and stops at the first error argument.
func scalars(name string, n int, args []Primitive) ([]Primitive, *spreadsheet.SpreadsheetError) {
	if n >= 0 && len(args) != n {
		return nil, argError("%s requires exactly %d arguments", name, n)
	}
	out := make([]Primitive, len(args))
	for i, arg := range args {
		out[i] = scalar(arg)
		if err := checkForError(out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func numberArgs(name string, n int, args []Primitive) ([]float64, *spreadsheet.SpreadsheetError) {
	vals, err := scalars(name, n, args)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i, v := range vals {
		num, ok := toNumber(v)
		if !ok {
			return nil, valueError("%s requires numeric arguments", name)
		}
		out[i] = num
	}
	return out, nil
}

func (bf *BuiltInFunctions) SUM(args ...Primitive) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for _, num := range nums {
		sum += num
	}
	rounded, _ := strconv.ParseFloat(fmt.Sprintf("%.15f", sum), 64)
	return rounded, nil
}

func (bf *BuiltInFunctions) AVERAGE(args ...Primitive) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeDiv0, "AVERAGE has no numeric values")
	}
	sum := 0.0
	for _, num := range nums {
		sum += num
	}
	return sum / float64(len(nums)), nil
}

// COUNT counts numbers. Errors are skipped, not propagated.
func (bf *BuiltInFunctions) COUNT(args ...Primitive) (Primitive, error) {
	count := 0
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if _, ok := value.(float64); ok {
					count++
				}
			}
			continue
		}
		if _, ok := arg.(float64); ok {
			count++
		}
	}
	return float64(count), nil
}

// COUNTA counts everything that is not blank, errors included.
func (bf *BuiltInFunctions) COUNTA(args ...Primitive) (Primitive, error) {
	count := 0
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if value != nil {
					count++
				}
			}
			continue
		}
		count++
	}
	return float64(count), nil
}

func (bf *BuiltInFunctions) MAX(args ...Primitive) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return 0.0, nil
	}
	best := math.Inf(-1)
	for _, num := range nums {
		best = max(best, num)
	}
	return best, nil
}

func (bf *BuiltInFunctions) MIN(args ...Primitive) (Primitive, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return 0.0, nil
	}
	best := math.Inf(1)
	for _, num := range nums {
		best = min(best, num)
	}
	return best, nil
}

func (bf *BuiltInFunctions) IF(args ...Primitive) (Primitive, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, argError("IF requires 2 or 3 arguments")
	}
	cond := scalar(args[0])
	if err := checkForError(cond); err != nil {
		return nil, err
	}
	if isTruthy(cond) {
		return args[1], nil
	}
	if len(args) == 3 {
		return args[2], nil
	}
	return false, nil
}

func (bf *BuiltInFunctions) IFERROR(args ...Primitive) (Primitive, error) {
	if len(args) != 2 {
		return nil, argError("IFERROR requires exactly 2 arguments")
	}
	if checkForError(scalar(args[0])) != nil {
		return args[1], nil
	}
	return args[0], nil
}

// logical folds AND/OR over scalars and range members. Text in ranges is
// ignored, text passed directly is #VALUE!.
func logical(name string, args []Primitive, fold func(acc, v bool) bool, start bool) (Primitive, error) {
	if len(args) == 0 {
		return nil, argError("%s requires at least 1 argument", name)
	}
	acc, seen := start, false
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				switch value.(type) {
				case bool, float64:
					acc = fold(acc, isTruthy(value))
					seen = true
				}
			}
			continue
		}
		if s, ok := arg.(string); ok && !strings.EqualFold(s, "TRUE") && !strings.EqualFold(s, "FALSE") {
			return nil, valueError("%s cannot use text %q", name, s)
		}
		acc = fold(acc, isTruthy(arg))
		seen = true
	}
	if !seen {
		return nil, valueError("%s has no logical values", name)
	}
	return acc, nil
}

func (bf *BuiltInFunctions) AND(args ...Primitive) (Primitive, error) {
	return logical("AND", args, func(acc, v bool) bool { return acc && v }, true)
}

func (bf *BuiltInFunctions) OR(args ...Primitive) (Primitive, error) {
	return logical("OR", args, func(acc, v bool) bool { return acc || v }, false)
}

func (bf *BuiltInFunctions) NOT(args ...Primitive) (Primitive, error) {
	vals, err := scalars("NOT", 1, args)
	if err != nil {
		return nil, err
	}
	return !isTruthy(vals[0]), nil
}

func (bf *BuiltInFunctions) CONCATENATE(args ...Primitive) (Primitive, error) {
	var sb strings.Builder
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				sb.WriteString(toString(value))
			}
			continue
		}
		sb.WriteString(toString(arg))
	}
	return sb.String(), nil
}

func textArg(name string, args []Primitive) (string, *spreadsheet.SpreadsheetError) {
	vals, err := scalars(name, 1, args)
	if err != nil {
		return "", err
	}
	return toString(vals[0]), nil
}

func (bf *BuiltInFunctions) LEN(args ...Primitive) (Primitive, error) {
	s, err := textArg("LEN", args)
	if err != nil {
		return nil, err
	}
	return float64(len([]rune(s))), nil
}

func (bf *BuiltInFunctions) UPPER(args ...Primitive) (Primitive, error) {
	s, err := textArg("UPPER", args)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func (bf *BuiltInFunctions) LOWER(args ...Primitive) (Primitive, error) {
	s, err := textArg("LOWER", args)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

// TRIM removes leading and trailing spaces and collapses inner runs.
func (bf *BuiltInFunctions) TRIM(args ...Primitive) (Primitive, error) {
	s, err := textArg("TRIM", args)
	if err != nil {
		return nil, err
	}
	return strings.Join(strings.Fields(s), " "), nil
}

func (bf *BuiltInFunctions) ABS(args ...Primitive) (Primitive, error) {
	nums, err := numberArgs("ABS", 1, args)
	if err != nil {
		return nil, err
	}
	return math.Abs(nums[0]), nil
}

func (bf *BuiltInFunctions) ROUND(args ...Primitive) (Primitive, error) {
	if len(args) == 1 {
		args = append(args, 0.0)
	}
	nums, err := numberArgs("ROUND", 2, args)
	if err != nil {
		return nil, err
	}
	scale := math.Pow(10, math.Trunc(nums[1]))
	return math.Round(nums[0]*scale) / scale, nil
}

// significance returns the multiple for FLOOR and CEILING, default 1.
func significance(name string, args []Primitive) (float64, float64, *spreadsheet.SpreadsheetError) {
	if len(args) == 1 {
		args = append(args, 1.0)
	}
	nums, err := numberArgs(name, 2, args)
	if err != nil {
		return 0, 0, err
	}
	if nums[1] == 0 {
		return 0, 0, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeDiv0, fmt.Sprintf("%s significance is zero", name))
	}
	if nums[0] > 0 && nums[1] < 0 {
		return 0, 0, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeNum, fmt.Sprintf("%s significance has the wrong sign", name))
	}
	return nums[0], nums[1], nil
}

func (bf *BuiltInFunctions) FLOOR(args ...Primitive) (Primitive, error) {
	num, sig, err := significance("FLOOR", args)
	if err != nil {
		return nil, err
	}
	return math.Floor(num/sig) * sig, nil
}

func (bf *BuiltInFunctions) CEILING(args ...Primitive) (Primitive, error) {
	num, sig, err := significance("CEILING", args)
	if err != nil {
		return nil, err
	}
	return math.Ceil(num/sig) * sig, nil
}

func (bf *BuiltInFunctions) SQRT(args ...Primitive) (Primitive, error) {
	nums, err := numberArgs("SQRT", 1, args)
	if err != nil {
		return nil, err
	}
	if nums[0] < 0 {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeNum, "SQRT requires a non-negative argument")
	}
	return math.Sqrt(nums[0]), nil
}

func (bf *BuiltInFunctions) POWER(args ...Primitive) (Primitive, error) {
	nums, err := numberArgs("POWER", 2, args)
	if err != nil {
		return nil, err
	}
	return finite(math.Pow(nums[0], nums[1])), nil
}

// MOD takes the sign of the divisor.
func (bf *BuiltInFunctions) MOD(args ...Primitive) (Primitive, error) {
	nums, err := numberArgs("MOD", 2, args)
	if err != nil {
		return nil, err
	}
	if nums[1] == 0 {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeDiv0, "division by zero")
	}
	return nums[0] - nums[1]*math.Floor(nums[0]/nums[1]), nil
}

func (bf *BuiltInFunctions) PI(args ...Primitive) (Primitive, error) {
	if len(args) != 0 {
		return nil, argError("PI takes no arguments")
	}
	return math.Pi, nil
}

// Excel date/time constants
const (
	// December 30, 1899 00:00:00 UTC in Unix milliseconds
	excelEpochMs = -2209161600000
	msPerDay     = 86400000
)

func serial(t time.Time) float64 {
	// shift wall-clock time into UTC so serials follow the local calendar
	_, offset := t.Zone()
	ms := t.UnixMilli() + int64(offset)*1000
	return float64(ms-excelEpochMs) / msPerDay
}

func (bf *BuiltInFunctions) NOW(args ...Primitive) (Primitive, error) {
	if len(args) != 0 {
		return nil, argError("NOW takes no arguments")
	}
	return serial(bf.clock.Now()), nil
}

func (bf *BuiltInFunctions) TODAY(args ...Primitive) (Primitive, error) {
	if len(args) != 0 {
		return nil, argError("TODAY takes no arguments")
	}
	return math.Floor(serial(bf.clock.Now())), nil
}

func (bf *BuiltInFunctions) RAND(args ...Primitive) (Primitive, error) {
	if len(args) != 0 {
		return nil, argError("RAND takes no arguments")
	}
	return bf.rng.Float64(), nil
}

// maxArrayCells caps what SEQUENCE may produce.
const maxArrayCells = 1 << 20

// SEQUENCE(rows, [columns], [start], [step]) fills an array row by row.
func (bf *BuiltInFunctions) SEQUENCE(args ...Primitive) (Primitive, error) {
	if len(args) < 1 || len(args) > 4 {
		return nil, argError("SEQUENCE requires 1 to 4 arguments")
	}
	full := []Primitive{args[0], 1.0, 1.0, 1.0}
	copy(full, args)
	nums, err := numberArgs("SEQUENCE", 4, full)
	if err != nil {
		return nil, err
	}
	rows, cols := int(nums[0]), int(nums[1])
	if rows < 1 || cols < 1 {
		return nil, valueError("SEQUENCE dimensions must be positive")
	}
	if rows*cols > maxArrayCells {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeNum, "SEQUENCE result is too large")
	}
	out := make([][]Primitive, rows)
	next := nums[2]
	for i := range out {
		out[i] = make([]Primitive, cols)
		for j := range out[i] {
			out[i][j] = next
			next += nums[3]
		}
	}
	return NewArray(out), nil
}

func (bf *BuiltInFunctions) TRANSPOSE(args ...Primitive) (Primitive, error) {
	if len(args) != 1 {
		return nil, argError("TRANSPOSE requires exactly 1 argument")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	r, ok := args[0].(Range)
	if !ok {
		return args[0], nil
	}
	rows, cols := r.Dimensions()
	out := make([][]Primitive, cols)
	for j := range out {
		out[j] = make([]Primitive, rows)
		for i := range out[j] {
			out[j][i] = r.At(i, j)
		}
	}
	return NewArray(out), nil
}

func dimensions(name string, args []Primitive) (int, int, *spreadsheet.SpreadsheetError) {
	if len(args) != 1 {
		return 0, 0, argError("%s requires exactly 1 argument", name)
	}
	if err := checkForError(args[0]); err != nil {
		return 0, 0, err
	}
	if r, ok := args[0].(Range); ok {
		rows, cols := r.Dimensions()
		return rows, cols, nil
	}
	return 1, 1, nil
}

func (bf *BuiltInFunctions) ROWS(args ...Primitive) (Primitive, error) {
	rows, _, err := dimensions("ROWS", args)
	if err != nil {
		return nil, err
	}
	return float64(rows), nil
}

func (bf *BuiltInFunctions) COLUMNS(args ...Primitive) (Primitive, error) {
	_, cols, err := dimensions("COLUMNS", args)
	if err != nil {
		return nil, err
	}
	return float64(cols), nil
}
