package spreadsheet

import (
	"fmt"
	"strings"
	"time"
)

// Primitive represents basic spreadsheet value types.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - nil: empty/null cells
//   - *SpreadsheetError: error values (#DIV/0!, #VALUE!, etc.)
type Primitive any

// ErrorCode represents standard spreadsheet error codes following
// Excel conventions
type ErrorCode uint8

const (
	ErrorCodeNull     ErrorCode = 1  // #NULL! - no cells in common between ranges
	ErrorCodeDiv0     ErrorCode = 2  // #DIV/0! - division by zero
	ErrorCodeValue    ErrorCode = 3  // #VALUE! - wrong type of argument or operand
	ErrorCodeRef      ErrorCode = 4  // #REF! - invalid cell reference
	ErrorCodeName     ErrorCode = 5  // #NAME? - unrecognized function or runner
	ErrorCodeNum      ErrorCode = 6  // #NUM! - number too large or small to be represented
	ErrorCodeNA       ErrorCode = 7  // #N/A - not enough arguments for function
	ErrorCodeOther    ErrorCode = 8  // #ERROR! - all other errors, including runner failures
	ErrorCodeCircular ErrorCode = 9  // #CIRCULAR! - cell takes part in a reference cycle
	ErrorCodeSpill    ErrorCode = 10 // #SPILL! - array output is blocked
)

// ErrorMapper maps error code numbers to their string representations
var ErrorMapper = map[ErrorCode]string{
	ErrorCodeNull:     "#NULL!",
	ErrorCodeDiv0:     "#DIV/0!",
	ErrorCodeValue:    "#VALUE!",
	ErrorCodeRef:      "#REF!",
	ErrorCodeName:     "#NAME?",
	ErrorCodeNum:      "#NUM!",
	ErrorCodeNA:       "#N/A",
	ErrorCodeOther:    "#ERROR!",
	ErrorCodeCircular: "#CIRCULAR!",
	ErrorCodeSpill:    "#SPILL!",
}

// SpreadsheetError is the error marker displayed in a cell. Line is the
// 1-based source line reported by a code runner, 0 when unknown.
type SpreadsheetError struct {
	ErrorCode ErrorCode
	Message   string
	Line      int
}

func (e *SpreadsheetError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return ErrorMapper[e.ErrorCode]
}

// Code returns the display form of the error code, e.g. #REF!
func (e *SpreadsheetError) Code() string {
	return ErrorMapper[e.ErrorCode]
}

func NewSpreadsheetError(code ErrorCode, message string) *SpreadsheetError {
	if message == "" {
		message = ErrorMapper[code]
	}
	return &SpreadsheetError{
		ErrorCode: code,
		Message:   message,
	}
}

// ParseErrorCode maps a display form like "#DIV/0!" back to its code.
func ParseErrorCode(s string) (ErrorCode, bool) {
	for code, text := range ErrorMapper {
		if strings.EqualFold(text, s) {
			return code, true
		}
	}
	return 0, false
}

// CellKind tags what a cell holds.
type CellKind uint8

const (
	CellKindPlain CellKind = iota
	CellKindFormula
	CellKindPython
	CellKindJavascript
	CellKindSpill // written by another cell's array output
)

func (k CellKind) String() string {
	switch k {
	case CellKindPlain:
		return "plain"
	case CellKindFormula:
		return "formula"
	case CellKindPython:
		return "python"
	case CellKindJavascript:
		return "javascript"
	case CellKindSpill:
		return "computed-spill"
	default:
		return fmt.Sprintf("CellKind(%d)", k)
	}
}

// IsCode reports whether cells of this kind carry source that must be executed.
func (k CellKind) IsCode() bool {
	_, ok := k.Language()
	return ok
}

// Language returns the runner language for code kinds.
func (k CellKind) Language() (Language, bool) {
	switch k {
	case CellKindFormula:
		return LanguageFormula, true
	case CellKindPython:
		return LanguagePython, true
	case CellKindJavascript:
		return LanguageJavascript, true
	default:
		return 0, false
	}
}

// Language identifies a code runner backend.
type Language uint8

const (
	LanguageFormula Language = iota + 1
	LanguagePython
	LanguageJavascript
)

func (l Language) String() string {
	switch l {
	case LanguageFormula:
		return "formula"
	case LanguagePython:
		return "python"
	case LanguageJavascript:
		return "javascript"
	default:
		return fmt.Sprintf("Language(%d)", l)
	}
}

// Kind returns the cell kind used for cells written in this language.
func (l Language) Kind() CellKind {
	switch l {
	case LanguageFormula:
		return CellKindFormula
	case LanguagePython:
		return CellKindPython
	case LanguageJavascript:
		return CellKindJavascript
	default:
		return CellKindPlain
	}
}

// ParseLanguage accepts the names printed by Language.String plus common
// short forms.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "formula", "excel":
		return LanguageFormula, nil
	case "python", "py":
		return LanguagePython, nil
	case "javascript", "js":
		return LanguageJavascript, nil
	default:
		return 0, NewApplicationError(InvalidArgument, fmt.Sprintf("unknown language %q", s))
	}
}

// CellAddress identifies a cell. Row and Column are 0-based; WorksheetID 0 is
// never a valid worksheet, so the zero CellAddress means "no cell".
type CellAddress struct {
	WorksheetID uint32
	Row         uint32
	Column      uint32
}

// IsZero reports whether the address is unset.
func (a CellAddress) IsZero() bool {
	return a.WorksheetID == 0
}

// A1 returns the address in A1 notation without a worksheet prefix.
func (a CellAddress) A1() string {
	return ColumnName(a.Column) + fmt.Sprint(a.Row+1)
}

func (a CellAddress) String() string {
	return fmt.Sprintf("%d!%s", a.WorksheetID, a.A1())
}

// Cell represents a spreadsheet cell with its data and metadata
type Cell struct {
	Address CellAddress
	Kind    CellKind
	Value   Primitive // displayed value; the first output element for code cells

	// code cells only
	Source          string
	FormattedSource string
	Stdout          string
	Volatile        bool

	// Origin is the code cell that produced this value. set on computed-spill
	// cells and on a code cell whose output spilled.
	Origin CellAddress

	// Spill is the rectangle written by a code cell's last execution,
	// including the cell itself. nil when the output was a single value.
	Spill *RangeAddress

	// Blocked is the rectangle a code cell's output could not be written
	// into. set while the cell shows #SPILL! because of it.
	Blocked *RangeAddress

	LastModified time.Time
}

// IsBlank reports whether the cell holds nothing at all.
func (c *Cell) IsBlank() bool {
	return c == nil || (c.Kind == CellKindPlain && c.Value == nil)
}

// Clone returns a copy that shares no mutable state with c.
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Spill != nil {
		spill := *c.Spill
		clone.Spill = &spill
	}
	if c.Blocked != nil {
		blocked := *c.Blocked
		clone.Blocked = &blocked
	}
	return &clone
}

// normalizeValue converts Go numeric types into the float64 representation
// used for every stored number
func normalizeValue(value Primitive) (Primitive, error) {
	switch v := value.(type) {
	case nil, string, bool, float64, *SpreadsheetError:
		return v, nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case float32:
		return float64(v), nil
	default:
		return nil, NewApplicationError(InvalidArgument, fmt.Sprintf("unsupported cell value type %T", value))
	}
}
