package formula

import (
	"context"
	"errors"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// Runner evaluates formula cells. It implements spreadsheet.Runner and
// keeps no state between executions.
type Runner struct {
	functions *BuiltInFunctions
}

type Option func(*Runner)

// WithClock sets the time source of NOW and TODAY.
func WithClock(clock Clock) Option {
	return func(r *Runner) { r.functions.clock = clock }
}

// WithRandom sets the generator behind RAND.
func WithRandom(rng RandomGenerator) Option {
	return func(r *Runner) { r.functions.rng = rng }
}

func NewRunner(opts ...Option) *Runner {
	r := &Runner{functions: NewDefaultBuiltInFunctions()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute parses and evaluates req.Source. Reads go through req.Reader so
// they are recorded as dependencies of req.Cell.
func (r *Runner) Execute(ctx context.Context, req *spreadsheet.ExecutionRequest) spreadsheet.ExecutionResult {
	node, err := Parse(req.Source, &ParserContext{
		CurrentWorksheetID: req.Cell.WorksheetID,
		Worksheets:         req.Reader,
	})
	if err != nil {
		failure := &spreadsheet.Failure{Code: spreadsheet.ErrorCodeOther, Message: err.Error(), Parse: true}
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			failure.Code = parseErr.Code
		}
		return failure
	}

	value := asValue(node.Eval(NewEvalContext(ctx, req.Reader, req.Cell, r.functions)))
	if err := ctx.Err(); err != nil {
		return &spreadsheet.Failure{Code: spreadsheet.ErrorCodeOther, Message: err.Error()}
	}

	result := &spreadsheet.Success{
		FormattedSource: "=" + node.ToString(),
		Volatile:        IsVolatile(node),
	}
	switch v := value.(type) {
	case *Array:
		rows, cols := v.Dimensions()
		switch {
		case rows == 1 && cols == 1:
			result.Value = displayValue(v.At(0, 0))
		case rows == 0 || cols == 0:
			result.Value = displayValue(nil)
		default:
			result.Array = v.Matrix()
		}
	default:
		result.Value = displayValue(v)
	}
	return result
}

// displayValue shows a blank result as 0, the way a reference to an empty
// cell does.
func displayValue(v Primitive) Primitive {
	if v == nil {
		return 0.0
	}
	return v
}

// IsVolatile reports whether node calls a function whose result changes
// on every evaluation.
func IsVolatile(node ASTNode) bool {
	switch n := node.(type) {
	case *FunctionCallNode:
		if isVolatileFunction(n.Name) {
			return true
		}
		for _, arg := range n.Args {
			if IsVolatile(arg) {
				return true
			}
		}
	case *BinaryOpNode:
		return IsVolatile(n.Left) || IsVolatile(n.Right)
	case *UnaryOpNode:
		return IsVolatile(n.Operand)
	case *ParenNode:
		return IsVolatile(n.Inner)
	}
	return false
}
