package formula

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

type NodePosition struct {
	Start int
	End   int
}

// ASTNode is one node of a parsed formula. Eval reports cell-level errors
// as *spreadsheet.SpreadsheetError, either returned or as the value.
type ASTNode interface {
	Eval(ec *EvalContext) (Primitive, error)
	GetPosition() NodePosition
	ToString() string
}

// EvalContext is what a formula sees while it evaluates.
type EvalContext struct {
	ctx       context.Context
	reader    spreadsheet.RangeReader
	cell      spreadsheet.CellAddress
	functions *BuiltInFunctions
}

func NewEvalContext(ctx context.Context, reader spreadsheet.RangeReader, cell spreadsheet.CellAddress, functions *BuiltInFunctions) *EvalContext {
	return &EvalContext{ctx: ctx, reader: reader, cell: cell, functions: functions}
}

// WorksheetResolver resolves worksheet names at parse time.
type WorksheetResolver interface {
	WorksheetID(name string) (uint32, bool)
}

// ParserContext provides the worksheet a formula lives on, for
// unqualified references.
type ParserContext struct {
	CurrentWorksheetID uint32
	Worksheets         WorksheetResolver
}

// ParseError is a formula that could not be parsed or names a worksheet
// that does not exist.
type ParseError struct {
	Pos     int
	Code    spreadsheet.ErrorCode
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// StringNode represents a string literal
type StringNode struct {
	Value    string
	Position NodePosition
}

func (n *StringNode) Eval(*EvalContext) (Primitive, error) { return n.Value, nil }
func (n *StringNode) GetPosition() NodePosition           { return n.Position }
func (n *StringNode) ToString() string {
	return `"` + strings.ReplaceAll(n.Value, `"`, `""`) + `"`
}

// NumberNode represents a numeric literal
type NumberNode struct {
	Value    float64
	Position NodePosition
}

func (n *NumberNode) Eval(*EvalContext) (Primitive, error) { return n.Value, nil }
func (n *NumberNode) GetPosition() NodePosition           { return n.Position }
func (n *NumberNode) ToString() string                    { return toString(n.Value) }

// BooleanNode represents a boolean literal
type BooleanNode struct {
	Value    bool
	Position NodePosition
}

func (n *BooleanNode) Eval(*EvalContext) (Primitive, error) { return n.Value, nil }
func (n *BooleanNode) GetPosition() NodePosition           { return n.Position }
func (n *BooleanNode) ToString() string                    { return toString(n.Value) }

// ErrorNode is an error literal such as #N/A
type ErrorNode struct {
	Code     spreadsheet.ErrorCode
	Position NodePosition
}

func (n *ErrorNode) Eval(*EvalContext) (Primitive, error) {
	return spreadsheet.NewSpreadsheetError(n.Code, ""), nil
}
func (n *ErrorNode) GetPosition() NodePosition { return n.Position }
func (n *ErrorNode) ToString() string          { return spreadsheet.ErrorMapper[n.Code] }

// cellPart is one corner of a reference as written.
type cellPart struct {
	Row, Column    uint32
	AbsRow, AbsCol bool
}

func (c cellPart) String() string {
	var sb strings.Builder
	if c.AbsCol {
		sb.WriteByte('$')
	}
	sb.WriteString(spreadsheet.ColumnName(c.Column))
	if c.AbsRow {
		sb.WriteByte('$')
	}
	sb.WriteString(strconv.FormatUint(uint64(c.Row)+1, 10))
	return sb.String()
}

func sheetPrefix(sheet string) string {
	if sheet == "" {
		return ""
	}
	return spreadsheet.QuoteSheetName(sheet) + "!"
}

// CellRefNode represents a reference to one cell
type CellRefNode struct {
	Sheet       string // as written, empty when unqualified
	WorksheetID uint32
	Cell        cellPart
	Position    NodePosition
}

// Address returns the referenced cell.
func (n *CellRefNode) Address() spreadsheet.CellAddress {
	return spreadsheet.CellAddress{WorksheetID: n.WorksheetID, Row: n.Cell.Row, Column: n.Cell.Column}
}

func (n *CellRefNode) Eval(ec *EvalContext) (Primitive, error) {
	value, err := ec.reader.ReadCell(n.Address())
	if err != nil {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeRef, err.Error())
	}
	return value, nil
}

func (n *CellRefNode) GetPosition() NodePosition { return n.Position }
func (n *CellRefNode) ToString() string {
	return sheetPrefix(n.Sheet) + n.Cell.String()
}

// RangeNode represents a rectangular range of cells
type RangeNode struct {
	Sheet       string
	WorksheetID uint32
	From, To    cellPart
	Position    NodePosition
}

// Range returns the referenced range with its corners normalized.
func (n *RangeNode) Range() spreadsheet.RangeAddress {
	return spreadsheet.NewRangeAddress(n.WorksheetID, n.From.Row, n.From.Column, n.To.Row, n.To.Column)
}

func (n *RangeNode) Eval(ec *EvalContext) (Primitive, error) {
	if err := ec.ctx.Err(); err != nil {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeOther, err.Error())
	}
	values, err := ec.reader.Read(n.Range())
	if err != nil {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeRef, err.Error())
	}
	return NewArray(values), nil
}

func (n *RangeNode) GetPosition() NodePosition { return n.Position }
func (n *RangeNode) ToString() string {
	return sheetPrefix(n.Sheet) + n.From.String() + ":" + n.To.String()
}

// NameNode is an identifier that is neither a function nor a reference.
// named ranges are not supported, so it evaluates to #NAME?.
type NameNode struct {
	Name     string
	Position NodePosition
}

func (n *NameNode) Eval(*EvalContext) (Primitive, error) {
	return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeName, fmt.Sprintf("unknown name %s", n.Name))
}
func (n *NameNode) GetPosition() NodePosition { return n.Position }
func (n *NameNode) ToString() string          { return n.Name }

type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

var binaryOpText = map[BinaryOp]string{
	BinOpAdd:          "+",
	BinOpSubtract:     "-",
	BinOpMultiply:     "*",
	BinOpDivide:       "/",
	BinOpPower:        "^",
	BinOpConcat:       "&",
	BinOpEqual:        "=",
	BinOpNotEqual:     "<>",
	BinOpLess:         "<",
	BinOpLessEqual:    "<=",
	BinOpGreater:      ">",
	BinOpGreaterEqual: ">=",
}

// BinaryOpNode represents a binary operation. Range operands are applied
// element-wise.
type BinaryOpNode struct {
	Op       BinaryOp
	Left     ASTNode
	Right    ASTNode
	Position NodePosition
}

func (n *BinaryOpNode) Eval(ec *EvalContext) (Primitive, error) {
	left := asValue(n.Left.Eval(ec))
	right := asValue(n.Right.Eval(ec))
	return broadcast2(left, right, n.apply), nil
}

func (n *BinaryOpNode) apply(left, right Primitive) Primitive {
	// propagate errors
	if err := checkForError(left); err != nil {
		return err
	}
	if err := checkForError(right); err != nil {
		return err
	}

	switch n.Op {
	case BinOpConcat:
		return toString(left) + toString(right)
	case BinOpEqual:
		return comparePrimitives(left, right) == 0
	case BinOpNotEqual:
		return comparePrimitives(left, right) != 0
	case BinOpLess:
		return comparePrimitives(left, right) < 0
	case BinOpLessEqual:
		return comparePrimitives(left, right) <= 0
	case BinOpGreater:
		return comparePrimitives(left, right) > 0
	case BinOpGreaterEqual:
		return comparePrimitives(left, right) >= 0
	}

	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeValue, fmt.Sprintf("%s requires numeric values", binaryOpText[n.Op]))
	}
	switch n.Op {
	case BinOpAdd:
		return l + r
	case BinOpSubtract:
		return l - r
	case BinOpMultiply:
		return l * r
	case BinOpDivide:
		if r == 0 {
			return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeDiv0, "division by zero")
		}
		return l / r
	case BinOpPower:
		return finite(math.Pow(l, r))
	default:
		return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeValue, "unknown operator")
	}
}

func (n *BinaryOpNode) GetPosition() NodePosition { return n.Position }
func (n *BinaryOpNode) ToString() string {
	return n.Left.ToString() + binaryOpText[n.Op] + n.Right.ToString()
}

type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// UnaryOpNode represents a unary operation
type UnaryOpNode struct {
	Op       UnaryOp
	Operand  ASTNode
	Position NodePosition
}

func (n *UnaryOpNode) Eval(ec *EvalContext) (Primitive, error) {
	val := asValue(n.Operand.Eval(ec))
	return broadcast1(val, n.apply), nil
}

func (n *UnaryOpNode) apply(val Primitive) Primitive {
	if err := checkForError(val); err != nil {
		return err
	}
	num, ok := toNumber(val)
	if !ok {
		return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeValue, "unary operator requires a numeric value")
	}
	switch n.Op {
	case UnaryOpMinus:
		return -num
	case UnaryOpPercent:
		return num / 100
	default:
		return num
	}
}

func (n *UnaryOpNode) GetPosition() NodePosition { return n.Position }
func (n *UnaryOpNode) ToString() string {
	switch n.Op {
	case UnaryOpMinus:
		return "-" + n.Operand.ToString()
	case UnaryOpPercent:
		return n.Operand.ToString() + "%"
	default:
		return "+" + n.Operand.ToString()
	}
}

// ParenNode keeps explicit grouping so ToString round-trips.
type ParenNode struct {
	Inner    ASTNode
	Position NodePosition
}

func (n *ParenNode) Eval(ec *EvalContext) (Primitive, error) { return n.Inner.Eval(ec) }
func (n *ParenNode) GetPosition() NodePosition              { return n.Position }
func (n *ParenNode) ToString() string                       { return "(" + n.Inner.ToString() + ")" }

// FunctionCallNode represents a function call
type FunctionCallNode struct {
	Name     string
	Args     []ASTNode
	Position NodePosition
}

func (n *FunctionCallNode) Eval(ec *EvalContext) (Primitive, error) {
	if err := ec.ctx.Err(); err != nil {
		return nil, spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeOther, err.Error())
	}
	// functions decide how to handle error arguments
	args := make([]Primitive, len(n.Args))
	for i, argNode := range n.Args {
		args[i] = asValue(argNode.Eval(ec))
	}
	return ec.functions.Call(n.Name, args...)
}

func (n *FunctionCallNode) GetPosition() NodePosition { return n.Position }
func (n *FunctionCallNode) ToString() string {
	args := make([]string, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.ToString()
	}
	return n.Name + "(" + strings.Join(args, ",") + ")"
}

// broadcast1 applies fn to v, element-wise when v is a range.
func broadcast1(v Primitive, fn func(Primitive) Primitive) Primitive {
	r, ok := v.(Range)
	if !ok {
		return fn(v)
	}
	rows, cols := r.Dimensions()
	out := make([][]Primitive, rows)
	for i := range out {
		out[i] = make([]Primitive, cols)
		for j := range out[i] {
			out[i][j] = fn(r.At(i, j))
		}
	}
	return NewArray(out)
}

// broadcast2 applies fn pairwise. A single row or column is stretched
// across the other operand; positions covered by neither are #N/A.
func broadcast2(left, right Primitive, fn func(l, r Primitive) Primitive) Primitive {
	lr, lok := left.(Range)
	rr, rok := right.(Range)
	if !lok && !rok {
		return fn(left, right)
	}
	dims := func(v Primitive) (int, int) {
		if r, ok := v.(Range); ok {
			return r.Dimensions()
		}
		return 1, 1
	}
	lrows, lcols := dims(left)
	rrows, rcols := dims(right)
	rows, cols := max(lrows, rrows), max(lcols, rcols)

	at := func(v Primitive, r Range, isRange bool, vr, vc, i, j int) (Primitive, bool) {
		if !isRange {
			return v, true
		}
		if vr == 1 {
			i = 0
		}
		if vc == 1 {
			j = 0
		}
		if i >= vr || j >= vc {
			return nil, false
		}
		return r.At(i, j), true
	}

	out := make([][]Primitive, rows)
	for i := range out {
		out[i] = make([]Primitive, cols)
		for j := range out[i] {
			l, okL := at(left, lr, lok, lrows, lcols, i, j)
			r, okR := at(right, rr, rok, rrows, rcols, i, j)
			if !okL || !okR {
				out[i][j] = spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeNA, "")
				continue
			}
			out[i][j] = fn(l, r)
		}
	}
	return NewArray(out)
}

// Parser parses tokens into an AST
type Parser struct {
	tokens  []Token
	pos     int
	context *ParserContext
}

// Parse lexes and parses source. Errors are always *ParseError.
func Parse(source string, context *ParserContext) (ASTNode, error) {
	tokens, err := NewLexer(source).Tokenize()
	if err != nil {
		var syntaxErr *SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, &ParseError{Pos: syntaxErr.Pos, Code: spreadsheet.ErrorCodeOther, Message: syntaxErr.Error()}
		}
		return nil, &ParseError{Code: spreadsheet.ErrorCodeOther, Message: err.Error()}
	}
	return NewParser(tokens, context).Parse()
}

// NewParser creates a new parser with the given tokens and context
func NewParser(tokens []Token, context *ParserContext) *Parser {
	if context == nil {
		context = &ParserContext{}
	}
	return &Parser{tokens: tokens, context: context}
}

func (p *Parser) Parse() (ASTNode, error) {
	if p.peek().Type == TokenEquals {
		p.pos++
	}
	if p.peek().Type == TokenEOF {
		return nil, p.errorf(p.peek().Pos, "empty formula")
	}
	node, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, p.errorf(tok.Pos, "unexpected %s %q after expression", tok.Type, tok.Value)
	}
	return node, nil
}

func (p *Parser) peek() Token {
	if p.pos >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) errorf(pos int, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Code: spreadsheet.ErrorCodeOther, Message: fmt.Sprintf(format, args...)}
}

// binary builds a left-associative level of the grammar
func (p *Parser) binary(next func() (ASTNode, error), ops map[string]BinaryOp) (ASTNode, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.Type != TokenBinaryOp {
			return left, nil
		}
		op, ok := ops[tok.Value]
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &BinaryOpNode{
			Op:       op,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}
	}
}

var (
	comparisonOps = map[string]BinaryOp{
		"=": BinOpEqual, "<>": BinOpNotEqual, "<": BinOpLess,
		"<=": BinOpLessEqual, ">": BinOpGreater, ">=": BinOpGreaterEqual,
	}
	concatOps         = map[string]BinaryOp{"&": BinOpConcat}
	additionOps       = map[string]BinaryOp{"+": BinOpAdd, "-": BinOpSubtract}
	multiplicationOps = map[string]BinaryOp{"*": BinOpMultiply, "/": BinOpDivide}
)

// parseComparison handles comparison operators (lowest precedence)
func (p *Parser) parseComparison() (ASTNode, error) {
	return p.binary(p.parseConcatenation, comparisonOps)
}

func (p *Parser) parseConcatenation() (ASTNode, error) {
	return p.binary(p.parseAddition, concatOps)
}

func (p *Parser) parseAddition() (ASTNode, error) {
	return p.binary(p.parseMultiplication, additionOps)
}

func (p *Parser) parseMultiplication() (ASTNode, error) {
	return p.binary(p.parsePower, multiplicationOps)
}

// parsePower handles exponentiation, right-associative
func (p *Parser) parsePower() (ASTNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Type == TokenBinaryOp && tok.Value == "^" {
		p.pos++
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &BinaryOpNode{
			Op:       BinOpPower,
			Left:     left,
			Right:    right,
			Position: NodePosition{Start: left.GetPosition().Start, End: right.GetPosition().End},
		}, nil
	}
	return left, nil
}

// parseUnary handles sign prefixes, which bind tighter than ^
func (p *Parser) parseUnary() (ASTNode, error) {
	tok := p.peek()
	if tok.Type != TokenPrefixOp {
		return p.parsePostfix()
	}
	p.pos++
	operand, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	op := UnaryOpPlus
	if tok.Value == "-" {
		op = UnaryOpMinus
	}
	return &UnaryOpNode{
		Op:       op,
		Operand:  operand,
		Position: NodePosition{Start: tok.Pos, End: operand.GetPosition().End},
	}, nil
}

// parsePostfix handles postfix percent
func (p *Parser) parsePostfix() (ASTNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenPostfixOp {
		tok := p.peek()
		p.pos++
		node = &UnaryOpNode{
			Op:       UnaryOpPercent,
			Operand:  node,
			Position: NodePosition{Start: node.GetPosition().Start, End: tok.Pos + 1},
		}
	}
	return node, nil
}

// parsePrimary handles literals, references, functions and parentheses
func (p *Parser) parsePrimary() (ASTNode, error) {
	tok := p.peek()
	span := NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value))}

	switch tok.Type {
	case TokenNumber:
		p.pos++
		val, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, p.errorf(tok.Pos, "invalid number %s", tok.Value)
		}
		return &NumberNode{Value: val, Position: span}, nil

	case TokenString:
		p.pos++
		return &StringNode{Value: tok.Value, Position: span}, nil

	case TokenBoolean:
		p.pos++
		return &BooleanNode{Value: tok.Value == "TRUE", Position: span}, nil

	case TokenErrorLiteral:
		p.pos++
		code, ok := spreadsheet.ParseErrorCode(tok.Value)
		if !ok {
			return nil, p.errorf(tok.Pos, "unknown error value %s", tok.Value)
		}
		return &ErrorNode{Code: code, Position: span}, nil

	case TokenReference:
		p.pos++
		return p.parseReference(tok)

	case TokenName:
		p.pos++
		return &NameNode{Name: tok.Value, Position: span}, nil

	case TokenFunction:
		return p.parseFunctionCall()

	case TokenLeftParen:
		p.pos++
		inner, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		closing := p.peek()
		if closing.Type != TokenRightParen {
			return nil, p.errorf(closing.Pos, "expected closing parenthesis")
		}
		p.pos++
		return &ParenNode{Inner: inner, Position: NodePosition{Start: tok.Pos, End: closing.Pos + 1}}, nil

	default:
		return nil, p.errorf(tok.Pos, "unexpected %s", tok.Type)
	}
}

// parseFunctionCall parses NAME(arg, ...)
func (p *Parser) parseFunctionCall() (ASTNode, error) {
	funcTok := p.peek()
	p.pos++
	if p.peek().Type != TokenLeftParen {
		return nil, p.errorf(funcTok.Pos, "expected '(' after %s", funcTok.Value)
	}
	p.pos++

	var args []ASTNode
	if p.peek().Type == TokenRightParen {
		closing := p.peek()
		p.pos++
		return &FunctionCallNode{Name: funcTok.Value, Position: NodePosition{Start: funcTok.Pos, End: closing.Pos + 1}}, nil
	}
	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		tok := p.peek()
		switch tok.Type {
		case TokenRightParen:
			p.pos++
			return &FunctionCallNode{
				Name:     funcTok.Value,
				Args:     args,
				Position: NodePosition{Start: funcTok.Pos, End: tok.Pos + 1},
			}, nil
		case TokenComma:
			p.pos++
		default:
			return nil, p.errorf(tok.Pos, "expected ',' or ')' in arguments of %s", funcTok.Value)
		}
	}
}

// parseReference resolves the worksheet of a reference token and builds a
// cell or range node.
func (p *Parser) parseReference(tok Token) (ASTNode, error) {
	span := NodePosition{Start: tok.Pos, End: tok.Pos + len([]rune(tok.Value))}
	worksheetID := p.context.CurrentWorksheetID
	if tok.Sheet != "" {
		if p.context.Worksheets == nil {
			return nil, &ParseError{Pos: tok.Pos, Code: spreadsheet.ErrorCodeRef, Message: fmt.Sprintf("unknown worksheet %s", tok.Sheet)}
		}
		id, ok := p.context.Worksheets.WorksheetID(tok.Sheet)
		if !ok {
			return nil, &ParseError{Pos: tok.Pos, Code: spreadsheet.ErrorCodeRef, Message: fmt.Sprintf("unknown worksheet %s", tok.Sheet)}
		}
		worksheetID = id
	}

	first, second, isRange := strings.Cut(tok.Value, ":")
	from, err := parseCellPart(first)
	if err != nil {
		return nil, p.errorf(tok.Pos, "%v", err)
	}
	if !isRange {
		return &CellRefNode{Sheet: tok.Sheet, WorksheetID: worksheetID, Cell: from, Position: span}, nil
	}
	to, err := parseCellPart(second)
	if err != nil {
		return nil, p.errorf(tok.Pos, "%v", err)
	}
	return &RangeNode{Sheet: tok.Sheet, WorksheetID: worksheetID, From: from, To: to, Position: span}, nil
}

func parseCellPart(ref string) (cellPart, error) {
	row, col, err := spreadsheet.ParseA1(ref)
	if err != nil {
		return cellPart{}, err
	}
	part := cellPart{Row: row, Column: col}
	part.AbsCol = strings.HasPrefix(ref, "$")
	part.AbsRow = strings.Contains(strings.TrimPrefix(ref, "$"), "$")
	return part, nil
}
