package formula

import (
	"fmt"
	"strings"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenEquals
	TokenNumber
	TokenString
	TokenBoolean
	TokenErrorLiteral
	TokenReference // cell or range, optionally sheet-qualified
	TokenName      // bare identifier that is not a cell or function
	TokenFunction
	TokenPrefixOp
	TokenPostfixOp
	TokenBinaryOp
	TokenComma
	TokenLeftParen
	TokenRightParen
)

func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "end of formula"
	case TokenEquals:
		return "'='"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenBoolean:
		return "boolean"
	case TokenErrorLiteral:
		return "error value"
	case TokenReference:
		return "reference"
	case TokenName:
		return "name"
	case TokenFunction:
		return "function"
	case TokenPrefixOp, TokenPostfixOp, TokenBinaryOp:
		return "operator"
	case TokenComma:
		return "','"
	case TokenLeftParen:
		return "'('"
	case TokenRightParen:
		return "')'"
	default:
		return fmt.Sprintf("TokenType(%d)", t)
	}
}

// Token represents a lexical token with position information
type Token struct {
	Type  TokenType
	Value string
	Sheet string // worksheet prefix of a reference, unquoted
	Pos   int    // rune offset in the input
}

// TokenState represents the lexer state for validation
type TokenState int

const (
	StateStart TokenState = iota
	StateAfterEquals
	StateAfterValue
	StateAfterOperator
	StateAfterLeftParen
	StateAfterRightParen
	StateAfterComma
	StateAfterFunction
)

var valueTokens = map[TokenType]bool{
	TokenNumber:       true,
	TokenString:       true,
	TokenBoolean:      true,
	TokenErrorLiteral: true,
	TokenReference:    true,
	TokenName:         true,
	TokenFunction:     true,
	TokenLeftParen:    true,
	TokenPrefixOp:     true,
}

func withTokens(base map[TokenType]bool, extra ...TokenType) map[TokenType]bool {
	out := make(map[TokenType]bool, len(base)+len(extra))
	for t := range base {
		out[t] = true
	}
	for _, t := range extra {
		out[t] = true
	}
	return out
}

// tokenTransitions maps the current state to valid next token types
var tokenTransitions = map[TokenState]map[TokenType]bool{
	StateStart:         withTokens(valueTokens, TokenEquals),
	StateAfterEquals:   valueTokens,
	StateAfterOperator: valueTokens,
	StateAfterComma:    valueTokens,
	// empty parens for arg-less functions like PI()
	StateAfterLeftParen: withTokens(valueTokens, TokenRightParen),
	StateAfterValue: {
		TokenBinaryOp:   true,
		TokenPostfixOp:  true,
		TokenRightParen: true,
		TokenComma:      true,
		TokenEOF:        true,
	},
	StateAfterRightParen: {
		TokenBinaryOp:   true,
		TokenPostfixOp:  true,
		TokenRightParen: true,
		TokenComma:      true,
		TokenEOF:        true,
	},
	StateAfterFunction: {
		TokenLeftParen: true,
	},
}

// SyntaxError reports a malformed formula.
type SyntaxError struct {
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Message)
}

// Lexer tokenizes spreadsheet formula expressions
type Lexer struct {
	runes      []rune
	pos        int
	state      TokenState
	parenDepth int
	tokens     []Token
}

// NewLexer creates a lexer. The leading '=' is optional.
func NewLexer(input string) *Lexer {
	return &Lexer{runes: []rune(input)}
}

// Tokenize tokenizes the entire input. The last token is always TokenEOF.
func (l *Lexer) Tokenize() ([]Token, error) {
	for {
		l.skipWhitespace()
		if l.pos >= len(l.runes) {
			break
		}
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		if !tokenTransitions[l.state][tok.Type] {
			return nil, &SyntaxError{Pos: tok.Pos, Message: fmt.Sprintf("unexpected %s %q", tok.Type, tok.Value)}
		}
		l.tokens = append(l.tokens, tok)
		l.updateState(tok.Type)
	}

	if l.parenDepth > 0 {
		return nil, &SyntaxError{Pos: l.pos, Message: "missing closing parenthesis"}
	}
	if !tokenTransitions[l.state][TokenEOF] {
		return nil, &SyntaxError{Pos: l.pos, Message: "unexpected end of formula"}
	}
	l.tokens = append(l.tokens, Token{Type: TokenEOF, Pos: l.pos})
	return l.tokens, nil
}

// updateState updates the lexer state based on the token type
func (l *Lexer) updateState(tokenType TokenType) {
	switch tokenType {
	case TokenEquals:
		l.state = StateAfterEquals
	case TokenNumber, TokenString, TokenBoolean, TokenErrorLiteral, TokenReference, TokenName:
		l.state = StateAfterValue
	case TokenPrefixOp, TokenBinaryOp:
		l.state = StateAfterOperator
	case TokenPostfixOp:
		// postfix operators leave the state alone
	case TokenLeftParen:
		l.state = StateAfterLeftParen
	case TokenRightParen:
		l.state = StateAfterRightParen
	case TokenComma:
		l.state = StateAfterComma
	case TokenFunction:
		l.state = StateAfterFunction
	}
}

func (l *Lexer) nextToken() (Token, error) {
	start := l.pos
	ch := l.current()

	switch {
	case ch == '"':
		return l.scanString()
	case ch == '\'':
		return l.scanQuotedReference()
	case ch == '#':
		return l.scanErrorLiteral()
	case isDigit(ch) || (ch == '.' && isDigit(l.peek(1))):
		return l.scanNumber(), nil
	case ch == '$' || isAlpha(ch) || ch == '_':
		return l.scanIdentifier()
	}

	l.pos++
	switch ch {
	case '=':
		if l.state == StateStart {
			return Token{Type: TokenEquals, Value: "=", Pos: start}, nil
		}
		return Token{Type: TokenBinaryOp, Value: "=", Pos: start}, nil
	case '(':
		l.parenDepth++
		return Token{Type: TokenLeftParen, Value: "(", Pos: start}, nil
	case ')':
		l.parenDepth--
		if l.parenDepth < 0 {
			return Token{}, &SyntaxError{Pos: start, Message: "unexpected closing parenthesis"}
		}
		return Token{Type: TokenRightParen, Value: ")", Pos: start}, nil
	case ',':
		return Token{Type: TokenComma, Value: ",", Pos: start}, nil
	case '%':
		return Token{Type: TokenPostfixOp, Value: "%", Pos: start}, nil
	case '+', '-':
		if l.isUnaryContext() {
			return Token{Type: TokenPrefixOp, Value: string(ch), Pos: start}, nil
		}
		return Token{Type: TokenBinaryOp, Value: string(ch), Pos: start}, nil
	case '*', '/', '^', '&':
		return Token{Type: TokenBinaryOp, Value: string(ch), Pos: start}, nil
	case '<':
		if next := l.current(); next == '=' || next == '>' {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: "<" + string(next), Pos: start}, nil
		}
		return Token{Type: TokenBinaryOp, Value: "<", Pos: start}, nil
	case '>':
		if l.current() == '=' {
			l.pos++
			return Token{Type: TokenBinaryOp, Value: ">=", Pos: start}, nil
		}
		return Token{Type: TokenBinaryOp, Value: ">", Pos: start}, nil
	}
	return Token{}, &SyntaxError{Pos: start, Message: fmt.Sprintf("unexpected character %q", ch)}
}

// isUnaryContext reports whether +/- at this point is a sign
func (l *Lexer) isUnaryContext() bool {
	switch l.state {
	case StateStart, StateAfterEquals, StateAfterOperator, StateAfterLeftParen, StateAfterComma:
		return true
	default:
		return false
	}
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	start := l.pos
	for isDigit(l.current()) {
		l.pos++
	}
	if l.current() == '.' {
		l.pos++
		for isDigit(l.current()) {
			l.pos++
		}
	}
	if c := l.current(); c == 'e' || c == 'E' {
		saved := l.pos
		l.pos++
		if c := l.current(); c == '+' || c == '-' {
			l.pos++
		}
		if !isDigit(l.current()) {
			// not an exponent
			l.pos = saved
		}
		for isDigit(l.current()) {
			l.pos++
		}
	}
	return Token{Type: TokenNumber, Value: string(l.runes[start:l.pos]), Pos: start}
}

// scanString scans a string literal; "" inside it is an escaped quote
func (l *Lexer) scanString() (Token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == '"' {
			if l.peek(1) == '"' {
				sb.WriteRune('"')
				l.pos += 2
				continue
			}
			l.pos++
			return Token{Type: TokenString, Value: sb.String(), Pos: start}, nil
		}
		sb.WriteRune(ch)
		l.pos++
	}
	return Token{}, &SyntaxError{Pos: start, Message: "unclosed string literal"}
}

// scanErrorLiteral scans values like #DIV/0! and #N/A
func (l *Lexer) scanErrorLiteral() (Token, error) {
	start := l.pos
	l.pos++ // '#'
	for {
		ch := l.current()
		if isAlpha(ch) || isDigit(ch) || ch == '/' {
			l.pos++
			continue
		}
		if ch == '!' || ch == '?' {
			l.pos++
		}
		break
	}
	value := strings.ToUpper(string(l.runes[start:l.pos]))
	return Token{Type: TokenErrorLiteral, Value: value, Pos: start}, nil
}

// scanQuotedReference scans 'Sheet name'!A1 with '' as an escaped quote
func (l *Lexer) scanQuotedReference() (Token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.runes) {
			return Token{}, &SyntaxError{Pos: start, Message: "unclosed worksheet name"}
		}
		ch := l.current()
		if ch == '\'' {
			if l.peek(1) == '\'' {
				sb.WriteRune('\'')
				l.pos += 2
				continue
			}
			l.pos++
			break
		}
		sb.WriteRune(ch)
		l.pos++
	}
	if l.current() != '!' {
		return Token{}, &SyntaxError{Pos: l.pos, Message: "expected '!' after worksheet name"}
	}
	l.pos++
	return l.scanCellOrRange(start, sb.String())
}

// scanIdentifier scans functions, booleans, names, cells, ranges and
// unquoted sheet-qualified references
func (l *Lexer) scanIdentifier() (Token, error) {
	start := l.pos
	for isIdentChar(l.current()) {
		l.pos++
	}
	value := string(l.runes[start:l.pos])

	if l.current() == '!' && !strings.Contains(value, "$") {
		l.pos++
		return l.scanCellOrRange(start, value)
	}
	upper := strings.ToUpper(value)
	if l.current() == '(' && !strings.Contains(value, "$") {
		// LOG10( is a call even though LOG10 looks like a cell
		return Token{Type: TokenFunction, Value: upper, Pos: start}, nil
	}
	if isCellRef(value) {
		l.pos = start
		return l.scanCellOrRange(start, "")
	}
	if upper == "TRUE" || upper == "FALSE" {
		return Token{Type: TokenBoolean, Value: upper, Pos: start}, nil
	}
	if strings.Contains(value, "$") {
		return Token{}, &SyntaxError{Pos: start, Message: fmt.Sprintf("invalid reference %q", value)}
	}
	return Token{Type: TokenName, Value: value, Pos: start}, nil
}

// scanCellOrRange scans A1 or A1:B2 at the current position
func (l *Lexer) scanCellOrRange(start int, sheet string) (Token, error) {
	first := l.scanCellPart()
	if !isCellRef(first) {
		return Token{}, &SyntaxError{Pos: start, Message: fmt.Sprintf("invalid cell reference %q", first)}
	}
	value := first
	if l.current() == ':' {
		saved := l.pos
		l.pos++
		second := l.scanCellPart()
		if !isCellRef(second) {
			l.pos = saved
			return Token{}, &SyntaxError{Pos: saved, Message: fmt.Sprintf("invalid range end %q", second)}
		}
		value += ":" + second
	}
	return Token{Type: TokenReference, Value: value, Sheet: sheet, Pos: start}, nil
}

func (l *Lexer) scanCellPart() string {
	start := l.pos
	for c := l.current(); c == '$' || isAlpha(c) || isDigit(c); c = l.current() {
		l.pos++
	}
	return string(l.runes[start:l.pos])
}

func (l *Lexer) skipWhitespace() {
	for {
		switch l.current() {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *Lexer) current() rune {
	return l.peek(0)
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos < 0 || pos >= len(l.runes) {
		return 0
	}
	return l.runes[pos]
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentChar(ch rune) bool {
	return isAlpha(ch) || isDigit(ch) || ch == '_' || ch == '.' || ch == '$'
}

// isCellRef checks for A1, $A1, A$1 and $A$1 with at most three column
// letters
func isCellRef(s string) bool {
	i := 0
	if i < len(s) && s[i] == '$' {
		i++
	}
	letters := 0
	for i < len(s) && isAlpha(rune(s[i])) {
		i++
		letters++
	}
	if letters == 0 || letters > 3 {
		return false
	}
	if i < len(s) && s[i] == '$' {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(rune(s[i])) {
		i++
		digits++
	}
	return digits > 0 && i == len(s) && s[len(s)-digits] != '0'
}
