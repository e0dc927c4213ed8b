package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenTypes(tokens []Token) []TokenType {
	types := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.Type
	}
	return types
}

func TestLexerReferences(t *testing.T) {
	tokens, err := NewLexer(`=SUM($A$1:B2, 'It''s here'!C3, Data!d4)`).Tokenize()
	require.NoError(t, err)

	assert.Equal(t, []TokenType{
		TokenEquals, TokenFunction, TokenLeftParen,
		TokenReference, TokenComma,
		TokenReference, TokenComma,
		TokenReference, TokenRightParen, TokenEOF,
	}, tokenTypes(tokens))

	assert.Equal(t, "SUM", tokens[1].Value)
	assert.Equal(t, "$A$1:B2", tokens[3].Value)
	assert.Equal(t, "", tokens[3].Sheet)
	assert.Equal(t, "C3", tokens[5].Value)
	assert.Equal(t, "It's here", tokens[5].Sheet)
	assert.Equal(t, "d4", tokens[7].Value)
	assert.Equal(t, "Data", tokens[7].Sheet)
}

func TestLexerOperators(t *testing.T) {
	tokens, err := NewLexer(`=-A1<>+2%&"x"""`).Tokenize()
	require.NoError(t, err)

	assert.Equal(t, []TokenType{
		TokenEquals, TokenPrefixOp, TokenReference, TokenBinaryOp,
		TokenPrefixOp, TokenNumber, TokenPostfixOp, TokenBinaryOp, TokenString, TokenEOF,
	}, tokenTypes(tokens))
	assert.Equal(t, "<>", tokens[3].Value)
	assert.Equal(t, `x"`, tokens[8].Value)
}

func TestLexerLeadingEqualsIsOptional(t *testing.T) {
	tokens, err := NewLexer(`A1=1`).Tokenize()
	require.NoError(t, err)
	assert.Equal(t, []TokenType{TokenReference, TokenBinaryOp, TokenNumber, TokenEOF}, tokenTypes(tokens))
}

func TestLexerFunctionNamesThatLookLikeCells(t *testing.T) {
	tokens, err := NewLexer(`=LOG10(1)`).Tokenize()
	require.NoError(t, err)
	assert.Equal(t, TokenFunction, tokens[1].Type)
	assert.Equal(t, "LOG10", tokens[1].Value)
}

func TestLexerNumbersAndLiterals(t *testing.T) {
	tokens, err := NewLexer(`=1.5e3+.25+TRUE+#DIV/0!+#N/A+rate`).Tokenize()
	require.NoError(t, err)

	assert.Equal(t, "1.5e3", tokens[1].Value)
	assert.Equal(t, ".25", tokens[3].Value)
	assert.Equal(t, TokenBoolean, tokens[5].Type)
	assert.Equal(t, TokenErrorLiteral, tokens[7].Type)
	assert.Equal(t, "#DIV/0!", tokens[7].Value)
	assert.Equal(t, "#N/A", tokens[9].Value)
	assert.Equal(t, TokenName, tokens[11].Type)
}

func TestLexerInvalidFormulas(t *testing.T) {
	invalid := []string{
		"=",
		"=1+",
		"=(1",
		"=1)",
		`="hello`,
		"=A1 B1",
		"=SUM(",
		"='Sheet1A1",
		"=A1:",
		"=1 @ 2",
	}
	for _, formula := range invalid {
		t.Run(formula, func(t *testing.T) {
			_, err := NewLexer(formula).Tokenize()
			var syntaxErr *SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestIsCellRef(t *testing.T) {
	assert.True(t, isCellRef("A1"))
	assert.True(t, isCellRef("$XFD$1048576"))
	assert.True(t, isCellRef("b$12"))
	assert.False(t, isCellRef("A0"))
	assert.False(t, isCellRef("ABCD1"))
	assert.False(t, isCellRef("A"))
	assert.False(t, isCellRef("1A"))
}
