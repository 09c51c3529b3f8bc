package gvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func collectKinds(t *testing.T, src string) []TokenKind {
	t.Helper()
	lex := NewLexer(src)
	var kinds []TokenKind
	for {
		tok := lex.Next()
		kinds = append(kinds, tok.Kind)
		if tok.Kind == TokEOF {
			break
		}
	}
	return kinds
}

func TestLexerSectionMarkers(t *testing.T) {
	kinds := collectKinds(t, ".data\n.text\n")
	require.Equal(t, []TokenKind{TokSectionData, TokEOL, TokSectionText, TokEOL, TokEOF}, kinds)
}

func TestLexerLabelVsIdent(t *testing.T) {
	lex := NewLexer("main:\njump main\n")
	label := lex.Next()
	require.Equal(t, TokLabel, label.Kind)
	require.Equal(t, "main", label.Text)

	eol := lex.Next()
	require.Equal(t, TokEOL, eol.Kind)

	op := lex.Next()
	require.Equal(t, TokOpcode, op.Kind)
	require.Equal(t, OpJump, op.Op)

	ident := lex.Next()
	require.Equal(t, TokIdent, ident.Kind)
	require.Equal(t, "main", ident.Text)
}

func TestLexerNumericLiterals(t *testing.T) {
	lex := NewLexer("10 -10 3.5 0xFF\n")

	u := lex.Next()
	require.Equal(t, TokUintLit, u.Kind)
	require.EqualValues(t, 10, u.Uint)

	i := lex.Next()
	require.Equal(t, TokIntLit, i.Kind)
	require.EqualValues(t, -10, i.Int)

	f := lex.Next()
	require.Equal(t, TokFloatLit, f.Kind)
	require.InDelta(t, 3.5, f.Float, 0.0001)

	h := lex.Next()
	require.Equal(t, TokUintLit, h.Kind)
	require.EqualValues(t, 0xFF, h.Uint)
}

func TestLexerCharLiteralEscape(t *testing.T) {
	lex := NewLexer(`'\n' 'A'` + "\n")
	nl := lex.Next()
	require.Equal(t, TokCharLit, nl.Kind)
	require.EqualValues(t, '\n', nl.Int)

	a := lex.Next()
	require.Equal(t, TokCharLit, a.Kind)
	require.EqualValues(t, 'A', a.Int)
}

func TestLexerCommentDoesNotConsumeEOL(t *testing.T) {
	kinds := collectKinds(t, "ipush 1 ; a comment\n")
	require.Equal(t, []TokenKind{TokOpcode, TokUintLit, TokEOL, TokEOF}, kinds)
}

func TestLexerIllegalCharacter(t *testing.T) {
	lex := NewLexer("$\n")
	tok := lex.Next()
	require.Equal(t, TokIllegal, tok.Kind)
}
