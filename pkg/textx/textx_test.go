package textx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ctroy978/nighteval/pkg/textx"
)

func TestSanitizeText_StripsControls(t *testing.T) {
	t.Parallel()
	in := "hello\x00world\x07 \n\ttab ok\x7f"
	out := textx.SanitizeText(in)
	assert.Equal(t, "helloworld \n\ttab ok", out)
}

func TestTrimWords(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "one two three", textx.TrimWords("  one   two three  ", 10))
	assert.Equal(t, "one two", textx.TrimWords("one two three", 2))
	assert.Equal(t, "", textx.TrimWords("", 5))
}

func TestTrimLines(t *testing.T) {
	t.Parallel()
	in := "first\n\n  second  \nthird\nfourth"
	assert.Equal(t, "first\nsecond\nthird", textx.TrimLines(in, 3))
	assert.Equal(t, "first\nsecond\nthird\nfourth", textx.TrimLines(in, -1))
}

func TestWrapText(t *testing.T) {
	t.Parallel()
	out := textx.WrapText("alpha beta gamma delta", 11)
	assert.Equal(t, "alpha beta\ngamma delta", out)

	// words longer than the width stay intact
	out = textx.WrapText("supercalifragilistic ok", 5)
	assert.Equal(t, "supercalifragilistic\nok", out)
}
