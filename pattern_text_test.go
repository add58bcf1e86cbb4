package pulsetester

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePatternText(t *testing.T) {
	samples, err := ParsePatternText("1000 1\n\n  2000\t0  \n1e3 1\n")
	assert.NoError(t, err)
	assert.Equal(t, []Sample{{1000, 1}, {2000, 0}, {1000, 1}}, samples)

	samples, err = ParsePatternText("100.9 -0.25")
	assert.NoError(t, err)
	assert.Equal(t, []Sample{{100, -0.25}}, samples)

	samples, err = ParsePatternText("\n \n")
	assert.NoError(t, err)
	assert.Empty(t, samples)
	_, err = ValidatePattern(samples, Digital)
	assert.Error(t, err, "empty text should not validate")
}

func TestParsePatternTextErrors(t *testing.T) {
	tests := []struct {
		text string
		line int
	}{
		{"1000 1\nabc 0", 2},
		{"1000", 1},
		{"1000 1\n\n10 1 2", 3},
		{"10 high", 1},
		{"NaN 1", 1},
	}
	for _, test := range tests {
		_, err := ParsePatternText(test.text)
		var serr *PatternSyntaxError
		if !errors.As(err, &serr) {
			t.Errorf("ParsePatternText(%q) error %v, want *PatternSyntaxError", test.text, err)
			continue
		}
		if serr.Line != test.line {
			t.Errorf("ParsePatternText(%q) reported line %d, want %d", test.text, serr.Line, test.line)
		}
	}
}

func TestFormatPatternText(t *testing.T) {
	samples := []Sample{{1000, 0.5}, {250, -0.125}, {7, 1}}
	text := FormatPatternText(samples)
	assert.Equal(t, "1000 0.5\n250 -0.125\n7 1\n", text)
	back, err := ParsePatternText(text)
	assert.NoError(t, err)
	assert.Equal(t, samples, back)
}
