package pulsetester

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PatternSyntaxError reports a line of pattern text that is not two numbers.
type PatternSyntaxError struct {
	Line    int    // 1-based
	Content string // the raw line
	Reason  string
}

func (e *PatternSyntaxError) Error() string {
	return fmt.Sprintf("pattern line %d %q: %s", e.Line, e.Content, e.Reason)
}

// ParsePatternText reads samples written one per line as "duration level",
// separated by whitespace. Blank lines are skipped. Durations may use float
// notation (e.g. "1e4") and are truncated to whole nanoseconds. Text with no
// samples returns an empty slice; ValidatePattern rejects it.
func ParsePatternText(text string) ([]Sample, error) {
	var samples []Sample
	for i, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, &PatternSyntaxError{Line: i + 1, Content: line,
				Reason: fmt.Sprintf("found %d fields, want 'duration level'", len(fields))}
		}
		duration, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || math.IsNaN(duration) || math.Abs(duration) >= math.MaxInt64 {
			return nil, &PatternSyntaxError{Line: i + 1, Content: line, Reason: "duration is not a number"}
		}
		level, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, &PatternSyntaxError{Line: i + 1, Content: line, Reason: "level is not a number"}
		}
		samples = append(samples, Sample{Duration: int64(duration), Level: level})
	}
	return samples, nil
}

// FormatPatternText writes samples in the form ParsePatternText reads.
func FormatPatternText(samples []Sample) string {
	var b strings.Builder
	for _, s := range samples {
		fmt.Fprintf(&b, "%d %s\n", s.Duration, strconv.FormatFloat(s.Level, 'g', -1, 64))
	}
	return b.String()
}
