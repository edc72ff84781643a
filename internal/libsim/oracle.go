package libsim

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// SplitLines splits captured text into lines. "\n", "\r\n" and a lone "\r"
// all end a line. Line endings are not part of the returned lines.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(lineEndings.Replace(text), "\n")
	return Normalize(lines)
}

// Normalize strips a carriage return at the end of each line and drops
// trailing blank lines. Line content is otherwise left intact, including
// carriage returns inside a line.
func Normalize(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSuffix(l, "\r")
	}
	end := len(out)
	for end > 0 && out[end-1] == "" {
		end--
	}
	return out[:end]
}

// Compare judges actual output against the expected lines. Both sides are
// normalized first. The result is a pass only if both sequences are equal,
// including their length.
func Compare(expected, actual []string) Verdict {
	exp, act := Normalize(expected), Normalize(actual)
	for i := 0; i < len(exp) || i < len(act); i++ {
		switch {
		case i >= len(act):
			return Verdict{Kind: VerdictMismatch, Line: i, Expected: exp[i], ActualMissing: true}
		case i >= len(exp):
			return Verdict{Kind: VerdictMismatch, Line: i, Actual: act[i], ExpectedMissing: true}
		case exp[i] != act[i]:
			return Verdict{Kind: VerdictMismatch, Line: i, Expected: exp[i], Actual: act[i]}
		}
	}
	return Pass()
}

// ReadExpectFile reads a golden file, one expected line per line.
func ReadExpectFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read expect file")
	}
	return SplitLines(string(content)), nil
}
