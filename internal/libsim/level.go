package libsim

import (
	"fmt"
	"strings"
)

// TestLevel is the cost tier of a test case. Levels are totally ordered,
// cheaper levels compare lower.
type TestLevel int

const (
	LevelSmoke TestLevel = iota
	LevelNightly
	LevelFull
	LevelExhaustive
)

var levelNames = [...]string{
	LevelSmoke:      "smoke",
	LevelNightly:    "nightly",
	LevelFull:       "full",
	LevelExhaustive: "exhaustive",
}

// ParseTestLevel parses a level name. Matching is case-insensitive.
func ParseTestLevel(s string) (TestLevel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for l, n := range levelNames {
		if n == name {
			return TestLevel(l), nil
		}
	}
	return 0, fmt.Errorf("unknown test level %q (want one of %s)", s, strings.Join(levelNames[:], ", "))
}

// Valid reports whether l is one of the defined levels.
func (l TestLevel) Valid() bool {
	return l >= LevelSmoke && l <= LevelExhaustive
}

func (l TestLevel) String() string {
	if !l.Valid() {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText implements encoding.TextMarshaler.
func (l TestLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid test level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *TestLevel) UnmarshalText(text []byte) error {
	v, err := ParseTestLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Set implements flag.Value.
func (l *TestLevel) Set(s string) error {
	return l.UnmarshalText([]byte(s))
}

// ShouldRun reports whether a test declared at the given level runs under the
// threshold of the current invocation.
func ShouldRun(declared, threshold TestLevel) bool {
	return declared >= threshold
}
