package libsim

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultResourceKind is the kind of resource requested by test cases that
// don't name one.
const DefaultResourceKind = "xsim"

// TestCase describes one binary to run under simulation and the output it is
// expected to produce.
type TestCase struct {
	Name       string            `json:"name"`
	Product    string            `json:"product,omitempty"`
	Group      string            `json:"group,omitempty"`
	Binary     string            `json:"binary"`
	Expect     []string          `json:"expect,omitempty"`     // inline expected lines
	ExpectFile string            `json:"expectFile,omitempty"` // golden file, exclusive with Expect
	Level      TestLevel         `json:"level"`
	Args       []string          `json:"args,omitempty"`    // runtime arguments of the simulated program
	SimArgs    []string          `json:"simArgs,omitempty"` // options passed to the simulator itself
	Resource   string            `json:"resource,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
}

// ID returns the identifier of the test case in reports.
func (tc *TestCase) ID() string {
	if tc.Name != "" {
		return tc.Name
	}
	base := filepath.Base(tc.Binary)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ResourceKind returns the kind of resource the test case needs.
func (tc *TestCase) ResourceKind() string {
	if tc.Resource == "" {
		return DefaultResourceKind
	}
	return tc.Resource
}

// RunResult is the captured outcome of one simulator run.
type RunResult struct {
	Output   []string      `json:"output"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
}

// VerdictKind classifies the outcome of a test case.
type VerdictKind int

const (
	VerdictPass VerdictKind = iota
	VerdictSkipped
	VerdictMismatch
	VerdictError
)

var verdictNames = [...]string{
	VerdictPass:     "pass",
	VerdictSkipped:  "skipped",
	VerdictMismatch: "mismatch",
	VerdictError:    "error",
}

func (k VerdictKind) String() string {
	if k < 0 || int(k) >= len(verdictNames) {
		return fmt.Sprintf("verdict(%d)", int(k))
	}
	return verdictNames[k]
}

func (k VerdictKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *VerdictKind) UnmarshalText(text []byte) error {
	for i, n := range verdictNames {
		if n == string(text) {
			*k = VerdictKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown verdict kind %q", text)
}

// Verdict is the terminal classification of a test case.
type Verdict struct {
	Kind VerdictKind `json:"kind"`

	// Set for skipped tests.
	Reason string `json:"reason,omitempty"`

	// Set for mismatches. Line is the 0-based index of the first differing
	// line. A missing flag means the corresponding side ended before Line.
	Line            int    `json:"line"`
	Expected        string `json:"expected"`
	Actual          string `json:"actual"`
	ExpectedMissing bool   `json:"expectedMissing,omitempty"`
	ActualMissing   bool   `json:"actualMissing,omitempty"`

	// Set for execution errors.
	Error   string `json:"error,omitempty"`
	Timeout bool   `json:"timeout,omitempty"`
}

// Failed reports whether the verdict counts against the overall result.
func (v Verdict) Failed() bool {
	return v.Kind == VerdictMismatch || v.Kind == VerdictError
}

func (v Verdict) String() string {
	switch v.Kind {
	case VerdictSkipped:
		return fmt.Sprintf("SKIPPED (%s)", v.Reason)
	case VerdictMismatch:
		exp, act := quoteLine(v.Expected, v.ExpectedMissing), quoteLine(v.Actual, v.ActualMissing)
		return fmt.Sprintf("MISMATCH at line %d: expected %s, got %s", v.Line+1, exp, act)
	case VerdictError:
		if v.Timeout {
			return fmt.Sprintf("ERROR (timeout: %s)", v.Error)
		}
		return fmt.Sprintf("ERROR (%s)", v.Error)
	default:
		return "PASS"
	}
}

func quoteLine(s string, missing bool) string {
	if missing {
		return "<end of output>"
	}
	return fmt.Sprintf("%q", s)
}

// MarshalJSON drops the mismatch fields from non-mismatch verdicts. Mismatch
// lines that are not valid UTF-8 are additionally stored as raw bytes, since
// JSON strings can't hold them.
func (v Verdict) MarshalJSON() ([]byte, error) {
	type verdict Verdict
	if v.Kind == VerdictMismatch {
		return json.Marshal(struct {
			verdict
			ExpectedRaw []byte `json:"expectedRaw,omitempty"`
			ActualRaw   []byte `json:"actualRaw,omitempty"`
		}{verdict(v), rawLine(v.Expected), rawLine(v.Actual)})
	}
	return json.Marshal(struct {
		Kind    VerdictKind `json:"kind"`
		Reason  string      `json:"reason,omitempty"`
		Error   string      `json:"error,omitempty"`
		Timeout bool        `json:"timeout,omitempty"`
	}{v.Kind, v.Reason, v.Error, v.Timeout})
}

func (v *Verdict) UnmarshalJSON(input []byte) error {
	type verdict Verdict
	var dec struct {
		verdict
		ExpectedRaw []byte `json:"expectedRaw"`
		ActualRaw   []byte `json:"actualRaw"`
	}
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	*v = Verdict(dec.verdict)
	if dec.ExpectedRaw != nil {
		v.Expected = string(dec.ExpectedRaw)
	}
	if dec.ActualRaw != nil {
		v.Actual = string(dec.ActualRaw)
	}
	return nil
}

func rawLine(s string) []byte {
	if utf8.ValidString(s) {
		return nil
	}
	return []byte(s)
}

// Pass returns a passing verdict.
func Pass() Verdict { return Verdict{Kind: VerdictPass} }

// Skipped returns a skip verdict with the given reason.
func Skipped(reason string) Verdict { return Verdict{Kind: VerdictSkipped, Reason: reason} }

// ExecutionError converts err into an error verdict.
func ExecutionError(err error) Verdict {
	return Verdict{Kind: VerdictError, Error: err.Error(), Timeout: isTimeout(err)}
}

// CaseResult is the report entry of one test case.
type CaseResult struct {
	Index    int               `json:"index"`
	Name     string            `json:"name"`
	Product  string            `json:"product,omitempty"`
	Group    string            `json:"group,omitempty"`
	Binary   string            `json:"binary"`
	Level    TestLevel         `json:"level"`
	Resource string            `json:"resource,omitempty"`
	Verdict  Verdict           `json:"verdict"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	ExitCode int               `json:"exitCode"`
	Output   []string          `json:"output,omitempty"` // captured output of failed runs
	Config   map[string]string `json:"config,omitempty"`
}

// Counts aggregates verdicts of a report.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

func (c *Counts) add(v Verdict) {
	c.Total++
	switch v.Kind {
	case VerdictPass:
		c.Passed++
	case VerdictSkipped:
		c.Skipped++
	case VerdictMismatch:
		c.Failed++
	case VerdictError:
		c.Errors++
	}
}

// Report holds the results of a suite run, in the order the cases were given.
type Report struct {
	Threshold TestLevel    `json:"threshold"`
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
	Aborted   bool         `json:"aborted,omitempty"`
	Counts    Counts       `json:"counts"`
	Cases     []CaseResult `json:"cases"`
}

// Failed reports whether any case ended in a mismatch or an execution error.
func (r *Report) Failed() bool {
	return r.Counts.Failed > 0 || r.Counts.Errors > 0
}
