package libsim

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/inconshreveable/log15.v2"
)

// Config configures an Orchestrator.
type Config struct {
	Pool   *Pool
	Runner *Runner

	// Timeout is the run time limit of cases that don't set their own.
	// Zero means no limit.
	Timeout time.Duration

	// Parallelism is the number of cases that may run at the same time.
	// Values below one mean sequential execution.
	Parallelism int

	Logger log15.Logger
}

// Orchestrator runs test suites.
type Orchestrator struct {
	config Config
	logger log15.Logger
}

func NewOrchestrator(config Config) *Orchestrator {
	logger := config.Logger
	if logger == nil {
		logger = log15.Root()
	}
	return &Orchestrator{config: config, logger: logger}
}

// RunSuite runs all cases and returns the report, ordered like cases. Failures
// of individual cases are recorded in the report; the returned error is only
// set if the case list itself is invalid.
func (o *Orchestrator) RunSuite(ctx context.Context, cases []TestCase, threshold TestLevel) (*Report, error) {
	if err := ValidateSuite(cases, threshold); err != nil {
		return nil, err
	}

	report := &Report{
		Threshold: threshold,
		Start:     time.Now(),
		Cases:     make([]CaseResult, len(cases)),
	}
	started := make([]bool, len(cases))

	parallelism := o.config.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	o.logger.Info(fmt.Sprintf("running %d test cases", len(cases)), "threshold", threshold, "parallelism", parallelism)

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i := range cases {
		if ctx.Err() != nil {
			break
		}
		i := i
		started[i] = true
		g.Go(func() error {
			report.Cases[i] = o.runCase(ctx, i, &cases[i], threshold)
			return nil
		})
	}
	g.Wait()

	for i := range cases {
		if !started[i] {
			report.Cases[i] = newCaseResult(i, &cases[i])
			report.Cases[i].Verdict = ExecutionError(ErrInterrupted)
		}
		report.Counts.add(report.Cases[i].Verdict)
	}
	report.Aborted = ctx.Err() != nil
	report.End = time.Now()
	return report, nil
}

func newCaseResult(index int, tc *TestCase) CaseResult {
	return CaseResult{
		Index:   index,
		Name:    tc.ID(),
		Product: tc.Product,
		Group:   tc.Group,
		Binary:  tc.Binary,
		Level:   tc.Level,
		Config:  tc.Config,
	}
}

// runCase executes a single test case: gate, expectation, acquire, run,
// compare, release.
func (o *Orchestrator) runCase(ctx context.Context, index int, tc *TestCase, threshold TestLevel) (res CaseResult) {
	logger := o.logger.New("case", tc.ID())
	res = newCaseResult(index, tc)
	res.Start = time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("test case panicked", "panic", p, "stack", string(debug.Stack()))
			res.Verdict = ExecutionError(fmt.Errorf("%w: panic: %v", ErrExecutionError, p))
		}
		res.End = time.Now()
		logResult(logger, &res)
	}()

	if ctx.Err() != nil {
		res.Verdict = ExecutionError(ErrInterrupted)
		return res
	}
	if !ShouldRun(tc.Level, threshold) {
		res.Verdict = Skipped("below threshold")
		return res
	}

	expected, err := expectation(tc)
	if err != nil {
		res.Verdict = ExecutionError(fmt.Errorf("%w: %v", ErrExecutionError, err))
		return res
	}

	timeout := tc.Timeout
	if timeout == 0 {
		timeout = o.config.Timeout
	}
	err = o.config.Pool.WithResource(ctx, tc.ResourceKind(), func(r *Resource) error {
		res.Resource = r.Name
		result, err := o.config.Runner.runCase(ctx, r, tc, timeout)
		if err != nil {
			if errors.Is(err, ErrResourceBroken) {
				logger.Warn("retiring broken resource", "resource", r, "err", err)
				o.config.Pool.Retire(r)
			}
			return err
		}
		res.ExitCode = result.ExitCode
		res.Verdict = Compare(expected, result.Output)
		if res.Verdict.Failed() {
			res.Output = result.Output
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrExecutionTimeout) {
			err = fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		res.Verdict = ExecutionError(err)
	}
	return res
}

// expectation returns the expected output lines of a test case.
func expectation(tc *TestCase) ([]string, error) {
	if tc.ExpectFile != "" {
		return ReadExpectFile(tc.ExpectFile)
	}
	return tc.Expect, nil
}

func logResult(logger log15.Logger, res *CaseResult) {
	ctx := []interface{}{"verdict", res.Verdict.Kind, "time", res.End.Sub(res.Start)}
	switch res.Verdict.Kind {
	case VerdictPass:
		logger.Info("test passed", ctx...)
	case VerdictSkipped:
		logger.Info("test skipped", append(ctx, "reason", res.Verdict.Reason)...)
	case VerdictMismatch:
		logger.Error("test failed", append(ctx, "line", res.Verdict.Line, "expected", res.Verdict.Expected, "actual", res.Verdict.Actual)...)
	case VerdictError:
		logger.Error("test errored", append(ctx, "err", res.Verdict.Error)...)
	}
}

// ValidateSuite checks that the case list can be run.
func ValidateSuite(cases []TestCase, threshold TestLevel) error {
	if !threshold.Valid() {
		return fmt.Errorf("%w: invalid threshold %v", ErrInvalidSuite, threshold)
	}
	seen := make(map[string]int, len(cases))
	for i := range cases {
		tc := &cases[i]
		if tc.Binary == "" {
			return fmt.Errorf("%w: case %d has no binary", ErrInvalidSuite, i)
		}
		if !tc.Level.Valid() {
			return fmt.Errorf("%w: case %q has invalid level %v", ErrInvalidSuite, tc.ID(), tc.Level)
		}
		if tc.Expect != nil && tc.ExpectFile != "" {
			return fmt.Errorf("%w: case %q sets both expected lines and an expect file", ErrInvalidSuite, tc.ID())
		}
		if tc.Timeout < 0 {
			return fmt.Errorf("%w: case %q has negative timeout", ErrInvalidSuite, tc.ID())
		}
		if j, ok := seen[tc.ID()]; ok {
			return fmt.Errorf("%w: cases %d and %d are both named %q", ErrInvalidSuite, j, i, tc.ID())
		}
		seen[tc.ID()] = i
	}
	return nil
}
