package libsim

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/inconshreveable/log15.v2"
)

// Runner executes binaries on simulation resources.
type Runner struct {
	backend Backend
	logger  log15.Logger
}

func NewRunner(b Backend, logger log15.Logger) *Runner {
	if logger == nil {
		logger = log15.Root()
	}
	return &Runner{backend: b, logger: logger}
}

// Run simulates binary on res and captures its output. A run that exceeds
// timeout is terminated and fails with ErrExecutionTimeout. A zero timeout
// means no limit. A run that completes is never a timeout, even when the
// limit expires while its result is returned. A non-zero exit code is not an
// error.
func (r *Runner) Run(ctx context.Context, res *Resource, binary string, args []string, timeout time.Duration) (*RunResult, error) {
	return r.run(ctx, res, ExecOptions{Binary: binary, Args: args}, timeout)
}

func (r *Runner) run(ctx context.Context, res *Resource, opt ExecOptions, timeout time.Duration) (*RunResult, error) {
	if _, err := os.Stat(opt.Binary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutionError, err)
	}
	opt.Simulator = res.Command
	opt.ArgsFlag = res.ArgsFlag
	if len(res.Env) > 0 {
		env := make(map[string]string, len(res.Env)+len(opt.Env))
		for k, v := range res.Env {
			env[k] = v
		}
		for k, v := range opt.Env {
			env[k] = v
		}
		opt.Env = env
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := r.logger.New("resource", res, "binary", opt.Binary)
	logger.Debug("starting simulation", "args", opt.Args, "simargs", opt.SimArgs)
	start := time.Now()
	info, err := r.backend.RunProgram(runCtx, res, opt)
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			logger.Info("simulation timed out", "timeout", timeout)
			return nil, fmt.Errorf("%w after %v", ErrExecutionTimeout, timeout)
		}
		logger.Debug("simulation failed", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrExecutionError, err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: backend returned no output", ErrExecutionError)
	}
	logger.Debug("simulation finished", "exitcode", info.ExitCode, "time", elapsed)
	return &RunResult{
		Output:   SplitLines(info.Output),
		ExitCode: info.ExitCode,
		Duration: elapsed,
	}, nil
}

// runCase runs the binary of a test case, including its simulator options.
func (r *Runner) runCase(ctx context.Context, res *Resource, tc *TestCase, timeout time.Duration) (*RunResult, error) {
	opt := ExecOptions{Binary: tc.Binary, Args: tc.Args, SimArgs: tc.SimArgs}
	result, err := r.run(ctx, res, opt, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s on %v: %w", tc.ID(), res, err)
	}
	return result, nil
}
