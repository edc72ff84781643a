// Package libexec runs simulators as processes on the host.
package libexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/firmsim/xsimtest/internal/libsim"
	"gopkg.in/inconshreveable/log15.v2"
)

// killGrace is how long a cancelled simulator may keep its output open
// after being killed.
const killGrace = 2 * time.Second

// Config is the configuration of the host process backend.
type Config struct {
	// Dir is the working directory of simulator processes. Empty means the
	// current directory.
	Dir string

	Logger log15.Logger
}

// Backend runs every simulation as a child process.
type Backend struct {
	config Config
	logger log15.Logger
}

var _ = libsim.Backend(&Backend{})

func NewBackend(cfg Config) *Backend {
	b := &Backend{config: cfg, logger: cfg.Logger}
	if b.logger == nil {
		b.logger = log15.Root()
	}
	return b
}

// RunProgram starts the simulator and waits for it to exit. Output of stdout
// and stderr is captured into one buffer in the order it was written.
func (b *Backend) RunProgram(ctx context.Context, res *libsim.Resource, opt libsim.ExecOptions) (*libsim.ExecInfo, error) {
	cmdline := opt.CommandLine(opt.Binary)
	if len(cmdline) == 0 {
		return nil, fmt.Errorf("%w: empty simulator command", libsim.ErrResourceBroken)
	}
	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	cmd.Dir = b.config.Dir
	cmd.Env = mergeEnv(os.Environ(), opt.Env)
	cmd.WaitDelay = killGrace

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger := b.logger.New("resource", res.Name)
	logger.Debug("starting simulator process", "cmd", cmdline)
	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.Exited():
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case exitErr != nil:
		// Killed by a signal: the output can't be trusted to be complete.
		return nil, fmt.Errorf("simulator terminated abnormally: %v", exitErr)
	case cmd.Process == nil:
		return nil, fmt.Errorf("%w: can't start simulator: %v", libsim.ErrResourceBroken, err)
	default:
		return nil, fmt.Errorf("can't run simulator: %v", err)
	}
	code := cmd.ProcessState.ExitCode()
	logger.Debug("simulator process exited", "code", code, "output", output.Len())
	return &libsim.ExecInfo{Output: output.String(), ExitCode: code}, nil
}

// Close implements libsim.Backend. Processes don't outlive RunProgram, so
// there is nothing to release.
func (b *Backend) Close() error {
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
