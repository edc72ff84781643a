package libsim

import (
	"context"
	"io"
)

// Backend captures the simulator interactions of the runner.
type Backend interface {
	// RunProgram runs the simulator on the given resource and returns its
	// combined output and exit code. It must return once ctx is done, after
	// terminating the simulator.
	RunProgram(ctx context.Context, res *Resource, opt ExecOptions) (*ExecInfo, error)

	// Close releases everything the backend created for its resources.
	io.Closer
}

// ExecOptions describes one simulator invocation.
type ExecOptions struct {
	// Simulator is the command line prefix that starts the simulator.
	Simulator []string
	// SimArgs are options for the simulator itself.
	SimArgs []string
	// Binary is the host path of the program to simulate.
	Binary string
	// ArgsFlag is the simulator flag that introduces program arguments.
	// When empty, program arguments follow the binary directly.
	ArgsFlag string
	// Args are the runtime arguments of the simulated program.
	Args []string
	// Env holds additional environment variables.
	Env map[string]string
}

// CommandLine returns the full simulator command line, with the binary
// located at binaryPath. Backends that copy the binary elsewhere pass the
// copy's location.
func (opt ExecOptions) CommandLine(binaryPath string) []string {
	cmd := make([]string, 0, len(opt.Simulator)+len(opt.SimArgs)+len(opt.Args)+3)
	cmd = append(cmd, opt.Simulator...)
	cmd = append(cmd, opt.SimArgs...)
	switch {
	case len(opt.Args) == 0:
		cmd = append(cmd, binaryPath)
	case opt.ArgsFlag != "":
		cmd = append(cmd, opt.ArgsFlag, binaryPath)
		cmd = append(cmd, opt.Args...)
	default:
		cmd = append(cmd, binaryPath)
		cmd = append(cmd, opt.Args...)
	}
	return cmd
}

// ExecInfo is returned by RunProgram.
type ExecInfo struct {
	// Output is stdout and stderr of the simulator, interleaved as written.
	Output string
	// The exit code of the simulator.
	ExitCode int
}
