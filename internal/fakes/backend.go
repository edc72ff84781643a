package fakes

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/firmsim/xsimtest/internal/libsim"
)

// Program describes how a fake binary behaves under simulation.
type Program struct {
	Output   string
	ExitCode int
	Err      error // returned instead of output
	Hang     bool  // block until the run is cancelled
}

// BackendHooks can be used to override the behavior of the fake backend.
type BackendHooks struct {
	RunProgram func(ctx context.Context, res *libsim.Resource, opt libsim.ExecOptions) (*libsim.ExecInfo, error)
	Close      func() error

	// Programs maps binary base names to their behavior. It is consulted
	// when RunProgram is not set.
	Programs map[string]Program
}

var _ = libsim.Backend(&Backend{})

// Backend implements libsim.Backend without a simulator. It also checks that
// no resource is used by two runs at the same time.
type Backend struct {
	hooks BackendHooks

	mu         sync.Mutex
	inUse      map[string]bool
	calls      map[string]int
	commands   [][]string
	violations int
}

// NewBackend creates a new fake simulator backend.
func NewBackend(hooks *BackendHooks) *Backend {
	b := &Backend{
		inUse: make(map[string]bool),
		calls: make(map[string]int),
	}
	if hooks != nil {
		b.hooks = *hooks
	}
	return b
}

func (b *Backend) RunProgram(ctx context.Context, res *libsim.Resource, opt libsim.ExecOptions) (*libsim.ExecInfo, error) {
	b.mu.Lock()
	if b.inUse[res.Name] {
		b.violations++
	}
	b.inUse[res.Name] = true
	b.calls[res.Name]++
	b.commands = append(b.commands, opt.CommandLine(opt.Binary))
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inUse[res.Name] = false
		b.mu.Unlock()
	}()

	if b.hooks.RunProgram != nil {
		return b.hooks.RunProgram(ctx, res, opt)
	}
	name := filepath.Base(opt.Binary)
	prog, ok := b.hooks.Programs[name]
	if !ok {
		return nil, fmt.Errorf("unknown binary %q", name)
	}
	if prog.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if prog.Err != nil {
		return nil, prog.Err
	}
	out := prog.Output
	if len(opt.Args) > 0 {
		out = strings.ReplaceAll(out, "$ARGS", strings.Join(opt.Args, " "))
	}
	return &libsim.ExecInfo{Output: out, ExitCode: prog.ExitCode}, nil
}

func (b *Backend) Close() error {
	if b.hooks.Close != nil {
		return b.hooks.Close()
	}
	return nil
}

// Calls returns the number of runs started on the named resource.
func (b *Backend) Calls(resource string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[resource]
}

// TotalCalls returns the number of runs started on all resources.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

// Commands returns the simulator command lines of all runs, in start order.
func (b *Backend) Commands() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.commands...)
}

// Violations returns how often a resource was used by overlapping runs.
func (b *Backend) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations
}
