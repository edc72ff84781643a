package libsim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/inconshreveable/log15.v2"
)

// Resource is one exclusive simulation backend instance.
type Resource struct {
	Name     string            `json:"name" yaml:"name"`
	Kind     string            `json:"kind" yaml:"kind"`
	Command  []string          `json:"command,omitempty" yaml:"command"`   // simulator command line prefix
	ArgsFlag string            `json:"argsFlag,omitempty" yaml:"argsflag"` // introduces the program arguments
	Image    string            `json:"image,omitempty" yaml:"image"`       // docker backend only
	Env      map[string]string `json:"env,omitempty" yaml:"env"`
}

func (r *Resource) String() string {
	return r.Kind + "/" + r.Name
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// AcquireTimeout bounds how long Acquire waits for a free resource.
	// Zero means Acquire waits until its context is done.
	AcquireTimeout time.Duration

	Logger log15.Logger
}

// ResourceStatus is a snapshot of one pool entry.
type ResourceStatus struct {
	Resource *Resource `json:"resource"`
	Held     bool      `json:"held"`
	Retired  bool      `json:"retired"`
}

// Pool hands out resources to test runs. A resource is held by at most one
// caller at a time.
type Pool struct {
	config PoolConfig
	logger log15.Logger

	mu        sync.Mutex
	resources []*Resource
	kinds     map[string]*kindState
	held      map[*Resource]bool
	retired   map[*Resource]bool
}

type kindState struct {
	free      chan *Resource
	live      int
	exhausted chan struct{} // closed when live drops to zero
}

// NewPool creates a pool of the given resources. Resource names must be
// unique and every resource needs a kind.
func NewPool(resources []*Resource, config PoolConfig) (*Pool, error) {
	p := &Pool{
		config:  config,
		logger:  config.Logger,
		kinds:   make(map[string]*kindState),
		held:    make(map[*Resource]bool),
		retired: make(map[*Resource]bool),
	}
	if p.logger == nil {
		p.logger = log15.Root()
	}

	count := make(map[string]int)
	names := make(map[string]bool)
	for _, r := range resources {
		if r.Name == "" || r.Kind == "" {
			return nil, fmt.Errorf("resource %q: name and kind are required", r.Name)
		}
		if names[r.Name] {
			return nil, fmt.Errorf("duplicate resource name %q", r.Name)
		}
		names[r.Name] = true
		count[r.Kind]++
	}
	for kind, n := range count {
		p.kinds[kind] = &kindState{
			free:      make(chan *Resource, n),
			exhausted: make(chan struct{}),
		}
	}
	for _, r := range resources {
		ks := p.kinds[r.Kind]
		ks.free <- r
		ks.live++
	}
	p.resources = append(p.resources, resources...)
	sort.Slice(p.resources, func(i, j int) bool {
		return p.resources[i].Name < p.resources[j].Name
	})
	return p, nil
}

// Acquire blocks until a resource of the given kind is free. It fails with
// ErrResourceUnavailable when no usable resource of the kind exists, when the
// configured wait elapses, or when ctx is done.
func (p *Pool) Acquire(ctx context.Context, kind string) (*Resource, error) {
	p.mu.Lock()
	ks, ok := p.kinds[kind]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrResourceUnavailable, ErrUnknownResourceKind, kind)
	}

	var timeout <-chan time.Time
	if p.config.AcquireTimeout > 0 {
		tt := time.NewTimer(p.config.AcquireTimeout)
		defer tt.Stop()
		timeout = tt.C
	}

	for {
		select {
		case r := <-ks.free:
			p.mu.Lock()
			if p.retired[r] {
				p.mu.Unlock()
				continue
			}
			p.held[r] = true
			p.mu.Unlock()
			p.logger.Debug("resource acquired", "resource", r)
			return r, nil
		case <-ks.exhausted:
			return nil, fmt.Errorf("%w: all %q resources are retired", ErrResourceUnavailable, kind)
		case <-timeout:
			return nil, fmt.Errorf("%w: no %q resource became free within %v", ErrResourceUnavailable, kind, p.config.AcquireTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, ctx.Err())
		}
	}
}

// Release returns a held resource to the pool.
func (p *Pool) Release(r *Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.held[r] {
		return fmt.Errorf("%w: %v", ErrResourceNotHeld, r)
	}
	delete(p.held, r)
	if !p.retired[r] {
		// The channel has room for every resource of the kind, so this never blocks.
		p.kinds[r.Kind].free <- r
	}
	p.logger.Debug("resource released", "resource", r)
	return nil
}

// WithResource acquires a resource of the given kind, runs fn with it and
// releases it afterwards, including when fn panics.
func (p *Pool) WithResource(ctx context.Context, kind string, fn func(*Resource) error) error {
	r, err := p.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Release(r); err != nil {
			p.logger.Error("can't release resource", "resource", r, "err", err)
		}
	}()
	return fn(r)
}

// Retire permanently removes a resource from service. A held resource stays
// with its holder until released. When the last resource of a kind is
// retired, waiting and future Acquire calls for that kind fail. Resources
// that don't belong to the pool are ignored.
func (p *Pool) Retire(r *Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ks, ok := p.kinds[r.Kind]
	if !ok || p.retired[r] || !p.owns(r) {
		return
	}
	p.retired[r] = true
	ks.live--
	p.logger.Warn("resource retired", "resource", r, "remaining", ks.live)
	if ks.live == 0 {
		close(ks.exhausted)
	}
}

func (p *Pool) owns(r *Resource) bool {
	for _, own := range p.resources {
		if own == r {
			return true
		}
	}
	return false
}

// Outstanding returns the number of resources currently held.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Capacity returns the number of usable resources of the given kind.
func (p *Pool) Capacity(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ks, ok := p.kinds[kind]; ok {
		return ks.live
	}
	return 0
}

// Kinds returns the resource kinds known to the pool.
func (p *Pool) Kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]string, 0, len(p.kinds))
	for k := range p.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Resources returns all resources of the pool, ordered by name.
func (p *Pool) Resources() []*Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Resource(nil), p.resources...)
}

// Status returns a snapshot of all pool entries.
func (p *Pool) Status() []ResourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := make([]ResourceStatus, len(p.resources))
	for i, r := range p.resources {
		s[i] = ResourceStatus{Resource: r, Held: p.held[r], Retired: p.retired[r]}
	}
	return s
}
