// Package component coordinates the lifecycle of the daemon's named
// subsystems: dependencies start before their dependents, dependents stop
// before their dependencies, and overlapping requests for the same
// transition share one hook invocation.
package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Registry owns a set of named components. It is safe for concurrent use.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	mu         sync.Mutex
	components map[string]*Component
	dependents map[string][]string
}

type Option func(*Registry)

// WithClock sets the clock driving update timers.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:      clock.New(),
		logger:     slog.Default(),
		components: make(map[string]*Component),
		dependents: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RegisterOption func(*Component)

// WithInterval sets how often the component's update hook runs.
func WithInterval(d time.Duration) RegisterOption {
	return func(c *Component) { c.interval = d }
}

// DependsOn names components that must be Started before this one starts.
func DependsOn(names ...string) RegisterOption {
	return func(c *Component) { c.depends = append(c.depends, names...) }
}

// Register adds impl under name in the Stopped state. Dependencies may name
// components that are registered later.
func (r *Registry) Register(name string, impl any, opts ...RegisterOption) (*Component, error) {
	if name == "" {
		return nil, errors.New("component name is required")
	}
	c := &Component{reg: r, name: name, impl: impl, interval: DefaultInterval}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	if path := r.cycleLocked(c); path != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, path)
	}
	r.components[name] = c
	for _, dep := range c.depends {
		r.dependents[dep] = append(r.dependents[dep], name)
	}
	r.logger.Debug("component registered",
		slog.String("component", name),
		slog.Any("depends", c.depends),
	)
	return c, nil
}

// cycleLocked returns the dependency path that leads from c back to itself
// if registering c would close a cycle.
func (r *Registry) cycleLocked(c *Component) []string {
	var visit func(name string, path []string) []string
	seen := make(map[string]bool)
	visit = func(name string, path []string) []string {
		if name == c.name {
			return append(path, name)
		}
		if seen[name] {
			return nil
		}
		seen[name] = true
		dep, ok := r.components[name]
		if !ok {
			return nil
		}
		for _, next := range dep.depends {
			if p := visit(next, append(path, name)); p != nil {
				return p
			}
		}
		return nil
	}
	for _, dep := range c.depends {
		if p := visit(dep, []string{c.name}); p != nil {
			return p
		}
	}
	return nil
}

// Deregister stops the component, together with everything depending on
// it, and then removes it.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	c, ok := r.Component(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	results := r.Stop(ctx, name)
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.components[name] == c {
		delete(r.components, name)
		for _, dep := range c.depends {
			r.dependents[dep] = without(r.dependents[dep], name)
			if len(r.dependents[dep]) == 0 {
				delete(r.dependents, dep)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Debug("component deregistered", slog.String("component", name))
	return results[0].Err
}

func without(names []string, name string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Component returns the handle registered under name.
func (r *Registry) Component(name string) (*Component, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[name]
	return c, ok
}

// Get returns the object registered under name.
func (r *Registry) Get(name string) (any, bool) {
	c, ok := r.Component(name)
	if !ok {
		return nil, false
	}
	return c.impl, true
}

// Lookup returns the object registered under name if it has type T.
func Lookup[T any](r *Registry, name string) (T, bool) {
	var zero T
	impl, ok := r.Get(name)
	if !ok {
		return zero, false
	}
	v, ok := impl.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) dependentsOf(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dependents[name]...)
}

// ---------------------------------------------------------------------------
// Batch operations
// ---------------------------------------------------------------------------

// fanOut runs fn for every name concurrently and collects one result per
// name, in the order given.
func fanOut(names []string, fn func(name string) error) []Result {
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Result{Name: name, Err: fn(name)}
		}()
	}
	wg.Wait()
	return results
}

// Start starts the named components, or every component when names is
// empty. Each component's dependencies are started first. Components are
// started concurrently and a failure only affects the failing component and
// whatever depends on it.
func (r *Registry) Start(ctx context.Context, names ...string) []Result {
	if len(names) == 0 {
		names = r.Names()
	}
	return fanOut(names, func(name string) error {
		return r.startTree(ctx, name)
	})
}

func (r *Registry) startTree(ctx context.Context, name string) error {
	c, ok := r.Component(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if len(c.depends) > 0 {
		results := fanOut(c.depends, func(dep string) error {
			return r.startTree(ctx, dep)
		})
		if err := Failed(results); err != nil {
			r.logger.Warn("component not started, dependency failed",
				slog.String("component", name),
				slog.Any("error", err),
			)
			return fmt.Errorf("dependency failed to start: %w", err)
		}
	}
	return c.Start(ctx)
}

// stopCall tracks the components already scheduled to stop within one
// Stop call so each is stopped once however many paths reach it.
type stopCall struct {
	mu      sync.Mutex
	pending map[string]*operation
}

// Stop stops the named components, or every component when names is
// empty. Components that depend on a component are stopped before it.
func (r *Registry) Stop(ctx context.Context, names ...string) []Result {
	if len(names) == 0 {
		names = r.Names()
	}
	call := &stopCall{pending: make(map[string]*operation)}
	return fanOut(names, func(name string) error {
		return r.stopTree(ctx, call, name)
	})
}

func (r *Registry) stopTree(ctx context.Context, call *stopCall, name string) error {
	call.mu.Lock()
	if op, ok := call.pending[name]; ok {
		call.mu.Unlock()
		return op.wait(ctx)
	}
	op := newOperation()
	call.pending[name] = op
	call.mu.Unlock()

	err := r.stopTreeOnce(ctx, call, name)
	op.finish(err)
	return err
}

func (r *Registry) stopTreeOnce(ctx context.Context, call *stopCall, name string) error {
	c, ok := r.Component(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	if deps := r.dependentsOf(name); len(deps) > 0 {
		results := fanOut(deps, func(dep string) error {
			return r.stopTree(ctx, call, dep)
		})
		if err := Failed(results); err != nil {
			r.logger.Warn("dependent components stopped with errors",
				slog.String("component", name),
				slog.Any("error", err),
			)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return c.Stop(ctx)
}

// Pause pauses the named components, or every component when names is
// empty. Only Started components are touched; the results cover exactly
// those.
func (r *Registry) Pause(names ...string) []Result {
	return r.each(names, Started, (*Component).Pause)
}

// Resume resumes the named components, or every component when names is
// empty. Only Paused components are touched; the results cover exactly
// those.
func (r *Registry) Resume(names ...string) []Result {
	return r.each(names, Paused, (*Component).Resume)
}

func (r *Registry) each(names []string, want State, fn func(*Component) error) []Result {
	if len(names) == 0 {
		names = r.Names()
	}
	var results []Result
	for _, name := range names {
		c, ok := r.Component(name)
		if !ok || c.State() != want {
			continue
		}
		results = append(results, Result{Name: name, Err: fn(c)})
	}
	return results
}

// Shutdown stops every component and then runs each shutdown hook once.
// Stop and hook failures are logged, not returned; the only error is the
// context's if it ends first.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, res := range r.Stop(ctx) {
		if res.Err != nil {
			r.logger.Warn("component stop failed during shutdown",
				slog.String("component", res.Name),
				slog.Any("error", res.Err),
			)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	all := make([]*Component, 0, len(r.components))
	for _, c := range r.components {
		all = append(all, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range all {
		if hookOf(c.impl, hookShutdown) == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runHook(ctx, hookShutdown); err != nil {
				r.logger.Error("component shutdown hook failed",
					slog.String("component", c.name),
					slog.Any("error", err),
				)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
