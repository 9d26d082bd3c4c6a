package component

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"

	"torrentd/internal/metrics"
)

// DefaultInterval is the update period of components registered without
// WithInterval.
const DefaultInterval = time.Second

// Component is the registry's handle on one registered object. All mutable
// fields are guarded by the owning registry's mutex.
type Component struct {
	reg      *Registry
	name     string
	impl     any
	interval time.Duration
	depends  []string

	state State
	op    *operation
	timer *updateTimer
}

// operation is an in-flight start or stop shared by every caller that asks
// for the same transition while it runs.
type operation struct {
	done chan struct{}
	err  error
}

func newOperation() *operation {
	return &operation{done: make(chan struct{})}
}

func (o *operation) finish(err error) {
	o.err = err
	close(o.done)
}

func (o *operation) wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Component) Name() string { return c.name }

// Impl returns the registered object.
func (c *Component) Impl() any { return c.impl }

func (c *Component) Interval() time.Duration { return c.interval }

// Depends returns the names this component must start after.
func (c *Component) Depends() []string {
	return append([]string(nil), c.depends...)
}

func (c *Component) State() State {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	return c.state
}

// Start runs the start hook of this component alone, without looking at its
// dependencies. A start already in flight is joined instead of repeated.
func (c *Component) Start(ctx context.Context) error {
	r := c.reg
	r.mu.Lock()
	switch c.state {
	case Started:
		r.mu.Unlock()
		return nil
	case Starting:
		op := c.op
		r.mu.Unlock()
		return op.wait(ctx)
	case Stopped:
	default:
		st := c.state
		r.mu.Unlock()
		return &StateError{Name: c.name, Op: "start", State: st}
	}
	op := newOperation()
	c.op = op
	c.setStateLocked(Starting)
	r.mu.Unlock()

	err := c.runHook(ctx, hookStart)

	r.mu.Lock()
	c.op = nil
	if err != nil {
		c.setStateLocked(Stopped)
	} else {
		c.setStateLocked(Started)
		c.startTimerLocked()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("component failed to start",
			slog.String("component", c.name),
			slog.Any("error", err),
		)
	}
	op.finish(err)
	return err
}

// Stop halts the update timer and runs the stop hook. The component ends up
// Stopped even when the hook fails. A stop requested while the component is
// still starting waits for the start to settle first.
func (c *Component) Stop(ctx context.Context) error {
	r := c.reg
	r.mu.Lock()
	for c.state == Starting {
		op := c.op
		r.mu.Unlock()
		if err := op.wait(ctx); ctx.Err() != nil {
			return err
		}
		r.mu.Lock()
	}
	switch c.state {
	case Stopped:
		r.mu.Unlock()
		return nil
	case Stopping:
		op := c.op
		r.mu.Unlock()
		return op.wait(ctx)
	}
	op := newOperation()
	c.op = op
	c.setStateLocked(Stopping)
	timer := c.detachTimerLocked()
	r.mu.Unlock()

	timer.halt(ctx)
	err := c.runHook(ctx, hookStop)

	r.mu.Lock()
	c.op = nil
	c.setStateLocked(Stopped)
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("component failed to stop cleanly",
			slog.String("component", c.name),
			slog.Any("error", err),
		)
	}
	op.finish(err)
	return err
}

// Pause halts the update timer of a Started component and waits for an
// update in progress. It must not be called from the component's own Update
// hook; Stop with the hook's context may be.
func (c *Component) Pause() error {
	r := c.reg
	r.mu.Lock()
	switch c.state {
	case Paused:
		r.mu.Unlock()
		return nil
	case Started:
	default:
		st := c.state
		r.mu.Unlock()
		return &StateError{Name: c.name, Op: "pause", State: st}
	}
	timer := c.detachTimerLocked()
	c.setStateLocked(Paused)
	r.mu.Unlock()

	timer.halt(context.Background())
	return nil
}

// Resume restarts the update timer of a Paused component.
func (c *Component) Resume() error {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.state != Paused {
		return &StateError{Name: c.name, Op: "resume", State: c.state}
	}
	c.setStateLocked(Started)
	c.startTimerLocked()
	return nil
}

func (c *Component) setStateLocked(s State) {
	c.state = s
	metrics.ComponentTransitions.WithLabelValues(c.name, s.String()).Inc()
	c.reg.logger.Debug("component state changed",
		slog.String("component", c.name),
		slog.String("state", s.String()),
	)
}

// runHook invokes the named hook if the component defines it. Hooks run
// detached from the caller's cancellation so a caller giving up on the wait
// does not abort a transition other callers share.
func (c *Component) runHook(ctx context.Context, hook string) (err error) {
	fn := hookOf(c.impl, hook)
	if fn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s hook panicked: %v", hook, p)
			c.reg.logger.Error("component hook panic recovered",
				slog.String("component", c.name),
				slog.String("hook", hook),
				slog.String("stack", string(debug.Stack())),
			)
		}
		if err != nil {
			metrics.ComponentHookFailures.WithLabelValues(c.name, hook).Inc()
		}
	}()
	return fn(context.WithoutCancel(ctx))
}

// ---------------------------------------------------------------------------
// Periodic update
// ---------------------------------------------------------------------------

// updateKey marks the context of an update hook with its timer.
type updateKey struct{}

type updateTimer struct {
	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// startTimerLocked begins periodic updates if the component has an update
// hook. The first update runs immediately.
func (c *Component) startTimerLocked() {
	if hookOf(c.impl, hookUpdate) == nil || c.timer != nil {
		return
	}
	t := &updateTimer{
		ticker: c.reg.clock.Ticker(c.interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.timer = t
	go c.runTimer(t)
}

func (c *Component) detachTimerLocked() *updateTimer {
	t := c.timer
	c.timer = nil
	return t
}

func (c *Component) runTimer(t *updateTimer) {
	defer close(t.done)
	c.update(t)
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			select {
			case <-t.stop:
				return
			default:
			}
			c.update(t)
		}
	}
}

func (c *Component) update(t *updateTimer) {
	ctx := context.WithValue(context.Background(), updateKey{}, t)
	if err := c.runHook(ctx, hookUpdate); err != nil {
		c.reg.logger.Warn("component update failed",
			slog.String("component", c.name),
			slog.Any("error", err),
		)
	}
}

// halt stops the timer and waits for an update in progress to return,
// unless ctx belongs to that update.
func (t *updateTimer) halt(ctx context.Context) {
	if t == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	if self, _ := ctx.Value(updateKey{}).(*updateTimer); self == t {
		return
	}
	<-t.done
}
