package component

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(opts ...Option) *Registry {
	return NewRegistry(append([]Option{WithLogger(discardLogger())}, opts...)...)
}

// recorder collects hook invocations in order across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(s string) int {
	n := 0
	for _, c := range r.list() {
		if c == s {
			n++
		}
	}
	return n
}

func (r *recorder) index(s string) int {
	for i, c := range r.list() {
		if c == s {
			return i
		}
	}
	return -1
}

func recorded(rec *recorder, name string) Funcs {
	return Funcs{
		OnStart: func(context.Context) error {
			rec.add("start:" + name)
			return nil
		},
		OnStop: func(context.Context) error {
			rec.add("stop:" + name)
			return nil
		},
	}
}

func mustRegister(t *testing.T, r *Registry, name string, impl any, opts ...RegisterOption) *Component {
	t.Helper()
	c, err := r.Register(name, impl, opts...)
	if err != nil {
		t.Fatalf("Register(%q): %v", name, err)
	}
	return c
}

func expectState(t *testing.T, c *Component, want State) {
	t.Helper()
	if got := c.State(); got != want {
		t.Fatalf("%s state = %s, want %s", c.Name(), got, want)
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := newTestRegistry()
	first := mustRegister(t, r, "A", Funcs{})

	_, err := r.Register("A", Funcs{}, DependsOn("B"))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrAlreadyRegistered", err)
	}
	c, ok := r.Component("A")
	if !ok || c != first {
		t.Fatal("duplicate registration replaced the original component")
	}
	if deps := r.dependentsOf("B"); len(deps) != 0 {
		t.Fatalf("duplicate registration touched dependents: %v", deps)
	}
}

func TestRegisterRejectsCycles(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "A", Funcs{}, DependsOn("B"))
	mustRegister(t, r, "B", Funcs{}, DependsOn("C"))

	if _, err := r.Register("C", Funcs{}, DependsOn("A")); !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("err = %v, want ErrDependencyCycle", err)
	}
	if _, err := r.Register("S", Funcs{}, DependsOn("S")); !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("self dependency: err = %v, want ErrDependencyCycle", err)
	}
	if _, ok := r.Component("C"); ok {
		t.Fatal("rejected component was registered")
	}
}

func TestDependentsMapTracksDeclaredDependencies(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "Core", Funcs{})
	mustRegister(t, r, "A", Funcs{}, DependsOn("Core"))
	mustRegister(t, r, "B", Funcs{}, DependsOn("Core"))

	if got := r.dependentsOf("Core"); len(got) != 2 {
		t.Fatalf("dependents(Core) = %v, want A and B", got)
	}
	if err := r.Deregister(context.Background(), "A"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if got := r.dependentsOf("Core"); len(got) != 1 || got[0] != "B" {
		t.Fatalf("dependents(Core) after deregister = %v, want [B]", got)
	}
}

func TestLookupIsTyped(t *testing.T) {
	r := newTestRegistry()
	mustRegister(t, r, "rec", &recorder{})

	if _, ok := Lookup[*recorder](r, "rec"); !ok {
		t.Fatal("Lookup[*recorder] failed")
	}
	if _, ok := Lookup[Funcs](r, "rec"); ok {
		t.Fatal("Lookup with the wrong type succeeded")
	}
	if _, ok := Lookup[*recorder](r, "missing"); ok {
		t.Fatal("Lookup of missing name succeeded")
	}
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func TestStartStartsDependenciesFirst(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	dep := mustRegister(t, r, "D", recorded(rec, "D"))

	var depStateAtStart State
	mustRegister(t, r, "C", Funcs{OnStart: func(context.Context) error {
		depStateAtStart = dep.State()
		rec.add("start:C")
		return nil
	}}, DependsOn("D"))

	results := r.Start(context.Background(), "C")
	if err := Failed(results); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if depStateAtStart != Started {
		t.Fatalf("dependency state during dependent start = %s, want Started", depStateAtStart)
	}
	if rec.index("start:D") > rec.index("start:C") {
		t.Fatalf("start order = %v", rec.list())
	}
}

func TestConcurrentStartInvokesHookOnce(t *testing.T) {
	r := newTestRegistry()
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	c := mustRegister(t, r, "slow", Funcs{OnStart: func(context.Context) error {
		calls.Add(1)
		close(entered)
		<-release
		return nil
	}})

	errs := make(chan error, 2)
	go func() { errs <- c.Start(context.Background()) }()
	<-entered
	expectState(t, c, Starting)
	go func() { errs <- c.Start(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("start hook ran %d times, want 1", n)
	}
	expectState(t, c, Started)
}

func TestStartWhenStartedSucceeds(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	c := mustRegister(t, r, "A", recorded(rec, "A"))

	for i := 0; i < 2; i++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
	}
	if n := rec.count("start:A"); n != 1 {
		t.Fatalf("start hook ran %d times, want 1", n)
	}
}

func TestFailedStartIsIsolated(t *testing.T) {
	r := newTestRegistry()
	boom := errors.New("boom")
	bad := mustRegister(t, r, "bad", Funcs{OnStart: func(context.Context) error { return boom }})
	good := mustRegister(t, r, "good", Funcs{})

	results := r.Start(context.Background(), "bad", "good")
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !errors.Is(results[0].Err, boom) || results[1].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	expectState(t, bad, Stopped)
	expectState(t, good, Started)
}

func TestDependencyFailureKeepsDependentStopped(t *testing.T) {
	r := newTestRegistry()
	boom := errors.New("boom")
	var started atomic.Bool
	mustRegister(t, r, "D", Funcs{OnStart: func(context.Context) error { return boom }})
	c := mustRegister(t, r, "C", Funcs{OnStart: func(context.Context) error {
		started.Store(true)
		return nil
	}}, DependsOn("D"))

	results := r.Start(context.Background(), "C")
	if !errors.Is(results[0].Err, boom) {
		t.Fatalf("err = %v, want wrapped dependency failure", results[0].Err)
	}
	if started.Load() {
		t.Fatal("dependent start hook ran after dependency failed")
	}
	expectState(t, c, Stopped)
}

func TestStartUnknownComponent(t *testing.T) {
	r := newTestRegistry()
	results := r.Start(context.Background(), "ghost")
	if !errors.Is(results[0].Err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", results[0].Err)
	}
}

func TestHookPanicBecomesError(t *testing.T) {
	r := newTestRegistry()
	c := mustRegister(t, r, "p", Funcs{OnStart: func(context.Context) error { panic("kaboom") }})

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected error from panicking hook")
	}
	expectState(t, c, Stopped)
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

func TestStopStopsDependentsFirst(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	mustRegister(t, r, "D", recorded(rec, "D"))
	mustRegister(t, r, "C", recorded(rec, "C"), DependsOn("D"))

	if err := Failed(r.Start(context.Background())); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := Failed(r.Stop(context.Background(), "D")); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopC, stopD := rec.index("stop:C"), rec.index("stop:D")
	if stopC < 0 || stopD < 0 || stopC > stopD {
		t.Fatalf("stop order = %v, want C before D", rec.list())
	}
}

func TestStopReachedThroughManyPathsRunsOnce(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	mustRegister(t, r, "base", recorded(rec, "base"))
	mustRegister(t, r, "left", recorded(rec, "left"), DependsOn("base"))
	mustRegister(t, r, "right", recorded(rec, "right"), DependsOn("base"))
	mustRegister(t, r, "top", recorded(rec, "top"), DependsOn("left", "right"))

	if err := Failed(r.Start(context.Background())); err != nil {
		t.Fatalf("Start: %v", err)
	}
	results := r.Stop(context.Background())
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for _, name := range []string{"base", "left", "right", "top"} {
		if n := rec.count("stop:" + name); n != 1 {
			t.Fatalf("stop hook of %s ran %d times, want 1", name, n)
		}
	}
	if rec.index("stop:top") > rec.index("stop:left") || rec.index("stop:left") > rec.index("stop:base") {
		t.Fatalf("stop order = %v", rec.list())
	}
}

func TestFailedStopStillEndsStopped(t *testing.T) {
	r := newTestRegistry()
	c := mustRegister(t, r, "A", Funcs{OnStop: func(context.Context) error { return errors.New("stuck") }})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(context.Background()); err == nil {
		t.Fatal("expected stop error")
	}
	expectState(t, c, Stopped)
}

func TestStopWhileStoppedIsNoop(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	c := mustRegister(t, r, "A", recorded(rec, "A"))

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.count("stop:A") != 0 {
		t.Fatal("stop hook ran for a stopped component")
	}
}

func TestStopWhileStartingWaitsForStart(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	c := mustRegister(t, r, "A", Funcs{
		OnStart: func(context.Context) error {
			close(entered)
			<-release
			rec.add("start:A")
			return nil
		},
		OnStop: func(context.Context) error {
			rec.add("stop:A")
			return nil
		},
	})

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	<-entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- c.Stop(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	expectState(t, c, Stopped)
	if got := rec.list(); len(got) != 2 || got[0] != "start:A" || got[1] != "stop:A" {
		t.Fatalf("calls = %v", got)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	r := newTestRegistry()
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	c := mustRegister(t, r, "A", Funcs{OnStart: func(context.Context) error {
		close(entered)
		<-release
		return nil
	}})

	go func() { _ = c.Start(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

// ---------------------------------------------------------------------------
// Pause / resume and the update timer
// ---------------------------------------------------------------------------

func waitTick(t *testing.T, ticks <-chan struct{}) {
	t.Helper()
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("update hook did not run")
	}
}

func expectNoTick(t *testing.T, ticks <-chan struct{}) {
	t.Helper()
	select {
	case <-ticks:
		t.Fatal("update hook ran while it should be halted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPauseHaltsUpdatesAndResumeRestarts(t *testing.T) {
	mock := clock.NewMock()
	r := newTestRegistry(WithClock(mock))
	ticks := make(chan struct{}, 16)
	c := mustRegister(t, r, "ticker", Funcs{OnUpdate: func(context.Context) error {
		ticks <- struct{}{}
		return nil
	}}, WithInterval(2*time.Second))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTick(t, ticks)
	mock.Add(2 * time.Second)
	waitTick(t, ticks)

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	expectState(t, c, Paused)
	mock.Add(10 * time.Second)
	expectNoTick(t, ticks)

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	expectState(t, c, Started)
	waitTick(t, ticks)
	mock.Add(2 * time.Second)
	waitTick(t, ticks)

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mock.Add(10 * time.Second)
	expectNoTick(t, ticks)
}

func TestStopFromOwnUpdate(t *testing.T) {
	mock := clock.NewMock()
	r := newTestRegistry(WithClock(mock))
	var self *Component
	stopped := make(chan error, 1)
	self = mustRegister(t, r, "oneshot", Funcs{OnUpdate: func(ctx context.Context) error {
		stopped <- self.Stop(ctx)
		return nil
	}})

	if err := self.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop from update: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from inside the update hook did not return")
	}
	expectState(t, self, Stopped)
	mock.Add(10 * DefaultInterval)
	if len(stopped) != 0 {
		t.Fatal("update ran after stop")
	}
}

func TestUpdateErrorsDoNotStopTimer(t *testing.T) {
	mock := clock.NewMock()
	r := newTestRegistry(WithClock(mock))
	ticks := make(chan struct{}, 16)
	c := mustRegister(t, r, "flaky", Funcs{OnUpdate: func(context.Context) error {
		ticks <- struct{}{}
		return errors.New("transient")
	}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTick(t, ticks)
	mock.Add(DefaultInterval)
	waitTick(t, ticks)
	_ = c.Stop(context.Background())
}

func TestInvalidTransitions(t *testing.T) {
	r := newTestRegistry()
	c := mustRegister(t, r, "A", Funcs{})

	if err := c.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pause while Stopped: err = %v", err)
	}
	if err := c.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume while Stopped: err = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume while Started: err = %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	var stateErr *StateError
	if err := c.Start(context.Background()); !errors.As(err, &stateErr) || stateErr.State != Paused {
		t.Fatalf("start while Paused: err = %v", err)
	}
}

func TestBatchPauseIgnoresOtherStates(t *testing.T) {
	r := newTestRegistry()
	running := mustRegister(t, r, "running", Funcs{})
	idle := mustRegister(t, r, "idle", Funcs{})

	if err := running.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	results := r.Pause()
	if len(results) != 1 || results[0].Name != "running" || results[0].Err != nil {
		t.Fatalf("Pause results = %+v", results)
	}
	expectState(t, running, Paused)
	expectState(t, idle, Stopped)

	results = r.Resume()
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("Resume results = %+v", results)
	}
	expectState(t, running, Started)
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestStartThenShutdown(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	a := mustRegister(t, r, "A", Funcs{
		OnStart:    func(context.Context) error { rec.add("start"); return nil },
		OnShutdown: func(context.Context) error { rec.add("shutdown"); return nil },
	})
	expectState(t, a, Stopped)

	if err := Failed(r.Start(context.Background(), "A")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	expectState(t, a, Started)
	if n := rec.count("start"); n != 1 {
		t.Fatalf("start hook ran %d times, want 1", n)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := rec.count("shutdown"); n != 1 {
		t.Fatalf("shutdown hook ran %d times, want 1", n)
	}
	expectState(t, a, Stopped)
}

func TestShutdownRunsHooksAfterStopAndSwallowsFailures(t *testing.T) {
	r := newTestRegistry()
	rec := &recorder{}
	mustRegister(t, r, "never-started", Funcs{
		OnShutdown: func(context.Context) error { rec.add("shutdown:never-started"); return nil },
	})
	mustRegister(t, r, "failing", Funcs{
		OnStop:     func(context.Context) error { rec.add("stop:failing"); return errors.New("stop") },
		OnShutdown: func(context.Context) error { rec.add("shutdown:failing"); return errors.New("hook") },
	})
	if err := Failed(r.Start(context.Background(), "failing")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned %v, want nil", err)
	}
	if rec.count("shutdown:never-started") != 1 || rec.count("shutdown:failing") != 1 {
		t.Fatalf("calls = %v", rec.list())
	}
	if rec.index("stop:failing") > rec.index("shutdown:failing") {
		t.Fatalf("shutdown hook ran before stop: %v", rec.list())
	}
}
