package component

import "context"

// A registered object opts into lifecycle callbacks by implementing any of
// the interfaces below. Objects that implement none are still tracked and
// move through the state machine.

type Starter interface {
	Start(ctx context.Context) error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

// Updater is called on a fixed interval while the component is Started.
type Updater interface {
	Update(ctx context.Context) error
}

// ShutdownHook runs once during Registry.Shutdown, after every component
// has stopped.
type ShutdownHook interface {
	Shutdown(ctx context.Context) error
}

// Funcs adapts plain functions to the hook interfaces. Nil fields are
// no-ops.
type Funcs struct {
	OnStart    func(ctx context.Context) error
	OnStop     func(ctx context.Context) error
	OnUpdate   func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

func (f Funcs) Start(ctx context.Context) error    { return call(ctx, f.OnStart) }
func (f Funcs) Stop(ctx context.Context) error     { return call(ctx, f.OnStop) }
func (f Funcs) Update(ctx context.Context) error   { return call(ctx, f.OnUpdate) }
func (f Funcs) Shutdown(ctx context.Context) error { return call(ctx, f.OnShutdown) }

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (f Funcs) defines(hook string) bool {
	switch hook {
	case hookStart:
		return f.OnStart != nil
	case hookStop:
		return f.OnStop != nil
	case hookUpdate:
		return f.OnUpdate != nil
	case hookShutdown:
		return f.OnShutdown != nil
	}
	return false
}

const (
	hookStart    = "start"
	hookStop     = "stop"
	hookUpdate   = "update"
	hookShutdown = "shutdown"
)

// hookOf returns the callback impl defines for hook, or nil.
func hookOf(impl any, hook string) func(context.Context) error {
	if f, ok := impl.(interface{ defines(string) bool }); ok && !f.defines(hook) {
		return nil
	}
	switch hook {
	case hookStart:
		if h, ok := impl.(Starter); ok {
			return h.Start
		}
	case hookStop:
		if h, ok := impl.(Stopper); ok {
			return h.Stop
		}
	case hookUpdate:
		if h, ok := impl.(Updater); ok {
			return h.Update
		}
	case hookShutdown:
		if h, ok := impl.(ShutdownHook); ok {
			return h.Shutdown
		}
	}
	return nil
}
