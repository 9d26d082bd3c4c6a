package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"torrentd/internal/codec"
	"torrentd/internal/wire"
)

// ClientVersion is sent with daemon.login.
const ClientVersion = "torrentd-client/1"

const eventQueueSize = 256

// EventHandler receives the positional arguments of one event.
type EventHandler func(args []any)

type reply struct {
	result codec.RawMessage
	err    error
}

type queuedEvent struct {
	name string
	args []any
}

// Client is one connection to a daemon. Calls may be issued from any
// goroutine; event handlers run one at a time in arrival order.
type Client struct {
	conn   net.Conn
	enc    *wire.Encoder
	logger *slog.Logger

	mu           sync.Mutex
	nextID       int64
	pending      map[int64]chan reply
	handlers     map[string][]EventHandler
	onDisconnect []func(error)
	err          error

	events chan queuedEvent
	done   chan struct{}

	closeOnce sync.Once
}

type ClientOption func(*Client)

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Dial connects to a daemon at addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient runs a client over an established connection.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:     conn,
		enc:      wire.NewEncoder(conn),
		logger:   slog.Default(),
		pending:  make(map[int64]chan reply),
		handlers: make(map[string][]EventHandler),
		events:   make(chan queuedEvent, eventQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	go c.dispatchEvents()
	return c
}

// Call invokes method and decodes its result into out, which may be nil.
// There is no default timeout; ctx bounds the wait.
func (c *Client) Call(ctx context.Context, method string, args []any, kwargs map[string]any, out any) error {
	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{ID: id, Method: method, Args: args, Kwargs: kwargs}
	if err := c.enc.Encode([]any{req.encode()}); err != nil {
		c.forget(id)
		return fmt.Errorf("rpc: send %s: %w", method, err)
	}

	var r reply
	select {
	case r = <-ch:
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if out == nil || r.result == nil {
		return nil
	}
	if err := codec.Unmarshal(r.result, out); err != nil {
		return fmt.Errorf("rpc: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Login authenticates the connection and returns the granted level.
func (c *Client) Login(ctx context.Context, username, password string) (AuthLevel, error) {
	var level int64
	err := c.Call(ctx, "daemon.login",
		[]any{username, password},
		map[string]any{"client_version": ClientVersion},
		&level,
	)
	if err != nil {
		return AuthNone, err
	}
	return AuthLevel(level), nil
}

// Info returns the daemon's version string.
func (c *Client) Info(ctx context.Context) (string, error) {
	var v string
	err := c.Call(ctx, "daemon.info", nil, nil, &v)
	return v, err
}

// MethodList returns every method the daemon exports.
func (c *Client) MethodList(ctx context.Context) ([]string, error) {
	var names []string
	err := c.Call(ctx, "daemon.get_method_list", nil, nil, &names)
	return names, err
}

// Subscribe adds fn as a handler for event. The first handler for an event
// registers interest with the daemon before Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, event string, fn EventHandler) error {
	c.mu.Lock()
	first := len(c.handlers[event]) == 0
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()

	if !first {
		return nil
	}
	return c.Call(ctx, "daemon.set_event_interest", []any{[]string{event}}, nil, nil)
}

// On adds fn as a handler for event. Interest is registered with the
// daemon in the background; failures are logged.
func (c *Client) On(event string, fn func(args []any)) {
	go func() {
		if err := c.Subscribe(context.Background(), event, fn); err != nil {
			c.logger.Warn("rpc: registering event interest failed",
				slog.String("event", event),
				slog.Any("error", err),
			)
		}
	}()
}

// OnDisconnect registers fn to run once the connection ends. fn runs
// immediately if it already has.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	dec := wire.NewDecoder(c.logger)
	buf := make([]byte, readBufferSize)
	var cause error
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, ferr := dec.Feed(buf[:n])
			for _, raw := range msgs {
				c.handleMessage(raw)
			}
			if ferr != nil {
				cause = ferr
				break
			}
		}
		if err != nil {
			cause = err
			break
		}
	}
	c.closeOnce.Do(func() { _ = c.conn.Close() })
	c.shutdown(cause)
}

func (c *Client) handleMessage(raw codec.RawMessage) {
	msg, err := decodeIncoming(raw)
	if err != nil {
		c.logger.Warn("rpc: dropping message", slog.Any("error", err))
		return
	}
	switch msg.kind {
	case KindResponse, KindError:
		c.mu.Lock()
		ch, ok := c.pending[msg.id]
		delete(c.pending, msg.id)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("rpc: reply for unknown request", slog.Int64("id", msg.id))
			return
		}
		if msg.kind == KindError {
			ch <- reply{err: msg.err}
		} else {
			ch <- reply{result: msg.result}
		}
	case KindEvent:
		c.events <- queuedEvent{name: msg.event, args: msg.args}
	}
}

func (c *Client) dispatchEvents() {
	for ev := range c.events {
		c.mu.Lock()
		handlers := append([]EventHandler(nil), c.handlers[ev.name]...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(ev.args)
		}
	}
}

// shutdown fails every pending call and runs the disconnect callbacks.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	c.err = ErrDisconnected
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		c.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	}
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	callbacks := c.onDisconnect
	c.onDisconnect = nil
	err := c.err
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	close(c.events)
	close(c.done)
	for _, fn := range callbacks {
		fn(err)
	}
}
