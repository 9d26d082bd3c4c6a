package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"torrentd/internal/codec"
	"torrentd/internal/domain"
	"torrentd/internal/metrics"
	"torrentd/internal/wire"
)

const readBufferSize = 64 * 1024

// Authenticator checks login credentials and reports the level granted.
type Authenticator interface {
	Authorize(username, password string) (AuthLevel, error)
}

// Handler serves one exported method.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is one request as seen by a Handler.
type Call struct {
	Session *Session
	Method  string
	Args    []any
	Kwargs  map[string]any
}

// Arg decodes positional argument i into out. A missing argument leaves out
// untouched and reports ErrInvalidArgument.
func (c *Call) Arg(i int, out any) error {
	if i >= len(c.Args) {
		return fmt.Errorf("%w: %s: missing argument %d", ErrInvalidArgument, c.Method, i)
	}
	return convert(c.Args[i], out, c.Method)
}

// OptArg decodes positional argument i into out when present.
func (c *Call) OptArg(i int, out any) error {
	if i >= len(c.Args) || c.Args[i] == nil {
		return nil
	}
	return convert(c.Args[i], out, c.Method)
}

// Kwarg decodes keyword argument key into out when present and reports
// whether it was.
func (c *Call) Kwarg(key string, out any) (bool, error) {
	v, ok := c.Kwargs[key]
	if !ok {
		return false, nil
	}
	return true, convert(v, out, c.Method)
}

// convert moves a decoded value into a typed destination by re-encoding it.
func convert(v, out any, method string) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, method, err)
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, method, err)
	}
	return nil
}

// Session is one connected client.
type Session struct {
	id     string
	remote string
	enc    *wire.Encoder
	conn   net.Conn

	mu       sync.Mutex
	level    AuthLevel
	username string
	interest map[string]bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) RemoteAddr() string { return s.remote }

func (s *Session) AuthLevel() AuthLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Interested reports whether the client asked for events named name.
func (s *Session) Interested(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interest[name]
}

func (s *Session) login(username string, level AuthLevel) {
	s.mu.Lock()
	s.username = username
	s.level = level
	s.mu.Unlock()
}

func (s *Session) addInterest(names []string) {
	s.mu.Lock()
	for _, n := range names {
		s.interest[n] = true
	}
	s.mu.Unlock()
}

type method struct {
	level   AuthLevel
	handler Handler
}

// Server dispatches requests from any number of sessions to registered
// handlers and pushes events to the sessions interested in them.
type Server struct {
	auth     Authenticator
	logger   *slog.Logger
	tracer   trace.Tracer
	version  string
	maxFrame uint32

	mu           sync.RWMutex
	methods      map[string]method
	sessions     map[string]*Session
	listeners    map[net.Listener]struct{}
	onDisconnect []func(sessionID string)
	closed       bool

	wg sync.WaitGroup
}

type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the string daemon.info reports.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithMaxFrameSize limits the payload size accepted from a session; a
// larger frame header closes the session.
func WithMaxFrameSize(n uint32) ServerOption {
	return func(s *Server) { s.maxFrame = n }
}

func NewServer(auth Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		auth:      auth,
		logger:    slog.Default(),
		tracer:    otel.Tracer("torrentd/rpc"),
		version:   "dev",
		methods:   make(map[string]method),
		sessions:  make(map[string]*Session),
		listeners: make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Register("daemon.info", AuthNone, s.info)
	s.Register("daemon.login", AuthNone, s.login)
	s.Register("daemon.set_event_interest", AuthReadOnly, s.setEventInterest)
	s.Register("daemon.get_method_list", AuthReadOnly, s.methodList)
	return s
}

// Register exports handler as name, callable by sessions at level or above.
// Registering a name twice panics.
func (s *Server) Register(name string, level AuthLevel, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		panic("rpc: method registered twice: " + name)
	}
	s.methods[name] = method{level: level, handler: handler}
}

// Methods returns the exported method names in sorted order.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnDisconnect registers fn to run after a session's connection closes.
func (s *Server) OnDisconnect(fn func(sessionID string)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Emit sends ev to every session that registered interest in it.
func (s *Server) Emit(ev domain.Event) {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Interested(ev.Name) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	msg := eventMessage(ev.Name, ev.Args)
	for _, sess := range targets {
		if err := sess.enc.Encode(msg); err != nil {
			s.logger.Warn("rpc: event delivery failed",
				slog.String("event", ev.Name),
				slog.String("session", sess.id),
				slog.Any("error", err),
			)
			continue
		}
		metrics.RPCEventsEmitted.WithLabelValues(ev.Name).Inc()
	}
}

// Serve accepts connections on ln until ctx ends or Close is called. It
// returns nil in both cases.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("rpc: listening", slog.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			delete(s.listeners, ln)
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		if !s.track() {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// track counts a session goroutine unless the server is closing.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Close stops accepting, closes every session and waits for their
// goroutines to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for ln := range s.listeners {
		listeners = append(listeners, ln)
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// ServeConn runs one session on conn until it closes. Serve calls it for
// every accepted connection.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	if !s.track() {
		_ = conn.Close()
		return
	}
	defer s.wg.Done()
	s.serveConn(ctx, conn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := &Session{
		id:       uuid.NewString(),
		remote:   conn.RemoteAddr().String(),
		enc:      wire.NewEncoder(conn),
		conn:     conn,
		interest: make(map[string]bool),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	metrics.RPCSessions.Inc()

	logger := s.logger.With(slog.String("session", sess.id))
	logger.Info("rpc: session opened", slog.String("remote", sess.remote))

	connCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })

	var calls sync.WaitGroup
	dec := wire.NewDecoder(logger, wire.WithMaxFrameSize(s.maxFrame))
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := dec.Feed(buf[:n])
			for _, raw := range msgs {
				s.dispatchFrame(connCtx, sess, raw, &calls)
			}
			if ferr != nil {
				logger.Warn("rpc: closing session", slog.Any("error", ferr))
				break
			}
		}
		if err != nil {
			break
		}
	}

	cancel()
	stop()
	_ = conn.Close()
	calls.Wait()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	hooks := append([]func(string){}, s.onDisconnect...)
	s.mu.Unlock()
	metrics.RPCSessions.Dec()

	for _, fn := range hooks {
		fn(sess.id)
	}
	logger.Info("rpc: session closed",
		slog.Int64("bytesIn", dec.BytesReceived()),
		slog.Int64("bytesOut", sess.enc.BytesSent()),
	)
}

func (s *Server) dispatchFrame(ctx context.Context, sess *Session, raw codec.RawMessage, calls *sync.WaitGroup) {
	reqs, bad, err := decodeRequests(raw)
	if err != nil {
		s.logger.Warn("rpc: dropping frame", slog.String("session", sess.id), slog.Any("error", err))
		return
	}
	for _, berr := range bad {
		s.logger.Warn("rpc: dropping request", slog.String("session", sess.id), slog.Any("error", berr))
	}
	for _, req := range reqs {
		calls.Add(1)
		go func() {
			defer calls.Done()
			s.handle(ctx, sess, req)
		}()
	}
}

func (s *Server) handle(ctx context.Context, sess *Session, req request) {
	ctx, span := s.tracer.Start(ctx, "rpc "+req.Method, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.system", "torrentd"),
		attribute.String("rpc.method", req.Method),
		attribute.String("torrentd.session", sess.id),
	)

	begin := time.Now()
	result, err := s.invoke(ctx, sess, req)
	elapsed := time.Since(begin)

	outcome := "ok"
	var msg []any
	if err != nil {
		re := toRemote(err)
		outcome = re.Type
		span.RecordError(err)
		span.SetStatus(codes.Error, re.Type)
		msg = errorMessage(req.ID, re)
		s.logger.Debug("rpc: call failed",
			slog.String("session", sess.id),
			slog.String("method", req.Method),
			slog.String("type", re.Type),
			slog.Any("error", err),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		msg = responseMessage(req.ID, result)
	}
	metrics.RPCCallsTotal.WithLabelValues(req.Method, outcome).Inc()
	metrics.RPCCallDuration.WithLabelValues(req.Method).Observe(elapsed.Seconds())

	if err := sess.enc.Encode(msg); err != nil {
		s.logger.Warn("rpc: sending reply failed",
			slog.String("session", sess.id),
			slog.String("method", req.Method),
			slog.Any("error", err),
		)
		// An unencodable result is reported to the caller as an error.
		_ = sess.enc.Encode(errorMessage(req.ID, toRemote(err)))
	}
}

func (s *Server) invoke(ctx context.Context, sess *Session, req request) (result any, err error) {
	s.mu.RLock()
	m, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}
	if have := sess.AuthLevel(); have < m.level {
		return nil, &RemoteError{
			Type: "NotAuthorizedError",
			Args: []any{int64(have), int64(m.level)},
		}
	}

	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			s.logger.Error("rpc: handler panic recovered",
				slog.String("method", req.Method),
				slog.String("stack", stack),
			)
			result = nil
			err = &RemoteError{Type: WrappedException, Args: []any{fmt.Sprint(p)}, Traceback: stack}
		}
	}()
	return m.handler(ctx, &Call{Session: sess, Method: req.Method, Args: req.Args, Kwargs: req.Kwargs})
}

// ---------------------------------------------------------------------------
// Built-in methods
// ---------------------------------------------------------------------------

func (s *Server) info(context.Context, *Call) (any, error) {
	return s.version, nil
}

func (s *Server) login(_ context.Context, call *Call) (any, error) {
	var clientVersion string
	if ok, err := call.Kwarg("client_version", &clientVersion); err != nil || !ok || clientVersion == "" {
		return nil, fmt.Errorf("%w: client_version is required", ErrIncompatibleClient)
	}
	var username, password string
	if err := call.Arg(0, &username); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &password); err != nil {
		return nil, err
	}
	if s.auth == nil {
		return nil, fmt.Errorf("%w: no authenticator", ErrBadLogin)
	}
	level, err := s.auth.Authorize(username, password)
	if err != nil {
		return nil, err
	}
	call.Session.login(username, level)
	s.logger.Info("rpc: session logged in",
		slog.String("session", call.Session.id),
		slog.String("username", username),
		slog.Int("level", int(level)),
		slog.String("clientVersion", clientVersion),
	)
	return int64(level), nil
}

func (s *Server) setEventInterest(_ context.Context, call *Call) (any, error) {
	var names []string
	if err := call.Arg(0, &names); err != nil {
		return nil, err
	}
	call.Session.addInterest(names)
	return true, nil
}

func (s *Server) methodList(context.Context, *Call) (any, error) {
	return s.Methods(), nil
}
