// Package apihttp is the HTTP and WebSocket gateway in front of a daemon
// connection. Reads go through the session proxy, writes straight to the
// daemon.
package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentd/internal/domain"
)

// StatusReader serves torrent status, normally the session proxy.
type StatusReader interface {
	GetTorrentStatus(ctx context.Context, id string, keys []domain.Field) (domain.Status, error)
	GetTorrentsStatus(ctx context.Context, filter domain.Filter, keys []domain.Field) (map[string]domain.Status, error)
}

// TorrentController changes torrents on the daemon.
type TorrentController interface {
	AddTorrentMagnet(ctx context.Context, uri string, opts domain.TorrentOptions) (string, error)
	AddTorrentFile(ctx context.Context, filename string, data []byte, opts domain.TorrentOptions) (string, error)
	RemoveTorrent(ctx context.Context, id string, removeData bool) error
	PauseTorrents(ctx context.Context, ids ...string) error
	ResumeTorrents(ctx context.Context, ids ...string) error
}

// HealthChecker reports whether the daemon connection is usable.
type HealthChecker func(ctx context.Context) error

type Server struct {
	status         StatusReader
	control        TorrentController
	health         HealthChecker
	allowedOrigins []string
	rps            float64
	burst          int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithHealthCheck(fn HealthChecker) ServerOption {
	return func(s *Server) { s.health = fn }
}

// WithAllowedOrigins restricts CORS to the given origins. When empty any
// origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithRateLimit caps requests per second across all clients.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rps = rps
		s.burst = burst
	}
}

func NewServer(status StatusReader, control TorrentController, opts ...ServerOption) *Server {
	s := &Server{
		status:  status,
		control: control,
		rps:     100,
		burst:   200,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/torrents", s.handleTorrents)
	mux.HandleFunc("/api/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrent-web",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rps, s.burst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// BroadcastEvent forwards a daemon event to every WebSocket client.
func (s *Server) BroadcastEvent(name string, args []any) {
	s.wsHub.Broadcast(name, args)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if !s.wsHub.enroll(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "daemon_unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close disconnects every WebSocket client.
func (s *Server) Close() {
	s.wsHub.Close()
}
