package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	apihttp "torrentd/internal/api/http"
	"torrentd/internal/app"
	"torrentd/internal/client"
	"torrentd/internal/component"
	"torrentd/internal/core"
	"torrentd/internal/domain"
	"torrentd/internal/metrics"
	"torrentd/internal/rpc"
	"torrentd/internal/sessionproxy"
	"torrentd/internal/telemetry"
)

const componentSessionProxy = "SessionProxy"

// forwardedEvents are pushed to WebSocket clients as they arrive.
var forwardedEvents = []string{
	domain.EventTorrentAdded,
	domain.EventTorrentRemoved,
	domain.EventTorrentStateChanged,
	domain.EventTorrentFinished,
	domain.EventConfigValueChanged,
}

func main() {
	cfg := app.LoadConfig()
	flags := pflag.NewFlagSet("torrent-web", pflag.ExitOnError)
	flags.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address")
	flags.StringVarP(&cfg.DaemonAddr, "daemon", "d", cfg.DaemonAddr, "daemon RPC address")
	flags.StringVarP(&cfg.Username, "username", "u", cfg.Username, "daemon username (default: localclient)")
	flags.StringVarP(&cfg.Password, "password", "P", cfg.Password, "daemon password")
	flags.StringVarP(&cfg.ConfigDir, "config", "c", cfg.ConfigDir, "daemon config directory, for localclient credentials")
	flags.StringSliceVar(&cfg.CORSAllowedOrigins, "cors-origin", cfg.CORSAllowedOrigins, "allowed CORS origins")
	flags.StringVarP(&cfg.LogLevel, "loglevel", "L", cfg.LogLevel, "log level: debug, info, warn, error")
	_ = flags.Parse(os.Args[1:])

	logger := app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "torrent-web",
		Endpoint:    cfg.OTELEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	username, password := cfg.Username, cfg.Password
	if username == "" {
		username, password, err = core.ReadLocalClient(filepath.Join(cfg.ConfigDir, "auth"))
		if err != nil {
			logger.Error("no daemon credentials", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	connectCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	daemon, level, err := client.Connect(connectCtx, cfg.DaemonAddr, username, password,
		rpc.WithClientLogger(logger.With(slog.String("component", "rpc"))))
	cancel()
	if err != nil {
		logger.Error("daemon connect failed",
			slog.String("addr", cfg.DaemonAddr),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer daemon.Close()
	logger.Info("connected to daemon",
		slog.String("addr", cfg.DaemonAddr),
		slog.String("username", username),
		slog.Int("authLevel", int(level)))

	proxy := sessionproxy.New(daemon, daemon,
		sessionproxy.WithLogger(logger.With(slog.String("component", "sessionproxy"))))
	registry := component.NewRegistry(component.WithLogger(logger))
	if _, err := registry.Register(componentSessionProxy, proxy); err != nil {
		logger.Error("register session proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := component.Failed(registry.Start(rootCtx)); err != nil {
		logger.Error("session proxy start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := apihttp.NewServer(proxy, daemon,
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithHealthCheck(func(context.Context) error {
			select {
			case <-daemon.Conn().Done():
				return rpc.ErrDisconnected
			default:
				return nil
			}
		}),
	)
	for _, name := range forwardedEvents {
		daemon.On(name, func(args []any) { handler.BroadcastEvent(name, args) })
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-daemon.Conn().Done():
			return rpc.ErrDisconnected
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		handler.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := registry.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("registry shutdown error", slog.String("error", serr.Error()))
	}
	if err != nil {
		logger.Error("gateway exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
