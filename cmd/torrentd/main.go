package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/sync/errgroup"

	"torrentd/internal/app"
	"torrentd/internal/core"
	"torrentd/internal/domain/ports"
	"torrentd/internal/engine/anacrolix"
	"torrentd/internal/metrics"
	"torrentd/internal/repository/memory"
	mongorepo "torrentd/internal/repository/mongo"
	"torrentd/internal/telemetry"
)

const version = "0.4.0"

func main() {
	cfg := app.LoadConfig()
	flags := pflag.NewFlagSet("torrentd", pflag.ExitOnError)
	flags.StringVarP(&cfg.ConfigDir, "config", "c", cfg.ConfigDir, "config directory")
	flags.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "RPC listen address")
	flags.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "download directory")
	flags.IntVarP(&cfg.TorrentPort, "port", "p", cfg.TorrentPort, "BitTorrent listen port")
	flags.BoolVar(&cfg.NoDHT, "no-dht", cfg.NoDHT, "disable DHT")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics on this address")
	flags.StringVarP(&cfg.LogLevel, "loglevel", "L", cfg.LogLevel, "log level: debug, info, warn, error")
	_ = flags.Parse(os.Args[1:])

	logger := app.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "torrentd",
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "torrentd"),
		slog.String("version", version),
		slog.String("configDir", cfg.ConfigDir),
		slog.String("listen", cfg.ListenAddr),
		slog.String("dataDir", cfg.DataDir),
		slog.Int("torrentPort", cfg.TorrentPort),
		slog.Bool("mongo", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		logger.Error("config dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	repo, mongoClient, err := openRepository(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("repository init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if mongoClient != nil {
		defer func() {
			if err := mongoClient.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}()
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:    cfg.DataDir,
		ListenPort: cfg.TorrentPort,
		NoDHT:      cfg.NoDHT,
		Logger:     logger.With(slog.String("component", "engine")),
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}()

	daemon, err := core.NewDaemon(core.Options{
		ConfigDir:  cfg.ConfigDir,
		ListenAddr: cfg.ListenAddr,
		Version:    version,
		Engine:     engine,
		Repo:       repo,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("daemon init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		err := daemon.Run(ctx)
		stop()
		return err
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, logger) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("daemon exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("daemon stopped")
}

func openRepository(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.TorrentRepository, *mongo.Client, error) {
	if cfg.MongoURI == "" {
		logger.Info("using in-memory torrent repository")
		return memory.NewRepository(), nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongorepo.Connect(connectCtx, cfg.MongoURI)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	repo := mongorepo.NewRepository(client, cfg.MongoDatabase, cfg.MongoCollection)
	if err := repo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	return repo, client, nil
}

// serveMetrics runs the Prometheus endpoint until ctx ends.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics listener started", slog.String("addr", addr))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
