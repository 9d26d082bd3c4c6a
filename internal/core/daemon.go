package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"torrentd/internal/component"
	"torrentd/internal/config"
	"torrentd/internal/domain/ports"
	"torrentd/internal/rpc"
)

// Component names on the daemon registry.
const (
	ComponentEventManager       = "EventManager"
	ComponentAuthManager        = "AuthManager"
	ComponentTorrentManager     = "TorrentManager"
	ComponentPreferencesManager = "PreferencesManager"
	ComponentRPCServer          = "RPCServer"
)

// Options configures a Daemon.
type Options struct {
	ConfigDir  string
	ListenAddr string
	Version    string
	Engine     ports.Engine
	Repo       ports.TorrentRepository
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Daemon is the assembled daemon: a component registry holding every core
// component.
type Daemon struct {
	Registry    *component.Registry
	Config      *config.Store
	Events      *EventManager
	Auth        *AuthManager
	Torrents    *TorrentManager
	Preferences *PreferencesManager
	RPC         *RPCServer
	Core        *Core

	logger       *slog.Logger
	shutdownOnce sync.Once
	shutdownReq  chan struct{}
}

func NewDaemon(opts Options) (*Daemon, error) {
	if opts.Engine == nil || opts.Repo == nil {
		return nil, errors.New("daemon: engine and repository are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	store, err := config.Open(filepath.Join(opts.ConfigDir, "core.conf"), DefaultPreferences(),
		config.WithClock(clk),
		config.WithLogger(logger.With(slog.String("component", "config"))),
	)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	d := &Daemon{
		Config:      store,
		logger:      logger,
		shutdownReq: make(chan struct{}),
	}
	d.Registry = component.NewRegistry(component.WithClock(clk), component.WithLogger(logger))
	d.Events = NewEventManager(logger.With(slog.String("component", "events")))
	d.Auth = NewAuthManager(filepath.Join(opts.ConfigDir, "auth"), logger.With(slog.String("component", "auth")))
	d.Torrents = NewTorrentManager(opts.Engine, opts.Repo, d.Events,
		WithTorrentClock(clk),
		WithTorrentLogger(logger.With(slog.String("component", "torrents"))),
	)
	d.Preferences = NewPreferencesManager(store, opts.Engine, d.Events, logger.With(slog.String("component", "preferences")))

	server := rpc.NewServer(d.Auth,
		rpc.WithServerLogger(logger.With(slog.String("component", "rpc"))),
		rpc.WithVersion(opts.Version),
	)
	d.Events.AddEmitter(server)
	d.RPC = NewRPCServer(server, opts.ListenAddr, logger)
	d.Core = NewCore(d.Torrents, store, d.RequestShutdown, logger)
	d.Core.Register(server)

	regs := []struct {
		name string
		impl any
		opts []component.RegisterOption
	}{
		{ComponentEventManager, d.Events, nil},
		{ComponentAuthManager, d.Auth, []component.RegisterOption{component.WithInterval(2 * time.Second)}},
		{ComponentTorrentManager, d.Torrents, []component.RegisterOption{component.DependsOn(ComponentEventManager)}},
		{ComponentPreferencesManager, d.Preferences, []component.RegisterOption{component.DependsOn(ComponentTorrentManager)}},
		{ComponentRPCServer, d.RPC, []component.RegisterOption{
			component.DependsOn(ComponentAuthManager, ComponentTorrentManager, ComponentPreferencesManager),
		}},
	}
	for _, r := range regs {
		if _, err := d.Registry.Register(r.name, r.impl, r.opts...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// RequestShutdown asks Run to return.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownReq) })
}

// Run starts every component, waits for ctx to end or a shutdown request,
// then shuts the registry down and flushes the config.
func (d *Daemon) Run(ctx context.Context) error {
	if err := component.Failed(d.Registry.Start(ctx)); err != nil {
		d.logger.Error("daemon: components failed to start", slog.String("error", err.Error()))
		d.stop()
		return err
	}
	d.logger.Info("daemon: started", slog.String("rpcAddr", d.RPC.Addr()))

	select {
	case <-ctx.Done():
	case <-d.shutdownReq:
	}
	return d.stop()
}

func (d *Daemon) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := d.Registry.Shutdown(ctx)
	if cerr := d.Config.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	d.logger.Info("daemon: stopped")
	return err
}
