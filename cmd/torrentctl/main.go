package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"torrentd/internal/app"
	"torrentd/internal/client"
	"torrentd/internal/core"
	"torrentd/internal/rpc"
)

const usage = `usage: torrentctl [flags] <command> [args]

commands:
  info [id...]              list torrents
  status                    session totals
  add <magnet|file>...      add torrents
  rm [--remove-data] <id>   remove a torrent
  pause <id>...             pause torrents
  resume <id>...            resume torrents
  config [key [value]]      show or change daemon preferences
  shutdown                  stop the daemon

flags:
`

func main() {
	cfg := app.LoadConfig()
	flags := pflag.NewFlagSet("torrentctl", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.StringVarP(&cfg.DaemonAddr, "daemon", "d", cfg.DaemonAddr, "daemon RPC address")
	flags.StringVarP(&cfg.Username, "username", "u", cfg.Username, "daemon username (default: localclient)")
	flags.StringVarP(&cfg.Password, "password", "P", cfg.Password, "daemon password")
	flags.StringVarP(&cfg.ConfigDir, "config", "c", cfg.ConfigDir, "daemon config directory, for localclient credentials")
	timeout := flags.Duration("timeout", 30*time.Second, "per-command timeout")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}

	logger := app.NewLogger(os.Stderr, getLogLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, cfg, flags.Args(), os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "torrentctl:", err)
		os.Exit(1)
	}
}

// getLogLevel keeps the console quiet unless asked otherwise.
func getLogLevel(level string) string {
	if level == "info" {
		return "warn"
	}
	return level
}

func run(ctx context.Context, cfg app.Config, args []string, out io.Writer, logger *slog.Logger) error {
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}

	username, password := cfg.Username, cfg.Password
	if username == "" {
		var err error
		username, password, err = core.ReadLocalClient(filepath.Join(cfg.ConfigDir, "auth"))
		if err != nil {
			return fmt.Errorf("no credentials: %w", err)
		}
	}
	daemon, _, err := client.Connect(ctx, cfg.DaemonAddr, username, password, rpc.WithClientLogger(logger))
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.DaemonAddr, err)
	}
	defer daemon.Close()

	return cmd(ctx, daemon, args[1:], out)
}
