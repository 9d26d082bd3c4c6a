// Package client is the typed client side of the daemon's core.* RPC
// methods.
package client

import (
	"context"
	"fmt"

	"torrentd/internal/domain"
	"torrentd/internal/rpc"
)

// Daemon calls core methods over one rpc connection.
type Daemon struct {
	conn *rpc.Client
}

func New(conn *rpc.Client) *Daemon {
	return &Daemon{conn: conn}
}

// Connect dials addr and logs in.
func Connect(ctx context.Context, addr, username, password string, opts ...rpc.ClientOption) (*Daemon, rpc.AuthLevel, error) {
	conn, err := rpc.Dial(ctx, addr, opts...)
	if err != nil {
		return nil, rpc.AuthNone, err
	}
	level, err := conn.Login(ctx, username, password)
	if err != nil {
		_ = conn.Close()
		return nil, rpc.AuthNone, fmt.Errorf("login as %s: %w", username, err)
	}
	return New(conn), level, nil
}

// Conn returns the underlying connection.
func (d *Daemon) Conn() *rpc.Client { return d.conn }

func (d *Daemon) Close() error { return d.conn.Close() }

// On subscribes fn to a daemon event.
func (d *Daemon) On(event string, fn func(args []any)) {
	d.conn.On(event, fn)
}

// ---- status ----

func (d *Daemon) GetSessionState(ctx context.Context) ([]string, error) {
	var ids []string
	if err := d.conn.Call(ctx, "core.get_session_state", nil, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *Daemon) GetTorrentStatus(ctx context.Context, id string, keys []domain.Field, diff bool) (domain.Status, error) {
	var st domain.Status
	args := []any{id, fieldNames(keys)}
	if err := d.conn.Call(ctx, "core.get_torrent_status", args, map[string]any{"diff": diff}, &st); err != nil {
		return nil, err
	}
	if st == nil {
		st = domain.Status{}
	}
	return st, nil
}

func (d *Daemon) GetTorrentsStatus(ctx context.Context, filter domain.Filter, keys []domain.Field, diff bool) (map[string]domain.Status, error) {
	var out map[string]domain.Status
	args := []any{filter, fieldNames(keys)}
	if err := d.conn.Call(ctx, "core.get_torrents_status", args, map[string]any{"diff": diff}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]domain.Status{}
	}
	return out, nil
}

func (d *Daemon) GetSessionStatus(ctx context.Context) (domain.SessionStatus, error) {
	var st domain.SessionStatus
	err := d.conn.Call(ctx, "core.get_session_status", nil, nil, &st)
	return st, err
}

// ---- torrents ----

func (d *Daemon) AddTorrentMagnet(ctx context.Context, uri string, opts domain.TorrentOptions) (string, error) {
	var id string
	err := d.conn.Call(ctx, "core.add_torrent_magnet", []any{uri, opts}, nil, &id)
	return id, err
}

func (d *Daemon) AddTorrentFile(ctx context.Context, filename string, data []byte, opts domain.TorrentOptions) (string, error) {
	var id string
	err := d.conn.Call(ctx, "core.add_torrent_file", []any{filename, data, opts}, nil, &id)
	return id, err
}

func (d *Daemon) RemoveTorrent(ctx context.Context, id string, removeData bool) error {
	return d.conn.Call(ctx, "core.remove_torrent", []any{id, removeData}, nil, nil)
}

func (d *Daemon) PauseTorrents(ctx context.Context, ids ...string) error {
	return d.conn.Call(ctx, "core.pause_torrent", []any{ids}, nil, nil)
}

func (d *Daemon) ResumeTorrents(ctx context.Context, ids ...string) error {
	return d.conn.Call(ctx, "core.resume_torrent", []any{ids}, nil, nil)
}

// ---- config ----

func (d *Daemon) GetConfig(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	err := d.conn.Call(ctx, "core.get_config", nil, nil, &cfg)
	return cfg, err
}

// GetConfigValue decodes the value of key into out.
func (d *Daemon) GetConfigValue(ctx context.Context, key string, out any) error {
	return d.conn.Call(ctx, "core.get_config_value", []any{key}, nil, out)
}

func (d *Daemon) SetConfig(ctx context.Context, values map[string]any) error {
	return d.conn.Call(ctx, "core.set_config", []any{values}, nil, nil)
}

// Shutdown asks the daemon to exit.
func (d *Daemon) Shutdown(ctx context.Context) error {
	return d.conn.Call(ctx, "daemon.shutdown", nil, nil, nil)
}

func fieldNames(keys []domain.Field) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
