// Package core is the daemon side of torrentd: the components that own the
// torrent session and the RPC methods clients call on them.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"torrentd/internal/config"
	"torrentd/internal/domain"
	"torrentd/internal/rpc"
)

// Core exports the torrent session over RPC.
type Core struct {
	torrents *TorrentManager
	store    *config.Store
	shutdown func()
	logger   *slog.Logger
}

// NewCore wires the core.* methods. shutdown is called, once per request,
// when an admin asks the daemon to exit.
func NewCore(torrents *TorrentManager, store *config.Store, shutdown func(), logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{torrents: torrents, store: store, shutdown: shutdown, logger: logger}
}

// Register exports every method on srv.
func (c *Core) Register(srv *rpc.Server) {
	srv.Register("core.get_session_state", rpc.AuthReadOnly, c.getSessionState)
	srv.Register("core.get_torrent_status", rpc.AuthReadOnly, c.getTorrentStatus)
	srv.Register("core.get_torrents_status", rpc.AuthReadOnly, c.getTorrentsStatus)
	srv.Register("core.get_session_status", rpc.AuthReadOnly, c.getSessionStatus)
	srv.Register("core.add_torrent_magnet", rpc.AuthNormal, c.addTorrentMagnet)
	srv.Register("core.add_torrent_file", rpc.AuthNormal, c.addTorrentFile)
	srv.Register("core.remove_torrent", rpc.AuthNormal, c.removeTorrent)
	srv.Register("core.pause_torrent", rpc.AuthNormal, c.pauseTorrent)
	srv.Register("core.resume_torrent", rpc.AuthNormal, c.resumeTorrent)
	srv.Register("core.get_config", rpc.AuthNormal, c.getConfig)
	srv.Register("core.get_config_value", rpc.AuthNormal, c.getConfigValue)
	srv.Register("core.set_config", rpc.AuthAdmin, c.setConfig)
	srv.Register("daemon.shutdown", rpc.AuthAdmin, c.shutdownDaemon)

	srv.OnDisconnect(c.torrents.DropSession)
}

func (c *Core) getSessionState(context.Context, *rpc.Call) (any, error) {
	return c.torrents.SessionState(), nil
}

func (c *Core) getTorrentStatus(ctx context.Context, call *rpc.Call) (any, error) {
	var id string
	if err := call.Arg(0, &id); err != nil {
		return nil, err
	}
	keys, err := fieldsArg(call, 1)
	if err != nil {
		return nil, err
	}
	diff, err := boolArg(call, 2, "diff")
	if err != nil {
		return nil, err
	}
	return c.torrents.Status(ctx, call.Session.ID(), id, keys, diff)
}

func (c *Core) getTorrentsStatus(ctx context.Context, call *rpc.Call) (any, error) {
	var filter domain.Filter
	if err := call.OptArg(0, &filter); err != nil {
		return nil, err
	}
	keys, err := fieldsArg(call, 1)
	if err != nil {
		return nil, err
	}
	diff, err := boolArg(call, 2, "diff")
	if err != nil {
		return nil, err
	}
	return c.torrents.StatusMany(ctx, call.Session.ID(), filter, keys, diff)
}

func (c *Core) getSessionStatus(ctx context.Context, call *rpc.Call) (any, error) {
	var keys []string
	if err := call.OptArg(0, &keys); err != nil {
		return nil, err
	}
	st, err := c.torrents.SessionStatus(ctx)
	if err != nil {
		return nil, err
	}
	all := map[string]any{
		"payload_download_rate": st.DownloadRate,
		"payload_upload_rate":   st.UploadRate,
		"num_peers":             st.NumPeers,
		"num_torrents":          st.NumTorrents,
		"total_done":            st.TotalDone,
		"total_uploaded":        st.TotalUploaded,
	}
	if len(keys) == 0 {
		return all, nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := all[k]
		if !ok {
			return nil, fmt.Errorf("%w: unknown session status key %q", rpc.ErrInvalidArgument, k)
		}
		out[k] = v
	}
	return out, nil
}

func (c *Core) addTorrentMagnet(ctx context.Context, call *rpc.Call) (any, error) {
	var uri string
	if err := call.Arg(0, &uri); err != nil {
		return nil, err
	}
	opts, err := c.optionsArg(call, 1)
	if err != nil {
		return nil, err
	}
	return c.torrents.Add(ctx, domain.TorrentSource{Magnet: uri}, opts)
}

func (c *Core) addTorrentFile(ctx context.Context, call *rpc.Call) (any, error) {
	var filename string
	if err := call.Arg(0, &filename); err != nil {
		return nil, err
	}
	var data []byte
	if err := call.Arg(1, &data); err != nil {
		return nil, err
	}
	opts, err := c.optionsArg(call, 2)
	if err != nil {
		return nil, err
	}
	id, err := c.torrents.Add(ctx, domain.TorrentSource{MetaInfo: data}, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return id, nil
}

// optionsArg reads torrent options, defaulting add_paused from the config.
func (c *Core) optionsArg(call *rpc.Call, i int) (domain.TorrentOptions, error) {
	opts := domain.TorrentOptions{AddPaused: c.store.GetBool("add_paused")}
	if err := call.OptArg(i, &opts); err != nil {
		return domain.TorrentOptions{}, err
	}
	return opts, nil
}

func (c *Core) removeTorrent(ctx context.Context, call *rpc.Call) (any, error) {
	var id string
	if err := call.Arg(0, &id); err != nil {
		return nil, err
	}
	removeData, err := boolArg(call, 1, "remove_data")
	if err != nil {
		return nil, err
	}
	if err := c.torrents.Remove(ctx, id, removeData); err != nil {
		return nil, err
	}
	return true, nil
}

func (c *Core) pauseTorrent(ctx context.Context, call *rpc.Call) (any, error) {
	ids, err := idsArg(call)
	if err != nil {
		return nil, err
	}
	return nil, c.torrents.Pause(ctx, ids...)
}

func (c *Core) resumeTorrent(ctx context.Context, call *rpc.Call) (any, error) {
	ids, err := idsArg(call)
	if err != nil {
		return nil, err
	}
	return nil, c.torrents.Resume(ctx, ids...)
}

func (c *Core) getConfig(context.Context, *rpc.Call) (any, error) {
	return c.store.Snapshot(), nil
}

func (c *Core) getConfigValue(_ context.Context, call *rpc.Call) (any, error) {
	var key string
	if err := call.Arg(0, &key); err != nil {
		return nil, err
	}
	v, ok := c.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: unknown config key %q", rpc.ErrInvalidArgument, key)
	}
	return v, nil
}

func (c *Core) setConfig(_ context.Context, call *rpc.Call) (any, error) {
	var values map[string]any
	if err := call.Arg(0, &values); err != nil {
		return nil, err
	}
	var errs []error
	for key, v := range values {
		if _, ok := c.store.Get(key); !ok {
			errs = append(errs, fmt.Errorf("%w: unknown config key %q", rpc.ErrInvalidArgument, key))
			continue
		}
		if err := c.store.Set(key, v); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", rpc.ErrInvalidArgument, key, err))
		}
	}
	return nil, errors.Join(errs...)
}

func (c *Core) shutdownDaemon(_ context.Context, call *rpc.Call) (any, error) {
	c.logger.Info("shutdown requested", slog.String("username", call.Session.Username()))
	if c.shutdown != nil {
		go c.shutdown()
	}
	return nil, nil
}

// ---- argument helpers ----

func fieldsArg(call *rpc.Call, i int) ([]domain.Field, error) {
	var keys []string
	if err := call.OptArg(i, &keys); err != nil {
		return nil, err
	}
	fields, err := domain.ParseFields(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rpc.ErrInvalidArgument, err)
	}
	return fields, nil
}

// boolArg reads a flag passed either positionally or by keyword.
func boolArg(call *rpc.Call, i int, key string) (bool, error) {
	var v bool
	if err := call.OptArg(i, &v); err != nil {
		return false, err
	}
	if _, err := call.Kwarg(key, &v); err != nil {
		return false, err
	}
	return v, nil
}

// idsArg accepts a list of ids or a single id.
func idsArg(call *rpc.Call) ([]string, error) {
	var ids []string
	if err := call.Arg(0, &ids); err == nil {
		return ids, nil
	}
	var id string
	if err := call.Arg(0, &id); err != nil {
		return nil, err
	}
	return []string{id}, nil
}
