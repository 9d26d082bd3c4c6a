package ports

import (
	"context"

	"torrentd/internal/domain"
)

// Engine is the native torrent engine as seen by the daemon core.
type Engine interface {
	Add(ctx context.Context, src domain.TorrentSource, opts domain.TorrentOptions) (string, error)
	Remove(ctx context.Context, id string, removeData bool) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (domain.Snapshot, error)
	List(ctx context.Context) ([]string, error)
	ApplySettings(ctx context.Context, s domain.EngineSettings) error
	Close() error
}
