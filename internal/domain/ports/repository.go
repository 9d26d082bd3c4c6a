package ports

import (
	"context"

	"torrentd/internal/domain"
)

// TorrentRepository persists the torrents the daemon should restore on
// start.
type TorrentRepository interface {
	Save(ctx context.Context, r domain.TorrentRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.TorrentRecord, error)
}
