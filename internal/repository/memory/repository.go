// Package memory is an in-process torrent repository used when no database
// is configured. Its contents do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"torrentd/internal/domain"
)

type Repository struct {
	mu      sync.RWMutex
	records map[string]domain.TorrentRecord
}

func NewRepository() *Repository {
	return &Repository{records: make(map[string]domain.TorrentRecord)}
}

func (r *Repository) Save(_ context.Context, rec domain.TorrentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	rec.Source.MetaInfo = append([]byte(nil), rec.Source.MetaInfo...)
	r.records[rec.ID] = rec
	r.mu.Unlock()
	return nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

// List returns every record ordered by time added.
func (r *Repository) List(context.Context) ([]domain.TorrentRecord, error) {
	r.mu.RLock()
	out := make([]domain.TorrentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}
