package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"torrentd/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine keeps snapshots in memory. Magnet sources get the btih part
// of the URI as id; metainfo sources get the bytes as id.
type fakeEngine struct {
	mu        sync.Mutex
	snaps     map[string]domain.Snapshot
	addErr    error
	pauseErr  error
	applied   []domain.EngineSettings
	addOpts   map[string]domain.TorrentOptions
	removed   []string
	addCalls  int
	snapCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		snaps:   make(map[string]domain.Snapshot),
		addOpts: make(map[string]domain.TorrentOptions),
	}
}

func sourceID(src domain.TorrentSource) string {
	if src.Magnet != "" {
		return strings.TrimPrefix(src.Magnet, "magnet:?xt=urn:btih:")
	}
	return string(src.MetaInfo)
}

func (f *fakeEngine) Add(_ context.Context, src domain.TorrentSource, opts domain.TorrentOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return "", f.addErr
	}
	id := sourceID(src)
	if _, ok := f.snaps[id]; ok {
		return id, domain.ErrAlreadyExists
	}
	state := domain.StateDownloading
	if opts.AddPaused {
		state = domain.StatePaused
	}
	f.snaps[id] = domain.Snapshot{ID: id, Name: "name-" + id, State: state, TotalSize: 100}
	f.addOpts[id] = opts
	return id, nil
}

func (f *fakeEngine) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snaps[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.snaps, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) Pause(_ context.Context, id string) error {
	return f.setState(id, domain.StatePaused)
}

func (f *fakeEngine) Resume(_ context.Context, id string) error {
	return f.setState(id, domain.StateDownloading)
}

func (f *fakeEngine) setState(id string, st domain.TorrentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	snap, ok := f.snaps[id]
	if !ok {
		return domain.ErrNotFound
	}
	snap.State = st
	f.snaps[id] = snap
	return nil
}

func (f *fakeEngine) update(id string, fn func(*domain.Snapshot)) {
	f.mu.Lock()
	snap := f.snaps[id]
	fn(&snap)
	f.snaps[id] = snap
	f.mu.Unlock()
}

func (f *fakeEngine) Snapshot(_ context.Context, id string) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	snap, ok := f.snaps[id]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeEngine) List(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.snaps))
	for id := range f.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeEngine) ApplySettings(_ context.Context, s domain.EngineSettings) error {
	f.mu.Lock()
	f.applied = append(f.applied, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) appliedSettings() []domain.EngineSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.EngineSettings(nil), f.applied...)
}

func (f *fakeEngine) Close() error { return nil }

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]domain.TorrentRecord
	listErr error
	saves   int
}

func newFakeRepo(records ...domain.TorrentRecord) *fakeRepo {
	r := &fakeRepo{records: make(map[string]domain.TorrentRecord)}
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
	return r
}

func (r *fakeRepo) Save(_ context.Context, rec domain.TorrentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.records[rec.ID] = rec
	return nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *fakeRepo) List(context.Context) ([]domain.TorrentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]domain.TorrentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) get(id string) (domain.TorrentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// recorder captures emitted events.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Emit(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

var errBoom = errors.New("boom")

func magnet(id string) domain.TorrentSource {
	return domain.TorrentSource{Magnet: "magnet:?xt=urn:btih:" + id}
}
