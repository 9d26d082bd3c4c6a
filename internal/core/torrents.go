package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	"torrentd/internal/domain"
	"torrentd/internal/domain/ports"
	"torrentd/internal/metrics"
)

// TorrentManager owns the set of torrents in the session: it adds them to
// the engine, persists them, answers status requests and turns engine state
// changes into events.
type TorrentManager struct {
	engine ports.Engine
	repo   ports.TorrentRepository
	events Emitter
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	records  map[string]domain.TorrentRecord
	states   map[string]domain.TorrentState
	finished map[string]bool
	// sent holds, per RPC session and torrent, the values last returned by
	// a diff request.
	sent map[string]map[string]domain.Status
}

type TorrentManagerOption func(*TorrentManager)

func WithTorrentClock(c clock.Clock) TorrentManagerOption {
	return func(m *TorrentManager) { m.clock = c }
}

func WithTorrentLogger(l *slog.Logger) TorrentManagerOption {
	return func(m *TorrentManager) { m.logger = l }
}

func NewTorrentManager(engine ports.Engine, repo ports.TorrentRepository, events Emitter, opts ...TorrentManagerOption) *TorrentManager {
	m := &TorrentManager{
		engine:   engine,
		repo:     repo,
		events:   events,
		clock:    clock.New(),
		logger:   slog.Default(),
		records:  make(map[string]domain.TorrentRecord),
		states:   make(map[string]domain.TorrentState),
		finished: make(map[string]bool),
		sent:     make(map[string]map[string]domain.Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ---------------------------------------------------------------------------
// Component hooks
// ---------------------------------------------------------------------------

// Start restores every persisted torrent into the engine. A torrent that
// fails to restore is logged and skipped.
func (m *TorrentManager) Start(ctx context.Context) error {
	records, err := m.repo.List(ctx)
	if err != nil {
		return wrapRepo(err)
	}
	restored := 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			m.logger.Warn("restore: skipping invalid record",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
			continue
		}
		opts := rec.Options
		opts.AddPaused = rec.Paused
		id, err := m.engine.Add(ctx, rec.Source, opts)
		if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			m.logger.Warn("restore: add to engine failed",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
			continue
		}
		if id != rec.ID {
			m.logger.Warn("restore: engine returned a different id",
				slog.String("want", rec.ID),
				slog.String("got", id))
			rec.ID = id
		}
		m.mu.Lock()
		m.records[id] = rec
		m.mu.Unlock()
		m.events.Emit(domain.TorrentAdded(id, true))
		restored++
	}
	m.logger.Info("restore: torrents restored", slog.Int("count", restored), slog.Int("records", len(records)))
	return nil
}

// Stop persists the paused flag of every torrent.
func (m *TorrentManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	records := make([]domain.TorrentRecord, 0, len(m.records))
	for id, rec := range m.records {
		if st, ok := m.states[id]; ok {
			rec.Paused = st == domain.StatePaused
		}
		records = append(records, rec)
	}
	m.mu.Unlock()

	var errs []error
	for _, rec := range records {
		if err := m.repo.Save(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", rec.ID, wrapRepo(err)))
		}
	}
	return errors.Join(errs...)
}

// Update polls the engine for every torrent, emitting state change and
// finished events and refreshing the torrent gauges.
func (m *TorrentManager) Update(ctx context.Context) error {
	ids := m.SessionState()
	counts := make(map[domain.TorrentState]int)
	var down, up int64
	for _, id := range ids {
		snap, err := m.engine.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			m.logger.Warn("update: snapshot failed",
				slog.String("id", id),
				slog.String("error", err.Error()))
			continue
		}
		counts[snap.State]++
		down += snap.DownloadRate
		up += snap.UploadRate
		m.observe(ctx, snap)
	}

	for _, st := range []domain.TorrentState{
		domain.StateChecking, domain.StateDownloading, domain.StateSeeding,
		domain.StatePaused, domain.StateQueued, domain.StateError,
	} {
		metrics.Torrents.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	metrics.DownloadRateBytes.Set(float64(down))
	metrics.UploadRateBytes.Set(float64(up))
	return nil
}

// observe records snap and emits the events its differences imply.
func (m *TorrentManager) observe(ctx context.Context, snap domain.Snapshot) {
	m.mu.Lock()
	rec, known := m.records[snap.ID]
	if !known {
		m.mu.Unlock()
		return
	}
	prev, seen := m.states[snap.ID]
	m.states[snap.ID] = snap.State
	done := snap.TotalSize > 0 && snap.Done >= snap.TotalSize
	newlyFinished := done && !m.finished[snap.ID]
	m.finished[snap.ID] = done
	rename := rec.Name == "" && snap.Name != ""
	if rename {
		rec.Name = snap.Name
		m.records[snap.ID] = rec
	}
	m.mu.Unlock()

	if seen && prev != snap.State {
		m.events.Emit(domain.TorrentStateChanged(snap.ID, snap.State))
	}
	if newlyFinished && seen {
		m.events.Emit(domain.TorrentFinished(snap.ID))
	}
	if rename {
		if err := m.repo.Save(ctx, rec); err != nil {
			m.logger.Warn("update: save record failed",
				slog.String("id", rec.ID),
				slog.String("error", err.Error()))
		}
	}
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Add adds a torrent to the engine and persists it.
func (m *TorrentManager) Add(ctx context.Context, src domain.TorrentSource, opts domain.TorrentOptions) (string, error) {
	if err := src.Validate(); err != nil {
		return "", err
	}
	id, err := m.engine.Add(ctx, src, opts)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) || errors.Is(err, domain.ErrInvalidSource) {
			return id, err
		}
		return "", wrapEngine(err)
	}

	m.mu.Lock()
	if _, exists := m.records[id]; exists {
		m.mu.Unlock()
		return id, fmt.Errorf("torrent %s: %w", id, domain.ErrAlreadyExists)
	}
	rec := domain.TorrentRecord{
		ID:      id,
		Source:  src,
		Options: opts,
		Paused:  opts.AddPaused,
		AddedAt: m.clock.Now().UTC(),
	}
	m.records[id] = rec
	m.mu.Unlock()

	if snap, err := m.engine.Snapshot(ctx, id); err == nil {
		rec.Name = snap.Name
		m.mu.Lock()
		m.records[id] = rec
		m.states[id] = snap.State
		m.mu.Unlock()
	}
	if err := m.repo.Save(ctx, rec); err != nil {
		m.logger.Warn("add: save record failed",
			slog.String("id", id),
			slog.String("error", err.Error()))
	}

	m.logger.Info("torrent added", slog.String("id", id), slog.String("name", rec.Name))
	m.events.Emit(domain.TorrentAdded(id, false))
	return id, nil
}

// Remove drops a torrent from the engine and from storage.
func (m *TorrentManager) Remove(ctx context.Context, id string, removeData bool) error {
	if !m.has(id) {
		return fmt.Errorf("torrent %s: %w", id, domain.ErrNotFound)
	}
	if err := m.engine.Remove(ctx, id, removeData); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return wrapEngine(err)
	}
	if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return wrapRepo(err)
	}

	m.mu.Lock()
	delete(m.records, id)
	delete(m.states, id)
	delete(m.finished, id)
	for _, torrents := range m.sent {
		delete(torrents, id)
	}
	m.mu.Unlock()

	m.logger.Info("torrent removed", slog.String("id", id), slog.Bool("removeData", removeData))
	m.events.Emit(domain.TorrentRemoved(id))
	return nil
}

// Pause pauses every torrent in ids. Unknown ids fail the call before any
// torrent is touched.
func (m *TorrentManager) Pause(ctx context.Context, ids ...string) error {
	return m.control(ctx, ids, true)
}

// Resume resumes every torrent in ids.
func (m *TorrentManager) Resume(ctx context.Context, ids ...string) error {
	return m.control(ctx, ids, false)
}

func (m *TorrentManager) control(ctx context.Context, ids []string, pause bool) error {
	for _, id := range ids {
		if !m.has(id) {
			return fmt.Errorf("torrent %s: %w", id, domain.ErrNotFound)
		}
	}
	var errs []error
	for _, id := range ids {
		var err error
		if pause {
			err = m.engine.Pause(ctx, id)
		} else {
			err = m.engine.Resume(ctx, id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("torrent %s: %w", id, wrapEngine(err)))
			continue
		}

		m.mu.Lock()
		rec := m.records[id]
		rec.Paused = pause
		m.records[id] = rec
		m.mu.Unlock()
		if err := m.repo.Save(ctx, rec); err != nil {
			m.logger.Warn("control: save record failed",
				slog.String("id", id),
				slog.String("error", err.Error()))
		}
		if snap, err := m.engine.Snapshot(ctx, id); err == nil {
			m.observe(ctx, snap)
		}
	}
	return errors.Join(errs...)
}

func (m *TorrentManager) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[id]
	return ok
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// SessionState returns the ids of every torrent in the session.
func (m *TorrentManager) SessionState() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns keys of one torrent. With diff set, fields whose value
// equals what session was last sent for this torrent are left out. Either
// way the returned values become the session's new baseline.
func (m *TorrentManager) Status(ctx context.Context, session, id string, keys []domain.Field, diff bool) (domain.Status, error) {
	if !m.has(id) {
		return nil, fmt.Errorf("torrent %s: %w", id, domain.ErrNotFound)
	}
	snap, err := m.engine.Snapshot(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, wrapEngine(err)
	}
	st := snap.Status().Subset(keys)
	if !diff {
		m.recordSent(session, id, st)
		return st, nil
	}
	return m.diffAgainstSent(session, id, st), nil
}

// sentLocked returns the values last sent to session for id, creating the
// entry when missing.
func (m *TorrentManager) sentLocked(session, id string) (domain.Status, bool) {
	torrents, ok := m.sent[session]
	if !ok {
		torrents = make(map[string]domain.Status)
		m.sent[session] = torrents
	}
	prev, ok := torrents[id]
	if !ok {
		prev = domain.Status{}
		torrents[id] = prev
	}
	return prev, ok
}

func (m *TorrentManager) recordSent(session, id string, st domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return
	}
	prev, _ := m.sentLocked(session, id)
	prev.Merge(st)
}

func (m *TorrentManager) diffAgainstSent(session, id string, st domain.Status) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sentLocked(session, id)
	if !ok {
		prev.Merge(st)
		return st
	}
	out := make(domain.Status, len(st))
	for k, v := range st {
		if old, seen := prev[k]; !seen || !reflect.DeepEqual(old, v) {
			out[k] = v
		}
	}
	prev.Merge(st)
	return out
}

// StatusMany returns keys for every torrent matching filter. Torrents
// removed while the request runs are left out.
func (m *TorrentManager) StatusMany(ctx context.Context, session string, filter domain.Filter, keys []domain.Field, diff bool) (map[string]domain.Status, error) {
	ids := filter.IDs
	if ids == nil {
		ids = m.SessionState()
	}
	out := make(map[string]domain.Status, len(ids))
	for _, id := range ids {
		if !m.has(id) {
			continue
		}
		snap, err := m.engine.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, wrapEngine(err)
		}
		if !matches(filter, snap) {
			continue
		}
		st := snap.Status().Subset(keys)
		if diff {
			st = m.diffAgainstSent(session, id, st)
		} else {
			m.recordSent(session, id, st)
		}
		out[id] = st
	}
	return out, nil
}

func matches(f domain.Filter, snap domain.Snapshot) bool {
	if f.State != "" && snap.State != f.State {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(snap.Name), strings.ToLower(f.Name)) {
		return false
	}
	return true
}

// SessionStatus sums transfer figures over every torrent.
func (m *TorrentManager) SessionStatus(ctx context.Context) (domain.SessionStatus, error) {
	var out domain.SessionStatus
	for _, id := range m.SessionState() {
		snap, err := m.engine.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return domain.SessionStatus{}, wrapEngine(err)
		}
		out.NumTorrents++
		out.DownloadRate += snap.DownloadRate
		out.UploadRate += snap.UploadRate
		out.NumPeers += int64(snap.Peers)
		out.TotalDone += snap.Done
		out.TotalUploaded += snap.Uploaded
	}
	return out, nil
}

// DropSession forgets the diff state of an RPC session.
func (m *TorrentManager) DropSession(session string) {
	m.mu.Lock()
	delete(m.sent, session)
	m.mu.Unlock()
}
