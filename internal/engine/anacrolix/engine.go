package anacrolix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"torrentd/internal/domain"
)

const (
	// addTimeout caps the time spent waiting for the client to accept a
	// torrent; AddMagnet can block on the client lock while it is busy.
	addTimeout = 10 * time.Second

	// minBurst is the smallest limiter burst; the client waits for whole
	// chunks at a time.
	minBurst = 256 << 10

	// speedWindow is the minimum spacing between two rate samples.
	speedWindow = time.Second
)

type Config struct {
	DataDir    string
	ListenPort int
	NoDHT      bool
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Engine runs torrents on an anacrolix client and applies the daemon's
// session-wide limits to them.
type Engine struct {
	client       *torrent.Client
	dataDir      string
	defaultConns int
	down         *rate.Limiter
	up           *rate.Limiter
	clock        clock.Clock
	logger       *slog.Logger

	mu       sync.Mutex
	torrents map[string]*entry
	order    []string
	settings domain.EngineSettings

	speedMu sync.Mutex
	speeds  map[string]speedSample
}

type entry struct {
	t        *torrent.Torrent
	addedAt  time.Time
	maxConns int
	paused   bool
	queued   bool
	complete bool
}

func New(cfg Config) (*Engine, error) {
	e := newEngine(cfg)

	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	clientConfig.NoDHT = cfg.NoDHT
	clientConfig.Seed = true
	clientConfig.DownloadRateLimiter = e.down
	clientConfig.UploadRateLimiter = e.up

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("torrent client: %w", err)
	}
	e.client = client
	e.dataDir = clientConfig.DataDir
	e.defaultConns = clientConfig.EstablishedConnsPerTorrent
	return e, nil
}

func newEngine(cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dataDir:      cfg.DataDir,
		defaultConns: 50,
		down:         rate.NewLimiter(rate.Inf, minBurst),
		up:           rate.NewLimiter(rate.Inf, minBurst),
		clock:        clk,
		logger:       logger,
		torrents:     make(map[string]*entry),
		settings:     domain.DefaultEngineSettings(),
		speeds:       make(map[string]speedSample),
	}
}

// ---------------------------------------------------------------------------
// Torrent lifecycle
// ---------------------------------------------------------------------------

// Add adds a torrent from a magnet URI or metainfo bytes and returns its
// hex info hash.
func (e *Engine) Add(ctx context.Context, src domain.TorrentSource, opts domain.TorrentOptions) (string, error) {
	if err := src.Validate(); err != nil {
		return "", err
	}
	var mi *metainfo.MetaInfo
	if len(src.MetaInfo) > 0 {
		var err error
		mi, err = metainfo.Load(bytes.NewReader(src.MetaInfo))
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidSource, err)
		}
	}
	if e.client == nil {
		return "", errors.New("torrent client not configured")
	}

	ch := make(chan addResult, 1)
	go func() {
		var t *torrent.Torrent
		var err error
		if mi != nil {
			t, err = e.client.AddTorrent(mi)
		} else {
			t, err = e.client.AddMagnet(src.Magnet)
		}
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInvalidSource, res.err)
		}
		t = res.t
	case <-time.After(addTimeout):
		go dropLate(ch)
		return "", errors.New("torrent client busy, try again later")
	case <-ctx.Done():
		go dropLate(ch)
		return "", ctx.Err()
	}

	id := t.InfoHash().HexString()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.torrents[id]; exists {
		return id, domain.ErrAlreadyExists
	}
	en := &entry{
		t:        t,
		addedAt:  e.clock.Now().UTC(),
		maxConns: opts.MaxConnections,
		paused:   opts.AddPaused,
	}
	e.torrents[id] = en
	e.order = append(e.order, id)
	if en.paused {
		hardPause(t)
	}
	e.rebalanceLocked()
	if !en.paused && !en.queued {
		e.runLocked(en)
	}
	go e.downloadWhenReady(id, t)

	e.logger.Info("torrent added to engine",
		slog.String("id", id),
		slog.Bool("paused", en.paused),
		slog.Bool("queued", en.queued),
	)
	return id, nil
}

type addResult struct {
	t   *torrent.Torrent
	err error
}

// dropLate drops a torrent whose add completed after the caller gave up.
func dropLate(ch <-chan addResult) {
	if res := <-ch; res.t != nil {
		res.t.Drop()
	}
}

// downloadWhenReady requests every piece once metadata arrives, unless the
// torrent was stopped meanwhile.
func (e *Engine) downloadWhenReady(id string, t *torrent.Torrent) {
	select {
	case <-t.GotInfo():
	case <-t.Closed():
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.torrents[id]
	if !ok || en.t != t || en.paused || en.queued {
		return
	}
	t.DownloadAll()
}

func (e *Engine) Remove(_ context.Context, id string, removeData bool) error {
	e.mu.Lock()
	en, ok := e.torrents[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(e.torrents, id)
	e.order = without(e.order, id)
	e.rebalanceLocked()
	e.mu.Unlock()

	e.forgetSpeed(id)
	name := ""
	if torrentInfoReady(en.t) {
		name = en.t.Name()
	}
	en.t.Drop()

	if removeData && name != "" && filepath.IsLocal(name) {
		path := filepath.Join(e.dataDir, name)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove data %s: %w", path, err)
		}
	}
	return nil
}

func (e *Engine) Pause(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.torrents[id]
	if !ok {
		return domain.ErrNotFound
	}
	if en.paused {
		return nil
	}
	en.paused = true
	en.queued = false
	hardPause(en.t)
	e.rebalanceLocked()
	return nil
}

func (e *Engine) Resume(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.torrents[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !en.paused {
		return nil
	}
	en.paused = false
	e.rebalanceLocked()
	if !en.queued {
		e.runLocked(en)
	}
	return nil
}

func (e *Engine) List(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...), nil
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	return errors.Join(e.client.Close()...)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func (e *Engine) Snapshot(_ context.Context, id string) (domain.Snapshot, error) {
	e.mu.Lock()
	en, ok := e.torrents[id]
	if !ok {
		e.mu.Unlock()
		return domain.Snapshot{}, domain.ErrNotFound
	}
	t := en.t
	snap := domain.Snapshot{
		ID:             id,
		AddedAt:        en.addedAt,
		MaxConnections: e.connsLocked(en),
	}
	e.mu.Unlock()

	select {
	case <-t.Closed():
		return domain.Snapshot{}, domain.ErrNotFound
	default:
	}

	ready := torrentInfoReady(t)
	snap.Name = t.Name()
	if ready {
		snap.TotalSize = t.Length()
		snap.Done = t.BytesCompleted()
		snap.NumPieces = t.NumPieces()
		snap.Files = mapFiles(t)
	}
	stats := t.Stats()
	snap.Peers = stats.ActivePeers
	snap.Seeds = stats.ConnectedSeeders
	snap.Uploaded = stats.BytesWrittenData.Int64()
	snap.DownloadRate, snap.UploadRate = e.sampleSpeed(id, stats, e.clock.Now())

	complete := ready && snap.TotalSize > 0 && snap.Done >= snap.TotalSize

	e.mu.Lock()
	if en, ok = e.torrents[id]; ok {
		if en.complete != complete {
			en.complete = complete
			e.rebalanceLocked()
		}
		snap.State = deriveState(en.paused, en.queued, complete)
	}
	e.mu.Unlock()
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func deriveState(paused, queued, complete bool) domain.TorrentState {
	switch {
	case paused:
		return domain.StatePaused
	case complete:
		return domain.StateSeeding
	case queued:
		return domain.StateQueued
	default:
		return domain.StateDownloading
	}
}

// ---------------------------------------------------------------------------
// Settings and queueing
// ---------------------------------------------------------------------------

// ApplySettings updates the global rate limiters, re-caps connections of
// running torrents and re-evaluates the download queue.
func (e *Engine) ApplySettings(_ context.Context, s domain.EngineSettings) error {
	applyLimit(e.down, s.DownloadRateLimit)
	applyLimit(e.up, s.UploadRateLimit)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	e.rebalanceLocked()
	for _, id := range e.order {
		en := e.torrents[id]
		if !en.paused && !en.queued && en.t != nil {
			en.t.SetMaxEstablishedConns(e.connsLocked(en))
		}
	}
	return nil
}

func applyLimit(l *rate.Limiter, bytesPerSec int64) {
	if bytesPerSec < 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(minBurst)
		return
	}
	l.SetLimit(rate.Limit(bytesPerSec))
	l.SetBurst(max(int(bytesPerSec), minBurst))
}

// connsLocked is the connection cap for en: its own when set, else the
// session-wide one, else the client default.
func (e *Engine) connsLocked(en *entry) int {
	if en.maxConns > 0 {
		return en.maxConns
	}
	if e.settings.MaxConnectionsPerTorrent >= 0 {
		return e.settings.MaxConnectionsPerTorrent
	}
	return e.defaultConns
}

type queueItem struct {
	id      string
	waiting bool
}

// planQueue returns the waiting items allowed to download, taking them in
// order until max is reached. A negative max admits every item.
func planQueue(items []queueItem, limit int) map[string]bool {
	active := make(map[string]bool)
	for _, it := range items {
		if !it.waiting {
			continue
		}
		if limit >= 0 && len(active) >= limit {
			break
		}
		active[it.id] = true
	}
	return active
}

// rebalanceLocked queues incomplete torrents beyond the active-download
// limit and starts the ones that fit again.
func (e *Engine) rebalanceLocked() {
	items := make([]queueItem, 0, len(e.order))
	for _, id := range e.order {
		en := e.torrents[id]
		items = append(items, queueItem{id: id, waiting: !en.paused && !en.complete})
	}
	active := planQueue(items, e.settings.MaxActiveDownloads)
	for _, it := range items {
		en := e.torrents[it.id]
		queued := it.waiting && !active[it.id]
		if queued == en.queued {
			continue
		}
		en.queued = queued
		if queued {
			hardPause(en.t)
		} else if !en.paused {
			e.runLocked(en)
		}
	}
}

func (e *Engine) runLocked(en *entry) {
	if en.t == nil {
		return
	}
	en.t.SetMaxEstablishedConns(e.connsLocked(en))
	en.t.AllowDataUpload()
	en.t.AllowDataDownload()
	if torrentInfoReady(en.t) {
		en.t.DownloadAll()
	}
}

// hardPause stops all transfer and drops the torrent's peers.
func hardPause(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()
	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
	down, up     int64
}

// sampleSpeed derives transfer rates from the byte counters. Samples closer
// together than speedWindow return the previous rates.
func (e *Engine) sampleSpeed(id string, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	read := stats.BytesReadUsefulData.Int64()
	written := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	if !ok {
		e.speeds[id] = speedSample{at: now, bytesRead: read, bytesWritten: written}
		return 0, 0
	}
	dt := now.Sub(prev.at)
	if dt < speedWindow {
		return prev.down, prev.up
	}
	secs := dt.Seconds()
	next := speedSample{
		at:           now,
		bytesRead:    read,
		bytesWritten: written,
		down:         int64(float64(max(read-prev.bytesRead, 0)) / secs),
		up:           int64(float64(max(written-prev.bytesWritten, 0)) / secs),
	}
	e.speeds[id] = next
	return next.down, next.up
}

func (e *Engine) forgetSpeed(id string) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}
