// Package sessionproxy caches torrent status fields on the client side of
// the daemon connection. Every field expires on its own after the cache
// window; a request only asks the daemon for the fields that expired.
package sessionproxy

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"torrentd/internal/domain"
	"torrentd/internal/metrics"
)

// DefaultCacheTime is how long a fetched field is served without asking the
// daemon again.
const DefaultCacheTime = 1500 * time.Millisecond

// Core is the daemon surface the proxy reads through. With diff set the
// daemon may leave out fields whose value has not changed since the last
// diff request from this connection.
type Core interface {
	GetSessionState(ctx context.Context) ([]string, error)
	GetTorrentStatus(ctx context.Context, id string, keys []domain.Field, diff bool) (domain.Status, error)
	GetTorrentsStatus(ctx context.Context, filter domain.Filter, keys []domain.Field, diff bool) (map[string]domain.Status, error)
}

// EventSource delivers daemon events.
type EventSource interface {
	On(event string, fn func(args []any))
}

type entry struct {
	status     domain.Status
	fetched    time.Time
	fieldTimes map[domain.Field]time.Time
}

// populated reports whether the entry holds anything a diff could be
// applied to.
func (e *entry) populated() bool {
	return len(e.status) > 0
}

// Proxy is a read-through status cache. It is safe for concurrent use and
// is meant to be registered as a component: Start seeds it and Stop
// empties it.
type Proxy struct {
	core      Core
	clock     clock.Clock
	cacheTime time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	torrents map[string]*entry

	bgMu     sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

type Option func(*Proxy)

func WithClock(c clock.Clock) Option {
	return func(p *Proxy) { p.clock = c }
}

// WithCacheTime overrides DefaultCacheTime.
func WithCacheTime(d time.Duration) Option {
	return func(p *Proxy) { p.cacheTime = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// New creates a proxy reading from core and subscribes it to the torrent
// events of events, which may be nil.
func New(core Core, events EventSource, opts ...Option) *Proxy {
	p := &Proxy{
		core:      core,
		clock:     clock.New(),
		cacheTime: DefaultCacheTime,
		logger:    slog.Default(),
		torrents:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())
	if events != nil {
		events.On(domain.EventTorrentStateChanged, p.onStateChanged)
		events.On(domain.EventTorrentAdded, p.onAdded)
		events.On(domain.EventTorrentRemoved, p.onRemoved)
	}
	return p
}

// ---------------------------------------------------------------------------
// Component hooks
// ---------------------------------------------------------------------------

// Start seeds an expired entry for every torrent the daemon knows.
func (p *Proxy) Start(ctx context.Context) error {
	p.bgMu.Lock()
	if p.bgCtx.Err() != nil {
		p.bgCtx, p.bgCancel = context.WithCancel(context.Background())
	}
	p.bgMu.Unlock()

	ids, err := p.core.GetSessionState(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, id := range ids {
		if _, ok := p.torrents[id]; !ok {
			p.torrents[id] = p.expiredEntry()
		}
	}
	p.updateGaugeLocked()
	p.mu.Unlock()

	p.logger.Debug("session proxy seeded", slog.Int("torrents", len(ids)))
	return nil
}

// Stop cancels background fetches and empties the cache.
func (p *Proxy) Stop(context.Context) error {
	p.bgMu.Lock()
	p.bgCancel()
	p.bg.Wait()
	p.bgMu.Unlock()

	p.mu.Lock()
	p.torrents = make(map[string]*entry)
	p.updateGaugeLocked()
	p.mu.Unlock()
	return nil
}

// IDs returns every cached torrent id in sorted order.
func (p *Proxy) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idsLocked()
}

func (p *Proxy) idsLocked() []string {
	ids := make([]string, 0, len(p.torrents))
	for id := range p.torrents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetTorrentStatus returns keys of one torrent, fetching only the fields
// whose cache window has passed. Empty keys means every cached field, or a
// full fetch when nothing is cached for the torrent yet.
func (p *Proxy) GetTorrentStatus(ctx context.Context, id string, keys []domain.Field) (domain.Status, error) {
	p.mu.Lock()
	e, ok := p.torrents[id]
	if !ok || (len(keys) == 0 && !e.populated()) {
		p.mu.Unlock()
		return p.fetchOne(ctx, id, keys)
	}

	if len(keys) == 0 {
		keys = fieldsOf(e.status)
	}
	now := p.clock.Now()
	var stale []domain.Field
	for _, k := range keys {
		if !p.fresh(now, e.fieldTimes[k]) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		out := e.status.Subset(keys)
		p.mu.Unlock()
		metrics.SessionProxyRequests.WithLabelValues("hit").Inc()
		return out, nil
	}
	diff := e.populated()
	p.mu.Unlock()

	metrics.SessionProxyRequests.WithLabelValues("miss").Inc()
	result, err := p.core.GetTorrentStatus(ctx, id, stale, diff)
	if err != nil {
		metrics.SessionProxyRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok = p.torrents[id]
	if !ok {
		// Removed while the fetch was in flight.
		return result.Subset(keys), nil
	}
	t := p.clock.Now()
	e.status.Merge(result)
	e.fetched = t
	for _, k := range stale {
		e.fieldTimes[k] = t
	}
	return e.status.Subset(keys), nil
}

func (p *Proxy) fetchOne(ctx context.Context, id string, keys []domain.Field) (domain.Status, error) {
	metrics.SessionProxyRequests.WithLabelValues("miss").Inc()
	result, err := p.core.GetTorrentStatus(ctx, id, keys, false)
	if err != nil {
		metrics.SessionProxyRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(result) == 0 {
		return result, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.torrents[id]
	if !ok {
		e = &entry{status: domain.Status{}, fieldTimes: make(map[domain.Field]time.Time)}
		p.torrents[id] = e
		p.updateGaugeLocked()
	}
	t := p.clock.Now()
	e.status.Merge(result)
	e.fetched = t
	for k := range result {
		e.fieldTimes[k] = t
	}
	return result.Clone(), nil
}

// GetTorrentsStatus returns keys for every torrent matching filter. An
// empty filter means every cached torrent and an id-only filter names the
// torrents directly; both are served from the cache where it is fresh and
// all stale torrents are fetched in one request. Any other filter is
// evaluated by the daemon.
func (p *Proxy) GetTorrentsStatus(ctx context.Context, filter domain.Filter, keys []domain.Field) (map[string]domain.Status, error) {
	var ids []string
	switch {
	case filter.Empty():
		p.mu.Lock()
		ids = p.idsLocked()
		p.mu.Unlock()
	case filter.OnlyIDs():
		ids = filter.IDs
	default:
		return p.fetchFiltered(ctx, filter, keys)
	}

	p.mu.Lock()
	toFetch, diff := p.staleLocked(ids, keys)
	if len(toFetch) == 0 {
		out := p.statusDictLocked(ids, keys)
		p.mu.Unlock()
		metrics.SessionProxyRequests.WithLabelValues("hit").Inc()
		return out, nil
	}
	p.mu.Unlock()

	metrics.SessionProxyRequests.WithLabelValues("miss").Inc()
	result, err := p.core.GetTorrentsStatus(ctx, domain.Filter{IDs: toFetch}, keys, diff)
	if err != nil {
		metrics.SessionProxyRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	requested := make(map[string]bool, len(toFetch))
	for _, id := range toFetch {
		requested[id] = true
	}
	p.mergeLocked(result, keys, requested)
	return p.statusDictLocked(ids, keys), nil
}

// staleLocked lists the ids needing a fetch: unknown torrents, torrents
// whose last fetch is older than the window and torrents with a stale
// requested field. diff is false when any of them has nothing cached.
func (p *Proxy) staleLocked(ids []string, keys []domain.Field) (toFetch []string, diff bool) {
	now := p.clock.Now()
	diff = true
	for _, id := range ids {
		e, ok := p.torrents[id]
		if !ok || !p.fresh(now, e.fetched) {
			toFetch = append(toFetch, id)
			diff = diff && ok && e.populated()
			continue
		}
		for _, k := range keys {
			if !p.fresh(now, e.fieldTimes[k]) {
				toFetch = append(toFetch, id)
				diff = diff && e.populated()
				break
			}
		}
	}
	return toFetch, diff
}

// fetchFiltered passes a keyword filter to the daemon. Results for cached
// torrents are merged; torrents the cache does not know are returned as
// fetched.
func (p *Proxy) fetchFiltered(ctx context.Context, filter domain.Filter, keys []domain.Field) (map[string]domain.Status, error) {
	metrics.SessionProxyRequests.WithLabelValues("passthrough").Inc()
	result, err := p.core.GetTorrentsStatus(ctx, filter, keys, false)
	if err != nil {
		metrics.SessionProxyRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.mergeLocked(result, keys, nil)
	out := make(map[string]domain.Status, len(result))
	for id, st := range result {
		if e, ok := p.torrents[id]; ok {
			out[id] = e.status.Subset(keys)
		} else {
			out[id] = st.Clone()
		}
	}
	return out, nil
}

// mergeLocked folds a multi-torrent response into the cache. Torrents not
// cached are added only when create names them.
func (p *Proxy) mergeLocked(result map[string]domain.Status, keys []domain.Field, create map[string]bool) {
	t := p.clock.Now()
	added := false
	for id, st := range result {
		e, ok := p.torrents[id]
		if !ok {
			if !create[id] {
				continue
			}
			e = &entry{status: domain.Status{}, fieldTimes: make(map[domain.Field]time.Time)}
			p.torrents[id] = e
			added = true
		}
		e.status.Merge(st)
		e.fetched = t
		stamped := keys
		if len(stamped) == 0 {
			stamped = fieldsOf(e.status)
		}
		for _, k := range stamped {
			e.fieldTimes[k] = t
		}
	}
	if added {
		p.updateGaugeLocked()
	}
}

func (p *Proxy) statusDictLocked(ids []string, keys []domain.Field) map[string]domain.Status {
	out := make(map[string]domain.Status, len(ids))
	for _, id := range ids {
		e, ok := p.torrents[id]
		if !ok {
			continue
		}
		out[id] = e.status.Subset(keys)
	}
	return out
}

func (p *Proxy) fresh(now, fetched time.Time) bool {
	return !fetched.IsZero() && now.Sub(fetched) <= p.cacheTime
}

func (p *Proxy) expiredEntry() *entry {
	return &entry{
		status:     domain.Status{},
		fetched:    p.clock.Now().Add(-p.cacheTime - time.Second),
		fieldTimes: make(map[domain.Field]time.Time),
	}
}

func (p *Proxy) updateGaugeLocked() {
	metrics.SessionProxyTorrents.Set(float64(len(p.torrents)))
}

func fieldsOf(s domain.Status) []domain.Field {
	out := make([]domain.Field, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// ---------------------------------------------------------------------------
// Event handlers
// ---------------------------------------------------------------------------

func (p *Proxy) onStateChanged(args []any) {
	id, ok1 := argString(args, 0)
	state, ok2 := argString(args, 1)
	if !ok1 || !ok2 {
		p.logger.Warn("session proxy: malformed state change event", slog.Any("args", args))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.torrents[id]
	if !ok {
		return
	}
	e.status[domain.FieldState] = state
	e.fieldTimes[domain.FieldState] = p.clock.Now()
}

func (p *Proxy) onAdded(args []any) {
	id, ok := argString(args, 0)
	if !ok {
		p.logger.Warn("session proxy: malformed torrent added event", slog.Any("args", args))
		return
	}
	p.mu.Lock()
	p.torrents[id] = p.expiredEntry()
	p.updateGaugeLocked()
	p.mu.Unlock()

	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	ctx := p.bgCtx
	if ctx.Err() != nil {
		return
	}
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		p.fetchAdded(ctx, id)
	}()
}

// fetchAdded loads the full status of a torrent just added.
func (p *Proxy) fetchAdded(ctx context.Context, id string) {
	result, err := p.core.GetTorrentStatus(ctx, id, nil, false)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("session proxy: fetching added torrent failed",
				slog.String("torrent", id),
				slog.Any("error", err),
			)
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.torrents[id]
	if !ok {
		return
	}
	t := p.clock.Now()
	e.status.Merge(result)
	for k := range result {
		e.fieldTimes[k] = t
	}
}

func (p *Proxy) onRemoved(args []any) {
	id, ok := argString(args, 0)
	if !ok {
		p.logger.Warn("session proxy: malformed torrent removed event", slog.Any("args", args))
		return
	}
	p.mu.Lock()
	delete(p.torrents, id)
	p.updateGaugeLocked()
	p.mu.Unlock()
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}
