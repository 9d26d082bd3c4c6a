package core

import (
	"context"
	"log/slog"
	"sync"

	"torrentd/internal/config"
	"torrentd/internal/domain"
	"torrentd/internal/domain/ports"
)

// Preference keys that map onto engine settings.
const (
	PrefMaxDownloadSpeed         = "max_download_speed"
	PrefMaxUploadSpeed           = "max_upload_speed"
	PrefMaxConnectionsPerTorrent = "max_connections_per_torrent"
	PrefMaxActiveDownloads       = "max_active_downloads"
)

// DefaultPreferences are the values of a fresh core config. Speeds are
// KiB/s; -1 means unlimited.
func DefaultPreferences() map[string]any {
	return map[string]any{
		PrefMaxDownloadSpeed:         -1.0,
		PrefMaxUploadSpeed:           -1.0,
		PrefMaxConnectionsPerTorrent: -1,
		PrefMaxActiveDownloads:       3,
		"add_paused":                 false,
		"allow_remote":               false,
		"daemon_port":                58846,
	}
}

var engineKeys = []string{
	PrefMaxDownloadSpeed,
	PrefMaxUploadSpeed,
	PrefMaxConnectionsPerTorrent,
	PrefMaxActiveDownloads,
}

// PreferencesManager keeps the engine's settings in line with the config
// store. Settings are pushed only when their translated value changes.
type PreferencesManager struct {
	store  *config.Store
	engine ports.Engine
	events Emitter
	logger *slog.Logger

	once    sync.Once
	mu      sync.Mutex
	applied *domain.EngineSettings
}

func NewPreferencesManager(store *config.Store, engine ports.Engine, events Emitter, logger *slog.Logger) *PreferencesManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferencesManager{store: store, engine: engine, events: events, logger: logger}
}

// Start hooks the engine keys and pushes the current settings.
func (p *PreferencesManager) Start(ctx context.Context) error {
	var regErr error
	p.once.Do(func() {
		for _, key := range engineKeys {
			if err := p.store.RegisterSetFunction(key, p.onEngineKey, false); err != nil {
				regErr = err
				return
			}
		}
		p.store.RegisterChangeCallback(func(key string, value any) {
			p.events.Emit(domain.ConfigValueChanged(key, value))
		})
	})
	if regErr != nil {
		return regErr
	}
	return p.Apply(ctx)
}

func (p *PreferencesManager) onEngineKey(key string, _ any) {
	if err := p.Apply(context.Background()); err != nil {
		p.logger.Warn("preferences: applying engine settings failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Settings translates the stored preferences into engine settings.
func (p *PreferencesManager) Settings() domain.EngineSettings {
	return domain.EngineSettings{
		DownloadRateLimit:        kibToBytes(p.store.GetFloat(PrefMaxDownloadSpeed)),
		UploadRateLimit:          kibToBytes(p.store.GetFloat(PrefMaxUploadSpeed)),
		MaxConnectionsPerTorrent: limit(p.store.GetInt(PrefMaxConnectionsPerTorrent)),
		MaxActiveDownloads:       limit(p.store.GetInt(PrefMaxActiveDownloads)),
	}
}

// Apply pushes the current settings to the engine unless they equal the
// last settings pushed.
func (p *PreferencesManager) Apply(ctx context.Context) error {
	s := p.Settings()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied != nil && *p.applied == s {
		return nil
	}
	if err := p.engine.ApplySettings(ctx, s); err != nil {
		return wrapEngine(err)
	}
	p.applied = &s
	p.logger.Info("preferences: engine settings applied",
		slog.Int64("downloadRateLimit", s.DownloadRateLimit),
		slog.Int64("uploadRateLimit", s.UploadRateLimit),
		slog.Int("maxConnectionsPerTorrent", s.MaxConnectionsPerTorrent),
		slog.Int("maxActiveDownloads", s.MaxActiveDownloads),
	)
	return nil
}

func kibToBytes(kib float64) int64 {
	if kib < 0 {
		return domain.Unlimited
	}
	return int64(kib * 1024)
}

func limit(n int) int {
	if n < 0 {
		return domain.Unlimited
	}
	return n
}
