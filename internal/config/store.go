// Package config implements the daemon's persisted key/value preferences.
//
// A config file holds two JSON objects back to back: a version header
// {"file": N, "format": 1} and the content object. Writes go to a sibling
// ".new" file that is renamed into place, and the previous file is kept as
// ".bak".
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cast"

	"torrentd/internal/metrics"
)

const (
	// FormatVersion is the version of the on-disk layout.
	FormatVersion = 1
	// DefaultSaveDelay is how long changes accumulate before a save.
	DefaultSaveDelay = 5 * time.Second
)

var ErrUnknownKey = errors.New("config: unknown key")

// SetFunc applies a config value somewhere else, such as the torrent
// engine.
type SetFunc func(key string, value any)

// ChangeCallback observes every changed key.
type ChangeCallback func(key string, value any)

type version struct {
	File   int `json:"file"`
	Format int `json:"format"`
}

// Store is a typed key/value map persisted to one file. It is safe for
// concurrent use.
type Store struct {
	path      string
	clock     clock.Clock
	logger    *slog.Logger
	saveDelay time.Duration

	mu          sync.Mutex
	values      map[string]any
	fileVersion int
	setFuncs    map[string][]SetFunc
	callbacks   []ChangeCallback
	saveTimer   *clock.Timer

	saveMu sync.Mutex
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSaveDelay sets the debounce window for saves triggered by Set.
func WithSaveDelay(d time.Duration) Option {
	return func(s *Store) { s.saveDelay = d }
}

// WithFileVersion sets the content version written for a new file.
func WithFileVersion(v int) Option {
	return func(s *Store) { s.fileVersion = v }
}

// Open returns a store seeded with defaults and overlaid with the contents
// of path when it exists. Loaded values are cast to the type of the
// matching default.
func Open(path string, defaults map[string]any, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		clock:       clock.New(),
		logger:      slog.Default(),
		saveDelay:   DefaultSaveDelay,
		values:      make(map[string]any, len(defaults)),
		fileVersion: 1,
		setFuncs:    make(map[string][]SetFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	for k, v := range defaults {
		s.values[k] = v
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	ver, content, err := decodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	s.fileVersion = ver.File
	for k, v := range content {
		if old, ok := s.values[k]; ok && old != nil {
			converted, err := castTo(old, v)
			if err != nil {
				s.logger.Warn("config: ignoring value of wrong type",
					slog.String("key", k),
					slog.String("path", path),
					slog.Any("error", err),
				)
				continue
			}
			v = converted
		}
		s.values[k] = v
	}
	s.logger.Debug("config loaded",
		slog.String("path", path),
		slog.Int("fileVersion", ver.File),
		slog.Int("keys", len(content)),
	)
	return s, nil
}

// decodeFile parses the version header and the content object. A file with
// a single object is treated as content at version 1.
func decodeFile(data []byte) (version, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var first map[string]any
	if err := dec.Decode(&first); err != nil {
		return version{}, nil, err
	}
	var second map[string]any
	err := dec.Decode(&second)
	if errors.Is(err, io.EOF) {
		return version{File: 1, Format: FormatVersion}, first, nil
	}
	if err != nil {
		return version{}, nil, err
	}

	ver := version{File: 1, Format: FormatVersion}
	if v, err := cast.ToIntE(first["file"]); err == nil {
		ver.File = v
	}
	if v, err := cast.ToIntE(first["format"]); err == nil {
		ver.Format = v
	}
	if ver.Format != FormatVersion {
		return version{}, nil, fmt.Errorf("unsupported format version %d", ver.Format)
	}
	return ver, second, nil
}

// castTo converts v to the dynamic type of old.
func castTo(old, v any) (any, error) {
	switch old.(type) {
	case string:
		return cast.ToStringE(v)
	case bool:
		return cast.ToBoolE(v)
	case int:
		return cast.ToIntE(v)
	case int64:
		return cast.ToInt64E(v)
	case float64:
		return cast.ToFloat64E(v)
	case []string:
		return cast.ToStringSliceE(v)
	case []any:
		return cast.ToSliceE(v)
	case map[string]any:
		return cast.ToStringMapE(v)
	default:
		return v, nil
	}
}

func (s *Store) Path() string { return s.path }

// FileVersion returns the content version of the loaded or last saved file.
func (s *Store) FileVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileVersion
}

func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) GetString(key string) string {
	v, _ := s.Get(key)
	return cast.ToString(v)
}

func (s *Store) GetInt(key string) int {
	v, _ := s.Get(key)
	return cast.ToInt(v)
}

func (s *Store) GetFloat(key string) float64 {
	v, _ := s.Get(key)
	return cast.ToFloat64(v)
}

func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key)
	return cast.ToBool(v)
}

// Keys returns every key in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every key and value.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set stores value under key, cast to the type of the value it replaces.
// Setting an equal value does nothing. Otherwise the key's set functions
// and every change callback run, and a save is scheduled.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	old, exists := s.values[key]
	if exists && old != nil {
		converted, err := castTo(old, value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("config: set %q: %w", key, err)
		}
		value = converted
	}
	if exists && reflect.DeepEqual(old, value) {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value
	funcs := slices.Clone(s.setFuncs[key])
	callbacks := slices.Clone(s.callbacks)
	s.scheduleSaveLocked()
	s.mu.Unlock()

	for _, fn := range funcs {
		fn(key, value)
	}
	for _, cb := range callbacks {
		cb(key, value)
	}
	return nil
}

// RegisterSetFunction runs fn whenever key changes, and immediately with the
// current value when applyNow is set.
func (s *Store) RegisterSetFunction(key string, fn SetFunc, applyNow bool) error {
	s.mu.Lock()
	v, ok := s.values[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	s.setFuncs[key] = append(s.setFuncs[key], fn)
	s.mu.Unlock()

	if applyNow {
		fn(key, v)
	}
	return nil
}

// RegisterChangeCallback runs cb after any key changes.
func (s *Store) RegisterChangeCallback(cb ChangeCallback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// RunConverter rewrites the content with fn when the file version is one of
// from, then records the new version and saves.
func (s *Store) RunConverter(from []int, to int, fn func(map[string]any) map[string]any) error {
	s.mu.Lock()
	if !slices.Contains(from, s.fileVersion) {
		current := s.fileVersion
		s.mu.Unlock()
		s.logger.Debug("config converter skipped",
			slog.String("path", s.path),
			slog.Int("fileVersion", current),
		)
		return nil
	}
	in := make(map[string]any, len(s.values))
	for k, v := range s.values {
		in[k] = v
	}
	out := fn(in)
	if out == nil {
		s.mu.Unlock()
		return errors.New("config: converter returned no content")
	}
	prev := s.fileVersion
	s.values = out
	s.fileVersion = to
	s.mu.Unlock()

	s.logger.Info("config converted",
		slog.String("path", s.path),
		slog.Int("from", prev),
		slog.Int("to", to),
	)
	return s.Save()
}

func (s *Store) scheduleSaveLocked() {
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = s.clock.AfterFunc(s.saveDelay, func() {
		s.mu.Lock()
		s.saveTimer = nil
		s.mu.Unlock()
		if err := s.Save(); err != nil {
			s.logger.Error("config save failed",
				slog.String("path", s.path),
				slog.Any("error", err),
			)
		}
	})
}

// Save writes the store to disk unless the file already holds the same
// content. A pending debounced save is cancelled.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	data, err := encodeFile(version{File: s.fileVersion, Format: FormatVersion}, s.values)
	s.mu.Unlock()
	if err != nil {
		metrics.ConfigSaves.WithLabelValues("failed").Inc()
		return fmt.Errorf("config: encode: %w", err)
	}

	current, err := os.ReadFile(s.path)
	if err == nil && bytes.Equal(current, data) {
		metrics.ConfigSaves.WithLabelValues("unchanged").Inc()
		return nil
	}
	if err := writeFile(s.path, data, current); err != nil {
		metrics.ConfigSaves.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ConfigSaves.WithLabelValues("written").Inc()
	s.logger.Debug("config saved", slog.String("path", s.path))
	return nil
}

// Close flushes a pending save.
func (s *Store) Close() error {
	s.mu.Lock()
	pending := s.saveTimer != nil
	s.mu.Unlock()
	if !pending {
		return nil
	}
	return s.Save()
}

func encodeFile(ver version, values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ver); err != nil {
		return nil, err
	}
	buf.Truncate(buf.Len() - 1)
	if err := enc.Encode(values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeFile replaces path with data through a renamed temp file, keeping
// previous (the old content, if any) as path.bak.
func writeFile(path string, data, previous []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	tmp := path + ".new"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("config: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", tmp, err)
	}
	if previous != nil {
		if err := os.WriteFile(path+".bak", previous, 0o600); err != nil {
			return fmt.Errorf("config: backup %s: %w", path, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename %s: %w", tmp, err)
	}
	return nil
}
