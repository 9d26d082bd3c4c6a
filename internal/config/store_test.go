package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefaults() map[string]any {
	return map[string]any{
		"max_download_speed":          -1.0,
		"max_connections_per_torrent": -1,
		"listen_interface":            "",
		"dht":                         true,
	}
}

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(path, testDefaults(), append([]Option{WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s was not written", path)
}

// ---------------------------------------------------------------------------
// File format
// ---------------------------------------------------------------------------

func TestSaveWritesVersionThenContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.conf")
	s := openTestStore(t, path, WithFileVersion(2))
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	wantPrefix := "{\n    \"file\": 2,\n    \"format\": 1\n}{\n    \"dht\": true,"
	if !strings.HasPrefix(string(data), wantPrefix) {
		t.Fatalf("file starts with %q, want prefix %q", string(data), wantPrefix)
	}

	reopened := openTestStore(t, path)
	if reopened.FileVersion() != 2 {
		t.Fatalf("FileVersion = %d, want 2", reopened.FileVersion())
	}
	if reopened.GetBool("dht") != true || reopened.GetInt("max_connections_per_torrent") != -1 {
		t.Fatalf("reloaded values = %v", reopened.Snapshot())
	}
}

func TestLoadCastsToDefaultTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.conf")
	content := "{\"file\": 1, \"format\": 1}{\"max_connections_per_torrent\": 50, \"max_download_speed\": 300, \"extra\": \"kept\"}"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s := openTestStore(t, path)
	v, _ := s.Get("max_connections_per_torrent")
	if n, ok := v.(int); !ok || n != 50 {
		t.Fatalf("max_connections_per_torrent = %#v, want int 50", v)
	}
	v, _ = s.Get("max_download_speed")
	if f, ok := v.(float64); !ok || f != 300 {
		t.Fatalf("max_download_speed = %#v, want float64 300", v)
	}
	if s.GetString("extra") != "kept" {
		t.Fatalf("unknown keys from the file must be kept")
	}
}

func TestLoadSingleObjectFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.conf")
	if err := os.WriteFile(path, []byte(`{"dht": false}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := openTestStore(t, path)
	if s.GetBool("dht") {
		t.Fatal("dht = true, want value from file")
	}
	if s.FileVersion() != 1 {
		t.Fatalf("FileVersion = %d, want 1", s.FileVersion())
	}
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.conf")
	if err := os.WriteFile(path, []byte(`{"file": 1, "format": 9}{}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, testDefaults(), WithLogger(discardLogger())); err == nil {
		t.Fatal("expected error for unknown format version")
	}
}

// ---------------------------------------------------------------------------
// Set semantics
// ---------------------------------------------------------------------------

func TestSetCastsToExistingType(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "core.conf"))

	if err := s.Set("max_connections_per_torrent", "120"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _ := s.Get("max_connections_per_torrent")
	if n, ok := v.(int); !ok || n != 120 {
		t.Fatalf("value = %#v, want int 120", v)
	}
	if err := s.Set("max_connections_per_torrent", "many"); err == nil {
		t.Fatal("expected cast error")
	}
	if s.GetInt("max_connections_per_torrent") != 120 {
		t.Fatal("failed Set changed the value")
	}
}

func TestSetRunsSetFunctionsAndCallbacksOnChangeOnly(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "core.conf"))

	var applied []any
	if err := s.RegisterSetFunction("max_download_speed", func(_ string, v any) {
		applied = append(applied, v)
	}, true); err != nil {
		t.Fatalf("RegisterSetFunction: %v", err)
	}
	var changed []string
	s.RegisterChangeCallback(func(key string, _ any) { changed = append(changed, key) })

	if len(applied) != 1 || applied[0] != -1.0 {
		t.Fatalf("applyNow calls = %v, want [-1]", applied)
	}
	if err := s.Set("max_download_speed", 250); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("max_download_speed", 250.0); err != nil {
		t.Fatalf("Set same: %v", err)
	}
	if len(applied) != 2 || applied[1] != 250.0 {
		t.Fatalf("set function calls = %v", applied)
	}
	if len(changed) != 1 || changed[0] != "max_download_speed" {
		t.Fatalf("change callbacks = %v", changed)
	}
}

func TestRegisterSetFunctionUnknownKey(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "core.conf"))
	err := s.RegisterSetFunction("nope", func(string, any) {}, false)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("err = %v, want ErrUnknownKey", err)
	}
}

// ---------------------------------------------------------------------------
// Saving
// ---------------------------------------------------------------------------

func TestSetSchedulesDebouncedSave(t *testing.T) {
	mock := clock.NewMock()
	path := filepath.Join(t.TempDir(), "core.conf")
	s := openTestStore(t, path, WithClock(mock))

	if err := s.Set("listen_interface", "eth0"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("dht", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mock.Add(DefaultSaveDelay - time.Second)
	if _, err := os.Stat(path); err == nil {
		t.Fatal("file written before the save delay elapsed")
	}

	mock.Add(time.Second)
	waitForFile(t, path)

	reopened := openTestStore(t, path)
	if reopened.GetString("listen_interface") != "eth0" || reopened.GetBool("dht") {
		t.Fatalf("saved values = %v", reopened.Snapshot())
	}
}

func TestSaveKeepsBackupAndSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.conf")
	s := openTestStore(t, path)
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unchanged save created a backup: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := s.Set("dht", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save after change: %v", err)
	}
	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != string(first) {
		t.Fatal("backup does not hold the previous file")
	}
	if _, err := os.Stat(path + ".new"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp file left behind")
	}
}

func TestCloseFlushesPendingSave(t *testing.T) {
	mock := clock.NewMock()
	path := filepath.Join(t.TempDir(), "core.conf")
	s := openTestStore(t, path, WithClock(mock))

	if err := s.Set("dht", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Close did not save: %v", err)
	}
}

func TestRunConverter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.conf")
	s := openTestStore(t, path)

	err := s.RunConverter([]int{1}, 2, func(in map[string]any) map[string]any {
		in["listen_interface"] = "0.0.0.0"
		return in
	})
	if err != nil {
		t.Fatalf("RunConverter: %v", err)
	}
	if s.FileVersion() != 2 || s.GetString("listen_interface") != "0.0.0.0" {
		t.Fatalf("after convert: version=%d values=%v", s.FileVersion(), s.Snapshot())
	}

	called := false
	if err := s.RunConverter([]int{1}, 3, func(in map[string]any) map[string]any {
		called = true
		return in
	}); err != nil {
		t.Fatalf("RunConverter: %v", err)
	}
	if called {
		t.Fatal("converter ran for a version outside its range")
	}
}
