package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"torrentd/internal/domain"
)

type fakeDaemon struct {
	statuses   map[string]domain.Status
	session    domain.SessionStatus
	config     map[string]any
	err        error
	filter     domain.Filter
	magnets    []string
	files      map[string][]byte
	opts       domain.TorrentOptions
	removed    []string
	removeData bool
	paused     []string
	resumed    []string
	set        map[string]any
	shutdown   bool
}

func (f *fakeDaemon) GetTorrentsStatus(_ context.Context, filter domain.Filter, _ []domain.Field, _ bool) (map[string]domain.Status, error) {
	f.filter = filter
	return f.statuses, f.err
}

func (f *fakeDaemon) GetSessionStatus(context.Context) (domain.SessionStatus, error) {
	return f.session, f.err
}

func (f *fakeDaemon) AddTorrentMagnet(_ context.Context, uri string, opts domain.TorrentOptions) (string, error) {
	f.magnets = append(f.magnets, uri)
	f.opts = opts
	return "m" + uri[len(uri)-1:], f.err
}

func (f *fakeDaemon) AddTorrentFile(_ context.Context, filename string, data []byte, opts domain.TorrentOptions) (string, error) {
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[filename] = data
	f.opts = opts
	return "f1", f.err
}

func (f *fakeDaemon) RemoveTorrent(_ context.Context, id string, removeData bool) error {
	f.removed = append(f.removed, id)
	f.removeData = removeData
	return f.err
}

func (f *fakeDaemon) PauseTorrents(_ context.Context, ids ...string) error {
	f.paused = ids
	return f.err
}

func (f *fakeDaemon) ResumeTorrents(_ context.Context, ids ...string) error {
	f.resumed = ids
	return f.err
}

func (f *fakeDaemon) GetConfig(context.Context) (map[string]any, error) {
	return f.config, f.err
}

func (f *fakeDaemon) SetConfig(_ context.Context, values map[string]any) error {
	f.set = values
	return f.err
}

func (f *fakeDaemon) Shutdown(context.Context) error {
	f.shutdown = true
	return f.err
}

func TestInfoPrintsSortedTable(t *testing.T) {
	d := &fakeDaemon{statuses: map[string]domain.Status{
		"bbbbbbbbbbbb": {
			domain.FieldName:         "zeta",
			domain.FieldState:        "Seeding",
			domain.FieldProgress:     100.0,
			domain.FieldTotalSize:    int64(1 << 30),
			domain.FieldDownloadRate: int64(0),
			domain.FieldUploadRate:   int64(2048),
			domain.FieldNumPeers:     int64(3),
			domain.FieldETA:          int64(0),
		},
		"aaaaaaaaaaaa": {
			domain.FieldName:         "alpha",
			domain.FieldState:        "Downloading",
			domain.FieldProgress:     12.5,
			domain.FieldTotalSize:    int64(1 << 20),
			domain.FieldDownloadRate: int64(1 << 20),
			domain.FieldNumPeers:     int64(7),
			domain.FieldETA:          int64(3725),
		},
	}}
	var out bytes.Buffer
	if err := cmdInfo(context.Background(), d, []string{"aaaaaaaaaaaa", "bbbbbbbbbbbb"}, &out); err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(d.filter.IDs) != 2 {
		t.Fatalf("filter = %+v", d.filter)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[1], "aaaaaaaa") || !strings.Contains(lines[1], "alpha") {
		t.Fatalf("first row = %q", lines[1])
	}
	for _, want := range []string{"12.5%", "1.0 MiB/s", "1h02m"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q missing %q", lines[1], want)
		}
	}
	for _, want := range []string{"zeta", "1.0 GiB", "2.0 KiB/s"} {
		if !strings.Contains(lines[2], want) {
			t.Errorf("row %q missing %q", lines[2], want)
		}
	}
}

func TestInfoWithoutArgsSelectsAll(t *testing.T) {
	d := &fakeDaemon{}
	if err := cmdInfo(context.Background(), d, nil, &bytes.Buffer{}); err != nil {
		t.Fatalf("info: %v", err)
	}
	if !d.filter.Empty() {
		t.Fatalf("filter = %+v", d.filter)
	}
}

func TestStatus(t *testing.T) {
	d := &fakeDaemon{session: domain.SessionStatus{NumTorrents: 1200, DownloadRate: 4096, TotalDone: 5 << 20}}
	var out bytes.Buffer
	if err := cmdStatus(context.Background(), d, nil, &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"1,200", "4.0 KiB/s", "5.0 MiB", "upload:     -"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestAddMagnetAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ubuntu.torrent")
	if err := os.WriteFile(path, []byte("d4:infoe"), 0o600); err != nil {
		t.Fatal(err)
	}
	d := &fakeDaemon{}
	var out bytes.Buffer
	err := cmdAdd(context.Background(), d, []string{"--paused", "magnet:?xt=urn:btih:1", path}, &out)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(d.magnets) != 1 || string(d.files["ubuntu.torrent"]) != "d4:infoe" {
		t.Fatalf("magnets=%v files=%v", d.magnets, d.files)
	}
	if !d.opts.AddPaused {
		t.Fatal("--paused not passed")
	}
	if got := out.String(); got != "added m1\nadded f1\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestAddReportsEachFailure(t *testing.T) {
	d := &fakeDaemon{}
	err := cmdAdd(context.Background(), d, []string{"/does/not/exist.torrent", "magnet:?xt=urn:btih:2"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "exist.torrent") {
		t.Fatalf("err = %v", err)
	}
	if len(d.magnets) != 1 {
		t.Fatal("later sources must still be added")
	}
}

func TestRemovePauseResume(t *testing.T) {
	d := &fakeDaemon{}
	ctx := context.Background()
	if err := cmdRemove(ctx, d, []string{"--remove-data", "a", "b"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("rm: %v", err)
	}
	if len(d.removed) != 2 || !d.removeData {
		t.Fatalf("removed=%v removeData=%v", d.removed, d.removeData)
	}
	if err := cmdPause(ctx, d, []string{"a"}, nil); err != nil || len(d.paused) != 1 {
		t.Fatalf("pause: %v %v", err, d.paused)
	}
	if err := cmdResume(ctx, d, []string{"a", "b"}, nil); err != nil || len(d.resumed) != 2 {
		t.Fatalf("resume: %v %v", err, d.resumed)
	}
	for name, cmd := range map[string]command{"rm": cmdRemove, "pause": cmdPause, "resume": cmdResume} {
		if err := cmd(ctx, d, nil, &bytes.Buffer{}); err == nil {
			t.Errorf("%s without ids must fail", name)
		}
	}
}

func TestConfig(t *testing.T) {
	d := &fakeDaemon{config: map[string]any{"max_active_downloads": int64(3), "add_paused": false}}
	ctx := context.Background()

	var out bytes.Buffer
	if err := cmdConfig(ctx, d, nil, &out); err != nil {
		t.Fatalf("config: %v", err)
	}
	if got := out.String(); got != "add_paused: false\nmax_active_downloads: 3\n" {
		t.Fatalf("output = %q", got)
	}

	out.Reset()
	if err := cmdConfig(ctx, d, []string{"max_active_downloads"}, &out); err != nil || out.String() != "3\n" {
		t.Fatalf("get: %v %q", err, out.String())
	}
	if err := cmdConfig(ctx, d, []string{"nope"}, &out); err == nil {
		t.Fatal("unknown key must fail")
	}

	if err := cmdConfig(ctx, d, []string{"add_paused", "true"}, &out); err != nil {
		t.Fatalf("set: %v", err)
	}
	if d.set["add_paused"] != "true" {
		t.Fatalf("set = %v", d.set)
	}
}

func TestShutdownPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	d := &fakeDaemon{err: boom}
	if err := cmdShutdown(context.Background(), d, nil, &bytes.Buffer{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestFormatETA(t *testing.T) {
	tests := map[int64]string{
		0:    "-",
		-1:   "-",
		42:   "42s",
		125:  "2m05s",
		7260: "2h01m",
	}
	for in, want := range tests {
		if got := formatETA(in); got != want {
			t.Errorf("formatETA(%d) = %q, want %q", in, got, want)
		}
	}
}
