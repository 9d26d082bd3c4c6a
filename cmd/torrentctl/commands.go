package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"

	"torrentd/internal/domain"
)

// daemonAPI is the part of the daemon client the commands use.
type daemonAPI interface {
	GetTorrentsStatus(ctx context.Context, filter domain.Filter, keys []domain.Field, diff bool) (map[string]domain.Status, error)
	GetSessionStatus(ctx context.Context) (domain.SessionStatus, error)
	AddTorrentMagnet(ctx context.Context, uri string, opts domain.TorrentOptions) (string, error)
	AddTorrentFile(ctx context.Context, filename string, data []byte, opts domain.TorrentOptions) (string, error)
	RemoveTorrent(ctx context.Context, id string, removeData bool) error
	PauseTorrents(ctx context.Context, ids ...string) error
	ResumeTorrents(ctx context.Context, ids ...string) error
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, values map[string]any) error
	Shutdown(ctx context.Context) error
}

type command func(ctx context.Context, d daemonAPI, args []string, out io.Writer) error

var commands = map[string]command{
	"info":     cmdInfo,
	"status":   cmdStatus,
	"add":      cmdAdd,
	"rm":       cmdRemove,
	"pause":    cmdPause,
	"resume":   cmdResume,
	"config":   cmdConfig,
	"shutdown": cmdShutdown,
}

var infoFields = []domain.Field{
	domain.FieldName,
	domain.FieldState,
	domain.FieldProgress,
	domain.FieldTotalSize,
	domain.FieldDownloadRate,
	domain.FieldUploadRate,
	domain.FieldNumPeers,
	domain.FieldETA,
}

func cmdInfo(ctx context.Context, d daemonAPI, args []string, out io.Writer) error {
	var filter domain.Filter
	if len(args) > 0 {
		filter.IDs = args
	}
	statuses, err := d.GetTorrentsStatus(ctx, filter, infoFields, false)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := cast.ToString(statuses[ids[i]][domain.FieldName]), cast.ToString(statuses[ids[j]][domain.FieldName])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tDONE\tSIZE\tDOWN\tUP\tPEERS\tETA")
	for _, id := range ids {
		st := statuses[id]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%s\t%s\t%s\t%d\t%s\n",
			shortID(id),
			cast.ToString(st[domain.FieldName]),
			cast.ToString(st[domain.FieldState]),
			cast.ToFloat64(st[domain.FieldProgress]),
			humanize.IBytes(cast.ToUint64(st[domain.FieldTotalSize])),
			formatRate(st[domain.FieldDownloadRate]),
			formatRate(st[domain.FieldUploadRate]),
			cast.ToInt64(st[domain.FieldNumPeers]),
			formatETA(cast.ToInt64(st[domain.FieldETA])),
		)
	}
	return tw.Flush()
}

func cmdStatus(ctx context.Context, d daemonAPI, _ []string, out io.Writer) error {
	st, err := d.GetSessionStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "torrents:   %s\n", humanize.Comma(st.NumTorrents))
	fmt.Fprintf(out, "peers:      %s\n", humanize.Comma(st.NumPeers))
	fmt.Fprintf(out, "download:   %s\n", formatRate(st.DownloadRate))
	fmt.Fprintf(out, "upload:     %s\n", formatRate(st.UploadRate))
	fmt.Fprintf(out, "downloaded: %s\n", humanize.IBytes(uint64(max(st.TotalDone, 0))))
	fmt.Fprintf(out, "uploaded:   %s\n", humanize.IBytes(uint64(max(st.TotalUploaded, 0))))
	return nil
}

func cmdAdd(ctx context.Context, d daemonAPI, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("add", pflag.ContinueOnError)
	paused := fs.Bool("paused", false, "add in paused state")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("add: need a magnet link or a .torrent file")
	}
	opts := domain.TorrentOptions{AddPaused: *paused}

	var errs []error
	for _, src := range fs.Args() {
		var (
			id  string
			err error
		)
		if strings.HasPrefix(src, "magnet:") {
			id, err = d.AddTorrentMagnet(ctx, src, opts)
		} else {
			var data []byte
			if data, err = os.ReadFile(src); err == nil {
				id, err = d.AddTorrentFile(ctx, filepath.Base(src), data, opts)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src, err))
			continue
		}
		fmt.Fprintf(out, "added %s\n", id)
	}
	return errors.Join(errs...)
}

func cmdRemove(ctx context.Context, d daemonAPI, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("rm", pflag.ContinueOnError)
	removeData := fs.Bool("remove-data", false, "also delete downloaded files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("rm: need a torrent id")
	}
	var errs []error
	for _, id := range fs.Args() {
		if err := d.RemoveTorrent(ctx, id, *removeData); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(out, "removed %s\n", id)
	}
	return errors.Join(errs...)
}

func cmdPause(ctx context.Context, d daemonAPI, args []string, _ io.Writer) error {
	if len(args) == 0 {
		return errors.New("pause: need torrent ids")
	}
	return d.PauseTorrents(ctx, args...)
}

func cmdResume(ctx context.Context, d daemonAPI, args []string, _ io.Writer) error {
	if len(args) == 0 {
		return errors.New("resume: need torrent ids")
	}
	return d.ResumeTorrents(ctx, args...)
}

// cmdConfig prints every preference, prints one, or sets one. Values are
// sent as strings and cast by the daemon to the stored type.
func cmdConfig(ctx context.Context, d daemonAPI, args []string, out io.Writer) error {
	switch len(args) {
	case 0, 1:
		values, err := d.GetConfig(ctx)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			v, ok := values[args[0]]
			if !ok {
				return fmt.Errorf("config: unknown key %q", args[0])
			}
			fmt.Fprintln(out, cast.ToString(v))
			return nil
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s: %s\n", k, cast.ToString(values[k]))
		}
		return nil
	case 2:
		return d.SetConfig(ctx, map[string]any{args[0]: args[1]})
	default:
		return errors.New("config: too many arguments")
	}
}

func cmdShutdown(ctx context.Context, d daemonAPI, _ []string, out io.Writer) error {
	if err := d.Shutdown(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "daemon shutting down")
	return nil
}

// ---- formatting ----

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatRate(v any) string {
	rate := cast.ToInt64(v)
	if rate <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(rate)) + "/s"
}

func formatETA(seconds int64) string {
	if seconds <= 0 {
		return "-"
	}
	h, m, s := seconds/3600, seconds%3600/60, seconds%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
