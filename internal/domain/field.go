package domain

import (
	"fmt"
	"sort"
)

// Field identifies one key of a torrent status record.
type Field string

const (
	FieldHash           Field = "hash"
	FieldName           Field = "name"
	FieldState          Field = "state"
	FieldPaused         Field = "paused"
	FieldProgress       Field = "progress"
	FieldTotalSize      Field = "total_size"
	FieldTotalDone      Field = "total_done"
	FieldTotalUploaded  Field = "total_uploaded"
	FieldDownloadRate   Field = "download_payload_rate"
	FieldUploadRate     Field = "upload_payload_rate"
	FieldNumPeers       Field = "num_peers"
	FieldNumSeeds       Field = "num_seeds"
	FieldNumPieces      Field = "num_pieces"
	FieldETA            Field = "eta"
	FieldRatio          Field = "ratio"
	FieldIsFinished     Field = "is_finished"
	FieldTimeAdded      Field = "time_added"
	FieldMaxConnections Field = "max_connections"
	FieldFiles          Field = "files"
)

var knownFields = map[Field]struct{}{
	FieldHash: {}, FieldName: {}, FieldState: {}, FieldPaused: {},
	FieldProgress: {}, FieldTotalSize: {}, FieldTotalDone: {},
	FieldTotalUploaded: {}, FieldDownloadRate: {}, FieldUploadRate: {},
	FieldNumPeers: {}, FieldNumSeeds: {}, FieldNumPieces: {}, FieldETA: {},
	FieldRatio: {}, FieldIsFinished: {}, FieldTimeAdded: {},
	FieldMaxConnections: {}, FieldFiles: {},
}

// Known reports whether f is part of the status schema.
func (f Field) Known() bool {
	_, ok := knownFields[f]
	return ok
}

// AllFields returns every status field in a stable order.
func AllFields() []Field {
	out := make([]Field, 0, len(knownFields))
	for f := range knownFields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseFields converts raw key names into fields, rejecting unknown keys.
func ParseFields(keys []string) ([]Field, error) {
	out := make([]Field, 0, len(keys))
	for _, k := range keys {
		f := Field(k)
		if !f.Known() {
			return nil, fmt.Errorf("unknown status field %q", k)
		}
		out = append(out, f)
	}
	return out, nil
}

// Status is a partial torrent status record. A field that is absent was
// not requested, not cached or unchanged since the last diff fetch.
type Status map[Field]any

// Clone returns a shallow copy of s.
func (s Status) Clone() Status {
	out := make(Status, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Subset returns the entries of s named in keys. Keys that s does not hold
// are skipped. An empty keys slice returns a copy of everything.
func (s Status) Subset(keys []Field) Status {
	if len(keys) == 0 {
		return s.Clone()
	}
	out := make(Status, len(keys))
	for _, k := range keys {
		if v, ok := s[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Merge copies every entry of other into s.
func (s Status) Merge(other Status) {
	for k, v := range other {
		s[k] = v
	}
}

// State returns the state field when present.
func (s Status) State() (TorrentState, bool) {
	v, ok := s[FieldState]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	if !ok {
		if ts, isState := v.(TorrentState); isState {
			return ts, true
		}
		return "", false
	}
	return TorrentState(str), true
}
