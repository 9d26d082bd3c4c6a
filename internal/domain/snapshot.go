package domain

import "time"

// Snapshot is what the engine reports for one torrent at a point in time.
type Snapshot struct {
	ID             string
	Name           string
	State          TorrentState
	TotalSize      int64
	Done           int64
	Uploaded       int64
	DownloadRate   int64
	UploadRate     int64
	Peers          int
	Seeds          int
	NumPieces      int
	MaxConnections int
	Files          []FileRef
	AddedAt        time.Time
}

// Progress returns completion as a percentage in [0, 100].
func (s Snapshot) Progress() float64 {
	if s.TotalSize <= 0 {
		return 0
	}
	return float64(s.Done) / float64(s.TotalSize) * 100
}

// ETA returns the estimated seconds to completion, or -1 when unknown.
func (s Snapshot) ETA() int64 {
	if s.Done >= s.TotalSize && s.TotalSize > 0 {
		return 0
	}
	if s.DownloadRate <= 0 {
		return -1
	}
	return (s.TotalSize - s.Done) / s.DownloadRate
}

// Ratio returns uploaded over downloaded bytes, or -1 with nothing downloaded.
func (s Snapshot) Ratio() float64 {
	if s.Done <= 0 {
		return -1
	}
	return float64(s.Uploaded) / float64(s.Done)
}

// Status renders the snapshot as a full status record.
func (s Snapshot) Status() Status {
	files := s.Files
	if files == nil {
		files = []FileRef{}
	}
	return Status{
		FieldHash:           s.ID,
		FieldName:           s.Name,
		FieldState:          string(s.State),
		FieldPaused:         s.State == StatePaused,
		FieldProgress:       s.Progress(),
		FieldTotalSize:      s.TotalSize,
		FieldTotalDone:      s.Done,
		FieldTotalUploaded:  s.Uploaded,
		FieldDownloadRate:   s.DownloadRate,
		FieldUploadRate:     s.UploadRate,
		FieldNumPeers:       int64(s.Peers),
		FieldNumSeeds:       int64(s.Seeds),
		FieldNumPieces:      int64(s.NumPieces),
		FieldETA:            s.ETA(),
		FieldRatio:          s.Ratio(),
		FieldIsFinished:     s.TotalSize > 0 && s.Done >= s.TotalSize,
		FieldTimeAdded:      s.AddedAt.Unix(),
		FieldMaxConnections: int64(s.MaxConnections),
		FieldFiles:          files,
	}
}
