package domain

import (
	"errors"
	"time"
)

// TorrentSource is what a torrent was added from. Exactly one of Magnet or
// MetaInfo is set.
type TorrentSource struct {
	Magnet   string
	MetaInfo []byte
}

// Validate checks that exactly one source is present.
func (s TorrentSource) Validate() error {
	switch {
	case s.Magnet == "" && len(s.MetaInfo) == 0:
		return ErrInvalidSource
	case s.Magnet != "" && len(s.MetaInfo) > 0:
		return ErrInvalidSource
	}
	return nil
}

// TorrentOptions are per-torrent settings supplied when adding a torrent.
type TorrentOptions struct {
	AddPaused      bool `cbor:"add_paused,omitempty" json:"add_paused,omitempty"`
	MaxConnections int  `cbor:"max_connections,omitempty" json:"max_connections,omitempty"`
}

// TorrentRecord is the persisted state of one torrent, enough to restore
// it into the engine after a restart.
type TorrentRecord struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Source  TorrentSource  `json:"-"`
	Options TorrentOptions `json:"options"`
	Paused  bool           `json:"paused"`
	AddedAt time.Time      `json:"addedAt"`
}

// Validate checks domain invariants for TorrentRecord.
func (r TorrentRecord) Validate() error {
	if r.ID == "" {
		return errors.New("torrent id is required")
	}
	if err := r.Source.Validate(); err != nil {
		return err
	}
	if r.Options.MaxConnections < 0 {
		return errors.New("max connections must not be negative")
	}
	return nil
}
