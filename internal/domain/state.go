package domain

import "errors"

// TorrentState is the user-facing state of a torrent as reported by the
// daemon in the "state" status field.
type TorrentState string

const (
	StateChecking    TorrentState = "Checking"
	StateDownloading TorrentState = "Downloading"
	StateSeeding     TorrentState = "Seeding"
	StatePaused      TorrentState = "Paused"
	StateQueued      TorrentState = "Queued"
	StateError       TorrentState = "Error"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// userTransitions lists the states reachable by an explicit pause/resume.
var userTransitions = map[TorrentState][]TorrentState{
	StateChecking:    {StatePaused},
	StateDownloading: {StatePaused},
	StateSeeding:     {StatePaused},
	StateQueued:      {StatePaused},
	StatePaused:      {StateDownloading, StateSeeding, StateQueued},
	StateError:       {StatePaused, StateDownloading, StateSeeding},
}

// CanTransition reports whether a user action may move a torrent from one
// state to another.
func CanTransition(from, to TorrentState) bool {
	for _, s := range userTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s TorrentState) Valid() bool {
	_, ok := userTransitions[s]
	return ok
}

// Active reports whether a torrent in this state is transferring data.
func (s TorrentState) Active() bool {
	return s == StateDownloading || s == StateSeeding || s == StateChecking
}
