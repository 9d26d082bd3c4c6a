package domain

// Event names emitted by the daemon and understood by clients.
const (
	EventTorrentAdded        = "TorrentAddedEvent"
	EventTorrentRemoved      = "TorrentRemovedEvent"
	EventTorrentStateChanged = "TorrentStateChangedEvent"
	EventTorrentFinished     = "TorrentFinishedEvent"
	EventConfigValueChanged  = "ConfigValueChangedEvent"
	EventSessionPaused       = "SessionPausedEvent"
	EventSessionResumed      = "SessionResumedEvent"
)

// Event is a named notification with positional arguments.
type Event struct {
	Name string
	Args []any
}

func TorrentAdded(id string, fromState bool) Event {
	return Event{Name: EventTorrentAdded, Args: []any{id, fromState}}
}

func TorrentRemoved(id string) Event {
	return Event{Name: EventTorrentRemoved, Args: []any{id}}
}

func TorrentStateChanged(id string, state TorrentState) Event {
	return Event{Name: EventTorrentStateChanged, Args: []any{id, string(state)}}
}

func TorrentFinished(id string) Event {
	return Event{Name: EventTorrentFinished, Args: []any{id}}
}

func ConfigValueChanged(key string, value any) Event {
	return Event{Name: EventConfigValueChanged, Args: []any{key, value}}
}
