package domain

// Filter selects torrents for a multi-status request. The zero value
// selects every torrent.
type Filter struct {
	IDs   []string     `cbor:"id,omitempty" json:"id,omitempty"`
	State TorrentState `cbor:"state,omitempty" json:"state,omitempty"`
	Name  string       `cbor:"name,omitempty" json:"name,omitempty"`
}

// Empty reports whether f selects every torrent.
func (f Filter) Empty() bool {
	return f.IDs == nil && f.State == "" && f.Name == ""
}

// OnlyIDs reports whether f is an explicit id list with no other criteria.
func (f Filter) OnlyIDs() bool {
	return f.IDs != nil && f.State == "" && f.Name == ""
}
