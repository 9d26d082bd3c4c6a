package domain

// Unlimited marks a rate or count setting without a cap.
const Unlimited = -1

// EngineSettings are the session-wide knobs the daemon pushes into the
// torrent engine. Rates are bytes per second.
type EngineSettings struct {
	DownloadRateLimit        int64
	UploadRateLimit          int64
	MaxConnectionsPerTorrent int
	MaxActiveDownloads       int
}

// DefaultEngineSettings leaves every limit open.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		DownloadRateLimit:        Unlimited,
		UploadRateLimit:          Unlimited,
		MaxConnectionsPerTorrent: Unlimited,
		MaxActiveDownloads:       Unlimited,
	}
}

// SessionStatus aggregates transfer figures across every torrent.
type SessionStatus struct {
	DownloadRate  int64 `cbor:"payload_download_rate" json:"payload_download_rate"`
	UploadRate    int64 `cbor:"payload_upload_rate" json:"payload_upload_rate"`
	NumPeers      int64 `cbor:"num_peers" json:"num_peers"`
	NumTorrents   int64 `cbor:"num_torrents" json:"num_torrents"`
	TotalDone     int64 `cbor:"total_done" json:"total_done"`
	TotalUploaded int64 `cbor:"total_uploaded" json:"total_uploaded"`
}
