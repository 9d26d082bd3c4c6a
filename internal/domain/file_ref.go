package domain

type FileRef struct {
	Index          int    `cbor:"index" json:"index"`
	Path           string `cbor:"path" json:"path"`
	Length         int64  `cbor:"size" json:"size"`
	BytesCompleted int64  `cbor:"done" json:"done"`
}
