package pipeline

// EncodeJob is the bus payload describing one rendition to produce.
type EncodeJob struct {
	VideoID     string `json:"videoId"`
	FormatID    string `json:"formatId"`
	OwnerID     string `json:"ownerId"`
	SourceKey   string `json:"sourceKey"`
	Filename    string `json:"filename"`
	Resolution  string `json:"resolution"`
	Height      int    `json:"height"`
	BitrateKbps int    `json:"bitrateKbps"`
	Codec       string `json:"codec"`
}

// ThumbnailJob is the bus payload for the poster-frame task.
type ThumbnailJob struct {
	VideoID   string `json:"videoId"`
	OwnerID   string `json:"ownerId"`
	SourceKey string `json:"sourceKey"`
}

// StatusEvent is published on every terminal format transition and when a
// video reaches ready.
type StatusEvent struct {
	VideoID    string `json:"videoId"`
	Resolution string `json:"resolution,omitempty"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
}
