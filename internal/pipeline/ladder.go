package pipeline

import "strings"

// Rung is one resolution step in the encoding ladder.
type Rung struct {
	Label       string
	Height      int
	BitrateKbps int
}

// Codec maps a codec label onto an ffmpeg encoder and output container.
type Codec struct {
	Label       string
	Encoder     string
	Ext         string
	ContentType string
}

// DefaultLadder is the production resolution ladder.
func DefaultLadder() []Rung {
	return []Rung{
		{Label: "240p", Height: 240, BitrateKbps: 400},
		{Label: "360p", Height: 360, BitrateKbps: 700},
		{Label: "480p", Height: 480, BitrateKbps: 1000},
		{Label: "720p", Height: 720, BitrateKbps: 2500},
		{Label: "1080p", Height: 1080, BitrateKbps: 5000},
		{Label: "4K", Height: 2160, BitrateKbps: 15000},
	}
}

// DefaultCodecs lists the codecs every upload is encoded into.
func DefaultCodecs() []Codec {
	return []Codec{
		{Label: "H.264", Encoder: "libx264", Ext: ".mp4", ContentType: "video/mp4"},
		{Label: "H.265", Encoder: "libx265", Ext: ".mp4", ContentType: "video/mp4"},
		{Label: "VP9", Encoder: "libvpx-vp9", Ext: ".webm", ContentType: "video/webm"},
	}
}

func codecByLabel(codecs []Codec, label string) (Codec, bool) {
	for _, codec := range codecs {
		if strings.EqualFold(codec.Label, strings.TrimSpace(label)) {
			return codec, true
		}
	}
	return Codec{}, false
}

// rungByLabel resolves a stored format's resolution label back to its ladder
// rung; dispatch retries rebuild encode jobs from existing format rows.
func rungByLabel(ladder []Rung, label string) (Rung, bool) {
	for _, rung := range ladder {
		if strings.EqualFold(rung.Label, strings.TrimSpace(label)) {
			return rung, true
		}
	}
	return Rung{}, false
}
