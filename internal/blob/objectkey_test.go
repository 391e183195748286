package blob

import "testing"

func TestFoldFilename(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "passthrough", in: "clip.mp4", want: "clip.mp4"},
		{name: "spaces become underscores", in: "my holiday video.mp4", want: "my_holiday_video.mp4"},
		{name: "diacritics stripped", in: "café-séjour.mp4", want: "cafe-sejour.mp4"},
		{name: "path components dropped", in: "../../etc/passwd", want: "passwd"},
		{name: "leading dots trimmed", in: "...hidden.mp4", want: "hidden.mp4"},
		{name: "empty falls back", in: "  ", want: "file"},
		{name: "all symbols fall back", in: "???", want: "file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FoldFilename(tc.in); got != tc.want {
				t.Fatalf("FoldFilename(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestObjectKeyLayout(t *testing.T) {
	if got := SourceKey("owner-1", "vid-1", "clip.mp4"); got != "originals/owner-1/vid-1/clip.mp4" {
		t.Fatalf("SourceKey = %q", got)
	}
	if got := EncodedKey("owner-1", "vid-1", "clip.mp4", "720p", ".webm"); got != "encoded/owner-1/vid-1/clip_720p.webm" {
		t.Fatalf("EncodedKey = %q", got)
	}
	if got := ThumbnailKey("owner-1", "vid-1"); got != "thumbnails/owner-1/vid-1.jpg" {
		t.Fatalf("ThumbnailKey = %q", got)
	}
}

func TestEncodedKeyHandlesExtensionlessFilename(t *testing.T) {
	if got := EncodedKey("owner-1", "vid-1", "clip", "480p", ".mp4"); got != "encoded/owner-1/vid-1/clip_480p.mp4" {
		t.Fatalf("EncodedKey = %q", got)
	}
}
