package blob

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SourceKey is the object key of the assembled original upload.
func SourceKey(ownerID, videoID, filename string) string {
	return path.Join("originals", ownerID, videoID, FoldFilename(filename))
}

// EncodedKey is the object key of one encoded rendition. The extension is
// dictated by the codec's container.
func EncodedKey(ownerID, videoID, filename, resolution, ext string) string {
	base := strings.TrimSuffix(FoldFilename(filename), path.Ext(FoldFilename(filename)))
	if base == "" {
		base = "video"
	}
	return path.Join("encoded", ownerID, videoID, fmt.Sprintf("%s_%s%s", base, resolution, ext))
}

// ThumbnailKey is the object key of the poster frame.
func ThumbnailKey(ownerID, videoID string) string {
	return path.Join("thumbnails", ownerID, videoID+".jpg")
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldFilename reduces an uploaded filename to characters that are safe in an
// object key: diacritics are stripped, anything outside [a-zA-Z0-9._-] becomes
// an underscore, and empty results fall back to "file".
func FoldFilename(name string) string {
	trimmed := strings.TrimSpace(path.Base(name))
	if folded, _, err := transform.String(diacriticStripper, trimmed); err == nil {
		trimmed = folded
	}
	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	result := strings.Trim(b.String(), "._")
	if result == "" {
		return "file"
	}
	return result
}
