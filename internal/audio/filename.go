package audio

import (
	"fmt"
	"strings"
	"time"
)

// ExtensionFor maps a MIME type to the file extension hosts expect.
func ExtensionFor(mime string) string {
	m := strings.ToLower(mime)
	if i := strings.Index(m, ";"); i >= 0 {
		m = m[:i]
	}
	switch m {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return "wav"
	case "audio/mp3", "audio/mpeg":
		return "mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/aac":
		return "aac"
	case "audio/ogg":
		return "ogg"
	case "audio/webm":
		return "webm"
	case "audio/flac":
		return "flac"
	}
	if strings.Contains(m, "wav") {
		return "wav"
	}
	return "m4a"
}

// Filename builds the upload name recording-<unix ms>.<ext>.
func Filename(mime string, at time.Time) string {
	return fmt.Sprintf("recording-%d.%s", at.UnixMilli(), ExtensionFor(mime))
}
