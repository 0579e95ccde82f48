package classify

import (
	"strings"

	regexp "github.com/grafana/regexp"
)

// StreamKind is the transport category a source URL is expected to speak.
// The category decides which playback path is attempted first and how much
// patience each attempt gets.
type StreamKind int

const (
	// Segmented is an HLS-style manifest source (.m3u8 playlists).
	Segmented StreamKind = iota
	// RawTransport is a continuous MPEG-TS byte stream, typical of
	// port-addressed panel URLs.
	RawTransport
	// Direct is a plain progressive file the player can open natively.
	Direct
)

// String returns the kind's wire/name form.
func (k StreamKind) String() string {
	switch k {
	case Segmented:
		return "segmented"
	case RawTransport:
		return "raw"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

var (
	portRe     = regexp.MustCompile(`:\d{4,5}$`)
	portPathRe = regexp.MustCompile(`:\d{4,5}/`)
)

// Kind classifies a source URL by shape alone; it never touches the
// network. Checks run in a fixed order against the lowercased URL and
// the first match wins:
//
//  1. Manifest markers (.m3u8, .m3u, /playlist, /master anywhere in the
//     URL, query included) -> Segmented
//  2. Progressive container extensions (.mp4, .mkv, .webm) -> Direct
//  3. Panel markers (bare 4-5 digit port, /play/ path, port followed by
//     a path, .ts suffix) -> RawTransport
//  4. Anything else -> Segmented
//
// Every URL gets a kind; there is no error case.
func Kind(rawURL string) StreamKind {
	u := strings.ToLower(strings.TrimSpace(rawURL))

	if strings.Contains(u, ".m3u8") || strings.Contains(u, ".m3u") ||
		strings.Contains(u, "/playlist") || strings.Contains(u, "/master") {
		return Segmented
	}

	if strings.Contains(u, ".mp4") || strings.Contains(u, ".mkv") || strings.Contains(u, ".webm") {
		return Direct
	}

	if portRe.MatchString(u) || strings.Contains(u, "/play/") ||
		portPathRe.MatchString(u) || strings.HasSuffix(u, ".ts") {
		return RawTransport
	}

	return Segmented
}
