// Package tuner drives playback acquisition for one viewing surface:
// classify the channel URL, open the cheapest compatible delivery
// engine through the gateway, verify frames are actually decoding, and
// cascade to server-side transcoding before declaring the channel dead.
package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"pocket-tv/work/classify"
	"pocket-tv/work/tracks"
)

// Mode is the delivery path an attempt is currently using. The first
// three mirror classify.StreamKind; Transcode is the server-side
// fallback that never appears as a classification result.
type Mode int

const (
	ModeSegmented Mode = iota
	ModeRaw
	ModeDirect
	ModeTranscode
)

func (m Mode) String() string {
	switch m {
	case ModeSegmented:
		return "segmented"
	case ModeRaw:
		return "raw"
	case ModeDirect:
		return "direct"
	case ModeTranscode:
		return "transcode"
	default:
		return "unknown"
	}
}

// ModeForKind maps a classification result to its primary delivery mode.
func ModeForKind(k classify.StreamKind) Mode {
	switch k {
	case classify.RawTransport:
		return ModeRaw
	case classify.Direct:
		return ModeDirect
	default:
		return ModeSegmented
	}
}

// EventKind is what a delivery engine can report about its attempt.
type EventKind int

const (
	// Ready is the engine-level "stream opened" signal.
	Ready EventKind = iota
	// TimeAdvanced means the playback clock moved past zero; for
	// Segmented and Raw delivery it resolves the attempt just like
	// Ready (first-settle-wins).
	TimeAdvanced
	// Fatal is an unrecoverable transport or protocol fault.
	Fatal
)

// Event is one engine report.
type Event struct {
	Kind EventKind
	Err  error
}

// Engine is one playback pipeline bound to a single URL. Implementations
// wrap real players; tests substitute scripted fakes. An Engine is used
// once: Start, consume Events, Close.
type Engine interface {
	// Start opens the stream. A Start error is a fatal transport error.
	Start(ctx context.Context) error
	// Events delivers readiness and failure reports until Close.
	Events() <-chan Event
	// DecodedFrames reports how many video frames have been decoded.
	DecodedFrames() int64
	// AudioTracks lists the tracks the engine itself detected.
	AudioTracks() []tracks.Track
	// SelectAudio switches the active track in place.
	SelectAudio(id int) error
	// Close tears the pipeline down; no events are delivered after.
	Close()
}

// EngineFactory opens an Engine for a delivery mode and target URL.
type EngineFactory interface {
	New(mode Mode, targetURL string) (Engine, error)
}

// Budget carries every timing constant of the acquisition cascade.
type Budget struct {
	PrimarySegmented time.Duration // attempt timeout for manifest delivery
	PrimaryRaw       time.Duration // attempt timeout for raw transport
	PrimaryDirect    time.Duration // attempt timeout for progressive files
	FallbackFailure  time.Duration // transcode timeout after a hard failure
	FallbackStall    time.Duration // transcode timeout after a decode stall
	FirstProbe       time.Duration // first decode-health checkpoint
	SecondProbe      time.Duration // stall decision checkpoint
	Countdown        time.Duration // auto-advance tick length
}

// DefaultBudget returns production timing.
func DefaultBudget() Budget {
	return Budget{
		PrimarySegmented: 12 * time.Second,
		PrimaryRaw:       8 * time.Second,
		PrimaryDirect:    6 * time.Second,
		FallbackFailure:  15 * time.Second,
		FallbackStall:    30 * time.Second,
		FirstProbe:       3 * time.Second,
		SecondProbe:      6 * time.Second,
		Countdown:        700 * time.Millisecond,
	}
}

// primary returns the attempt timeout for a delivery mode.
func (b Budget) primary(m Mode) time.Duration {
	switch m {
	case ModeRaw:
		return b.PrimaryRaw
	case ModeDirect:
		return b.PrimaryDirect
	default:
		return b.PrimarySegmented
	}
}

// Routes builds gateway URLs for a delivery attempt. Base is the
// gateway's public address; empty means same-origin paths.
type Routes struct {
	Base string
}

// M3U8URL routes a segmented source through the manifest rewriter.
func (r Routes) M3U8URL(source string) string {
	return r.Base + "/m3u8?url=" + url.QueryEscape(source)
}

// ProxyURL routes a source through raw passthrough.
func (r Routes) ProxyURL(source string) string {
	return r.Base + "/proxy?url=" + url.QueryEscape(source)
}

// TranscodeURL routes a source through the encoder with an audio track.
func (r Routes) TranscodeURL(source string, audioTrack int) string {
	return r.Base + "/transcode?url=" + url.QueryEscape(source) + "&audio=" + strconv.Itoa(audioTrack)
}

// ProbeURL asks the gateway for the source's audio tracks.
func (r Routes) ProbeURL(source string) string {
	return r.Base + "/probe?url=" + url.QueryEscape(source)
}

// For returns the primary attempt URL for a mode.
func (r Routes) For(mode Mode, source string) string {
	if mode == ModeSegmented {
		return r.M3U8URL(source)
	}
	return r.ProxyURL(source)
}

// ProbeFunc fetches the audio tracks of a source out of band.
type ProbeFunc func(ctx context.Context, source string) ([]tracks.Track, error)

// NewGatewayProbe returns a ProbeFunc backed by the gateway's probe
// route.
func NewGatewayProbe(routes Routes, timeout time.Duration) ProbeFunc {
	httpClient := &http.Client{Timeout: timeout}

	return func(ctx context.Context, source string) ([]tracks.Track, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, routes.ProbeURL(source), nil)
		if err != nil {
			return nil, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("probe status %d", resp.StatusCode)
		}

		var payload struct {
			Tracks []struct {
				ID    int    `json:"id"`
				Name  string `json:"name"`
				Lang  string `json:"lang"`
				Codec string `json:"codec"`
			} `json:"tracks"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, err
		}

		out := make([]tracks.Track, 0, len(payload.Tracks))
		for _, t := range payload.Tracks {
			out = append(out, tracks.Track{ID: t.ID, Name: t.Name, Language: t.Lang, Codec: t.Codec})
		}
		return out, nil
	}
}
