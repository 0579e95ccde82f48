package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"pocket-tv/work/config"
	"pocket-tv/work/logger"
	"pocket-tv/work/utils"
)

// Track describes one audio track discovered inside a stream container.
type Track struct {
	Index    int    `json:"index"`    // audio-relative index, 0-based
	Language string `json:"language"` // ISO language tag, may be empty
	Title    string `json:"title"`    // human label from container metadata
	Codec    string `json:"codec"`    // codec name as reported by the probe
	Channels int    `json:"channels"` // channel count, 0 when unknown
}

// Prober inspects streams with ffprobe and reports their audio tracks.
type Prober struct {
	config *config.Config
}

// NewProber returns a Prober using the configured ffprobe binary.
func NewProber(cfg *config.Config) *Prober {
	return &Prober{config: cfg}
}

// ffprobeOutput mirrors the -show_streams JSON shape, audio fields only.
type ffprobeOutput struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Channels  int    `json:"channels"`
		Tags      struct {
			Language string `json:"language"`
			Title    string `json:"title"`
		} `json:"tags"`
	} `json:"streams"`
}

// AudioTracks probes the source URL and returns its audio tracks in
// container order, re-indexed among audio streams only. The probe runs
// under the caller's context and presents the same spoofed player
// identity the gateway uses for fetches.
func (p *Prober) AudioTracks(ctx context.Context, sourceURL string) ([]Track, error) {
	args := []string{
		"-v", "quiet",
		"-user_agent", p.config.UserAgent,
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "a",
		"-i", sourceURL,
	}

	cmd := exec.CommandContext(ctx, p.config.FFprobePath, args...)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", utils.LogURL(p.config, sourceURL), err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	tracks := make([]Track, 0, len(parsed.Streams))
	for _, s := range parsed.Streams {
		// -select_streams a already filters, but older builds leak
		// data streams into the output
		if s.CodecType != "" && s.CodecType != "audio" {
			continue
		}
		tracks = append(tracks, Track{
			Index:    len(tracks),
			Language: strings.ToLower(s.Tags.Language),
			Title:    s.Tags.Title,
			Codec:    s.CodecName,
			Channels: s.Channels,
		})
	}

	if p.config.Debug {
		logger.Debug("{probe/probe - AudioTracks} %s: %d audio tracks", utils.LogURL(p.config, sourceURL), len(tracks))
	}

	return tracks, nil
}
