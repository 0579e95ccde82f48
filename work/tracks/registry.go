// Package tracks holds the merged audio-track list for one playback
// attempt. Tracks arrive from up to three reporters: the manifest, the
// player's native probing, and the server-side background probe. The
// merged view is what the audio menu renders and what track switching
// indexes into.
package tracks

import (
	"fmt"
	"sync"
)

// Origin identifies which reporter produced a track list.
type Origin int

const (
	// Manifest tracks come from the segmented playlist's declarations.
	Manifest Origin = iota
	// Native tracks are detected by the player's own media pipeline.
	Native
	// ServerProbe tracks come from the out-of-band gateway probe.
	ServerProbe
)

func (o Origin) String() string {
	switch o {
	case Manifest:
		return "manifest"
	case Native:
		return "native"
	case ServerProbe:
		return "probe"
	default:
		return "unknown"
	}
}

// Track is one selectable audio stream.
type Track struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Language string `json:"lang"`
	Codec    string `json:"codec,omitempty"`
}

// Registry merges reported track lists under the rules:
//
//   - a report of one track or none never replaces anything (a single
//     track needs no menu);
//   - the background probe never replaces a multi-track list the
//     manifest or native pipeline already produced.
//
// Safe for concurrent use; the probe reports from its own goroutine.
type Registry struct {
	mu     sync.RWMutex
	tracks []Track
	origin Origin
	active int
}

// NewRegistry returns an empty registry with track 0 active.
func NewRegistry() *Registry {
	return &Registry{origin: ServerProbe}
}

// Report offers a track list from the given origin. Returns true when
// the registry adopted it.
func (r *Registry) Report(origin Origin, list []Track) bool {
	if len(list) <= 1 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if origin == ServerProbe && len(r.tracks) > 1 {
		return false
	}

	r.tracks = make([]Track, len(list))
	copy(r.tracks, list)
	r.origin = origin
	return true
}

// Tracks returns a copy of the merged list; empty when no reporter has
// found more than one track.
func (r *Registry) Tracks() []Track {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Track, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// Origin returns which reporter supplied the current list.
func (r *Registry) Origin() Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origin
}

// Active returns the currently selected track id.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive selects a track by id. The id must exist in the merged list.
func (r *Registry) SetActive(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tracks {
		if t.ID == id {
			r.active = id
			return nil
		}
	}
	return fmt.Errorf("no audio track with id %d", id)
}

// Reset clears the registry for a fresh attempt.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = nil
	r.origin = ServerProbe
	r.active = 0
}
