// Package advance reacts to terminal playback failure: it records the
// channel as broken, runs a short cancellable countdown so the viewer
// sees what happened, and then requests the next channel in the current
// ordering, wrapping at the end.
package advance

import (
	"context"
	"sync"
	"time"

	"pocket-tv/work/logger"
)

// Marker persists broken-channel marks; satisfied by broken.Store.
type Marker interface {
	Mark(country, channelID string) error
}

// defaultTicks is how many countdown intervals run before advancing.
const defaultTicks = 2

// AutoAdvance owns at most one countdown at a time. A new trigger or an
// explicit cancel replaces the pending one, so a viewer mashing skip
// never stacks advances.
type AutoAdvance struct {
	marker    Marker
	tick      time.Duration
	ticks     int
	onAdvance func()
	onTick    func(remaining int)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds an AutoAdvance with the given tick length (~0.7s in
// production). onAdvance fires after the countdown completes untouched;
// onTick is an optional countdown observer and may be nil.
func New(marker Marker, tick time.Duration, onAdvance func(), onTick func(remaining int)) *AutoAdvance {
	return &AutoAdvance{
		marker:    marker,
		tick:      tick,
		ticks:     defaultTicks,
		onAdvance: onAdvance,
		onTick:    onTick,
	}
}

// Trigger marks the channel broken (best effort; persistence failure is
// logged and ignored) and starts the advance countdown.
func (a *AutoAdvance) Trigger(country, channelID string) {
	if a.marker != nil {
		if err := a.marker.Mark(country, channelID); err != nil {
			logger.Warn("{advance/advance - Trigger} mark %s/%s: %v", country, channelID, err)
		}
	}

	ctx := a.restart()
	go a.countdown(ctx)
}

// Cancel aborts the pending countdown; the viewer took over manually.
func (a *AutoAdvance) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// restart cancels any pending countdown and installs a fresh context.
func (a *AutoAdvance) restart() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	prior := a.cancel
	a.cancel = cancel
	a.mu.Unlock()

	if prior != nil {
		prior()
	}
	return ctx
}

func (a *AutoAdvance) countdown(ctx context.Context) {
	timer := time.NewTimer(a.tick)
	defer timer.Stop()

	for remaining := a.ticks; remaining > 0; remaining-- {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if a.onTick != nil {
			a.onTick(remaining - 1)
		}
		timer.Reset(a.tick)
	}

	if ctx.Err() == nil && a.onAdvance != nil {
		a.onAdvance()
	}
}

// Ring tracks the viewer's position in the current filtered channel
// ordering; Next and Prev wrap at the edges.
type Ring struct {
	mu   sync.Mutex
	size int
	pos  int
}

// NewRing returns a ring over size positions starting at 0. A zero size
// ring stays pinned at 0.
func NewRing(size int) *Ring {
	return &Ring{size: size}
}

// Resize changes the ordering size, clamping the position into range.
func (r *Ring) Resize(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = size
	if size <= 0 {
		r.pos = 0
	} else if r.pos >= size {
		r.pos = size - 1
	}
}

// Pos returns the current position.
func (r *Ring) Pos() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// Set jumps to a position, clamped into range.
func (r *Ring) Set(pos int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size <= 0 {
		r.pos = 0
		return
	}
	if pos < 0 {
		pos = 0
	}
	if pos >= r.size {
		pos = r.size - 1
	}
	r.pos = pos
}

// Next advances one position, wrapping past the end, and returns it.
func (r *Ring) Next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size <= 0 {
		return 0
	}
	r.pos = (r.pos + 1) % r.size
	return r.pos
}

// Prev steps back one position, wrapping before the start.
func (r *Ring) Prev() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size <= 0 {
		return 0
	}
	r.pos = (r.pos - 1 + r.size) % r.size
	return r.pos
}
