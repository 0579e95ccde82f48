package tuner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pocket-tv/work/classify"
	"pocket-tv/work/logger"
	"pocket-tv/work/tracks"
)

// Phase is the coordinator's position in the acquisition cascade.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDetecting
	PhasePrimary
	PhaseDecodeProbe
	PhasePlaying
	PhaseFallback
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDetecting:
		return "detecting"
	case PhasePrimary:
		return "primary"
	case PhaseDecodeProbe:
		return "decode-probe"
	case PhasePlaying:
		return "playing"
	case PhaseFallback:
		return "fallback"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// settleOutcome is how one engine attempt resolved.
type settleOutcome int

const (
	settled settleOutcome = iota
	settleFailed
	settleCancelled
)

// Options configures a Coordinator.
type Options struct {
	Factory            EngineFactory
	Routes             Routes
	Budget             Budget
	Registry           *tracks.Registry
	Probe              ProbeFunc // optional background audio probe
	TranscodeAvailable bool
	OnPhase            func(Phase) // optional observer, called outside locks
	OnFailed           func()      // terminal failure, feeds auto-advance
}

// Coordinator owns at most one playback attempt at a time. Every async
// path spawned by an attempt carries the attempt's token; Teardown and
// Tune bump the token, so a stale callback can observe it changed and
// drop itself. Tokens are the only defense needed against slow network
// callbacks landing after the viewer has moved on.
type Coordinator struct {
	opts  Options
	token atomic.Uint64

	mu     sync.Mutex
	phase  Phase
	mode   Mode
	source string
	engine Engine
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator builds an idle coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Registry == nil {
		opts.Registry = tracks.NewRegistry()
	}
	return &Coordinator{opts: opts, phase: PhaseIdle}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Mode returns the current delivery mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Registry exposes the merged audio-track view for this surface.
func (c *Coordinator) Registry() *tracks.Registry {
	return c.opts.Registry
}

// Tune tears down any prior attempt and starts acquiring source. It
// returns immediately; progress is observable through Phase and the
// OnPhase/OnFailed callbacks.
func (c *Coordinator) Tune(source string) {
	c.Teardown()

	tok := c.token.Add(1)
	ctx, cancel := context.WithCancel(context.Background())

	mode := ModeForKind(classify.Kind(source))

	c.mu.Lock()
	c.ctx = ctx
	c.cancel = cancel
	c.source = source
	c.mode = mode
	c.phase = PhaseDetecting
	c.mu.Unlock()
	c.notify(PhaseDetecting)

	c.opts.Registry.Reset()

	if c.opts.Probe != nil {
		go c.runProbe(ctx, tok, source)
	}
	go c.run(ctx, tok, source, mode)
}

// Teardown cancels the active attempt synchronously: the token is
// invalidated, outstanding timers and fetches are cancelled through the
// attempt context, and the engine is closed.
func (c *Coordinator) Teardown() {
	c.token.Add(1)

	c.mu.Lock()
	cancel := c.cancel
	eng := c.engine
	c.cancel = nil
	c.ctx = nil
	c.engine = nil
	c.phase = PhaseIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if eng != nil {
		eng.Close()
	}
	c.notify(PhaseIdle)
}

// SwitchAudioTrack selects a different audio track. Under transcode
// delivery the encoder is restarted with the new index, because stream
// mapping is fixed at subprocess start; otherwise the engine toggles
// the track in place without interrupting playback.
func (c *Coordinator) SwitchAudioTrack(id int) error {
	if err := c.opts.Registry.SetActive(id); err != nil {
		return err
	}

	c.mu.Lock()
	mode := c.mode
	eng := c.engine
	ctx := c.ctx
	source := c.source
	c.mu.Unlock()

	if mode != ModeTranscode {
		if eng == nil {
			return nil
		}
		return eng.SelectAudio(id)
	}

	tok := c.token.Load()
	c.closeEngine(tok)
	go c.fallback(ctx, tok, source, c.opts.Budget.FallbackFailure)
	return nil
}

// run is the attempt state machine for one tune.
func (c *Coordinator) run(ctx context.Context, tok uint64, source string, mode Mode) {
	c.setPhase(tok, PhasePrimary)

	eng, err := c.openEngine(ctx, tok, mode, c.opts.Routes.For(mode, source))
	if err != nil {
		logger.Debug("{tuner/coordinator - run} primary %s open failed: %v", mode, err)
		c.fallback(ctx, tok, source, c.opts.Budget.FallbackFailure)
		return
	}

	switch c.awaitSettle(ctx, eng, c.opts.Budget.primary(mode)) {
	case settleCancelled:
		return
	case settleFailed:
		c.closeEngine(tok)
		c.fallback(ctx, tok, source, c.opts.Budget.FallbackFailure)
		return
	}

	// the engine's own detection feeds the track menu
	if list := eng.AudioTracks(); len(list) > 0 {
		c.opts.Registry.Report(tracks.Native, list)
	}

	// a progressive file either plays or errors; only segmented and raw
	// transports can "connect" without decoding
	if mode == ModeDirect {
		c.setPhase(tok, PhasePlaying)
		return
	}

	c.setPhase(tok, PhaseDecodeProbe)

	switch c.waitHealthy(ctx, eng, c.opts.Budget.FirstProbe) {
	case settleCancelled:
		return
	case settleFailed:
		c.closeEngine(tok)
		c.fallback(ctx, tok, source, c.opts.Budget.FallbackFailure)
		return
	}
	if eng.DecodedFrames() > 0 {
		c.setPhase(tok, PhasePlaying)
	}

	switch c.waitHealthy(ctx, eng, c.opts.Budget.SecondProbe-c.opts.Budget.FirstProbe) {
	case settleCancelled:
		return
	case settleFailed:
		c.closeEngine(tok)
		c.fallback(ctx, tok, source, c.opts.Budget.FallbackFailure)
		return
	}
	if eng.DecodedFrames() == 0 {
		// connected but nothing decodes: the transport negotiated a
		// container whose codec the player cannot handle
		logger.Info("{tuner/coordinator - run} decode stall on %s delivery, cascading to transcode", mode)
		c.closeEngine(tok)
		c.fallback(ctx, tok, source, c.opts.Budget.FallbackStall)
		return
	}
	c.setPhase(tok, PhasePlaying)
}

// fallback runs the transcode attempt, the cascade's last step.
func (c *Coordinator) fallback(ctx context.Context, tok uint64, source string, timeout time.Duration) {
	if ctx == nil || ctx.Err() != nil || c.token.Load() != tok {
		return
	}

	if !c.opts.TranscodeAvailable {
		// no encoder in this deployment: skip the step quietly
		c.fail(tok)
		return
	}

	c.setPhase(tok, PhaseFallback)
	c.setMode(tok, ModeTranscode)

	audio := c.opts.Registry.Active()
	eng, err := c.openEngine(ctx, tok, ModeTranscode, c.opts.Routes.TranscodeURL(source, audio))
	if err != nil {
		logger.Debug("{tuner/coordinator - fallback} open failed: %v", err)
		c.fail(tok)
		return
	}

	switch c.awaitSettle(ctx, eng, timeout) {
	case settleCancelled:
		return
	case settleFailed:
		c.closeEngine(tok)
		c.fail(tok)
		return
	}

	if list := eng.AudioTracks(); len(list) > 0 {
		c.opts.Registry.Report(tracks.Native, list)
	}
	c.setPhase(tok, PhasePlaying)
}

// runProbe feeds the background audio probe into the registry. Failure
// is silent and never touches playback.
func (c *Coordinator) runProbe(ctx context.Context, tok uint64, source string) {
	list, err := c.opts.Probe(ctx, source)
	if err != nil || c.token.Load() != tok {
		return
	}
	c.opts.Registry.Report(tracks.ServerProbe, list)
}

// openEngine creates and starts an engine, registering it as the
// attempt's current engine while the token holds.
func (c *Coordinator) openEngine(ctx context.Context, tok uint64, mode Mode, targetURL string) (Engine, error) {
	eng, err := c.opts.Factory.New(mode, targetURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.token.Load() != tok {
		c.mu.Unlock()
		eng.Close()
		return nil, context.Canceled
	}
	c.engine = eng
	c.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		c.closeEngine(tok)
		return nil, err
	}
	return eng, nil
}

// awaitSettle resolves one attempt first-settle-wins: an engine Ready
// or TimeAdvanced signal settles it, a Fatal or the attempt timeout
// fails it, and context cancellation abandons it.
func (c *Coordinator) awaitSettle(ctx context.Context, eng Engine, timeout time.Duration) settleOutcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-eng.Events():
			if !ok {
				return settleFailed
			}
			switch ev.Kind {
			case Ready, TimeAdvanced:
				return settled
			case Fatal:
				logger.Debug("{tuner/coordinator - awaitSettle} fatal engine error: %v", ev.Err)
				return settleFailed
			}
		case <-timer.C:
			return settleFailed
		case <-ctx.Done():
			return settleCancelled
		}
	}
}

// waitHealthy waits out a probe window, still listening for fatal
// engine errors. Ready/TimeAdvanced during the window are ignored; the
// attempt already settled.
func (c *Coordinator) waitHealthy(ctx context.Context, eng Engine, d time.Duration) settleOutcome {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-eng.Events():
			if ok && ev.Kind == Fatal {
				logger.Debug("{tuner/coordinator - waitHealthy} fatal engine error: %v", ev.Err)
				return settleFailed
			}
			if !ok {
				// engine gone; let the timer decide, unless the
				// attempt is torn down first
				select {
				case <-timer.C:
					return settled
				case <-ctx.Done():
					return settleCancelled
				}
			}
		case <-timer.C:
			return settled
		case <-ctx.Done():
			return settleCancelled
		}
	}
}

// fail marks the attempt terminally failed and reports it onward.
func (c *Coordinator) fail(tok uint64) {
	if !c.setPhase(tok, PhaseFailed) {
		return
	}
	if c.opts.OnFailed != nil {
		c.opts.OnFailed()
	}
}

// setPhase transitions phase if the token is still current, reporting
// whether it applied.
func (c *Coordinator) setPhase(tok uint64, p Phase) bool {
	c.mu.Lock()
	if c.token.Load() != tok {
		c.mu.Unlock()
		return false
	}
	c.phase = p
	c.mu.Unlock()
	c.notify(p)
	return true
}

// setMode records the delivery mode while the token holds.
func (c *Coordinator) setMode(tok uint64, m Mode) {
	c.mu.Lock()
	if c.token.Load() == tok {
		c.mode = m
	}
	c.mu.Unlock()
}

// closeEngine closes and clears the attempt's engine if the token holds.
func (c *Coordinator) closeEngine(tok uint64) {
	c.mu.Lock()
	var eng Engine
	if c.token.Load() == tok {
		eng = c.engine
		c.engine = nil
	}
	c.mu.Unlock()
	if eng != nil {
		eng.Close()
	}
}

func (c *Coordinator) notify(p Phase) {
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(p)
	}
}
