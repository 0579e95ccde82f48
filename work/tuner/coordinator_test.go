package tuner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pocket-tv/work/tracks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBudget compresses the cascade so tests finish in milliseconds.
func testBudget() Budget {
	return Budget{
		PrimarySegmented: 80 * time.Millisecond,
		PrimaryRaw:       60 * time.Millisecond,
		PrimaryDirect:    50 * time.Millisecond,
		FallbackFailure:  100 * time.Millisecond,
		FallbackStall:    120 * time.Millisecond,
		FirstProbe:       20 * time.Millisecond,
		SecondProbe:      40 * time.Millisecond,
		Countdown:        10 * time.Millisecond,
	}
}

// fakeEngine is a scripted delivery engine.
type fakeEngine struct {
	events   chan Event
	frames   atomic.Int64
	list     []tracks.Track
	startErr error

	started  atomic.Bool
	closed   atomic.Bool
	selected atomic.Int64

	createdAt time.Time
	mode      Mode
	url       string
}

func newFakeEngine() *fakeEngine {
	fe := &fakeEngine{events: make(chan Event, 8)}
	fe.selected.Store(-1)
	return fe
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.started.Store(true)
	return f.startErr
}

func (f *fakeEngine) Events() <-chan Event        { return f.events }
func (f *fakeEngine) DecodedFrames() int64        { return f.frames.Load() }
func (f *fakeEngine) AudioTracks() []tracks.Track { return f.list }
func (f *fakeEngine) SelectAudio(id int) error    { f.selected.Store(int64(id)); return nil }
func (f *fakeEngine) Close()                      { f.closed.Store(true) }

// fakeFactory hands out prepared engines in order.
type fakeFactory struct {
	mu      sync.Mutex
	queue   []*fakeEngine
	created []*fakeEngine
}

func (f *fakeFactory) New(mode Mode, targetURL string) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, errors.New("no engine scripted")
	}
	eng := f.queue[0]
	f.queue = f.queue[1:]
	eng.mode = mode
	eng.url = targetURL
	eng.createdAt = time.Now()
	f.created = append(f.created, eng)
	return eng, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) engine(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func newTestCoordinator(factory *fakeFactory, transcodeOK bool, onFailed func()) *Coordinator {
	return NewCoordinator(Options{
		Factory:            factory,
		Routes:             Routes{},
		Budget:             testBudget(),
		Registry:           tracks.NewRegistry(),
		TranscodeAvailable: transcodeOK,
		OnFailed:           onFailed,
	})
}

func waitPhase(t *testing.T, c *Coordinator, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Phase() == want },
		2*time.Second, 2*time.Millisecond, "never reached phase %s", want)
}

func TestPrimarySuccessSegmented(t *testing.T) {
	eng := newFakeEngine()
	eng.frames.Store(10)
	eng.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	assert.Equal(t, ModeSegmented, c.Mode())
	assert.Equal(t, 1, factory.count())
	assert.True(t, strings.HasPrefix(factory.engine(0).url, "/m3u8?url="))
}

func TestTimeAdvanceSettlesLikeReady(t *testing.T) {
	eng := newFakeEngine()
	eng.frames.Store(3)
	eng.events <- Event{Kind: TimeAdvanced}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host:8080/play/raw")
	waitPhase(t, c, PhasePlaying)
	assert.Equal(t, ModeRaw, c.Mode())
	assert.True(t, strings.HasPrefix(factory.engine(0).url, "/proxy?url="))
}

func TestPrimaryTimeoutFallsBackToTranscode(t *testing.T) {
	primary := newFakeEngine() // never settles
	fb := newFakeEngine()
	fb.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{primary, fb}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	assert.Equal(t, ModeTranscode, c.Mode())
	assert.True(t, primary.closed.Load(), "failed primary engine must be closed")
	require.Equal(t, 2, factory.count())
	assert.True(t, strings.HasPrefix(factory.engine(1).url, "/transcode?url="))
	assert.True(t, strings.HasSuffix(factory.engine(1).url, "&audio=0"))
}

func TestFatalErrorTriggersImmediateFallback(t *testing.T) {
	primary := newFakeEngine()
	primary.events <- Event{Kind: Fatal, Err: errors.New("demux fault")}
	fb := newFakeEngine()
	fb.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{primary, fb}}
	c := newTestCoordinator(factory, true, nil)

	start := time.Now()
	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	// well before the 80ms primary timeout
	assert.Less(t, time.Since(start), testBudget().PrimarySegmented)
	assert.Equal(t, ModeTranscode, c.Mode())
}

func TestDecodeStallCascadesAtSecondProbe(t *testing.T) {
	primary := newFakeEngine() // connects but never decodes
	primary.events <- Event{Kind: Ready}
	fb := newFakeEngine()
	fb.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{primary, fb}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host:8080/play/raw")
	waitPhase(t, c, PhasePlaying)

	require.Equal(t, 2, factory.count())
	assert.True(t, primary.closed.Load())
	// the cascade must not fire before the second health checkpoint
	gap := factory.engine(1).createdAt.Sub(factory.engine(0).createdAt)
	assert.GreaterOrEqual(t, gap, testBudget().SecondProbe)
}

func TestDecodeStallWithoutTranscoderFails(t *testing.T) {
	primary := newFakeEngine()
	primary.events <- Event{Kind: Ready}

	var failed atomic.Int64
	factory := &fakeFactory{queue: []*fakeEngine{primary}}
	c := newTestCoordinator(factory, false, func() { failed.Add(1) })

	c.Tune("http://host:8080/play/raw")
	waitPhase(t, c, PhaseFailed)

	assert.Equal(t, 1, factory.count(), "no transcode engine may be spawned")
	assert.EqualValues(t, 1, failed.Load())
}

func TestDirectSkipsDecodeProbes(t *testing.T) {
	eng := newFakeEngine() // zero frames, but Direct trusts the engine
	eng.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/movie.mp4")
	waitPhase(t, c, PhasePlaying)

	// outlive the probe windows: no stall cascade for Direct
	time.Sleep(testBudget().SecondProbe + 30*time.Millisecond)
	assert.Equal(t, PhasePlaying, c.Phase())
	assert.Equal(t, 1, factory.count())
}

func TestExhaustedCascadeFails(t *testing.T) {
	primary := newFakeEngine() // times out
	fb := newFakeEngine()      // times out too

	var failed atomic.Int64
	factory := &fakeFactory{queue: []*fakeEngine{primary, fb}}
	c := newTestCoordinator(factory, true, func() { failed.Add(1) })

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhaseFailed)

	assert.True(t, fb.closed.Load())
	assert.EqualValues(t, 1, failed.Load())
}

func TestTeardownInvalidatesLateCallbacks(t *testing.T) {
	eng := newFakeEngine()
	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	var failed atomic.Int64
	c := newTestCoordinator(factory, true, func() { failed.Add(1) })

	c.Tune("http://host/live.m3u8")
	c.Teardown()

	// a late signal from the superseded attempt must not move state
	eng.events <- Event{Kind: Ready}
	time.Sleep(testBudget().PrimarySegmented + 50*time.Millisecond)

	assert.Equal(t, PhaseIdle, c.Phase())
	assert.True(t, eng.closed.Load())
	assert.EqualValues(t, 0, failed.Load(), "teardown is not a failure")
	assert.Equal(t, 1, factory.count(), "no fallback after teardown")
}

func TestRetuneCancelsPriorAttempt(t *testing.T) {
	slow := newFakeEngine() // first channel, never settles
	fast := newFakeEngine()
	fast.frames.Store(4)
	fast.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{slow, fast}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/one.m3u8")
	c.Tune("http://host/two.m3u8")

	waitPhase(t, c, PhasePlaying)
	assert.True(t, slow.closed.Load())
	assert.Equal(t, 2, factory.count(), "prior attempt must not cascade")
	assert.Contains(t, factory.engine(1).url, "two.m3u8")
}

func TestNativeTracksReachRegistry(t *testing.T) {
	eng := newFakeEngine()
	eng.frames.Store(1)
	eng.list = []tracks.Track{{ID: 0, Name: "English"}, {ID: 1, Name: "Hindi"}}
	eng.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	assert.Len(t, c.Registry().Tracks(), 2)
	assert.Equal(t, tracks.Native, c.Registry().Origin())
}

func TestBackgroundProbeMerges(t *testing.T) {
	eng := newFakeEngine()
	eng.frames.Store(1)
	eng.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := NewCoordinator(Options{
		Factory:  factory,
		Budget:   testBudget(),
		Registry: tracks.NewRegistry(),
		Probe: func(ctx context.Context, source string) ([]tracks.Track, error) {
			return []tracks.Track{{ID: 0, Name: "Track 1"}, {ID: 1, Name: "Track 2"}}, nil
		},
		TranscodeAvailable: true,
	})

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	require.Eventually(t, func() bool { return len(c.Registry().Tracks()) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, tracks.ServerProbe, c.Registry().Origin())
}

func TestSwitchAudioInPlace(t *testing.T) {
	eng := newFakeEngine()
	eng.frames.Store(1)
	eng.list = []tracks.Track{{ID: 0, Name: "A"}, {ID: 1, Name: "B"}}
	eng.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	require.NoError(t, c.SwitchAudioTrack(1))
	assert.EqualValues(t, 1, eng.selected.Load())
	assert.Equal(t, 1, factory.count(), "in-place switch spawns nothing")
	assert.Equal(t, 1, c.Registry().Active())
}

func TestSwitchAudioUnderTranscodeRestarts(t *testing.T) {
	primary := newFakeEngine() // fails straight to transcode
	primary.events <- Event{Kind: Fatal, Err: errors.New("bad container")}
	fb1 := newFakeEngine()
	fb1.list = []tracks.Track{{ID: 0, Name: "A"}, {ID: 1, Name: "B"}}
	fb1.events <- Event{Kind: Ready}
	fb2 := newFakeEngine()
	fb2.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{primary, fb1, fb2}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)
	require.Equal(t, ModeTranscode, c.Mode())

	require.NoError(t, c.SwitchAudioTrack(1))
	require.Eventually(t, func() bool { return factory.count() == 3 },
		time.Second, 2*time.Millisecond)

	assert.True(t, fb1.closed.Load(), "prior transcode engine must die")
	assert.True(t, strings.HasSuffix(factory.engine(2).url, "&audio=1"))
	waitPhase(t, c, PhasePlaying)
}

func TestSwitchAudioUnknownID(t *testing.T) {
	eng := newFakeEngine()
	eng.frames.Store(1)
	eng.events <- Event{Kind: Ready}

	factory := &fakeFactory{queue: []*fakeEngine{eng}}
	c := newTestCoordinator(factory, true, nil)

	c.Tune("http://host/live.m3u8")
	waitPhase(t, c, PhasePlaying)

	assert.Error(t, c.SwitchAudioTrack(5))
}

func TestProbeWindowUnblocksOnTeardown(t *testing.T) {
	factory := &fakeFactory{}
	c := newTestCoordinator(factory, false, nil)

	eng := newFakeEngine()
	close(eng.events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// an hour-long window must not hold the goroutine once the
	// attempt's context is gone
	start := time.Now()
	out := c.waitHealthy(ctx, eng, time.Hour)
	assert.Equal(t, settleCancelled, out)
	assert.Less(t, time.Since(start), time.Second)
}
