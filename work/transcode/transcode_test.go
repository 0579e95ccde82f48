package transcode

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"pocket-tv/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		FFmpegPath: "ffmpeg",
		UserAgent:  "VLC/3.0.20 LibVLC/3.0.20",
		Transcode: config.Transcode{
			MaxHeight:    720,
			Preset:       "ultrafast",
			VideoBitrate: "2000k",
			VideoMaxRate: "2500k",
			VideoBufSize: "5000k",
			AudioBitrate: "128k",
			AudioRate:    44100,
		},
	}
}

func sleepFactory(ctx context.Context, cfg *config.Config, sourceURL string, audioTrack int) *exec.Cmd {
	return exec.CommandContext(ctx, "sleep", "60")
}

func TestStartAndRelease(t *testing.T) {
	m := NewManagerWithFactory(testConfig(), sleepFactory)

	sess, err := m.Start("http://host/stream", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())

	sess.Release()
	assert.Equal(t, 0, m.Active())

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not reaped after release")
	}
}

func TestOneLiveProcessPerKey(t *testing.T) {
	m := NewManagerWithFactory(testConfig(), sleepFactory)

	first, err := m.Start("http://host/stream", 0)
	require.NoError(t, err)

	second, err := m.Start("http://host/stream", 2)
	require.NoError(t, err)

	// the first session must be dead before the second is registered
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("prior session still alive after replacement")
	}

	assert.Equal(t, 1, m.Active())
	assert.Same(t, second, m.ActiveFor("http://host/stream"))
	assert.Equal(t, 2, second.AudioTrack)

	second.Release()
	assert.Equal(t, 0, m.Active())
}

func TestDistinctKeysCoexist(t *testing.T) {
	m := NewManagerWithFactory(testConfig(), sleepFactory)

	a, err := m.Start("http://host/a", 0)
	require.NoError(t, err)
	b, err := m.Start("http://host/b", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Active())

	a.Release()
	b.Release()
	assert.Equal(t, 0, m.Active())
}

func TestSpawnFailure(t *testing.T) {
	m := NewManagerWithFactory(testConfig(), func(ctx context.Context, cfg *config.Config, url string, track int) *exec.Cmd {
		return exec.CommandContext(ctx, "/nonexistent/encoder-binary")
	})

	_, err := m.Start("http://host/stream", 0)
	require.Error(t, err)
	assert.Equal(t, 0, m.Active())
}

func TestNaturalExitRemovesSession(t *testing.T) {
	m := NewManagerWithFactory(testConfig(), func(ctx context.Context, cfg *config.Config, url string, track int) *exec.Cmd {
		return exec.CommandContext(ctx, "true")
	})

	sess, err := m.Start("http://host/stream", 0)
	require.NoError(t, err)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 0, m.Active())

	// releasing an already-exited session is a no-op
	sess.Release()
}

func TestShutdownKillsAll(t *testing.T) {
	m := NewManagerWithFactory(testConfig(), sleepFactory)

	a, _ := m.Start("http://host/a", 0)
	b, _ := m.Start("http://host/b", 1)

	m.Shutdown()
	assert.Equal(t, 0, m.Active())

	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("session survived shutdown")
		}
	}
}

func TestUnavailableWithoutBinary(t *testing.T) {
	cfg := testConfig()
	cfg.FFmpegPath = ""
	m := NewManager(cfg)

	assert.False(t, m.Available())
	_, err := m.Start("http://host/stream", 0)
	assert.Error(t, err)
}

func TestFFmpegArgs(t *testing.T) {
	cfg := testConfig()
	args := ffmpegArgs(cfg, "http://origin.example:8080/live/1", 3)

	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "http://origin.example:8080/live/1")
	assert.Contains(t, args, "0:a:3?")
	assert.Contains(t, args, "0:v:0?")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "mpegts")
	assert.Contains(t, args, "scale=-2:min(720\\,ih)")
	assert.Contains(t, args, "Referer: http://origin.example:8080/\r\n")
	assert.Equal(t, "pipe:1", args[len(args)-1])
}
