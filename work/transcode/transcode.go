// Package transcode manages ffmpeg subprocesses that re-encode arbitrary
// source streams into H.264+AAC MPEG-TS the player can always decode.
// Sessions are keyed by source URL with at most one live subprocess per
// key; starting a session for a key that already has one kills the prior
// process first, which is how audio-track switches are realized.
package transcode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"pocket-tv/work/config"
	"pocket-tv/work/logger"
	"pocket-tv/work/metrics"
	"pocket-tv/work/utils"
)

// CommandFactory builds the encoder command for a source URL and audio
// track index. Swappable in tests so no real encoder is needed.
type CommandFactory func(ctx context.Context, cfg *config.Config, sourceURL string, audioTrack int) *exec.Cmd

// Manager owns the key->session registry. All registry mutation goes
// through a single mutex; transcode starts are rare next to byte
// streaming, so a global lock is fine.
type Manager struct {
	config     *config.Config
	newCommand CommandFactory

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session is one live encoder subprocess bound to a source URL.
type Session struct {
	Key        string
	AudioTrack int
	Stdout     io.ReadCloser

	manager *Manager
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewManager creates a Manager that spawns the configured ffmpeg binary.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		config:     cfg,
		newCommand: defaultCommand,
		sessions:   make(map[string]*Session),
	}
}

// NewManagerWithFactory creates a Manager with a custom command factory.
func NewManagerWithFactory(cfg *config.Config, factory CommandFactory) *Manager {
	m := NewManager(cfg)
	m.newCommand = factory
	return m
}

// Available reports whether this deployment has an encoder configured.
func (m *Manager) Available() bool {
	return m.config.FFmpegPath != ""
}

// Start launches an encoder session for sourceURL, replacing any live
// session under the same key. The returned session's Stdout carries the
// re-encoded transport stream; the caller must call Release when done.
// The subprocess outlives the passed ctx; its lifetime is governed by
// Release, process exit, and manager Shutdown.
func (m *Manager) Start(sourceURL string, audioTrack int) (*Session, error) {
	if !m.Available() {
		return nil, fmt.Errorf("no encoder configured")
	}

	m.mu.Lock()
	prior := m.sessions[sourceURL]
	delete(m.sessions, sourceURL)
	m.mu.Unlock()
	if prior != nil {
		// reap the predecessor before its replacement spawns so there
		// is never a moment with two encoders on one source
		prior.kill()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := m.newCommand(ctx, m.config, sourceURL, audioTrack)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		metrics.TranscodeStarts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		metrics.TranscodeStarts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	sess := &Session{
		Key:        sourceURL,
		AudioTrack: audioTrack,
		Stdout:     stdout,
		manager:    m,
		cmd:        cmd,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sourceURL] = sess
	m.mu.Unlock()

	metrics.TranscodeStarts.WithLabelValues("ok").Inc()
	metrics.TranscodeSessions.Inc()

	if m.config.Debug {
		logger.Debug("{transcode/transcode - Start} %s audio=%d pid=%d",
			utils.LogURL(m.config, sourceURL), audioTrack, cmd.Process.Pid)
	}

	// reap the process and drop the registry entry when it exits on
	// its own
	go func() {
		cmd.Wait()
		sess.finish()
	}()

	return sess, nil
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveFor returns the live session for key, or nil.
func (m *Manager) ActiveFor(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

// Shutdown kills every live session. Called once at server teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range live {
		s.kill()
	}
}

// Release tears the session down: the subprocess is killed, the registry
// entry removed. Safe to call many times and safe to race with natural
// process exit.
func (s *Session) Release() {
	s.manager.remove(s)
	s.kill()
}

// Done is closed once the subprocess has exited and been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// kill terminates the whole process group; the Wait goroutine reaps it.
func (s *Session) kill() {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL); err != nil {
				// not a group leader (factory without Setpgid)
				s.cmd.Process.Kill()
			}
		}
		s.cancel()
	})
	<-s.done
}

// finish runs after Wait returns: close the done gate and drop the
// registry entry if this session still owns it.
func (s *Session) finish() {
	s.manager.remove(s)
	metrics.TranscodeSessions.Dec()
	close(s.done)
}

// remove drops sess from the registry only if it is still the current
// occupant of its key; a replacement session under the same key stays.
func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[sess.Key] == sess {
		delete(m.sessions, sess.Key)
	}
}

// defaultCommand builds the real ffmpeg invocation. Setpgid puts the
// encoder in its own process group so the SIGKILL in kill() takes out
// any children ffmpeg forks.
func defaultCommand(ctx context.Context, cfg *config.Config, sourceURL string, audioTrack int) *exec.Cmd {
	cmd := exec.CommandContext(ctx, cfg.FFmpegPath, ffmpegArgs(cfg, sourceURL, audioTrack)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// ffmpegArgs assembles the encoder arguments: spoofed player identity on
// the input leg, low-latency H.264 capped at the configured height,
// stereo AAC, MPEG-TS on stdout.
func ffmpegArgs(cfg *config.Config, sourceURL string, audioTrack int) []string {
	t := cfg.Transcode
	origin := utils.OriginOf(sourceURL)

	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-user_agent", cfg.UserAgent,
		"-headers", "Referer: " + origin + "/\r\n",
		// fast probe for quicker startup
		"-analyzeduration", "2000000",
		"-probesize", "2000000",
		"-timeout", "10000000",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", sourceURL,
		// first video stream plus the selected audio track, both optional
		"-map", "0:v:0?",
		"-map", "0:a:" + strconv.Itoa(audioTrack) + "?",
		"-vf", fmt.Sprintf("scale=-2:min(%d\\,ih)", t.MaxHeight),
		"-c:v", "libx264",
		"-preset", t.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", "50",
		"-b:v", t.VideoBitrate,
		"-maxrate", t.VideoMaxRate,
		"-bufsize", t.VideoBufSize,
		"-c:a", "aac",
		"-b:a", t.AudioBitrate,
		"-ar", strconv.Itoa(t.AudioRate),
		"-ac", "2",
		"-f", "mpegts",
		"-flush_packets", "1",
		"pipe:1",
	}
}
