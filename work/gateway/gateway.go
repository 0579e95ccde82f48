// Package gateway is the server-side media proxy: it fetches upstream
// resources with a spoofed player identity, rewrites playlists so all
// sub-resources route back through itself, relays raw stream bytes, and
// fronts the probe, reachability-check and transcode facilities.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"pocket-tv/work/buffer"
	"pocket-tv/work/cache"
	"pocket-tv/work/client"
	"pocket-tv/work/config"
	"pocket-tv/work/logger"
	"pocket-tv/work/metrics"
	"pocket-tv/work/probe"
	"pocket-tv/work/transcode"
	"pocket-tv/work/utils"

	"github.com/grafov/m3u8"
)

// checkGrace is how long a 200 response may sit silent before the check
// calls it reachable anyway; some live origins are slow to push the
// first byte.
const checkGrace = 1500 * time.Millisecond

// Gateway wires the per-request routes to their shared collaborators.
type Gateway struct {
	config     *config.Config
	client     *client.HeaderSettingClient
	pool       *buffer.BufferPool
	prober     *probe.Prober
	transcoder *transcode.Manager
	verdicts   *cache.VerdictCache
}

// New assembles a Gateway from its collaborators.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, pool *buffer.BufferPool,
	prober *probe.Prober, transcoder *transcode.Manager, verdicts *cache.VerdictCache) *Gateway {
	return &Gateway{
		config:     cfg,
		client:     httpClient,
		pool:       pool,
		prober:     prober,
		transcoder: transcoder,
		verdicts:   verdicts,
	}
}

// HandleManifest serves GET /m3u8: fetch the playlist, rewrite every
// reference through the gateway, return it as a full buffered body.
func (g *Gateway) HandleManifest(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		metrics.ProxyRequests.WithLabelValues("m3u8", "bad_request").Inc()
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.FetchTimeout)
	defer cancel()

	resp, err := g.client.Fetch(ctx, target)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("m3u8", "upstream_error").Inc()
		metrics.UpstreamFetches.WithLabelValues("error").Inc()
		logger.Warn("{gateway/gateway - HandleManifest} fetch %s: %v", utils.LogURL(g.config, target), err)
		http.Error(w, "Proxy error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ProxyRequests.WithLabelValues("m3u8", "upstream_status").Inc()
		metrics.UpstreamFetches.WithLabelValues("status").Inc()
		http.Error(w, "Stream error", resp.StatusCode)
		return
	}
	metrics.UpstreamFetches.WithLabelValues("ok").Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("m3u8", "read_error").Inc()
		http.Error(w, "Proxy error", http.StatusBadGateway)
		return
	}

	// validate before rewriting; origins behind expired tokens serve
	// HTML error pages with a 200, and relaying those as a playlist
	// only moves the failure into the player
	_, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err != nil {
		logger.Warn("{gateway/gateway - HandleManifest} invalid playlist from %s: %v", utils.LogURL(g.config, target), err)
		metrics.ProxyRequests.WithLabelValues("m3u8", "invalid_manifest").Inc()
		http.Error(w, "Invalid manifest", http.StatusBadGateway)
		return
	}
	if g.config.Debug {
		kind := "media"
		if listType == m3u8.MASTER {
			kind = "master"
		}
		logger.Debug("{gateway/gateway - HandleManifest} %s playlist from %s", kind, utils.LogURL(g.config, target))
	}

	rewritten := RewriteManifest(string(body), resp.Request.URL.String())

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(rewritten))
	metrics.ProxyRequests.WithLabelValues("m3u8", "ok").Inc()
}

// HandleProxy serves GET /proxy: stream the upstream body through
// unmodified, preserving its content type.
func (g *Gateway) HandleProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		metrics.ProxyRequests.WithLabelValues("proxy", "bad_request").Inc()
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}

	resp, err := g.client.Fetch(r.Context(), target)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("proxy", "upstream_error").Inc()
		metrics.UpstreamFetches.WithLabelValues("error").Inc()
		logger.Warn("{gateway/gateway - HandleProxy} fetch %s: %v", utils.LogURL(g.config, target), err)
		http.Error(w, "Proxy error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ProxyRequests.WithLabelValues("proxy", "upstream_status").Inc()
		metrics.UpstreamFetches.WithLabelValues("status").Inc()
		http.Error(w, "Stream error", resp.StatusCode)
		return
	}
	metrics.UpstreamFetches.WithLabelValues("ok").Inc()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	cw := client.NewCustomResponseWriter(w)
	n, err := buffer.CopyFlush(r.Context(), cw, resp.Body, g.pool)
	metrics.BytesStreamed.WithLabelValues("proxy").Add(float64(n))
	if err != nil && g.config.Debug {
		logger.Debug("{gateway/gateway - HandleProxy} relay ended for %s after %d bytes: %v",
			utils.LogURL(g.config, target), n, err)
	}
	metrics.ProxyRequests.WithLabelValues("proxy", "ok").Inc()
}

// checkResult is the /check response envelope.
type checkResult struct {
	OK     bool `json:"ok"`
	Status int  `json:"status"`
}

// HandleCheck serves GET /check: a fast reachability probe. A missing
// url is answered with {ok:false} rather than a client error so callers
// can treat the envelope uniformly. Any 3xx counts as alive; a 200
// counts as alive once a byte arrives or the grace window passes.
func (g *Gateway) HandleCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	target := r.URL.Query().Get("url")
	if target == "" {
		json.NewEncoder(w).Encode(checkResult{OK: false})
		return
	}

	if v, ok := g.verdicts.Get(target); ok {
		metrics.CheckVerdicts.WithLabelValues("cached").Inc()
		json.NewEncoder(w).Encode(checkResult{OK: v.OK, Status: v.Status})
		return
	}

	res := g.checkReachable(r.Context(), target)
	g.verdicts.Put(target, res.OK, res.Status)
	if res.OK {
		metrics.CheckVerdicts.WithLabelValues("ok").Inc()
	} else {
		metrics.CheckVerdicts.WithLabelValues("dead").Inc()
	}
	json.NewEncoder(w).Encode(res)
}

// checkReachable runs the probe under the hard deadline.
func (g *Gateway) checkReachable(ctx context.Context, target string) checkResult {
	ctx, cancel := context.WithTimeout(ctx, g.config.CheckTimeout)
	defer cancel()

	resp, err := g.client.FetchNoFollow(ctx, target)
	if err != nil {
		return checkResult{OK: false, Status: 0}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// redirect target exists, good enough
		return checkResult{OK: true, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusOK:
		g.awaitFirstByte(ctx, resp.Body)
		return checkResult{OK: true, Status: http.StatusOK}
	default:
		return checkResult{OK: false, Status: resp.StatusCode}
	}
}

// awaitFirstByte blocks until one byte arrives, the grace window ends,
// or ctx expires. The outcome does not change the verdict; it only
// bounds how long a silent 200 keeps the caller waiting.
func (g *Gateway) awaitFirstByte(ctx context.Context, body io.Reader) {
	got := make(chan struct{})
	go func() {
		var b [1]byte
		body.Read(b[:])
		close(got)
	}()

	grace := time.NewTimer(checkGrace)
	defer grace.Stop()
	select {
	case <-got:
	case <-grace.C:
	case <-ctx.Done():
	}
}

// probeResult is the /probe response envelope.
type probeResult struct {
	Tracks []probeTrack `json:"tracks"`
}

type probeTrack struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Lang  string `json:"lang"`
	Codec string `json:"codec"`
}

// HandleProbe serves GET /probe: report the audio tracks of a stream.
// Probe failures are silent; the caller gets an empty track list and
// playback proceeds without a menu.
func (g *Gateway) HandleProbe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.ProbeTimeout)
	defer cancel()

	out := probeResult{Tracks: []probeTrack{}}
	found, err := g.prober.AudioTracks(ctx, target)
	if err != nil {
		logger.Debug("{gateway/gateway - HandleProbe} %s: %v", utils.LogURL(g.config, target), err)
	}
	for _, tr := range found {
		name := tr.Title
		if name == "" && tr.Language != "" {
			name = titleCase(tr.Language)
		}
		if name == "" {
			name = "Track " + strconv.Itoa(tr.Index+1)
		}
		out.Tracks = append(out.Tracks, probeTrack{
			ID:    tr.Index,
			Name:  name,
			Lang:  tr.Language,
			Codec: tr.Codec,
		})
	}
	json.NewEncoder(w).Encode(out)
}

// titleCase upper-cases the first byte of an ASCII language tag.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-32) + s[1:]
	}
	return s
}

// HandleTranscode serves GET /transcode: start (or restart) the encoder
// session for the source and relay its transport stream until the
// process exits or the client goes away.
func (g *Gateway) HandleTranscode(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		metrics.ProxyRequests.WithLabelValues("transcode", "bad_request").Inc()
		http.Error(w, "Missing url", http.StatusBadRequest)
		return
	}

	if !g.transcoder.Available() {
		metrics.ProxyRequests.WithLabelValues("transcode", "unavailable").Inc()
		http.Error(w, "FFmpeg not available", http.StatusInternalServerError)
		return
	}

	audioTrack, _ := strconv.Atoi(r.URL.Query().Get("audio"))

	sess, err := g.transcoder.Start(target, audioTrack)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("transcode", "spawn_error").Inc()
		logger.Error("{gateway/gateway - HandleTranscode} start for %s: %v", utils.LogURL(g.config, target), err)
		http.Error(w, "Transcode error", http.StatusInternalServerError)
		return
	}
	defer sess.Release()

	// a disconnecting client must unblock the stdout read by killing
	// the encoder
	go func() {
		select {
		case <-r.Context().Done():
			sess.Release()
		case <-sess.Done():
		}
	}()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	cw := client.NewCustomResponseWriter(w)
	n, err := buffer.CopyFlush(r.Context(), cw, sess.Stdout, g.pool)
	metrics.BytesStreamed.WithLabelValues("transcode").Add(float64(n))
	if err != nil && g.config.Debug {
		logger.Debug("{gateway/gateway - HandleTranscode} relay ended for %s after %d bytes: %v",
			utils.LogURL(g.config, target), n, err)
	}
	metrics.ProxyRequests.WithLabelValues("transcode", "ok").Inc()
}
