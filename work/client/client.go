package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pocket-tv/work/config"
	"pocket-tv/work/utils"

	"go.uber.org/ratelimit"
)

// HeaderSettingClient wraps http.Client to present a media-player identity
// to every upstream host. Redirects are followed manually so the spoofed
// headers can be re-derived per hop and the chain depth stays capped.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config

	mu       sync.Mutex
	limiters map[string]ratelimit.Limiter
}

// CustomResponseWriter wraps http.ResponseWriter to track headers and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

// NewHeaderSettingClient builds a client tuned for long-lived streaming
// responses: no overall timeout, header-only response deadline, and
// redirect handling disabled so Fetch can walk the chain itself.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &HeaderSettingClient{
		Client:   client,
		config:   cfg,
		limiters: make(map[string]ratelimit.Limiter),
	}
}

// Do sends a single request with spoofed headers and no redirect following.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	hsc.limiterFor(req.URL.Host).Take()
	return hsc.Client.Do(req)
}

// Fetch issues a GET for rawURL and follows redirects up to the configured
// depth cap, re-deriving the Referer and Origin headers from each hop's
// target so every request in the chain looks first-party. Returns the final
// response with its body open; the caller owns closing it.
func (hsc *HeaderSettingClient) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("build request for %s: %w", current, err)
		}

		resp, err := hsc.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			return resp, nil
		}

		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, fmt.Errorf("redirect from %s with no Location", utils.LogURL(hsc.config, current))
		}
		if hop+1 > hsc.config.MaxRedirects {
			return nil, fmt.Errorf("redirect chain exceeded %d hops at %s", hsc.config.MaxRedirects, utils.LogURL(hsc.config, current))
		}

		next, err := req.URL.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("bad redirect target %q: %w", loc, err)
		}
		current = next.String()
	}
}

// FetchNoFollow issues a single GET without following redirects; the
// reachability check treats a 3xx as proof of life on its own.
func (hsc *HeaderSettingClient) FetchNoFollow(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	return hsc.Do(req)
}

// setHeaders applies the spoofed media-player identity. Referer and Origin
// are derived from the request's own target, never from the caller.
func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if origin := utils.OriginOf(req.URL.String()); origin != "" {
		req.Header.Set("Origin", origin)
		req.Header.Set("Referer", origin+"/")
	}
}

// limiterFor returns the per-host rate limiter, creating it on first use
// with double-checked locking.
func (hsc *HeaderSettingClient) limiterFor(host string) ratelimit.Limiter {
	hsc.mu.Lock()
	defer hsc.mu.Unlock()

	if rl, ok := hsc.limiters[host]; ok {
		return rl
	}
	rl := ratelimit.New(hsc.config.RequestsPerHost)
	hsc.limiters[host] = rl
	return rl
}

// CustomResponseWriter implementation
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	// Set default headers
	crw.Header().Set("Connection", "keep-alive")
	crw.Header().Set("Accept", "*/*")
	crw.Header().Set("Cache-Control", "no-cache")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// Implement http.Flusher interface
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
