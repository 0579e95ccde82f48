package gateway

import (
	"net/url"
	"strings"

	"pocket-tv/work/metrics"
	"pocket-tv/work/utils"
)

// RewriteManifest rewrites a playlist body so every sub-resource routes
// back through the gateway with the same spoofed identity. Comment and
// blank lines pass through untouched; every other line is a reference:
//
//   - relative references are resolved against the manifest's base path;
//   - nested playlist references loop back through the manifest route;
//   - everything else goes through the passthrough route;
//   - a reference already pointing at a gateway route is unwrapped
//     first, so re-rewriting yields an equivalent single wrapping.
func RewriteManifest(body, manifestURL string) string {
	base := utils.BasePath(manifestURL)

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		lines[i] = rewriteReference(t, base)
	}
	return strings.Join(lines, "\n")
}

// rewriteReference maps one URI line to its gateway route.
func rewriteReference(ref, base string) string {
	if inner, ok := unwrapGatewayRef(ref); ok {
		ref = inner
	}

	full := ref
	if !strings.HasPrefix(ref, "http") {
		full = base + ref
	}

	lower := strings.ToLower(full)
	if strings.Contains(lower, ".m3u8") || strings.Contains(lower, ".m3u") {
		metrics.ManifestRewrites.WithLabelValues("m3u8").Inc()
		return "/m3u8?url=" + url.QueryEscape(full)
	}
	metrics.ManifestRewrites.WithLabelValues("proxy").Inc()
	return "/proxy?url=" + url.QueryEscape(full)
}

// unwrapGatewayRef recognizes a reference that is already one of our
// routes, absolute or not, and recovers the origin URL it carries.
func unwrapGatewayRef(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Path != "/m3u8" && u.Path != "/proxy" {
		return "", false
	}
	inner := u.Query().Get("url")
	if inner == "" {
		return "", false
	}
	return inner, true
}
