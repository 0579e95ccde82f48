package gateway

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteRelativeSegment(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"
	out := RewriteManifest(body, "http://a.test/x.m3u8")

	lines := strings.Split(out, "\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXTINF:4.0,", lines[1])
	assert.Equal(t, "/proxy?url=http%3A%2F%2Fa.test%2Fseg1.ts", lines[2])
}

func TestRewriteAbsoluteSegment(t *testing.T) {
	out := RewriteManifest("http://cdn.test/live/seg.ts", "http://a.test/x.m3u8")
	assert.Equal(t, "/proxy?url="+url.QueryEscape("http://cdn.test/live/seg.ts"), out)
}

func TestRewriteNestedManifest(t *testing.T) {
	body := "#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n"
	out := RewriteManifest(body, "http://a.test/master.m3u8")

	lines := strings.Split(out, "\n")
	assert.Equal(t, "/m3u8?url="+url.QueryEscape("http://a.test/low/index.m3u8"), lines[1])
}

func TestRewritePreservesCommentsAndBlanks(t *testing.T) {
	body := "#EXTM3U\n\n#EXT-X-VERSION:3\n# plain comment\n"
	out := RewriteManifest(body, "http://a.test/x.m3u8")
	assert.Equal(t, body, out)
}

func TestRewriteRelativePathWithoutExtension(t *testing.T) {
	out := RewriteManifest("chunk_001", "http://a.test/live/x.m3u8")
	assert.Equal(t, "/proxy?url="+url.QueryEscape("http://a.test/live/chunk_001"), out)
}

func TestRewriteIsIdempotent(t *testing.T) {
	body := "seg1.ts\nsub/playlist.m3u8\n"
	once := RewriteManifest(body, "http://a.test/x.m3u8")
	twice := RewriteManifest(once, "http://a.test/x.m3u8")
	assert.Equal(t, once, twice)
}

func TestRewriteUnwrapsForeignGatewayRefs(t *testing.T) {
	// an absolute reference to another gateway instance is unwrapped
	// and re-wrapped locally
	ref := "http://other-proxy:9999/proxy?url=" + url.QueryEscape("http://cdn.test/seg.ts")
	out := RewriteManifest(ref, "http://a.test/x.m3u8")
	assert.Equal(t, "/proxy?url="+url.QueryEscape("http://cdn.test/seg.ts"), out)
}

func TestRewriteManifestQueryStringsSurvive(t *testing.T) {
	out := RewriteManifest("seg1.ts?token=a&exp=12", "http://a.test/x.m3u8")

	u, err := url.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, "/proxy", u.Path)
	assert.Equal(t, "http://a.test/seg1.ts?token=a&exp=12", u.Query().Get("url"))
}
