package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pocket-tv/work/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleList = `#EXTM3U
#EXTINF:-1 tvg-id="one.in" tvg-logo="http://img/one.png" group-title="News;National" tvg-language="Hindi;English",Channel One
http://host/one.m3u8
#EXTINF:-1,Channel Two [Not 24/7]
http://host:8080/play/two
# a stray comment
#EXTINF:-1 group-title="",Channel Three
http://host/three.ts
`

func TestParseM3U(t *testing.T) {
	channels, err := ParseM3U(strings.NewReader(sampleList))
	require.NoError(t, err)
	require.Len(t, channels, 3)

	one := channels[0]
	assert.Equal(t, "0", one.ID)
	assert.Equal(t, "Channel One", one.Name)
	assert.Equal(t, "http://img/one.png", one.Logo)
	assert.Equal(t, "News", one.Group)
	assert.Equal(t, "Hindi", one.Language)
	assert.Equal(t, "http://host/one.m3u8", one.URL)

	two := channels[1]
	assert.Equal(t, "1", two.ID)
	assert.Equal(t, "Channel Two", two.Name, "status tag stripped from name")
	assert.Equal(t, "General", two.Group)
	assert.Equal(t, "http://host:8080/play/two", two.URL)

	three := channels[2]
	assert.Equal(t, "General", three.Group, "empty group-title falls back")
}

func TestParseM3UKeepsTaggedChannels(t *testing.T) {
	list := `#EXTM3U
#EXTINF:-1,Geo [Geo-blocked]
http://host/geo.m3u8
#EXTINF:-1,Off [Offline]
http://host/off.m3u8
`
	channels, err := ParseM3U(strings.NewReader(list))
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "Geo", channels[0].Name)
	assert.Equal(t, "Off", channels[1].Name)
}

func TestParseM3UOrphanDirective(t *testing.T) {
	list := `#EXTM3U
#EXTINF:-1,No URL Follows
#EXTINF:-1,Has URL
http://host/ok.m3u8
`
	channels, err := ParseM3U(strings.NewReader(list))
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "Has URL", channels[0].Name)
}

func TestParseM3UEmpty(t *testing.T) {
	channels, err := ParseM3U(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, channels)
}

// stubFetcher serves canned list bodies without a real upstream.
type stubFetcher struct {
	server *httptest.Server
}

func newStubFetcher(t *testing.T, body string, status int) *stubFetcher {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return &stubFetcher{server: srv}
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func testStoreConfig() *config.Config {
	return &config.Config{
		ChannelListBase:     "http://lists.local",
		PrefetchCountries:   []string{"in"},
		WorkerThreads:       2,
		ListRefreshInterval: time.Hour,
	}
}

func TestStoreChannelsImportsOnDemand(t *testing.T) {
	store, err := NewStore(testStoreConfig(), newStubFetcher(t, sampleList, http.StatusOK))
	require.NoError(t, err)
	defer store.Close()

	channels, err := store.Channels(context.Background(), "in")
	require.NoError(t, err)
	assert.Len(t, channels, 3)

	// second read comes from the cached copy
	channels, err = store.Channels(context.Background(), "in")
	require.NoError(t, err)
	assert.Len(t, channels, 3)
}

func TestStoreUpstreamFailure(t *testing.T) {
	store, err := NewStore(testStoreConfig(), newStubFetcher(t, "nope", http.StatusBadGateway))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Channels(context.Background(), "in")
	assert.Error(t, err)
}

func TestListURL(t *testing.T) {
	store, err := NewStore(testStoreConfig(), newStubFetcher(t, "", http.StatusOK))
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, "http://lists.local/countries/in.m3u", store.listURL("in"))
	assert.Equal(t, "http://lists.local/index.m3u", store.listURL("all"))
}
