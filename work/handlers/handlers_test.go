package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pocket-tv/work/broken"
	"pocket-tv/work/buffer"
	"pocket-tv/work/cache"
	"pocket-tv/work/client"
	"pocket-tv/work/config"
	"pocket-tv/work/gateway"
	"pocket-tv/work/parser"
	"pocket-tv/work/probe"
	"pocket-tv/work/transcode"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testList = `#EXTM3U
#EXTINF:-1,Channel Zero
http://host/zero.m3u8
#EXTINF:-1,Channel One
http://host/one.m3u8
#EXTINF:-1,Channel Two
http://host/two.m3u8
`

type listFetcher struct{ server *httptest.Server }

func (f *listFetcher) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func newTestRouter(t *testing.T) (*mux.Router, *broken.Store) {
	t.Helper()

	cfg := &config.Config{
		UserAgent:           "VLC/3.0.20 LibVLC/3.0.20",
		FetchTimeout:        2 * time.Second,
		CheckTimeout:        time.Second,
		ProbeTimeout:        time.Second,
		MaxRedirects:        5,
		RequestsPerHost:     100,
		WorkerThreads:       2,
		ListRefreshInterval: time.Hour,
		ChannelListBase:     "http://lists.local",
		FFmpegPath:          "",
		FFprobePath:         "/nonexistent/ffprobe",
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testList))
	}))
	t.Cleanup(upstream.Close)

	channels, err := parser.NewStore(cfg, &listFetcher{server: upstream})
	require.NoError(t, err)
	t.Cleanup(channels.Close)

	brokenStore, err := broken.Open(filepath.Join(t.TempDir(), "broken.db"))
	require.NoError(t, err)
	t.Cleanup(func() { brokenStore.Close() })

	gw := gateway.New(cfg,
		client.NewHeaderSettingClient(cfg),
		buffer.NewBufferPool(32*1024),
		probe.NewProber(cfg),
		transcode.NewManager(cfg),
		cache.NewVerdictCache(30*time.Second),
	)

	r := mux.NewRouter()
	New(cfg, gw, channels, brokenStore).Register(r)
	return r, brokenStore
}

func TestChannelsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels?country=in", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var res channelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "in", res.Country)
	assert.Len(t, res.Channels, 3)
}

func TestChannelsHidesBroken(t *testing.T) {
	router, store := newTestRouter(t)
	require.NoError(t, store.Mark("in", "1"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels?country=in", nil))

	var res channelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Channels, 2)
	for _, ch := range res.Channels {
		assert.NotEqual(t, "1", ch.ID)
	}
}

func TestChannelsMissingCountry(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/channels", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBrokenLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	// mark two channels through the API
	for _, id := range []string{"0", "2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
			"/broken/mark?country=in&id="+id, nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken?country=in", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res brokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.ElementsMatch(t, []string{"0", "2"}, res.IDs)

	// user-triggered reset
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/broken?country=in", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/broken?country=in", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Empty(t, res.IDs)
}

func TestBrokenMarkValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/broken/mark?country=in", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreflight(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/check", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestGatewayRoutesAreMounted(t *testing.T) {
	router, _ := newTestRouter(t)

	// /check with no url answers the uniform envelope
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/check", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"ok":false`))

	// /transcode without an encoder configured
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transcode?url=http%3A%2F%2Fh%2Fs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
