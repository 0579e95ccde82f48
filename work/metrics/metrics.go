package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the gateway and transcoder.
var (
	// ProxyRequests counts requests per gateway route and outcome.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pockettv_gateway_requests_total",
		Help: "Total requests handled per gateway route",
	}, []string{"route", "status"})

	// BytesStreamed counts bytes relayed downstream per route.
	BytesStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pockettv_bytes_streamed_total",
		Help: "Total bytes relayed to clients",
	}, []string{"route"})

	// UpstreamFetches counts upstream fetch attempts by result.
	UpstreamFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pockettv_upstream_fetches_total",
		Help: "Upstream fetch attempts by result",
	}, []string{"result"})

	// ManifestRewrites counts rewritten manifest lines by kind.
	ManifestRewrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pockettv_manifest_rewrites_total",
		Help: "Manifest URI lines rewritten, by target route",
	}, []string{"target"})

	// TranscodeSessions tracks currently live transcode subprocesses.
	TranscodeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pockettv_transcode_sessions_active",
		Help: "Number of live transcode subprocesses",
	})

	// TranscodeStarts counts transcode session launches by result.
	TranscodeStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pockettv_transcode_starts_total",
		Help: "Transcode session launches by result",
	}, []string{"result"})

	// CheckVerdicts counts reachability check verdicts.
	CheckVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pockettv_check_verdicts_total",
		Help: "Reachability check verdicts",
	}, []string{"verdict"})

	// ChannelsLoaded tracks channel counts per imported country list.
	ChannelsLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pockettv_channels_loaded",
		Help: "Channels available per country list",
	}, []string{"country"})

	// BrokenChannels tracks rows in the broken-channel store per country.
	BrokenChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pockettv_broken_channels",
		Help: "Channels marked broken per country",
	}, []string{"country"})
)
