// Package handlers binds the HTTP surface together: the gateway's media
// routes, the channel lineup API, the broken-channel API, and metrics.
package handlers

import (
	"encoding/json"
	"net/http"

	"pocket-tv/work/broken"
	"pocket-tv/work/config"
	"pocket-tv/work/gateway"
	"pocket-tv/work/logger"
	"pocket-tv/work/middleware"
	"pocket-tv/work/parser"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers aggregates the route dependencies.
type Handlers struct {
	config   *config.Config
	gateway  *gateway.Gateway
	channels *parser.Store
	broken   *broken.Store
}

// New builds the route set.
func New(cfg *config.Config, gw *gateway.Gateway, channels *parser.Store, brokenStore *broken.Store) *Handlers {
	return &Handlers{
		config:   cfg,
		gateway:  gw,
		channels: channels,
		broken:   brokenStore,
	}
}

// Register attaches every route to the router. Media byte streams skip
// gzip; the text routes get it.
func (h *Handlers) Register(r *mux.Router) {
	r.Use(corsMiddleware)

	// media gateway
	r.HandleFunc("/m3u8", middleware.GzipMiddleware(h.gateway.HandleManifest)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/proxy", h.gateway.HandleProxy).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/transcode", h.gateway.HandleTranscode).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/probe", middleware.GzipMiddleware(h.gateway.HandleProbe)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/check", middleware.GzipMiddleware(h.gateway.HandleCheck)).Methods(http.MethodGet, http.MethodOptions)

	// channel lineup and broken-channel bookkeeping
	r.HandleFunc("/channels", middleware.GzipMiddleware(h.handleChannels)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/broken", middleware.GzipMiddleware(h.handleBrokenList)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/broken", h.handleBrokenClear).Methods(http.MethodDelete)
	r.HandleFunc("/broken/mark", h.handleBrokenMark).Methods(http.MethodPost, http.MethodOptions)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// corsMiddleware mirrors the permissive cross-origin policy of the media
// routes across the whole surface and short-circuits preflights.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// channelsResponse is the /channels envelope.
type channelsResponse struct {
	Country  string           `json:"country"`
	Channels []parser.Channel `json:"channels"`
}

// handleChannels serves GET /channels?country=xx: the parsed lineup with
// known-broken channels hidden.
func (h *Handlers) handleChannels(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		http.Error(w, "Missing country", http.StatusBadRequest)
		return
	}

	list, err := h.channels.Channels(r.Context(), country)
	if err != nil {
		logger.Warn("{handlers/handlers - handleChannels} %s: %v", country, err)
		http.Error(w, "List unavailable", http.StatusBadGateway)
		return
	}

	hidden := make(map[string]bool)
	if ids, err := h.broken.IDs(country); err == nil {
		for _, id := range ids {
			hidden[id] = true
		}
	} else {
		logger.Warn("{handlers/handlers - handleChannels} broken lookup %s: %v", country, err)
	}

	visible := make([]parser.Channel, 0, len(list))
	for _, ch := range list {
		if !hidden[ch.ID] {
			visible = append(visible, ch)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(channelsResponse{Country: country, Channels: visible})
}

// brokenResponse is the /broken envelope.
type brokenResponse struct {
	Country string   `json:"country"`
	IDs     []string `json:"ids"`
}

// handleBrokenList serves GET /broken?country=xx.
func (h *Handlers) handleBrokenList(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		http.Error(w, "Missing country", http.StatusBadRequest)
		return
	}

	ids, err := h.broken.IDs(country)
	if err != nil {
		http.Error(w, "Store error", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(brokenResponse{Country: country, IDs: ids})
}

// handleBrokenClear serves DELETE /broken?country=xx, the user-triggered
// reset of a country's broken set.
func (h *Handlers) handleBrokenClear(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		http.Error(w, "Missing country", http.StatusBadRequest)
		return
	}

	n, err := h.broken.Clear(country)
	if err != nil {
		http.Error(w, "Store error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"country": country, "cleared": n})
}

// handleBrokenMark serves POST /broken/mark?country=xx&id=yy; the client
// records a terminal playback failure here.
func (h *Handlers) handleBrokenMark(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	id := r.URL.Query().Get("id")
	if country == "" || id == "" {
		http.Error(w, "Missing country or id", http.StatusBadRequest)
		return
	}

	if err := h.broken.Mark(country, id); err != nil {
		http.Error(w, "Store error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
