package parser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pocket-tv/work/config"
	"pocket-tv/work/logger"
	"pocket-tv/work/metrics"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Fetcher is the slice of the HTTP client the store needs; satisfied by
// client.HeaderSettingClient.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*http.Response, error)
}

// Store holds parsed channel lineups per country code and refreshes the
// configured prefetch set in the background. Reads never block on a
// refresh; a country not yet imported is fetched on demand.
type Store struct {
	config  *config.Config
	fetcher Fetcher
	lists   *xsync.MapOf[string, []Channel]
	pool    *ants.Pool
}

// NewStore builds a Store backed by the given fetcher. The worker pool
// bounds concurrent list imports.
func NewStore(cfg *config.Config, fetcher Fetcher) (*Store, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads)
	if err != nil {
		return nil, fmt.Errorf("create import pool: %w", err)
	}
	return &Store{
		config:  cfg,
		fetcher: fetcher,
		lists:   xsync.NewMapOf[string, []Channel](),
		pool:    pool,
	}, nil
}

// Close releases the worker pool.
func (s *Store) Close() {
	s.pool.Release()
}

// listURL maps a country code to its published list; "all" is the
// global index.
func (s *Store) listURL(country string) string {
	base := strings.TrimSuffix(s.config.ChannelListBase, "/")
	if country == "all" {
		return base + "/index.m3u"
	}
	return base + "/countries/" + country + ".m3u"
}

// Channels returns the lineup for a country, importing it on first use.
func (s *Store) Channels(ctx context.Context, country string) ([]Channel, error) {
	if list, ok := s.lists.Load(country); ok {
		return list, nil
	}
	return s.Refresh(ctx, country)
}

// Refresh re-imports a single country list and replaces the cached copy.
// The old lineup stays visible until the new one has fully parsed.
func (s *Store) Refresh(ctx context.Context, country string) ([]Channel, error) {
	url := s.listURL(country)

	resp, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch list %s: %w", country, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch list %s: upstream status %d", country, resp.StatusCode)
	}

	channels, err := ParseM3U(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse list %s: %w", country, err)
	}

	s.lists.Store(country, channels)
	metrics.ChannelsLoaded.WithLabelValues(country).Set(float64(len(channels)))

	logger.Info("{parser/store - Refresh} %s: %d channels", country, len(channels))
	return channels, nil
}

// Prefetch imports the configured countries through the worker pool and
// returns once all submissions have been accepted, not completed.
func (s *Store) Prefetch(ctx context.Context) {
	for _, country := range s.config.PrefetchCountries {
		c := country
		err := s.pool.Submit(func() {
			if _, err := s.Refresh(ctx, c); err != nil {
				logger.Warn("{parser/store - Prefetch} %s: %v", c, err)
			}
		})
		if err != nil {
			logger.Warn("{parser/store - Prefetch} submit %s: %v", c, err)
		}
	}
}

// RunRefreshLoop re-imports every known country on the configured
// interval until ctx is cancelled. Meant to run as a goroutine.
func (s *Store) RunRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.ListRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.lists.Range(func(country string, _ []Channel) bool {
				c := country
				s.pool.Submit(func() {
					if _, err := s.Refresh(ctx, c); err != nil {
						logger.Warn("{parser/store - RunRefreshLoop} %s: %v", c, err)
					}
				})
				return true
			})
		}
	}
}
