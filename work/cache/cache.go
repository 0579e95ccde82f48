package cache

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// VerdictCache remembers recent reachability verdicts per source URL so a
// channel surfer flipping back and forth does not hammer the same origin.
// Entries expire on a write TTL; a verdict is never refreshed in place.
type VerdictCache struct {
	cache *otter.Cache[string, Verdict]
}

// Verdict is one cached reachability result.
type Verdict struct {
	OK      bool
	Status  int
	Checked time.Time
}

// NewVerdictCache builds a TTL cache sized for a practical channel count.
func NewVerdictCache(ttl time.Duration) *VerdictCache {
	return &VerdictCache{
		cache: otter.Must(&otter.Options[string, Verdict]{
			MaximumSize:      4096,
			ExpiryCalculator: otter.ExpiryWriting[string, Verdict](ttl),
		}),
	}
}

// Get returns the cached verdict for url, if one is still live.
func (vc *VerdictCache) Get(url string) (Verdict, bool) {
	return vc.cache.GetIfPresent(url)
}

// Put stores a verdict for url, restarting its TTL.
func (vc *VerdictCache) Put(url string, ok bool, status int) {
	vc.cache.Set(url, Verdict{OK: ok, Status: status, Checked: time.Now()})
}

// Invalidate drops the verdict for url, forcing the next check to hit
// the origin.
func (vc *VerdictCache) Invalidate(url string) {
	vc.cache.Invalidate(url)
}
