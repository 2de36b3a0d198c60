package registry

import (
	"sync"
	"time"
)

// HealthStats are the rolling per-service counters the proxy maintains:
// request/error totals, last observed response time, and uptime as the
// share of forwards that did not fail.
type HealthStats struct {
	Requests         uint64        `json:"requests"`
	Errors           uint64        `json:"errors"`
	LastResponseTime time.Duration `json:"lastResponseTimeMs"`
	UptimePercent    float64       `json:"uptimePercent"`
}

// HealthTracker accumulates health counters per service slug. Updates
// take a per-map mutex; no cross-slug operation needs more.
type HealthTracker struct {
	mu    sync.Mutex
	stats map[string]*HealthStats
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{stats: make(map[string]*HealthStats)}
}

// Observe records one forwarded request for slug.
func (t *HealthTracker) Observe(slug string, elapsed time.Duration, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[slug]
	if !ok {
		s = &HealthStats{}
		t.stats[slug] = s
	}
	s.Requests++
	if failed {
		s.Errors++
	}
	s.LastResponseTime = elapsed
	s.UptimePercent = float64(s.Requests-s.Errors) / float64(s.Requests) * 100
}

// Snapshot returns a copy of the stats for slug, or zero stats if the
// service has seen no traffic.
func (t *HealthTracker) Snapshot(slug string) HealthStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stats[slug]; ok {
		return *s
	}
	return HealthStats{}
}
