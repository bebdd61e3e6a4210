// Package observability tracks pipeline activity: prometheus collectors for
// conversions, ingests, scraper items and extract failures, plus an
// in-memory window of recent conversion routes.
package observability

import (
	"sort"
	"sync"
	"time"
)

// ConversionStats counts conversions per route ("csv->h5") over a sliding
// window.
type ConversionStats struct {
	mu     sync.RWMutex
	routes map[string]*RouteStats
	window time.Duration
}

// RouteStats holds counters for one conversion route.
type RouteStats struct {
	Route    string
	Count    int64
	Failures int64
	LastSeen time.Time
	// Causes counts failures by error code.
	Causes map[string]int
}

// NewConversionStats creates a tracker that forgets routes idle for longer
// than window.
func NewConversionStats(window time.Duration) *ConversionStats {
	return &ConversionStats{
		routes: make(map[string]*RouteStats),
		window: window,
	}
}

// Record notes one conversion on route. code is the failure code, or empty
// on success.
func (c *ConversionStats) Record(route, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.routes[route]
	if !exists {
		stats = &RouteStats{Route: route, Causes: make(map[string]int)}
		c.routes[route] = stats
	}
	stats.Count++
	stats.LastSeen = time.Now()
	if code != "" {
		stats.Failures++
		stats.Causes[code]++
	}
}

// Top returns copies of the n busiest routes, busiest first.
func (c *ConversionStats) Top(n int) []RouteStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || len(c.routes) == 0 {
		return []RouteStats{}
	}

	stats := make([]RouteStats, 0, len(c.routes))
	for _, s := range c.routes {
		cp := *s
		cp.Causes = make(map[string]int, len(s.Causes))
		for code, count := range s.Causes {
			cp.Causes[code] = count
		}
		stats = append(stats, cp)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Route < stats[j].Route
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes routes not seen within the window.
func (c *ConversionStats) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	threshold := time.Now().Add(-c.window)
	for route, stats := range c.routes {
		if stats.LastSeen.Before(threshold) {
			delete(c.routes, route)
		}
	}
}
