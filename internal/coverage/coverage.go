// Package coverage compares local facility counts against provider counts per
// region, queues city-level backfill crawls for lagging regions, and consumes
// that backlog one task at a time.
package coverage

import (
	"sort"
	"time"
)

// DefaultThreshold is the coverage ratio below which a region is backfilled.
const DefaultThreshold = 0.7

// Ratio returns local/provider capped at 1. With no provider count it is 1
// when anything exists locally and 0 otherwise.
func Ratio(local, provider int) float64 {
	if provider > 0 {
		return min(1, float64(local)/float64(provider))
	}
	if local > 0 {
		return 1
	}
	return 0
}

// radiusTiers maps a minimum population to a search radius in meters.
var radiusTiers = []struct {
	minPopulation int
	radiusM       int
}{
	{1_000_000, 25_000},
	{500_000, 18_000},
	{200_000, 12_000},
	{75_000, 8_000},
	{0, 5_000},
}

// RadiusFor sizes a backfill crawl by the population of its center.
func RadiusFor(population int) int {
	for _, t := range radiusTiers {
		if population >= t.minPopulation {
			return t.radiusM
		}
	}
	return radiusTiers[len(radiusTiers)-1].radiusM
}

// Stat is one region's audit result.
type Stat struct {
	Region    string    `json:"region"`
	Local     int       `json:"local"`
	Provider  int       `json:"provider"`
	Coverage  float64   `json:"coverage"`
	AuditedAt time.Time `json:"audited_at"`
}

// Lagging reports whether the region qualifies for backfill.
func (s Stat) Lagging(threshold float64) bool {
	return s.Provider > 0 && s.Coverage < threshold
}

// Worst returns up to n stats with the lowest coverage, ties broken by region.
func Worst(stats []Stat, n int) []Stat {
	out := make([]Stat, 0, len(stats))
	for _, s := range stats {
		if s.Provider > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Coverage != out[j].Coverage {
			return out[i].Coverage < out[j].Coverage
		}
		return out[i].Region < out[j].Region
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Task statuses.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
)

// Task is a queued radius-bounded crawl around one city.
type Task struct {
	ID         string    `json:"id"`
	Region     string    `json:"region"`
	City       string    `json:"city"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RadiusM    int       `json:"radius_m"`
	Population int       `json:"population"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
