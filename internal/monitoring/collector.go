// Package monitoring watches extraction run health: a collector
// summarizes recent run outcomes from the store, an alerter compares
// the summary against configured thresholds, and a checker drives both
// on a timer while the API server runs.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction health
// within the lookback window.
type MetricsSnapshot struct {
	RunsTotal      int     `json:"runs_total"`
	RunsComplete   int     `json:"runs_complete"`
	RunsPartial    int     `json:"runs_partial"`
	RunsFailed     int     `json:"runs_failed"`
	RunsInProgress int     `json:"runs_in_progress"`
	FailureRate    float64 `json:"failure_rate"`
	PartialRate    float64 `json:"partial_rate"`

	RecordsPersisted int `json:"records_persisted"`
	PagesFailed      int `json:"pages_failed"`
	Diagnostics      int `json:"diagnostics"`

	AvgDurationMs int64 `json:"avg_duration_ms"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished is the number of runs that reached a terminal status.
func (s *MetricsSnapshot) Finished() int {
	return s.RunsComplete + s.RunsPartial + s.RunsFailed
}

// Collector gathers run metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector over the given store.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect summarizes the runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	var totalDurMs int64
	var timed int

	for _, r := range runs {
		switch r.Status {
		case model.DocumentStatusComplete:
			snap.RunsComplete++
		case model.DocumentStatusPartiallyExtracted:
			snap.RunsPartial++
		case model.DocumentStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsInProgress++
		}
		if r.Result != nil {
			snap.RecordsPersisted += r.Result.Records
			snap.PagesFailed += r.Result.PagesFailed
			snap.Diagnostics += len(r.Result.Diagnostics)
			if r.Result.DurationTotal > 0 {
				totalDurMs += r.Result.DurationTotal
				timed++
			}
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
		snap.PartialRate = float64(snap.RunsPartial) / float64(finished)
	}
	if timed > 0 {
		snap.AvgDurationMs = totalDurMs / int64(timed)
	}

	return snap, nil
}
