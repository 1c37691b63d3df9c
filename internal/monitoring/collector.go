package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/store"
)

// runScanLimit bounds how many ledger rows one snapshot reads.
const runScanLimit = 1000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Stage runs started within the lookback window.
	RunsTotal     int      `json:"runs_total"`
	RunsCompleted int      `json:"runs_completed"`
	RunsFailed    int      `json:"runs_failed"`
	RunsSuspended int      `json:"runs_suspended"`
	FailRate      float64  `json:"fail_rate"`
	FailedStages  []string `json:"failed_stages,omitempty"`

	// Breakers currently rejecting calls.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Stages whose unfinished checkpoint has not moved for StallAfter.
	StalledStages []string `json:"stalled_stages,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the part of the run ledger the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// BreakerSource reports circuit breaker state.
type BreakerSource interface {
	Snapshots() []resilience.Snapshot
}

// Collector gathers metrics from the run ledger, the breakers and the stage
// checkpoints. Any of them may be nil.
type Collector struct {
	runs       RunLister
	breakers   BreakerSource
	stages     []stage.Stage
	stallAfter time.Duration
	nowFunc    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister, breakers BreakerSource, stages []stage.Stage, stallAfter time.Duration) *Collector {
	return &Collector{
		runs:       runs,
		breakers:   breakers,
		stages:     stages,
		stallAfter: stallAfter,
		nowFunc:    time.Now,
	}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	if c.runs != nil {
		cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
		runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: runScanLimit})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}

		failed := make(map[string]bool)
		for _, r := range runs {
			if r.StartedAt.Before(cutoff) {
				continue
			}
			snap.RunsTotal++
			switch r.Status {
			case model.RunStatusCompleted:
				snap.RunsCompleted++
			case model.RunStatusFailed:
				snap.RunsFailed++
				if !failed[r.Stage] {
					failed[r.Stage] = true
					snap.FailedStages = append(snap.FailedStages, r.Stage)
				}
			case model.RunStatusSuspended:
				snap.RunsSuspended++
			}
		}
		if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
			snap.FailRate = float64(snap.RunsFailed) / float64(finished)
		}
	}

	if c.breakers != nil {
		for _, b := range c.breakers.Snapshots() {
			if b.State == resilience.CircuitOpen.String() {
				snap.OpenBreakers = append(snap.OpenBreakers, b.Name)
			}
		}
	}

	if c.stallAfter > 0 {
		for _, st := range c.stages {
			s, ok := st.State()
			if !ok || s.Completed || s.UpdatedAt.IsZero() {
				continue
			}
			if now.Sub(s.UpdatedAt) >= c.stallAfter {
				snap.StalledStages = append(snap.StalledStages, st.Name())
			}
		}
	}

	return snap, nil
}
