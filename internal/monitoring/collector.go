// Package monitoring checks pipeline health (job failures, commercial spend,
// import progress) and posts alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/importer"
	"github.com/courtatlas/geocurator/internal/runlog"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run log, within the lookback window.
	RunsTotal    int            `json:"runs_total"`
	RunsComplete int            `json:"runs_complete"`
	RunsFailed   int            `json:"runs_failed"`
	RunsRunning  int            `json:"runs_running"`
	FailRate     float64        `json:"fail_rate"`
	FailedByJob  map[string]int `json:"failed_by_job,omitempty"`

	// Commercial spend for the current month.
	BudgetMonth      string  `json:"budget_month"`
	BudgetSpentCents string  `json:"budget_spent_cents"`
	BudgetCapCents   string  `json:"budget_cap_cents"`
	BudgetUsed       float64 `json:"budget_used"`

	// Import rotation.
	ImportLastRunAt *time.Time `json:"import_last_run_at,omitempty"`
	ImportLastError string     `json:"import_last_error,omitempty"`

	BacklogPending int `json:"backlog_pending"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource lists recent run log entries. *runlog.Log satisfies it.
type RunSource interface {
	Recent(ctx context.Context, job string, limit int) ([]runlog.Entry, error)
}

// UsageSource reports the month's commercial spend. *billing.Governor
// satisfies it.
type UsageSource interface {
	Usage(ctx context.Context) (billing.Usage, error)
}

// StatusSource loads the import rotation status.
type StatusSource interface {
	Load(ctx context.Context) (importer.Status, error)
}

// BacklogSource counts pending backfill tasks.
type BacklogSource interface {
	PendingCount(ctx context.Context) (int, error)
}

// Collector gathers metrics from the run log, billing ledger, import status
// and backlog. Any source may be nil.
type Collector struct {
	runs    RunSource
	usage   UsageSource
	status  StatusSource
	backlog BacklogSource
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunSource, usage UsageSource, status StatusSource, backlog BacklogSource) *Collector {
	return &Collector{runs: runs, usage: usage, status: status, backlog: backlog, nowFunc: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if c.runs != nil {
		entries, err := c.runs.Recent(ctx, "", 5000)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for _, e := range entries {
			if e.StartedAt.Before(cutoff) {
				continue
			}
			snap.RunsTotal++
			switch e.Status {
			case runlog.StatusComplete:
				snap.RunsComplete++
			case runlog.StatusFailed:
				snap.RunsFailed++
				if snap.FailedByJob == nil {
					snap.FailedByJob = map[string]int{}
				}
				snap.FailedByJob[e.Job]++
			case runlog.StatusRunning:
				snap.RunsRunning++
			}
		}
		if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
			snap.FailRate = float64(snap.RunsFailed) / float64(finished)
		}
	}

	if c.usage != nil {
		u, err := c.usage.Usage(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: billing usage")
		}
		snap.BudgetMonth = u.Month
		snap.BudgetSpentCents = u.SpentCents
		snap.BudgetCapCents = u.CapCents
		snap.BudgetUsed = usedRatio(u.SpentCents, u.CapCents)
	}

	if c.status != nil {
		st, err := c.status.Load(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: import status")
		}
		snap.ImportLastRunAt = st.LastRunAt
		snap.ImportLastError = st.LastError
	}

	if c.backlog != nil {
		n, err := c.backlog.PendingCount(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: backlog")
		}
		snap.BacklogPending = n
	}

	return snap, nil
}

func usedRatio(spent, limit string) float64 {
	s, err := decimal.NewFromString(spent)
	if err != nil {
		return 0
	}
	c, err := decimal.NewFromString(limit)
	if err != nil || !c.IsPositive() {
		return 0
	}
	return s.Div(c).InexactFloat64()
}
