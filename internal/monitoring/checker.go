package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/config"
)

// Checker collects a snapshot, evaluates it and delivers alerts. It runs as
// a scheduled job.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Check runs one collection and evaluation pass and returns run metadata.
func (c *Checker) Check(ctx context.Context) (map[string]any, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	lookback := c.cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := c.collector.Collect(ctx, lookback)
	if err != nil {
		return nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	meta := map[string]any{
		"runs_total":  snap.RunsTotal,
		"runs_failed": snap.RunsFailed,
		"budget_used": snap.BudgetUsed,
		"alerts":      len(alerts),
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return meta, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	meta["sent"] = sent
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return meta, nil
}
