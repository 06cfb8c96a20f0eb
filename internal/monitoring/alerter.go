package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

// Alert types.
const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertBudgetNearCap  AlertType = "budget_near_cap"
	AlertImportStalled  AlertType = "import_stalled"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.RunsComplete + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= 5 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":  snap.FailRate,
				"threshold":     a.cfg.FailureRateThreshold,
				"failed_by_job": snap.FailedByJob,
			},
			Timestamp: now,
		})
	}

	if a.cfg.BudgetAlertRatio > 0 && snap.BudgetUsed >= a.cfg.BudgetAlertRatio {
		severity := "medium"
		if snap.BudgetUsed >= 1 {
			severity = "high"
		}
		alerts = append(alerts, Alert{
			Type:     AlertBudgetNearCap,
			Severity: severity,
			Message: fmt.Sprintf(
				"Commercial spend %s of %s cents (%.0f%%) for %s",
				snap.BudgetSpentCents, snap.BudgetCapCents, snap.BudgetUsed*100, snap.BudgetMonth,
			),
			Details: map[string]any{
				"spent_cents": snap.BudgetSpentCents,
				"cap_cents":   snap.BudgetCapCents,
				"ratio":       snap.BudgetUsed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StallHours > 0 && snap.ImportLastRunAt != nil {
		idle := now.Sub(*snap.ImportLastRunAt)
		if idle > time.Duration(a.cfg.StallHours)*time.Hour {
			alerts = append(alerts, Alert{
				Type:     AlertImportStalled,
				Severity: "high",
				Message:  fmt.Sprintf("Region import has not advanced for %s", idle.Truncate(time.Minute)),
				Details: map[string]any{
					"last_run_at": snap.ImportLastRunAt,
					"last_error":  snap.ImportLastError,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
