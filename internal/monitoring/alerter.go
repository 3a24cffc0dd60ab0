package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/config"
	"github.com/transam/sogr/internal/resilience"
	"github.com/transam/sogr/internal/sogr"
)

// AlertType identifies what tripped an alert.
type AlertType string

const (
	AlertDLQDepth     AlertType = "dlq_depth"
	AlertBacklogRatio AlertType = "backlog_ratio"
	AlertStepFailure  AlertType = "step_failure"
)

// Alert is the JSON body posted to the webhook.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newAlert(typ AlertType, severity string, at time.Time, details map[string]any, format string, args ...any) Alert {
	return Alert{
		Type:      typ,
		Severity:  severity,
		Message:   fmt.Sprintf(format, args...),
		Details:   details,
		Timestamp: at.UTC(),
	}
}

// alertQueueSize bounds the step failures waiting for delivery.
const alertQueueSize = 256

// Alerter turns snapshots and step failures into webhook alerts.
// Three consecutive webhook failures open a breaker for a minute.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	breaker *resilience.Breaker

	mu     sync.Mutex
	queue  chan Alert
	done   chan struct{}
	closed bool
}

// NewAlerter returns an Alerter posting to cfg.WebhookURL.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Failures: 3,
			Cooldown: time.Minute,
			OnChange: func(from, to resilience.BreakerState) {
				zap.L().Warn("alert webhook breaker", zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
	}
}

// Evaluate returns the alerts snap raises. A zero threshold disables its
// check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := time.Now()
	var out []Alert

	if limit := a.cfg.DLQThreshold; limit > 0 && snap.DLQDepth >= limit {
		out = append(out, newAlert(AlertDLQDepth, "high", now,
			map[string]any{"dlq_depth": snap.DLQDepth, "threshold": limit},
			"%d recalculation(s) in the dead letter queue, threshold %d", snap.DLQDepth, limit))
	}

	if limit := a.cfg.BacklogThreshold; limit > 0 && snap.BacklogRatio > limit {
		out = append(out, newAlert(AlertBacklogRatio, "medium", now,
			map[string]any{
				"backlog_ratio": snap.BacklogRatio,
				"threshold":     limit,
				"in_backlog":    snap.InBacklog,
				"active":        snap.AssetsTotal - snap.Disposed,
			},
			"%.1f%% of active assets are in backlog, threshold %.1f%%", snap.BacklogRatio*100, limit*100))
	}
	return out
}

// SendAlerts posts each alert and returns how many the webhook accepted.
// It is a no-op without a webhook URL.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	accepted := 0
	for _, al := range alerts {
		log := zap.L().With(zap.String("alert", string(al.Type)), zap.String("severity", al.Severity))
		err := a.breaker.Do(ctx, func(ctx context.Context) error { return a.post(ctx, al) })
		if errors.Is(err, resilience.ErrBreakerOpen) {
			log.Warn("alert dropped, webhook breaker open")
			continue
		}
		if err != nil {
			log.Error("alert delivery failed", zap.Error(err))
			continue
		}
		log.Info("alert delivered")
		accepted++
	}
	return accepted
}

// Report implements sogr.Sink. Step failures are queued and posted in the
// background; a full queue drops the alert. Without a webhook URL the
// failure is only logged.
func (a *Alerter) Report(_ context.Context, f sogr.Alert) {
	log := zap.L().With(zap.String("asset", f.AssetKey), zap.String("step", string(f.Step)))
	if a.cfg.WebhookURL == "" {
		log.Warn("recalculation step failed", zap.String("error", f.Error))
		return
	}
	al := newAlert(AlertStepFailure, "high", f.At,
		map[string]any{
			"asset_key":       f.AssetKey,
			"organization_id": f.OrganizationID,
			"step":            string(f.Step),
			"error":           f.Error,
		},
		"step %s failed for asset %s: %s", f.Step, f.AssetKey, f.Error)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		log.Warn("alert dropped, alerter closed")
		return
	}
	if a.queue == nil {
		a.queue = make(chan Alert, alertQueueSize)
		a.done = make(chan struct{})
		go a.deliver(a.queue, a.done)
	}
	select {
	case a.queue <- al:
	default:
		log.Warn("alert dropped, queue full")
	}
}

func (a *Alerter) deliver(queue <-chan Alert, done chan<- struct{}) {
	defer close(done)
	for al := range queue {
		a.SendAlerts(context.Background(), []Alert{al})
	}
}

// Close stops queueing step failures and waits until the queued ones are
// posted.
func (a *Alerter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	queue, done := a.queue, a.done
	a.mu.Unlock()

	if queue != nil {
		close(queue)
		<-done
	}
	return nil
}

var _ sogr.Sink = (*Alerter)(nil)

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= http.StatusBadRequest {
		return eris.Errorf("monitoring: webhook responded %d", resp.StatusCode)
	}
	return nil
}
