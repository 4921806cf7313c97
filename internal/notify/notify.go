// Package notify holds the outbound notification collaborator used for
// critical and high anomaly escalations.
package notify

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/clubhousegolfcanada/clubos-v3-sub000/internal/models"
)

// Notifier receives fire-and-forget escalation signals. Delivery transport
// (SMS, Slack, pager) lives outside this core.
type Notifier interface {
	NotifyEscalation(ctx context.Context, anomaly *models.Anomaly)
}

// Nop discards notifications.
type Nop struct{}

// NotifyEscalation discards the signal.
func (Nop) NotifyEscalation(context.Context, *models.Anomaly) {}

// RateLimitedLogNotifier logs escalations, throttled so an anomaly storm
// cannot flood the channel. Throttled notifications still leave a warning.
type RateLimitedLogNotifier struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewRateLimitedLogNotifier allows ratePerMinute notifications with the
// given burst.
func NewRateLimitedLogNotifier(logger *slog.Logger, ratePerMinute float64, burst int) *RateLimitedLogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 10
	}
	if burst <= 0 {
		burst = 3
	}
	return &RateLimitedLogNotifier{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(ratePerMinute/60.0), burst),
	}
}

// NotifyEscalation emits the escalation when within the rate budget.
func (n *RateLimitedLogNotifier) NotifyEscalation(ctx context.Context, anomaly *models.Anomaly) {
	if !n.limiter.Allow() {
		n.logger.Warn("escalation notification throttled",
			"anomaly_id", anomaly.ID, "severity", anomaly.Severity)
		return
	}
	n.logger.Error("anomaly escalated",
		"anomaly_id", anomaly.ID,
		"severity", anomaly.Severity,
		"types", anomaly.Types,
		"reasons", anomaly.Reasons,
	)
}
