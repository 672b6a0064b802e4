// Package notify defines the notification sink for operator-facing events.
//
// The resilience layer emits events here; the dashboard and alerting surfaces
// consume them outside this subsystem.
package notify

import (
	"log/slog"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// Notifier receives operator-facing events from the resilience layer.
type Notifier interface {
	// MessageDropped fires when the depth cap evicts a pending message.
	MessageDropped(msg models.QueuedMessage, reason string)

	// MessageFailed fires when a message exhausts its retry budget.
	MessageFailed(msg models.QueuedMessage)

	// QueueCapExceeded fires when a platform queue exceeds its depth cap
	// with no low-priority eviction candidate.
	QueueCapExceeded(platform models.Platform, depth, cap int)

	// TokenAlertRaised fires when the token manager creates a new alert.
	TokenAlertRaised(alert models.TokenAlert)

	// OperationalAlert fires when a control loop's store errors persist
	// past its retry budget.
	OperationalAlert(component, detail string)
}

// LogNotifier is the default Notifier, writing structured log lines. The
// operator dashboard tails these in development deployments.
type LogNotifier struct{}

// Compile-time check that LogNotifier implements Notifier.
var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) MessageDropped(msg models.QueuedMessage, reason string) {
	slog.Warn("LogNotifier.MessageDropped", "id", msg.ID, "tenantID", msg.TenantID, "platform", msg.Platform, "priority", msg.Priority, "reason", reason)
}

func (n *LogNotifier) MessageFailed(msg models.QueuedMessage) {
	slog.Warn("LogNotifier.MessageFailed", "id", msg.ID, "tenantID", msg.TenantID, "platform", msg.Platform, "attempts", msg.AttemptCount, "lastError", msg.LastError)
}

func (n *LogNotifier) QueueCapExceeded(platform models.Platform, depth, cap int) {
	slog.Error("LogNotifier.QueueCapExceeded", "platform", platform, "depth", depth, "cap", cap)
}

func (n *LogNotifier) TokenAlertRaised(alert models.TokenAlert) {
	slog.Warn("LogNotifier.TokenAlertRaised", "id", alert.ID, "tenantID", alert.TenantID, "platform", alert.Platform, "condition", alert.Condition, "severity", alert.Severity)
}

func (n *LogNotifier) OperationalAlert(component, detail string) {
	slog.Error("LogNotifier.OperationalAlert", "component", component, "detail", detail)
}
