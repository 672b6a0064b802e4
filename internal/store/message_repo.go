// Package store provides the MessageRepo interface for the durable outbound
// message queue.
package store

import (
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// NewMessage is the validated input for enqueueing an outbound message.
type NewMessage struct {
	TenantID     string
	Platform     models.Platform
	Kind         models.MessageKind
	PayloadJSON  string
	Priority     models.MessagePriority
	ScheduledFor time.Time
	MaxAttempts  int
}

// MessageRepo defines the interface for durable outbound message persistence.
// Every lifecycle transition is a single conditional update guarded by the
// expected prior state, so two control loops racing on the same row can never
// produce a lost update.
type MessageRepo interface {
	// EnqueueMessage inserts a new pending message and returns its ID.
	EnqueueMessage(m NewMessage) (string, error)

	// GetMessage retrieves a single message by ID.
	GetMessage(id string) (*models.QueuedMessage, error)

	// ListPendingPlatforms returns the distinct platforms that have at least
	// one unclaimed pending message due at or before now.
	ListPendingPlatforms(now time.Time) ([]models.Platform, error)

	// ClaimDueMessages claims up to limit unclaimed pending messages due at
	// or before now, restricted to the given platforms, in priority order
	// (urgent first) and enqueue order within equal priority. Claimed
	// messages get locked_at set; a message whose claim races another loop
	// is skipped.
	ClaimDueMessages(now time.Time, limit int, platforms []models.Platform) ([]models.QueuedMessage, error)

	// MarkMessageSent transitions a pending message to sent.
	MarkMessageSent(id string) error

	// RetryMessageLater records a failed attempt: increments attempt_count,
	// stores the error, reschedules at nextAttempt, and releases the claim.
	RetryMessageLater(id string, errMsg string, nextAttempt time.Time) error

	// MarkMessageFailed transitions a pending message to terminal failed.
	// The status guard makes the transition happen exactly once.
	MarkMessageFailed(id string, errMsg string) error

	// RescheduleMessage moves a pending message's scheduled_for without
	// touching attempt_count and releases the claim. Used for throttled
	// platforms where the attempt never reached the wire.
	RescheduleMessage(id string, at time.Time) error

	// ReleaseMessage clears the claim on a pending message, leaving it due.
	ReleaseMessage(id string) error

	// CancelMessage transitions an unclaimed pending message to cancelled.
	// A message already claimed by the dispatcher is left alone so the
	// in-flight send's outcome can still be applied.
	CancelMessage(id string) error

	// CountPendingMessages returns the pending depth for one platform.
	CountPendingMessages(platform models.Platform) (int, error)

	// DropOldestLowPriority cancels the oldest unclaimed low-priority pending
	// message for the platform and returns its ID, or models.ErrNotFound if
	// no low-priority candidate exists.
	DropOldestLowPriority(platform models.Platform) (string, error)

	// GetQueueStats aggregates queue counters, optionally scoped to a tenant
	// (empty tenantID means all tenants).
	GetQueueStats(tenantID string) (models.QueueStats, error)

	// RequeueStaleClaimedMessages releases claims held since before
	// staleBefore (crash recovery). Should be called once at startup.
	RequeueStaleClaimedMessages(staleBefore time.Time) (int, error)

	// DeleteTerminalMessagesBefore reclaims terminal rows older than cutoff.
	DeleteTerminalMessagesBefore(cutoff time.Time) (int, error)
}
