// Package models defines the core data structures for the stream-bot
// platform-resilience layer.
//
// It includes the platform health record, the outbound message queue entry,
// the durable job record, and the credential lifecycle types shared across modules.
package models

import (
	"errors"
	"time"
)

// Platform identifies a third-party service the bot talks to.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
	PlatformDiscord Platform = "discord"
	PlatformSpotify Platform = "spotify"
	PlatformTwilio  Platform = "twilio"
)

// CircuitState represents the circuit breaker state for a platform.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// PlatformHealth is the per-platform circuit breaker and throttle snapshot.
// Records are created lazily on first observed interaction and live for the
// process lifetime. ThrottleUntil and the circuit state are independent axes:
// a platform can be throttled while closed, or open but not throttled.
type PlatformHealth struct {
	Platform            Platform     `json:"platform"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	WindowStart         time.Time    `json:"window_start"`
	OpenUntil           time.Time    `json:"open_until"`
	ThrottleUntil       time.Time    `json:"throttle_until"`
	Trips               int          `json:"trips"`
	LastFailure         string       `json:"last_failure,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// MessagePriority orders outbound messages within a platform queue.
type MessagePriority string

const (
	PriorityUrgent MessagePriority = "urgent"
	PriorityHigh   MessagePriority = "high"
	PriorityNormal MessagePriority = "normal"
	PriorityLow    MessagePriority = "low"
)

// Rank returns the numeric rank of a priority; lower ranks dispatch first.
func (p MessagePriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// IsValidMessagePriority checks if the given priority is supported.
func IsValidMessagePriority(p MessagePriority) bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// MessageStatus represents the lifecycle state of a queued message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusCancelled MessageStatus = "cancelled"
)

// QueuedMessage represents a durable outbound message record.
// attempt_count never exceeds max_attempts while status is pending.
type QueuedMessage struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Platform     Platform        `json:"platform"`
	Kind         string          `json:"kind"`
	PayloadJSON  string          `json:"payload_json"`
	Priority     MessagePriority `json:"priority"`
	Status       MessageStatus   `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JobStatus represents the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents a durable scheduled task record. While status is pending,
// next_run is never earlier than the job's creation time. A job with
// RepeatInterval set reschedules after both success and failure outcomes.
type Job struct {
	ID             string        `json:"id"`
	Type           string        `json:"type"`
	Name           string        `json:"name"`
	PayloadJSON    string        `json:"payload_json"`
	Status         JobStatus     `json:"status"`
	Priority       int           `json:"priority"`
	RunAt          time.Time     `json:"run_at"`
	RepeatInterval time.Duration `json:"repeat_interval,omitempty"`
	AttemptCount   int           `json:"attempt_count"`
	MaxAttempts    int           `json:"max_attempts"`
	LastRun        *time.Time    `json:"last_run,omitempty"`
	NextRun        time.Time     `json:"next_run"`
	LastError      string        `json:"last_error,omitempty"`
	LockedAt       *time.Time    `json:"locked_at,omitempty"`
	DedupeKey      string        `json:"dedupe_key,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TokenHealth classifies a credential's lifecycle state.
type TokenHealth string

const (
	// TokenHealthy means expiry is more than 24 hours out.
	TokenHealthy TokenHealth = "healthy"
	// TokenExpiringSoon means expiry is less than 24 hours out.
	TokenExpiringSoon TokenHealth = "expiring_soon"
	// TokenExpired means past expiry with a refresh credential present;
	// rotation will be retried lazily.
	TokenExpired TokenHealth = "expired"
	// TokenNeedsReauth means no usable refresh credential remains and the
	// tenant must re-authorize externally.
	TokenNeedsReauth TokenHealth = "needs_reauth"
)

// TokenRecord represents a tenant's credential for one platform.
// Access and refresh credentials are opaque to this layer.
type TokenRecord struct {
	TenantID        string     `json:"tenant_id"`
	Platform        Platform   `json:"platform"`
	AccessToken     string     `json:"-"`
	RefreshToken    string     `json:"-"`
	ExpiresAt       time.Time  `json:"expires_at"`
	NeedsReauth     bool       `json:"needs_reauth"`
	RefreshFailures int        `json:"refresh_failures"`
	LastRotatedAt   *time.Time `json:"last_rotated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Health classifies the record relative to now.
func (t *TokenRecord) Health(now time.Time) TokenHealth {
	if t.NeedsReauth {
		return TokenNeedsReauth
	}
	if now.After(t.ExpiresAt) {
		if t.RefreshToken == "" {
			return TokenNeedsReauth
		}
		return TokenExpired
	}
	if t.ExpiresAt.Sub(now) < 24*time.Hour {
		return TokenExpiringSoon
	}
	return TokenHealthy
}

// RotationEntry is one append-only rotation history record.
type RotationEntry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Platform  Platform  `json:"platform"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Rotation outcome values recorded in history entries.
const (
	RotationOutcomeRotated = "rotated"
	RotationOutcomeFailed  = "failed"
)

// AlertSeverity grades a token alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert condition keys. At most one unacknowledged alert exists per
// (tenant, platform, condition) within the dedup cooldown window.
const (
	AlertConditionRefreshFailed = "refresh_failed"
	AlertConditionNeedsReauth   = "needs_reauth"
	AlertConditionExpiringSoon  = "expiring_soon"
)

// TokenAlert is an operator-facing credential alert. Alerts are cleared by
// acknowledgement, never deleted.
type TokenAlert struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Platform     Platform      `json:"platform"`
	Condition    string        `json:"condition"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	Acknowledged bool          `json:"acknowledged"`
	CreatedAt    time.Time     `json:"created_at"`
}

// QueueStats summarizes outbox state, optionally scoped to one tenant.
type QueueStats struct {
	TenantID          string                  `json:"tenant_id,omitempty"`
	Pending           int                     `json:"pending"`
	Sent              int                     `json:"sent"`
	Failed            int                     `json:"failed"`
	Cancelled         int                     `json:"cancelled"`
	PendingByPriority map[MessagePriority]int `json:"pending_by_priority"`
	PendingByPlatform map[Platform]int        `json:"pending_by_platform"`
}

// TokenDashboard summarizes a tenant's credential health for operator UIs.
type TokenDashboard struct {
	TenantID string             `json:"tenant_id"`
	Tokens   []TokenStatusEntry `json:"tokens"`
	Alerts   int                `json:"pending_alerts"`
}

// TokenStatusEntry is one platform row on the token dashboard.
type TokenStatusEntry struct {
	Platform      Platform    `json:"platform"`
	Health        TokenHealth `json:"health"`
	ExpiresAt     time.Time   `json:"expires_at"`
	LastRotatedAt *time.Time  `json:"last_rotated_at,omitempty"`
}

// Error variables for better error handling and testability
var (
	ErrEmptyTenant        = errors.New("tenant id cannot be empty")
	ErrEmptyPlatform      = errors.New("platform cannot be empty")
	ErrInvalidPriority    = errors.New("invalid message priority")
	ErrNotFound           = errors.New("record not found")
	ErrConflict           = errors.New("record was modified concurrently")
	ErrRotationInFlight   = errors.New("token rotation already in flight")
	ErrNoRefreshToken     = errors.New("no refresh credential available")
	ErrJobNotCancellable  = errors.New("job is already terminal")
	ErrUnknownPayloadType = errors.New("unknown payload type")
)
