// Package outbox implements the durable outbound message queue: validated
// enqueue with per-platform depth caps, and a dispatcher that drains due
// messages in priority order while honoring circuit breaker, throttle, and
// credential gates.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/notify"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

// Config holds outbox tuning knobs.
type Config struct {
	// DepthCap is the per-platform pending-message ceiling.
	DepthCap int
	// DefaultMaxAttempts applies when an enqueue request does not set one.
	DefaultMaxAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DepthCap:           500,
		DefaultMaxAttempts: 5,
	}
}

// EnqueueRequest is the input for queueing an outbound message.
type EnqueueRequest struct {
	TenantID     string
	Platform     models.Platform
	Kind         models.MessageKind
	Payload      json.RawMessage
	Priority     models.MessagePriority
	ScheduledFor time.Time
	MaxAttempts  int
}

// Outbox is the enqueue-side API over the durable message queue.
type Outbox struct {
	repo     store.MessageRepo
	notifier notify.Notifier
	cfg      Config
}

// New creates an Outbox.
func New(repo store.MessageRepo, notifier notify.Notifier, cfg Config) *Outbox {
	if cfg.DepthCap <= 0 {
		cfg = DefaultConfig()
	}
	return &Outbox{repo: repo, notifier: notifier, cfg: cfg}
}

// Enqueue validates and persists an outbound message, returning its ID.
// When the platform queue is at its depth cap, the oldest unclaimed
// low-priority message is cancelled to make room; if none exists the cap
// is temporarily exceeded and an operator alert fires. New work is never
// rejected for capacity.
func (o *Outbox) Enqueue(req EnqueueRequest) (string, error) {
	if req.TenantID == "" {
		return "", models.ErrEmptyTenant
	}
	if req.Platform == "" {
		return "", models.ErrEmptyPlatform
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.IsValidMessagePriority(req.Priority) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidPriority, req.Priority)
	}
	if err := models.ValidateMessagePayload(req.Kind, req.Payload); err != nil {
		return "", err
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = o.cfg.DefaultMaxAttempts
	}

	if err := o.reserveCapacity(req.Platform); err != nil {
		return "", err
	}

	id, err := o.repo.EnqueueMessage(store.NewMessage{
		TenantID:     req.TenantID,
		Platform:     req.Platform,
		Kind:         req.Kind,
		PayloadJSON:  string(req.Payload),
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		MaxAttempts:  req.MaxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	slog.Debug("Outbox.Enqueue: queued", "id", id, "tenantID", req.TenantID, "platform", req.Platform, "kind", req.Kind, "priority", req.Priority)
	return id, nil
}

// reserveCapacity enforces the per-platform depth cap before an insert.
func (o *Outbox) reserveCapacity(p models.Platform) error {
	depth, err := o.repo.CountPendingMessages(p)
	if err != nil {
		return fmt.Errorf("failed to check queue depth: %w", err)
	}
	if depth < o.cfg.DepthCap {
		return nil
	}

	droppedID, err := o.repo.DropOldestLowPriority(p)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Nothing droppable: the cap is temporarily exceeded rather
			// than losing the new message.
			slog.Error("Outbox.reserveCapacity: queue over cap, nothing droppable", "platform", p, "depth", depth, "cap", o.cfg.DepthCap)
			if o.notifier != nil {
				o.notifier.QueueCapExceeded(p, depth, o.cfg.DepthCap)
			}
			return nil
		}
		return fmt.Errorf("failed to drop low-priority message: %w", err)
	}

	slog.Warn("Outbox.reserveCapacity: dropped low-priority message for capacity", "platform", p, "droppedID", droppedID)
	if o.notifier != nil {
		if dropped, getErr := o.repo.GetMessage(droppedID); getErr == nil {
			o.notifier.MessageDropped(*dropped, "queue depth cap")
		}
	}
	return nil
}

// Cancel cancels a pending message. Messages already claimed by the
// dispatcher or in a terminal state are not affected.
func (o *Outbox) Cancel(id string) error {
	return o.repo.CancelMessage(id)
}

// GetMessage returns one queued message.
func (o *Outbox) GetMessage(id string) (*models.QueuedMessage, error) {
	return o.repo.GetMessage(id)
}

// GetQueueStats aggregates queue counters, optionally scoped to a tenant.
func (o *Outbox) GetQueueStats(tenantID string) (models.QueueStats, error) {
	return o.repo.GetQueueStats(tenantID)
}
