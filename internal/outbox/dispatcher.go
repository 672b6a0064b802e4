package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/messaging"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/notify"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/store"
)

// HealthGate is the slice of the platform health monitor the dispatcher
// consults and feeds.
type HealthGate interface {
	CanMakeRequest(p models.Platform) bool
	IsThrottled(p models.Platform) bool
	ThrottledUntil(p models.Platform) time.Time
	RecordSuccess(p models.Platform)
	RecordFailure(p models.Platform, kind models.FailureKind)
	RecordRateLimit(p models.Platform, retryAfter time.Duration)
}

// TokenGate suspends dispatch for tenants whose platform credential is
// expired or needs re-authorization.
type TokenGate interface {
	IsUsable(tenantID string, platform models.Platform) bool
	HandleAuthFailure(ctx context.Context, tenantID string, platform models.Platform)
}

// DispatchConfig holds dispatcher tuning knobs.
type DispatchConfig struct {
	ClaimLimit     int
	SendTimeout    time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	StaleThreshold time.Duration
	// StoreErrorBudget is the number of consecutive failed flushes tolerated
	// before an operational alert fires.
	StoreErrorBudget int
}

// DefaultDispatchConfig returns the production defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		ClaimLimit:       20,
		SendTimeout:      10 * time.Second,
		BaseBackoff:      10 * time.Second,
		MaxBackoff:       15 * time.Minute,
		StaleThreshold:   5 * time.Minute,
		StoreErrorBudget: 10,
	}
}

// Dispatcher drains due pending messages. It claims in strict priority
// order per platform, skips platforms the circuit breaker or throttle has
// gated, skips tenants without usable credentials, and applies the send
// outcome taxonomy to each attempt.
type Dispatcher struct {
	repo     store.MessageRepo
	health   HealthGate
	tokens   TokenGate
	senders  *messaging.Registry
	notifier notify.Notifier
	cfg      DispatchConfig

	flushErrors int
}

// NewDispatcher creates a Dispatcher. tokens may be nil when no credential
// gating is wanted.
func NewDispatcher(repo store.MessageRepo, health HealthGate, tokens TokenGate, senders *messaging.Registry, notifier notify.Notifier, cfg DispatchConfig) *Dispatcher {
	if cfg.ClaimLimit <= 0 {
		cfg = DefaultDispatchConfig()
	}
	return &Dispatcher{
		repo:     repo,
		health:   health,
		tokens:   tokens,
		senders:  senders,
		notifier: notifier,
		cfg:      cfg,
	}
}

// RecoverStaleClaims releases message claims held by a crashed process.
// Should be called once at startup.
func (d *Dispatcher) RecoverStaleClaims() error {
	staleBefore := time.Now().Add(-d.cfg.StaleThreshold)
	n, err := d.repo.RequeueStaleClaimedMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Dispatcher.RecoverStaleClaims: released stale claims", "count", n)
	}
	return nil
}

// Flush claims and sends all currently due messages on dispatchable
// platforms. Intended to run as a recurring scheduler job.
func (d *Dispatcher) Flush(ctx context.Context) error {
	now := time.Now()
	platforms, err := d.repo.ListPendingPlatforms(now)
	if err != nil {
		d.flushErrors++
		if d.flushErrors == d.cfg.StoreErrorBudget && d.notifier != nil {
			d.notifier.OperationalAlert("outbox", fmt.Sprintf("message claim failing persistently: %v", err))
		}
		return fmt.Errorf("failed to list pending platforms: %w", err)
	}
	d.flushErrors = 0

	// The throttle filter here is only an optimization; CanMakeRequest is
	// deferred to the per-message loop so the single half-open probe slot is
	// consumed only for a message actually claimed and in hand.
	open := platforms[:0]
	for _, p := range platforms {
		if d.health.IsThrottled(p) {
			slog.Debug("Dispatcher.Flush: throttled, skipping platform", "platform", p)
			continue
		}
		open = append(open, p)
	}
	if len(open) == 0 {
		return nil
	}

	msgs, err := d.repo.ClaimDueMessages(now, d.cfg.ClaimLimit, open)
	if err != nil {
		return fmt.Errorf("failed to claim due messages: %w", err)
	}

	// A half-open circuit admits one probe; a trip mid-batch gates the rest.
	skipped := make(map[models.Platform]bool)
	for i := range msgs {
		msg := &msgs[i]
		if skipped[msg.Platform] {
			d.release(msg.ID)
			continue
		}
		if !d.health.CanMakeRequest(msg.Platform) || d.health.IsThrottled(msg.Platform) {
			skipped[msg.Platform] = true
			d.release(msg.ID)
			continue
		}
		d.dispatch(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) release(id string) {
	if err := d.repo.ReleaseMessage(id); err != nil {
		slog.Error("Dispatcher.release: release failed", "id", id, "error", err)
	}
}

// dispatch sends one claimed message and settles its outcome.
func (d *Dispatcher) dispatch(ctx context.Context, msg *models.QueuedMessage) {
	if d.tokens != nil && !d.tokens.IsUsable(msg.TenantID, msg.Platform) {
		// Credential gate: the message stays pending with no attempt burned
		// until the token manager restores a usable credential.
		slog.Debug("Dispatcher.dispatch: credential unusable, holding message", "id", msg.ID, "tenantID", msg.TenantID, "platform", msg.Platform)
		d.release(msg.ID)
		return
	}

	sender, err := d.senders.Sender(msg.Platform)
	if err != nil {
		d.settle(ctx, msg, models.NewSendError(models.FailurePermanent, "no sender registered", err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err = sender.Send(sendCtx, *msg)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		err = models.NewSendError(models.FailureTransient, "send timed out", err)
	}
	d.settle(ctx, msg, err)
}

// settle applies one send outcome. All transitions are conditional updates
// guarded on status pending, so a concurrent cancel wins cleanly.
func (d *Dispatcher) settle(ctx context.Context, msg *models.QueuedMessage, sendErr error) {
	if sendErr == nil {
		if err := d.repo.MarkMessageSent(msg.ID); err != nil {
			slog.Error("Dispatcher.settle: mark sent failed", "id", msg.ID, "error", err)
		}
		d.health.RecordSuccess(msg.Platform)
		slog.Debug("Dispatcher.settle: sent", "id", msg.ID, "platform", msg.Platform)
		return
	}

	kind := models.ClassifyFailure(sendErr)
	switch kind {
	case models.FailureRateLimited:
		retryAfter, ok := models.RetryAfterHint(sendErr)
		if !ok {
			retryAfter = 0
		}
		d.health.RecordRateLimit(msg.Platform, retryAfter)
		// The attempt never reached the wire as far as the budget is
		// concerned; reschedule to throttle expiry without incrementing.
		at := d.health.ThrottledUntil(msg.Platform)
		if at.IsZero() {
			at = time.Now().Add(time.Minute)
		}
		slog.Warn("Dispatcher.settle: rate limited", "id", msg.ID, "platform", msg.Platform, "rescheduledFor", at)
		if err := d.repo.RescheduleMessage(msg.ID, at); err != nil {
			slog.Error("Dispatcher.settle: reschedule failed", "id", msg.ID, "error", err)
		}

	case models.FailureAuth:
		slog.Warn("Dispatcher.settle: auth failure, suspending tenant dispatch", "id", msg.ID, "tenantID", msg.TenantID, "platform", msg.Platform, "error", sendErr)
		d.release(msg.ID)
		if d.tokens != nil {
			d.tokens.HandleAuthFailure(ctx, msg.TenantID, msg.Platform)
		}

	case models.FailurePermanent:
		slog.Error("Dispatcher.settle: permanent failure", "id", msg.ID, "platform", msg.Platform, "error", sendErr)
		if err := d.repo.MarkMessageFailed(msg.ID, sendErr.Error()); err != nil {
			slog.Error("Dispatcher.settle: mark failed error", "id", msg.ID, "error", err)
		}
		d.notifyFailed(msg, sendErr)

	default: // transient
		d.health.RecordFailure(msg.Platform, models.FailureTransient)
		if msg.AttemptCount+1 >= msg.MaxAttempts {
			slog.Error("Dispatcher.settle: attempts exhausted", "id", msg.ID, "platform", msg.Platform, "attempts", msg.AttemptCount+1, "error", sendErr)
			if err := d.repo.MarkMessageFailed(msg.ID, sendErr.Error()); err != nil {
				slog.Error("Dispatcher.settle: mark failed error", "id", msg.ID, "error", err)
			}
			d.notifyFailed(msg, sendErr)
			return
		}
		nextAttempt := time.Now().Add(d.backoff(msg.AttemptCount))
		slog.Warn("Dispatcher.settle: transient failure, retrying", "id", msg.ID, "platform", msg.Platform, "attempt", msg.AttemptCount+1, "nextAttempt", nextAttempt, "error", sendErr)
		if err := d.repo.RetryMessageLater(msg.ID, sendErr.Error(), nextAttempt); err != nil {
			slog.Error("Dispatcher.settle: retry failed", "id", msg.ID, "error", err)
		}
	}
}

func (d *Dispatcher) notifyFailed(msg *models.QueuedMessage, sendErr error) {
	if d.notifier == nil {
		return
	}
	failed := *msg
	failed.Status = models.MessageStatusFailed
	failed.AttemptCount++
	failed.LastError = sendErr.Error()
	d.notifier.MessageFailed(failed)
}

// backoff computes the retry delay for the given completed attempt count.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseBackoff << attempt
	if delay > d.cfg.MaxBackoff || delay <= 0 {
		delay = d.cfg.MaxBackoff
	}
	return delay
}
