package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestMessage(t *testing.T, s *SQLiteStore, platform models.Platform, priority models.MessagePriority) string {
	t.Helper()
	id, err := s.EnqueueMessage(NewMessage{
		TenantID:    "tenant1",
		Platform:    platform,
		Kind:        models.MessageKindChat,
		PayloadJSON: `{"channel":"main","text":"hi"}`,
		Priority:    priority,
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("EnqueueMessage failed: %v", err)
	}
	return id
}

// --- Message repo tests ---

func TestClaimDueMessagesPriorityOrder(t *testing.T) {
	s := newTestSQLiteStore(t)

	lowID := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityLow)
	urgentID := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityUrgent)
	normalID := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityNormal)

	claimed, err := s.ClaimDueMessages(time.Now(), 10, []models.Platform{models.PlatformTwitch})
	if err != nil {
		t.Fatalf("ClaimDueMessages failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d messages, want 3", len(claimed))
	}
	wantOrder := []string{urgentID, normalID, lowID}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Errorf("claimed[%d].ID = %s, want %s", i, claimed[i].ID, want)
		}
	}
}

func TestClaimDueMessagesSkipsClaimedAndFuture(t *testing.T) {
	s := newTestSQLiteStore(t)

	dueID := enqueueTestMessage(t, s, models.PlatformDiscord, models.PriorityNormal)
	if _, err := s.EnqueueMessage(NewMessage{
		TenantID:     "tenant1",
		Platform:     models.PlatformDiscord,
		Kind:         models.MessageKindChat,
		PayloadJSON:  `{"channel":"main","text":"later"}`,
		Priority:     models.PriorityUrgent,
		ScheduledFor: time.Now().Add(time.Hour),
		MaxAttempts:  5,
	}); err != nil {
		t.Fatalf("EnqueueMessage failed: %v", err)
	}

	claimed, err := s.ClaimDueMessages(time.Now(), 10, []models.Platform{models.PlatformDiscord})
	if err != nil {
		t.Fatalf("ClaimDueMessages failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != dueID {
		t.Fatalf("claimed = %v, want only the due message %s", claimed, dueID)
	}

	// The claimed message must not be claimable again.
	again, err := s.ClaimDueMessages(time.Now(), 10, []models.Platform{models.PlatformDiscord})
	if err != nil {
		t.Fatalf("ClaimDueMessages (second) failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d messages, want 0", len(again))
	}
}

func TestMessageTransitionGuards(t *testing.T) {
	s := newTestSQLiteStore(t)

	id := enqueueTestMessage(t, s, models.PlatformKick, models.PriorityHigh)
	if err := s.MarkMessageSent(id); err != nil {
		t.Fatalf("MarkMessageSent failed: %v", err)
	}

	// Terminal rows must ignore later transitions.
	if err := s.MarkMessageFailed(id, "boom"); err != nil {
		t.Fatalf("MarkMessageFailed returned error: %v", err)
	}
	if err := s.CancelMessage(id); err != nil {
		t.Fatalf("CancelMessage returned error: %v", err)
	}

	m, err := s.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.Status != models.MessageStatusSent {
		t.Errorf("status = %s, want sent", m.Status)
	}
	if m.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", m.AttemptCount)
	}
}

func TestCancelMessageIgnoresClaimed(t *testing.T) {
	s := newTestSQLiteStore(t)

	id := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityNormal)
	claimed, err := s.ClaimDueMessages(time.Now(), 10, []models.Platform{models.PlatformTwitch})
	if err != nil {
		t.Fatalf("ClaimDueMessages failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("claimed = %v, want [%s]", claimed, id)
	}

	// A claimed message has a send in flight; cancel must not touch it so
	// the send's outcome can still land.
	if err := s.CancelMessage(id); err != nil {
		t.Fatalf("CancelMessage returned error: %v", err)
	}
	m, err := s.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.Status != models.MessageStatusPending {
		t.Fatalf("status = %s, want pending while claimed", m.Status)
	}
	if m.LockedAt == nil {
		t.Error("claim cleared by cancel")
	}

	if err := s.MarkMessageSent(id); err != nil {
		t.Fatalf("MarkMessageSent failed: %v", err)
	}
	m, err = s.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.Status != models.MessageStatusSent {
		t.Errorf("status = %s, want sent outcome applied after cancel attempt", m.Status)
	}

	// An unclaimed pending message still cancels.
	other := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityNormal)
	if err := s.CancelMessage(other); err != nil {
		t.Fatalf("CancelMessage failed: %v", err)
	}
	m, err = s.GetMessage(other)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.Status != models.MessageStatusCancelled {
		t.Errorf("status = %s, want cancelled", m.Status)
	}
}

func TestRetryMessageLaterIncrementsAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)

	id := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityNormal)
	next := time.Now().Add(10 * time.Second)
	if err := s.RetryMessageLater(id, "connection reset", next); err != nil {
		t.Fatalf("RetryMessageLater failed: %v", err)
	}

	m, err := s.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", m.AttemptCount)
	}
	if m.LastError != "connection reset" {
		t.Errorf("last_error = %q, want connection reset", m.LastError)
	}
	if m.LockedAt != nil {
		t.Error("claim not released after retry")
	}
}

func TestRescheduleMessageKeepsAttemptCount(t *testing.T) {
	s := newTestSQLiteStore(t)

	id := enqueueTestMessage(t, s, models.PlatformSpotify, models.PriorityNormal)
	at := time.Now().Add(time.Minute)
	if err := s.RescheduleMessage(id, at); err != nil {
		t.Fatalf("RescheduleMessage failed: %v", err)
	}

	m, err := s.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 after reschedule", m.AttemptCount)
	}
	if m.ScheduledFor.Before(at.Add(-time.Second)) {
		t.Errorf("scheduled_for = %v, want near %v", m.ScheduledFor, at)
	}
}

func TestDropOldestLowPriority(t *testing.T) {
	s := newTestSQLiteStore(t)

	oldLow := enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityLow)
	enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityLow)
	enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityUrgent)

	dropped, err := s.DropOldestLowPriority(models.PlatformTwitch)
	if err != nil {
		t.Fatalf("DropOldestLowPriority failed: %v", err)
	}
	if dropped != oldLow {
		t.Errorf("dropped = %s, want oldest low-priority %s", dropped, oldLow)
	}

	m, err := s.GetMessage(dropped)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m.Status != models.MessageStatusCancelled {
		t.Errorf("dropped message status = %s, want cancelled", m.Status)
	}
}

func TestDropOldestLowPriorityNoCandidate(t *testing.T) {
	s := newTestSQLiteStore(t)

	enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityUrgent)
	if _, err := s.DropOldestLowPriority(models.PlatformTwitch); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("DropOldestLowPriority error = %v, want ErrNotFound", err)
	}
}

func TestRequeueStaleClaimedMessages(t *testing.T) {
	s := newTestSQLiteStore(t)

	enqueueTestMessage(t, s, models.PlatformKick, models.PriorityNormal)
	claimed, err := s.ClaimDueMessages(time.Now(), 10, []models.Platform{models.PlatformKick})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDueMessages = %v, %v", claimed, err)
	}

	n, err := s.RequeueStaleClaimedMessages(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("RequeueStaleClaimedMessages failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d claims, want 1", n)
	}

	again, err := s.ClaimDueMessages(time.Now(), 10, []models.Platform{models.PlatformKick})
	if err != nil {
		t.Fatalf("ClaimDueMessages after requeue failed: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("reclaimed %d messages, want 1", len(again))
	}
}

func TestGetQueueStats(t *testing.T) {
	s := newTestSQLiteStore(t)

	enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityUrgent)
	enqueueTestMessage(t, s, models.PlatformTwitch, models.PriorityNormal)
	sentID := enqueueTestMessage(t, s, models.PlatformKick, models.PriorityNormal)
	if err := s.MarkMessageSent(sentID); err != nil {
		t.Fatalf("MarkMessageSent failed: %v", err)
	}

	stats, err := s.GetQueueStats("tenant1")
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.Pending != 2 {
		t.Errorf("Pending = %d, want 2", stats.Pending)
	}
	if stats.Sent != 1 {
		t.Errorf("Sent = %d, want 1", stats.Sent)
	}
	if stats.PendingByPriority[models.PriorityUrgent] != 1 {
		t.Errorf("PendingByPriority[urgent] = %d, want 1", stats.PendingByPriority[models.PriorityUrgent])
	}
	if stats.PendingByPlatform[models.PlatformTwitch] != 2 {
		t.Errorf("PendingByPlatform[twitch] = %d, want 2", stats.PendingByPlatform[models.PlatformTwitch])
	}
}

// --- Job repo tests ---

func TestClaimDueJobsSingleFlight(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob(NewJob{Type: "test", Name: "once", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	claimed, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("claimed = %v, want job %s", claimed, id)
	}
	if claimed[0].Status != models.JobStatusRunning {
		t.Errorf("claimed status = %s, want running", claimed[0].Status)
	}

	again, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs (second) failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim returned %d jobs, want 0", len(again))
	}
}

func TestEnqueueJobDedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)

	first, err := s.EnqueueJob(NewJob{Type: "sweep", MaxAttempts: 3, DedupeKey: "sweep"})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	second, err := s.EnqueueJob(NewJob{Type: "sweep", MaxAttempts: 3, DedupeKey: "sweep"})
	if err != nil {
		t.Fatalf("EnqueueJob (dup) failed: %v", err)
	}
	if second != first {
		t.Errorf("dedupe returned new job %s, want existing %s", second, first)
	}

	// A terminal job no longer blocks the key.
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if err := s.CompleteJob(first, time.Now()); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	third, err := s.EnqueueJob(NewJob{Type: "sweep", MaxAttempts: 3, DedupeKey: "sweep"})
	if err != nil {
		t.Fatalf("EnqueueJob (after terminal) failed: %v", err)
	}
	if third == first {
		t.Error("dedupe matched a terminal job")
	}
}

func TestRescheduleJobResetsAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob(NewJob{Type: "flush", MaxAttempts: 5, RepeatInterval: time.Minute})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	now := time.Now()
	next := now.Add(time.Minute)
	if err := s.RescheduleJob(id, now, next, "transient failure"); err != nil {
		t.Fatalf("RescheduleJob failed: %v", err)
	}

	j, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", j.Status)
	}
	if j.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0 after reschedule", j.AttemptCount)
	}
	if j.LastRun == nil {
		t.Error("last_run not recorded")
	}
	if j.LastError != "transient failure" {
		t.Errorf("last_error = %q, want transient failure", j.LastError)
	}
}

func TestCancelJobMidFlightIgnoresSettle(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob(NewJob{Type: "test", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if err := s.CancelJob(id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	// Completion of a cancelled job must be a no-op.
	if err := s.CompleteJob(id, time.Now()); err != nil {
		t.Fatalf("CompleteJob returned error: %v", err)
	}
	j, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Status != models.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", j.Status)
	}
}

func TestCancelJobTerminal(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob(NewJob{Type: "test", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if err := s.CompleteJob(id, time.Now()); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	if err := s.CancelJob(id); !errors.Is(err, models.ErrJobNotCancellable) {
		t.Errorf("CancelJob error = %v, want ErrJobNotCancellable", err)
	}
	if err := s.CancelJob("job_missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("CancelJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRequeueStaleRunningJobs(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob(NewJob{Type: "test", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	n, err := s.RequeueStaleRunningJobs(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d jobs, want 1", n)
	}
	j, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if j.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending after requeue", j.Status)
	}
}

func TestDeleteTerminalJobsBefore(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob(NewJob{Type: "test", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(time.Now(), 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if err := s.CompleteJob(id, time.Now()); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	n, err := s.DeleteTerminalJobsBefore(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("DeleteTerminalJobsBefore failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}
	if _, err := s.GetJob(id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetJob after purge error = %v, want ErrNotFound", err)
	}
}
