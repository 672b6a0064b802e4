package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTokenRecordHealth(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		rec  TokenRecord
		want TokenHealth
	}{
		{"far future expiry", TokenRecord{RefreshToken: "r", ExpiresAt: now.Add(48 * time.Hour)}, TokenHealthy},
		{"inside 24h", TokenRecord{RefreshToken: "r", ExpiresAt: now.Add(23 * time.Hour)}, TokenExpiringSoon},
		{"expired with refresh", TokenRecord{RefreshToken: "r", ExpiresAt: now.Add(-time.Minute)}, TokenExpired},
		{"expired without refresh", TokenRecord{ExpiresAt: now.Add(-time.Minute)}, TokenNeedsReauth},
		{"flagged overrides expiry", TokenRecord{RefreshToken: "r", NeedsReauth: true, ExpiresAt: now.Add(48 * time.Hour)}, TokenNeedsReauth},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.Health(now); got != tc.want {
				t.Errorf("Health() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	order := []MessagePriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("Rank(%s) = %d not below Rank(%s) = %d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
	if MessagePriority("bogus").Rank() <= PriorityLow.Rank() {
		t.Error("unknown priority ranks at or above low")
	}
	if IsValidMessagePriority("bogus") {
		t.Error("IsValidMessagePriority accepted unknown priority")
	}
}

func TestValidateMessagePayload(t *testing.T) {
	cases := []struct {
		name    string
		kind    MessageKind
		payload string
		wantErr bool
	}{
		{"valid chat", MessageKindChat, `{"channel":"main","text":"hi"}`, false},
		{"chat missing text", MessageKindChat, `{"channel":"main"}`, true},
		{"valid announcement", MessageKindAnnouncement, `{"channel":"main","text":"going live"}`, false},
		{"valid song reply", MessageKindSongReply, `{"channel":"main","request_id":"42","track":"song"}`, false},
		{"song reply missing track", MessageKindSongReply, `{"channel":"main","request_id":"42"}`, true},
		{"valid whisper", MessageKindWhisper, `{"user_id":"u1","text":"psst"}`, false},
		{"whisper missing user", MessageKindWhisper, `{"text":"psst"}`, true},
		{"malformed json", MessageKindChat, `{"channel":`, true},
		{"empty payload", MessageKindChat, ``, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMessagePayload(tc.kind, json.RawMessage(tc.payload))
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateMessagePayload() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		err := ValidateMessagePayload("carrier_pigeon", json.RawMessage(`{}`))
		if !errors.Is(err, ErrUnknownPayloadType) {
			t.Errorf("error = %v, want ErrUnknownPayloadType", err)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		big := fmt.Sprintf(`{"channel":"main","text":"%s"}`, strings.Repeat("a", MaxPayloadBytes))
		if err := ValidateMessagePayload(MessageKindChat, json.RawMessage(big)); err == nil {
			t.Error("oversized payload accepted")
		}
	})
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"classified auth", NewSendError(FailureAuth, "401", nil), FailureAuth},
		{"wrapped classification", fmt.Errorf("send: %w", NewSendError(FailureRateLimited, "429", nil)), FailureRateLimited},
		{"deadline", context.DeadlineExceeded, FailureTransient},
		{"plain error", errors.New("connection reset"), FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyFailure(tc.err); got != tc.want {
				t.Errorf("ClassifyFailure() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	se := &SendError{Kind: FailureRateLimited, RetryAfter: 30 * time.Second}
	if d, ok := RetryAfterHint(fmt.Errorf("send: %w", se)); !ok || d != 30*time.Second {
		t.Errorf("RetryAfterHint() = %v, %v, want 30s, true", d, ok)
	}
	if _, ok := RetryAfterHint(NewSendError(FailureRateLimited, "no hint", nil)); ok {
		t.Error("RetryAfterHint reported a hint where none was set")
	}
	if _, ok := RetryAfterHint(errors.New("plain")); ok {
		t.Error("RetryAfterHint reported a hint for unclassified error")
	}
}
