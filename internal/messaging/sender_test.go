package messaging

import (
	"context"
	"errors"
	"testing"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Sender(models.PlatformTwitch); err == nil {
		t.Error("Sender succeeded on empty registry")
	}

	var called bool
	r.Register(models.PlatformTwitch, SenderFunc(func(ctx context.Context, msg models.QueuedMessage) error {
		called = true
		return nil
	}))

	s, err := r.Sender(models.PlatformTwitch)
	if err != nil {
		t.Fatalf("Sender failed: %v", err)
	}
	if err := s.Send(context.Background(), models.QueuedMessage{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !called {
		t.Error("registered sender not invoked")
	}

	platforms := r.Platforms()
	if len(platforms) != 1 || platforms[0] != models.PlatformTwitch {
		t.Errorf("Platforms() = %v, want [twitch]", platforms)
	}
}

func TestClassifyTwilioError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{"rate limit", &twilioclient.TwilioRestError{Status: 429, Message: "too many requests"}, models.FailureRateLimited},
		{"unauthorized", &twilioclient.TwilioRestError{Status: 401, Message: "bad credentials"}, models.FailureAuth},
		{"forbidden", &twilioclient.TwilioRestError{Status: 403, Message: "suspended"}, models.FailureAuth},
		{"server error", &twilioclient.TwilioRestError{Status: 503, Message: "unavailable"}, models.FailureTransient},
		{"bad request", &twilioclient.TwilioRestError{Status: 400, Message: "invalid number"}, models.FailurePermanent},
		{"network failure", errors.New("dial tcp: connection refused"), models.FailureTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := models.ClassifyFailure(classifyTwilioError(tc.err)); got != tc.want {
				t.Errorf("classification = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassifyTwilioRateLimitCarriesHint(t *testing.T) {
	err := classifyTwilioError(&twilioclient.TwilioRestError{Status: 429, Message: "too many requests"})
	if d, ok := models.RetryAfterHint(err); !ok || d <= 0 {
		t.Errorf("RetryAfterHint() = %v, %v, want a positive hint", d, ok)
	}
}
