// Package messaging provides the Twilio-backed platform sender.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// TwilioOpts holds configuration options for the Twilio sender.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioOption defines a configuration option for the Twilio sender.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioSender delivers whisper-kind messages through the Twilio REST API.
// It implements PlatformSender for the twilio platform, translating REST
// failures into the shared taxonomy.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// Compile-time check that TwilioSender implements PlatformSender.
var _ PlatformSender = (*TwilioSender)(nil)

// NewTwilioSender creates a Twilio-backed sender, falling back to the
// TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN / TWILIO_FROM_NUMBER environment
// variables for unset options.
func NewTwilioSender(opts ...TwilioOption) (*TwilioSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, fmt.Errorf("twilio sender requires account SID, auth token, and from number")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("NewTwilioSender: client configured", "from", cfg.From)
	return &TwilioSender{client: client, from: cfg.From}, nil
}

// Send delivers a whisper payload as an SMS message.
func (s *TwilioSender) Send(ctx context.Context, msg models.QueuedMessage) error {
	if models.MessageKind(msg.Kind) != models.MessageKindWhisper {
		return models.NewSendError(models.FailurePermanent,
			fmt.Sprintf("twilio sender cannot deliver kind %q", msg.Kind), nil)
	}

	var p models.WhisperPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return models.NewSendError(models.FailurePermanent, "malformed whisper payload", err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(p.UserID)
	params.SetFrom(s.from)
	params.SetBody(p.Text)

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return classifyTwilioError(err)
	}
	slog.Debug("TwilioSender.Send: message delivered", "id", msg.ID, "to", p.UserID)
	return nil
}

// classifyTwilioError maps a Twilio REST failure onto the failure taxonomy.
func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusTooManyRequests:
			return &models.SendError{
				Kind:       models.FailureRateLimited,
				Detail:     restErr.Message,
				RetryAfter: time.Minute,
				Err:        err,
			}
		case restErr.Status == http.StatusUnauthorized || restErr.Status == http.StatusForbidden:
			return models.NewSendError(models.FailureAuth, restErr.Message, err)
		case restErr.Status >= 500:
			return models.NewSendError(models.FailureTransient, restErr.Message, err)
		default:
			return models.NewSendError(models.FailurePermanent, restErr.Message, err)
		}
	}
	// Network-level failure: no HTTP response at all.
	return models.NewSendError(models.FailureTransient, "twilio request failed", err)
}
