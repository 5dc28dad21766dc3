// Package notify defines the outbound notification boundary. Delivery
// failures are logged by callers and never block or roll back dispatch
// decisions; an unreached locksmith's offer simply expires.
package notify

import (
	"context"
	"errors"
	"log"

	twilio "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"locksmith-dispatch/internal/config"
)

// Notifier sends one message to one destination. It returns the provider's
// message id and the initial delivery status.
type Notifier interface {
	Send(ctx context.Context, to, body, correlationID string) (messageID, status string, err error)
}

// TwilioNotifier sends SMS through the Twilio REST API.
type TwilioNotifier struct {
	client *twilio.RestClient
	from   string
}

func NewTwilio(accountSID, authToken, from string) *TwilioNotifier {
	return &TwilioNotifier{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from: from,
	}
}

func (n *TwilioNotifier) Send(ctx context.Context, to, body, correlationID string) (string, string, error) {
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(n.from)
	params.SetBody(body)

	msg, err := n.client.Api.CreateMessage(params)
	if err != nil {
		return "", "", err
	}
	var sid, status string
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	if msg.Status != nil {
		status = *msg.Status
	}
	return sid, status, nil
}

// LogNotifier is the dev-mode sender: it logs instead of delivering.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, to, body, correlationID string) (string, string, error) {
	log.Printf("[dev sms] to=%s correlation=%s body=%q", to, correlationID, body)
	return "dev-" + correlationID, "dev_mode", nil
}

// FromConfig picks Twilio when credentials are present, the log sender
// otherwise. Production refuses to start without credentials.
func FromConfig(cfg config.Config) (Notifier, error) {
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		if cfg.TwilioFromNumber == "" {
			return nil, errors.New("TWILIO_FROM_NUMBER is required with Twilio credentials")
		}
		return NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber), nil
	}
	if cfg.Env != "dev" {
		return nil, errors.New("twilio credentials are required outside dev")
	}
	return LogNotifier{}, nil
}
