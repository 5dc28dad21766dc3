package payments

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"locksmith-dispatch/internal/inbound"
	"locksmith-dispatch/internal/models"
)

// ErrBadSignature means the webhook payload failed signature verification.
var ErrBadSignature = errors.New("invalid webhook signature")

// Client wraps the payment provider API for deposit intents, confirmation
// checks, and refunds.
type Client struct {
	api           *client.API
	webhookSecret string
}

func New(apiKey, webhookSecret string) *Client {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Client{api: api, webhookSecret: webhookSecret}
}

// ParseWebhook verifies the signature header against the raw payload and
// normalizes the event for the gateway. Version mismatch between our pinned
// SDK and the account's API version is tolerated; a bad signature is not.
func (c *Client) ParseWebhook(payload []byte, sigHeader string) (inbound.PaymentEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return inbound.PaymentEvent{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	out := inbound.PaymentEvent{ID: ev.ID, Type: string(ev.Type)}
	obj := ev.Data.Object
	switch string(ev.Type) {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		out.IntentID, _ = obj["id"].(string)
		if meta, ok := obj["metadata"].(map[string]interface{}); ok {
			out.SessionID, _ = meta["session_id"].(string)
		}
	case "refund.created":
		out.RefundID, _ = obj["id"].(string)
		out.IntentID, _ = obj["payment_intent"].(string)
	case "charge.dispute.created":
		out.IntentID, _ = obj["payment_intent"].(string)
	}
	return out, nil
}

// CreateDepositIntent opens a payment intent for a session's deposit and
// returns its id and client secret. The session id rides along as metadata
// so a webhook can find the session even if the intent id was never stored.
func (c *Client) CreateDepositIntent(ctx context.Context, session models.RequestSession) (intentID, clientSecret string, err error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(session.DepositCents)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	params.AddMetadata("session_id", session.ID)

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create payment intent: %w", err)
	}
	return intent.ID, intent.ClientSecret, nil
}

// ConfirmIntent reports whether the intent has reached succeeded. Used by
// the promotion gate when a completion request races ahead of the webhook.
func (c *Client) ConfirmIntent(ctx context.Context, intentID string) (bool, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := c.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return false, fmt.Errorf("get payment intent: %w", err)
	}
	return intent.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// InitiateRefund refunds a failed job's deposit in full.
func (c *Client) InitiateRefund(ctx context.Context, job models.Job) error {
	if job.PaymentIntentID == nil {
		log.Printf("job %s has no payment intent, skipping refund", job.ID)
		return nil
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(*job.PaymentIntentID),
	}
	params.Context = ctx
	params.AddMetadata("job_id", job.ID)

	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	log.Printf("refund %s initiated for job %s", refund.ID, job.ID)
	return nil
}
