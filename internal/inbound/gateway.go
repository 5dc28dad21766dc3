package inbound

import (
	"context"
	"errors"
	"fmt"
	"log"

	"locksmith-dispatch/internal/dispatch"
	"locksmith-dispatch/internal/models"
	"locksmith-dispatch/internal/store"
	"locksmith-dispatch/internal/telemetry"
)

// ErrEventInFlight means another delivery of the same event is still being
// processed. Callers should answer with a retryable status.
var ErrEventInFlight = errors.New("event already in flight")

// Store is the persistence surface the gateway needs.
type Store interface {
	ClaimEvent(ctx context.Context, provider, eventID string, jobID *string) (store.EventClaim, error)
	ResolveEvent(ctx context.Context, provider, eventID, outcome string) error
	LocksmithByPhone(ctx context.Context, phone string) (models.Locksmith, bool, error)
	PendingOfferForLocksmith(ctx context.Context, locksmithID string) (models.Offer, bool, error)
	TransitionOffer(ctx context.Context, offerID string, to models.OfferStatus) (models.Offer, error)
	SetLocksmithAvailability(ctx context.Context, locksmithID string, available bool) error
	SetLocksmithActive(ctx context.Context, locksmithID string, active bool) error
	GetSession(ctx context.Context, sessionID string) (models.RequestSession, error)
	SessionByPaymentIntent(ctx context.Context, intentID string) (models.RequestSession, bool, error)
	SetSessionPaymentIntent(ctx context.Context, sessionID, intentID string) error
	SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	JobByPaymentIntent(ctx context.Context, intentID string) (models.Job, bool, error)
	SetPaymentStatus(ctx context.Context, jobID, paymentStatus string) error
	SetRefund(ctx context.Context, jobID, refundID string) error
	AppendAudit(ctx context.Context, entityType, entityID, event, detail string) error
}

// Assigner resolves an accept against the single-assignment arbiter.
type Assigner interface {
	TryAssign(ctx context.Context, jobID, offerID, locksmithID string, quotedCents int) (dispatch.AssignOutcome, error)
}

// WaveAdvancer is notified when an open offer resolves without an assignment.
type WaveAdvancer interface {
	OnOfferResolved(ctx context.Context, jobID string) error
}

// Promoter turns a paid session into a dispatchable job.
type Promoter interface {
	Complete(ctx context.Context, sessionID string) (models.Job, bool, error)
}

// SMSEvent is a verified, provider-normalized inbound text message.
type SMSEvent struct {
	MessageID string
	From      string
	Body      string
}

// PaymentEvent is a verified, provider-normalized payment webhook event.
type PaymentEvent struct {
	ID        string
	Type      string
	IntentID  string
	RefundID  string
	SessionID string
}

// Gateway deduplicates verified provider events and routes them to the
// dispatch engine. Every event is claimed before any side effect runs and
// resolved with its reply afterward, so a redelivery returns the recorded
// reply instead of reprocessing.
type Gateway struct {
	store    Store
	arbiter  Assigner
	orch     WaveAdvancer
	promoter Promoter
}

func NewGateway(st Store, arbiter Assigner, orch WaveAdvancer, promoter Promoter) *Gateway {
	return &Gateway{store: st, arbiter: arbiter, orch: orch, promoter: promoter}
}

const (
	replyUnknownSender = "This number isn't registered with dispatch. Contact support if that seems wrong."
	replyNoPendingJob  = "No pending job offer right now."
	replyOfferClosed   = "That offer is no longer open."
	replyAssigned      = "You got the job. Details are on the way."
	replyTaken         = "Sorry, that job was already taken."
	replyNoPrice       = "Include your price to accept, e.g. Y 85"
	replyDeclined      = "Declined. You'll stay in the rotation for the next job."
	replyAvailable     = "You're available for new job offers."
	replyUnavailable   = "Offers paused. Reply AVAILABLE to resume."
	replyStopped       = "You've been removed from dispatch. Contact support to reactivate."
	replyHelp          = "Reply Y <price> to accept, N to decline, AVAILABLE or UNAVAILABLE to set your status, STOP to opt out."
	replyUnknownCmd    = "Didn't catch that. Reply Y <price>, N, AVAILABLE, UNAVAILABLE, or HELP."
)

// HandleSMS processes one inbound text and returns the reply to send back.
// A replayed message id returns the originally recorded reply.
func (g *Gateway) HandleSMS(ctx context.Context, ev SMSEvent) (string, error) {
	claim, err := g.store.ClaimEvent(ctx, "twilio", ev.MessageID, nil)
	if err != nil {
		return "", fmt.Errorf("claim sms event: %w", err)
	}
	if !claim.Fresh {
		telemetry.WebhookDuplicates.Inc()
		if claim.Outcome != nil {
			return *claim.Outcome, nil
		}
		return "", ErrEventInFlight
	}

	reply, err := g.routeSMS(ctx, ev)
	if err != nil {
		// Leave the claim unresolved; the provider retry (or the stale
		// claim reaper) gets another attempt.
		return "", err
	}
	if err := g.store.ResolveEvent(ctx, "twilio", ev.MessageID, reply); err != nil {
		return "", fmt.Errorf("resolve sms event: %w", err)
	}
	return reply, nil
}

func (g *Gateway) routeSMS(ctx context.Context, ev SMSEvent) (string, error) {
	locksmith, found, err := g.store.LocksmithByPhone(ctx, ev.From)
	if err != nil {
		return "", err
	}
	if !found {
		g.audit(ctx, "inbound_event", ev.MessageID, "sms_unknown_sender", ev.From)
		return replyUnknownSender, nil
	}

	cmd := ParseCommand(ev.Body)
	switch cmd.Kind {
	case CmdAccept:
		return g.handleAccept(ctx, locksmith, cmd.QuotedCents)
	case CmdAcceptNoPrice:
		return replyNoPrice, nil
	case CmdDecline:
		return g.handleDecline(ctx, locksmith)
	case CmdAvailable:
		if err := g.store.SetLocksmithAvailability(ctx, locksmith.ID, true); err != nil {
			return "", err
		}
		return replyAvailable, nil
	case CmdUnavailable:
		if err := g.store.SetLocksmithAvailability(ctx, locksmith.ID, false); err != nil {
			return "", err
		}
		return replyUnavailable, nil
	case CmdStop:
		if err := g.store.SetLocksmithActive(ctx, locksmith.ID, false); err != nil {
			return "", err
		}
		g.audit(ctx, "locksmith", locksmith.ID, "opted_out", "")
		return replyStopped, nil
	case CmdHelp:
		return replyHelp, nil
	default:
		return replyUnknownCmd, nil
	}
}

func (g *Gateway) handleAccept(ctx context.Context, locksmith models.Locksmith, quotedCents int) (string, error) {
	offer, found, err := g.store.PendingOfferForLocksmith(ctx, locksmith.ID)
	if err != nil {
		return "", err
	}
	if !found {
		return replyNoPendingJob, nil
	}

	outcome, err := g.arbiter.TryAssign(ctx, offer.JobID, offer.ID, locksmith.ID, quotedCents)
	if err != nil {
		return "", err
	}
	switch outcome {
	case dispatch.Assigned:
		return replyAssigned, nil
	default:
		return replyTaken, nil
	}
}

func (g *Gateway) handleDecline(ctx context.Context, locksmith models.Locksmith) (string, error) {
	offer, found, err := g.store.PendingOfferForLocksmith(ctx, locksmith.ID)
	if err != nil {
		return "", err
	}
	if !found {
		return replyNoPendingJob, nil
	}

	if _, err := g.store.TransitionOffer(ctx, offer.ID, models.OfferDeclined); err != nil {
		var illegal *models.ErrIllegalTransition
		if errors.As(err, &illegal) {
			return replyOfferClosed, nil
		}
		return "", err
	}
	g.audit(ctx, "offer", offer.ID, "offer_declined", locksmith.ID)

	if err := g.orch.OnOfferResolved(ctx, offer.JobID); err != nil {
		return "", err
	}
	return replyDeclined, nil
}

// HandlePayment processes one verified payment provider event. Redeliveries
// of the same event id are acknowledged without reprocessing.
func (g *Gateway) HandlePayment(ctx context.Context, ev PaymentEvent) error {
	claim, err := g.store.ClaimEvent(ctx, "stripe", ev.ID, nil)
	if err != nil {
		return fmt.Errorf("claim payment event: %w", err)
	}
	if !claim.Fresh {
		telemetry.WebhookDuplicates.Inc()
		if claim.Outcome != nil {
			return nil
		}
		return ErrEventInFlight
	}

	outcome, err := g.routePayment(ctx, ev)
	if err != nil {
		return err
	}
	if err := g.store.ResolveEvent(ctx, "stripe", ev.ID, outcome); err != nil {
		return fmt.Errorf("resolve payment event: %w", err)
	}
	return nil
}

func (g *Gateway) routePayment(ctx context.Context, ev PaymentEvent) (string, error) {
	switch ev.Type {
	case "payment_intent.succeeded":
		return g.handlePaymentSucceeded(ctx, ev)
	case "payment_intent.payment_failed":
		session, found, err := g.store.SessionByPaymentIntent(ctx, ev.IntentID)
		if err != nil {
			return "", err
		}
		if !found {
			return "no session for intent", nil
		}
		if err := g.store.SetSessionStatus(ctx, session.ID, models.SessionPaymentFailed); err != nil {
			return "", err
		}
		g.audit(ctx, "session", session.ID, "payment_failed", ev.IntentID)
		return "session " + session.ID + " payment failed", nil
	case "refund.created":
		job, found, err := g.store.JobByPaymentIntent(ctx, ev.IntentID)
		if err != nil {
			return "", err
		}
		if !found {
			return "no job for intent", nil
		}
		if err := g.store.SetRefund(ctx, job.ID, ev.RefundID); err != nil {
			return "", err
		}
		g.audit(ctx, "job", job.ID, "refund_recorded", ev.RefundID)
		return "refund recorded for job " + job.ID, nil
	case "charge.dispute.created":
		job, found, err := g.store.JobByPaymentIntent(ctx, ev.IntentID)
		if err != nil {
			return "", err
		}
		if !found {
			return "no job for intent", nil
		}
		if err := g.store.SetPaymentStatus(ctx, job.ID, "disputed"); err != nil {
			return "", err
		}
		g.audit(ctx, "job", job.ID, "payment_disputed", ev.ID)
		return "dispute recorded for job " + job.ID, nil
	default:
		return "ignored event type " + ev.Type, nil
	}
}

func (g *Gateway) handlePaymentSucceeded(ctx context.Context, ev PaymentEvent) (string, error) {
	session, found, err := g.store.SessionByPaymentIntent(ctx, ev.IntentID)
	if err != nil {
		return "", err
	}
	if !found && ev.SessionID != "" {
		// Intent metadata carries the session id when the intent was created
		// out of band and never attached to the session row.
		session, err = g.store.GetSession(ctx, ev.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "no session for intent", nil
			}
			return "", err
		}
		if err := g.store.SetSessionPaymentIntent(ctx, session.ID, ev.IntentID); err != nil {
			return "", err
		}
		found = true
	}
	if !found {
		job, jobFound, err := g.store.JobByPaymentIntent(ctx, ev.IntentID)
		if err != nil {
			return "", err
		}
		if jobFound {
			if err := g.store.SetPaymentStatus(ctx, job.ID, "succeeded"); err != nil {
				return "", err
			}
			return "payment confirmed for job " + job.ID, nil
		}
		return "no session for intent", nil
	}

	if err := g.store.SetSessionStatus(ctx, session.ID, models.SessionPaymentCompleted); err != nil {
		return "", err
	}
	job, reused, err := g.promoter.Complete(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if reused {
		log.Printf("payment event %s: session %s already promoted to job %s", ev.ID, session.ID, job.ID)
		return "session " + session.ID + " already promoted", nil
	}
	return "promoted session " + session.ID + " to job " + job.ID, nil
}

func (g *Gateway) audit(ctx context.Context, entityType, entityID, event, detail string) {
	if err := g.store.AppendAudit(ctx, entityType, entityID, event, detail); err != nil {
		log.Printf("audit %s %s %s: %v", entityType, entityID, event, err)
	}
}
