package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"locksmith-dispatch/internal/models"
	"locksmith-dispatch/internal/notify"
)

// ErrPaymentIncomplete is returned when a session is promoted before its
// payment reached succeeded.
var ErrPaymentIncomplete = errors.New("session payment not completed")

// Promoter is the session-to-job promotion gate: the one place a paid
// request session becomes a Job and dispatch first starts.
type Promoter struct {
	store    Store
	orch     *Orchestrator
	notifier notify.Notifier
	payments PaymentVerifier
}

func NewPromoter(store Store, orch *Orchestrator, notifier notify.Notifier, payments PaymentVerifier) *Promoter {
	return &Promoter{store: store, orch: orch, notifier: notifier, payments: payments}
}

// Complete idempotently converts a paid session into a Job and starts
// dispatch. A retried call with the same session id returns the existing job
// unchanged (reused=true) and starts nothing twice.
func (p *Promoter) Complete(ctx context.Context, sessionID string) (models.Job, bool, error) {
	if job, found, err := p.store.JobForSession(ctx, sessionID); err != nil {
		return models.Job{}, false, err
	} else if found {
		return job, true, nil
	}

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.Job{}, false, err
	}
	if sess.Status != models.SessionPaymentCompleted {
		// The provider webhook may not have landed yet; confirm the intent
		// directly before refusing.
		if sess.PaymentIntentID == nil || p.payments == nil {
			return models.Job{}, false, ErrPaymentIncomplete
		}
		ok, err := p.payments.ConfirmIntent(ctx, *sess.PaymentIntentID)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("confirm payment intent: %w", err)
		}
		if !ok {
			return models.Job{}, false, ErrPaymentIncomplete
		}
	}

	job, reused, err := p.store.CreateJobFromSession(ctx, sess)
	if err != nil {
		return models.Job{}, false, err
	}
	if reused {
		return job, true, nil
	}

	if err := p.store.AppendAudit(ctx, "job", job.ID, "job_created", "promoted from session "+sessionID); err != nil {
		log.Printf("audit job_created for %s: %v", job.ID, err)
	}
	if _, _, err := p.notifier.Send(ctx, job.CustomerPhone, customerReceivedBody(), job.ID); err != nil {
		log.Printf("confirm receipt to customer for job %s: %v", job.ID, err)
	}

	if err := p.orch.StartDispatch(ctx, job.ID); err != nil {
		// The job exists; the recovery sweep will pick up dispatch if this
		// start was interrupted.
		return job, false, fmt.Errorf("start dispatch: %w", err)
	}
	return job, false, nil
}
