package dispatch

import (
	"context"
	"time"

	"locksmith-dispatch/internal/models"
)

// Store is the persistence surface the dispatch engine mutates jobs and
// offers through. *store.Store satisfies it; tests use in-memory fakes. No
// component writes status fields outside these guarded operations.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkDispatching(ctx context.Context, id string) (models.Job, error)
	AdvanceWave(ctx context.Context, id string, wave int) error
	TransitionJob(ctx context.Context, id string, to models.JobStatus) (models.Job, error)
	AssignJob(ctx context.Context, id, locksmithID string, at time.Time) (bool, error)

	CreateOffer(ctx context.Context, jobID, locksmithID string, wave int, expiresAt time.Time) (models.Offer, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	AcceptOffer(ctx context.Context, id string, quotedCents int) (models.Offer, error)
	TransitionOffer(ctx context.Context, id string, to models.OfferStatus) (models.Offer, error)
	CancelOpenOffers(ctx context.Context, jobID, exceptOfferID string) ([]models.Offer, error)
	ExpirePending(ctx context.Context, jobID string, wave int) (int64, error)
	OpenOfferCount(ctx context.Context, jobID string) (int64, error)
	HasAcceptedOffer(ctx context.Context, jobID string) (bool, error)
	ContactedLocksmiths(ctx context.Context, jobID string) ([]string, error)
	WaveDeadline(ctx context.Context, jobID string, wave int) (time.Time, bool, error)
	SetOfferMessageID(ctx context.Context, offerID, messageID string) error

	SelectCandidates(ctx context.Context, city, serviceType string, exclude []string, limit int) ([]models.Locksmith, error)
	GetLocksmith(ctx context.Context, id string) (models.Locksmith, error)

	GetSession(ctx context.Context, id string) (models.RequestSession, error)
	JobForSession(ctx context.Context, sessionID string) (models.Job, bool, error)
	CreateJobFromSession(ctx context.Context, sess models.RequestSession) (models.Job, bool, error)

	JobsAwaitingWave(ctx context.Context) ([]models.Job, error)

	AppendAudit(ctx context.Context, entityType, entityID, event, detail string) error
}

// Timers arms and disarms durable per-job wave-expiry evaluation.
type Timers interface {
	Schedule(ctx context.Context, jobID string, at time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// Refunder starts the refund workflow for a failed job. The workflow itself
// is an external collaborator; failures here are logged, not propagated.
type Refunder interface {
	InitiateRefund(ctx context.Context, job models.Job) error
}

// PaymentVerifier confirms a payment intent reached succeeded, for promotion
// calls that arrive before the provider webhook does.
type PaymentVerifier interface {
	ConfirmIntent(ctx context.Context, intentID string) (bool, error)
}
