package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"locksmith-dispatch/internal/lease"
	"locksmith-dispatch/internal/models"
	"locksmith-dispatch/internal/notify"
	"locksmith-dispatch/internal/telemetry"
)

// AssignOutcome is the result of one accept attempt.
type AssignOutcome int

const (
	// Assigned: this attempt won; the job is now exclusively this locksmith's.
	Assigned AssignOutcome = iota
	// RaceLost: another attempt held the lease; nothing was mutated.
	RaceLost
	// AlreadyAssigned: the job was settled before this attempt got the
	// lease; the calling offer was left for the ledger to cancel.
	AlreadyAssigned
)

func (o AssignOutcome) String() string {
	switch o {
	case Assigned:
		return "assigned"
	case RaceLost:
		return "race_lost"
	case AlreadyAssigned:
		return "already_assigned"
	}
	return "unknown"
}

// Arbiter is the only path by which a job becomes assigned. All concurrent
// accept attempts for one job serialize through its lease; at most one ever
// reaches accepted. First to acquire the lease wins; there is no price-based
// tie break.
type Arbiter struct {
	store    Store
	locks    *lease.Mutex
	timers   Timers
	notifier notify.Notifier

	offerTimeout time.Duration
}

func NewArbiter(store Store, locks *lease.Mutex, timers Timers, notifier notify.Notifier, offerTimeout time.Duration) *Arbiter {
	if offerTimeout <= 0 {
		offerTimeout = 2 * time.Minute
	}
	return &Arbiter{store: store, locks: locks, timers: timers, notifier: notifier, offerTimeout: offerTimeout}
}

// TryAssign attempts to settle the job on the named offer. Outbound
// notifications go out strictly after the lease is released and never roll
// back the assignment.
func (a *Arbiter) TryAssign(ctx context.Context, jobID, offerID, locksmithID string, quotedCents int) (AssignOutcome, error) {
	l, err := a.locks.Acquire(ctx, jobID)
	if errors.Is(err, lease.ErrHeld) {
		telemetry.RacesLost.Inc()
		a.audit(ctx, "offer", offerID, "accept_race_lost", "lease held by concurrent decision")
		return RaceLost, nil
	}
	if err != nil {
		return RaceLost, fmt.Errorf("acquire lease: %w", err)
	}

	outcome, job, losers, assignErr := a.assignLocked(ctx, jobID, offerID, locksmithID, quotedCents)

	if err := l.Release(ctx); err != nil && !errors.Is(err, lease.ErrNotHeld) {
		log.Printf("release lease for job %s: %v", jobID, err)
	}

	if assignErr != nil {
		return outcome, assignErr
	}
	if outcome == Assigned {
		a.notifyAssigned(ctx, job, locksmithID, quotedCents, losers)
	}
	return outcome, nil
}

func (a *Arbiter) assignLocked(ctx context.Context, jobID, offerID, locksmithID string, quotedCents int) (AssignOutcome, models.Job, []models.Offer, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return AlreadyAssigned, models.Job{}, nil, err
	}
	if job.Status != models.JobDispatching && job.Status != models.JobOffered {
		// Only a job mid-dispatch can be assigned. Anything else is either
		// settled already or has not entered dispatch, and accepting the
		// offer first would strand it accepted on an unassigned job. The
		// calling offer is handed to the ledger as canceled, never accepted.
		telemetry.RacesLost.Inc()
		if _, err := a.store.TransitionOffer(ctx, offerID, models.OfferCanceled); err != nil {
			log.Printf("cancel late offer %s: %v", offerID, err)
		}
		a.audit(ctx, "offer", offerID, "accept_after_assignment", string(job.Status))
		return AlreadyAssigned, job, nil, nil
	}

	if _, err := a.store.AcceptOffer(ctx, offerID, quotedCents); err != nil {
		return AlreadyAssigned, job, nil, fmt.Errorf("accept offer: %w", err)
	}
	now := time.Now().UTC()
	ok, err := a.store.AssignJob(ctx, jobID, locksmithID, now)
	if err != nil {
		return AlreadyAssigned, job, nil, fmt.Errorf("assign job: %w", err)
	}
	if !ok {
		return AlreadyAssigned, job, nil, fmt.Errorf("job %s not assignable despite lease", jobID)
	}

	losers, err := a.store.CancelOpenOffers(ctx, jobID, offerID)
	if err != nil {
		// The assignment stands; losers' offers will be swept by the wave
		// timer instead.
		log.Printf("bulk-cancel open offers for job %s: %v", jobID, err)
	}
	if err := a.timers.Cancel(ctx, jobID); err != nil {
		log.Printf("disarm timer for assigned job %s: %v", jobID, err)
	}
	telemetry.Assignments.Inc()
	a.audit(ctx, "job", jobID, "job_assigned",
		fmt.Sprintf("locksmith=%s offer=%s quoted_cents=%d", locksmithID, offerID, quotedCents))

	job.Status = models.JobAssigned
	job.AssignedLocksmithID = &locksmithID
	job.AssignedAt = &now
	return Assigned, job, losers, nil
}

// notifyAssigned runs outside the lease: winner confirmation, customer
// notice, and "job taken" messages to the losers.
func (a *Arbiter) notifyAssigned(ctx context.Context, job models.Job, locksmithID string, quotedCents int, losers []models.Offer) {
	winner, err := a.store.GetLocksmith(ctx, locksmithID)
	if err != nil {
		log.Printf("load winner %s: %v", locksmithID, err)
		return
	}
	if _, _, err := a.notifier.Send(ctx, winner.Phone, winnerBody(job, quotedCents), job.ID); err != nil {
		telemetry.NotifyFailures.Inc()
		log.Printf("confirm winner %s for job %s: %v", locksmithID, job.ID, err)
	}
	if _, _, err := a.notifier.Send(ctx, job.CustomerPhone, customerAssignedBody(winner), job.ID); err != nil {
		telemetry.NotifyFailures.Inc()
		log.Printf("notify customer for job %s: %v", job.ID, err)
	}
	for _, lost := range losers {
		loser, err := a.store.GetLocksmith(ctx, lost.LocksmithID)
		if err != nil {
			log.Printf("load loser %s: %v", lost.LocksmithID, err)
			continue
		}
		if _, _, err := a.notifier.Send(ctx, loser.Phone, loserBody(), lost.ID); err != nil {
			telemetry.NotifyFailures.Inc()
			log.Printf("notify loser %s for job %s: %v", lost.LocksmithID, job.ID, err)
		}
	}
}

// AdminAssign funnels a manual assignment through the same TryAssign path,
// treating the admin's pick as a bidder, so the single-assignee invariant
// holds even against a simultaneous SMS acceptance.
func (a *Arbiter) AdminAssign(ctx context.Context, jobID, locksmithID string, quotedCents int) (AssignOutcome, error) {
	locksmith, err := a.store.GetLocksmith(ctx, locksmithID)
	if err != nil {
		return AlreadyAssigned, err
	}
	if !locksmith.IsActive {
		return AlreadyAssigned, fmt.Errorf("locksmith %s is not active", locksmithID)
	}
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return AlreadyAssigned, err
	}
	wave := job.CurrentWave
	if wave == 0 {
		wave = 1
	}
	offer, err := a.store.CreateOffer(ctx, jobID, locksmithID, wave, time.Now().Add(a.offerTimeout))
	if err != nil {
		return AlreadyAssigned, fmt.Errorf("create admin offer: %w", err)
	}
	a.audit(ctx, "offer", offer.ID, "admin_offer_created", fmt.Sprintf("locksmith=%s", locksmithID))

	outcome, err := a.TryAssign(ctx, jobID, offer.ID, locksmithID, quotedCents)
	if err != nil {
		return outcome, err
	}
	if outcome != Assigned {
		// The pseudo-offer lost; close it out instead of leaving it to expire.
		if _, terr := a.store.TransitionOffer(ctx, offer.ID, models.OfferCanceled); terr != nil {
			log.Printf("cancel admin offer %s: %v", offer.ID, terr)
		}
	}
	return outcome, nil
}

func (a *Arbiter) audit(ctx context.Context, entityType, entityID, event, detail string) {
	if err := a.store.AppendAudit(ctx, entityType, entityID, event, detail); err != nil {
		log.Printf("audit %s %s %s: %v", entityType, entityID, event, err)
	}
}
