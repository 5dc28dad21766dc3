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

// ErrJobBusy is returned when a job's lease is held by a concurrent
// decision; callers retry rather than mutate.
var ErrJobBusy = errors.New("job is busy, retry")

// leaseRetryDelay is how soon a sweep deferred by lease contention is
// re-armed.
const leaseRetryDelay = 2 * time.Second

// Orchestrator drives wave progression for a job: candidate selection,
// offer creation, notification, and time-boxed wave expiry. Every
// status-mutating decision for one job runs under that job's lease.
type Orchestrator struct {
	store    Store
	timers   Timers
	locks    *lease.Mutex
	notifier notify.Notifier
	refunder Refunder

	waveSize     int
	offerTimeout time.Duration
}

func NewOrchestrator(store Store, timers Timers, locks *lease.Mutex, notifier notify.Notifier, refunder Refunder, waveSize int, offerTimeout time.Duration) *Orchestrator {
	if waveSize <= 0 {
		waveSize = 3
	}
	if offerTimeout <= 0 {
		offerTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		store:        store,
		timers:       timers,
		locks:        locks,
		notifier:     notifier,
		refunder:     refunder,
		waveSize:     waveSize,
		offerTimeout: offerTimeout,
	}
}

// StartDispatch moves a created job into dispatching and sends the first
// wave. The single entry point is the promotion gate.
func (o *Orchestrator) StartDispatch(ctx context.Context, jobID string) error {
	l, err := o.locks.Acquire(ctx, jobID)
	if errors.Is(err, lease.ErrHeld) {
		// Defer to the sweep loop rather than dropping the start.
		if err := o.timers.Schedule(ctx, jobID, time.Now().Add(leaseRetryDelay)); err != nil {
			return fmt.Errorf("defer dispatch start: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer o.release(ctx, l)

	job, err := o.store.MarkDispatching(ctx, jobID)
	if err != nil {
		return err
	}
	o.audit(ctx, "job", jobID, "dispatch_started", fmt.Sprintf("service=%s city=%s", job.ServiceType, job.City))

	_, err = o.sendWave(ctx, job)
	return err
}

// ResolveWaveTimeout is re-entered by the worker when a wave's deadline
// passes: sweep still-pending offers to expired, then either advance to the
// next wave or fail the job. Already-assigned and terminal jobs no-op.
func (o *Orchestrator) ResolveWaveTimeout(ctx context.Context, jobID string) error {
	return o.resolveUnderLease(ctx, jobID, true)
}

// OnOfferResolved is invoked after a decline lands: if the job now has no
// open offers and no acceptance, the next wave goes out immediately instead
// of waiting for the wave deadline.
func (o *Orchestrator) OnOfferResolved(ctx context.Context, jobID string) error {
	return o.resolveUnderLease(ctx, jobID, false)
}

func (o *Orchestrator) resolveUnderLease(ctx context.Context, jobID string, expireCurrent bool) error {
	l, err := o.locks.Acquire(ctx, jobID)
	if errors.Is(err, lease.ErrHeld) {
		// An accept or cancel is in progress; let the decision land and
		// re-evaluate shortly after.
		if err := o.timers.Schedule(ctx, jobID, time.Now().Add(leaseRetryDelay)); err != nil {
			return fmt.Errorf("defer sweep: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer o.release(ctx, l)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.JobAssigned || job.Status == models.JobEnRoute {
		return nil
	}
	if job.Status == models.JobCreated {
		// A promotion interrupted before its first wave; resume from the top.
		if job, err = o.store.MarkDispatching(ctx, jobID); err != nil {
			return err
		}
	}

	if expireCurrent && job.CurrentWave > 0 {
		swept, err := o.store.ExpirePending(ctx, jobID, job.CurrentWave)
		if err != nil {
			return err
		}
		if swept > 0 {
			o.audit(ctx, "job", jobID, "wave_expired", fmt.Sprintf("wave=%d swept=%d", job.CurrentWave, swept))
		}
	}

	accepted, err := o.store.HasAcceptedOffer(ctx, jobID)
	if err != nil {
		return err
	}
	if accepted {
		return nil
	}
	open, err := o.store.OpenOfferCount(ctx, jobID)
	if err != nil {
		return err
	}
	if open > 0 {
		// Replies are still possible; keep the wave deadline armed.
		if deadline, ok, err := o.store.WaveDeadline(ctx, jobID, job.CurrentWave); err != nil {
			return err
		} else if ok {
			return o.timers.Schedule(ctx, jobID, deadline)
		}
		return nil
	}

	_, err = o.sendWave(ctx, job)
	return err
}

// sendWave runs with the job's lease held. It asks the selector for the next
// batch of candidates, creates one pending offer each, requests delivery,
// and arms the wave-expiry timer. An empty candidate list fails the job.
func (o *Orchestrator) sendWave(ctx context.Context, job models.Job) (int, error) {
	contacted, err := o.store.ContactedLocksmiths(ctx, job.ID)
	if err != nil {
		return 0, err
	}
	candidates, err := o.store.SelectCandidates(ctx, job.City, job.ServiceType, contacted, o.waveSize)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, o.failJob(ctx, job, "no_locksmiths_available")
	}

	wave := job.CurrentWave + 1
	expiresAt := time.Now().Add(o.offerTimeout)
	if err := o.store.AdvanceWave(ctx, job.ID, wave); err != nil {
		return 0, err
	}

	sent := 0
	for _, candidate := range candidates {
		offer, err := o.store.CreateOffer(ctx, job.ID, candidate.ID, wave, expiresAt)
		if err != nil {
			log.Printf("create offer job=%s locksmith=%s: %v", job.ID, candidate.ID, err)
			continue
		}
		sent++
		telemetry.OffersSent.Inc()

		messageID, _, err := o.notifier.Send(ctx, candidate.Phone, offerBody(job), offer.ID)
		if err != nil {
			// The offer stays pending and expires naturally if the
			// locksmith never saw it.
			telemetry.NotifyFailures.Inc()
			log.Printf("send offer %s to %s: %v", offer.ID, candidate.Phone, err)
			o.audit(ctx, "offer", offer.ID, "offer_send_failed", err.Error())
			continue
		}
		if err := o.store.SetOfferMessageID(ctx, offer.ID, messageID); err != nil {
			log.Printf("record message id for offer %s: %v", offer.ID, err)
		}
	}
	if sent == 0 {
		return 0, o.failJob(ctx, job, "offer_creation_failed")
	}

	if err := o.timers.Schedule(ctx, job.ID, expiresAt); err != nil {
		return sent, fmt.Errorf("arm wave timer: %w", err)
	}
	telemetry.WavesSent.Inc()
	o.audit(ctx, "job", job.ID, "wave_sent", fmt.Sprintf("wave=%d offers=%d", wave, sent))
	return sent, nil
}

// failJob terminates dispatch: no candidates remain and nothing is pending.
func (o *Orchestrator) failJob(ctx context.Context, job models.Job, cause string) error {
	if _, err := o.store.TransitionJob(ctx, job.ID, models.JobFailed); err != nil {
		return err
	}
	if err := o.timers.Cancel(ctx, job.ID); err != nil {
		log.Printf("disarm timer for failed job %s: %v", job.ID, err)
	}
	telemetry.JobsFailed.Inc()
	o.audit(ctx, "job", job.ID, "dispatch_failed", cause)

	if _, _, err := o.notifier.Send(ctx, job.CustomerPhone, customerFailedBody(), job.ID); err != nil {
		telemetry.NotifyFailures.Inc()
		log.Printf("notify customer of failed job %s: %v", job.ID, err)
	}
	if o.refunder != nil {
		if err := o.refunder.InitiateRefund(ctx, job); err != nil {
			log.Printf("initiate refund for job %s: %v", job.ID, err)
			o.audit(ctx, "job", job.ID, "refund_initiation_failed", err.Error())
		}
	}
	return nil
}

// CancelJob terminates a non-terminal job from the admin path. It takes the
// lease so a cancellation cannot race a concurrent acceptance.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID, cause string) error {
	l, err := o.locks.Acquire(ctx, jobID)
	if errors.Is(err, lease.ErrHeld) {
		return ErrJobBusy
	}
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer o.release(ctx, l)

	if _, err := o.store.CancelOpenOffers(ctx, jobID, ""); err != nil {
		return err
	}
	if _, err := o.store.TransitionJob(ctx, jobID, models.JobCanceled); err != nil {
		return err
	}
	if err := o.timers.Cancel(ctx, jobID); err != nil {
		log.Printf("disarm timer for canceled job %s: %v", jobID, err)
	}
	o.audit(ctx, "job", jobID, "dispatch_canceled", cause)
	return nil
}

// Recover rebuilds wave timers after a restart: any job still dispatching or
// offered gets its timer re-armed from stored offer deadlines. Overdue jobs
// fire on the next poll; nothing is silently dropped.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.JobsAwaitingWave(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range jobs {
		at := time.Now()
		if job.CurrentWave > 0 {
			if deadline, ok, err := o.store.WaveDeadline(ctx, job.ID, job.CurrentWave); err != nil {
				return recovered, err
			} else if ok {
				at = deadline
			}
		}
		if err := o.timers.Schedule(ctx, job.ID, at); err != nil {
			return recovered, fmt.Errorf("re-arm timer for job %s: %w", job.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

func (o *Orchestrator) release(ctx context.Context, l *lease.Lease) {
	if err := l.Release(ctx); err != nil && !errors.Is(err, lease.ErrNotHeld) {
		log.Printf("release lease: %v", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, entityType, entityID, event, detail string) {
	if err := o.store.AppendAudit(ctx, entityType, entityID, event, detail); err != nil {
		log.Printf("audit %s %s %s: %v", entityType, entityID, event, err)
	}
}
