package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"locksmith-dispatch/internal/models"
)

const jobColumns = `
	id, customer_name, customer_phone, service_type, urgency, description,
	address, city, status, deposit_cents, payment_intent_id, payment_status,
	refund_id, assigned_locksmith_id, assigned_at, current_wave,
	dispatch_started_at, session_id, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var status string
	var description, intentID, payStatus, refundID, assignedID, sessionID pgtype.Text
	var assignedAt, dispatchStartedAt, completedAt pgtype.Timestamptz

	err := row.Scan(
		&j.ID, &j.CustomerName, &j.CustomerPhone, &j.ServiceType, &j.Urgency, &description,
		&j.Address, &j.City, &status, &j.DepositCents, &intentID, &payStatus,
		&refundID, &assignedID, &assignedAt, &j.CurrentWave,
		&dispatchStartedAt, &sessionID, &j.CreatedAt, &j.UpdatedAt, &completedAt,
	)
	if err != nil {
		return models.Job{}, err
	}
	j.Status = models.JobStatus(status)
	j.Description = textPtr(description)
	j.PaymentIntentID = textPtr(intentID)
	j.PaymentStatus = textPtr(payStatus)
	j.RefundID = textPtr(refundID)
	j.AssignedLocksmithID = textPtr(assignedID)
	j.SessionID = textPtr(sessionID)
	j.AssignedAt = timePtr(assignedAt)
	j.DispatchStartedAt = timePtr(dispatchStartedAt)
	j.CompletedAt = timePtr(completedAt)
	return j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// JobForSession returns the job created from the given session, if any.
func (s *Store) JobForSession(ctx context.Context, sessionID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE session_id = $1`, sessionID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("scan job: %w", err)
	}
	return job, true, nil
}

// CreateJobFromSession inserts a job copied from a paid request session and
// marks the session completed, in one transaction. The unique index on
// jobs.session_id makes retries idempotent: a concurrent or repeated call
// returns the existing job with reused=true.
func (s *Store) CreateJobFromSession(ctx context.Context, sess models.RequestSession) (models.Job, bool, error) {
	if existing, found, err := s.JobForSession(ctx, sess.ID); err != nil {
		return models.Job{}, false, err
	} else if found {
		return existing, true, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, customer_name, customer_phone, service_type, urgency, description,
			address, city, status, deposit_cents, payment_intent_id, payment_status,
			session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'succeeded', $12, $13, $13)
		ON CONFLICT (session_id) WHERE session_id IS NOT NULL DO NOTHING
	`, id, sess.CustomerName, sess.CustomerPhone, sess.ServiceType, sess.Urgency, sess.Description,
		sess.Address, sess.City, string(models.JobCreated), sess.DepositCents, sess.PaymentIntentID,
		sess.ID, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else promoted this session after our initial check.
		if err := tx.Rollback(ctx); err != nil {
			return models.Job{}, false, fmt.Errorf("rollback after session conflict: %w", err)
		}
		existing, found, err := s.JobForSession(ctx, sess.ID)
		if err != nil {
			return models.Job{}, false, err
		}
		if !found {
			return models.Job{}, false, errors.New("session conflict but no existing job found")
		}
		return existing, true, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE request_sessions SET status = $2, completed_at = $3, updated_at = $3 WHERE id = $1
	`, sess.ID, string(models.SessionPaymentCompleted), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("complete session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	return job, false, err
}

// TransitionJob applies a guarded status transition derived from the
// transition table. Re-applying a transition the job already took is a
// no-op; any other mismatch surfaces as ErrIllegalTransition.
func (s *Store) TransitionJob(ctx context.Context, id string, to models.JobStatus) (models.Job, error) {
	sources := models.JobTransitionSources(to)
	if len(sources) == 0 {
		return models.Job{}, fmt.Errorf("unknown job status %q", to)
	}

	completedAt := "completed_at"
	if to == models.JobCompleted {
		completedAt = "NOW()"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE jobs SET status = $2, completed_at = %s, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, completedAt), id, string(to), statusStrings(sources))
	if err != nil {
		return models.Job{}, fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if cur.Status == to {
			return cur, nil
		}
		return models.Job{}, &models.ErrIllegalTransition{Entity: "job", ID: id, From: string(cur.Status), To: string(to)}
	}
	return s.GetJob(ctx, id)
}

// MarkDispatching moves a created job into dispatching and stamps the
// dispatch start.
func (s *Store) MarkDispatching(ctx context.Context, id string) (models.Job, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, dispatch_started_at = NOW(), current_wave = 0, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, string(models.JobDispatching), string(models.JobCreated))
	if err != nil {
		return models.Job{}, fmt.Errorf("mark dispatching: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetJob(ctx, id)
		if err != nil {
			return models.Job{}, err
		}
		if cur.Status == models.JobDispatching {
			return cur, nil
		}
		return models.Job{}, &models.ErrIllegalTransition{Entity: "job", ID: id, From: string(cur.Status), To: string(models.JobDispatching)}
	}
	return s.GetJob(ctx, id)
}

// AdvanceWave records a sent wave: bumps current_wave and enters offered.
func (s *Store) AdvanceWave(ctx context.Context, id string, wave int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, current_wave = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, string(models.JobOffered), wave,
		statusStrings(models.JobTransitionSources(models.JobOffered)))
	if err != nil {
		return fmt.Errorf("advance wave: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return &models.ErrIllegalTransition{Entity: "job", ID: id, From: string(cur.Status), To: string(models.JobOffered)}
	}
	return nil
}

// AssignJob sets the exclusive assignee. The status guard makes it a
// compare-and-set: it fails with no rows if the job is no longer assignable.
func (s *Store) AssignJob(ctx context.Context, id, locksmithID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, assigned_locksmith_id = $3, assigned_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($5) AND assigned_locksmith_id IS NULL
	`, id, string(models.JobAssigned), locksmithID, at,
		statusStrings(models.JobTransitionSources(models.JobAssigned)))
	if err != nil {
		return false, fmt.Errorf("assign job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPaymentStatus records the provider-reported payment state. Writing the
// same value twice is harmless; the gateway's dedup prevents double side
// effects upstream.
func (s *Store) SetPaymentStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET payment_status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// SetRefund records the provider refund id on a job.
func (s *Store) SetRefund(ctx context.Context, id, refundID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET refund_id = $2, payment_status = 'refunded', updated_at = NOW() WHERE id = $1
	`, id, refundID)
	return err
}

// JobByPaymentIntent resolves a job from a provider payment intent id.
func (s *Store) JobByPaymentIntent(ctx context.Context, intentID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM jobs WHERE payment_intent_id = $1`, intentID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("scan job: %w", err)
	}
	return job, true, nil
}

// JobsAwaitingWave lists jobs whose dispatch is unfinished; the worker uses
// it on startup to rebuild wave timers lost to downtime. Created jobs are
// included to catch a promotion interrupted before its first wave.
func (s *Store) JobsAwaitingWave(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at
	`, statusStrings([]models.JobStatus{models.JobCreated, models.JobDispatching, models.JobOffered}))
	if err != nil {
		return nil, fmt.Errorf("query awaiting jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
