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

const offerColumns = `
	id, job_id, locksmith_id, wave_number, status, quoted_cents,
	provider_message_id, sent_at, expires_at, responded_at`

func scanOffer(row pgx.Row) (models.Offer, error) {
	var o models.Offer
	var status string
	var quoted pgtype.Int4
	var msgID pgtype.Text
	var respondedAt pgtype.Timestamptz

	err := row.Scan(
		&o.ID, &o.JobID, &o.LocksmithID, &o.WaveNumber, &status, &quoted,
		&msgID, &o.SentAt, &o.ExpiresAt, &respondedAt,
	)
	if err != nil {
		return models.Offer{}, err
	}
	o.Status = models.OfferStatus(status)
	o.QuotedCents = intPtr(quoted)
	o.ProviderMessageID = textPtr(msgID)
	o.RespondedAt = timePtr(respondedAt)
	return o, nil
}

// CreateOffer inserts a pending offer for one locksmith in one wave and
// stamps the locksmith's last_contacted_at, which drives selector ordering.
func (s *Store) CreateOffer(ctx context.Context, jobID, locksmithID string, wave int, expiresAt time.Time) (models.Offer, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Offer{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO offers (id, job_id, locksmith_id, wave_number, status, sent_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, jobID, locksmithID, wave, string(models.OfferPending), now, expiresAt)
	if err != nil {
		return models.Offer{}, fmt.Errorf("insert offer: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE locksmiths SET last_contacted_at = $2, updated_at = $2 WHERE id = $1
	`, locksmithID, now)
	if err != nil {
		return models.Offer{}, fmt.Errorf("touch locksmith: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Offer{}, fmt.Errorf("commit: %w", err)
	}

	return models.Offer{
		ID:          id,
		JobID:       jobID,
		LocksmithID: locksmithID,
		WaveNumber:  wave,
		Status:      models.OfferPending,
		SentAt:      now,
		ExpiresAt:   expiresAt,
	}, nil
}

// GetOffer fetches an offer by id.
func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+offerColumns+` FROM offers WHERE id = $1`, id)
	offer, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Offer{}, fmt.Errorf("scan offer: %w", err)
	}
	return offer, nil
}

// PendingOfferForLocksmith returns the locksmith's most recently sent
// pending offer; an SMS reply always targets this one.
func (s *Store) PendingOfferForLocksmith(ctx context.Context, locksmithID string) (models.Offer, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+offerColumns+` FROM offers
		WHERE locksmith_id = $1 AND status = $2
		ORDER BY sent_at DESC LIMIT 1
	`, locksmithID, string(models.OfferPending))
	offer, err := scanOffer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Offer{}, false, nil
	}
	if err != nil {
		return models.Offer{}, false, fmt.Errorf("scan offer: %w", err)
	}
	return offer, true, nil
}

// SetOfferMessageID records the provider id of the offer SMS.
func (s *Store) SetOfferMessageID(ctx context.Context, offerID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE offers SET provider_message_id = $2 WHERE id = $1
	`, offerID, messageID)
	return err
}

// TransitionOffer moves a pending offer into a terminal state. Re-applying
// the state the offer already holds is an idempotent no-op; any other
// transition out of a terminal state is ErrIllegalTransition.
func (s *Store) TransitionOffer(ctx context.Context, id string, to models.OfferStatus) (models.Offer, error) {
	if !models.CanTransitionOffer(models.OfferPending, to) {
		return models.Offer{}, fmt.Errorf("offer status %q is not a valid destination", to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE offers SET status = $2, responded_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, string(to), string(models.OfferPending))
	if err != nil {
		return models.Offer{}, fmt.Errorf("transition offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetOffer(ctx, id)
		if err != nil {
			return models.Offer{}, err
		}
		if cur.Status == to {
			return cur, nil
		}
		return models.Offer{}, &models.ErrIllegalTransition{Entity: "offer", ID: id, From: string(cur.Status), To: string(to)}
	}
	return s.GetOffer(ctx, id)
}

// AcceptOffer is the ledger half of assignment: pending -> accepted with the
// quoted price. Only the arbiter calls it, under the job lease.
func (s *Store) AcceptOffer(ctx context.Context, id string, quotedCents int) (models.Offer, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offers SET status = $2, quoted_cents = $3, responded_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(models.OfferAccepted), quotedCents, string(models.OfferPending))
	if err != nil {
		return models.Offer{}, fmt.Errorf("accept offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.GetOffer(ctx, id)
		if err != nil {
			return models.Offer{}, err
		}
		if cur.Status == models.OfferAccepted {
			return cur, nil
		}
		return models.Offer{}, &models.ErrIllegalTransition{Entity: "offer", ID: id, From: string(cur.Status), To: string(models.OfferAccepted)}
	}
	return s.GetOffer(ctx, id)
}

// CancelOpenOffers bulk-cancels every still-pending offer for a job except
// the named one, returning the canceled offers so losers can be notified.
func (s *Store) CancelOpenOffers(ctx context.Context, jobID, exceptOfferID string) ([]models.Offer, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE offers SET status = $3, responded_at = NOW()
		WHERE job_id = $1 AND id <> $2 AND status = $4
		RETURNING`+offerColumns+`
	`, jobID, exceptOfferID, string(models.OfferCanceled), string(models.OfferPending))
	if err != nil {
		return nil, fmt.Errorf("cancel open offers: %w", err)
	}
	defer rows.Close()

	var canceled []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		canceled = append(canceled, o)
	}
	return canceled, rows.Err()
}

// ExpirePending sweeps still-pending offers of one wave to expired.
func (s *Store) ExpirePending(ctx context.Context, jobID string, wave int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE offers SET status = $3, responded_at = NOW()
		WHERE job_id = $1 AND wave_number = $2 AND status = $4
	`, jobID, wave, string(models.OfferExpired), string(models.OfferPending))
	if err != nil {
		return 0, fmt.Errorf("expire pending offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OpenOfferCount counts still-pending offers across all waves of a job.
func (s *Store) OpenOfferCount(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM offers WHERE job_id = $1 AND status = $2
	`, jobID, string(models.OfferPending)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open offers: %w", err)
	}
	return n, nil
}

// HasAcceptedOffer reports whether any offer of the job ever reached accepted.
func (s *Store) HasAcceptedOffer(ctx context.Context, jobID string) (bool, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM offers WHERE job_id = $1 AND status = $2
	`, jobID, string(models.OfferAccepted)).Scan(&n); err != nil {
		return false, fmt.Errorf("count accepted offers: %w", err)
	}
	return n > 0, nil
}

// ContactedLocksmiths lists every locksmith the job has ever been offered
// to; the orchestrator excludes them from later waves.
func (s *Store) ContactedLocksmiths(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT locksmith_id FROM offers WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query contacted locksmiths: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan locksmith id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OffersForJob lists a job's offers, newest wave first.
func (s *Store) OffersForJob(ctx context.Context, jobID string) ([]models.Offer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+offerColumns+` FROM offers WHERE job_id = $1 ORDER BY wave_number DESC, sent_at DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// WaveDeadline returns the latest expiry among a wave's offers. Used by the
// startup recovery sweep to re-derive lost timers.
func (s *Store) WaveDeadline(ctx context.Context, jobID string, wave int) (time.Time, bool, error) {
	var deadline pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(expires_at) FROM offers WHERE job_id = $1 AND wave_number = $2
	`, jobID, wave).Scan(&deadline)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query wave deadline: %w", err)
	}
	if !deadline.Valid {
		return time.Time{}, false, nil
	}
	return deadline.Time, true, nil
}

// CountPendingOffers is a global gauge feed for telemetry.
func (s *Store) CountPendingOffers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM offers WHERE status = $1
	`, string(models.OfferPending)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending offers: %w", err)
	}
	return n, nil
}
