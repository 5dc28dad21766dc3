package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// EventClaim is the result of attempting to claim an inbound event id.
type EventClaim struct {
	// Fresh means this call inserted the record and owns processing.
	Fresh bool
	// Outcome is the recorded result of a previously processed delivery;
	// nil when Fresh, or when a duplicate arrived while the first delivery
	// is still in flight.
	Outcome *string
	// InFlight means a record exists but has no outcome yet: another
	// handler is (or was) processing it.
	InFlight bool
}

// ClaimEvent durably claims a (provider, event id) pair. The first caller
// gets Fresh=true and must later call ResolveEvent; redeliveries get the
// recorded outcome back, or InFlight while the first delivery is unresolved.
func (s *Store) ClaimEvent(ctx context.Context, provider, eventID string, jobID *string) (EventClaim, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_events (provider, event_id, received_at, job_id)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, jobID)
	if err != nil {
		return EventClaim{}, fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return EventClaim{Fresh: true}, nil
	}

	var outcome pgtype.Text
	err = s.pool.QueryRow(ctx, `
		SELECT outcome FROM inbound_events WHERE provider = $1 AND event_id = $2
	`, provider, eventID).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		// Claimed and reaped between our insert and read; treat as in flight
		// so the provider retries.
		return EventClaim{InFlight: true}, nil
	}
	if err != nil {
		return EventClaim{}, fmt.Errorf("query event outcome: %w", err)
	}
	if !outcome.Valid {
		return EventClaim{InFlight: true}, nil
	}
	return EventClaim{Outcome: &outcome.String}, nil
}

// ResolveEvent records the processing outcome, completing the claim.
func (s *Store) ResolveEvent(ctx context.Context, provider, eventID, outcome string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_events SET outcome = $3, resolved_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID, outcome)
	return err
}

// ReapStaleEvents deletes claims that never resolved (process died between
// claim and resolve). Deleting lets the provider's next retry reprocess;
// every core transition is idempotent so reprocessing is safe.
func (s *Store) ReapStaleEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM inbound_events
		WHERE outcome IS NULL AND received_at < NOW() - ($1 * INTERVAL '1 second')
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("reap stale events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneEvents trims resolved records older than the idempotency window.
func (s *Store) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM inbound_events
		WHERE outcome IS NOT NULL AND received_at < NOW() - ($1 * INTERVAL '1 second')
	`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}
