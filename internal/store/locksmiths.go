package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"locksmith-dispatch/internal/models"
)

const locksmithColumns = `
	id, display_name, phone, primary_city,
	supports_home_lockout, supports_car_lockout, supports_rekey, supports_smart_lock,
	is_active, is_available, last_contacted_at, onboarded_at, updated_at`

func scanLocksmith(row pgx.Row) (models.Locksmith, error) {
	var l models.Locksmith
	var lastContacted pgtype.Timestamptz
	err := row.Scan(
		&l.ID, &l.DisplayName, &l.Phone, &l.PrimaryCity,
		&l.SupportsHomeLockout, &l.SupportsCarLockout, &l.SupportsRekey, &l.SupportsSmartLock,
		&l.IsActive, &l.IsAvailable, &lastContacted, &l.OnboardedAt, &l.UpdatedAt,
	)
	if err != nil {
		return models.Locksmith{}, err
	}
	l.LastContactedAt = timePtr(lastContacted)
	return l, nil
}

// GetLocksmith fetches a locksmith by id.
func (s *Store) GetLocksmith(ctx context.Context, id string) (models.Locksmith, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+locksmithColumns+` FROM locksmiths WHERE id = $1`, id)
	l, err := scanLocksmith(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Locksmith{}, fmt.Errorf("locksmith %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Locksmith{}, fmt.Errorf("scan locksmith: %w", err)
	}
	return l, nil
}

// LocksmithByPhone resolves the sender of an inbound SMS.
func (s *Store) LocksmithByPhone(ctx context.Context, phone string) (models.Locksmith, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+locksmithColumns+` FROM locksmiths WHERE phone = $1`, phone)
	l, err := scanLocksmith(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Locksmith{}, false, nil
	}
	if err != nil {
		return models.Locksmith{}, false, fmt.Errorf("scan locksmith: %w", err)
	}
	return l, true, nil
}

// SelectCandidates returns up to limit eligible locksmiths for a job:
// active, available, in the job's city, supporting the service, and not in
// the exclusion set. Least-recently-contacted first spreads load; insertion
// order breaks ties. An empty result is a signal, not an error.
func (s *Store) SelectCandidates(ctx context.Context, city, serviceType string, exclude []string, limit int) ([]models.Locksmith, error) {
	serviceColumn, ok := map[string]string{
		"home_lockout": "supports_home_lockout",
		"car_lockout":  "supports_car_lockout",
		"rekey":        "supports_rekey",
		"smart_lock":   "supports_smart_lock",
	}[serviceType]
	if !ok {
		return nil, fmt.Errorf("unknown service type %q", serviceType)
	}
	if exclude == nil {
		exclude = []string{}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT`+locksmithColumns+` FROM locksmiths
		WHERE is_active AND is_available
		  AND primary_city = $1
		  AND %s
		  AND NOT (id = ANY($2))
		ORDER BY last_contacted_at ASC NULLS FIRST, onboarded_at ASC
		LIMIT $3
	`, serviceColumn), city, exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Locksmith
	for rows.Next() {
		l, err := scanLocksmith(rows)
		if err != nil {
			return nil, fmt.Errorf("scan locksmith: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetLocksmithAvailability flips the offer-pause flag (AVAILABLE/UNAVAILABLE).
func (s *Store) SetLocksmithAvailability(ctx context.Context, id string, available bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE locksmiths SET is_available = $2, updated_at = NOW() WHERE id = $1
	`, id, available)
	return err
}

// SetLocksmithActive deactivates (STOP) or reactivates a locksmith.
func (s *Store) SetLocksmithActive(ctx context.Context, id string, active bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE locksmiths SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	return err
}
