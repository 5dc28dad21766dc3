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

const sessionColumns = `
	id, status, customer_name, customer_phone, address, city, service_type,
	urgency, description, deposit_cents, payment_intent_id,
	created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (models.RequestSession, error) {
	var sess models.RequestSession
	var status string
	var description, intentID pgtype.Text
	var completedAt pgtype.Timestamptz
	err := row.Scan(
		&sess.ID, &status, &sess.CustomerName, &sess.CustomerPhone, &sess.Address,
		&sess.City, &sess.ServiceType, &sess.Urgency, &description, &sess.DepositCents,
		&intentID, &sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return models.RequestSession{}, err
	}
	sess.Status = models.SessionStatus(status)
	sess.Description = textPtr(description)
	sess.PaymentIntentID = textPtr(intentID)
	sess.CompletedAt = timePtr(completedAt)
	return sess, nil
}

// CreateSessionParams collects customer inputs for a new request session.
type CreateSessionParams struct {
	CustomerName  string
	CustomerPhone string
	Address       string
	City          string
	ServiceType   string
	Urgency       string
	Description   string
	DepositCents  int
}

// CreateSession inserts a new request session at the top of the funnel.
func (s *Store) CreateSession(ctx context.Context, p CreateSessionParams) (models.RequestSession, error) {
	if p.Urgency == "" {
		p.Urgency = "standard"
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_sessions (id, status, customer_name, customer_phone, address, city,
			service_type, urgency, description, deposit_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, id, string(models.SessionStarted), p.CustomerName, p.CustomerPhone, p.Address, p.City,
		p.ServiceType, p.Urgency, emptyToNil(p.Description), p.DepositCents, now)
	if err != nil {
		return models.RequestSession{}, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession fetches a request session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.RequestSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+sessionColumns+` FROM request_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RequestSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.RequestSession{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// SessionByPaymentIntent resolves a session from a provider payment intent id.
func (s *Store) SessionByPaymentIntent(ctx context.Context, intentID string) (models.RequestSession, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+sessionColumns+` FROM request_sessions WHERE payment_intent_id = $1`, intentID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RequestSession{}, false, nil
	}
	if err != nil {
		return models.RequestSession{}, false, fmt.Errorf("scan session: %w", err)
	}
	return sess, true, nil
}

// SetSessionPaymentIntent attaches the provider payment intent to a session
// and moves it to payment_pending.
func (s *Store) SetSessionPaymentIntent(ctx context.Context, id, intentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE request_sessions SET payment_intent_id = $2, status = $3, updated_at = NOW() WHERE id = $1
	`, id, intentID, string(models.SessionPaymentPending))
	return err
}

// SetSessionStatus records a funnel state change reported by the payment provider.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE request_sessions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	return err
}

// AddSessionPhoto records an uploaded photo's storage location.
func (s *Store) AddSessionPhoto(ctx context.Context, sessionID, storageKey, contentType string) (models.SessionPhoto, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_photos (id, session_id, storage_key, content_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, sessionID, storageKey, contentType, now)
	if err != nil {
		return models.SessionPhoto{}, fmt.Errorf("insert photo: %w", err)
	}
	return models.SessionPhoto{
		ID:          id,
		SessionID:   sessionID,
		StorageKey:  storageKey,
		ContentType: contentType,
		CreatedAt:   now,
	}, nil
}
