package models

import (
	"time"
)

// JobStatus enumerates job lifecycle states persisted in Postgres.
type JobStatus string

const (
	JobCreated     JobStatus = "created"
	JobDispatching JobStatus = "dispatching"
	JobOffered     JobStatus = "offered"
	JobAssigned    JobStatus = "assigned"
	JobEnRoute     JobStatus = "en_route"
	JobCompleted   JobStatus = "completed"
	JobCanceled    JobStatus = "canceled"
	JobFailed      JobStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCanceled || s == JobFailed
}

// OfferStatus enumerates offer lifecycle states. Everything past pending is terminal.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
	OfferCanceled OfferStatus = "canceled"
)

func (s OfferStatus) Terminal() bool {
	return s != OfferPending
}

// SessionStatus enumerates request-session funnel states.
type SessionStatus string

const (
	SessionStarted          SessionStatus = "started"
	SessionPaymentPending   SessionStatus = "payment_pending"
	SessionPaymentCompleted SessionStatus = "payment_completed"
	SessionPaymentFailed    SessionStatus = "payment_failed"
	SessionAbandoned        SessionStatus = "abandoned"
)

// Job represents a paid customer service request being dispatched.
type Job struct {
	ID            string    `json:"id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	ServiceType   string    `json:"service_type"`
	Urgency       string    `json:"urgency"`
	Description   *string   `json:"description,omitempty"`
	Address       string    `json:"address"`
	City          string    `json:"city"`
	Status        JobStatus `json:"status"`

	DepositCents    int     `json:"deposit_cents"`
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`
	PaymentStatus   *string `json:"payment_status,omitempty"`
	RefundID        *string `json:"refund_id,omitempty"`

	AssignedLocksmithID *string    `json:"assigned_locksmith_id,omitempty"`
	AssignedAt          *time.Time `json:"assigned_at,omitempty"`

	CurrentWave       int        `json:"current_wave"`
	DispatchStartedAt *time.Time `json:"dispatch_started_at,omitempty"`

	SessionID *string `json:"session_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Offer is one proposal of a job to one locksmith within one wave.
type Offer struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	LocksmithID string      `json:"locksmith_id"`
	WaveNumber  int         `json:"wave_number"`
	Status      OfferStatus `json:"status"`

	QuotedCents       *int    `json:"quoted_cents,omitempty"`
	ProviderMessageID *string `json:"provider_message_id,omitempty"`

	SentAt      time.Time  `json:"sent_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Locksmith is a candidate worker. The dispatch engine only reads it; SMS
// self-service commands and admin actions mutate availability flags.
type Locksmith struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	PrimaryCity string `json:"primary_city"`

	SupportsHomeLockout bool `json:"supports_home_lockout"`
	SupportsCarLockout  bool `json:"supports_car_lockout"`
	SupportsRekey       bool `json:"supports_rekey"`
	SupportsSmartLock   bool `json:"supports_smart_lock"`

	IsActive    bool `json:"is_active"`
	IsAvailable bool `json:"is_available"`

	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
	OnboardedAt     time.Time  `json:"onboarded_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Supports reports whether the locksmith handles the given service type.
func (l Locksmith) Supports(serviceType string) bool {
	switch serviceType {
	case "home_lockout":
		return l.SupportsHomeLockout
	case "car_lockout":
		return l.SupportsCarLockout
	case "rekey":
		return l.SupportsRekey
	case "smart_lock":
		return l.SupportsSmartLock
	}
	return false
}

// RequestSession tracks a customer through the booking funnel until payment,
// at which point the promotion gate converts it into a Job.
type RequestSession struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone"`
	Address       string        `json:"address"`
	City          string        `json:"city"`
	ServiceType   string        `json:"service_type"`
	Urgency       string        `json:"urgency"`
	Description   *string       `json:"description,omitempty"`

	DepositCents    int     `json:"deposit_cents"`
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SessionPhoto is a stored customer photo attached to a request session.
type SessionPhoto struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StorageKey  string    `json:"storage_key"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// InboundEvent is the durable record of one externally-delivered event,
// keyed by the provider's event id. Outcome is nil while processing is in
// flight; once set, redelivery of the same id replays the recorded outcome.
type InboundEvent struct {
	Provider   string     `json:"provider"`
	EventID    string     `json:"event_id"`
	ReceivedAt time.Time  `json:"received_at"`
	Outcome    *string    `json:"outcome,omitempty"`
	JobID      *string    `json:"job_id,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AuditLog is an append-only audit event row.
type AuditLog struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
