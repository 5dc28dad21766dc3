package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	twclient "github.com/twilio/twilio-go/client"

	"locksmith-dispatch/internal/config"
	"locksmith-dispatch/internal/dispatch"
	"locksmith-dispatch/internal/inbound"
	"locksmith-dispatch/internal/models"
	"locksmith-dispatch/internal/payments"
	"locksmith-dispatch/internal/photos"
	"locksmith-dispatch/internal/ratelimit"
	"locksmith-dispatch/internal/store"
	"locksmith-dispatch/internal/telemetry"
)

const maxWebhookBody = 256 * 1024

// Server wires HTTP handlers for webhooks, the booking funnel, and admin
// dispatch controls.
type Server struct {
	cfg      config.Config
	store    *store.Store
	gateway  *inbound.Gateway
	orch     *dispatch.Orchestrator
	arbiter  *dispatch.Arbiter
	promoter *dispatch.Promoter
	payments *payments.Client
	photos   *photos.Processor
	limiter  *ratelimit.Limiter

	validator twclient.RequestValidator
}

// New constructs the API server. payments and limiter may be nil in dev.
func New(cfg config.Config, st *store.Store, gw *inbound.Gateway, orch *dispatch.Orchestrator,
	arb *dispatch.Arbiter, prom *dispatch.Promoter, pay *payments.Client,
	ph *photos.Processor, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		gateway:   gw,
		orch:      orch,
		arbiter:   arb,
		promoter:  prom,
		payments:  pay,
		photos:    ph,
		limiter:   limiter,
		validator: twclient.NewRequestValidator(cfg.TwilioAuthToken),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/twilio/sms", s.handleTwilioSMS)
	r.Post("/webhooks/stripe", s.handleStripeWebhook)

	r.Post("/sessions", s.handleCreateSession)
	r.Post("/sessions/{id}/photos", s.handleUploadPhoto)
	r.Post("/sessions/{id}/pay", s.handleCreatePayment)
	r.Post("/sessions/{id}/complete", s.handleCompleteSession)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/jobs/{id}", s.handleAdminGetJob)
		r.Post("/jobs/{id}/assign", s.handleAdminAssign)
		r.Post("/jobs/{id}/cancel", s.handleAdminCancel)
		r.Post("/jobs/{id}/status", s.handleAdminStatus)
	})

	return r
}

// handleTwilioSMS verifies the provider signature, then hands the message to
// the gateway. The reply rides back as TwiML; a retryable failure answers
// 503 so the provider redelivers.
func (s *Server) handleTwilioSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	if !s.verifyTwilioSignature(r) {
		telemetry.SignatureRejects.Inc()
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	ev := inbound.SMSEvent{
		MessageID: r.PostFormValue("MessageSid"),
		From:      r.PostFormValue("From"),
		Body:      r.PostFormValue("Body"),
	}
	if ev.MessageID == "" || ev.From == "" {
		http.Error(w, "missing MessageSid or From", http.StatusBadRequest)
		return
	}

	reply, err := s.gateway.HandleSMS(r.Context(), ev)
	if err != nil {
		if errors.Is(err, inbound.ErrEventInFlight) {
			http.Error(w, "event in flight", http.StatusServiceUnavailable)
			return
		}
		log.Printf("handle sms %s: %v", ev.MessageID, err)
		http.Error(w, "temporary failure", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(inbound.TwiML(reply)))
}

func (s *Server) verifyTwilioSignature(r *http.Request) bool {
	// Dev mode runs without provider credentials and skips verification.
	if s.cfg.TwilioAuthToken == "" {
		return s.cfg.Env == "dev"
	}
	url := strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + r.URL.Path
	params := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, "payments not configured", http.StatusNotImplemented)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ev, err := s.payments.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrBadSignature) {
			telemetry.SignatureRejects.Inc()
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := s.gateway.HandlePayment(r.Context(), ev); err != nil {
		if errors.Is(err, inbound.ErrEventInFlight) {
			http.Error(w, "event in flight", http.StatusServiceUnavailable)
			return
		}
		log.Printf("handle payment event %s: %v", ev.ID, err)
		http.Error(w, "temporary failure", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type createSessionRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Address       string `json:"address"`
	City          string `json:"city"`
	ServiceType   string `json:"service_type"`
	Urgency       string `json:"urgency"`
	Description   string `json:"description"`
	DepositCents  int    `json:"deposit_cents"`
}

var validServiceTypes = map[string]bool{
	"home_lockout": true,
	"car_lockout":  true,
	"rekey":        true,
	"smart_lock":   true,
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CustomerPhone == "" || req.Address == "" || req.City == "" {
		http.Error(w, "customer_phone, address, and city are required", http.StatusBadRequest)
		return
	}
	if !validServiceTypes[req.ServiceType] {
		http.Error(w, "unknown service_type", http.StatusBadRequest)
		return
	}
	if req.DepositCents <= 0 {
		http.Error(w, "deposit_cents must be positive", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), req.CustomerPhone)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	sess, err := s.store.CreateSession(r.Context(), store.CreateSessionParams{
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Address:       req.Address,
		City:          req.City,
		ServiceType:   req.ServiceType,
		Urgency:       req.Urgency,
		Description:   req.Description,
		DepositCents:  req.DepositCents,
	})
	if err != nil {
		http.Error(w, "create session failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleUploadPhoto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	file, _, err := r.FormFile("photo")
	if err != nil {
		http.Error(w, "photo file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.PhotoMaxBytes+1))
	if err != nil {
		http.Error(w, "read photo", http.StatusBadRequest)
		return
	}

	key, contentType, err := s.photos.Process(r.Context(), id, data)
	if err != nil {
		switch {
		case errors.Is(err, photos.ErrTooLarge):
			http.Error(w, "photo too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, photos.ErrNotImage):
			http.Error(w, "unsupported image format", http.StatusUnsupportedMediaType)
		default:
			http.Error(w, "store photo failed", http.StatusInternalServerError)
		}
		return
	}

	photo, err := s.store.AddSessionPhoto(r.Context(), id, key, contentType)
	if err != nil {
		http.Error(w, "record photo failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, photo)
}

// handleCreatePayment opens a deposit payment intent for the session and
// returns the client secret the frontend needs to collect payment.
func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		http.Error(w, "payments not configured", http.StatusNotImplemented)
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	intentID, clientSecret, err := s.payments.CreateDepositIntent(r.Context(), sess)
	if err != nil {
		http.Error(w, "create payment failed", http.StatusBadGateway)
		return
	}
	if err := s.store.SetSessionPaymentIntent(r.Context(), sess.ID, intentID); err != nil {
		http.Error(w, "record payment intent failed", http.StatusInternalServerError)
		return
	}
	if err := s.store.SetSessionStatus(r.Context(), sess.ID, models.SessionPaymentPending); err != nil {
		http.Error(w, "update session failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payment_intent_id": intentID,
		"client_secret":     clientSecret,
	})
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, reused, err := s.promoter.Complete(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "session not found", http.StatusNotFound)
		case errors.Is(err, dispatch.ErrPaymentIncomplete):
			http.Error(w, "payment not completed", http.StatusPaymentRequired)
		default:
			log.Printf("complete session %s: %v", id, err)
			http.Error(w, "promotion failed", http.StatusInternalServerError)
		}
		return
	}

	code := http.StatusAccepted
	if reused {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"job": job, "idempotent": reused})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "admin API disabled", http.StatusForbidden)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.cfg.AdminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	offers, err := s.store.OffersForJob(r.Context(), id)
	if err != nil {
		http.Error(w, "offer lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "offers": offers})
}

type adminAssignRequest struct {
	LocksmithID string `json:"locksmith_id"`
	QuotedCents int    `json:"quoted_cents"`
}

func (s *Server) handleAdminAssign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req adminAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.LocksmithID == "" {
		http.Error(w, "locksmith_id is required", http.StatusBadRequest)
		return
	}

	outcome, err := s.arbiter.AdminAssign(r.Context(), id, req.LocksmithID, req.QuotedCents)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job or locksmith not found", http.StatusNotFound)
			return
		}
		log.Printf("admin assign job %s: %v", id, err)
		http.Error(w, "assign failed", http.StatusInternalServerError)
		return
	}
	if outcome != dispatch.Assigned {
		http.Error(w, "job already assigned", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
}

func (s *Server) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.CancelJob(r.Context(), id, "canceled via admin API"); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, dispatch.ErrJobBusy):
			http.Error(w, "job busy, retry", http.StatusConflict)
		default:
			var illegal *models.ErrIllegalTransition
			if errors.As(err, &illegal) {
				http.Error(w, illegal.Error(), http.StatusConflict)
				return
			}
			http.Error(w, "cancel failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type adminStatusRequest struct {
	Status string `json:"status"`
}

// handleAdminStatus moves an assigned job through its post-assignment
// lifecycle (en_route, completed). Dispatch-owned states go through the
// orchestrator, not this endpoint.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req adminStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	to := models.JobStatus(req.Status)
	switch to {
	case models.JobEnRoute, models.JobCompleted:
	default:
		http.Error(w, "status must be en_route or completed", http.StatusBadRequest)
		return
	}

	job, err := s.store.TransitionJob(r.Context(), id, to)
	if err != nil {
		var illegal *models.ErrIllegalTransition
		switch {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.As(err, &illegal):
			http.Error(w, illegal.Error(), http.StatusConflict)
		default:
			http.Error(w, "transition failed", http.StatusInternalServerError)
		}
		return
	}
	_ = s.store.AppendAudit(r.Context(), "job", id, "status_set", string(to))
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
