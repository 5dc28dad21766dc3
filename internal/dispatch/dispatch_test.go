package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"locksmith-dispatch/internal/lease"
	"locksmith-dispatch/internal/models"
	"locksmith-dispatch/internal/store"
)

// memStore mirrors the guarded compare-and-set semantics of the Postgres
// store so the engine's concurrency behavior can be exercised in-process.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]models.Job
	offers     map[string]models.Offer
	offerSeq   int
	locksmiths []models.Locksmith
	sessions   map[string]models.RequestSession
	audits     []string
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]models.Job{},
		offers:   map[string]models.Offer{},
		sessions: map[string]models.RequestSession{},
	}
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job, nil
}

func (m *memStore) MarkDispatching(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status == models.JobDispatching {
		return job, nil
	}
	if job.Status != models.JobCreated {
		return models.Job{}, &models.ErrIllegalTransition{Entity: "job", ID: id, From: string(job.Status), To: string(models.JobDispatching)}
	}
	now := time.Now()
	job.Status = models.JobDispatching
	job.DispatchStartedAt = &now
	job.CurrentWave = 0
	m.jobs[id] = job
	return job, nil
}

func (m *memStore) AdvanceWave(_ context.Context, id string, wave int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if !models.CanTransition(job.Status, models.JobOffered) {
		return &models.ErrIllegalTransition{Entity: "job", ID: id, From: string(job.Status), To: string(models.JobOffered)}
	}
	job.Status = models.JobOffered
	job.CurrentWave = wave
	m.jobs[id] = job
	return nil
}

func (m *memStore) TransitionJob(_ context.Context, id string, to models.JobStatus) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if job.Status == to {
		return job, nil
	}
	if !models.CanTransition(job.Status, to) {
		return models.Job{}, &models.ErrIllegalTransition{Entity: "job", ID: id, From: string(job.Status), To: string(to)}
	}
	job.Status = to
	m.jobs[id] = job
	return job, nil
}

func (m *memStore) AssignJob(_ context.Context, id, locksmithID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.AssignedLocksmithID != nil || !models.CanTransition(job.Status, models.JobAssigned) {
		return false, nil
	}
	job.Status = models.JobAssigned
	job.AssignedLocksmithID = &locksmithID
	job.AssignedAt = &at
	m.jobs[id] = job
	return true, nil
}

func (m *memStore) CreateOffer(_ context.Context, jobID, locksmithID string, wave int, expiresAt time.Time) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offerSeq++
	o := models.Offer{
		ID:          fmt.Sprintf("offer-%d", m.offerSeq),
		JobID:       jobID,
		LocksmithID: locksmithID,
		WaveNumber:  wave,
		Status:      models.OfferPending,
		SentAt:      time.Now(),
		ExpiresAt:   expiresAt,
	}
	m.offers[o.ID] = o
	for i := range m.locksmiths {
		if m.locksmiths[i].ID == locksmithID {
			now := time.Now()
			m.locksmiths[i].LastContactedAt = &now
		}
	}
	return o, nil
}

func (m *memStore) GetOffer(_ context.Context, id string) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, store.ErrNotFound)
	}
	return o, nil
}

func (m *memStore) AcceptOffer(_ context.Context, id string, quotedCents int) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offers[id]
	if o.Status == models.OfferAccepted {
		return o, nil
	}
	if o.Status != models.OfferPending {
		return models.Offer{}, &models.ErrIllegalTransition{Entity: "offer", ID: id, From: string(o.Status), To: string(models.OfferAccepted)}
	}
	o.Status = models.OfferAccepted
	o.QuotedCents = &quotedCents
	m.offers[id] = o
	return o, nil
}

func (m *memStore) TransitionOffer(_ context.Context, id string, to models.OfferStatus) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offers[id]
	if o.Status == to {
		return o, nil
	}
	if !models.CanTransitionOffer(o.Status, to) {
		return models.Offer{}, &models.ErrIllegalTransition{Entity: "offer", ID: id, From: string(o.Status), To: string(to)}
	}
	o.Status = to
	m.offers[id] = o
	return o, nil
}

func (m *memStore) CancelOpenOffers(_ context.Context, jobID, exceptOfferID string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var canceled []models.Offer
	for id, o := range m.offers {
		if o.JobID == jobID && id != exceptOfferID && o.Status == models.OfferPending {
			o.Status = models.OfferCanceled
			m.offers[id] = o
			canceled = append(canceled, o)
		}
	}
	return canceled, nil
}

func (m *memStore) ExpirePending(_ context.Context, jobID string, wave int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, o := range m.offers {
		if o.JobID == jobID && o.WaveNumber == wave && o.Status == models.OfferPending {
			o.Status = models.OfferExpired
			m.offers[id] = o
			n++
		}
	}
	return n, nil
}

func (m *memStore) OpenOfferCount(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.offers {
		if o.JobID == jobID && o.Status == models.OfferPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) HasAcceptedOffer(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.offers {
		if o.JobID == jobID && o.Status == models.OfferAccepted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ContactedLocksmiths(_ context.Context, jobID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, o := range m.offers {
		if o.JobID == jobID && !seen[o.LocksmithID] {
			seen[o.LocksmithID] = true
			ids = append(ids, o.LocksmithID)
		}
	}
	return ids, nil
}

func (m *memStore) WaveDeadline(_ context.Context, jobID string, wave int) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deadline time.Time
	found := false
	for _, o := range m.offers {
		if o.JobID == jobID && o.WaveNumber == wave && o.ExpiresAt.After(deadline) {
			deadline = o.ExpiresAt
			found = true
		}
	}
	return deadline, found, nil
}

func (m *memStore) SetOfferMessageID(_ context.Context, offerID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.offers[offerID]
	o.ProviderMessageID = &messageID
	m.offers[offerID] = o
	return nil
}

func (m *memStore) SelectCandidates(_ context.Context, city, serviceType string, exclude []string, limit int) ([]models.Locksmith, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := map[string]bool{}
	for _, id := range exclude {
		excluded[id] = true
	}
	var out []models.Locksmith
	for _, l := range m.locksmiths {
		if len(out) >= limit {
			break
		}
		if excluded[l.ID] || !l.IsActive || !l.IsAvailable || l.PrimaryCity != city || !l.Supports(serviceType) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) GetLocksmith(_ context.Context, id string) (models.Locksmith, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.locksmiths {
		if l.ID == id {
			return l, nil
		}
	}
	return models.Locksmith{}, fmt.Errorf("locksmith %s: %w", id, store.ErrNotFound)
}

func (m *memStore) GetSession(_ context.Context, id string) (models.RequestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.RequestSession{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return s, nil
}

func (m *memStore) JobForSession(_ context.Context, sessionID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.SessionID != nil && *j.SessionID == sessionID {
			return j, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (m *memStore) CreateJobFromSession(_ context.Context, sess models.RequestSession) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.SessionID != nil && *j.SessionID == sess.ID {
			return j, true, nil
		}
	}
	sid := sess.ID
	job := models.Job{
		ID:            "job-from-" + sess.ID,
		CustomerName:  sess.CustomerName,
		CustomerPhone: sess.CustomerPhone,
		ServiceType:   sess.ServiceType,
		Urgency:       sess.Urgency,
		Address:       sess.Address,
		City:          sess.City,
		Status:        models.JobCreated,
		DepositCents:  sess.DepositCents,
		SessionID:     &sid,
		CreatedAt:     time.Now(),
	}
	m.jobs[job.ID] = job
	return job, false, nil
}

func (m *memStore) JobsAwaitingWave(_ context.Context) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		switch j.Status {
		case models.JobCreated, models.JobDispatching, models.JobOffered:
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memStore) AppendAudit(_ context.Context, entityType, entityID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entityType+":"+entityID+":"+event)
	return nil
}

func (m *memStore) offersByStatus(jobID string, status models.OfferStatus) []models.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.JobID == jobID && o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

type memTimers struct {
	mu    sync.Mutex
	armed map[string]time.Time
}

func newMemTimers() *memTimers {
	return &memTimers{armed: map[string]time.Time{}}
}

func (t *memTimers) Schedule(_ context.Context, jobID string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed[jobID] = at
	return nil
}

func (t *memTimers) Cancel(_ context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.armed, jobID)
	return nil
}

func (t *memTimers) armedAt(jobID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.armed[jobID]
	return at, ok
}

type sentMessage struct {
	To   string
	Body string
}

type memNotifier struct {
	mu     sync.Mutex
	sent   []sentMessage
	failTo map[string]bool
	seq    int
}

func newMemNotifier() *memNotifier {
	return &memNotifier{failTo: map[string]bool{}}
}

func (n *memNotifier) Send(_ context.Context, to, body, _ string) (string, string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failTo[to] {
		return "", "failed", errors.New("delivery failed")
	}
	n.seq++
	n.sent = append(n.sent, sentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%d", n.seq), "queued", nil
}

func (n *memNotifier) sentTo(to string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, msg := range n.sent {
		if msg.To == to {
			out = append(out, msg.Body)
		}
	}
	return out
}

type memRefunder struct {
	mu   sync.Mutex
	jobs []string
}

func (r *memRefunder) InitiateRefund(_ context.Context, job models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.ID)
	return nil
}

type env struct {
	store    *memStore
	timers   *memTimers
	notifier *memNotifier
	refunder *memRefunder
	orch     *Orchestrator
	arbiter  *Arbiter
	promoter *Promoter
}

func newEnv(t *testing.T, waveSize int) *env {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := newMemStore()
	timers := newMemTimers()
	notifier := newMemNotifier()
	refunder := &memRefunder{}
	locks := lease.New(client, 10*time.Second)

	orch := NewOrchestrator(st, timers, locks, notifier, refunder, waveSize, 2*time.Minute)
	arb := NewArbiter(st, locks, timers, notifier, 2*time.Minute)
	prom := NewPromoter(st, orch, notifier, nil)
	return &env{store: st, timers: timers, notifier: notifier, refunder: refunder, orch: orch, arbiter: arb, promoter: prom}
}

func (e *env) seedLocksmiths(n int) {
	for i := 1; i <= n; i++ {
		e.store.locksmiths = append(e.store.locksmiths, models.Locksmith{
			ID:                  fmt.Sprintf("ls-%d", i),
			DisplayName:         fmt.Sprintf("Locksmith %d", i),
			Phone:               fmt.Sprintf("+1555123%04d", i),
			PrimaryCity:         "Austin",
			SupportsHomeLockout: true,
			IsActive:            true,
			IsAvailable:         true,
		})
	}
}

func (e *env) seedJob(id string) {
	e.store.jobs[id] = models.Job{
		ID:            id,
		CustomerName:  "Pat",
		CustomerPhone: "+15550000001",
		ServiceType:   "home_lockout",
		Urgency:       "emergency",
		Address:       "100 Main St",
		City:          "Austin",
		Status:        models.JobCreated,
		DepositCents:  3000,
	}
}

func TestStartDispatchSendsFirstWave(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(5)
	e.seedJob("job-1")

	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	job := e.store.jobs["job-1"]
	if job.Status != models.JobOffered || job.CurrentWave != 1 {
		t.Fatalf("job = %s wave %d, want offered wave 1", job.Status, job.CurrentWave)
	}
	pending := e.store.offersByStatus("job-1", models.OfferPending)
	if len(pending) != 3 {
		t.Fatalf("pending offers = %d, want 3", len(pending))
	}
	if _, armed := e.timers.armedAt("job-1"); !armed {
		t.Fatalf("wave timer not armed")
	}
	for _, o := range pending {
		if o.ProviderMessageID == nil {
			t.Fatalf("offer %s missing provider message id", o.ID)
		}
	}
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	offers := e.store.offersByStatus("job-1", models.OfferPending)
	if len(offers) != 3 {
		t.Fatalf("pending offers = %d", len(offers))
	}

	outcomes := make([]AssignOutcome, len(offers))
	var wg sync.WaitGroup
	for i, offer := range offers {
		wg.Add(1)
		go func(i int, o models.Offer) {
			defer wg.Done()
			out, err := e.arbiter.TryAssign(ctx, o.JobID, o.ID, o.LocksmithID, 8500)
			if err != nil {
				t.Errorf("TryAssign %s: %v", o.ID, err)
			}
			outcomes[i] = out
		}(i, offer)
	}
	wg.Wait()

	wins := 0
	for _, out := range outcomes {
		if out == Assigned {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	accepted := e.store.offersByStatus("job-1", models.OfferAccepted)
	if len(accepted) != 1 {
		t.Fatalf("accepted offers = %d, want exactly 1", len(accepted))
	}
	job := e.store.jobs["job-1"]
	if job.Status != models.JobAssigned || job.AssignedLocksmithID == nil {
		t.Fatalf("job not assigned: %+v", job)
	}
	if *job.AssignedLocksmithID != accepted[0].LocksmithID {
		t.Fatalf("assignee %s does not match accepted offer %s", *job.AssignedLocksmithID, accepted[0].LocksmithID)
	}
	if got := e.store.offersByStatus("job-1", models.OfferPending); len(got) != 0 {
		t.Fatalf("offers left pending after assignment: %d", len(got))
	}
	if _, armed := e.timers.armedAt("job-1"); armed {
		t.Fatalf("wave timer still armed after assignment")
	}
}

func TestAcceptAfterAssignment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	offers := e.store.offersByStatus("job-1", models.OfferPending)

	out, err := e.arbiter.TryAssign(ctx, "job-1", offers[0].ID, offers[0].LocksmithID, 9000)
	if err != nil || out != Assigned {
		t.Fatalf("first accept: outcome=%v err=%v", out, err)
	}

	out, err = e.arbiter.TryAssign(ctx, "job-1", offers[1].ID, offers[1].LocksmithID, 8000)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if out != AlreadyAssigned {
		t.Fatalf("second accept outcome = %v, want AlreadyAssigned", out)
	}
	second, _ := e.store.GetOffer(ctx, offers[1].ID)
	if second.Status == models.OfferAccepted {
		t.Fatalf("second offer reached accepted")
	}
}

func TestAdminAssignBeforeDispatchRefused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")

	// Admin jumps in before dispatch ever started. The job cannot be
	// assigned, and no offer may end up accepted on it.
	out, err := e.arbiter.AdminAssign(ctx, "job-1", "ls-1", 9000)
	if err != nil {
		t.Fatalf("AdminAssign: %v", err)
	}
	if out == Assigned {
		t.Fatalf("admin assignment succeeded on a job outside dispatch")
	}
	job := e.store.jobs["job-1"]
	if job.Status != models.JobCreated || job.AssignedLocksmithID != nil {
		t.Fatalf("job mutated: status=%s assigned=%v", job.Status, job.AssignedLocksmithID)
	}
	if got := len(e.store.offersByStatus("job-1", models.OfferAccepted)); got != 0 {
		t.Fatalf("accepted offers = %d, want 0", got)
	}

	// Dispatch still progresses normally afterward: first wave goes out and
	// a timeout advances to wave 2 instead of stalling.
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	if err := e.orch.ResolveWaveTimeout(ctx, "job-1"); err != nil {
		t.Fatalf("ResolveWaveTimeout: %v", err)
	}
	job = e.store.jobs["job-1"]
	if job.Status == models.JobOffered && len(e.store.offersByStatus("job-1", models.OfferPending)) == 0 {
		t.Fatalf("job stuck offered with no open offers")
	}
}

func TestNoCandidatesFailsJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedJob("job-1")

	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	job := e.store.jobs["job-1"]
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if len(e.store.offersByStatus("job-1", models.OfferPending)) != 0 {
		t.Fatalf("offers created for job with no candidates")
	}
	msgs := e.notifier.sentTo("+15550000001")
	if len(msgs) != 1 || !strings.Contains(msgs[0], "refund") {
		t.Fatalf("customer failure notice missing: %v", msgs)
	}
	if len(e.refunder.jobs) != 1 || e.refunder.jobs[0] != "job-1" {
		t.Fatalf("refund not initiated: %v", e.refunder.jobs)
	}
}

func TestAllDeclinedTriggersNextWave(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(5)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	wave1 := e.store.offersByStatus("job-1", models.OfferPending)

	for _, o := range wave1 {
		if _, err := e.store.TransitionOffer(ctx, o.ID, models.OfferDeclined); err != nil {
			t.Fatalf("decline %s: %v", o.ID, err)
		}
		if err := e.orch.OnOfferResolved(ctx, "job-1"); err != nil {
			t.Fatalf("OnOfferResolved: %v", err)
		}
	}

	job := e.store.jobs["job-1"]
	if job.CurrentWave != 2 {
		t.Fatalf("wave = %d, want 2 after all declines", job.CurrentWave)
	}
	wave2 := e.store.offersByStatus("job-1", models.OfferPending)
	if len(wave2) != 2 {
		t.Fatalf("wave 2 offers = %d, want 2 remaining candidates", len(wave2))
	}
	contacted := map[string]bool{}
	for _, o := range wave1 {
		contacted[o.LocksmithID] = true
	}
	for _, o := range wave2 {
		if contacted[o.LocksmithID] {
			t.Fatalf("locksmith %s contacted twice", o.LocksmithID)
		}
	}
}

func TestWaveTimeoutExpiresAndAdvances(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(5)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	if err := e.orch.ResolveWaveTimeout(ctx, "job-1"); err != nil {
		t.Fatalf("ResolveWaveTimeout: %v", err)
	}

	if got := len(e.store.offersByStatus("job-1", models.OfferExpired)); got != 3 {
		t.Fatalf("expired offers = %d, want 3", got)
	}
	job := e.store.jobs["job-1"]
	if job.CurrentWave != 2 {
		t.Fatalf("wave = %d, want 2", job.CurrentWave)
	}
	if got := len(e.store.offersByStatus("job-1", models.OfferPending)); got != 2 {
		t.Fatalf("wave 2 pending offers = %d, want 2", got)
	}
}

func TestWaveTimeoutExhaustedFailsJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	if err := e.orch.ResolveWaveTimeout(ctx, "job-1"); err != nil {
		t.Fatalf("ResolveWaveTimeout: %v", err)
	}

	job := e.store.jobs["job-1"]
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %s, want failed when all candidates exhausted", job.Status)
	}
	if len(e.refunder.jobs) != 1 {
		t.Fatalf("refund not initiated")
	}
}

func TestTimeoutAfterAssignmentIsNoOp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	offers := e.store.offersByStatus("job-1", models.OfferPending)
	if out, err := e.arbiter.TryAssign(ctx, "job-1", offers[0].ID, offers[0].LocksmithID, 7500); err != nil || out != Assigned {
		t.Fatalf("accept: outcome=%v err=%v", out, err)
	}

	// A timer raced the acceptance and fires afterward.
	if err := e.orch.ResolveWaveTimeout(ctx, "job-1"); err != nil {
		t.Fatalf("ResolveWaveTimeout: %v", err)
	}

	job := e.store.jobs["job-1"]
	if job.Status != models.JobAssigned {
		t.Fatalf("job status = %s, want assigned untouched", job.Status)
	}
	if got := len(e.store.offersByStatus("job-1", models.OfferAccepted)); got != 1 {
		t.Fatalf("accepted offers = %d", got)
	}
}

func TestOfferSendFailureKeepsOfferPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	e.notifier.failTo["+15551230002"] = true

	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	pending := e.store.offersByStatus("job-1", models.OfferPending)
	if len(pending) != 3 {
		t.Fatalf("pending offers = %d, want 3 even with one delivery failure", len(pending))
	}
	for _, o := range pending {
		if o.LocksmithID == "ls-2" && o.ProviderMessageID != nil {
			t.Fatalf("failed delivery recorded a message id")
		}
	}
}

func TestCancelJobSweepsOpenOffers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	if err := e.orch.CancelJob(ctx, "job-1", "customer canceled"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job := e.store.jobs["job-1"]
	if job.Status != models.JobCanceled {
		t.Fatalf("job status = %s, want canceled", job.Status)
	}
	if got := len(e.store.offersByStatus("job-1", models.OfferCanceled)); got != 3 {
		t.Fatalf("canceled offers = %d, want 3", got)
	}
	if _, armed := e.timers.armedAt("job-1"); armed {
		t.Fatalf("timer still armed after cancel")
	}
}

func TestPromoteCompletedSessionOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.store.sessions["sess-1"] = models.RequestSession{
		ID:            "sess-1",
		Status:        models.SessionPaymentCompleted,
		CustomerName:  "Pat",
		CustomerPhone: "+15550000001",
		Address:       "100 Main St",
		City:          "Austin",
		ServiceType:   "home_lockout",
		Urgency:       "emergency",
		DepositCents:  3000,
	}

	job, reused, err := e.promoter.Complete(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reused {
		t.Fatalf("first promotion reported reused")
	}
	if got := e.store.jobs[job.ID].Status; got != models.JobOffered {
		t.Fatalf("job status = %s, want offered after dispatch start", got)
	}
	firstWave := len(e.store.offersByStatus(job.ID, models.OfferPending))

	again, reused, err := e.promoter.Complete(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !reused || again.ID != job.ID {
		t.Fatalf("second promotion reused=%v id=%s, want reuse of %s", reused, again.ID, job.ID)
	}
	if got := len(e.store.offersByStatus(job.ID, models.OfferPending)); got != firstWave {
		t.Fatalf("offers after retry = %d, want %d", got, firstWave)
	}
}

func TestPromoteUnpaidSessionRefused(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.store.sessions["sess-1"] = models.RequestSession{
		ID:     "sess-1",
		Status: models.SessionStarted,
	}

	_, _, err := e.promoter.Complete(ctx, "sess-1")
	if !errors.Is(err, ErrPaymentIncomplete) {
		t.Fatalf("err = %v, want ErrPaymentIncomplete", err)
	}
	if len(e.store.jobs) != 0 {
		t.Fatalf("job created from unpaid session")
	}
}

func TestRecoverReArmsTimers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3)
	e.seedLocksmiths(3)
	e.seedJob("job-1")
	if err := e.orch.StartDispatch(ctx, "job-1"); err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	deadline, _ := e.timers.armedAt("job-1")

	// Simulate a restart that lost the timer state.
	e.timers.armed = map[string]time.Time{}

	recovered, err := e.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	rearmed, armed := e.timers.armedAt("job-1")
	if !armed {
		t.Fatalf("timer not re-armed")
	}
	if !rearmed.Equal(deadline) {
		t.Fatalf("re-armed at %v, want offer deadline %v", rearmed, deadline)
	}
}
