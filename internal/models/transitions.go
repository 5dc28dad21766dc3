package models

import "fmt"

// jobSources maps each job status to the statuses allowed to move into it.
// This table is the single authority on legal job transitions; the store's
// guarded UPDATEs derive their WHERE clauses from it. Offered sources
// itself because each later wave re-enters offered.
var jobSources = map[JobStatus][]JobStatus{
	JobDispatching: {JobCreated},
	JobOffered:     {JobDispatching, JobOffered},
	JobAssigned:    {JobDispatching, JobOffered},
	JobEnRoute:     {JobAssigned},
	JobCompleted:   {JobAssigned, JobEnRoute},
	JobFailed:      {JobDispatching, JobOffered},
	JobCanceled:    {JobCreated, JobDispatching, JobOffered, JobAssigned, JobEnRoute},
}

// JobTransitionSources returns the statuses a job may hold immediately
// before entering target. Empty for unknown targets.
func JobTransitionSources(target JobStatus) []JobStatus {
	return jobSources[target]
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Offers only ever leave pending; every destination is terminal.
func CanTransitionOffer(from, to OfferStatus) bool {
	return from == OfferPending && to.Terminal()
}

// ErrIllegalTransition is returned when a status mutation would violate the
// transition table. Re-applying a transition an entity already took is not
// illegal; callers treat that as an idempotent no-op.
type ErrIllegalTransition struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal %s transition %s -> %s (id=%s)", e.Entity, e.From, e.To, e.ID)
}
