// Package lease provides a time-bounded exclusive hold on one job's
// assignment state, visible across service instances via Redis. The TTL
// bounds how long a crashed holder can wedge a job.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the job's lease.
var ErrHeld = errors.New("lease held by another owner")

// ErrNotHeld is returned when releasing or extending a lease that this
// holder no longer owns (expired and possibly re-acquired elsewhere).
var ErrNotHeld = errors.New("lease not held")

// Mutex acquires per-job leases in Redis.
type Mutex struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a lease mutex with the given TTL.
func New(client *redis.Client, ttl time.Duration) *Mutex {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Mutex{client: client, ttl: ttl}
}

// Lease is one acquired hold. Only the holder's token can release or extend
// it, so an expired lease re-acquired by someone else cannot be clobbered.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

func leaseKey(jobID string) string {
	return "dispatch:lease:" + jobID
}

// Acquire takes the job's lease or returns ErrHeld without blocking. Callers
// that get ErrHeld must not mutate the job.
func (m *Mutex) Acquire(ctx context.Context, jobID string) (*Lease, error) {
	token := uuid.New().String()
	ok, err := m.client.SetNX(ctx, leaseKey(jobID), token, m.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{client: m.client, key: leaseKey(jobID), token: token}, nil
}

// Release gives the lease up if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the expiry forward for long-running holders.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Compare-and-delete: only the owning token may release.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Compare-and-expire: only the owning token may extend.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
