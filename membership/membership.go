// Package membership coordinates which compactor instance may advance
// a log's watermark. Leases are advisory: the metadata store still
// rejects stale fencing tokens, so a crashed holder whose lease
// expired can never clobber a successor's commit.
package membership

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stratavec/strata/model"
)

// Token is a fencing token. Tokens issued for a log are strictly
// monotonic; the metadata store rejects commits carrying a token older
// than one it has already seen.
type Token uint64

// Lease grants its owner the right to compact one log until ExpiresAt.
type Lease struct {
	LogID     model.LogID
	Owner     string
	Token     Token
	ExpiresAt time.Time
}

var (
	// ErrLeaseHeld is returned when another owner holds an unexpired
	// lease on the log.
	ErrLeaseHeld = errors.New("membership: lease held by another owner")

	// ErrLeaseLost is returned when a lease being renewed, released or
	// validated is no longer current, because it expired and a new
	// owner took over.
	ErrLeaseLost = errors.New("membership: lease lost")
)

// Arbiter hands out compaction leases.
type Arbiter interface {
	// Acquire obtains a lease on logID. It fails with ErrLeaseHeld
	// while another owner's lease is live. Re-acquiring a lease the
	// same owner still holds extends it under a fresh token.
	Acquire(ctx context.Context, logID model.LogID, owner string, ttl time.Duration) (Lease, error)

	// Renew extends a held lease, keeping its token.
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)

	// Release gives the lease up early. Releasing a lost lease is not
	// an error.
	Release(ctx context.Context, lease Lease) error
}

type leaseState struct {
	owner     string
	token     Token
	expiresAt time.Time
}

// LocalArbiter is an in-process Arbiter for single-node deployments
// and tests. The clock is injectable so expiry paths are testable
// without sleeping.
type LocalArbiter struct {
	mu     sync.Mutex
	leases map[model.LogID]leaseState
	next   Token
	now    func() time.Time
}

// NewLocalArbiter creates an arbiter using the wall clock.
func NewLocalArbiter(optFns ...func(a *LocalArbiter)) *LocalArbiter {
	a := &LocalArbiter{
		leases: make(map[model.LogID]leaseState),
		now:    time.Now,
	}
	for _, fn := range optFns {
		fn(a)
	}
	return a
}

// WithClock overrides the arbiter's clock.
func WithClock(now func() time.Time) func(a *LocalArbiter) {
	return func(a *LocalArbiter) {
		a.now = now
	}
}

func (a *LocalArbiter) Acquire(_ context.Context, logID model.LogID, owner string, ttl time.Duration) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if st, ok := a.leases[logID]; ok && st.owner != owner && now.Before(st.expiresAt) {
		return Lease{}, ErrLeaseHeld
	}

	a.next++
	st := leaseState{
		owner:     owner,
		token:     a.next,
		expiresAt: now.Add(ttl),
	}
	a.leases[logID] = st

	return Lease{LogID: logID, Owner: owner, Token: st.token, ExpiresAt: st.expiresAt}, nil
}

func (a *LocalArbiter) Renew(_ context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.leases[lease.LogID]
	if !ok || st.token != lease.Token {
		return Lease{}, ErrLeaseLost
	}

	st.expiresAt = a.now().Add(ttl)
	a.leases[lease.LogID] = st

	lease.ExpiresAt = st.expiresAt
	return lease, nil
}

func (a *LocalArbiter) Release(_ context.Context, lease Lease) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.leases[lease.LogID]; ok && st.token == lease.Token {
		delete(a.leases, lease.LogID)
	}
	return nil
}
