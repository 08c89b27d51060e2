// Package lock serializes pipeline runs and rollups against one ledger.
//
// The ledger's append-only guarantees hold only under a single writer, so the
// orchestrator takes a named lease before touching it. Two backends exist: a
// lock file next to the ledger for a single host, and Redis for runners spread
// across hosts that share a replicated ledger.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tbowman01/shared-github-actions/pkg/evidence"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lock held by another run")

// DefaultTTL bounds how long a crashed holder can block the ledger.
const DefaultTTL = 30 * time.Minute

// Lease is an acquired lock.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out named leases.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Acquire takes key from l. Failures other than a held lease, such as an
// unwritable lock directory or an unreachable Redis, come back as ledger
// commit errors.
func Acquire(ctx context.Context, l Locker, key string) (Lease, error) {
	lease, err := l.Acquire(ctx, key)
	if err != nil && evidence.KindOf(err) == "" {
		return nil, evidence.E(evidence.KindLedgerCommit, "acquire lock "+key, err)
	}
	return lease, err
}

func busy(key, holder string) error {
	return evidence.E(evidence.KindLedgerBusy, "acquire lock "+key, fmt.Errorf("%w (%s)", ErrHeld, holder))
}

// newToken identifies one holder. The host and pid are informational.
func newToken() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "/" + strconv.Itoa(os.Getpid()) + "/" + uuid.NewString()
}
