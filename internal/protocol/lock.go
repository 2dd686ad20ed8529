package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relayname"
)

// Lock is the decoded body of a `<path>.lock` blob: the locking client's
// pseudonym, a fresh nonce, and its creation time.
type Lock struct {
	Holder    string
	Nonce     string
	Timestamp time.Time
}

var lockFieldOrder = []string{"holder", "nonce", "timestamp"}

// EncodeLock serializes a Lock to its on-relay text form.
func EncodeLock(l Lock) []byte {
	r := make(record)
	r["holder"] = l.Holder
	r["nonce"] = l.Nonce
	putTime(r, "timestamp", l.Timestamp)
	return r.encode(lockFieldOrder)
}

// DecodeLock parses a lock blob body.
func DecodeLock(data []byte) Lock {
	r := decodeRecord(data)
	return Lock{
		Holder:    r["holder"],
		Nonce:     r["nonce"],
		Timestamp: r.getTime("timestamp"),
	}
}

// Stale reports whether l's age exceeds ttl as measured from now. A zero
// ttl means locks never go stale (liveness reaping disabled).
func (l Lock) Stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return l.Timestamp.IsZero() || now.Sub(l.Timestamp) > ttl
}

// Locker implements the lock-acquisition dance of spec §4.3: a best-effort
// mutex over an eventually-consistent relay. Acquisition is not a hard
// guarantee of exclusivity (I1 holds "with high probability"); the sync
// engine is expected to detect and recover from the rare race via conflict
// detection, not this package.
type Locker struct {
	Relay      relay.Relay
	Pseudonym  string
	TTL        time.Duration // stale-after horizon; 0 disables reaping
	Settle     time.Duration // settling interval between put and confirm
	MaxNameLen int
	Now        func() time.Time // defaults to time.Now
}

func (l *Locker) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Acquire attempts to take the lock for logicalPath, following the
// four-step dance of spec §4.3. It returns errs.ErrBusy if another client
// currently holds a valid lock.
//
// The settling interval is load-bearing: it exists to tolerate backends
// where two near-simultaneous puts can both appear to succeed. It must
// never be skipped, even when `ctx` has ample deadline remaining.
func (l *Locker) Acquire(ctx context.Context, logicalPath string) error {
	name := relayname.Lock(logicalPath, l.MaxNameLen)

	if held, holder, err := l.peek(ctx, name); err != nil {
		return err
	} else if held && holder != l.Pseudonym {
		return errs.ErrBusy
	}

	nonce := uuid.NewString()
	body := EncodeLock(Lock{Holder: l.Pseudonym, Nonce: nonce, Timestamp: l.now()})
	if err := l.Relay.Put(ctx, name, body); err != nil {
		return fmt.Errorf("%w: put lock: %v", errs.ErrRelayTransient, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.Settle):
	}

	data, err := l.Relay.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: confirm lock: %v", errs.ErrRelayTransient, err)
	}
	confirmed := DecodeLock(data)
	if confirmed.Nonce != nonce {
		return errs.ErrBusy
	}
	return nil
}

// peek checks for an existing valid (non-stale) lock held by someone
// else. A stale lock is treated as absent: acquisition proceeds "step 2
// regardless of holder" per spec §4.3.
func (l *Locker) peek(ctx context.Context, name string) (held bool, holder string, err error) {
	exists, err := l.Relay.Exists(ctx, name)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", errs.ErrRelayTransient, err)
	}
	if !exists {
		return false, "", nil
	}
	data, err := l.Relay.Get(ctx, name)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", errs.ErrRelayTransient, err)
	}
	existing := DecodeLock(data)
	if existing.Stale(l.now(), l.TTL) {
		return false, existing.Holder, nil
	}
	return true, existing.Holder, nil
}

// Release deletes logicalPath's lock. Safe to call even if the lock is
// already gone (Delete is idempotent); callers should invoke Release on
// every exit path from an operation holding the lock, success or failure.
func (l *Locker) Release(ctx context.Context, logicalPath string) error {
	name := relayname.Lock(logicalPath, l.MaxNameLen)
	if err := l.Relay.Delete(ctx, name); err != nil {
		return fmt.Errorf("%w: release lock: %v", errs.ErrRelayTransient, err)
	}
	return nil
}

// Holds reports whether a currently-valid lock for logicalPath is held by
// anyone, and if so, by whom.
func (l *Locker) Holds(ctx context.Context, logicalPath string) (held bool, holder string, err error) {
	name := relayname.Lock(logicalPath, l.MaxNameLen)
	return l.peek(ctx, name)
}
