// Package identity resolves the startup pseudonym-uniqueness question left
// open by design note 9: a duplicate pseudonym on the same relay is
// rejected at startup by probing for an existing ".identity.<pseudo>"
// marker blob and claiming it atomically.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay"
)

func markerName(pseudonym string) string {
	return ".identity." + pseudonym
}

// Claim probes relay r for an existing identity marker for pseudonym. If
// one exists and was not written by this process (no matching nonce),
// Claim fails with errs.ErrConfig: the pseudonym is already in use by
// another client on this relay. Otherwise it writes a fresh marker
// carrying nonce and the claim time, granting this process exclusive use
// of the pseudonym for the session.
func Claim(ctx context.Context, r relay.Relay, pseudonym, nonce string) error {
	name := markerName(pseudonym)

	exists, err := r.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: probe identity marker: %v", errs.ErrRelayTransient, err)
	}

	if exists {
		data, err := r.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("%w: read identity marker: %v", errs.ErrRelayTransient, err)
		}
		if string(data) != nonce {
			return fmt.Errorf("%w: pseudonym %q already claimed on this relay", errs.ErrConfig, pseudonym)
		}
		// Same nonce: the marker was written by this same process
		// invocation, so claiming again is safe.
	}

	if err := r.Put(ctx, name, []byte(nonce)); err != nil {
		return fmt.Errorf("%w: write identity marker: %v", errs.ErrRelayTransient, err)
	}
	return nil
}

// Release deletes pseudonym's identity marker, freeing it for reuse. Best
// effort: callers invoke it during clean shutdown and ignore its error
// beyond logging, since a leftover marker only costs the next process a
// rejected claim until it expires by convention (none enforced here; the
// relay administrator reclaims stale markers out of band).
func Release(ctx context.Context, r relay.Relay, pseudonym string) error {
	if err := r.Delete(ctx, markerName(pseudonym)); err != nil {
		return fmt.Errorf("%w: delete identity marker: %v", errs.ErrRelayTransient, err)
	}
	return nil
}

// NewNonce returns a fresh marker value unique to this process invocation,
// used to tell this invocation's own marker apart from one written by any
// other client or by an earlier run (which Claim rejects).
func NewNonce() string {
	return uuid.NewString()
}
