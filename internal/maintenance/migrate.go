// Package maintenance implements the C8 operations of spec §4.8: copying
// a relay's entire blob set to another relay, archiving/restoring it as a
// tarball, and reading/modifying a path's access modifiers. SetAccess's
// peer notification is built directly on internal/protocol.Messenger (see
// DESIGN.md for why the legacy message-factory package was left
// unadapted).
package maintenance

import (
	"context"
	"fmt"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/protocol"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relayname"
)

// MigrateMode selects whether Migrate assumes exclusive access to every
// path (fast) or takes each path's C3 lock before copying it (safe).
type MigrateMode int

const (
	// MigrateFast assumes no client is actively writing to src; skips
	// the lock dance entirely.
	MigrateFast MigrateMode = iota
	// MigrateSafe acquires each payload's lock before copying it, at the
	// cost of the lock dance's relay calls (check, put, settle, confirm,
	// release) per payload.
	MigrateSafe
)

// Migrate copies every blob from src to dst, preserving names. In
// MigrateSafe mode, paths with an associated lock name are locked on src
// before being copied (spec §4.8 "Migrate").
func Migrate(ctx context.Context, src, dst relay.Relay, mode MigrateMode, pseudonym string, maxNameLen int) (int, error) {
	infos, err := src.List(ctx, "", true)
	if err != nil {
		return 0, fmt.Errorf("%w: list source: %v", errs.ErrRelayTransient, err)
	}

	var locker *protocol.Locker
	if mode == MigrateSafe {
		locker = &protocol.Locker{Relay: src, Pseudonym: pseudonym, MaxNameLen: maxNameLen}
	}

	copied := 0
	for _, info := range infos {
		if ctx.Err() != nil {
			return copied, ctx.Err()
		}

		category, escapedPath, _ := relayname.SplitCategory(info.Name)
		if mode == MigrateSafe && category == "payload" {
			logicalPath := relayname.Unescape(escapedPath)
			if err := locker.Acquire(ctx, logicalPath); err != nil {
				return copied, err
			}
			err := copyBlob(ctx, src, dst, info.Name)
			_ = locker.Release(ctx, logicalPath)
			if err != nil {
				return copied, err
			}
			copied++
			continue
		}

		if err := copyBlob(ctx, src, dst, info.Name); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func copyBlob(ctx context.Context, src, dst relay.Relay, name string) error {
	data, err := src.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", errs.ErrRelayTransient, name, err)
	}
	if err := dst.Put(ctx, name, data); err != nil {
		return fmt.Errorf("%w: put %s: %v", errs.ErrRelayTransient, name, err)
	}
	return nil
}
