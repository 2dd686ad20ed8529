package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/frame"
	"github.com/escale/escale/internal/protocol"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relayname"
)

// Execute carries out a single Decision: acquires the path lock (where the
// action requires one), performs the push/pull/conflict/delete sequence of
// spec §4.6, and releases the lock on every exit path — success or
// failure.
func (e *Engine) Execute(ctx context.Context, d Decision) error {
	switch d.Action {
	case ActionSkip:
		return nil
	case ActionPush:
		return e.withLock(ctx, d.LogicalPath, e.executePush)
	case ActionPull:
		return e.withLock(ctx, d.LogicalPath, e.executePull)
	case ActionConflict:
		return e.executeConflict(ctx, d.LogicalPath)
	case ActionPropagateDelete:
		return e.withLock(ctx, d.LogicalPath, e.executePropagateDelete)
	default:
		return fmt.Errorf("engine: unknown action %v for %s", d.Action, d.LogicalPath)
	}
}

// withLock acquires logicalPath's lock, runs fn, and releases the lock
// regardless of fn's outcome (spec §4.3 "Release is attempted on every
// exit path ... including error paths").
func (e *Engine) withLock(ctx context.Context, logicalPath string, fn func(context.Context, string) error) error {
	if err := e.Locker.Acquire(ctx, logicalPath); err != nil {
		return err
	}
	defer func() {
		releaseCtx := ctx
		if ctx.Err() != nil {
			// Still attempt release with a fresh, short-lived context
			// even if the caller's context was cancelled mid-operation.
			var cancel context.CancelFunc
			releaseCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := e.Locker.Release(releaseCtx, logicalPath); err != nil {
			_ = err // best-effort; the lock will eventually reap via TTL
		}
	}()
	return fn(ctx, logicalPath)
}

// executePush implements spec §4.6's push sequence, run while holding
// logicalPath's lock.
func (e *Engine) executePush(ctx context.Context, logicalPath string) error {
	allowed, err := e.checkAccess(ctx, logicalPath, "write")
	if err != nil {
		return err
	}
	if !allowed {
		return nil // gated or denied; try again next scan
	}

	local, err := readLocalFile(e.cfg.LocalRoot, logicalPath)
	if err != nil {
		return err
	}

	digest := frame.Digest(local)

	existing, hasExisting, err := e.Placeholders.Get(ctx, logicalPath)
	if err != nil {
		return err
	}
	if hasExisting && existing.Digest == digest && !existing.IsTombstone() {
		return nil // idempotent: already pushed this content
	}

	framed, err := frame.Encode(local, e.cfg.Key, e.cfg.Compress)
	if err != nil {
		return fmt.Errorf("%w: frame payload: %v", errs.ErrLocalIO, err)
	}

	if err := e.recordBucketName(logicalPath); err != nil {
		return err
	}

	payloadName := relayname.Payload(logicalPath, e.cfg.MaxNameLen)
	tempName := relayname.Temp(logicalPath, uniqueNonce(), e.cfg.MaxNameLen)
	if err := e.Relay.Put(ctx, tempName, framed); err != nil {
		return fmt.Errorf("%w: stage payload: %v", errs.ErrRelayTransient, err)
	}
	if err := relay.Rename(ctx, e.Relay, tempName, payloadName); err != nil {
		return fmt.Errorf("%w: install payload: %v", errs.ErrRelayTransient, err)
	}

	nextVersion := existing.Version + 1
	p := protocol.Placeholder{
		Sender:    e.cfg.Pseudonym,
		Version:   nextVersion,
		Digest:    digest,
		Timestamp: e.cfg.now(),
		Flags:     existing.Flags,
	}
	if err := e.Placeholders.Put(ctx, logicalPath, p); err != nil {
		return err
	}

	entry, _, err := e.Index.Get(logicalPath)
	if err != nil {
		return err
	}
	entry.LogicalPath = logicalPath
	entry.LocalHash = digest
	entry.LocalSize = int64(len(local))
	entry.LastPushedVersion = nextVersion
	return e.Index.Set(entry)
}

// executePull implements spec §4.6's pull sequence, run while holding
// logicalPath's lock.
func (e *Engine) executePull(ctx context.Context, logicalPath string) error {
	allowed, err := e.checkAccess(ctx, logicalPath, "read")
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	p, ok, err := e.Placeholders.Get(ctx, logicalPath)
	if err != nil {
		return err
	}
	if !ok {
		return nil // raced away since classification
	}

	if p.IsTombstone() {
		return e.applyTombstone(ctx, logicalPath, p)
	}

	payloadName := relayname.Payload(logicalPath, e.cfg.MaxNameLen)
	framed, err := e.Relay.Get(ctx, payloadName)
	if err != nil {
		return fmt.Errorf("%w: get payload: %v", errs.ErrRelayTransient, err)
	}

	plaintext, err := frame.Decode(framed, e.cfg.Key)
	if err != nil {
		_ = quarantineLocalFile(e.cfg.LocalRoot, logicalPath, framed, e.cfg.now())
		return fmt.Errorf("%w: unframe payload %s: %v", errs.ErrIntegrity, logicalPath, err)
	}
	if digest := frame.Digest(plaintext); digest != p.Digest {
		_ = quarantineLocalFile(e.cfg.LocalRoot, logicalPath, plaintext, e.cfg.now())
		return fmt.Errorf("%w: digest mismatch for %s", errs.ErrIntegrity, logicalPath)
	}

	if err := writeLocalFile(e.cfg.LocalRoot, logicalPath, plaintext, p.Timestamp); err != nil {
		return err
	}

	switch e.cfg.Retention {
	case OneShot:
		if err := e.Placeholders.Delete(ctx, logicalPath); err != nil {
			return err
		}
		if err := e.Relay.Delete(ctx, payloadName); err != nil {
			return fmt.Errorf("%w: delete consumed payload: %v", errs.ErrRelayTransient, err)
		}
	case RetainHistory:
		if err := e.Placeholders.MarkConsumed(ctx, logicalPath, p); err != nil {
			return err
		}
	}

	entry, _, err := e.Index.Get(logicalPath)
	if err != nil {
		return err
	}
	entry.LogicalPath = logicalPath
	entry.LocalHash = p.Digest
	entry.LocalSize = int64(len(plaintext))
	entry.LastPulledVersion = p.Version
	entry.LastPulledHash = p.Digest
	return e.Index.Set(entry)
}

// applyTombstone deletes the local copy of logicalPath when its hash
// still matches the last pulled version, or escalates to conflict
// handling otherwise (spec §4.6 "Deletion propagation").
func (e *Engine) applyTombstone(ctx context.Context, logicalPath string, p protocol.Placeholder) error {
	entry, hasEntry, err := e.Index.Get(logicalPath)
	if err != nil {
		return err
	}

	local, localErr := readLocalFile(e.cfg.LocalRoot, logicalPath)
	localExists := localErr == nil

	if !localExists || !hasEntry || frame.Digest(local) == entry.LastPulledHash {
		if localExists {
			if err := removeLocalFile(e.cfg.LocalRoot, logicalPath); err != nil {
				return err
			}
		}
		if err := e.Index.Delete(logicalPath); err != nil {
			return err
		}
		return e.finishTombstone(ctx, logicalPath, p)
	}

	// Local copy diverged from what was last pulled: someone deleted
	// remotely while this client changed the file locally.
	return e.resolveConflict(ctx, logicalPath, local, p)
}

func (e *Engine) finishTombstone(ctx context.Context, logicalPath string, p protocol.Placeholder) error {
	switch e.cfg.Retention {
	case OneShot:
		return e.Placeholders.Delete(ctx, logicalPath)
	case RetainHistory:
		return e.Placeholders.MarkConsumed(ctx, logicalPath, p)
	}
	return nil
}

// executePropagateDelete advertises a local deletion by pushing a
// tombstone placeholder (spec §4.6 "Deletion propagation").
func (e *Engine) executePropagateDelete(ctx context.Context, logicalPath string) error {
	if err := e.recordBucketName(logicalPath); err != nil {
		return err
	}

	existing, hasExisting, err := e.Placeholders.Get(ctx, logicalPath)
	if err != nil {
		return err
	}
	nextVersion := existing.Version + 1
	if !hasExisting {
		nextVersion = 1
	}
	tombstone := protocol.Placeholder{
		Sender:    e.cfg.Pseudonym,
		Version:   nextVersion,
		Digest:    "",
		Timestamp: e.cfg.now(),
	}
	if err := e.Placeholders.Put(ctx, logicalPath, tombstone); err != nil {
		return err
	}
	return e.Index.Delete(logicalPath)
}

// executeConflict resolves a push/pull race per the repository's
// configured ConflictStrategy (spec §4.6 "Conflict resolution policy").
// Conflict handling does not hold the path lock: a reject or
// pull-to-sidecar does not mutate the shared payload/placeholder, and a
// newer-wins push re-enters executePush under its own lock.
func (e *Engine) executeConflict(ctx context.Context, logicalPath string) error {
	local, err := readLocalFile(e.cfg.LocalRoot, logicalPath)
	if err != nil {
		return err
	}
	p, ok, err := e.Placeholders.Get(ctx, logicalPath)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return e.resolveConflict(ctx, logicalPath, local, p)
}

func (e *Engine) resolveConflict(ctx context.Context, logicalPath string, local []byte, p protocol.Placeholder) error {
	switch e.cfg.ConflictStrategy {
	case Reject:
		return fmt.Errorf("%w: %s", errs.ErrConflict, logicalPath)

	case PullFirst:
		return e.withLock(ctx, logicalPath, func(ctx context.Context, logicalPath string) error {
			return e.pullToSidecar(ctx, logicalPath, p)
		})

	case NewerWins:
		entry, _, err := e.Index.Get(logicalPath)
		if err != nil {
			return err
		}
		if entry.LocalModTime().After(p.Timestamp) {
			return e.withLock(ctx, logicalPath, e.executePush)
		}
		return e.withLock(ctx, logicalPath, func(ctx context.Context, logicalPath string) error {
			return e.pullToSidecar(ctx, logicalPath, p)
		})

	default:
		return fmt.Errorf("%w: %s", errs.ErrConflict, logicalPath)
	}
}

// pullToSidecar pulls the remote version into a `<path>.conflict-<ts>-
// <pseudonym>` sidecar, leaving the local file untouched for manual
// reconciliation (spec §8 scenario 2).
func (e *Engine) pullToSidecar(ctx context.Context, logicalPath string, p protocol.Placeholder) error {
	if p.IsTombstone() {
		return nil // nothing to pull; the deletion itself is the conflict signal
	}
	payloadName := relayname.Payload(logicalPath, e.cfg.MaxNameLen)
	framed, err := e.Relay.Get(ctx, payloadName)
	if err != nil {
		return fmt.Errorf("%w: get payload: %v", errs.ErrRelayTransient, err)
	}
	plaintext, err := frame.Decode(framed, e.cfg.Key)
	if err != nil {
		return fmt.Errorf("%w: unframe conflicting payload %s: %v", errs.ErrIntegrity, logicalPath, err)
	}
	sidecar := fmt.Sprintf("%s.conflict-%d-%s", logicalPath, e.cfg.now().UnixNano(), e.cfg.Pseudonym)
	return writeLocalFile(e.cfg.LocalRoot, sidecar, plaintext, p.Timestamp)
}

// checkAccess consults logicalPath's placeholder flags, the record
// maintenance.SetAccess writes to and advertises from (spec §4.8
// "Access"), gating on a handshake message when the mode is "gated"
// (spec §4.5, §9 open question resolution: a grant message addressed to
// this client, postdating the placeholder's timestamp, satisfies the
// gate). A path with no placeholder yet has never had its access
// modified and defaults to "allow".
func (e *Engine) checkAccess(ctx context.Context, logicalPath, kind string) (bool, error) {
	p, ok, err := e.Placeholders.Get(ctx, logicalPath)
	if err != nil {
		return false, err
	}
	mode := "allow"
	if ok {
		mode = p.AccessMode(kind)
	}

	switch mode {
	case "deny":
		return false, nil
	case "gated":
		dir := path.Dir(logicalPath)
		if dir == "." {
			dir = ""
		}
		granted, err := e.Messenger.GrantYoungerThan(ctx, dir, logicalPath, e.cfg.Pseudonym, p.Timestamp)
		if err != nil {
			return false, err
		}
		return granted, nil
	default:
		return true, nil
	}
}

// recordBucketName persists logicalPath's bucket-name mapping in the
// index side table if it hashes to a bucketed relay name (spec §4.2),
// so a later scan can resolve the bucketed placeholder name it lists
// back to logicalPath. A no-op for paths short enough to stay unbucketed.
func (e *Engine) recordBucketName(logicalPath string) error {
	name, bucketed := relayname.BucketName(logicalPath, e.cfg.MaxNameLen)
	if !bucketed {
		return nil
	}
	return e.Index.PutBucketName(name, logicalPath)
}

func uniqueNonce() string {
	return uuid.NewString()
}
