// Package app wires one configured repository into a running engine and
// scheduler worker: relay construction, identity claim, index, ignore
// list, and engine configuration. Every dependency is constructed up
// front; the caller blocks on ctx.Done via the scheduler, one repository
// of potentially many running independently per SPEC_FULL.md §4.7.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/escale/escale/internal/config"
	"github.com/escale/escale/internal/engine"
	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/frame"
	"github.com/escale/escale/internal/index"
	"github.com/escale/escale/internal/relay"
	"github.com/escale/escale/internal/relay/fsrelay"
	"github.com/escale/escale/internal/relay/s3relay"
	"github.com/escale/escale/internal/scheduler"
	"github.com/escale/escale/internal/utils"
	"github.com/escale/escale/pkg/fswatch"
	"github.com/escale/escale/pkg/identity"
)

// Repo bundles one running repository's components, enough to stop it
// cleanly (identity release, daemon lock) on shutdown.
type Repo struct {
	Name      string
	Pseudonym string
	Engine    *engine.Engine
	Index     *index.Index
	Relay     relay.Relay
	Worker    *scheduler.Worker
	watcher   *fswatch.Watcher
	lock      *flock.Flock
	nonce     string
}

// lockPath returns the path of the per-repository daemon lockfile, held
// for the lifetime of a Repo to stop two daemon processes from driving
// the same local directory at once.
func lockPath(r config.Repository) string {
	return filepath.Join(r.LocalPath, ".escale", "daemon.lock")
}

// Build constructs every dependency for one repository entry, but does
// not start its scheduler loop; callers add the returned Repo to a
// scheduler.Scheduler and call Run.
func Build(ctx context.Context, r config.Repository) (*Repo, error) {
	slog.Info("opening relay", "repo", r.Name, "relay_uri", r.RelayURI, "credentials", utils.MaskSecret(r.Credentials))

	if err := index.EnsureDir(lockPath(r)); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	lock := flock.New(lockPath(r))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock repository %q: %v", errs.ErrLocalIO, r.Name, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: repository %q is already locked by another daemon process", errs.ErrLocalIO, r.Name)
	}

	bk, err := OpenRelay(ctx, r)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	nonce := identity.NewNonce()
	if err := identity.Claim(ctx, bk, r.Pseudonym, nonce); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	if err := index.EnsureDir(indexPath(r)); err != nil {
		_ = identity.Release(ctx, bk, r.Pseudonym)
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	ix, err := index.Open(indexPath(r))
	if err != nil {
		_ = identity.Release(ctx, bk, r.Pseudonym)
		_ = lock.Unlock()
		return nil, err
	}

	strategy, err := conflictStrategy(r.ConflictStrategy)
	if err != nil {
		ix.Close()
		_ = identity.Release(ctx, bk, r.Pseudonym)
		_ = lock.Unlock()
		return nil, err
	}

	var key *frame.Key
	if r.Passphrase != "" {
		salt := []byte(r.Name) // the repository name, zero-padded or cut to 16 bytes; no random salt is generated or stored.
		if len(salt) < 16 {
			salt = append(salt, make([]byte, 16-len(salt))...)
		}
		key = frame.DeriveKey(r.Passphrase, salt[:16])
	}

	cfg := engine.Config{
		LocalRoot:        r.LocalPath,
		Pseudonym:        r.Pseudonym,
		ConflictStrategy: strategy,
		Retention:        engine.RetainHistory,
		MaxNameLen:       200,
		Key:              key,
		Compress:         true,
		LockTTL:          r.LockTTL,
		Now:              time.Now,
	}

	extraIgnores, err := engine.ReadIgnoreFile(r.LocalPath)
	if err != nil {
		ix.Close()
		_ = identity.Release(ctx, bk, r.Pseudonym)
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: read .escaleignore: %v", errs.ErrLocalIO, err)
	}
	eng := engine.New(cfg, bk, ix, engine.NewIgnoreList(extraIgnores))

	watcher, err := fswatch.New()
	if err != nil {
		ix.Close()
		_ = identity.Release(ctx, bk, r.Pseudonym)
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %v", errs.ErrLocalIO, err)
	}
	if err := watcher.Add(r.LocalPath); err != nil {
		slog.Warn("fs watch disabled", "repo", r.Name, "error", err)
	} else {
		go func() {
			if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("fs watcher stopped", "repo", r.Name, "error", err)
			}
		}()
	}

	worker := scheduler.NewWorker(scheduler.Config{
		Name:      r.Name,
		Interval:  r.ScanInterval,
		WakeEarly: watcher.Signal,
	}, eng)

	return &Repo{
		Name:      r.Name,
		Pseudonym: r.Pseudonym,
		Engine:    eng,
		Index:     ix,
		Relay:     bk,
		Worker:    worker,
		watcher:   watcher,
		lock:      lock,
		nonce:     nonce,
	}, nil
}

// Close releases the repository's index handle, identity claim, and
// daemon lockfile. Best effort; errors are logged, not returned, since
// shutdown must proceed regardless.
func (rp *Repo) Close(ctx context.Context) {
	if err := rp.watcher.Stop(ctx); err != nil && !errors.Is(err, fswatch.ErrWatcherClosed) {
		slog.Warn("stop watcher", "repo", rp.Name, "error", err)
	}
	if err := rp.Index.Close(); err != nil {
		slog.Warn("close index", "repo", rp.Name, "error", err)
	}
	if err := identity.Release(ctx, rp.Relay, rp.Pseudonym); err != nil {
		slog.Warn("release identity", "repo", rp.Name, "error", err)
	}
	if err := rp.lock.Unlock(); err != nil {
		slog.Warn("release daemon lock", "repo", rp.Name, "error", err)
	}
}

func indexPath(r config.Repository) string {
	return filepath.Join(r.LocalPath, ".escale", "index.db")
}

func conflictStrategy(s string) (engine.ConflictStrategy, error) {
	switch s {
	case "", "newer_wins":
		return engine.NewerWins, nil
	case "pull_first":
		return engine.PullFirst, nil
	case "reject":
		return engine.Reject, nil
	default:
		return 0, fmt.Errorf("%w: unknown conflict strategy %q", errs.ErrConfig, s)
	}
}

// OpenRelay builds the relay.Relay backend named by r.RelayURI's scheme:
// "file://" for fsrelay, "s3://" for s3relay. Other schemes are rejected
// with ErrConfig; wiring an additional backend is a matter of adding a
// case here. Exported so maintenance CLI commands can open a repository's
// relay (or an ad hoc destination relay) without building a full Repo.
func OpenRelay(ctx context.Context, r config.Repository) (relay.Relay, error) {
	u, err := url.Parse(r.RelayURI)
	if err != nil {
		return nil, fmt.Errorf("%w: repository %q relay_uri: %v", errs.ErrConfig, r.Name, err)
	}

	switch u.Scheme {
	case "file":
		return fsrelay.New(u.Path)
	case "s3":
		creds, err := r.DecodeCredentials()
		if err != nil {
			return nil, err
		}
		accessKey, secretKey, _ := strings.Cut(string(creds), ":")
		return s3relay.New(ctx, s3relay.Config{
			Region:       u.Query().Get("region"),
			Endpoint:     u.Query().Get("endpoint"),
			BucketName:   u.Host,
			Prefix:       strings.TrimPrefix(u.Path, "/"),
			AccessKey:    accessKey,
			SecretKey:    secretKey,
			UsePathStyle: u.Query().Get("path_style") == "true",
		})
	default:
		return nil, fmt.Errorf("%w: repository %q has unsupported relay scheme %q", errs.ErrConfig, r.Name, u.Scheme)
	}
}
