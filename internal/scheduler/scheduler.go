// Package scheduler drives one worker loop per repository (spec §4.7, C7):
// wake on interval-plus-jitter or a local-FS notification, snapshot the
// relay and local tree via the engine, shuffle the resulting work set, and
// execute decisions one at a time with back-off on Busy/transient errors.
// Single-threaded and cooperative per repository, since spec §5 requires
// per-path total ordering via the lock rather than unordered concurrent
// handlers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/escale/escale/internal/engine"
	"github.com/escale/escale/internal/errs"
)

// Config controls one repository worker's timing behavior.
type Config struct {
	// Name identifies the repository in logs.
	Name string
	// Interval is the base wake-up period between full scans.
	Interval time.Duration
	// Jitter adds up to this much random delay to each wake-up, to avoid
	// deterministic lockstep across clients contending for the same
	// paths (spec §4.7 "Shuffle the work set").
	Jitter time.Duration
	// WakeEarly, if non-nil, is an external signal (typically fed by a
	// local-FS watcher) that triggers an out-of-cycle scan.
	WakeEarly <-chan struct{}
	// MinBackoff/MaxBackoff bound the exponential back-off applied to a
	// path after a Busy or transient-error verdict.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return 30 * time.Second
	}
	return c.Interval
}

func (c Config) minBackoff() time.Duration {
	if c.MinBackoff <= 0 {
		return 1 * time.Second
	}
	return c.MinBackoff
}

func (c Config) maxBackoff() time.Duration {
	if c.MaxBackoff <= 0 {
		return 2 * time.Minute
	}
	return c.MaxBackoff
}

// Worker runs the cooperative scan/execute loop for a single repository.
type Worker struct {
	cfg    Config
	engine *engine.Engine

	mu       sync.Mutex
	backoffs map[string]*backoffState
}

type backoffState struct {
	delay   time.Duration
	until   time.Time
	retries int
}

// NewWorker constructs a repository worker bound to eng.
func NewWorker(cfg Config, eng *engine.Engine) *Worker {
	return &Worker{cfg: cfg, engine: eng, backoffs: make(map[string]*backoffState)}
}

// Run blocks, running scan/execute passes until ctx is cancelled. Every
// suspension point (the wake timer, each adapter call inside the engine,
// each back-off sleep) honors ctx, per spec §5 "cancellation token checked
// at every suspension point".
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("scheduler worker start", "repo", w.cfg.Name)
	defer slog.Info("scheduler worker stop", "repo", w.cfg.Name)

	timer := time.NewTimer(w.nextWake())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			w.runPass(ctx)
			timer.Reset(w.nextWake())
		case <-w.cfg.WakeEarly:
			w.runPass(ctx)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.nextWake())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// nextWake computes the base interval plus up to Jitter of randomness.
func (w *Worker) nextWake() time.Duration {
	base := w.cfg.interval()
	if w.cfg.Jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(w.cfg.Jitter)))
}

// runPass performs one scan and executes every resulting decision in
// shuffled order (spec §4.7 "Shuffle the work set to avoid deterministic
// starvation across clients contending for the same paths").
func (w *Worker) runPass(ctx context.Context) {
	start := time.Now()

	decisions, err := w.engine.Scan(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("scheduler scan failed", "repo", w.cfg.Name, "error", err)
		return
	}

	shuffle(decisions)

	var pushed, pulled, conflicts, skipped, quarantined int
	for _, d := range decisions {
		if ctx.Err() != nil {
			return
		}
		if w.isBackedOff(d.LogicalPath) {
			continue
		}

		err := w.engine.Execute(ctx, d)
		switch {
		case err == nil:
			w.clearBackoff(d.LogicalPath)
			switch d.Action {
			case engine.ActionPush:
				pushed++
			case engine.ActionPull:
				pulled++
			}
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, errs.ErrBusy), errors.Is(err, errs.ErrRelayTransient):
			w.backOff(d.LogicalPath)
			slog.Debug("scheduler deferring path", "repo", w.cfg.Name, "path", d.LogicalPath, "error", err)
		case errors.Is(err, errs.ErrIntegrity):
			quarantined++
			slog.Error("scheduler quarantined path", "repo", w.cfg.Name, "path", d.LogicalPath, "error", err)
		case errors.Is(err, errs.ErrConflict):
			conflicts++
			slog.Warn("scheduler conflict", "repo", w.cfg.Name, "path", d.LogicalPath)
		default:
			skipped++
			slog.Error("scheduler execute failed", "repo", w.cfg.Name, "path", d.LogicalPath, "error", err)
		}
	}

	if pushed > 0 || pulled > 0 || conflicts > 0 || quarantined > 0 {
		slog.Info("scheduler pass complete", "repo", w.cfg.Name, "took", time.Since(start),
			"pushed", pushed, "pulled", pulled, "conflicts", conflicts,
			"quarantined", quarantined, "skipped", skipped, "paths", len(decisions))
	}
}

func shuffle(decisions []engine.Decision) {
	rand.Shuffle(len(decisions), func(i, j int) {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	})
}

// isBackedOff reports whether logicalPath is still within its back-off
// window from a prior Busy/transient failure.
func (w *Worker) isBackedOff(logicalPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.backoffs[logicalPath]
	if !ok {
		return false
	}
	return time.Now().Before(b.until)
}

// backOff doubles the back-off delay for logicalPath, capped at
// MaxBackoff (spec §4.7 "on Busy, defer with exponential back-off").
func (w *Worker) backOff(logicalPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.backoffs[logicalPath]
	if !ok {
		b = &backoffState{delay: w.cfg.minBackoff()}
		w.backoffs[logicalPath] = b
	} else {
		b.delay *= 2
		if b.delay > w.cfg.maxBackoff() {
			b.delay = w.cfg.maxBackoff()
		}
	}
	b.retries++
	b.until = time.Now().Add(b.delay)
}

func (w *Worker) clearBackoff(logicalPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.backoffs, logicalPath)
}
