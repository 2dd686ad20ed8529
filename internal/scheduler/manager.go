package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// Scheduler owns one Worker per repository, each running in its own
// goroutine. Repository workers share no mutable state with one another:
// only the process-wide log sink and the cancellation root passed to Run
// are shared, matching spec §4.7's isolation guarantee.
type Scheduler struct {
	wg      sync.WaitGroup
	workers []*Worker
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a repository worker. Must be called before Run.
func (s *Scheduler) Add(w *Worker) {
	s.workers = append(s.workers, w)
}

// Run starts every registered worker and blocks until ctx is cancelled
// and all workers have returned.
func (s *Scheduler) Run(ctx context.Context) {
	for _, w := range s.workers {
		w := w
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("scheduler worker exited", "repo", w.cfg.Name, "error", err)
			}
		}()
	}
	s.wg.Wait()
}
