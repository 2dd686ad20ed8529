package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escale/escale/internal/engine"
	"github.com/escale/escale/internal/index"
	"github.com/escale/escale/internal/relay/memrelay"
)

func newTestEngine(t *testing.T, r *memrelay.Relay, pseudonym string) (*engine.Engine, string) {
	t.Helper()
	root := t.TempDir()
	ix, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	cfg := engine.Config{
		LocalRoot:        root,
		Pseudonym:        pseudonym,
		ConflictStrategy: engine.Reject,
		Retention:        engine.RetainHistory,
		MaxNameLen:       200,
		Now:              time.Now,
	}
	return engine.New(cfg, r, ix, engine.NewIgnoreList(nil)), root
}

func TestWorker_RunPassPushesNewFiles(t *testing.T) {
	r := memrelay.New(time.Now)
	eng, root := newTestEngine(t, r, "alice")
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("data"), 0o644))

	w := NewWorker(Config{Name: "repo1"}, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w.runPass(ctx)

	exists, err := r.Exists(context.Background(), "f.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWorker_BackoffSkipsPathUntilWindowExpires(t *testing.T) {
	r := memrelay.New(time.Now)
	eng, _ := newTestEngine(t, r, "alice")
	w := NewWorker(Config{Name: "repo1", MinBackoff: 50 * time.Millisecond}, eng)

	assert.False(t, w.isBackedOff("a.txt"))
	w.backOff("a.txt")
	assert.True(t, w.isBackedOff("a.txt"))

	time.Sleep(75 * time.Millisecond)
	assert.False(t, w.isBackedOff("a.txt"))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	r := memrelay.New(time.Now)
	eng, _ := newTestEngine(t, r, "alice")
	w := NewWorker(Config{Name: "repo1", Interval: 10 * time.Millisecond}, eng)

	s := New()
	s.Add(w)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
