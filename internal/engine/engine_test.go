package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escale/escale/internal/index"
	"github.com/escale/escale/internal/relay/memrelay"
)

func newTestEngine(t *testing.T, r *memrelay.Relay, pseudonym string, strategy ConflictStrategy) (*Engine, string) {
	t.Helper()
	return newTestEngineMaxNameLen(t, r, pseudonym, strategy, 200)
}

func newTestEngineMaxNameLen(t *testing.T, r *memrelay.Relay, pseudonym string, strategy ConflictStrategy, maxNameLen int) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	ix, err := index.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	cfg := Config{
		LocalRoot:        root,
		Pseudonym:        pseudonym,
		ConflictStrategy: strategy,
		Retention:        RetainHistory,
		MaxNameLen:       maxNameLen,
		Now:              time.Now,
	}
	return New(cfg, r, ix, NewIgnoreList(nil)), root
}

func TestEngine_PushThenPull(t *testing.T) {
	ctx := context.Background()
	r := memrelay.New(time.Now)

	alice, aliceRoot := newTestEngine(t, r, "alice", Reject)
	bob, bobRoot := newTestEngine(t, r, "bob", Reject)

	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, "notes.txt"), []byte("hello world"), 0o644))

	decisions, err := alice.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionPush, decisions[0].Action)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionPull, decisions[0].Action)
	require.NoError(t, bob.Execute(ctx, decisions[0]))

	data, err := os.ReadFile(filepath.Join(bobRoot, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestEngine_SkipWhenAlreadySynced(t *testing.T) {
	ctx := context.Background()
	r := memrelay.New(time.Now)

	alice, aliceRoot := newTestEngine(t, r, "alice", Reject)
	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, "a.txt"), []byte("v1"), 0o644))

	decisions, err := alice.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	decisions, err = alice.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionSkip, decisions[0].Action)
}

func TestEngine_DeletionPropagates(t *testing.T) {
	ctx := context.Background()
	r := memrelay.New(time.Now)

	alice, aliceRoot := newTestEngine(t, r, "alice", Reject)
	bob, bobRoot := newTestEngine(t, r, "bob", Reject)

	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, "a.txt"), []byte("v1"), 0o644))
	decisions, err := alice.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.Execute(ctx, decisions[0]))
	require.FileExists(t, filepath.Join(bobRoot, "a.txt"))

	require.NoError(t, os.Remove(filepath.Join(aliceRoot, "a.txt")))
	decisions, err = alice.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionPropagateDelete, decisions[0].Action)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionPull, decisions[0].Action)
	require.NoError(t, bob.Execute(ctx, decisions[0]))

	_, err = os.Stat(filepath.Join(bobRoot, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_BucketedNameRoundTrips(t *testing.T) {
	ctx := context.Background()
	r := memrelay.New(time.Now)

	// A MaxNameLen this small forces even a short logical path through
	// relayname's bucketing fallback, exercising the index side table
	// without needing a 200+ byte filename on disk.
	alice, aliceRoot := newTestEngineMaxNameLen(t, r, "alice", Reject, 4)
	bob, bobRoot := newTestEngineMaxNameLen(t, r, "bob", Reject, 4)

	const name = "longer-than-four.txt"
	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, name), []byte("bucketed payload"), 0o644))

	decisions, err := alice.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionPush, decisions[0].Action)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1, "bob must resolve the bucketed placeholder name back to %q", name)
	assert.Equal(t, name, decisions[0].LogicalPath)
	assert.Equal(t, ActionPull, decisions[0].Action)
	require.NoError(t, bob.Execute(ctx, decisions[0]))

	data, err := os.ReadFile(filepath.Join(bobRoot, name))
	require.NoError(t, err)
	assert.Equal(t, "bucketed payload", string(data))
}

func TestEngine_ConcurrentModificationConflicts(t *testing.T) {
	ctx := context.Background()
	r := memrelay.New(time.Now)

	alice, aliceRoot := newTestEngine(t, r, "alice", Reject)
	bob, bobRoot := newTestEngine(t, r, "bob", Reject)

	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, "shared.txt"), []byte("base"), 0o644))
	decisions, err := alice.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.Execute(ctx, decisions[0]))

	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, "shared.txt"), []byte("alice's edit"), 0o644))
	decisions, err = alice.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	require.NoError(t, os.WriteFile(filepath.Join(bobRoot, "shared.txt"), []byte("bob's edit"), 0o644))
	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionConflict, decisions[0].Action)

	err = bob.Execute(ctx, decisions[0])
	require.Error(t, err)
}

func TestEngine_DeniedReadAccessBlocksPull(t *testing.T) {
	ctx := context.Background()
	r := memrelay.New(time.Now)

	alice, aliceRoot := newTestEngine(t, r, "alice", Reject)
	bob, bobRoot := newTestEngine(t, r, "bob", Reject)

	require.NoError(t, os.WriteFile(filepath.Join(aliceRoot, "secret.txt"), []byte("top secret"), 0o644))
	decisions, err := alice.Scan(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.Execute(ctx, decisions[0]))

	// Simulate maintenance.SetAccess denying reads, without going through
	// the maintenance package, by writing the same flag convention
	// directly onto the existing placeholder.
	p, ok, err := alice.Placeholders.Get(ctx, "secret.txt")
	require.NoError(t, err)
	require.True(t, ok)
	p.Flags = append(p.Flags, "read:deny")
	require.NoError(t, alice.Placeholders.Put(ctx, "secret.txt", p))

	decisions, err = bob.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionPull, decisions[0].Action)
	require.NoError(t, bob.Execute(ctx, decisions[0]))

	_, err = os.Stat(filepath.Join(bobRoot, "secret.txt"))
	assert.True(t, os.IsNotExist(err), "denied read must not pull the payload to disk")
}
