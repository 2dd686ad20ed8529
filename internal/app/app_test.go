package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escale/escale/internal/config"
)

func TestBuild_FileRelay(t *testing.T) {
	relayDir := t.TempDir()
	localDir := t.TempDir()

	repo := config.Repository{
		Name:      "notes",
		RelayURI:  "file://" + relayDir,
		LocalPath: localDir,
		Pseudonym: "alice",
	}

	rp, err := Build(context.Background(), repo)
	require.NoError(t, err)
	defer rp.Close(context.Background())

	assert.Equal(t, "notes", rp.Name)
	assert.Equal(t, "alice", rp.Pseudonym)
	assert.NotNil(t, rp.Engine)
	assert.NotNil(t, rp.Worker)

	_, err = filepath.Abs(rp.Name)
	assert.NoError(t, err)
}

func TestBuild_SecondDaemonOnSameRepoRejected(t *testing.T) {
	repo := config.Repository{
		Name:      "notes",
		RelayURI:  "file://" + t.TempDir(),
		LocalPath: t.TempDir(),
		Pseudonym: "alice",
	}

	ctx := context.Background()
	rp, err := Build(ctx, repo)
	require.NoError(t, err)
	defer rp.Close(ctx)

	_, err = Build(ctx, repo)
	assert.Error(t, err)
}

func TestBuild_DuplicatePseudonymRejected(t *testing.T) {
	relayDir := t.TempDir()

	repoA := config.Repository{
		Name: "notes", RelayURI: "file://" + relayDir,
		LocalPath: t.TempDir(), Pseudonym: "alice",
	}
	repoB := config.Repository{
		Name: "notes2", RelayURI: "file://" + relayDir,
		LocalPath: t.TempDir(), Pseudonym: "alice",
	}

	ctx := context.Background()
	rpA, err := Build(ctx, repoA)
	require.NoError(t, err)
	defer rpA.Close(ctx)

	_, err = Build(ctx, repoB)
	assert.Error(t, err)
}

func TestBuild_UnsupportedScheme(t *testing.T) {
	repo := config.Repository{
		Name: "notes", RelayURI: "ftp://example.com/x",
		LocalPath: t.TempDir(), Pseudonym: "alice",
	}
	_, err := Build(context.Background(), repo)
	assert.Error(t, err)
}

func TestBuild_UnknownConflictStrategy(t *testing.T) {
	repo := config.Repository{
		Name: "notes", RelayURI: "file://" + t.TempDir(),
		LocalPath: t.TempDir(), Pseudonym: "alice",
		ConflictStrategy: "bogus",
	}
	_, err := Build(context.Background(), repo)
	assert.Error(t, err)
}
