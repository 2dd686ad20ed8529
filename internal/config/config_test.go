package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escale/escale/internal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escale.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - name: notes
    relay_uri: s3://bucket/notes
    local_path: /home/alice/notes
    pseudonym: alice
    conflict_strategy: newer_wins
    scan_interval: 10s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)
	assert.Equal(t, "notes", cfg.Repositories[0].Name)
	assert.Equal(t, "newer_wins", cfg.Repositories[0].ConflictStrategy)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoad_NoRepositories(t *testing.T) {
	path := writeConfig(t, "repositories: []\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoad_DuplicateNames(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - name: notes
    relay_uri: s3://bucket/a
    local_path: /a
    pseudonym: alice
  - name: notes
    relay_uri: s3://bucket/b
    local_path: /b
    pseudonym: bob
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoad_UnknownConflictStrategy(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - name: notes
    relay_uri: s3://bucket/a
    local_path: /a
    pseudonym: alice
    conflict_strategy: bogus
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestRepository_DecodeCredentials(t *testing.T) {
	r := Repository{Credentials: "aGVsbG8="}
	raw, err := r.DecodeCredentials()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))
}

func TestRepository_DecodeCredentials_Empty(t *testing.T) {
	r := Repository{}
	raw, err := r.DecodeCredentials()
	require.NoError(t, err)
	assert.Nil(t, raw)
}
