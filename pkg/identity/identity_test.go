package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escale/escale/internal/errs"
	"github.com/escale/escale/internal/relay/memrelay"
)

func TestClaim_FirstClaimSucceeds(t *testing.T) {
	r := memrelay.New(time.Now)
	err := Claim(context.Background(), r, "alice", NewNonce())
	require.NoError(t, err)
}

func TestClaim_DuplicatePseudonymRejected(t *testing.T) {
	r := memrelay.New(time.Now)
	ctx := context.Background()
	require.NoError(t, Claim(ctx, r, "alice", NewNonce()))

	err := Claim(ctx, r, "alice", NewNonce())
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestClaim_SameNonceReclaimsSucceeds(t *testing.T) {
	r := memrelay.New(time.Now)
	ctx := context.Background()
	nonce := NewNonce()
	require.NoError(t, Claim(ctx, r, "alice", nonce))
	require.NoError(t, Claim(ctx, r, "alice", nonce))
}

func TestRelease_FreesPseudonymForReuse(t *testing.T) {
	r := memrelay.New(time.Now)
	ctx := context.Background()
	require.NoError(t, Claim(ctx, r, "alice", NewNonce()))
	require.NoError(t, Release(ctx, r, "alice"))
	require.NoError(t, Claim(ctx, r, "alice", NewNonce()))
}
