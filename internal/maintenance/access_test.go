package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escale/escale/internal/protocol"
	"github.com/escale/escale/internal/relay/memrelay"
)

func TestParseModifiers(t *testing.T) {
	cases := []struct {
		in   string
		want Modifiers
	}{
		{"", Modifiers{Read: "allow", Write: "allow"}},
		{"r- w", Modifiers{Read: "deny", Write: "allow"}},
		{"r w?", Modifiers{Read: "allow", Write: "gated"}},
		{"r?", Modifiers{Read: "gated", Write: "allow"}},
	}
	for _, c := range cases {
		got, err := ParseModifiers(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseModifiers_Invalid(t *testing.T) {
	_, err := ParseModifiers("x")
	assert.Error(t, err)
	_, err = ParseModifiers("r!")
	assert.Error(t, err)
}

func TestModifiers_String_RoundTrip(t *testing.T) {
	m := Modifiers{Read: "deny", Write: "gated"}
	parsed, err := ParseModifiers(m.String())
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestSetAccess_WritesFlagsAndNotifiesPeers(t *testing.T) {
	r := memrelay.New(time.Now)
	store := &protocol.PlaceholderStore{Relay: r, MaxNameLen: 200}
	messenger := &protocol.Messenger{Relay: r, Pseudonym: "alice", MaxNameLen: 200, Now: time.Now}

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "docs/a.txt", protocol.Placeholder{
		Sender: "alice", Version: 1, Digest: "abc",
	}))

	m := Modifiers{Read: "allow", Write: "gated"}
	require.NoError(t, SetAccess(ctx, store, messenger, "docs/a.txt", m, []string{"bob"}))

	p, ok, err := store.Get(ctx, "docs/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, p.Flags, "read:allow")
	assert.Contains(t, p.Flags, "write:gated")

	inbox, err := messenger.Inbox(ctx, "docs", "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, protocol.KindAccessGrant, inbox[0].Kind)
	assert.Equal(t, "r w?", inbox[0].Body)
}
