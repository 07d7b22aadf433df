package protocol

import (
	"testing"
	"time"

	"plume-collab/internal/crdt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncoding(t *testing.T) {
	frames := []Frame{
		Step1([]byte{1, 2, 3}),
		Step2(nil),
		Update([]byte("ops")),
		AwarenessFrame([]byte{9}),
		QueryAwareness(),
	}
	for _, f := range frames {
		t.Run(f.Type.String()+"/"+f.Step.String(), func(t *testing.T) {
			got, err := DecodeFrame(f.Encode())
			require.NoError(t, err)
			assert.Equal(t, f.Type, got.Type)
			assert.Equal(t, f.Step, got.Step)
			assert.Equal(t, len(f.Payload), len(got.Payload))
		})
	}
}

func TestDecodeFrameRejectsTruncatedInput(t *testing.T) {
	b := Update([]byte("payload")).Encode()
	_, err := DecodeFrame(b[:len(b)-2])
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestAwarenessExchange(t *testing.T) {
	alice := NewAwareness(1)
	bob := NewAwareness(2)

	var changes []Change
	bob.OnChange(func(c Change) { changes = append(changes, c) })

	alice.SetLocalState(&State{User: &User{Name: "Alice", Color: "#2563eb"}})
	_, err := bob.ApplyUpdate(alice.EncodeUpdate([]crdt.ClientID{1}))
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, []crdt.ClientID{1}, changes[0].Added)
	assert.Equal(t, ChangeRemote, changes[0].Origin)
	assert.Equal(t, "Alice", bob.States()[1].User.Name)

	// an old clock is ignored
	stale := EncodeAwareness([]Entry{{Client: 1, Clock: 0, State: &State{User: &User{Name: "Old"}}}})
	c, err := bob.ApplyUpdate(stale)
	require.NoError(t, err)
	assert.True(t, c.Empty())

	alice.SetLocalState(nil)
	c, err = bob.ApplyUpdate(alice.EncodeUpdate([]crdt.ClientID{1}))
	require.NoError(t, err)
	assert.Equal(t, []crdt.ClientID{1}, c.Removed)
	assert.Empty(t, bob.States())
}

func TestAwarenessIgnoresEntriesAboutSelf(t *testing.T) {
	a := NewAwareness(5)
	a.SetLocalState(&State{User: &User{Name: "me"}})
	payload := EncodeAwareness([]Entry{{Client: 5, Clock: 99}})
	c, err := a.ApplyUpdate(payload)
	require.NoError(t, err)
	assert.True(t, c.Empty())
	_, ok := a.LocalState()
	assert.True(t, ok)
}

func TestRemoveRemoteKeepsLocal(t *testing.T) {
	a := NewAwareness(1)
	a.SetLocalState(&State{User: &User{Name: "me"}})
	payload := EncodeAwareness([]Entry{
		{Client: 2, Clock: 1, State: &State{User: &User{Name: "two"}}},
		{Client: 3, Clock: 1, State: &State{User: &User{Name: "three"}}},
	})
	_, err := a.ApplyUpdate(payload)
	require.NoError(t, err)

	c := a.RemoveRemote()
	assert.Equal(t, []crdt.ClientID{2, 3}, c.Removed)
	assert.Equal(t, []crdt.ClientID{1}, a.Clients())

	// the removal re-encoded from this map wins over the last seen state
	peer := NewAwareness(9)
	_, err = peer.ApplyUpdate(payload)
	require.NoError(t, err)
	_, err = peer.ApplyUpdate(a.EncodeUpdate([]crdt.ClientID{2}))
	require.NoError(t, err)
	assert.Equal(t, []crdt.ClientID{3}, peer.Clients())
}

func TestSweepOutdated(t *testing.T) {
	now := time.Unix(1000, 0)
	a := NewAwareness(1)
	a.now = func() time.Time { return now }
	a.SetLocalState(&State{User: &User{Name: "me"}})
	_, err := a.ApplyUpdate(EncodeAwareness([]Entry{{Client: 2, Clock: 1, State: &State{User: &User{Name: "peer"}}}}))
	require.NoError(t, err)

	now = now.Add(29 * time.Second)
	assert.True(t, a.SweepOutdated(30*time.Second).Empty())

	now = now.Add(2 * time.Second)
	c := a.SweepOutdated(30 * time.Second)
	assert.Equal(t, []crdt.ClientID{2}, c.Removed)
	assert.Equal(t, ChangeTimeout, c.Origin)
	assert.Equal(t, []crdt.ClientID{1}, a.Clients())
}

func TestRenewAdvancesClock(t *testing.T) {
	a := NewAwareness(1)
	assert.False(t, a.Renew())
	a.SetLocalState(&State{User: &User{Name: "me"}})
	assert.True(t, a.Renew())

	entries, err := DecodeAwareness(a.EncodeUpdate([]crdt.ClientID{1}))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Clock)
}

func TestRemovedPeerComesBackWithItsNextState(t *testing.T) {
	peer := NewAwareness(2)
	peer.SetLocalState(&State{User: &User{Name: "two"}})

	local := NewAwareness(1)
	_, err := local.ApplyUpdate(peer.EncodeUpdate([]crdt.ClientID{2}))
	require.NoError(t, err)

	// connection lost: the peer is cleared locally, then it reconnects and renews
	local.RemoveRemote()
	require.Empty(t, local.Clients())
	require.True(t, peer.Renew())

	c, err := local.ApplyUpdate(peer.EncodeUpdate([]crdt.ClientID{2}))
	require.NoError(t, err)
	assert.Equal(t, []crdt.ClientID{2}, c.Added)
	assert.Equal(t, []crdt.ClientID{2}, local.Clients())
}

func TestRemoveStatesNeverDropsSelf(t *testing.T) {
	a := NewAwareness(1)
	a.SetLocalState(&State{User: &User{Name: "me"}})
	assert.True(t, a.RemoveStates([]crdt.ClientID{1}, ChangeTimeout).Empty())
	_, ok := a.LocalState()
	assert.True(t, ok)
}
