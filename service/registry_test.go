package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/gatekeeper/core"
)

func TestAddressRegistry_RegisterAndLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signer := newPeer(t)

	f.register(t, signer, "/ip4/10.0.0.1/tcp/4001")

	endpoint, err := f.registry.Lookup(ctx, signer.Identity())
	require.NoError(t, err)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4001", endpoint)

	entry, err := f.registry.Get(ctx, signer.Identity())
	require.NoError(t, err)
	assert.True(t, entry.Provenance.Verified)
	assert.Equal(t, f.clock.Now(), entry.Provenance.VerifiedAt)

	// the registration challenge is consumed
	_, err = f.authority.Get(ctx, core.PurposeRegistry, signer.Identity())
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)
}

func TestAddressRegistry_RegisterEthereum(t *testing.T) {
	f := newFixture(t)
	signer := newEthereum(t)

	f.register(t, signer, "/ip4/10.0.0.2/tcp/4001")

	endpoint, err := f.registry.Lookup(context.Background(), signer.Identity())
	require.NoError(t, err)
	assert.Equal(t, "/ip4/10.0.0.2/tcp/4001", endpoint)
}

func TestAddressRegistry_RejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	victim := newPeer(t)
	attacker := newPeer(t)

	challenge, err := f.registry.Challenge(ctx, victim.Identity())
	require.NoError(t, err)
	sig, err := attacker.Sign([]byte(challenge.Value))
	require.NoError(t, err)

	_, err = f.registry.RegisterAuthenticated(ctx, victim.Identity(), "/ip4/6.6.6.6/tcp/1", challenge.Value, sig)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	_, err = f.registry.Lookup(ctx, victim.Identity())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAddressRegistry_RejectsMalformedInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Challenge(ctx, "not-an-address")
	assert.ErrorIs(t, err, core.ErrInvalidIdentity)

	signer := newPeer(t)
	_, err = f.registry.RegisterAuthenticated(ctx, signer.Identity(), "", "x", []byte("y"))
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAddressRegistry_UnauthenticatedWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.registry.WriteUnauthenticated(ctx, "some-key", "/ip4/1.2.3.4/tcp/1", "")
	assert.ErrorIs(t, err, core.ErrUnauthenticatedWrite)

	f.registry.AllowUnauthenticatedWrites(true)
	require.NoError(t, f.registry.WriteUnauthenticated(ctx, "some-key", "/ip4/1.2.3.4/tcp/1", `{"relay":true}`))

	entry, err := f.registry.Get(ctx, "some-key")
	require.NoError(t, err)
	assert.False(t, entry.Provenance.Verified)
	assert.Equal(t, `{"relay":true}`, entry.Meta)

	// unverified entries are never served
	_, err = f.registry.Lookup(ctx, "some-key")
	assert.ErrorIs(t, err, core.ErrNotFound)

	entries, err := f.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAddressRegistry_UnauthenticatedWriteCannotReplaceVerified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signer := newPeer(t)
	f.register(t, signer, "/ip4/10.0.0.1/tcp/4001")

	f.registry.AllowUnauthenticatedWrites(true)
	err := f.registry.WriteUnauthenticated(ctx, signer.Identity(), "/ip4/6.6.6.6/tcp/1", "")
	assert.ErrorIs(t, err, core.ErrUnauthenticatedWrite)

	endpoint, err := f.registry.Lookup(ctx, signer.Identity())
	require.NoError(t, err)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4001", endpoint)
}

func TestAddressRegistry_List(t *testing.T) {
	f := newFixture(t)
	a, b := newPeer(t), newEthereum(t)
	f.register(t, a, "/ip4/10.0.0.1/tcp/1")
	f.register(t, b, "/ip4/10.0.0.2/tcp/2")

	entries, err := f.registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := map[string]string{}
	for _, e := range entries {
		got[e.Address] = e.Endpoint
	}
	assert.Equal(t, "/ip4/10.0.0.1/tcp/1", got[a.Identity()])
	assert.Equal(t, "/ip4/10.0.0.2/tcp/2", got[b.Identity()])
}

func TestAddressRegistry_RemoveAuthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signer := newPeer(t)
	f.register(t, signer, "/ip4/10.0.0.1/tcp/4001")

	_, err := f.registry.DeleteChallenge(ctx, signer.Identity())
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("wrong"))
	require.NoError(t, err)
	_, err = f.registry.RemoveAuthenticated(ctx, signer.Identity(), "wrong", sig)
	assert.ErrorIs(t, err, core.ErrChallengeMismatch)

	challenge, err := f.registry.DeleteChallenge(ctx, signer.Identity())
	require.NoError(t, err)
	sig, err = signer.Sign([]byte(challenge.Value))
	require.NoError(t, err)
	deleted, err := f.registry.RemoveAuthenticated(ctx, signer.Identity(), challenge.Value, sig)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = f.registry.Lookup(ctx, signer.Identity())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAddressRegistry_Remove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signer := newPeer(t)
	f.register(t, signer, "/ip4/10.0.0.1/tcp/4001")

	deleted, err := f.registry.Remove(ctx, signer.Identity())
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.registry.Remove(ctx, signer.Identity())
	require.NoError(t, err)
	assert.False(t, deleted)
}
