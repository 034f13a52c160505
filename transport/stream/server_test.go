package stream

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/core"
)

func TestServer_RegisterLookupUnregister(t *testing.T) {
	im := newIntermediary(t, ServerConfig{})
	client := NewClient(im.opener(t, ""), 0)
	ctx := context.Background()
	signer := newPeer(t)

	require.NoError(t, client.Register(ctx, signer, "/ip4/10.0.0.1/tcp/4001"))

	endpoint, err := client.Lookup(ctx, signer.Identity())
	require.NoError(t, err)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4001", endpoint)

	keys, err := client.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{signer.Identity()}, keys)

	deleted, err := client.Unregister(ctx, signer)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = client.Lookup(ctx, signer.Identity())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// liar claims one identity and signs with another key
type liar struct {
	claimed string
	signer  interface{ Sign([]byte) ([]byte, error) }
}

func (l liar) Identity() string              { return l.claimed }
func (l liar) Sign(p []byte) ([]byte, error) { return l.signer.Sign(p) }

func TestServer_RegisterWithForeignKeyFails(t *testing.T) {
	im := newIntermediary(t, ServerConfig{})
	client := NewClient(im.opener(t, ""), 0)
	ctx := context.Background()
	victim := newPeer(t)

	err := client.Register(ctx, liar{claimed: victim.Identity(), signer: newPeer(t)}, "/ip4/6.6.6.6/tcp/1")
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	_, err = client.Lookup(ctx, victim.Identity())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestServer_MalformedMessagesKeepStreamOpen(t *testing.T) {
	im := newIntermediary(t, ServerConfig{})
	codec := raw(t, im.server.ServeRegistryQuery)
	ctx := context.Background()

	exchange := func(msg string) Reply {
		_, err := codec.stream.Write([]byte(msg + "\n"))
		require.NoError(t, err)
		line, err := codec.Read(ctx)
		require.NoError(t, err)
		var reply Reply
		require.NoError(t, json.Unmarshal(line, &reply))
		return reply
	}

	reply := exchange("{not json")
	assert.False(t, reply.Success)
	assert.Equal(t, MessageInvalidJSON, reply.Error)

	reply = exchange(`{"action":"teleport"}`)
	assert.False(t, reply.Success)
	assert.Equal(t, MessageInvalidFormat, reply.Error)

	reply = exchange(`{"action":"get","key":42}`)
	assert.Equal(t, MessageInvalidFormat, reply.Error)

	reply = exchange(`{"action":"list"}`)
	assert.True(t, reply.Success)
}

func TestServer_LegacyWrite(t *testing.T) {
	im := newIntermediary(t, ServerConfig{})
	client := NewClient(im.opener(t, ""), 0)
	ctx := context.Background()

	err := client.Write(ctx, "k", "/ip4/1.2.3.4/tcp/1", nil)
	assert.ErrorIs(t, err, core.ErrUnauthenticatedWrite)

	im.registry.AllowUnauthenticatedWrites(true)
	require.NoError(t, client.Write(ctx, "k", "/ip4/1.2.3.4/tcp/1", json.RawMessage(`{"nat":"open"}`)))

	entry, err := im.registry.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, entry.Provenance.Verified)
	assert.JSONEq(t, `{"nat":"open"}`, entry.Meta)

	// never served to lookups
	_, err = client.Lookup(ctx, "k")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestServer_PermissionFlow(t *testing.T) {
	im := newIntermediary(t, ServerConfig{})
	client := NewClient(im.opener(t, ""), 0)
	ctx := context.Background()
	requester, target := newPeer(t), newPeer(t)

	_, err := client.RequestPermission(ctx, requester.Identity(), target.Identity(), "")
	assert.ErrorIs(t, err, core.ErrTargetNotRegistered)

	require.NoError(t, client.Register(ctx, target, "/ip4/10.0.0.1/tcp/4001"))

	id, err := client.RequestPermission(ctx, requester.Identity(), target.Identity(), "bob")
	require.NoError(t, err)

	status, err := client.PermissionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.PermissionPending, status.Status)
	assert.Nil(t, status.RespondedAt)

	pending, err := client.PendingRequests(ctx, target.Identity())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "bob", pending[0].RequesterHint)

	_, err = client.RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	asTarget := client.WithSigner(target)
	accepted, err := asTarget.RespondPermission(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, accepted)

	// the first answer stands
	accepted, err = asTarget.RespondPermission(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, accepted)

	status, err = client.PermissionStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Accepted())
	assert.NotNil(t, status.RespondedAt)

	pending, err = client.PendingRequests(ctx, target.Identity())
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = client.PermissionStatus(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrRequestNotFound)
}

func TestServer_CheckReturnsEmptyList(t *testing.T) {
	im := newIntermediary(t, ServerConfig{})
	codec := raw(t, im.server.ServePermission)
	ctx := context.Background()

	require.NoError(t, codec.Write(ctx, PermissionMessage{Action: ActionCheck, Target: newPeer(t).Identity()}))
	line, err := codec.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"pendingRequests":[]}`, string(line))
}

func TestServer_AuthorizesRemotePeer(t *testing.T) {
	authorize := func(remote, claimed string) error {
		if remote != "" && remote != claimed {
			return core.ErrIdentityMismatch
		}
		return nil
	}
	im := newIntermediary(t, ServerConfig{Authorize: authorize})
	ctx := context.Background()
	requester, target, eve := newPeer(t), newPeer(t), newPeer(t)

	require.NoError(t, NewClient(im.opener(t, target.Identity()), 0).Register(ctx, target, "/ip4/10.0.0.1/tcp/4001"))

	asEve := NewClient(im.opener(t, eve.Identity()), 0)
	_, err := asEve.RequestPermission(ctx, requester.Identity(), target.Identity(), "")
	assert.ErrorIs(t, err, core.ErrIdentityMismatch)

	id, err := NewClient(im.opener(t, requester.Identity()), 0).RequestPermission(ctx, requester.Identity(), target.Identity(), "")
	require.NoError(t, err)

	_, err = asEve.PendingRequests(ctx, target.Identity())
	assert.ErrorIs(t, err, core.ErrIdentityMismatch)
	_, err = asEve.RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrIdentityMismatch)

	accepted, err := NewClient(im.opener(t, target.Identity()), 0).RespondPermission(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestServer_RespondToExpiredRequest(t *testing.T) {
	im := newIntermediaryWithTTL(t, ServerConfig{}, 50*time.Millisecond)
	client := NewClient(im.opener(t, ""), 0)
	ctx := context.Background()
	requester, target := newPeer(t), newPeer(t)

	require.NoError(t, client.Register(ctx, target, "/ip4/10.0.0.1/tcp/4001"))
	id, err := client.RequestPermission(ctx, requester.Identity(), target.Identity(), "")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = client.WithSigner(target).RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrRequestExpired)

	_, err = client.WithSigner(target).RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrRequestNotFound)
}

func TestServer_EthereumTargetMustSignAnswer(t *testing.T) {
	im := newIntermediary(t, ServerConfig{Authorize: func(remote, claimed string) error {
		if remote == "" || identity.SchemeOf(claimed) != identity.SchemePeer || remote == claimed {
			return nil
		}
		return core.ErrIdentityMismatch
	}})
	ctx := context.Background()

	key, err := identity.GenerateEthereumKey(filepath.Join(t.TempDir(), "eth.key"))
	require.NoError(t, err)
	target := identity.NewEthereumSigner(key)
	otherKey, err := identity.GenerateEthereumKey(filepath.Join(t.TempDir(), "other.key"))
	require.NoError(t, err)
	requester, eve := newPeer(t), newPeer(t)

	require.NoError(t, NewClient(im.opener(t, ""), 0).Register(ctx, target, "/ip4/10.0.0.1/tcp/4001"))
	id, err := NewClient(im.opener(t, requester.Identity()), 0).RequestPermission(ctx, requester.Identity(), target.Identity(), "")
	require.NoError(t, err)

	asEve := NewClient(im.opener(t, eve.Identity()), 0)
	_, err = asEve.RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	_, err = asEve.WithSigner(eve).RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	_, err = asEve.WithSigner(liar{claimed: target.Identity(), signer: identity.NewEthereumSigner(otherKey)}).RespondPermission(ctx, id, true)
	assert.ErrorIs(t, err, core.ErrInvalidSignature)

	pending, err := im.broker.ListPendingFor(ctx, target.Identity())
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	accepted, err := NewClient(im.opener(t, eve.Identity()), 0).WithSigner(target).RespondPermission(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, accepted)

	status, err := im.broker.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.PermissionRejected, status.Status)
}
