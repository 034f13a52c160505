package p2p

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/core"
)

func TestAuthorize(t *testing.T) {
	a, b := newSigner(t), newSigner(t)

	key, err := identity.GenerateEthereumKey(filepath.Join(t.TempDir(), "eth.key"))
	require.NoError(t, err)
	eth := identity.NewEthereumSigner(key)

	assert.NoError(t, Authorize("", a.Identity()))
	assert.NoError(t, Authorize(a.Identity(), a.Identity()))
	assert.ErrorIs(t, Authorize(a.Identity(), b.Identity()), core.ErrIdentityMismatch)
	assert.NoError(t, Authorize(a.Identity(), eth.Identity()))

	require.ErrorIs(t, Bind(a.Identity())(b.Identity()), core.ErrIdentityMismatch)
}

func newSigner(t *testing.T) *identity.PeerSigner {
	t.Helper()
	key, err := identity.GeneratePeerKey()
	require.NoError(t, err)
	s, err := identity.NewPeerSigner(key)
	require.NoError(t, err)
	return s
}
