package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/adapters/tokenizer"
	"github.com/layer-3/gatekeeper/internal/config"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestKeygen_PeerKey(t *testing.T) {
	c := config.Default()
	c.Node.KeyFile = filepath.Join(t.TempDir(), "node.key")
	withConfig(t, c)

	var out bytes.Buffer
	cmd := NewKeygenCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	key, err := identity.LoadPeerKey(c.Node.KeyFile)
	require.NoError(t, err)
	signer, err := identity.NewPeerSigner(key)
	require.NoError(t, err)
	assert.Equal(t, signer.Identity(), strings.TrimSpace(out.String()))

	again := NewKeygenCmd()
	again.SetOut(&bytes.Buffer{})
	again.SetErr(&bytes.Buffer{})
	again.SetArgs([]string{})
	assert.ErrorContains(t, again.Execute(), "already exists")
}

func TestKeygen_EthereumKey(t *testing.T) {
	c := config.Default()
	withConfig(t, c)
	path := filepath.Join(t.TempDir(), "eth.key")

	var out bytes.Buffer
	cmd := NewKeygenCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--ethereum", "--out", path})
	require.NoError(t, cmd.Execute())

	key, err := identity.LoadEthereumKey(path)
	require.NoError(t, err)
	assert.Equal(t, identity.NewEthereumSigner(key).Identity(), strings.TrimSpace(out.String()))
}

func TestAdminToken(t *testing.T) {
	c := config.Default()
	c.Admin.JWTSecret = strings.Repeat("k", 32)
	withConfig(t, c)

	var out bytes.Buffer
	cmd := NewAdminCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--subject", "ops", "--ttl", "10m"})
	require.NoError(t, cmd.Execute())

	session, err := tokenizer.NewJWTTokenizer([]byte(c.Admin.JWTSecret)).TokenToAdminSession(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", session.Subject)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), session.ExpiresAt, time.Minute)
}

func TestAdminToken_RequiresSecret(t *testing.T) {
	withConfig(t, config.Default())

	cmd := NewAdminCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token"})
	assert.ErrorContains(t, cmd.Execute(), "jwt_secret")
}

func TestSweep_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- sweep(ctx, "test", 5*time.Millisecond, func(context.Context) (int, error) {
			if calls.Add(1) == 3 {
				cancel()
			}
			return 1, nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestSweep_Disabled(t *testing.T) {
	err := sweep(context.Background(), "test", 0, func(context.Context) (int, error) {
		t.Fatal("sweep ran")
		return 0, nil
	})
	assert.NoError(t, err)
}
