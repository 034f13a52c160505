package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/layer-3/gatekeeper/adapters/events"
	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/adapters/store"
	"github.com/layer-3/gatekeeper/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock      *fakeClock
	verifier   identity.MultiVerifier
	challenges *store.MemoryStore[core.Challenge]
	authority  *ChallengeAuthority
	registry   *AddressRegistry
	broker     *PermissionBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock()
	verifier := identity.NewVerifier()

	challenges := store.NewMemoryStore[core.Challenge](4)
	challenges.SetClock(clock.Now)
	entries := store.NewMemoryStore[core.RegistryEntry](4)
	entries.SetClock(clock.Now)
	requests := store.NewMemoryStore[core.PermissionRequest](4)
	requests.SetClock(clock.Now)

	authority := NewChallengeAuthority(challenges, verifier, 0, nil)
	authority.now = clock.Now

	registry := NewAddressRegistry(entries, authority, verifier, events.NopPublisher{}, nil)
	registry.now = clock.Now

	broker := NewPermissionBroker(requests, registry, verifier, events.NopPublisher{}, 0, nil)
	broker.now = clock.Now

	return &fixture{
		clock:      clock,
		verifier:   verifier,
		challenges: challenges,
		authority:  authority,
		registry:   registry,
		broker:     broker,
	}
}

// register puts signer into the registry through the authenticated path
func (f *fixture) register(t *testing.T, signer interface {
	Identity() string
	Sign([]byte) ([]byte, error)
}, endpoint string) {
	t.Helper()
	ctx := context.Background()

	challenge, err := f.registry.Challenge(ctx, signer.Identity())
	require.NoError(t, err)
	sig, err := signer.Sign([]byte(challenge.Value))
	require.NoError(t, err)
	_, err = f.registry.RegisterAuthenticated(ctx, signer.Identity(), endpoint, challenge.Value, sig)
	require.NoError(t, err)
}

func newPeer(t *testing.T) *identity.PeerSigner {
	t.Helper()
	key, err := identity.GeneratePeerKey()
	require.NoError(t, err)
	s, err := identity.NewPeerSigner(key)
	require.NoError(t, err)
	return s
}

func newEthereum(t *testing.T) *identity.EthereumSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return identity.NewEthereumSigner(key)
}

// impostor claims one identity but signs with another key
type impostor struct {
	claimed string
	key     *identity.PeerSigner
}

func (i impostor) Identity() string                    { return i.claimed }
func (i impostor) Sign(payload []byte) ([]byte, error) { return i.key.Sign(payload) }

// brokerClient exposes a broker through the client interfaces
type brokerClient struct {
	broker *PermissionBroker
}

func (c brokerClient) RequestPermission(ctx context.Context, requester, target, hint string) (string, error) {
	return c.broker.Request(ctx, requester, target, hint)
}

func (c brokerClient) PermissionStatus(ctx context.Context, id string) (*core.PermissionRequest, error) {
	return c.broker.GetStatus(ctx, id)
}

func (c brokerClient) PendingRequests(ctx context.Context, target string) ([]core.PermissionRequest, error) {
	return c.broker.ListPendingFor(ctx, target)
}

func (c brokerClient) RespondPermission(ctx context.Context, id string, accepted bool) (bool, error) {
	req, err := c.broker.Respond(ctx, id, accepted)
	if err != nil {
		return false, err
	}
	return req.Accepted(), nil
}
