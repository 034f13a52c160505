package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
)

// AddressRegistry maps identity addresses to endpoint descriptors. Entries
// written through proof of possession are marked verified; only verified
// entries are ever served to lookups.
type AddressRegistry struct {
	store     ports.Store[core.RegistryEntry]
	authority *ChallengeAuthority
	verifier  ports.SignatureVerifier
	events    ports.EventPublisher
	metrics   *metrics.Metrics
	log       *slog.Logger

	allowUnauthenticated bool
	now                  func() time.Time
}

// NewAddressRegistry creates a new address registry
func NewAddressRegistry(
	store ports.Store[core.RegistryEntry],
	authority *ChallengeAuthority,
	verifier ports.SignatureVerifier,
	events ports.EventPublisher,
	m *metrics.Metrics,
) *AddressRegistry {
	return &AddressRegistry{
		store:     store,
		authority: authority,
		verifier:  verifier,
		events:    events,
		metrics:   m,
		log:       logging.With(logging.Component("registry")),
		now:       time.Now,
	}
}

// AllowUnauthenticatedWrites enables the legacy raw write path
func (r *AddressRegistry) AllowUnauthenticatedWrites(allow bool) {
	r.allowUnauthenticated = allow
}

// Challenge issues a registration challenge for identity
func (r *AddressRegistry) Challenge(ctx context.Context, identity string) (*core.Challenge, error) {
	if err := r.verifier.Validate(identity); err != nil {
		return nil, err
	}
	return r.authority.Issue(ctx, core.PurposeRegistry, identity)
}

// RegisterAuthenticated stores endpoint for identity once identity has
// signed the outstanding registration challenge
func (r *AddressRegistry) RegisterAuthenticated(ctx context.Context, identity, endpoint, challenge string, signature []byte) (*core.RegistryEntry, error) {
	if endpoint == "" {
		return nil, core.Invalid("endpoint", "required")
	}
	if err := r.verifier.Validate(identity); err != nil {
		return nil, err
	}

	if err := r.authority.Verify(ctx, core.PurposeRegistry, identity, challenge, signature); err != nil {
		r.metrics.Registration("authenticated", "rejected")
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	entry := core.RegistryEntry{
		Address:  identity,
		Endpoint: endpoint,
		Provenance: core.Provenance{
			Verified:   true,
			VerifiedAt: r.now(),
		},
	}
	if err := r.store.Put(ctx, identity, entry, 0); err != nil {
		return nil, fmt.Errorf("failed to store entry: %w", err)
	}
	if err := r.authority.Close(ctx, core.PurposeRegistry, identity); err != nil {
		r.log.WarnContext(ctx, "failed to close registration challenge", logging.Err(err))
	}

	r.metrics.Registration("authenticated", "stored")
	r.log.InfoContext(ctx, "identity registered", logging.Identity(identity))

	// Log the error but don't fail the registration
	if err := r.events.PublishRegistered(ctx, &entry); err != nil {
		r.log.WarnContext(ctx, "failed to publish registration", logging.Err(err))
	}
	return &entry, nil
}

// WriteUnauthenticated stores value under key without proof. The entry is
// kept unverified, so it is never returned by Lookup, and it can never
// replace a verified entry.
func (r *AddressRegistry) WriteUnauthenticated(ctx context.Context, key, value, meta string) error {
	if !r.allowUnauthenticated {
		r.metrics.Registration("unauthenticated", "rejected")
		return core.ErrUnauthenticatedWrite
	}
	if key == "" {
		return core.Invalid("key", "required")
	}
	if value == "" {
		return core.Invalid("value", "required")
	}

	_, err := r.store.Update(ctx, key, func(cur core.RegistryEntry, exists bool) (core.RegistryEntry, ports.Action, error) {
		if exists && cur.Provenance.Verified {
			return cur, ports.Keep, fmt.Errorf("%w: a verified entry exists", core.ErrUnauthenticatedWrite)
		}
		return core.RegistryEntry{Address: key, Endpoint: value, Meta: meta}, ports.Replace, nil
	})
	if err != nil {
		r.metrics.Registration("unauthenticated", "rejected")
		return err
	}

	r.metrics.Registration("unauthenticated", "stored")
	r.log.WarnContext(ctx, "unauthenticated registry write", slog.String("key", key))
	return nil
}

// Lookup returns the endpoint of a verified entry
func (r *AddressRegistry) Lookup(ctx context.Context, identity string) (string, error) {
	entry, err := r.store.Get(ctx, identity)
	if err != nil {
		return "", err
	}
	if !entry.Provenance.Verified {
		return "", core.ErrNotFound
	}
	return entry.Endpoint, nil
}

// Get returns an entry regardless of provenance
func (r *AddressRegistry) Get(ctx context.Context, identity string) (*core.RegistryEntry, error) {
	entry, err := r.store.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns the verified entries ordered by address
func (r *AddressRegistry) List(ctx context.Context) ([]core.RegistryEntry, error) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]core.RegistryEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := r.store.Get(ctx, key)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.Provenance.Verified {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Remove deletes an entry without proof. Used by administrators.
func (r *AddressRegistry) Remove(ctx context.Context, identity string) (bool, error) {
	deleted, err := r.store.Delete(ctx, identity)
	if err != nil {
		return false, err
	}
	if deleted {
		r.log.InfoContext(ctx, "registry entry removed", logging.Identity(identity))
	}
	return deleted, nil
}

// DeleteChallenge issues a challenge authorizing removal of identity's entry
func (r *AddressRegistry) DeleteChallenge(ctx context.Context, identity string) (*core.Challenge, error) {
	if err := r.verifier.Validate(identity); err != nil {
		return nil, err
	}
	return r.authority.Issue(ctx, core.PurposeRegistryDelete, identity)
}

// RemoveAuthenticated deletes identity's entry once identity has signed the
// outstanding delete challenge
func (r *AddressRegistry) RemoveAuthenticated(ctx context.Context, identity, challenge string, signature []byte) (bool, error) {
	if err := r.authority.Verify(ctx, core.PurposeRegistryDelete, identity, challenge, signature); err != nil {
		return false, fmt.Errorf("delete failed: %w", err)
	}
	if err := r.authority.Close(ctx, core.PurposeRegistryDelete, identity); err != nil {
		r.log.WarnContext(ctx, "failed to close delete challenge", logging.Err(err))
	}
	return r.Remove(ctx, identity)
}
