package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
)

const (
	// DefaultChallengeTTL is how long an issued challenge may be answered
	DefaultChallengeTTL = 5 * time.Minute

	// expiredRetention keeps expired records around long enough to report
	// them as expired rather than unknown
	expiredRetention = time.Minute

	challengeBytes = 32
)

// ChallengeAuthority issues single-use challenges and verifies signed answers
type ChallengeAuthority struct {
	store    ports.Store[core.Challenge]
	verifier ports.SignatureVerifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	ttl time.Duration
	now func() time.Time
}

// NewChallengeAuthority creates a challenge authority. A zero ttl selects
// DefaultChallengeTTL; m may be nil.
func NewChallengeAuthority(
	store ports.Store[core.Challenge],
	verifier ports.SignatureVerifier,
	ttl time.Duration,
	m *metrics.Metrics,
) *ChallengeAuthority {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeAuthority{
		store:    store,
		verifier: verifier,
		metrics:  m,
		log:      logging.With(logging.Component("challenge")),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue creates a fresh challenge for (purpose, identity), replacing any
// outstanding one
func (a *ChallengeAuthority) Issue(ctx context.Context, purpose core.Purpose, identity string) (*core.Challenge, error) {
	if identity == "" {
		return nil, core.Invalid("identity", "required")
	}

	nonce := make([]byte, challengeBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}

	now := a.now()
	challenge := core.Challenge{
		Purpose:   purpose,
		Identity:  identity,
		Value:     hex.EncodeToString(nonce),
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl),
		Status:    core.ChallengePending,
	}

	if err := a.store.Put(ctx, core.ChallengeKey(purpose, identity), challenge, a.ttl+expiredRetention); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	a.metrics.Challenge(string(purpose), "issued")
	a.log.DebugContext(ctx, "challenge issued",
		logging.Purpose(string(purpose)), logging.Identity(identity))
	return &challenge, nil
}

// Verify checks that signature is identity's signature over the pending
// challenge for (purpose, identity) and that presented matches it.
func (a *ChallengeAuthority) Verify(ctx context.Context, purpose core.Purpose, identity, presented string, signature []byte) error {
	return a.VerifyFor(ctx, purpose, identity, identity, presented, signature)
}

// VerifyFor is Verify for challenges stored under a key other than the
// signer's identity, such as a handshake session.
//
// On success the challenge moves to verified and cannot be used again. An
// expired, mismatched or badly signed answer deletes the challenge.
func (a *ChallengeAuthority) VerifyFor(ctx context.Context, purpose core.Purpose, key, signer, presented string, signature []byte) error {
	err := a.verify(ctx, purpose, key, signer, presented, signature)

	result := "verified"
	if err != nil {
		result = "failed"
		a.log.DebugContext(ctx, "challenge verification failed",
			logging.Purpose(string(purpose)), logging.Identity(signer), logging.Err(err))
	}
	a.metrics.Challenge(string(purpose), result)
	return err
}

func (a *ChallengeAuthority) verify(ctx context.Context, purpose core.Purpose, key, signer, presented string, signature []byte) error {
	storeKey := core.ChallengeKey(purpose, key)

	challenge, err := a.store.Get(ctx, storeKey)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.ErrChallengeNotFound
		}
		return fmt.Errorf("failed to load challenge: %w", err)
	}
	if challenge.Status != core.ChallengePending {
		return core.ErrChallengeNotFound
	}
	if challenge.Expired(a.now()) {
		a.discard(ctx, storeKey, challenge.Value)
		return core.ErrChallengeExpired
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(challenge.Value)) != 1 {
		a.discard(ctx, storeKey, challenge.Value)
		return core.ErrChallengeMismatch
	}

	if err := a.verifier.Verify(signer, []byte(challenge.Value), signature); err != nil {
		a.discard(ctx, storeKey, challenge.Value)
		return err
	}

	// The signature check ran without holding the key, so only the exact
	// challenge that was checked may transition.
	_, err = a.store.Update(ctx, storeKey, func(cur core.Challenge, exists bool) (core.Challenge, ports.Action, error) {
		if !exists || cur.Value != challenge.Value || cur.Status != core.ChallengePending {
			return cur, ports.Keep, core.ErrChallengeNotFound
		}
		cur.Status = core.ChallengeVerified
		return cur, ports.Replace, nil
	})
	return err
}

// Establish marks a verified challenge as part of an established session
func (a *ChallengeAuthority) Establish(ctx context.Context, purpose core.Purpose, key string) error {
	_, err := a.store.Update(ctx, core.ChallengeKey(purpose, key), func(cur core.Challenge, exists bool) (core.Challenge, ports.Action, error) {
		if !exists || cur.Status != core.ChallengeVerified {
			return cur, ports.Keep, core.ErrChallengeNotFound
		}
		cur.Status = core.ChallengeEstablished
		return cur, ports.Replace, nil
	})
	return err
}

// Close discards the challenge for (purpose, key) in any state
func (a *ChallengeAuthority) Close(ctx context.Context, purpose core.Purpose, key string) error {
	if _, err := a.store.Delete(ctx, core.ChallengeKey(purpose, key)); err != nil {
		return fmt.Errorf("failed to discard challenge: %w", err)
	}
	return nil
}

// Get returns the stored challenge for (purpose, key)
func (a *ChallengeAuthority) Get(ctx context.Context, purpose core.Purpose, key string) (*core.Challenge, error) {
	challenge, err := a.store.Get(ctx, core.ChallengeKey(purpose, key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrChallengeNotFound
		}
		return nil, err
	}
	return &challenge, nil
}

// Sweep evicts challenges past their retention
func (a *ChallengeAuthority) Sweep(ctx context.Context) (int, error) {
	return a.store.SweepExpired(ctx)
}

// discard removes the challenge under key if it still holds value
func (a *ChallengeAuthority) discard(ctx context.Context, key, value string) {
	_, err := a.store.Update(ctx, key, func(cur core.Challenge, exists bool) (core.Challenge, ports.Action, error) {
		if exists && cur.Value == value {
			return cur, ports.Remove, nil
		}
		return cur, ports.Keep, nil
	})
	if err != nil {
		a.log.WarnContext(ctx, "failed to discard challenge", logging.Err(err))
	}
}
