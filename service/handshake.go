package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
)

// BindFunc checks a claimed identity against what the transport knows about
// the remote party. It returns core.ErrIdentityMismatch on conflict.
type BindFunc func(claimed string) error

// HandshakeResponder is the accepting side of the mutual handshake. It is
// driven one message at a time by Handle and is not safe for concurrent use;
// each stream gets its own responder.
//
// Rounds:
//
//	initiate  -> fresh challenge
//	respond   -> initiator proves its identity over that challenge
//	challenge -> second challenge, plus a proof of our own identity when a nonce is sent
//	verify    -> initiator proves the same identity over the second challenge
type HandshakeResponder struct {
	authority *ChallengeAuthority
	signer    ports.Signer
	bind      BindFunc
	metrics   *metrics.Metrics
	log       *slog.Logger

	session  string
	identity string
	state    core.HandshakeState
}

// NewHandshakeResponder creates a responder for one handshake. signer and
// bind are optional: without a signer round-3 nonces are ignored, without
// bind any claimed identity is accepted.
func NewHandshakeResponder(authority *ChallengeAuthority, signer ports.Signer, bind BindFunc, m *metrics.Metrics) *HandshakeResponder {
	session := uuid.NewString()
	return &HandshakeResponder{
		authority: authority,
		signer:    signer,
		bind:      bind,
		metrics:   m,
		log:       logging.With(logging.Component("handshake"), slog.String("session", session)),
		session:   session,
		state:     core.AwaitChallenge,
	}
}

// State returns the current handshake state
func (h *HandshakeResponder) State() core.HandshakeState {
	return h.state
}

// Identity returns the identity the initiator proved. It is only meaningful
// once the state is Established.
func (h *HandshakeResponder) Identity() string {
	if h.state != core.Established {
		return ""
	}
	return h.identity
}

// Handle advances the handshake with msg and returns the reply to send.
// Any failure moves the handshake to Failed; the reply then carries the
// error and the returned error wraps core.ErrHandshakeFailed.
func (h *HandshakeResponder) Handle(ctx context.Context, msg *core.HandshakeRequest) (*core.HandshakeReply, error) {
	if h.state.Terminal() {
		return h.reject(ctx, core.ErrUnexpectedMessage)
	}

	reply, err := h.advance(ctx, msg)
	if err != nil {
		return h.reject(ctx, err)
	}
	return reply, nil
}

// Fail aborts the handshake, e.g. after an undecodable message
func (h *HandshakeResponder) Fail(ctx context.Context, cause error) *core.HandshakeReply {
	reply, _ := h.reject(ctx, cause)
	return reply
}

// Close discards any challenges held for this handshake
func (h *HandshakeResponder) Close(ctx context.Context) {
	for _, purpose := range []core.Purpose{core.PurposeHandshake, core.PurposeHandshakeMutual} {
		if err := h.authority.Close(ctx, purpose, h.session); err != nil {
			h.log.WarnContext(ctx, "failed to discard handshake challenge", logging.Err(err))
		}
	}
}

func (h *HandshakeResponder) advance(ctx context.Context, msg *core.HandshakeRequest) (*core.HandshakeReply, error) {
	switch h.state {
	case core.AwaitChallenge:
		if msg.Action != core.ActionInitiate {
			return nil, core.ErrUnexpectedMessage
		}
		challenge, err := h.authority.Issue(ctx, core.PurposeHandshake, h.session)
		if err != nil {
			return nil, err
		}
		h.state = core.AwaitVerification
		return &core.HandshakeReply{Success: true, Challenge: challenge.Value}, nil

	case core.AwaitVerification:
		if msg.Action != core.ActionRespond {
			return nil, core.ErrUnexpectedMessage
		}
		if err := h.checkProof(msg); err != nil {
			return nil, err
		}
		if h.bind != nil {
			if err := h.bind(msg.Identity); err != nil {
				return nil, err
			}
		}
		if err := h.authority.VerifyFor(ctx, core.PurposeHandshake, h.session, msg.Identity, msg.Challenge, msg.Signature); err != nil {
			return nil, err
		}
		h.identity = msg.Identity
		h.state = core.AwaitMutualChallenge
		return &core.HandshakeReply{Success: true}, nil

	case core.AwaitMutualChallenge:
		if msg.Action != core.ActionChallenge {
			return nil, core.ErrUnexpectedMessage
		}
		challenge, err := h.authority.Issue(ctx, core.PurposeHandshakeMutual, h.session)
		if err != nil {
			return nil, err
		}
		reply := &core.HandshakeReply{Success: true, Challenge: challenge.Value}
		if msg.Nonce != "" && h.signer != nil {
			sig, err := h.signer.Sign(core.ResponderProof(msg.Nonce))
			if err != nil {
				return nil, fmt.Errorf("failed to sign nonce: %w", err)
			}
			reply.Identity = h.signer.Identity()
			reply.Signature = sig
		}
		h.state = core.AwaitMutualVerification
		return reply, nil

	case core.AwaitMutualVerification:
		if msg.Action != core.ActionVerify {
			return nil, core.ErrUnexpectedMessage
		}
		if err := h.checkProof(msg); err != nil {
			return nil, err
		}
		if msg.Identity != h.identity {
			return nil, core.ErrIdentityMismatch
		}
		if err := h.authority.VerifyFor(ctx, core.PurposeHandshakeMutual, h.session, msg.Identity, msg.Challenge, msg.Signature); err != nil {
			return nil, err
		}
		for _, purpose := range []core.Purpose{core.PurposeHandshake, core.PurposeHandshakeMutual} {
			if err := h.authority.Establish(ctx, purpose, h.session); err != nil {
				return nil, err
			}
		}
		h.state = core.Established
		h.metrics.Handshake("responder", "established")
		h.log.InfoContext(ctx, "handshake established", logging.Identity(h.identity))
		return &core.HandshakeReply{Success: true}, nil
	}

	return nil, core.ErrUnexpectedMessage
}

func (h *HandshakeResponder) checkProof(msg *core.HandshakeRequest) error {
	if msg.Identity == "" || msg.Challenge == "" || len(msg.Signature) == 0 {
		return core.ErrInvalidFormat
	}
	return nil
}

func (h *HandshakeResponder) reject(ctx context.Context, cause error) (*core.HandshakeReply, error) {
	if h.state != core.Failed {
		h.log.InfoContext(ctx, "handshake failed",
			slog.String("state", h.state.String()), logging.Err(cause))
		h.metrics.Handshake("responder", "failed")
		h.state = core.Failed
	}
	msg, _ := core.WireMessage(cause)
	return &core.HandshakeReply{Success: false, Error: msg}, fmt.Errorf("%w: %w", core.ErrHandshakeFailed, cause)
}

// Exchanger sends one handshake request and waits for the reply
type Exchanger interface {
	Exchange(ctx context.Context, req *core.HandshakeRequest) (*core.HandshakeReply, error)
}

// HandshakeInitiator is the dialing side of the mutual handshake
type HandshakeInitiator struct {
	signer   ports.Signer
	verifier ports.SignatureVerifier
	expected string
	metrics  *metrics.Metrics

	state core.HandshakeState
}

// NewHandshakeInitiator creates an initiator. When expected is set, the
// responder must prove it holds that identity in round 3.
func NewHandshakeInitiator(signer ports.Signer, verifier ports.SignatureVerifier, expected string, m *metrics.Metrics) *HandshakeInitiator {
	return &HandshakeInitiator{
		signer:   signer,
		verifier: verifier,
		expected: expected,
		metrics:  m,
		state:    core.AwaitChallenge,
	}
}

// State returns the current handshake state
func (i *HandshakeInitiator) State() core.HandshakeState {
	return i.state
}

// Run drives all four rounds over conn
func (i *HandshakeInitiator) Run(ctx context.Context, conn Exchanger) error {
	if err := i.run(ctx, conn); err != nil {
		i.state = core.Failed
		i.metrics.Handshake("initiator", "failed")
		if errors.Is(err, core.ErrHandshakeFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", core.ErrHandshakeFailed, err)
	}
	i.state = core.Established
	i.metrics.Handshake("initiator", "established")
	return nil
}

func (i *HandshakeInitiator) run(ctx context.Context, conn Exchanger) error {
	reply, err := i.round(ctx, conn, &core.HandshakeRequest{Action: core.ActionInitiate})
	if err != nil {
		return err
	}
	if reply.Challenge == "" {
		return core.ErrInvalidFormat
	}

	i.state = core.AwaitVerification
	if _, err := i.prove(ctx, conn, core.ActionRespond, reply.Challenge); err != nil {
		return err
	}

	i.state = core.AwaitMutualChallenge
	nonce := ""
	if i.expected != "" {
		buf := make([]byte, challengeBytes)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		nonce = hex.EncodeToString(buf)
	}
	reply, err = i.round(ctx, conn, &core.HandshakeRequest{Action: core.ActionChallenge, Nonce: nonce})
	if err != nil {
		return err
	}
	if reply.Challenge == "" {
		return core.ErrInvalidFormat
	}
	if i.expected != "" {
		if reply.Identity != i.expected {
			return core.ErrIdentityMismatch
		}
		if err := i.verifier.Verify(i.expected, core.ResponderProof(nonce), reply.Signature); err != nil {
			return err
		}
	}

	i.state = core.AwaitMutualVerification
	_, err = i.prove(ctx, conn, core.ActionVerify, reply.Challenge)
	return err
}

func (i *HandshakeInitiator) prove(ctx context.Context, conn Exchanger, action, challenge string) (*core.HandshakeReply, error) {
	sig, err := i.signer.Sign([]byte(challenge))
	if err != nil {
		return nil, fmt.Errorf("failed to sign challenge: %w", err)
	}
	return i.round(ctx, conn, &core.HandshakeRequest{
		Action:    action,
		Identity:  i.signer.Identity(),
		Challenge: challenge,
		Signature: sig,
	})
}

func (i *HandshakeInitiator) round(ctx context.Context, conn Exchanger, req *core.HandshakeRequest) (*core.HandshakeReply, error) {
	reply, err := conn.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("%w: %w", core.ErrHandshakeFailed, core.FromWireMessage(reply.Error))
	}
	return reply, nil
}
