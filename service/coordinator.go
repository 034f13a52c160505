package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
)

// Connect steps, reported in ConnectError
const (
	StepRequest   = "request"
	StepPoll      = "poll"
	StepLookup    = "lookup"
	StepDial      = "dial"
	StepHandshake = "handshake"
)

// ConnectError reports which step of a session setup failed
type ConnectError struct {
	Step string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed at %s: %v", e.Step, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// PermissionClient is the requester's view of the intermediary's broker
type PermissionClient interface {
	RequestPermission(ctx context.Context, requester, target, hint string) (string, error)
	PermissionStatus(ctx context.Context, id string) (*core.PermissionRequest, error)
}

// Channel is a dialed stream that can carry the handshake and, once it
// succeeds, application data
type Channel interface {
	io.ReadWriteCloser
	Exchanger
}

// Dialer opens a handshake channel to target at endpoint
type Dialer interface {
	Dial(ctx context.Context, endpoint, target string) (Channel, error)
}

// Session is an authenticated channel to a remote identity
type Session struct {
	Remote    string
	RequestID string
	Channel
}

// CoordinatorConfig tunes SessionCoordinator. Zero fields take defaults.
type CoordinatorConfig struct {
	Hint             string
	PollInterval     time.Duration
	PollAttempts     int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 60
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	return c
}

// SessionCoordinator sets up sessions on the requesting side: ask the
// target for permission, wait for the answer, resolve its endpoint, dial
// it and run the handshake.
type SessionCoordinator struct {
	signer      ports.Signer
	verifier    ports.SignatureVerifier
	permissions PermissionClient
	registry    Lookuper
	dialer      Dialer
	metrics     *metrics.Metrics
	log         *slog.Logger
	cfg         CoordinatorConfig
}

// NewSessionCoordinator creates a coordinator acting as signer
func NewSessionCoordinator(
	signer ports.Signer,
	verifier ports.SignatureVerifier,
	permissions PermissionClient,
	registry Lookuper,
	dialer Dialer,
	cfg CoordinatorConfig,
	m *metrics.Metrics,
) *SessionCoordinator {
	return &SessionCoordinator{
		signer:      signer,
		verifier:    verifier,
		permissions: permissions,
		registry:    registry,
		dialer:      dialer,
		metrics:     m,
		log:         logging.With(logging.Component("coordinator")),
		cfg:         cfg.withDefaults(),
	}
}

// Connect establishes an authenticated session with target. Failures are
// returned as *ConnectError.
func (c *SessionCoordinator) Connect(ctx context.Context, target string) (*Session, error) {
	log := c.log.With(slog.String("target", logging.Short(target)))

	id, err := c.permissions.RequestPermission(ctx, c.signer.Identity(), target, c.cfg.Hint)
	if err != nil {
		return nil, &ConnectError{Step: StepRequest, Err: err}
	}
	log.InfoContext(ctx, "waiting for permission", logging.RequestID(id))

	if err := c.awaitPermission(ctx, id); err != nil {
		return nil, &ConnectError{Step: StepPoll, Err: err}
	}

	endpoint, err := c.registry.Lookup(ctx, target)
	if err != nil {
		return nil, &ConnectError{Step: StepLookup, Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ch, err := c.dialer.Dial(dialCtx, endpoint, target)
	if err != nil {
		return nil, &ConnectError{Step: StepDial, Err: err}
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	initiator := NewHandshakeInitiator(c.signer, c.verifier, target, c.metrics)
	if err := initiator.Run(hsCtx, ch); err != nil {
		ch.Close()
		return nil, &ConnectError{Step: StepHandshake, Err: err}
	}

	log.InfoContext(ctx, "session established", logging.RequestID(id))
	return &Session{Remote: target, RequestID: id, Channel: ch}, nil
}

func (c *SessionCoordinator) awaitPermission(ctx context.Context, id string) error {
	err := Every(ctx, c.cfg.PollInterval, c.cfg.PollAttempts, func(ctx context.Context, attempt int) (bool, error) {
		req, err := c.permissions.PermissionStatus(ctx, id)
		switch {
		case errors.Is(err, core.ErrRequestNotFound):
			return false, core.ErrPermissionExpired
		case err != nil:
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.log.WarnContext(ctx, "permission status poll failed",
				logging.RequestID(id), slog.Int("attempt", attempt), logging.Err(err))
			return false, nil
		}

		switch req.Status {
		case core.PermissionAccepted:
			return true, nil
		case core.PermissionRejected:
			return false, core.ErrPermissionRejected
		}
		return false, nil
	})
	if errors.Is(err, ErrAttemptsExhausted) {
		return core.ErrPermissionTimeout
	}
	return err
}

// PendingClient is the target's view of the intermediary's broker
type PendingClient interface {
	PendingRequests(ctx context.Context, target string) ([]core.PermissionRequest, error)
	RespondPermission(ctx context.Context, id string, accepted bool) (bool, error)
}

// Decision chooses whether to accept a permission request
type Decision func(ctx context.Context, req core.PermissionRequest) bool

// Acceptor answers permission requests addressed to one identity
type Acceptor struct {
	permissions PendingClient
	identity    string
	decide      Decision
	interval    time.Duration
	log         *slog.Logger
}

// NewAcceptor creates an acceptor that polls every interval
func NewAcceptor(permissions PendingClient, identity string, decide Decision, interval time.Duration) *Acceptor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Acceptor{
		permissions: permissions,
		identity:    identity,
		decide:      decide,
		interval:    interval,
		log:         logging.With(logging.Component("acceptor")),
	}
}

// Run answers requests until ctx is cancelled
func (a *Acceptor) Run(ctx context.Context) error {
	err := Every(ctx, a.interval, 0, func(ctx context.Context, _ int) (bool, error) {
		if err := a.Poll(ctx); err != nil && ctx.Err() == nil {
			a.log.WarnContext(ctx, "failed to answer permission requests", logging.Err(err))
		}
		return false, nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Poll answers the currently pending requests once
func (a *Acceptor) Poll(ctx context.Context) error {
	pending, err := a.permissions.PendingRequests(ctx, a.identity)
	if err != nil {
		return err
	}

	var errs []error
	for _, req := range pending {
		accepted := a.decide(ctx, req)
		if _, err := a.permissions.RespondPermission(ctx, req.ID, accepted); err != nil {
			a.log.WarnContext(ctx, "failed to answer permission request",
				logging.RequestID(req.ID), logging.Err(err))
			errs = append(errs, fmt.Errorf("failed to answer %s: %w", req.ID, err))
			continue
		}
		a.log.InfoContext(ctx, "permission answered",
			logging.RequestID(req.ID),
			slog.String("requester", logging.Short(req.Requester)),
			slog.Bool("accepted", accepted))
	}
	return errors.Join(errs...)
}

// AcceptAll is a Decision that accepts every request
func AcceptAll(context.Context, core.PermissionRequest) bool { return true }

// AcceptFrom returns a Decision that accepts only the listed requesters
func AcceptFrom(requesters ...string) Decision {
	allowed := make(map[string]struct{}, len(requesters))
	for _, r := range requesters {
		allowed[r] = struct{}{}
	}
	return func(_ context.Context, req core.PermissionRequest) bool {
		_, ok := allowed[req.Requester]
		return ok
	}
}
