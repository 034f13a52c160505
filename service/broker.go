package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
)

// DefaultPermissionTTL is how long a permission request stays answerable
const DefaultPermissionTTL = 10 * time.Minute

// Lookuper resolves an identity to the endpoint it registered
type Lookuper interface {
	Lookup(ctx context.Context, identity string) (string, error)
}

// PermissionBroker holds connection permission requests until the target
// answers them or they expire
type PermissionBroker struct {
	store     ports.Store[core.PermissionRequest]
	registry  Lookuper
	validator ports.SignatureVerifier
	events    ports.EventPublisher
	metrics   *metrics.Metrics
	log       *slog.Logger

	ttl time.Duration
	now func() time.Time
}

// NewPermissionBroker creates a permission broker. A zero ttl selects
// DefaultPermissionTTL; m may be nil.
func NewPermissionBroker(
	store ports.Store[core.PermissionRequest],
	registry Lookuper,
	validator ports.SignatureVerifier,
	events ports.EventPublisher,
	ttl time.Duration,
	m *metrics.Metrics,
) *PermissionBroker {
	if ttl <= 0 {
		ttl = DefaultPermissionTTL
	}
	return &PermissionBroker{
		store:     store,
		registry:  registry,
		validator: validator,
		events:    events,
		metrics:   m,
		log:       logging.With(logging.Component("permission")),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Request records that requester wants to connect to target and returns the
// request ID. The target must hold a verified registry entry.
func (b *PermissionBroker) Request(ctx context.Context, requester, target, hint string) (string, error) {
	if err := b.validator.Validate(requester); err != nil {
		return "", fmt.Errorf("requester: %w", err)
	}
	if err := b.validator.Validate(target); err != nil {
		return "", fmt.Errorf("target: %w", err)
	}

	if _, err := b.registry.Lookup(ctx, target); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", core.ErrTargetNotRegistered
		}
		return "", fmt.Errorf("failed to look up target: %w", err)
	}

	now := b.now()
	req := core.PermissionRequest{
		ID:            uuid.NewString(),
		Requester:     requester,
		RequesterHint: hint,
		Target:        target,
		Status:        core.PermissionPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(b.ttl),
	}
	if err := b.store.Put(ctx, req.ID, req, b.ttl+expiredRetention); err != nil {
		return "", fmt.Errorf("failed to store request: %w", err)
	}

	b.metrics.Permission(string(core.PermissionPending))
	b.log.InfoContext(ctx, "permission requested",
		logging.RequestID(req.ID),
		slog.String("requester", logging.Short(requester)),
		slog.String("target", logging.Short(target)))

	if err := b.events.PublishPermissionRequested(ctx, &req); err != nil {
		b.log.WarnContext(ctx, "failed to publish permission request", logging.Err(err))
	}
	return req.ID, nil
}

// Respond resolves a pending request. A request that is already resolved is
// returned unchanged; the first answer wins.
func (b *PermissionBroker) Respond(ctx context.Context, id string, accepted bool) (*core.PermissionRequest, error) {
	now := b.now()
	changed := false

	req, err := b.store.Update(ctx, id, func(cur core.PermissionRequest, exists bool) (core.PermissionRequest, ports.Action, error) {
		switch {
		case !exists:
			return cur, ports.Keep, core.ErrRequestNotFound
		case cur.Expired(now):
			return cur, ports.Remove, core.ErrRequestExpired
		case cur.Status.Resolved():
			return cur, ports.Keep, nil
		}

		cur.Status = core.PermissionRejected
		if accepted {
			cur.Status = core.PermissionAccepted
		}
		cur.RespondedAt = &now
		changed = true
		return cur, ports.Replace, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		b.metrics.Permission(string(req.Status))
		b.log.InfoContext(ctx, "permission answered",
			logging.RequestID(id), slog.String("status", string(req.Status)))

		if err := b.events.PublishPermissionResponded(ctx, &req); err != nil {
			b.log.WarnContext(ctx, "failed to publish permission response", logging.Err(err))
		}
	}
	return &req, nil
}

// ListPendingFor returns target's unanswered, unexpired requests, oldest first
func (b *PermissionBroker) ListPendingFor(ctx context.Context, target string) ([]core.PermissionRequest, error) {
	keys, err := b.store.Keys(ctx)
	if err != nil {
		return nil, err
	}

	now := b.now()
	pending := make([]core.PermissionRequest, 0)
	for _, key := range keys {
		req, err := b.store.Get(ctx, key)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Target == target && req.Status == core.PermissionPending && !req.Expired(now) {
			pending = append(pending, req)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return pending, nil
}

// Get returns a request without evicting it when expired
func (b *PermissionBroker) Get(ctx context.Context, id string) (*core.PermissionRequest, error) {
	req, err := b.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// VerifyResponse checks that signature is req's target signing the answer
func (b *PermissionBroker) VerifyResponse(req *core.PermissionRequest, accepted bool, signature []byte) error {
	if len(signature) == 0 {
		return core.ErrInvalidSignature
	}
	return b.validator.Verify(req.Target, core.PermissionResponseProof(req.ID, accepted), signature)
}

// GetStatus returns a request. Expired requests are evicted and reported as
// not found.
func (b *PermissionBroker) GetStatus(ctx context.Context, id string) (*core.PermissionRequest, error) {
	req, err := b.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrRequestNotFound
		}
		return nil, err
	}
	if req.Expired(b.now()) {
		b.evict(ctx, id)
		return nil, core.ErrRequestNotFound
	}
	return &req, nil
}

// Sweep evicts every expired request and returns how many were removed
func (b *PermissionBroker) Sweep(ctx context.Context) (int, error) {
	keys, err := b.store.Keys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if b.evict(ctx, key) {
			removed++
		}
	}

	swept, err := b.store.SweepExpired(ctx)
	return removed + swept, err
}

// evict removes the request under id if it has expired
func (b *PermissionBroker) evict(ctx context.Context, id string) bool {
	now := b.now()
	removed := false
	_, err := b.store.Update(ctx, id, func(cur core.PermissionRequest, exists bool) (core.PermissionRequest, ports.Action, error) {
		if exists && cur.Expired(now) {
			removed = true
			return cur, ports.Remove, nil
		}
		return cur, ports.Keep, nil
	})
	if err != nil {
		b.log.WarnContext(ctx, "failed to evict request", logging.RequestID(id), logging.Err(err))
		return false
	}
	return removed
}
