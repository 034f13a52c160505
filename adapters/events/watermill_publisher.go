package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

const (
	TopicRegistered          = "gatekeeper.registry.registered"
	TopicPermissionRequested = "gatekeeper.permission.requested"
	TopicPermissionResponded = "gatekeeper.permission.responded"
)

// RegisteredEvent is published when an identity completes proof-of-possession
// and its endpoint is written to the registry
type RegisteredEvent struct {
	Address    string    `json:"address"`
	Endpoint   string    `json:"endpoint"`
	VerifiedAt time.Time `json:"verified_at"`
}

// PermissionEvent is published when a permission request is created or resolved
type PermissionEvent struct {
	RequestID   string     `json:"request_id"`
	Requester   string     `json:"requester"`
	Target      string     `json:"target"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{publisher: publisher}
}

// PublishRegistered publishes a registration event
func (p *WatermillPublisher) PublishRegistered(ctx context.Context, entry *core.RegistryEntry) error {
	return p.publish(ctx, TopicRegistered, RegisteredEvent{
		Address:    entry.Address,
		Endpoint:   entry.Endpoint,
		VerifiedAt: entry.Provenance.VerifiedAt,
	})
}

// PublishPermissionRequested publishes a new permission request
func (p *WatermillPublisher) PublishPermissionRequested(ctx context.Context, req *core.PermissionRequest) error {
	return p.publish(ctx, TopicPermissionRequested, permissionEvent(req))
}

// PublishPermissionResponded publishes the resolution of a permission request
func (p *WatermillPublisher) PublishPermissionResponded(ctx context.Context, req *core.PermissionRequest) error {
	return p.publish(ctx, TopicPermissionResponded, permissionEvent(req))
}

func permissionEvent(req *core.PermissionRequest) PermissionEvent {
	return PermissionEvent{
		RequestID:   req.ID,
		Requester:   req.Requester,
		Target:      req.Target,
		Status:      string(req.Status),
		CreatedAt:   req.CreatedAt,
		RespondedAt: req.RespondedAt,
	}
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) PublishRegistered(context.Context, *core.RegistryEntry) error { return nil }

func (NopPublisher) PublishPermissionRequested(context.Context, *core.PermissionRequest) error {
	return nil
}

func (NopPublisher) PublishPermissionResponded(context.Context, *core.PermissionRequest) error {
	return nil
}
