package ports

import (
	"context"

	"github.com/layer-3/gatekeeper/core"
)

// EventPublisher publishes domain events so other instances and tools can react
type EventPublisher interface {
	PublishRegistered(ctx context.Context, entry *core.RegistryEntry) error
	PublishPermissionRequested(ctx context.Context, req *core.PermissionRequest) error
	PublishPermissionResponded(ctx context.Context, req *core.PermissionRequest) error
}
