// Package system provides the lifecycle-managed service abstraction shared
// by both StormStack binaries: the ECS-backed scheduler, the HTTP listener,
// the fanout hub, and the cluster heartbeat all implement Service so a
// single Manager can start and stop them deterministically.
package system

import (
	"context"

	"github.com/stormstack/engine/internal/app/core"
)

// Service represents a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata for
// introspection (e.g. a /system/status endpoint).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
