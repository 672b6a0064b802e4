// Package messaging defines the platform send capability consumed by the
// outbox dispatcher.
//
// One PlatformSender exists per third-party API. Implementations translate
// their API's failures into the shared failure taxonomy; the wire protocols
// themselves live in the vendor SDKs or in external services.
package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/models"
)

// PlatformSender delivers one outbound message to a third-party platform.
// A non-nil error must be a *models.SendError (or wrap one) so the dispatcher
// can classify it; unclassified errors are treated as transient.
type PlatformSender interface {
	Send(ctx context.Context, msg models.QueuedMessage) error
}

// SenderFunc adapts a function to the PlatformSender interface.
type SenderFunc func(ctx context.Context, msg models.QueuedMessage) error

func (f SenderFunc) Send(ctx context.Context, msg models.QueuedMessage) error {
	return f(ctx, msg)
}

// Registry maps platforms to their send capability.
type Registry struct {
	mu      sync.RWMutex
	senders map[models.Platform]PlatformSender
}

// NewRegistry creates an empty sender registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.Platform]PlatformSender)}
}

// Register installs the sender for a platform, replacing any previous one.
func (r *Registry) Register(p models.Platform, s PlatformSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[p] = s
}

// Sender returns the sender for a platform.
func (r *Registry) Sender(p models.Platform) (PlatformSender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[p]
	if !ok {
		return nil, fmt.Errorf("no sender registered for platform %q", p)
	}
	return s, nil
}

// Platforms returns the registered platforms.
func (r *Registry) Platforms() []models.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Platform, 0, len(r.senders))
	for p := range r.senders {
		out = append(out, p)
	}
	return out
}
