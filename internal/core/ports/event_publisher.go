package ports

import (
	"context"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// EventPublisher delivers a revision event to receivers. Errors wrapping
// domain.ErrEventRejected are permanent; any other error is retried.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.RevisionEvent) error
}
