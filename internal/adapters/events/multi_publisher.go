package events

import (
	"context"
	"errors"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

// MultiPublisher delivers every event to each publisher in order. Delivery
// continues past a failing publisher; the joined error makes the outbox retry
// the whole event, so publishers must tolerate duplicates.
type MultiPublisher struct {
	publishers []ports.EventPublisher
}

func NewMultiPublisher(publishers ...ports.EventPublisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, topic string, event domain.RevisionEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
