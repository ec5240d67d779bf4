package ports

import (
	"context"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

type OutboxRepository interface {
	// FetchPending returns pending events that are due, lowest id first.
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	// OldestPending returns the pending event with the lowest id, due or not.
	OldestPending(ctx context.Context) (domain.OutboxEvent, bool, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
}
