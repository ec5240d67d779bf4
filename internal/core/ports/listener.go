package ports

import (
	"context"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// LifecycleListener receives entity lifecycle notifications from the host.
type LifecycleListener interface {
	OnInsert(ctx context.Context, tx Transaction, entity domain.EntityName, id domain.Identifier, state domain.State) error
	OnUpdate(ctx context.Context, tx Transaction, entity domain.EntityName, id domain.Identifier, oldState, newState domain.State) error
	OnDelete(ctx context.Context, tx Transaction, entity domain.EntityName, id domain.Identifier, lastState domain.State) error
}

// RevisionListener fills revision metadata when a revision is allocated.
type RevisionListener interface {
	NewRevision(ctx context.Context, tx Transaction, rev *domain.Revision)
}

// RevisionListenerFunc adapts a function to RevisionListener.
type RevisionListenerFunc func(ctx context.Context, tx Transaction, rev *domain.Revision)

func (f RevisionListenerFunc) NewRevision(ctx context.Context, tx Transaction, rev *domain.Revision) {
	f(ctx, tx, rev)
}

// RevisionObserver is told, inside the transaction, that the rows of a
// revision have been written.
type RevisionObserver interface {
	RevisionWritten(ctx context.Context, tx Transaction, rev domain.Revision, rows []domain.AuditRow) error
}
