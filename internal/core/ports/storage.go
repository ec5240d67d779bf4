package ports

import (
	"context"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// RowWriter is the host runtime's generic insert path.
type RowWriter interface {
	InsertRow(ctx context.Context, tx Transaction, table string, values map[string]any) error
}

// RowQuerier is the host runtime's generic query execution.
type RowQuerier interface {
	QueryRows(ctx context.Context, q domain.RowQuery) ([]map[string]any, error)
}

// StateLoader reads the current state of a managed entity inside tx.
type StateLoader interface {
	LoadState(ctx context.Context, tx Transaction, entity domain.EntityName, id domain.Identifier) (domain.State, bool, error)
}

// ReferenceResolver resolves a placeholder reference to the concrete entity
// type stored under its identifier.
type ReferenceResolver interface {
	ResolveEntity(ctx context.Context, tx Transaction, ref domain.Ref) (domain.EntityName, error)
}

// RevisionHighWater reports the greatest revision id already persisted.
type RevisionHighWater interface {
	MaxRevision(ctx context.Context) (int64, error)
}

// SequenceSource hands out strictly increasing values that survive restarts.
type SequenceSource interface {
	// NextBlock reserves size consecutive values and returns the first.
	NextBlock(ctx context.Context, size int64) (int64, error)
}

// EntityRepository is the host store of current entity state. Save and
// Delete notify the audit engine inside tx.
type EntityRepository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
	Save(ctx context.Context, tx Transaction, entity domain.EntityName, id domain.Identifier, state domain.State) (created bool, err error)
	Delete(ctx context.Context, tx Transaction, entity domain.EntityName, id domain.Identifier) (bool, error)
	Get(ctx context.Context, entity domain.EntityName, id domain.Identifier) (domain.StoredEntity, error)
}
