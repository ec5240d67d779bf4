package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

var ErrInvalidOperation = errors.New("invalid entity operation")

type OpKind string

const (
	OpSave   OpKind = "save"
	OpDelete OpKind = "delete"
)

// EntityOp is one write of a batch applied in a single transaction.
type EntityOp struct {
	Kind   OpKind
	Entity domain.EntityName
	ID     domain.Identifier
	State  domain.State
}

type OpResult struct {
	Entity  domain.EntityName
	ID      domain.Identifier
	Created bool
	Deleted bool
}

// ApplyResult reports the revision written by a batch, or 0 when the batch
// changed nothing that is audited.
type ApplyResult struct {
	Revision int64
	Results  []OpResult
}

// EntityService writes entities through the host store. Every call runs in
// its own transaction, so each call produces at most one revision.
type EntityService struct {
	repo    ports.EntityRepository
	written sync.Map
}

func NewEntityService(repo ports.EntityRepository) *EntityService {
	return &EntityService{repo: repo}
}

var _ ports.RevisionObserver = (*EntityService)(nil)

// RevisionWritten remembers the revision of tx until the call that opened it
// picks it up.
func (s *EntityService) RevisionWritten(_ context.Context, tx ports.Transaction, rev domain.Revision, _ []domain.AuditRow) error {
	s.written.Store(tx.ID(), rev.ID)
	return nil
}

func (s *EntityService) Save(ctx context.Context, entity domain.EntityName, id domain.Identifier, state domain.State) (OpResult, int64, error) {
	res, err := s.Apply(ctx, []EntityOp{{Kind: OpSave, Entity: entity, ID: id, State: state}})
	if err != nil {
		return OpResult{}, 0, err
	}
	return res.Results[0], res.Revision, nil
}

func (s *EntityService) Delete(ctx context.Context, entity domain.EntityName, id domain.Identifier) (OpResult, int64, error) {
	res, err := s.Apply(ctx, []EntityOp{{Kind: OpDelete, Entity: entity, ID: id}})
	if err != nil {
		return OpResult{}, 0, err
	}
	return res.Results[0], res.Revision, nil
}

func (s *EntityService) Get(ctx context.Context, entity domain.EntityName, id domain.Identifier) (domain.StoredEntity, error) {
	if entity == "" || id.IsZero() {
		return domain.StoredEntity{}, fmt.Errorf("%w: entity and id are required", ErrInvalidOperation)
	}
	return s.repo.Get(ctx, entity, id)
}

// Apply runs ops in order inside one transaction. Any failure rolls the whole
// batch back and no revision is recorded.
func (s *EntityService) Apply(ctx context.Context, ops []EntityOp) (ApplyResult, error) {
	if len(ops) == 0 {
		return ApplyResult{}, fmt.Errorf("%w: empty batch", ErrInvalidOperation)
	}
	for n, op := range ops {
		if err := validateOp(op); err != nil {
			return ApplyResult{}, fmt.Errorf("operation %d: %w", n, err)
		}
	}

	var txID string
	results := make([]OpResult, 0, len(ops))
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx ports.Transaction) error {
		txID = tx.ID()
		for n, op := range ops {
			res := OpResult{Entity: op.Entity, ID: op.ID}
			switch op.Kind {
			case OpSave:
				created, err := s.repo.Save(ctx, tx, op.Entity, op.ID, op.State)
				if err != nil {
					return fmt.Errorf("operation %d: save %s %s: %w", n, op.Entity, op.ID, err)
				}
				res.Created = created
			case OpDelete:
				deleted, err := s.repo.Delete(ctx, tx, op.Entity, op.ID)
				if err != nil {
					return fmt.Errorf("operation %d: delete %s %s: %w", n, op.Entity, op.ID, err)
				}
				res.Deleted = deleted
			}
			results = append(results, res)
		}
		return nil
	})

	var rev int64
	if v, ok := s.written.LoadAndDelete(txID); ok {
		rev = v.(int64)
	}
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Revision: rev, Results: results}, nil
}

func validateOp(op EntityOp) error {
	switch op.Kind {
	case OpSave, OpDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Entity == "" {
		return fmt.Errorf("%w: entity is required", ErrInvalidOperation)
	}
	if op.ID.IsZero() {
		return fmt.Errorf("%w: id is required", ErrInvalidOperation)
	}
	return nil
}
