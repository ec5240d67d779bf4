package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

// hostRepo drives the harness engine as an EntityRepository would.
type hostRepo struct {
	h       *harness
	failing domain.EntityName
}

func (r *hostRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Transaction) error) error {
	tx := r.h.host.begin()
	if err := fn(ctx, tx); err != nil {
		r.h.host.rollback(tx)
		return err
	}
	return r.h.host.commit(ctx, tx)
}

func (r *hostRepo) Save(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier, state domain.State) (bool, error) {
	if entity == r.failing {
		return false, errors.New("constraint violation")
	}
	old, found, err := r.h.host.LoadState(ctx, tx, entity, id)
	if err != nil {
		return false, err
	}
	r.h.host.put(entity, id, state)
	if found {
		return false, r.h.engine.OnUpdate(ctx, tx, entity, id, old, state)
	}
	return true, r.h.engine.OnInsert(ctx, tx, entity, id, state)
}

func (r *hostRepo) Delete(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier) (bool, error) {
	old, found, err := r.h.host.LoadState(ctx, tx, entity, id)
	if err != nil || !found {
		return false, err
	}
	r.h.host.remove(entity, id)
	return true, r.h.engine.OnDelete(ctx, tx, entity, id, old)
}

func (r *hostRepo) Get(ctx context.Context, entity domain.EntityName, id domain.Identifier) (domain.StoredEntity, error) {
	state, found, err := r.h.host.LoadState(ctx, nil, entity, id)
	if err != nil {
		return domain.StoredEntity{}, err
	}
	if !found {
		return domain.StoredEntity{}, domain.ErrNotFound
	}
	return domain.StoredEntity{Entity: entity, ID: id, State: state}, nil
}

func newServiceHarness(t *testing.T) (*harness, *hostRepo, *EntityService) {
	t.Helper()
	h := newHarness(t)
	repo := &hostRepo{h: h}
	svc := NewEntityService(repo)
	h.engine.observers = append(h.engine.observers, svc)
	return h, repo, svc
}

func TestEntityServiceReportsRevisionPerCall(t *testing.T) {
	h, _, svc := newServiceHarness(t)

	res, rev, err := svc.Save(h.ctx, "E", domain.ID(1), domain.State{"value": "x"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1), rev)

	res, rev, err = svc.Save(h.ctx, "E", domain.ID(1), domain.State{"value": "y"})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, int64(2), rev)

	_, rev, err = svc.Save(h.ctx, "E", domain.ID(1), domain.State{"value": "y"})
	require.NoError(t, err)
	assert.Zero(t, rev, "unchanged state writes no revision")

	res, rev, err = svc.Delete(h.ctx, "E", domain.ID(1))
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.Equal(t, int64(3), rev)

	res, rev, err = svc.Delete(h.ctx, "E", domain.ID(1))
	require.NoError(t, err)
	assert.False(t, res.Deleted)
	assert.Zero(t, rev)
}

func TestEntityServiceApplyIsOneRevision(t *testing.T) {
	h, _, svc := newServiceHarness(t)

	res, err := svc.Apply(h.ctx, []EntityOp{
		{Kind: OpSave, Entity: "Author", ID: domain.ID(1), State: domain.State{"name": "Ann"}},
		{Kind: OpSave, Entity: "Book", ID: domain.ID(10), State: domain.State{"title": "Dune", "author": domain.Ref{Entity: "Author", ID: domain.ID(1)}}},
		{Kind: OpSave, Entity: "E", ID: domain.ID(1), State: domain.State{"value": "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Revision)
	require.Len(t, res.Results, 3)
	for _, r := range res.Results {
		assert.True(t, r.Created)
	}

	types, err := h.engine.NewReader().EntityTypesChangedAt(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.EntityName{"Author", "Book", "E"}, types)
}

func TestEntityServiceApplyRollsBackOnFailure(t *testing.T) {
	h, repo, svc := newServiceHarness(t)
	repo.failing = "Book"

	_, err := svc.Apply(h.ctx, []EntityOp{
		{Kind: OpSave, Entity: "Author", ID: domain.ID(1), State: domain.State{"name": "Ann"}},
		{Kind: OpSave, Entity: "Book", ID: domain.ID(10), State: domain.State{"title": "Dune"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation 1")
	assert.Empty(t, h.host.rows("revinfo"))
	assert.Empty(t, h.host.rows("author_aud"))
}

func TestEntityServiceValidatesInput(t *testing.T) {
	h, _, svc := newServiceHarness(t)

	_, err := svc.Apply(h.ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.Apply(h.ctx, []EntityOp{{Kind: "merge", Entity: "E", ID: domain.ID(1)}})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, _, err = svc.Save(h.ctx, "", domain.ID(1), domain.State{})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, _, err = svc.Delete(h.ctx, "E", domain.Identifier{})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.Get(h.ctx, "E", domain.Identifier{})
	assert.ErrorIs(t, err, ErrInvalidOperation)

	_, err = svc.Get(h.ctx, "E", domain.ID(5))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
