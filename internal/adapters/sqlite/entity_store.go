package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/mapping"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

type entityModel struct {
	RootName   string    `gorm:"column:root_name;primaryKey"`
	IDKey      string    `gorm:"column:id_key;primaryKey"`
	EntityName string    `gorm:"column:entity_name;not null"`
	Data       string    `gorm:"column:data;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null"`
}

func (entityModel) TableName() string {
	return "entities"
}

// EntityStore keeps the current state of every tracked entity as one JSON
// document per (hierarchy root, identifier) and reports each change to the
// audit engine inside the writing transaction.
type EntityStore struct {
	db       *gormsqlite.DB
	meta     *mapping.Registry
	codec    *domain.IdentifierCodec
	listener ports.LifecycleListener
	now      func() time.Time
}

func NewEntityStore(db *gormsqlite.DB, meta *mapping.Registry) *EntityStore {
	return &EntityStore{
		db:    db,
		meta:  meta,
		codec: domain.NewIdentifierCodec(meta),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetListener installs the receiver of lifecycle notifications. Without one,
// writes are not audited.
func (s *EntityStore) SetListener(l ports.LifecycleListener) {
	s.listener = l
}

var (
	_ ports.EntityRepository  = (*EntityStore)(nil)
	_ ports.StateLoader       = (*EntityStore)(nil)
	_ ports.ReferenceResolver = (*EntityStore)(nil)
)

func (s *EntityStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Transaction) error) error {
	return s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return fn(ctx, tx)
	})
}

func (s *EntityStore) Save(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier, state domain.State) (bool, error) {
	gtx, err := gormTx(tx)
	if err != nil {
		return false, err
	}
	root, key, id, err := s.locate(entity, id)
	if err != nil {
		return false, err
	}

	existing, found, err := s.load(ctx, gtx.DB, root, key)
	if err != nil {
		return false, err
	}
	var before domain.State
	if found {
		if domain.EntityName(existing.EntityName) != entity {
			return false, domain.NewMappingError(entity, "", "identifier %s is stored as %s", id, existing.EntityName)
		}
		before, err = s.meta.DecodeState(entity, json.RawMessage(existing.Data))
		if err != nil {
			return false, err
		}
	}

	data, err := s.meta.EncodeState(entity, state)
	if err != nil {
		return false, err
	}
	// the listener sees the state as it reads back from storage
	after, err := s.meta.DecodeState(entity, data)
	if err != nil {
		return false, err
	}

	now := s.now()
	model := entityModel{
		RootName:   string(root),
		IDKey:      string(key),
		EntityName: string(entity),
		Data:       string(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := gtx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "root_name"}, {Name: "id_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entity_name", "data", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return false, fmt.Errorf("upsert entity: %w", err)
	}

	if s.listener != nil {
		if found {
			err = s.listener.OnUpdate(ctx, tx, entity, id, before, after)
		} else {
			err = s.listener.OnInsert(ctx, tx, entity, id, after)
		}
		if err != nil {
			return false, err
		}
	}
	return !found, nil
}

func (s *EntityStore) Delete(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier) (bool, error) {
	gtx, err := gormTx(tx)
	if err != nil {
		return false, err
	}
	root, key, id, err := s.locate(entity, id)
	if err != nil {
		return false, err
	}

	existing, found, err := s.load(ctx, gtx.DB, root, key)
	if err != nil {
		return false, err
	}
	stored := domain.EntityName(existing.EntityName)
	if !found || !s.meta.IsA(stored, entity) {
		return false, nil
	}
	last, err := s.meta.DecodeState(stored, json.RawMessage(existing.Data))
	if err != nil {
		return false, err
	}

	if err := gtx.WithContext(ctx).Where("root_name = ? AND id_key = ?", string(root), string(key)).Delete(&entityModel{}).Error; err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}

	if s.listener != nil {
		if err := s.listener.OnDelete(ctx, tx, stored, id, last); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *EntityStore) Get(ctx context.Context, entity domain.EntityName, id domain.Identifier) (domain.StoredEntity, error) {
	root, key, id, err := s.locate(entity, id)
	if err != nil {
		return domain.StoredEntity{}, err
	}
	model, found, err := s.loadIn(ctx, nil, root, key)
	if err != nil {
		return domain.StoredEntity{}, err
	}
	stored := domain.EntityName(model.EntityName)
	if !found || !s.meta.IsA(stored, entity) {
		return domain.StoredEntity{}, domain.ErrNotFound
	}
	state, err := s.meta.DecodeState(stored, json.RawMessage(model.Data))
	if err != nil {
		return domain.StoredEntity{}, err
	}
	return domain.StoredEntity{
		Entity:    stored,
		ID:        id,
		State:     state,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}, nil
}

// LoadState reads inside tx when it belongs to this runtime, so uncommitted
// writes of the same transaction are visible.
func (s *EntityStore) LoadState(ctx context.Context, tx ports.Transaction, entity domain.EntityName, id domain.Identifier) (domain.State, bool, error) {
	root, key, _, err := s.locate(entity, id)
	if err != nil {
		return nil, false, err
	}
	model, found, err := s.loadIn(ctx, tx, root, key)
	if err != nil || !found {
		return nil, false, err
	}
	stored := domain.EntityName(model.EntityName)
	if !s.meta.IsA(stored, entity) {
		return nil, false, nil
	}
	state, err := s.meta.DecodeState(stored, json.RawMessage(model.Data))
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// ResolveEntity reports the concrete type stored under ref. A reference to
// an identifier that is not stored keeps its declared type.
func (s *EntityStore) ResolveEntity(ctx context.Context, tx ports.Transaction, ref domain.Ref) (domain.EntityName, error) {
	root, key, _, err := s.locate(ref.Entity, ref.ID)
	if err != nil {
		return "", err
	}
	model, found, err := s.loadIn(ctx, tx, root, key)
	if err != nil {
		return "", err
	}
	if !found {
		return ref.Entity, nil
	}
	return domain.EntityName(model.EntityName), nil
}

func (s *EntityStore) locate(entity domain.EntityName, id domain.Identifier) (domain.EntityName, domain.CanonicalKey, domain.Identifier, error) {
	if !s.meta.IsTracked(entity) {
		return "", "", domain.Identifier{}, domain.NewMappingError(entity, "", "entity is not tracked")
	}
	norm, err := s.codec.Normalize(entity, id)
	if err != nil {
		return "", "", domain.Identifier{}, err
	}
	key, err := s.codec.Encode(entity, norm)
	if err != nil {
		return "", "", domain.Identifier{}, err
	}
	return s.meta.Root(entity), key, norm, nil
}

func (s *EntityStore) loadIn(ctx context.Context, tx ports.Transaction, root domain.EntityName, key domain.CanonicalKey) (entityModel, bool, error) {
	if gtx, err := gormTx(tx); err == nil {
		return s.load(ctx, gtx.DB, root, key)
	}
	var model entityModel
	var found bool
	err := s.db.ReadTX(ctx, func(rtx *gormsqlite.Tx) error {
		var err error
		model, found, err = s.load(ctx, rtx.DB, root, key)
		return err
	})
	return model, found, err
}

func (s *EntityStore) load(ctx context.Context, db *gorm.DB, root domain.EntityName, key domain.CanonicalKey) (entityModel, bool, error) {
	var model entityModel
	err := db.WithContext(ctx).Where("root_name = ? AND id_key = ?", string(root), string(key)).First(&model).Error
	switch {
	case err == nil:
		return model, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return entityModel{}, false, nil
	default:
		return entityModel{}, false, fmt.Errorf("load entity: %w", err)
	}
}
