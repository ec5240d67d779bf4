package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

type sequenceModel struct {
	Name      string `gorm:"column:name;primaryKey"`
	NextValue int64  `gorm:"column:next_value;not null"`
}

func (sequenceModel) TableName() string {
	return "revision_sequence"
}

// SequenceStore is a table-backed sequence. Blocks are reserved in their own
// committed transaction, so the store must not share a database file with
// the writer whose transactions allocate from it.
type SequenceStore struct {
	db   *gormsqlite.DB
	name string
}

func NewSequenceStore(db *gormsqlite.DB, name string) *SequenceStore {
	if name == "" {
		name = "revision"
	}
	return &SequenceStore{db: db, name: name}
}

var _ ports.SequenceSource = (*SequenceStore)(nil)

// EnsureSchema creates the sequence table when the store runs on a database
// that was not migrated.
func (s *SequenceStore) EnsureSchema(ctx context.Context) error {
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.WithContext(ctx).Exec(`CREATE TABLE IF NOT EXISTS revision_sequence (
	name TEXT PRIMARY KEY,
	next_value INTEGER NOT NULL
)`).Error
	})
	if err != nil {
		return fmt.Errorf("create sequence table: %w", err)
	}
	return nil
}

func (s *SequenceStore) NextBlock(ctx context.Context, size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("sequence block size must be positive, got %d", size)
	}
	var first int64
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var seq sequenceModel
		err := tx.WithContext(ctx).Where("name = ?", s.name).First(&seq).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			seq = sequenceModel{Name: s.name, NextValue: 1}
			if err := tx.WithContext(ctx).Create(&seq).Error; err != nil {
				return fmt.Errorf("create sequence: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load sequence: %w", err)
		}
		first = seq.NextValue
		return tx.WithContext(ctx).Model(&sequenceModel{}).
			Where("name = ?", s.name).
			Update("next_value", seq.NextValue+size).Error
	})
	if err != nil {
		return 0, fmt.Errorf("reserve sequence block: %w", err)
	}
	return first, nil
}
