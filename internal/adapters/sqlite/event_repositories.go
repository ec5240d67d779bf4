package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/usecase"
)

const TopicRevisionCommitted = "revisions.committed"

type outboxEventModel struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string     `gorm:"column:event_id;not null"`
	Topic         string     `gorm:"column:topic;not null"`
	PayloadJSON   string     `gorm:"column:payload_json;not null"`
	Status        string     `gorm:"column:status;not null"`
	Attempts      int        `gorm:"column:attempts;not null"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError     string     `gorm:"column:last_error;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt  *time.Time `gorm:"column:dispatched_at"`
}

func (outboxEventModel) TableName() string {
	return "outbox_events"
}

// OutboxWriter records a revision.committed event in the same transaction
// that wrote the revision's audit rows.
type OutboxWriter struct {
	codec *usecase.EventCodec
	topic string
}

func NewOutboxWriter(codec *usecase.EventCodec) *OutboxWriter {
	if codec == nil {
		codec = usecase.NewEventCodec()
	}
	return &OutboxWriter{codec: codec, topic: TopicRevisionCommitted}
}

var _ ports.RevisionObserver = (*OutboxWriter)(nil)

func (w *OutboxWriter) RevisionWritten(ctx context.Context, tx ports.Transaction, rev domain.Revision, rows []domain.AuditRow) error {
	gtx, err := gormTx(tx)
	if err != nil {
		return err
	}
	event := usecase.NewRevisionEvent(rev, rows)
	payload, err := w.codec.Encode(event)
	if err != nil {
		return err
	}

	now := rev.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	outbox := outboxEventModel{
		EventID:       event.EventID,
		Topic:         w.topic,
		PayloadJSON:   string(payload),
		Status:        domain.OutboxPending,
		Attempts:      0,
		NextAttemptAt: now,
		LastError:     "",
		CreatedAt:     now,
	}
	if err := gtx.WithContext(ctx).Create(&outbox).Error; err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

type OutboxRepository struct {
	db *gormsqlite.DB
}

func NewOutboxRepository(db *gormsqlite.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

var _ ports.OutboxRepository = (*OutboxRepository)(nil)

func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []outboxEventModel
	now := time.Now().UTC()
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("status = ? AND next_attempt_at <= ?", domain.OutboxPending, now).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox: %w", err)
	}

	result := make([]domain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (r *OutboxRepository) OldestPending(ctx context.Context) (domain.OutboxEvent, bool, error) {
	var rows []outboxEventModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("status = ?", domain.OutboxPending).
			Order("id ASC").
			Limit(1).
			Find(&rows).Error
	})
	if err != nil {
		return domain.OutboxEvent{}, false, fmt.Errorf("find oldest pending outbox: %w", err)
	}
	if len(rows) == 0 {
		return domain.OutboxEvent{}, false, nil
	}
	return rows[0].toDomain(), true, nil
}

func (m outboxEventModel) toDomain() domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            m.ID,
		EventID:       m.EventID,
		Topic:         m.Topic,
		PayloadJSON:   json.RawMessage(m.PayloadJSON),
		Status:        m.Status,
		Attempts:      m.Attempts,
		NextAttemptAt: m.NextAttemptAt,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		DispatchedAt:  m.DispatchedAt,
	}
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDispatched, "dispatched_at": &now, "last_error": ""}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error {
	parsed, err := time.Parse(time.RFC3339Nano, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("parse next attempt: %w", err)
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"attempts": attempts, "next_attempt_at": parsed, "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&outboxEventModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDead, "attempts": attempts, "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark outbox dead: %w", err)
	}
	return nil
}
