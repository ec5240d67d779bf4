package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// ReplayRevisions rebuilds the revision events of every revision after
// afterRevision, in ascending order, from the revision table and the audit
// tables. It needs entity change tracking to find the tables a revision
// touched.
func ReplayRevisions(ctx context.Context, r *Reader, afterRevision int64, batchSize int, applyFn func(domain.RevisionEvent) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	for {
		rows, err := r.query.QueryRows(ctx, domain.RowQuery{
			Table:   r.cfg.RevisionTable,
			Where:   []domain.Predicate{{Column: domain.ColumnRevisionID, Op: domain.OpGt, Value: afterRevision}},
			OrderBy: []domain.OrderBy{{Column: domain.ColumnRevisionID}},
			Limit:   batchSize,
		})
		if err != nil {
			return fmt.Errorf("list revisions: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		for _, row := range rows {
			rev, err := decodeRevision(row)
			if err != nil {
				return err
			}
			changes, err := revisionChanges(ctx, r, rev.ID)
			if err != nil {
				return fmt.Errorf("load changes of revision %d: %w", rev.ID, err)
			}
			event := domain.RevisionEvent{
				EventID:       RevisionEventID(rev.ID),
				EventType:     domain.EventRevisionCommitted,
				SchemaVersion: domain.CurrentEventSchemaVersion,
				Revision:      rev.ID,
				Timestamp:     rev.Timestamp,
				Metadata:      rev.Metadata,
				Changes:       changes,
			}
			if err := applyFn(event); err != nil {
				return fmt.Errorf("apply revision %d: %w", rev.ID, err)
			}
			afterRevision = rev.ID
		}
	}
}

func revisionChanges(ctx context.Context, r *Reader, rev int64) ([]domain.EntityChange, error) {
	types, err := r.EntityTypesChangedAt(ctx, rev)
	if err != nil {
		return nil, err
	}
	var out []domain.EntityChange
	seen := map[string]bool{}
	for _, entity := range types {
		if !r.meta.IsTracked(entity) {
			continue
		}
		table, err := r.meta.AuditTable(entity)
		if err != nil {
			return nil, err
		}
		if seen[table] {
			continue
		}
		seen[table] = true

		idCols, err := r.codec.ColumnNames(entity, "")
		if err != nil {
			return nil, err
		}
		q := domain.RowQuery{
			Table: table,
			Where: []domain.Predicate{{Column: domain.ColumnRevision, Op: domain.OpEq, Value: rev}},
		}
		for _, col := range idCols {
			q.OrderBy = append(q.OrderBy, domain.OrderBy{Column: col})
		}
		rows, err := r.query.QueryRows(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			change, err := decodeChange(r, row)
			if err != nil {
				return nil, err
			}
			out = append(out, change)
		}
	}
	return out, nil
}

func decodeChange(r *Reader, row map[string]any) (domain.EntityChange, error) {
	entity := domain.EntityName(rowString(row[domain.ColumnEntityName]))
	id, _, err := r.codec.FromColumns(entity, "", row)
	if err != nil {
		return domain.EntityChange{}, err
	}
	typ, err := rowInt64(row[domain.ColumnRevisionType])
	if err != nil {
		return domain.EntityChange{}, fmt.Errorf("read %s: %w", domain.ColumnRevisionType, err)
	}
	change := domain.EntityChange{Entity: entity, ID: id, Type: domain.RevisionType(typ)}
	if raw := rowString(row[domain.ColumnModified]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &change.Modified); err != nil {
			return domain.EntityChange{}, fmt.Errorf("decode %s: %w", domain.ColumnModified, err)
		}
	}
	return change, nil
}
