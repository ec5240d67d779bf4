package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

var ErrForeignTransaction = errors.New("transaction does not belong to this sqlite runtime")

// AuditStore executes the engine's generic row inserts and queries against
// SQLite.
type AuditStore struct {
	db            *gormsqlite.DB
	revisionTable string
}

func NewAuditStore(db *gormsqlite.DB, cfg domain.AuditConfig) *AuditStore {
	return &AuditStore{db: db, revisionTable: cfg.Normalize().RevisionTable}
}

var (
	_ ports.RowWriter         = (*AuditStore)(nil)
	_ ports.RowQuerier        = (*AuditStore)(nil)
	_ ports.RevisionHighWater = (*AuditStore)(nil)
)

func (s *AuditStore) InsertRow(ctx context.Context, tx ports.Transaction, table string, values map[string]any) error {
	gtx, err := gormTx(tx)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return fmt.Errorf("insert into %s: no columns", table)
	}
	if err := gtx.WithContext(ctx).Table(table).Create(values).Error; err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (s *AuditStore) QueryRows(ctx context.Context, q domain.RowQuery) ([]map[string]any, error) {
	stmt, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	err = s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Raw(stmt, args...).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	return rows, nil
}

func (s *AuditStore) MaxRevision(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Table(s.revisionTable).Select("COALESCE(MAX(" + quoteIdent(domain.ColumnRevisionID) + "), 0)").Scan(&max).Error
	})
	if err != nil {
		return 0, fmt.Errorf("query revision high water: %w", err)
	}
	return max, nil
}

func gormTx(tx ports.Transaction) (*gormsqlite.Tx, error) {
	gtx, ok := tx.(*gormsqlite.Tx)
	if !ok || gtx == nil {
		return nil, ErrForeignTransaction
	}
	return gtx, nil
}

// buildSelect renders q as one SELECT over alias a. The latest-per-key
// restriction becomes a correlated MAX subquery over the same table.
func buildSelect(q domain.RowQuery) (string, []any, error) {
	if q.Table == "" {
		return "", nil, errors.New("query without table")
	}
	var b strings.Builder
	var args []any

	b.WriteString("SELECT a.*")
	if q.Join != nil {
		fmt.Fprintf(&b, ", r.%s AS %s", quoteIdent(q.Join.TimestampColumn), quoteIdent(q.Join.As))
	}
	fmt.Fprintf(&b, " FROM %s a", quoteIdent(q.Table))
	if q.Join != nil {
		fmt.Fprintf(&b, " LEFT JOIN %s r ON r.%s = a.%s",
			quoteIdent(q.Join.Table), quoteIdent(q.Join.IDColumn), quoteIdent(domain.ColumnRevision))
	}

	var where []string
	for _, p := range q.Where {
		clause, clauseArgs, err := predicateSQL("a", p)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	if l := q.Latest; l != nil {
		if len(l.KeyColumns) == 0 {
			return "", nil, errors.New("latest-per-key query without key columns")
		}
		revCol := quoteIdent(l.RevisionColumn)
		var sub strings.Builder
		fmt.Fprintf(&sub, "a.%s = (SELECT MAX(l.%s) FROM %s l WHERE ", revCol, revCol, quoteIdent(q.Table))
		for _, col := range l.KeyColumns {
			fmt.Fprintf(&sub, "l.%s = a.%s AND ", quoteIdent(col), quoteIdent(col))
		}
		fmt.Fprintf(&sub, "l.%s <= ?)", revCol)
		where = append(where, sub.String())
		args = append(args, l.MaxRevision)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	if len(q.OrderBy) > 0 {
		order := make([]string, len(q.OrderBy))
		for n, o := range q.OrderBy {
			order[n] = "a." + quoteIdent(o.Column)
			if o.Desc {
				order[n] += " DESC"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(order, ", "))
	}
	switch {
	case q.Limit > 0:
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	case q.Offset > 0:
		b.WriteString(" LIMIT -1")
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, q.Offset)
	}
	return b.String(), args, nil
}

func predicateSQL(alias string, p domain.Predicate) (string, []any, error) {
	col := alias + "." + quoteIdent(p.Column)
	switch p.Op {
	case domain.OpEq, domain.OpNe, domain.OpLt, domain.OpLe, domain.OpGt, domain.OpGe:
		if p.Value == nil {
			return "", nil, fmt.Errorf("column %s: %s NULL, use IS NULL", p.Column, p.Op)
		}
		return fmt.Sprintf("%s %s ?", col, p.Op), []any{p.Value}, nil
	case domain.OpIsNull:
		return col + " IS NULL", nil, nil
	case domain.OpIn:
		values, ok := p.Value.([]any)
		if !ok {
			return "", nil, fmt.Errorf("column %s: IN expects a list, got %T", p.Column, p.Value)
		}
		if len(values) == 0 {
			return "1 = 0", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return fmt.Sprintf("%s IN (%s)", col, marks), values, nil
	case domain.OpContains:
		return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", col), []any{p.Value}, nil
	default:
		return "", nil, fmt.Errorf("column %s: unsupported operator %q", p.Column, p.Op)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
