package sqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/mapping"
)

func TestBuildSelectLatestPerKey(t *testing.T) {
	stmt, args, err := buildSelect(domain.RowQuery{
		Table: "book_aud",
		Where: []domain.Predicate{
			{Column: "entity_name", Op: domain.OpIn, Value: []any{"Ebook", "Paperback"}},
			{Column: "revtype", Op: domain.OpNe, Value: int64(2)},
		},
		Latest:  &domain.LatestPerKey{KeyColumns: []string{"id"}, RevisionColumn: "rev", MaxRevision: 7},
		OrderBy: []domain.OrderBy{{Column: "id"}},
		Offset:  5,
	})
	if err != nil {
		t.Fatalf("build select: %v", err)
	}
	want := `SELECT a.* FROM "book_aud" a WHERE a."entity_name" IN (?, ?) AND a."revtype" <> ? AND a."rev" = (SELECT MAX(l."rev") FROM "book_aud" l WHERE l."id" = a."id" AND l."rev" <= ?) ORDER BY a."id" LIMIT -1 OFFSET ?`
	if stmt != want {
		t.Fatalf("unexpected statement:\n got %s\nwant %s", stmt, want)
	}
	wantArgs := []any{"Ebook", "Paperback", int64(2), int64(7), 5}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Fatalf("unexpected args: got %v want %v", args, wantArgs)
	}
}

func TestBuildSelectJoinAndContains(t *testing.T) {
	stmt, args, err := buildSelect(domain.RowQuery{
		Table: "author_aud",
		Where: []domain.Predicate{
			{Column: "modified", Op: domain.OpContains, Value: "name"},
			{Column: "name", Op: domain.OpIsNull},
			{Column: "entity_name", Op: domain.OpIn, Value: []any{}},
		},
		Join:    &domain.RevisionJoin{Table: "revinfo", IDColumn: "id", TimestampColumn: "timestamp", As: "rev_timestamp"},
		OrderBy: []domain.OrderBy{{Column: "rev", Desc: true}},
		Limit:   3,
	})
	if err != nil {
		t.Fatalf("build select: %v", err)
	}
	want := `SELECT a.*, r."timestamp" AS "rev_timestamp" FROM "author_aud" a LEFT JOIN "revinfo" r ON r."id" = a."rev" WHERE EXISTS (SELECT 1 FROM json_each(a."modified") WHERE json_each.value = ?) AND a."name" IS NULL AND 1 = 0 ORDER BY a."rev" DESC LIMIT ?`
	if stmt != want {
		t.Fatalf("unexpected statement:\n got %s\nwant %s", stmt, want)
	}
	if !reflect.DeepEqual(args, []any{"name", 3}) {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildSelectRejectsNullComparison(t *testing.T) {
	_, _, err := buildSelect(domain.RowQuery{
		Table: "author_aud",
		Where: []domain.Predicate{{Column: "name", Op: domain.OpEq}},
	})
	if err == nil {
		t.Fatalf("expected error for = NULL")
	}
	if _, _, err := buildSelect(domain.RowQuery{}); err == nil {
		t.Fatalf("expected error for missing table")
	}
}

func TestEnsureAuditTablesAddsNewColumns(t *testing.T) {
	ctx := context.Background()
	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "schema.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	register := func(props ...domain.PropertyMeta) *mapping.Registry {
		meta := mapping.NewRegistry(domain.DefaultAuditConfig())
		if err := meta.Register(domain.EntityMeta{
			Name:       "Line",
			ID:         []domain.IDComponent{{Name: "order_id", Kind: domain.IDKindInt}, {Name: "sku", Kind: domain.IDKindString}},
			Properties: props,
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
		if err := meta.Validate(); err != nil {
			t.Fatalf("validate: %v", err)
		}
		return meta
	}

	if err := EnsureAuditTables(ctx, db, register(domain.PropertyMeta{Name: "qty", Type: domain.TypeInt})); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := EnsureAuditTables(ctx, db, register(
		domain.PropertyMeta{Name: "qty", Type: domain.TypeInt},
		domain.PropertyMeta{Name: "price", Type: domain.TypeFloat},
	)); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	migrator := db.R.Migrator()
	for _, table := range []string{"revinfo", "revchanges", "line_aud"} {
		if !migrator.HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
	for _, col := range []string{"order_id", "sku", "rev", "revtype", "entity_name", "modified", "qty", "price"} {
		if !migrator.HasColumn("line_aud", col) {
			t.Fatalf("expected column line_aud.%s", col)
		}
	}
}

func TestSequenceStoreReservesBlocks(t *testing.T) {
	ctx := context.Background()
	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "seq.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	seq := NewSequenceStore(db, "")
	if err := seq.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	first, err := seq.NextBlock(ctx, 10)
	if err != nil {
		t.Fatalf("first block: %v", err)
	}
	second, err := seq.NextBlock(ctx, 5)
	if err != nil {
		t.Fatalf("second block: %v", err)
	}
	if first != 1 || second != 11 {
		t.Fatalf("unexpected block starts: %d %d", first, second)
	}

	other := NewSequenceStore(db, "other")
	start, err := other.NextBlock(ctx, 1)
	if err != nil {
		t.Fatalf("other block: %v", err)
	}
	if start != 1 {
		t.Fatalf("expected independent sequence, got %d", start)
	}

	if _, err := seq.NextBlock(ctx, 0); err == nil {
		t.Fatalf("expected error for empty block")
	}
}
