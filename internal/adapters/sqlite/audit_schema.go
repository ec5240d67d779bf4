package sqlite

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/revaudit/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/mapping"
)

type auditColumn struct {
	name    string
	sqlType string
	notNull bool
}

// EnsureAuditTables creates the revision table, the entity changes table and
// one audit table per hierarchy root. Columns added to the mapping after a
// table was created are appended with ALTER TABLE.
func EnsureAuditTables(ctx context.Context, db *gormsqlite.DB, meta *mapping.Registry) error {
	cfg := meta.Config()
	return db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s INTEGER PRIMARY KEY,
	%s INTEGER NOT NULL,
	%s TEXT
)`, quoteIdent(cfg.RevisionTable), quoteIdent(domain.ColumnRevisionID), quoteIdent(domain.ColumnRevisionTimestamp), quoteIdent(domain.ColumnRevisionMetadata)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
				quoteIdent("idx_"+cfg.RevisionTable+"_timestamp"), quoteIdent(cfg.RevisionTable), quoteIdent(domain.ColumnRevisionTimestamp)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s INTEGER NOT NULL,
	%s TEXT NOT NULL,
	PRIMARY KEY (%s, %s)
)`, quoteIdent(cfg.ChangesTable), quoteIdent(domain.ColumnRevision), quoteIdent(domain.ColumnEntityName),
				quoteIdent(domain.ColumnRevision), quoteIdent(domain.ColumnEntityName)),
		}
		for _, stmt := range stmts {
			if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
				return fmt.Errorf("create revision tables: %w", err)
			}
		}

		for _, root := range meta.Roots() {
			if err := ensureAuditTable(ctx, tx.DB, meta, root); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureAuditTable(ctx context.Context, tx *gorm.DB, meta *mapping.Registry, root domain.EntityName) error {
	table, err := meta.AuditTable(root)
	if err != nil {
		return err
	}
	keys, cols, err := auditColumns(meta, root)
	if err != nil {
		return err
	}

	migrator := tx.WithContext(ctx).Migrator()
	if !migrator.HasTable(table) {
		defs := make([]string, 0, len(cols)+1)
		for _, c := range cols {
			def := quoteIdent(c.name) + " " + c.sqlType
			if c.notNull {
				def += " NOT NULL"
			}
			defs = append(defs, def)
		}
		pk := make([]string, 0, len(keys)+1)
		for _, k := range keys {
			pk = append(pk, quoteIdent(k))
		}
		pk = append(pk, quoteIdent(domain.ColumnRevision))
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")

		stmt := fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(table), strings.Join(defs, ",\n\t"))
		if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("create audit table %s: %w", table, err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent("idx_"+table+"_rev"), quoteIdent(table), quoteIdent(domain.ColumnRevision))
		if err := tx.WithContext(ctx).Exec(idx).Error; err != nil {
			return fmt.Errorf("index audit table %s: %w", table, err)
		}
		return nil
	}

	for _, c := range cols {
		if migrator.HasColumn(table, c.name) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(c.name), c.sqlType)
		if err := tx.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
		}
	}
	return nil
}

// auditColumns lists the identifier columns of root followed by the fixed
// columns and the property columns of every variant sharing the table.
func auditColumns(meta *mapping.Registry, root domain.EntityName) ([]string, []auditColumn, error) {
	comps, err := meta.IdentifierOf(root)
	if err != nil {
		return nil, nil, err
	}
	codec := domain.NewIdentifierCodec(meta)
	keys, err := codec.ColumnNames(root, "")
	if err != nil {
		return nil, nil, err
	}

	var cols []auditColumn
	for n, comp := range comps {
		cols = append(cols, auditColumn{name: keys[n], sqlType: idSQLType(comp.Kind), notNull: true})
	}
	cols = append(cols,
		auditColumn{name: domain.ColumnRevision, sqlType: "INTEGER", notNull: true},
		auditColumn{name: domain.ColumnRevisionType, sqlType: "INTEGER", notNull: true},
		auditColumn{name: domain.ColumnEntityName, sqlType: "TEXT", notNull: true},
		auditColumn{name: domain.ColumnModified, sqlType: "TEXT"},
	)

	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c.name] = true
	}
	add := func(c auditColumn) {
		if !seen[c.name] {
			seen[c.name] = true
			cols = append(cols, c)
		}
	}
	for _, variant := range meta.Variants(root) {
		props, err := meta.TrackedProperties(variant)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range props {
			switch p.Kind {
			case domain.PropertyToMany:
			case domain.PropertyToOne:
				targetComps, err := meta.IdentifierOf(p.Target)
				if err != nil {
					return nil, nil, err
				}
				names, err := codec.ColumnNames(p.Target, p.Column)
				if err != nil {
					return nil, nil, err
				}
				for n, name := range names {
					add(auditColumn{name: name, sqlType: idSQLType(targetComps[n].Kind)})
				}
			default:
				add(auditColumn{name: p.Column, sqlType: valueSQLType(p.Type)})
			}
		}
	}
	return keys, cols, nil
}

func idSQLType(kind domain.IDKind) string {
	if kind == domain.IDKindInt {
		return "INTEGER"
	}
	return "TEXT"
}

func valueSQLType(t domain.ValueType) string {
	switch t {
	case domain.TypeInt, domain.TypeBool:
		return "INTEGER"
	case domain.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}
