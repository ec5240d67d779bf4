package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/workunit"
)

// AuditWriter serialises a revision and its audit rows through the host's
// generic insert path. Storage errors are returned unchanged.
type AuditWriter struct {
	meta    ports.Metadata
	codec   *domain.IdentifierCodec
	cfg     domain.AuditConfig
	rows    ports.RowWriter
	metrics ports.Metrics
}

func NewAuditWriter(meta ports.Metadata, cfg domain.AuditConfig, rows ports.RowWriter, metrics ports.Metrics) *AuditWriter {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &AuditWriter{meta: meta, codec: domain.NewIdentifierCodec(meta), cfg: cfg.Normalize(), rows: rows, metrics: metrics}
}

// Write inserts the revision row, then one audit row per entry in rows, in
// order, then the entity types changed by the revision.
func (w *AuditWriter) Write(ctx context.Context, tx ports.Transaction, rev domain.Revision, rows []domain.AuditRow) error {
	revValues, err := RevisionColumns(rev)
	if err != nil {
		return err
	}
	if err := w.rows.InsertRow(ctx, tx, w.cfg.RevisionTable, revValues); err != nil {
		return err
	}

	var changedTypes []domain.EntityName
	seen := map[domain.EntityName]bool{}
	for _, row := range rows {
		table, err := w.meta.AuditTable(row.Entity)
		if err != nil {
			return err
		}
		values, err := w.Columns(row)
		if err != nil {
			return err
		}
		if err := w.rows.InsertRow(ctx, tx, table, values); err != nil {
			return err
		}
		w.metrics.RowWritten(row.Entity, row.Type)
		if !seen[row.Entity] {
			seen[row.Entity] = true
			changedTypes = append(changedTypes, row.Entity)
		}
	}

	if !w.cfg.TrackEntityChanges {
		return nil
	}
	for _, entity := range changedTypes {
		err := w.rows.InsertRow(ctx, tx, w.cfg.ChangesTable, map[string]any{
			domain.ColumnRevision:   rev.ID,
			domain.ColumnEntityName: string(entity),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Columns renders an audit row as column values of the entity's audit table.
func (w *AuditWriter) Columns(row domain.AuditRow) (map[string]any, error) {
	values, err := w.codec.Columns(row.Entity, "", row.ID)
	if err != nil {
		return nil, err
	}
	modified := row.Modified
	if modified == nil {
		modified = []string{}
	}
	encoded, err := json.Marshal(modified)
	if err != nil {
		return nil, fmt.Errorf("encode modified properties: %w", err)
	}
	values[domain.ColumnRevision] = row.Revision
	values[domain.ColumnRevisionType] = int64(row.Type)
	values[domain.ColumnEntityName] = string(row.Entity)
	values[domain.ColumnModified] = string(encoded)

	props, err := w.meta.TrackedProperties(row.Entity)
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		switch p.Kind {
		case domain.PropertyBasic:
			v, err := domain.StorageValue(p.Type, row.State[p.Name])
			if err != nil {
				return nil, domain.NewMappingError(row.Entity, p.Name, "%v", err)
			}
			values[p.Column] = v
		case domain.PropertyToOne:
			ref, ok, err := domain.AsRef(row.State[p.Name])
			if err != nil {
				return nil, domain.NewMappingError(row.Entity, p.Name, "%v", err)
			}
			var cols map[string]any
			if ok {
				cols, err = w.codec.Columns(p.Target, p.Column, ref.ID)
			} else {
				cols, err = w.codec.NullColumns(p.Target, p.Column)
			}
			if err != nil {
				return nil, err
			}
			for k, v := range cols {
				values[k] = v
			}
		}
	}
	return values, nil
}

// RevisionColumns renders a revision as a row of the revision table.
func RevisionColumns(rev domain.Revision) (map[string]any, error) {
	values := map[string]any{
		domain.ColumnRevisionID:        rev.ID,
		domain.ColumnRevisionTimestamp: rev.Timestamp.UnixMilli(),
		domain.ColumnRevisionMetadata:  nil,
	}
	if len(rev.Metadata) > 0 {
		encoded, err := json.Marshal(rev.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode revision metadata: %w", err)
		}
		values[domain.ColumnRevisionMetadata] = string(encoded)
	}
	return values, nil
}

// rowBuilder turns the net effect of one target into an audit row.
type rowBuilder struct {
	meta  ports.Metadata
	codec *domain.IdentifierCodec
	cfg   domain.AuditConfig
}

func newRowBuilder(meta ports.Metadata, codec *domain.IdentifierCodec, cfg domain.AuditConfig) rowBuilder {
	return rowBuilder{meta: meta, codec: codec, cfg: cfg}
}

// row reports keep=false for an update that changed no tracked property and
// touched no collection.
func (b rowBuilder) row(eff workunit.Effective, loaded domain.State) (domain.AuditRow, bool, error) {
	at := eff.Target
	props, err := b.meta.TrackedProperties(at.Entity)
	if err != nil {
		return domain.AuditRow{}, false, err
	}
	row := domain.AuditRow{Entity: at.Entity, ID: at.ID, Type: eff.Type()}
	collections := eff.ChangedCollections()

	switch u := eff.Unit.(type) {
	case nil:
		row.State = project(props, loaded)
		row.Modified = collections
	case workunit.Insert:
		row.State = project(props, u.State)
		for _, p := range props {
			if p.Kind != domain.PropertyToMany {
				row.Modified = append(row.Modified, p.Name)
			}
		}
		row.Modified = appendMissing(row.Modified, collections)
	case workunit.Update:
		row.State = project(props, u.NewState)
		changed, err := b.changed(at.Entity, props, u.OldState, u.NewState)
		if err != nil {
			return domain.AuditRow{}, false, err
		}
		row.Modified = appendMissing(changed, collections)
		if len(row.Modified) == 0 {
			return domain.AuditRow{}, false, nil
		}
	case workunit.Delete:
		if b.cfg.StoreDataAtDelete {
			row.State = project(props, u.LastState)
		}
	default:
		return domain.AuditRow{}, false, fmt.Errorf("unexpected work unit %T", eff.Unit)
	}
	return row, true, nil
}

func (b rowBuilder) changed(entity domain.EntityName, props []domain.PropertyMeta, before, after domain.State) ([]string, error) {
	var out []string
	for _, p := range props {
		switch p.Kind {
		case domain.PropertyBasic:
			if !domain.ValuesEqual(p.Type, before[p.Name], after[p.Name]) {
				out = append(out, p.Name)
			}
		case domain.PropertyToOne:
			same, err := b.sameRef(entity, p, before[p.Name], after[p.Name])
			if err != nil {
				return nil, err
			}
			if !same {
				out = append(out, p.Name)
			}
		}
	}
	return out, nil
}

func (b rowBuilder) sameRef(entity domain.EntityName, p domain.PropertyMeta, x, y any) (bool, error) {
	rx, okX, err := domain.AsRef(x)
	if err != nil {
		return false, domain.NewMappingError(entity, p.Name, "%v", err)
	}
	ry, okY, err := domain.AsRef(y)
	if err != nil {
		return false, domain.NewMappingError(entity, p.Name, "%v", err)
	}
	if !okX || !okY {
		return okX == okY, nil
	}
	kx, err := b.codec.Encode(p.Target, rx.ID)
	if err != nil {
		return false, err
	}
	ky, err := b.codec.Encode(p.Target, ry.ID)
	if err != nil {
		return false, err
	}
	return kx == ky, nil
}

// project keeps the tracked, column-backed properties of state.
func project(props []domain.PropertyMeta, state domain.State) domain.State {
	if state == nil {
		return nil
	}
	out := make(domain.State, len(props))
	for _, p := range props {
		if p.Kind == domain.PropertyToMany {
			continue
		}
		out[p.Name] = state[p.Name]
	}
	return out
}

func appendMissing(dst []string, extra []string) []string {
	for _, e := range extra {
		if !slices.Contains(dst, e) {
			dst = append(dst, e)
		}
	}
	return dst
}
