package usecase

import (
	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

// Criteria is a logical audit query over one entity type.
type Criteria struct {
	Entity domain.EntityName
	// AtRevision selects, per identifier, the latest row not above it. Zero
	// selects every row.
	AtRevision     int64
	IncludeDeleted bool
	ID             *domain.Identifier
	FromRevision   int64
	ToRevision     int64
	Types          []domain.RevisionType
	Equals         []PropertyFilter
	Changed        []string
	// AnyVariant disables the entity type filter, so rows of every type in
	// the hierarchy match.
	AnyVariant bool
	WithTime   bool
	Descending bool
	Limit      int
	Offset     int
}

// PropertyFilter matches a property value. For to-one properties Value is a
// domain.Ref or nil.
type PropertyFilter struct {
	Property string
	Value    any
}

// RevisionQueryPlanner translates Criteria into the host's generic row query.
type RevisionQueryPlanner struct {
	meta  ports.Metadata
	codec *domain.IdentifierCodec
	cfg   domain.AuditConfig
}

func NewRevisionQueryPlanner(meta ports.Metadata, cfg domain.AuditConfig) *RevisionQueryPlanner {
	return &RevisionQueryPlanner{meta: meta, codec: domain.NewIdentifierCodec(meta), cfg: cfg.Normalize()}
}

func (p *RevisionQueryPlanner) Plan(c Criteria) (domain.RowQuery, error) {
	if !p.meta.IsTracked(c.Entity) {
		return domain.RowQuery{}, domain.NewMappingError(c.Entity, "", "entity is not tracked")
	}
	table, err := p.meta.AuditTable(c.Entity)
	if err != nil {
		return domain.RowQuery{}, err
	}
	idCols, err := p.codec.ColumnNames(c.Entity, "")
	if err != nil {
		return domain.RowQuery{}, err
	}
	q := domain.RowQuery{Table: table, Limit: c.Limit, Offset: c.Offset}

	if !c.AnyVariant && p.meta.Root(c.Entity) != c.Entity {
		variants := p.meta.Variants(c.Entity)
		names := make([]any, len(variants))
		for n, v := range variants {
			names[n] = string(v)
		}
		q.Where = append(q.Where, domain.Predicate{Column: domain.ColumnEntityName, Op: domain.OpIn, Value: names})
	}

	if c.ID != nil {
		cols, err := p.codec.Columns(c.Entity, "", *c.ID)
		if err != nil {
			return domain.RowQuery{}, err
		}
		for _, col := range idCols {
			q.Where = append(q.Where, domain.Predicate{Column: col, Op: domain.OpEq, Value: cols[col]})
		}
	}

	if c.AtRevision > 0 {
		q.Latest = &domain.LatestPerKey{KeyColumns: idCols, RevisionColumn: domain.ColumnRevision, MaxRevision: c.AtRevision}
		if !c.IncludeDeleted {
			q.Where = append(q.Where, domain.Predicate{Column: domain.ColumnRevisionType, Op: domain.OpNe, Value: int64(domain.RevisionDel)})
		}
	}
	if c.FromRevision > 0 {
		q.Where = append(q.Where, domain.Predicate{Column: domain.ColumnRevision, Op: domain.OpGe, Value: c.FromRevision})
	}
	if c.ToRevision > 0 {
		q.Where = append(q.Where, domain.Predicate{Column: domain.ColumnRevision, Op: domain.OpLe, Value: c.ToRevision})
	}
	if len(c.Types) > 0 {
		types := make([]any, len(c.Types))
		for n, t := range c.Types {
			types[n] = int64(t)
		}
		q.Where = append(q.Where, domain.Predicate{Column: domain.ColumnRevisionType, Op: domain.OpIn, Value: types})
	}

	for _, f := range c.Equals {
		preds, err := p.propertyPredicates(c.Entity, f)
		if err != nil {
			return domain.RowQuery{}, err
		}
		q.Where = append(q.Where, preds...)
	}
	for _, name := range c.Changed {
		prop, ok := findProperty(p.meta, c.Entity, name)
		if !ok {
			return domain.RowQuery{}, domain.NewMappingError(c.Entity, name, "unknown property")
		}
		q.Where = append(q.Where, domain.Predicate{Column: domain.ColumnModified, Op: domain.OpContains, Value: prop.Name})
	}

	if c.WithTime {
		q.Join = &domain.RevisionJoin{
			Table:           p.cfg.RevisionTable,
			IDColumn:        domain.ColumnRevisionID,
			TimestampColumn: domain.ColumnRevisionTimestamp,
			As:              domain.ColumnRevisionJoinStamp,
		}
	}

	if c.AtRevision > 0 {
		for _, col := range idCols {
			q.OrderBy = append(q.OrderBy, domain.OrderBy{Column: col, Desc: c.Descending})
		}
	} else {
		q.OrderBy = append(q.OrderBy, domain.OrderBy{Column: domain.ColumnRevision, Desc: c.Descending})
		for _, col := range idCols {
			q.OrderBy = append(q.OrderBy, domain.OrderBy{Column: col})
		}
	}
	return q, nil
}

func (p *RevisionQueryPlanner) propertyPredicates(entity domain.EntityName, f PropertyFilter) ([]domain.Predicate, error) {
	prop, ok := findProperty(p.meta, entity, f.Property)
	if !ok {
		return nil, domain.NewMappingError(entity, f.Property, "unknown property")
	}
	switch prop.Kind {
	case domain.PropertyBasic:
		if f.Value == nil {
			return []domain.Predicate{{Column: prop.Column, Op: domain.OpIsNull}}, nil
		}
		v, err := domain.StorageValue(prop.Type, f.Value)
		if err != nil {
			return nil, domain.NewMappingError(entity, prop.Name, "%v", err)
		}
		return []domain.Predicate{{Column: prop.Column, Op: domain.OpEq, Value: v}}, nil
	case domain.PropertyToOne:
		names, err := p.codec.ColumnNames(prop.Target, prop.Column)
		if err != nil {
			return nil, err
		}
		ref, present, err := domain.AsRef(f.Value)
		if err != nil {
			return nil, domain.NewMappingError(entity, prop.Name, "%v", err)
		}
		var out []domain.Predicate
		if !present {
			for _, n := range names {
				out = append(out, domain.Predicate{Column: n, Op: domain.OpIsNull})
			}
			return out, nil
		}
		cols, err := p.codec.Columns(prop.Target, prop.Column, ref.ID)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out = append(out, domain.Predicate{Column: n, Op: domain.OpEq, Value: cols[n]})
		}
		return out, nil
	default:
		return nil, domain.NewMappingError(entity, prop.Name, "to_many properties cannot be filtered on")
	}
}

func findProperty(meta ports.Metadata, entity domain.EntityName, name string) (domain.PropertyMeta, bool) {
	props, err := meta.TrackedProperties(entity)
	if err != nil {
		return domain.PropertyMeta{}, false
	}
	for _, p := range props {
		if p.Name == name {
			return p, true
		}
	}
	return domain.PropertyMeta{}, false
}
