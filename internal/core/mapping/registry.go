// Package mapping holds the in-memory metadata layer: which entities and
// properties are tracked, how they relate and how their audit tables look.
package mapping

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reservedColumns = map[string]bool{
	domain.ColumnRevision:     true,
	domain.ColumnRevisionType: true,
	domain.ColumnEntityName:   true,
	domain.ColumnModified:     true,
}

type entry struct {
	meta     domain.EntityMeta
	children []domain.EntityName
}

// Registry is a validated set of entity mappings. Register every entity, then
// call Validate once at startup; lookups on an unvalidated registry are
// undefined.
type Registry struct {
	cfg      domain.AuditConfig
	entities map[domain.EntityName]*entry
	order    []domain.EntityName
}

var _ ports.Metadata = (*Registry)(nil)

func NewRegistry(cfg domain.AuditConfig) *Registry {
	return &Registry{cfg: cfg.Normalize(), entities: make(map[domain.EntityName]*entry)}
}

func (r *Registry) Config() domain.AuditConfig {
	return r.cfg
}

// Register adds an entity mapping, filling default table and column names.
func (r *Registry) Register(meta domain.EntityMeta) error {
	if meta.Name == "" {
		return domain.NewMappingError("", "", "entity name is required")
	}
	if _, exists := r.entities[meta.Name]; exists {
		return domain.NewMappingError(meta.Name, "", "entity registered twice")
	}
	if meta.Table == "" {
		meta.Table = strings.ToLower(string(meta.Name))
	}
	ids := make([]domain.IDComponent, len(meta.ID))
	for n, comp := range meta.ID {
		if comp.Column == "" {
			comp.Column = comp.Name
		}
		ids[n] = comp
	}
	meta.ID = ids
	props := make([]domain.PropertyMeta, len(meta.Properties))
	for n, p := range meta.Properties {
		if p.Kind == "" {
			p.Kind = domain.PropertyBasic
		}
		if p.Kind == domain.PropertyBasic && p.Type == "" {
			p.Type = domain.TypeString
		}
		if p.Column == "" && p.Kind != domain.PropertyToMany {
			p.Column = p.Name
			if p.Kind == domain.PropertyToOne {
				p.Column = p.Name + "_id"
			}
		}
		props[n] = p
	}
	meta.Properties = props

	r.entities[meta.Name] = &entry{meta: meta}
	r.order = append(r.order, meta.Name)
	return nil
}

// Validate checks the registry for configuration errors: unknown parents,
// inheritance cycles, malformed identifiers, unresolvable inverse
// associations and column collisions.
func (r *Registry) Validate() error {
	for _, e := range r.entities {
		e.children = nil
	}
	for _, name := range r.order {
		e := r.entities[name]
		if !identPattern.MatchString(string(name)) {
			return domain.NewMappingError(name, "", "entity name must match %s", identPattern)
		}
		if !identPattern.MatchString(e.meta.Table) {
			return domain.NewMappingError(name, "", "table %q must match %s", e.meta.Table, identPattern)
		}
		if e.meta.Parent == "" {
			if len(e.meta.ID) == 0 {
				return domain.NewMappingError(name, "", "root entity needs an identifier")
			}
			continue
		}
		parent, ok := r.entities[e.meta.Parent]
		if !ok {
			return domain.NewMappingError(name, "", "unknown parent %q", e.meta.Parent)
		}
		if len(e.meta.ID) > 0 {
			return domain.NewMappingError(name, "", "subtype inherits the identifier of %s and must not declare one", e.meta.Parent)
		}
		parent.children = append(parent.children, name)
	}

	for _, name := range r.order {
		if err := r.checkAncestry(name); err != nil {
			return err
		}
	}
	for _, name := range r.order {
		if err := r.validateIdentifier(name); err != nil {
			return err
		}
		if err := r.validateProperties(name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) checkAncestry(name domain.EntityName) error {
	seen := map[domain.EntityName]bool{}
	for cur := name; cur != ""; cur = r.entities[cur].meta.Parent {
		if seen[cur] {
			return domain.NewMappingError(name, "", "inheritance cycle through %s", cur)
		}
		seen[cur] = true
	}
	return nil
}

func (r *Registry) validateIdentifier(name domain.EntityName) error {
	e := r.entities[name]
	seen := map[string]bool{}
	for _, comp := range e.meta.ID {
		if !identPattern.MatchString(comp.Name) || !identPattern.MatchString(comp.Column) {
			return domain.NewMappingError(name, comp.Name, "identifier component name and column must match %s", identPattern)
		}
		switch comp.Kind {
		case domain.IDKindInt, domain.IDKindString, domain.IDKindUUID:
		default:
			return domain.NewMappingError(name, comp.Name, "unknown identifier kind %q", comp.Kind)
		}
		if seen[comp.Name] {
			return domain.NewMappingError(name, comp.Name, "duplicate identifier component")
		}
		seen[comp.Name] = true
	}
	return nil
}

func (r *Registry) validateProperties(name domain.EntityName) error {
	props, err := r.TrackedProperties(name)
	if err != nil {
		return err
	}
	idCols, err := r.idColumns(name, "")
	if err != nil {
		return err
	}
	columns := map[string]string{}
	for _, c := range idCols {
		columns[c] = "identifier"
	}
	names := map[string]bool{}
	for _, p := range props {
		if !identPattern.MatchString(p.Name) {
			return domain.NewMappingError(name, p.Name, "property name must match %s", identPattern)
		}
		if names[p.Name] {
			return domain.NewMappingError(name, p.Name, "duplicate property")
		}
		names[p.Name] = true

		cols, err := r.propertyColumns(p)
		if err != nil {
			return domain.NewMappingError(name, p.Name, "%v", err)
		}
		for _, c := range cols {
			if reservedColumns[c] {
				return domain.NewMappingError(name, p.Name, "column %q is reserved for audit bookkeeping", c)
			}
			if !identPattern.MatchString(c) {
				return domain.NewMappingError(name, p.Name, "column %q must match %s", c, identPattern)
			}
			if owner, taken := columns[c]; taken {
				return domain.NewMappingError(name, p.Name, "column %q already used by %s", c, owner)
			}
			columns[c] = p.Name
		}

		switch p.Kind {
		case domain.PropertyBasic:
			switch p.Type {
			case domain.TypeString, domain.TypeInt, domain.TypeFloat, domain.TypeBool, domain.TypeTime:
			default:
				return domain.NewMappingError(name, p.Name, "unknown value type %q", p.Type)
			}
		case domain.PropertyToOne:
			if p.Inverse == "" {
				continue
			}
			inv, ok := r.Property(p.Target, p.Inverse)
			if !ok {
				return domain.NewMappingError(name, p.Name, "inverse property %s.%s cannot be resolved", p.Target, p.Inverse)
			}
			if inv.Kind != domain.PropertyToMany || inv.MappedBy != p.Name || !r.IsA(name, inv.Target) {
				return domain.NewMappingError(name, p.Name, "inverse property %s.%s is not a to_many mapped by %s", p.Target, p.Inverse, p.Name)
			}
		case domain.PropertyToMany:
			if !r.IsTracked(p.Target) {
				return domain.NewMappingError(name, p.Name, "target %q is not tracked", p.Target)
			}
			owner, ok := r.Property(p.Target, p.MappedBy)
			if !ok || owner.Kind != domain.PropertyToOne {
				return domain.NewMappingError(name, p.Name, "mapped_by %s.%s is not a to_one association", p.Target, p.MappedBy)
			}
			if !r.IsA(name, owner.Target) {
				return domain.NewMappingError(name, p.Name, "%s.%s points at %s, not %s", p.Target, p.MappedBy, owner.Target, name)
			}
		default:
			return domain.NewMappingError(name, p.Name, "unknown property kind %q", p.Kind)
		}
	}
	return nil
}

func (r *Registry) propertyColumns(p domain.PropertyMeta) ([]string, error) {
	switch p.Kind {
	case domain.PropertyBasic:
		return []string{p.Column}, nil
	case domain.PropertyToOne:
		if !r.IsTracked(p.Target) {
			return nil, fmt.Errorf("target %q is not tracked", p.Target)
		}
		return r.idColumns(p.Target, p.Column)
	default:
		return nil, nil
	}
}

func (r *Registry) idColumns(entity domain.EntityName, prefix string) ([]string, error) {
	return domain.NewIdentifierCodec(r).ColumnNames(entity, prefix)
}

// Entities lists registered entities in registration order.
func (r *Registry) Entities() []domain.EntityName {
	out := make([]domain.EntityName, len(r.order))
	copy(out, r.order)
	return out
}

// Roots lists hierarchy roots in registration order.
func (r *Registry) Roots() []domain.EntityName {
	var out []domain.EntityName
	for _, name := range r.order {
		if r.entities[name].meta.Parent == "" {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) IsTracked(entity domain.EntityName) bool {
	_, ok := r.entities[entity]
	return ok
}

func (r *Registry) Entity(entity domain.EntityName) (domain.EntityMeta, bool) {
	e, ok := r.entities[entity]
	if !ok {
		return domain.EntityMeta{}, false
	}
	return e.meta, true
}

func (r *Registry) IdentifierOf(entity domain.EntityName) ([]domain.IDComponent, error) {
	e, ok := r.entities[r.Root(entity)]
	if !ok {
		return nil, domain.NewMappingError(entity, "", "entity is not tracked")
	}
	return e.meta.ID, nil
}

func (r *Registry) TrackedProperties(entity domain.EntityName) ([]domain.PropertyMeta, error) {
	e, ok := r.entities[entity]
	if !ok {
		return nil, domain.NewMappingError(entity, "", "entity is not tracked")
	}
	var out []domain.PropertyMeta
	if e.meta.Parent != "" {
		inherited, err := r.TrackedProperties(e.meta.Parent)
		if err != nil {
			return nil, err
		}
		out = append(out, inherited...)
	}
	return append(out, e.meta.Properties...), nil
}

// Property finds a property of entity, searching inherited properties.
func (r *Registry) Property(entity domain.EntityName, name string) (domain.PropertyMeta, bool) {
	props, err := r.TrackedProperties(entity)
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

func (r *Registry) InverseAssociation(entity domain.EntityName, property string) (domain.EntityName, string, bool) {
	p, ok := r.Property(entity, property)
	if !ok || p.Kind != domain.PropertyToOne || p.Inverse == "" {
		return "", "", false
	}
	if _, ok := r.Property(p.Target, p.Inverse); !ok {
		return "", "", false
	}
	return p.Target, p.Inverse, true
}

func (r *Registry) Root(entity domain.EntityName) domain.EntityName {
	cur := entity
	for depth := 0; depth <= len(r.order); depth++ {
		e, ok := r.entities[cur]
		if !ok || e.meta.Parent == "" {
			return cur
		}
		cur = e.meta.Parent
	}
	return cur
}

func (r *Registry) Variants(entity domain.EntityName) []domain.EntityName {
	e, ok := r.entities[entity]
	if !ok {
		return nil
	}
	out := []domain.EntityName{entity}
	children := append([]domain.EntityName(nil), e.children...)
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	for _, child := range children {
		out = append(out, r.Variants(child)...)
	}
	return out
}

func (r *Registry) IsA(entity, ancestor domain.EntityName) bool {
	cur := entity
	for depth := 0; depth <= len(r.order); depth++ {
		if cur == ancestor {
			return true
		}
		e, ok := r.entities[cur]
		if !ok || e.meta.Parent == "" {
			return false
		}
		cur = e.meta.Parent
	}
	return false
}

func (r *Registry) AuditTable(entity domain.EntityName) (string, error) {
	e, ok := r.entities[r.Root(entity)]
	if !ok {
		return "", domain.NewMappingError(entity, "", "entity is not tracked")
	}
	return e.meta.Table + r.cfg.TableSuffix, nil
}
