package domain

// PropertyKind classifies a tracked property.
type PropertyKind string

const (
	PropertyBasic PropertyKind = "basic"
	// PropertyToOne is the owning side of an association; its value is a Ref
	// and it is persisted as foreign-key-shaped columns.
	PropertyToOne PropertyKind = "to_one"
	// PropertyToMany is the inverse side of a bidirectional association. It
	// has no column of its own and is rebuilt from the owners' rows.
	PropertyToMany PropertyKind = "to_many"
)

// ValueType is the scalar type of a basic property.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeFloat  ValueType = "float"
	TypeBool   ValueType = "bool"
	TypeTime   ValueType = "time"
)

// PropertyMeta describes one property of an entity.
type PropertyMeta struct {
	Name   string
	Column string
	Kind   PropertyKind
	Type   ValueType
	// Target is the referenced entity for to-one and to-many properties.
	Target EntityName
	// Inverse names the to-many property on Target that mirrors a to-one
	// association. Empty for unidirectional associations.
	Inverse string
	// MappedBy names the owning to-one property on Target for a to-many.
	MappedBy string
}

// IsAssociation reports whether p points at another entity.
func (p PropertyMeta) IsAssociation() bool {
	return p.Kind == PropertyToOne || p.Kind == PropertyToMany
}

// EntityMeta describes one tracked entity type.
type EntityMeta struct {
	Name   EntityName
	Table  string
	Parent EntityName
	// ID is only set on hierarchy roots; subtypes inherit it.
	ID         []IDComponent
	Properties []PropertyMeta
}

// ResurrectionPolicy decides how Delete followed by Insert of the same
// entity inside one transaction is recorded.
type ResurrectionPolicy string

const (
	// ResurrectAsUpdate keeps continuous history: the pair becomes MOD.
	ResurrectAsUpdate ResurrectionPolicy = "update"
	// ResurrectAsInsert records a fresh ADD.
	ResurrectAsInsert ResurrectionPolicy = "insert"
)

// AuditConfig holds engine options.
type AuditConfig struct {
	TableSuffix        string
	RevisionTable      string
	ChangesTable       string
	StoreDataAtDelete  bool
	TrackEntityChanges bool
	Resurrection       ResurrectionPolicy
}

// DefaultAuditConfig returns the options used when none are configured.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		TableSuffix:        "_aud",
		RevisionTable:      "revinfo",
		ChangesTable:       "revchanges",
		StoreDataAtDelete:  true,
		TrackEntityChanges: true,
		Resurrection:       ResurrectAsUpdate,
	}
}

// Normalize fills unset options with defaults.
func (c AuditConfig) Normalize() AuditConfig {
	d := DefaultAuditConfig()
	if c.TableSuffix == "" {
		c.TableSuffix = d.TableSuffix
	}
	if c.RevisionTable == "" {
		c.RevisionTable = d.RevisionTable
	}
	if c.ChangesTable == "" {
		c.ChangesTable = d.ChangesTable
	}
	if c.Resurrection == "" {
		c.Resurrection = d.Resurrection
	}
	return c
}

// Fixed audit row columns.
const (
	ColumnRevision     = "rev"
	ColumnRevisionType = "revtype"
	ColumnEntityName   = "entity_name"
	ColumnModified     = "modified"

	ColumnRevisionID        = "id"
	ColumnRevisionTimestamp = "timestamp"
	ColumnRevisionMetadata  = "metadata"
	ColumnRevisionJoinStamp = "rev_timestamp"
)
