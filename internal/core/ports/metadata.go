package ports

import "github.com/atvirokodosprendimai/revaudit/internal/core/domain"

// Metadata is the subset of the metadata layer the engine consults.
type Metadata interface {
	domain.IdentifierSource

	IsTracked(entity domain.EntityName) bool
	Entity(entity domain.EntityName) (domain.EntityMeta, bool)
	// TrackedProperties returns the properties of entity including inherited
	// ones, parents first.
	TrackedProperties(entity domain.EntityName) ([]domain.PropertyMeta, error)
	InverseAssociation(entity domain.EntityName, property string) (target domain.EntityName, targetProperty string, ok bool)
	// Root returns the hierarchy root of entity, or entity itself.
	Root(entity domain.EntityName) domain.EntityName
	// Variants returns entity and all of its subtypes.
	Variants(entity domain.EntityName) []domain.EntityName
	IsA(entity, ancestor domain.EntityName) bool
	AuditTable(entity domain.EntityName) (string, error)
}
