// Package workunit models the pending, transaction-scoped changes of tracked
// entities and the rules that merge them into one net effect per entity.
package workunit

import (
	"fmt"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// Target identifies the entity a unit applies to. Root and Key form the
// identity used for merging; Entity is the most concrete type known.
type Target struct {
	Entity domain.EntityName
	Root   domain.EntityName
	ID     domain.Identifier
	Key    domain.CanonicalKey
}

func (t Target) String() string {
	return fmt.Sprintf("%s#%s", t.Entity, t.Key)
}

type mergeKey struct {
	root domain.EntityName
	key  domain.CanonicalKey
}

func (t Target) mergeKey() mergeKey {
	return mergeKey{root: t.Root, key: t.Key}
}

// Unit is one pending change. The set of implementations is closed: Insert,
// Update, Delete and CollectionChange.
type Unit interface {
	Target() Target
	sealed()
}

type Insert struct {
	At    Target
	State domain.State
}

type Update struct {
	At       Target
	OldState domain.State
	NewState domain.State
}

type Delete struct {
	At        Target
	LastState domain.State
}

// CollectionChange forces a revision on the inverse side of a bidirectional
// association. Referenced is the owner that joined the collection, or left it
// when Removed is set.
type CollectionChange struct {
	At         Target
	Property   string
	Referenced domain.Ref
	Removed    bool
}

// cancels reports whether c and o are the same owner joining and leaving the
// same collection.
func (c CollectionChange) cancels(o CollectionChange) bool {
	return c.Removed != o.Removed &&
		c.Property == o.Property &&
		c.Referenced.Entity == o.Referenced.Entity &&
		c.Referenced.ID.Equal(o.Referenced.ID)
}

func (u Insert) Target() Target           { return u.At }
func (u Update) Target() Target           { return u.At }
func (u Delete) Target() Target           { return u.At }
func (u CollectionChange) Target() Target { return u.At }

func (Insert) sealed()           {}
func (Update) sealed()           {}
func (Delete) sealed()           {}
func (CollectionChange) sealed() {}

// RevisionType maps a direct unit to the discriminator of the row it produces.
func RevisionType(u Unit) domain.RevisionType {
	switch u.(type) {
	case Insert:
		return domain.RevisionAdd
	case Delete:
		return domain.RevisionDel
	default:
		return domain.RevisionMod
	}
}
