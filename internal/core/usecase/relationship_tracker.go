package usecase

import (
	"context"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
	"github.com/atvirokodosprendimai/revaudit/internal/core/workunit"
)

// RelationshipTracker attributes changes of an owning to-one association to
// the inverse side. Every owner that joins or leaves a referenced entity's
// collection yields a CollectionChange against that entity.
type RelationshipTracker struct {
	meta     ports.Metadata
	codec    *domain.IdentifierCodec
	resolver ports.ReferenceResolver
}

func NewRelationshipTracker(meta ports.Metadata, resolver ports.ReferenceResolver) *RelationshipTracker {
	return &RelationshipTracker{meta: meta, codec: domain.NewIdentifierCodec(meta), resolver: resolver}
}

// Inserted reports the entities an inserted owner initially refers to.
func (t *RelationshipTracker) Inserted(ctx context.Context, tx ports.Transaction, owner workunit.Target, state domain.State) ([]workunit.CollectionChange, error) {
	return t.diff(ctx, tx, owner, nil, state)
}

// Updated reports both the previous and the new referenced entity of every
// bidirectional to-one association whose reference changed.
func (t *RelationshipTracker) Updated(ctx context.Context, tx ports.Transaction, owner workunit.Target, oldState, newState domain.State) ([]workunit.CollectionChange, error) {
	return t.diff(ctx, tx, owner, oldState, newState)
}

// Deleted reports the entities a deleted owner last referred to.
func (t *RelationshipTracker) Deleted(ctx context.Context, tx ports.Transaction, owner workunit.Target, lastState domain.State) ([]workunit.CollectionChange, error) {
	return t.diff(ctx, tx, owner, lastState, nil)
}

func (t *RelationshipTracker) diff(ctx context.Context, tx ports.Transaction, owner workunit.Target, before, after domain.State) ([]workunit.CollectionChange, error) {
	props, err := t.meta.TrackedProperties(owner.Entity)
	if err != nil {
		return nil, err
	}
	var out []workunit.CollectionChange
	for _, p := range props {
		if p.Kind != domain.PropertyToOne {
			continue
		}
		target, inverse, ok := t.meta.InverseAssociation(owner.Entity, p.Name)
		if !ok {
			continue
		}
		oldRef, hadOld, err := t.reference(owner.Entity, p, before)
		if err != nil {
			return nil, err
		}
		newRef, hasNew, err := t.reference(owner.Entity, p, after)
		if err != nil {
			return nil, err
		}
		if hadOld && hasNew && oldRef.key == newRef.key {
			continue
		}

		referrer := domain.Ref{Entity: owner.Entity, ID: owner.ID}
		for _, side := range []struct {
			present bool
			removed bool
			ref     resolvedRef
		}{{hadOld, true, oldRef}, {hasNew, false, newRef}} {
			if !side.present {
				continue
			}
			at, err := t.resolve(ctx, tx, target, side.ref)
			if err != nil {
				return nil, err
			}
			out = append(out, workunit.CollectionChange{At: at, Property: inverse, Referenced: referrer, Removed: side.removed})
		}
	}
	return out, nil
}

type resolvedRef struct {
	ref domain.Ref
	id  domain.Identifier
	key domain.CanonicalKey
}

func (t *RelationshipTracker) reference(owner domain.EntityName, p domain.PropertyMeta, state domain.State) (resolvedRef, bool, error) {
	if state == nil {
		return resolvedRef{}, false, nil
	}
	ref, ok, err := domain.AsRef(state[p.Name])
	if err != nil {
		return resolvedRef{}, false, domain.NewMappingError(owner, p.Name, "%v", err)
	}
	if !ok {
		return resolvedRef{}, false, nil
	}
	id, err := t.codec.Normalize(p.Target, ref.ID)
	if err != nil {
		return resolvedRef{}, false, err
	}
	key, err := t.codec.Encode(p.Target, id)
	if err != nil {
		return resolvedRef{}, false, err
	}
	return resolvedRef{ref: ref, id: id, key: key}, true, nil
}

// resolve determines the concrete entity type behind a reference. Placeholder
// refs and refs without a type go through the host resolver, which is
// required when the declared type has subtypes.
func (t *RelationshipTracker) resolve(ctx context.Context, tx ports.Transaction, declared domain.EntityName, r resolvedRef) (workunit.Target, error) {
	entity := r.ref.Entity
	if r.ref.Placeholder || entity == "" {
		switch {
		case t.resolver != nil:
			concrete, err := t.resolver.ResolveEntity(ctx, tx, domain.Ref{Entity: declared, ID: r.id, Placeholder: true})
			if err != nil {
				return workunit.Target{}, err
			}
			entity = concrete
		case len(t.meta.Variants(declared)) > 1:
			return workunit.Target{}, domain.NewMappingError(declared, "", "reference to %s needs a reference resolver to find its concrete type", declared)
		}
	}
	if entity == "" {
		entity = declared
	}
	if !t.meta.IsA(entity, declared) {
		return workunit.Target{}, domain.NewMappingError(declared, "", "reference to %s is not a %s", entity, declared)
	}
	return workunit.Target{Entity: entity, Root: t.meta.Root(entity), ID: r.id, Key: r.key}, nil
}
