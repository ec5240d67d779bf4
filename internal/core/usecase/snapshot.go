package usecase

import (
	"context"
	"fmt"
	"slices"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// Snapshot is an entity reconstructed from its audit row, as it existed at
// Revision. Associations resolve lazily through the owning reader session,
// so the graph reachable from a snapshot shares node identity with every
// other lookup in that session.
type Snapshot struct {
	reader *Reader

	Entity domain.EntityName
	ID     domain.Identifier
	// Revision is the revision the snapshot was requested at; RowRevision is
	// the revision of the row it was built from.
	Revision    int64
	RowRevision int64
	Type        domain.RevisionType
	Modified    []string

	values      map[string]any
	refs        map[string]domain.Ref
	collections map[string][]*Snapshot
}

// Deleted reports whether the snapshot comes from a DEL row.
func (s *Snapshot) Deleted() bool {
	return s.Type == domain.RevisionDel
}

// Get returns a basic value, or a placeholder Ref for a to-one association.
func (s *Snapshot) Get(property string) (any, bool) {
	if v, ok := s.values[property]; ok {
		return v, true
	}
	if ref, ok := s.refs[property]; ok {
		return ref, true
	}
	return nil, false
}

// State returns the captured values keyed by property name.
func (s *Snapshot) State() domain.State {
	out := make(domain.State, len(s.values)+len(s.refs))
	for k, v := range s.values {
		out[k] = v
	}
	for k, r := range s.refs {
		out[k] = r
	}
	return out
}

// WasModified reports whether property changed in the row's revision.
func (s *Snapshot) WasModified(property string) bool {
	return slices.Contains(s.Modified, property)
}

// Ref resolves a to-one association at the snapshot's revision. It returns
// nil when the association was empty or the target did not exist then.
func (s *Snapshot) Ref(ctx context.Context, property string) (*Snapshot, error) {
	prop, ok := findProperty(s.reader.meta, s.Entity, property)
	if !ok || prop.Kind != domain.PropertyToOne {
		return nil, domain.NewMappingError(s.Entity, property, "not a to_one property")
	}
	ref, ok := s.refs[property]
	if !ok {
		return nil, nil
	}
	return s.reader.Find(ctx, prop.Target, ref.ID, s.Revision)
}

// Collection resolves the inverse side of a bidirectional association: the
// owners that referred to this entity at the snapshot's revision.
func (s *Snapshot) Collection(ctx context.Context, property string) ([]*Snapshot, error) {
	prop, ok := findProperty(s.reader.meta, s.Entity, property)
	if !ok || prop.Kind != domain.PropertyToMany {
		return nil, domain.NewMappingError(s.Entity, property, "not a to_many property")
	}
	if cached, ok := s.collections[property]; ok {
		return cached, nil
	}
	owners, err := s.reader.EntitiesAtRevision(prop.Target, s.Revision).
		Where(prop.MappedBy, domain.Ref{Entity: s.Entity, ID: s.ID}).
		Snapshots(ctx)
	if err != nil {
		return nil, err
	}
	if s.collections == nil {
		s.collections = make(map[string][]*Snapshot)
	}
	s.collections[property] = owners
	return owners, nil
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("%s#%s@%d", s.Entity, s.ID, s.Revision)
}
