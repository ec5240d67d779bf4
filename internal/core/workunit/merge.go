package workunit

import (
	"fmt"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// Merge combines the effective unit of a target with an incoming direct unit.
// A nil result means the two cancel out. Collection changes are never merged.
func Merge(existing, incoming Unit, policy domain.ResurrectionPolicy) (Unit, error) {
	if _, ok := incoming.(CollectionChange); ok {
		return nil, fmt.Errorf("collection change for %s cannot be merged", incoming.Target())
	}
	if existing == nil {
		return incoming, nil
	}
	at := existing.Target()
	if next := incoming.Target(); next.Entity != "" {
		at.Entity = next.Entity
		at.ID = next.ID
	}

	switch cur := existing.(type) {
	case Insert:
		switch in := incoming.(type) {
		case Insert:
			return Insert{At: at, State: in.State}, nil
		case Update:
			return Insert{At: at, State: in.NewState}, nil
		case Delete:
			return nil, nil
		}
	case Update:
		switch in := incoming.(type) {
		case Insert:
			return Update{At: at, OldState: cur.OldState, NewState: in.State}, nil
		case Update:
			return Update{At: at, OldState: cur.OldState, NewState: in.NewState}, nil
		case Delete:
			last := cur.OldState
			if last == nil {
				last = in.LastState
			}
			return Delete{At: at, LastState: last}, nil
		}
	case Delete:
		switch in := incoming.(type) {
		case Insert:
			if policy == domain.ResurrectAsInsert {
				return Insert{At: at, State: in.State}, nil
			}
			return Update{At: at, OldState: cur.LastState, NewState: in.State}, nil
		case Update, Delete:
			return Delete{At: at, LastState: cur.LastState}, nil
		}
	}
	return nil, fmt.Errorf("cannot merge %T into %T for %s", incoming, existing, at)
}
