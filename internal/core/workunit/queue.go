package workunit

import "github.com/atvirokodosprendimai/revaudit/internal/core/domain"

// Effective is the net change of one target within a revision. Unit is nil
// when only collection changes touched the target.
type Effective struct {
	Target  Target
	Unit    Unit
	Changes []CollectionChange
}

// Type is the discriminator of the row written for e. A target touched only
// by collection changes is recorded as modified.
func (e Effective) Type() domain.RevisionType {
	if e.Unit == nil {
		return domain.RevisionMod
	}
	return RevisionType(e.Unit)
}

// ChangedCollections lists the collection properties touched, in arrival
// order and without duplicates.
func (e Effective) ChangedCollections() []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range e.Changes {
		if seen[c.Property] {
			continue
		}
		seen[c.Property] = true
		out = append(out, c.Property)
	}
	return out
}

type slot struct {
	target Target
	unit   Unit
	// direct is set once an insert, update or delete arrived for the target,
	// even if later units cancelled it.
	direct  bool
	changes []CollectionChange
}

// Queue collects the units of one transaction. It is not safe for concurrent
// use; each transaction owns its queue.
type Queue struct {
	policy domain.ResurrectionPolicy
	slots  map[mergeKey]*slot
	order  []mergeKey
}

func NewQueue(policy domain.ResurrectionPolicy) *Queue {
	if policy == "" {
		policy = domain.ResurrectAsUpdate
	}
	return &Queue{policy: policy, slots: make(map[mergeKey]*slot)}
}

// Add applies u to the target's pending state. Direct units merge into the
// effective unit; collection changes are appended to a separate lane.
func (q *Queue) Add(u Unit) error {
	at := u.Target()
	k := at.mergeKey()
	s, ok := q.slots[k]
	if !ok {
		s = &slot{target: at}
		q.slots[k] = s
		q.order = append(q.order, k)
	}

	if cc, ok := u.(CollectionChange); ok {
		s.changes = append(s.changes, cc)
		return nil
	}

	merged, err := Merge(s.unit, u, q.policy)
	if err != nil {
		return err
	}
	s.unit = merged
	s.direct = true
	s.target.Entity = at.Entity
	s.target.ID = at.ID
	return nil
}

// Len reports the number of targets touched so far, cancelled ones included.
func (q *Queue) Len() int {
	return len(q.order)
}

// Drain returns the effective units in the order targets were first touched
// and empties the queue. Targets whose direct units cancelled out are
// dropped together with their collection changes. An owner that joined and
// left the same collection leaves no change behind.
func (q *Queue) Drain() []Effective {
	out := make([]Effective, 0, len(q.order))
	for _, k := range q.order {
		s := q.slots[k]
		if s.direct && s.unit == nil {
			continue
		}
		changes := netChanges(s.changes)
		if s.unit == nil && len(changes) == 0 {
			continue
		}
		out = append(out, Effective{Target: s.target, Unit: s.unit, Changes: changes})
	}
	q.slots = make(map[mergeKey]*slot)
	q.order = nil
	return out
}

// netChanges pairs each change with the earliest unmatched opposite change of
// the same owner and collection, and drops both.
func netChanges(changes []CollectionChange) []CollectionChange {
	dropped := make([]bool, len(changes))
	for i := range changes {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(changes); j++ {
			if !dropped[j] && changes[i].cancels(changes[j]) {
				dropped[i], dropped[j] = true, true
				break
			}
		}
	}
	var out []CollectionChange
	for i, c := range changes {
		if !dropped[i] {
			out = append(out, c)
		}
	}
	return out
}
