package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityName names a tracked entity type as registered in the metadata layer.
type EntityName string

// State holds property values of one entity keyed by property name. To-one
// association values are Ref or *Ref; everything else is a scalar.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Ref points at another entity by identifier. A placeholder ref carries the
// declared type of the association, which may be a supertype of the entity
// actually stored under ID, and must be resolved before its type is trusted.
type Ref struct {
	Entity      EntityName
	ID          Identifier
	Placeholder bool
}

func (r Ref) String() string {
	return fmt.Sprintf("%s#%s", r.Entity, r.ID)
}

// AsRef extracts a reference from a state value. Absent values and nil
// pointers are reported as ok=false without error.
func AsRef(v any) (Ref, bool, error) {
	switch ref := v.(type) {
	case nil:
		return Ref{}, false, nil
	case Ref:
		if ref.ID.IsZero() {
			return Ref{}, false, nil
		}
		return ref, true, nil
	case *Ref:
		if ref == nil || ref.ID.IsZero() {
			return Ref{}, false, nil
		}
		return *ref, true, nil
	default:
		return Ref{}, false, fmt.Errorf("value of type %T is not an entity reference", v)
	}
}

// RevisionType is the per-row discriminator of an audit row.
type RevisionType int8

const (
	RevisionAdd RevisionType = 0
	RevisionMod RevisionType = 1
	RevisionDel RevisionType = 2
)

func (t RevisionType) String() string {
	switch t {
	case RevisionAdd:
		return "ADD"
	case RevisionMod:
		return "MOD"
	case RevisionDel:
		return "DEL"
	default:
		return fmt.Sprintf("RevisionType(%d)", int8(t))
	}
}

func (t RevisionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *RevisionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int8
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("revision type: %w", err)
		}
		s = fmt.Sprint(n)
	}
	parsed, err := ParseRevisionType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseRevisionType accepts ADD/MOD/DEL and the numeric discriminators.
func ParseRevisionType(s string) (RevisionType, error) {
	switch s {
	case "ADD", "add", "0":
		return RevisionAdd, nil
	case "MOD", "mod", "1":
		return RevisionMod, nil
	case "DEL", "del", "2":
		return RevisionDel, nil
	default:
		return 0, fmt.Errorf("unknown revision type %q", s)
	}
}

// Revision is an immutable numbered snapshot point.
type Revision struct {
	ID        int64
	Timestamp time.Time
	Metadata  map[string]string
}

// SetMeta records a metadata value, typically from a RevisionListener.
func (r *Revision) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// AuditRow is the persisted, append-only record of one entity at one revision.
type AuditRow struct {
	Entity   EntityName
	ID       Identifier
	Revision int64
	Type     RevisionType
	State    State
	Modified []string
}

// StoredEntity is the current state of one entity in the host store.
type StoredEntity struct {
	Entity    EntityName
	ID        Identifier
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}
