package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

// EncodeState renders the state of entity as a JSON document. To-one values
// are written as the referenced identifier; to-many values are dropped since
// nothing owns them on this side. Keys without a tracked property pass
// through unchanged.
func (r *Registry) EncodeState(entity domain.EntityName, state domain.State) (json.RawMessage, error) {
	if !r.IsTracked(entity) {
		return nil, domain.NewMappingError(entity, "", "entity is not tracked")
	}
	codec := domain.NewIdentifierCodec(r)
	doc := make(map[string]any, len(state))
	for name, value := range state {
		prop, ok := r.Property(entity, name)
		if !ok {
			doc[name] = value
			continue
		}
		switch prop.Kind {
		case domain.PropertyToMany:
			continue
		case domain.PropertyToOne:
			ref, present, err := domain.AsRef(value)
			if err != nil {
				return nil, domain.NewMappingError(entity, name, "%v", err)
			}
			if !present {
				doc[name] = nil
				continue
			}
			id, err := codec.Normalize(r.Root(prop.Target), ref.ID)
			if err != nil {
				return nil, err
			}
			doc[name] = id
		default:
			v, err := domain.CoerceValue(prop.Type, value)
			if err != nil {
				return nil, domain.NewMappingError(entity, name, "%v", err)
			}
			doc[name] = v
		}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s state: %w", entity, err)
	}
	return out, nil
}

// DecodeState parses a document written by EncodeState. To-one values come
// back as placeholder refs of the declared target type.
func (r *Registry) DecodeState(entity domain.EntityName, raw json.RawMessage) (domain.State, error) {
	if !r.IsTracked(entity) {
		return nil, domain.NewMappingError(entity, "", "entity is not tracked")
	}
	var doc map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, domain.NewMappingError(entity, "", "state is not a JSON object: %v", err)
		}
	}

	codec := domain.NewIdentifierCodec(r)
	state := make(domain.State, len(doc))
	for name, value := range doc {
		prop, ok := r.Property(entity, name)
		if !ok {
			state[name] = value
			continue
		}
		switch prop.Kind {
		case domain.PropertyToMany:
			continue
		case domain.PropertyToOne:
			if value == nil {
				state[name] = nil
				continue
			}
			var id domain.Identifier
			if parts, ok := value.(map[string]any); ok {
				id = domain.CompositeID(parts)
			} else {
				id = domain.ID(value)
			}
			id, err := codec.Normalize(r.Root(prop.Target), id)
			if err != nil {
				return nil, err
			}
			state[name] = domain.Ref{Entity: prop.Target, ID: id, Placeholder: true}
		default:
			v, err := domain.CoerceValue(prop.Type, value)
			if err != nil {
				return nil, domain.NewMappingError(entity, name, "%v", err)
			}
			state[name] = v
		}
	}
	return state, nil
}
