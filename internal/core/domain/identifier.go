package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IDKind is the value shape of one identifier component.
type IDKind string

const (
	IDKindInt    IDKind = "int"
	IDKindString IDKind = "string"
	IDKindUUID   IDKind = "uuid"
)

// IDComponent describes one component of an entity identifier. Simple
// identifiers have exactly one component.
type IDComponent struct {
	Name   string
	Column string
	Kind   IDKind
}

// CanonicalKey is a stable, hashable encoding of an identifier.
type CanonicalKey string

// Identifier is either a single scalar or a set of named components.
type Identifier struct {
	scalar any
	parts  map[string]any
}

// ID builds a simple identifier.
func ID(v any) Identifier {
	return Identifier{scalar: v}
}

// CompositeID builds a composite identifier. Input order is irrelevant; the
// component order is fixed by metadata when encoding.
func CompositeID(parts map[string]any) Identifier {
	cp := make(map[string]any, len(parts))
	for k, v := range parts {
		cp[k] = v
	}
	return Identifier{parts: cp}
}

func (i Identifier) IsZero() bool {
	return i.scalar == nil && len(i.parts) == 0
}

func (i Identifier) IsComposite() bool {
	return i.parts != nil
}

// Value returns the scalar of a simple identifier.
func (i Identifier) Value() any {
	return i.scalar
}

// Part returns one component of a composite identifier.
func (i Identifier) Part(name string) (any, bool) {
	v, ok := i.parts[name]
	return v, ok
}

// Parts returns a copy of the composite components.
func (i Identifier) Parts() map[string]any {
	if i.parts == nil {
		return nil
	}
	cp := make(map[string]any, len(i.parts))
	for k, v := range i.parts {
		cp[k] = v
	}
	return cp
}

// Equal reports whether all components are equal after numeric and UUID
// normalisation.
func (i Identifier) Equal(o Identifier) bool {
	if i.IsComposite() != o.IsComposite() {
		return false
	}
	if !i.IsComposite() {
		return looseEqual(i.scalar, o.scalar)
	}
	if len(i.parts) != len(o.parts) {
		return false
	}
	for k, v := range i.parts {
		ov, ok := o.parts[k]
		if !ok || !looseEqual(v, ov) {
			return false
		}
	}
	return true
}

func (i Identifier) String() string {
	if !i.IsComposite() {
		return fmt.Sprint(i.scalar)
	}
	names := make([]string, 0, len(i.parts))
	for k := range i.parts {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteByte('{')
	for n, k := range names {
		if n > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", k, i.parts[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (i Identifier) MarshalJSON() ([]byte, error) {
	if i.IsComposite() {
		return json.Marshal(i.parts)
	}
	return json.Marshal(i.scalar)
}

func (i *Identifier) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if m, ok := v.(map[string]any); ok {
		*i = CompositeID(m)
		return nil
	}
	*i = ID(v)
	return nil
}

func looseEqual(a, b any) bool {
	na, errA := normaliseLoose(a)
	nb, errB := normaliseLoose(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return na == nb
}

func normaliseLoose(v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String(), nil
	case []byte:
		return string(x), nil
	case string:
		return x, nil
	default:
		if n, err := toInt64(v); err == nil {
			return n, nil
		}
		return v, nil
	}
}

// IdentifierSource exposes the identifier layout of an entity.
type IdentifierSource interface {
	IdentifierOf(entity EntityName) ([]IDComponent, error)
}

// IdentifierCodec converts identifiers to and from canonical keys and audit
// row columns. It has no side effects.
type IdentifierCodec struct {
	ids IdentifierSource
}

func NewIdentifierCodec(ids IdentifierSource) *IdentifierCodec {
	return &IdentifierCodec{ids: ids}
}

// Normalize coerces every component to its canonical Go type: int64, string
// or uuid.UUID.
func (c *IdentifierCodec) Normalize(entity EntityName, id Identifier) (Identifier, error) {
	comps, err := c.ids.IdentifierOf(entity)
	if err != nil {
		return Identifier{}, err
	}
	values, err := componentValues(entity, comps, id)
	if err != nil {
		return Identifier{}, err
	}
	if len(comps) == 1 {
		return ID(values[0]), nil
	}
	parts := make(map[string]any, len(comps))
	for n, comp := range comps {
		parts[comp.Name] = values[n]
	}
	return Identifier{parts: parts}, nil
}

// Encode renders id as a CanonicalKey in metadata component order.
func (c *IdentifierCodec) Encode(entity EntityName, id Identifier) (CanonicalKey, error) {
	comps, err := c.ids.IdentifierOf(entity)
	if err != nil {
		return "", err
	}
	values, err := componentValues(entity, comps, id)
	if err != nil {
		return "", err
	}
	if len(comps) == 1 {
		return CanonicalKey(url.QueryEscape(formatComponent(values[0]))), nil
	}
	var b strings.Builder
	for n, comp := range comps {
		if n > 0 {
			b.WriteByte(';')
		}
		b.WriteString(comp.Name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(formatComponent(values[n])))
	}
	return CanonicalKey(b.String()), nil
}

// Decode parses a CanonicalKey produced by Encode.
func (c *IdentifierCodec) Decode(entity EntityName, key CanonicalKey) (Identifier, error) {
	comps, err := c.ids.IdentifierOf(entity)
	if err != nil {
		return Identifier{}, err
	}
	if key == "" {
		return Identifier{}, mappingErr(entity, "", "empty identifier key")
	}
	if len(comps) == 1 {
		raw, err := url.QueryUnescape(string(key))
		if err != nil {
			return Identifier{}, mappingErr(entity, comps[0].Name, "malformed key %q", key)
		}
		v, err := parseComponent(entity, comps[0], raw)
		if err != nil {
			return Identifier{}, err
		}
		return ID(v), nil
	}

	segments := strings.Split(string(key), ";")
	if len(segments) != len(comps) {
		return Identifier{}, mappingErr(entity, "", "key %q has %d components, want %d", key, len(segments), len(comps))
	}
	parts := make(map[string]any, len(comps))
	for n, comp := range comps {
		name, raw, ok := strings.Cut(segments[n], "=")
		if !ok || name != comp.Name {
			return Identifier{}, mappingErr(entity, comp.Name, "key %q: expected component %q at position %d", key, comp.Name, n)
		}
		unescaped, err := url.QueryUnescape(raw)
		if err != nil {
			return Identifier{}, mappingErr(entity, comp.Name, "malformed key %q", key)
		}
		v, err := parseComponent(entity, comp, unescaped)
		if err != nil {
			return Identifier{}, err
		}
		parts[comp.Name] = v
	}
	return Identifier{parts: parts}, nil
}

// ColumnNames lists the identifier columns of entity. A non-empty prefix
// names foreign-key-shaped columns of an association pointing at entity.
func (c *IdentifierCodec) ColumnNames(entity EntityName, prefix string) ([]string, error) {
	comps, err := c.ids.IdentifierOf(entity)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(comps))
	for n, comp := range comps {
		out[n] = columnName(prefix, comp, len(comps))
	}
	return out, nil
}

// Columns renders id as audit row column values.
func (c *IdentifierCodec) Columns(entity EntityName, prefix string, id Identifier) (map[string]any, error) {
	comps, err := c.ids.IdentifierOf(entity)
	if err != nil {
		return nil, err
	}
	values, err := componentValues(entity, comps, id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(comps))
	for n, comp := range comps {
		out[columnName(prefix, comp, len(comps))] = columnValue(values[n])
	}
	return out, nil
}

// NullColumns renders an absent association as NULL columns.
func (c *IdentifierCodec) NullColumns(entity EntityName, prefix string) (map[string]any, error) {
	names, err := c.ColumnNames(entity, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		out[n] = nil
	}
	return out, nil
}

// FromColumns reads an identifier back from a row. present is false when
// every identifier column is NULL.
func (c *IdentifierCodec) FromColumns(entity EntityName, prefix string, row map[string]any) (Identifier, bool, error) {
	comps, err := c.ids.IdentifierOf(entity)
	if err != nil {
		return Identifier{}, false, err
	}
	values := make([]any, len(comps))
	nulls := 0
	for n, comp := range comps {
		raw := row[columnName(prefix, comp, len(comps))]
		if raw == nil {
			nulls++
			continue
		}
		v, err := coerceComponent(entity, comp, raw)
		if err != nil {
			return Identifier{}, false, err
		}
		values[n] = v
	}
	if nulls == len(comps) {
		return Identifier{}, false, nil
	}
	if nulls > 0 {
		return Identifier{}, false, mappingErr(entity, prefix, "identifier columns partially null")
	}
	if len(comps) == 1 {
		return ID(values[0]), true, nil
	}
	parts := make(map[string]any, len(comps))
	for n, comp := range comps {
		parts[comp.Name] = values[n]
	}
	return Identifier{parts: parts}, true, nil
}

func columnName(prefix string, comp IDComponent, count int) string {
	col := comp.Column
	if col == "" {
		col = comp.Name
	}
	switch {
	case prefix == "":
		return col
	case count == 1:
		return prefix
	default:
		return prefix + "_" + col
	}
}

func componentValues(entity EntityName, comps []IDComponent, id Identifier) ([]any, error) {
	if id.IsZero() {
		return nil, mappingErr(entity, "", "missing identifier")
	}
	values := make([]any, len(comps))
	if len(comps) == 1 {
		raw := id.scalar
		if id.IsComposite() {
			v, ok := id.parts[comps[0].Name]
			if !ok || len(id.parts) != 1 {
				return nil, mappingErr(entity, comps[0].Name, "expected simple identifier, got %s", id)
			}
			raw = v
		}
		v, err := coerceComponent(entity, comps[0], raw)
		if err != nil {
			return nil, err
		}
		values[0] = v
		return values, nil
	}

	if !id.IsComposite() {
		return nil, mappingErr(entity, "", "expected composite identifier with %d components, got scalar %v", len(comps), id.scalar)
	}
	if len(id.parts) != len(comps) {
		return nil, mappingErr(entity, "", "identifier has %d components, want %d", len(id.parts), len(comps))
	}
	for n, comp := range comps {
		raw, ok := id.parts[comp.Name]
		if !ok {
			return nil, mappingErr(entity, comp.Name, "missing identifier component")
		}
		v, err := coerceComponent(entity, comp, raw)
		if err != nil {
			return nil, err
		}
		values[n] = v
	}
	return values, nil
}

func coerceComponent(entity EntityName, comp IDComponent, raw any) (any, error) {
	if raw == nil {
		return nil, mappingErr(entity, comp.Name, "missing identifier component")
	}
	switch comp.Kind {
	case IDKindInt:
		if s, ok := raw.(string); ok {
			return parseComponent(entity, comp, s)
		}
		if b, ok := raw.([]byte); ok {
			return parseComponent(entity, comp, string(b))
		}
		n, err := toInt64(raw)
		if err != nil {
			return nil, mappingErr(entity, comp.Name, "expected integer identifier, got %T", raw)
		}
		return n, nil
	case IDKindString:
		switch s := raw.(type) {
		case string:
			if s == "" {
				return nil, mappingErr(entity, comp.Name, "empty identifier component")
			}
			return s, nil
		case []byte:
			if len(s) == 0 {
				return nil, mappingErr(entity, comp.Name, "empty identifier component")
			}
			return string(s), nil
		default:
			return nil, mappingErr(entity, comp.Name, "expected string identifier, got %T", raw)
		}
	case IDKindUUID:
		switch u := raw.(type) {
		case uuid.UUID:
			return u, nil
		case string:
			return parseComponent(entity, comp, u)
		case []byte:
			if len(u) == 16 {
				parsed, err := uuid.FromBytes(u)
				if err == nil {
					return parsed, nil
				}
			}
			return parseComponent(entity, comp, string(u))
		default:
			return nil, mappingErr(entity, comp.Name, "expected uuid identifier, got %T", raw)
		}
	default:
		return nil, mappingErr(entity, comp.Name, "unknown identifier kind %q", comp.Kind)
	}
}

func parseComponent(entity EntityName, comp IDComponent, raw string) (any, error) {
	switch comp.Kind {
	case IDKindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, mappingErr(entity, comp.Name, "invalid integer identifier %q", raw)
		}
		return n, nil
	case IDKindString:
		if raw == "" {
			return nil, mappingErr(entity, comp.Name, "empty identifier component")
		}
		return raw, nil
	case IDKindUUID:
		u, err := uuid.Parse(raw)
		if err != nil {
			return nil, mappingErr(entity, comp.Name, "invalid uuid identifier %q", raw)
		}
		return u, nil
	default:
		return nil, mappingErr(entity, comp.Name, "unknown identifier kind %q", comp.Kind)
	}
}

func formatComponent(v any) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case uuid.UUID:
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func columnValue(v any) any {
	if u, ok := v.(uuid.UUID); ok {
		return u.String()
	}
	return v
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func uintToInt64(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("integer %d overflows int64", n)
	}
	return int64(n), nil
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("not an integer: %v", f)
	}
	return int64(f), nil
}
