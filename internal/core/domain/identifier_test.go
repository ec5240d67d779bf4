package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIDs map[EntityName][]IDComponent

func (s stubIDs) IdentifierOf(entity EntityName) ([]IDComponent, error) {
	comps, ok := s[entity]
	if !ok {
		return nil, NewMappingError(entity, "", "not tracked")
	}
	return comps, nil
}

func testCodec() *IdentifierCodec {
	return NewIdentifierCodec(stubIDs{
		"Person": {{Name: "id", Column: "id", Kind: IDKindInt}},
		"Tag":    {{Name: "code", Column: "code", Kind: IDKindString}},
		"Doc":    {{Name: "id", Column: "id", Kind: IDKindUUID}},
		"OrderLine": {
			{Name: "order", Column: "order_id", Kind: IDKindInt},
			{Name: "line", Column: "line_no", Kind: IDKindInt},
		},
	})
}

func TestEncodeSimpleIdentifierNormalisesNumericTypes(t *testing.T) {
	c := testCodec()

	fromInt, err := c.Encode("Person", ID(42))
	require.NoError(t, err)
	fromFloat, err := c.Encode("Person", ID(float64(42)))
	require.NoError(t, err)
	fromNumber, err := c.Encode("Person", ID(json.Number("42")))
	require.NoError(t, err)

	assert.Equal(t, CanonicalKey("42"), fromInt)
	assert.Equal(t, fromInt, fromFloat)
	assert.Equal(t, fromInt, fromNumber)
}

func TestEncodeFloatIdentifierAtInt64Bounds(t *testing.T) {
	c := testCodec()

	key, err := c.Encode("Person", ID(float64(math.MinInt64)))
	require.NoError(t, err)
	assert.Equal(t, CanonicalKey("-9223372036854775808"), key)

	// The largest float below 2^63.
	key, err = c.Encode("Person", ID(math.Nextafter(1<<63, 0)))
	require.NoError(t, err)
	assert.Equal(t, CanonicalKey("9223372036854774784"), key)
}

func TestEncodeCompositeIsOrderIndependent(t *testing.T) {
	c := testCodec()

	a, err := c.Encode("OrderLine", CompositeID(map[string]any{"order": 7, "line": 2}))
	require.NoError(t, err)
	b, err := c.Encode("OrderLine", CompositeID(map[string]any{"line": int64(2), "order": int64(7)}))
	require.NoError(t, err)

	assert.Equal(t, CanonicalKey("order=7;line=2"), a)
	assert.Equal(t, a, b)
}

func TestDecodeRoundTrip(t *testing.T) {
	c := testCodec()
	u := uuid.New()

	cases := []struct {
		entity EntityName
		id     Identifier
	}{
		{"Person", ID(int64(9))},
		{"Tag", ID("a;b=c d")},
		{"Doc", ID(u)},
		{"OrderLine", CompositeID(map[string]any{"order": int64(1), "line": int64(3)})},
	}
	for _, tc := range cases {
		key, err := c.Encode(tc.entity, tc.id)
		require.NoError(t, err)
		back, err := c.Decode(tc.entity, key)
		require.NoError(t, err)
		assert.True(t, tc.id.Equal(back), "%s: %s != %s", tc.entity, tc.id, back)
	}
}

func TestEncodeRejectsMalformedIdentifiers(t *testing.T) {
	c := testCodec()

	cases := []struct {
		name   string
		entity EntityName
		id     Identifier
	}{
		{"missing", "Person", Identifier{}},
		{"wrong shape", "Person", ID("abc")},
		{"fractional", "Person", ID(1.5)},
		{"float at 2^63", "Person", ID(float64(1 << 63))},
		{"infinite float", "Person", ID(math.Inf(1))},
		{"nan", "Person", ID(math.NaN())},
		{"scalar for composite", "OrderLine", ID(1)},
		{"missing component", "OrderLine", CompositeID(map[string]any{"order": 1})},
		{"unknown component", "OrderLine", CompositeID(map[string]any{"order": 1, "row": 2})},
		{"empty string", "Tag", ID("")},
		{"bad uuid", "Doc", ID("not-a-uuid")},
		{"untracked", "Ghost", ID(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Encode(tc.entity, tc.id)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMapping), "got %v", err)
		})
	}
}

func TestDecodeRejectsComponentsOutOfOrder(t *testing.T) {
	_, err := testCodec().Decode("OrderLine", "line=2;order=7")
	require.Error(t, err)
	var me *MappingError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, EntityName("OrderLine"), me.Entity)
}

func TestColumnsRoundTripWithPrefix(t *testing.T) {
	c := testCodec()
	id := CompositeID(map[string]any{"order": 5, "line": 1})

	cols, err := c.Columns("OrderLine", "line_ref", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"line_ref_order_id": int64(5), "line_ref_line_no": int64(1)}, cols)

	back, present, err := c.FromColumns("OrderLine", "line_ref", cols)
	require.NoError(t, err)
	require.True(t, present)
	assert.True(t, id.Equal(back))

	simple, err := c.Columns("Person", "owner_id", ID(3))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"owner_id": int64(3)}, simple)
}

func TestFromColumnsAbsentAndPartial(t *testing.T) {
	c := testCodec()

	_, present, err := c.FromColumns("OrderLine", "x", map[string]any{"x_order_id": nil, "x_line_no": nil})
	require.NoError(t, err)
	assert.False(t, present)

	_, _, err = c.FromColumns("OrderLine", "x", map[string]any{"x_order_id": int64(1), "x_line_no": nil})
	assert.ErrorIs(t, err, ErrMapping)
}

func TestIdentifierJSON(t *testing.T) {
	data, err := json.Marshal(CompositeID(map[string]any{"order": 1, "line": 2}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":1,"line":2}`, string(data))

	var id Identifier
	require.NoError(t, json.Unmarshal([]byte(`17`), &id))
	assert.True(t, id.Equal(ID(17)))
}
