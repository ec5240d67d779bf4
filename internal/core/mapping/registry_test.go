package mapping

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

func libraryRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(domain.DefaultAuditConfig())
	require.NoError(t, r.Register(domain.EntityMeta{
		Name: "Author",
		ID:   []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}},
		Properties: []domain.PropertyMeta{
			{Name: "name"},
			{Name: "books", Kind: domain.PropertyToMany, Target: "Book", MappedBy: "author"},
		},
	}))
	require.NoError(t, r.Register(domain.EntityMeta{
		Name: "Book",
		ID:   []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}},
		Properties: []domain.PropertyMeta{
			{Name: "title"},
			{Name: "author", Kind: domain.PropertyToOne, Target: "Author", Inverse: "books"},
		},
	}))
	require.NoError(t, r.Register(domain.EntityMeta{
		Name:       "Ebook",
		Parent:     "Book",
		Properties: []domain.PropertyMeta{{Name: "size", Type: domain.TypeInt}},
	}))
	require.NoError(t, r.Validate())
	return r
}

func TestRegistryDefaultsAndHierarchy(t *testing.T) {
	r := libraryRegistry(t)

	book, ok := r.Entity("Book")
	require.True(t, ok)
	assert.Equal(t, "book", book.Table)
	assert.Equal(t, "author_id", book.Properties[1].Column)

	props, err := r.TrackedProperties("Ebook")
	require.NoError(t, err)
	names := make([]string, len(props))
	for n, p := range props {
		names[n] = p.Name
	}
	assert.Equal(t, []string{"title", "author", "size"}, names)

	assert.Equal(t, domain.EntityName("Book"), r.Root("Ebook"))
	assert.Equal(t, []domain.EntityName{"Book", "Ebook"}, r.Variants("Book"))
	assert.True(t, r.IsA("Ebook", "Book"))
	assert.False(t, r.IsA("Book", "Ebook"))

	table, err := r.AuditTable("Ebook")
	require.NoError(t, err)
	assert.Equal(t, "book_aud", table)

	ids, err := r.IdentifierOf("Ebook")
	require.NoError(t, err)
	assert.Equal(t, "id", ids[0].Column)
}

func TestRegistryInverseAssociation(t *testing.T) {
	r := libraryRegistry(t)

	target, prop, ok := r.InverseAssociation("Ebook", "author")
	require.True(t, ok)
	assert.Equal(t, domain.EntityName("Author"), target)
	assert.Equal(t, "books", prop)

	_, _, ok = r.InverseAssociation("Book", "title")
	assert.False(t, ok)
	_, _, ok = r.InverseAssociation("Ghost", "author")
	assert.False(t, ok)
}

func TestRegistryUntracked(t *testing.T) {
	r := libraryRegistry(t)

	assert.False(t, r.IsTracked("Ghost"))
	_, err := r.TrackedProperties("Ghost")
	assert.ErrorIs(t, err, domain.ErrMapping)
	_, err = r.AuditTable("Ghost")
	assert.ErrorIs(t, err, domain.ErrMapping)
}

func TestRegistryValidateFailures(t *testing.T) {
	intID := []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}}
	cases := []struct {
		name     string
		entities []domain.EntityMeta
	}{
		{"unknown parent", []domain.EntityMeta{{Name: "A", Parent: "B"}}},
		{"root without id", []domain.EntityMeta{{Name: "A"}}},
		{"subtype with id", []domain.EntityMeta{
			{Name: "A", ID: intID},
			{Name: "B", Parent: "A", ID: intID},
		}},
		{"bad column", []domain.EntityMeta{{Name: "A", ID: intID, Properties: []domain.PropertyMeta{
			{Name: "x", Column: "drop table"},
		}}}},
		{"reserved column", []domain.EntityMeta{{Name: "A", ID: intID, Properties: []domain.PropertyMeta{
			{Name: "rev"},
		}}}},
		{"column clash with id", []domain.EntityMeta{{Name: "A", ID: intID, Properties: []domain.PropertyMeta{
			{Name: "other", Column: "id"},
		}}}},
		{"untracked target", []domain.EntityMeta{{Name: "A", ID: intID, Properties: []domain.PropertyMeta{
			{Name: "b", Kind: domain.PropertyToOne, Target: "B"},
		}}}},
		{"unresolvable inverse", []domain.EntityMeta{
			{Name: "A", ID: intID},
			{Name: "B", ID: intID, Properties: []domain.PropertyMeta{
				{Name: "a", Kind: domain.PropertyToOne, Target: "A", Inverse: "bs"},
			}},
		}},
		{"inverse not mapped back", []domain.EntityMeta{
			{Name: "A", ID: intID, Properties: []domain.PropertyMeta{
				{Name: "bs", Kind: domain.PropertyToMany, Target: "B", MappedBy: "other"},
			}},
			{Name: "B", ID: intID, Properties: []domain.PropertyMeta{
				{Name: "a", Kind: domain.PropertyToOne, Target: "A", Inverse: "bs"},
			}},
		}},
		{"bad id kind", []domain.EntityMeta{{Name: "A", ID: []domain.IDComponent{{Name: "id", Kind: "float"}}}}},
		{"bad value type", []domain.EntityMeta{{Name: "A", ID: intID, Properties: []domain.PropertyMeta{
			{Name: "x", Type: "decimal"},
		}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(domain.AuditConfig{})
			for _, e := range tc.entities {
				require.NoError(t, r.Register(e))
			}
			err := r.Validate()
			require.Error(t, err)
			var me *domain.MappingError
			assert.True(t, errors.As(err, &me), "got %v", err)
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry(domain.AuditConfig{})
	meta := domain.EntityMeta{Name: "A", ID: []domain.IDComponent{{Name: "id", Kind: domain.IDKindInt}}}
	require.NoError(t, r.Register(meta))
	assert.ErrorIs(t, r.Register(meta), domain.ErrMapping)
}

func TestRegistryCompositeForeignKeyColumns(t *testing.T) {
	r := NewRegistry(domain.AuditConfig{})
	require.NoError(t, r.Register(domain.EntityMeta{
		Name: "Line",
		ID: []domain.IDComponent{
			{Name: "order", Column: "order_id", Kind: domain.IDKindInt},
			{Name: "no", Kind: domain.IDKindInt},
		},
	}))
	require.NoError(t, r.Register(domain.EntityMeta{
		Name: "Note",
		ID:   []domain.IDComponent{{Name: "id", Kind: domain.IDKindString}},
		Properties: []domain.PropertyMeta{
			{Name: "line", Kind: domain.PropertyToOne, Target: "Line", Column: "line"},
		},
	}))
	require.NoError(t, r.Validate())

	cols, err := domain.NewIdentifierCodec(r).ColumnNames("Line", "line")
	require.NoError(t, err)
	assert.Equal(t, []string{"line_order_id", "line_no"}, cols)
}
