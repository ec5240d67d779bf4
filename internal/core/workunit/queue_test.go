package workunit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/revaudit/internal/core/domain"
)

func target(entity domain.EntityName, key string) Target {
	return Target{Entity: entity, Root: entity, ID: domain.ID(key), Key: domain.CanonicalKey(key)}
}

func TestMergeTable(t *testing.T) {
	e := target("E", "1")
	s1 := domain.State{"v": "x"}
	s2 := domain.State{"v": "y"}
	s3 := domain.State{"v": "z"}

	cases := []struct {
		name     string
		existing Unit
		incoming Unit
		policy   domain.ResurrectionPolicy
		want     Unit
	}{
		{"none insert", nil, Insert{At: e, State: s1}, "", Insert{At: e, State: s1}},
		{"insert update", Insert{At: e, State: s1}, Update{At: e, OldState: s1, NewState: s2}, "", Insert{At: e, State: s2}},
		{"insert delete", Insert{At: e, State: s1}, Delete{At: e, LastState: s1}, "", nil},
		{"insert insert", Insert{At: e, State: s1}, Insert{At: e, State: s2}, "", Insert{At: e, State: s2}},
		{"update update", Update{At: e, OldState: s1, NewState: s2}, Update{At: e, OldState: s2, NewState: s3}, "", Update{At: e, OldState: s1, NewState: s3}},
		{"update delete", Update{At: e, OldState: s1, NewState: s2}, Delete{At: e, LastState: s2}, "", Delete{At: e, LastState: s1}},
		{"update insert", Update{At: e, OldState: s1, NewState: s2}, Insert{At: e, State: s3}, "", Update{At: e, OldState: s1, NewState: s3}},
		{"delete insert as update", Delete{At: e, LastState: s1}, Insert{At: e, State: s2}, domain.ResurrectAsUpdate, Update{At: e, OldState: s1, NewState: s2}},
		{"delete insert as insert", Delete{At: e, LastState: s1}, Insert{At: e, State: s2}, domain.ResurrectAsInsert, Insert{At: e, State: s2}},
		{"delete update", Delete{At: e, LastState: s1}, Update{At: e, OldState: s1, NewState: s2}, "", Delete{At: e, LastState: s1}},
		{"delete delete", Delete{At: e, LastState: s1}, Delete{At: e, LastState: s2}, "", Delete{At: e, LastState: s1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Merge(tc.existing, tc.incoming, tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMergeRejectsCollectionChange(t *testing.T) {
	e := target("E", "1")
	_, err := Merge(Insert{At: e}, CollectionChange{At: e, Property: "children"}, "")
	assert.Error(t, err)
}

func TestQueueKeepsLastWriteWithinRevision(t *testing.T) {
	q := NewQueue("")
	e := target("E", "1")
	require.NoError(t, q.Add(Update{At: e, OldState: domain.State{"v": "x"}, NewState: domain.State{"v": "y"}}))
	require.NoError(t, q.Add(Update{At: e, OldState: domain.State{"v": "y"}, NewState: domain.State{"v": "z"}}))

	got := q.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, domain.RevisionMod, got[0].Type())
	u := got[0].Unit.(Update)
	assert.Equal(t, "x", u.OldState["v"])
	assert.Equal(t, "z", u.NewState["v"])
}

func TestQueuePreservesFirstTouchOrder(t *testing.T) {
	q := NewQueue("")
	a, b, c := target("A", "1"), target("B", "1"), target("C", "1")

	require.NoError(t, q.Add(Insert{At: b}))
	require.NoError(t, q.Add(CollectionChange{At: c, Property: "items"}))
	require.NoError(t, q.Add(Insert{At: a}))
	require.NoError(t, q.Add(Update{At: b, NewState: domain.State{"v": 1}}))

	got := q.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, []domain.EntityName{"B", "C", "A"}, []domain.EntityName{got[0].Target.Entity, got[1].Target.Entity, got[2].Target.Entity})
	assert.Nil(t, got[1].Unit)
	assert.Equal(t, domain.RevisionMod, got[1].Type())
	assert.Equal(t, domain.RevisionAdd, got[0].Type())
	assert.Zero(t, q.Len())
}

func TestQueueCollectionChangesStaySeparate(t *testing.T) {
	q := NewQueue("")
	p := target("Parent", "1")

	require.NoError(t, q.Add(Update{At: p, OldState: domain.State{"name": "a"}, NewState: domain.State{"name": "b"}}))
	require.NoError(t, q.Add(CollectionChange{At: p, Property: "children", Referenced: domain.Ref{Entity: "Child", ID: domain.ID(1)}}))
	require.NoError(t, q.Add(CollectionChange{At: p, Property: "children", Referenced: domain.Ref{Entity: "Child", ID: domain.ID(2)}}))

	got := q.Drain()
	require.Len(t, got, 1)
	assert.IsType(t, Update{}, got[0].Unit)
	assert.Len(t, got[0].Changes, 2)
	assert.Equal(t, []string{"children"}, got[0].ChangedCollections())
}

func TestQueueNetsOutJoinAndLeaveOfSameOwner(t *testing.T) {
	q := NewQueue("")
	a1, a2 := target("Author", "1"), target("Author", "2")
	book := domain.Ref{Entity: "Book", ID: domain.ID(int64(10))}
	other := domain.Ref{Entity: "Book", ID: domain.ID(int64(11))}

	// Book 10 moves from author 1 to author 2 and back; book 11 joins author 1.
	require.NoError(t, q.Add(CollectionChange{At: a1, Property: "books", Referenced: book, Removed: true}))
	require.NoError(t, q.Add(CollectionChange{At: a2, Property: "books", Referenced: book}))
	require.NoError(t, q.Add(CollectionChange{At: a2, Property: "books", Referenced: book, Removed: true}))
	require.NoError(t, q.Add(CollectionChange{At: a1, Property: "books", Referenced: book}))
	require.NoError(t, q.Add(CollectionChange{At: a1, Property: "books", Referenced: other}))

	got := q.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, domain.EntityName("Author"), got[0].Target.Entity)
	assert.True(t, got[0].Target.ID.Equal(domain.ID("1")))
	require.Len(t, got[0].Changes, 1)
	assert.True(t, got[0].Changes[0].Referenced.ID.Equal(other.ID))
}

func TestQueueKeepsDirectUnitWhenCollectionChangesNetOut(t *testing.T) {
	q := NewQueue("")
	a := target("Author", "1")
	book := domain.Ref{Entity: "Book", ID: domain.ID(int64(10))}

	require.NoError(t, q.Add(Update{At: a, OldState: domain.State{"name": "a"}, NewState: domain.State{"name": "b"}}))
	require.NoError(t, q.Add(CollectionChange{At: a, Property: "books", Referenced: book}))
	require.NoError(t, q.Add(CollectionChange{At: a, Property: "books", Referenced: book, Removed: true}))

	got := q.Drain()
	require.Len(t, got, 1)
	assert.IsType(t, Update{}, got[0].Unit)
	assert.Empty(t, got[0].Changes)
	assert.Empty(t, got[0].ChangedCollections())
}

func TestQueueDropsCancelledTargetsWithTheirCollectionChanges(t *testing.T) {
	q := NewQueue("")
	e := target("E", "1")

	require.NoError(t, q.Add(Insert{At: e, State: domain.State{"v": 1}}))
	require.NoError(t, q.Add(CollectionChange{At: e, Property: "children"}))
	require.NoError(t, q.Add(Delete{At: e, LastState: domain.State{"v": 1}}))

	assert.Empty(t, q.Drain())
}

func TestQueueMergesAcrossHierarchyByRoot(t *testing.T) {
	q := NewQueue("")
	asBase := Target{Entity: "Book", Root: "Book", ID: domain.ID(1), Key: "1"}
	asSub := Target{Entity: "Ebook", Root: "Book", ID: domain.ID(1), Key: "1"}

	require.NoError(t, q.Add(CollectionChange{At: asBase, Property: "x"}))
	require.NoError(t, q.Add(Update{At: asSub, NewState: domain.State{}}))

	got := q.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, domain.EntityName("Ebook"), got[0].Target.Entity)
}

func TestQueueResurrectionAfterCancellation(t *testing.T) {
	q := NewQueue(domain.ResurrectAsInsert)
	e := target("E", "1")

	require.NoError(t, q.Add(Insert{At: e}))
	require.NoError(t, q.Add(Delete{At: e}))
	require.NoError(t, q.Add(Insert{At: e, State: domain.State{"v": 2}}))

	got := q.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, domain.RevisionAdd, got[0].Type())
}
