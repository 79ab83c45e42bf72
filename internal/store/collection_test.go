package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tasksync/internal/entity"
)

func TestSetCollection(t *testing.T) {
	s := New()
	require.NoError(t, s.SetCollection(entity.KindTask, "l1", []string{"a", "b", "c"}))
	assert.Equal(t, []string{"a", "b", "c"}, s.Collection(entity.KindTask, "l1"))
	assert.Empty(t, s.Collection(entity.KindTask, "l2"))

	err := s.SetCollection(entity.KindTask, "l1", []string{"a", "a"})
	assert.Error(t, err)
}

func TestCollectionCopy(t *testing.T) {
	s := New()
	require.NoError(t, s.SetCollection(entity.KindTask, "l1", []string{"a", "b"}))
	ids := s.Collection(entity.KindTask, "l1")
	ids[0] = "z"
	assert.Equal(t, []string{"a", "b"}, s.Collection(entity.KindTask, "l1"))
}

func TestReorder(t *testing.T) {
	s := New()
	require.NoError(t, s.SetCollection(entity.KindTask, "l1", []string{"a", "b", "c"}))

	var got []CollectionChange
	s.SubscribeCollection(entity.KindTask, "l1", func(c CollectionChange) { got = append(got, c) })

	require.NoError(t, s.Reorder(entity.KindTask, "l1", []string{"c", "a", "b"}))
	assert.Equal(t, []string{"c", "a", "b"}, s.Collection(entity.KindTask, "l1"))

	assert.Error(t, s.Reorder(entity.KindTask, "l1", []string{"c", "a"}))
	assert.Error(t, s.Reorder(entity.KindTask, "l1", []string{"c", "a", "x"}))

	require.Len(t, got, 1)
	assert.Equal(t, []string{"c", "a", "b"}, got[0].IDs)
}

func TestAppendToCollection(t *testing.T) {
	s := New()
	assert.True(t, s.AppendToCollection(entity.KindTask, "l1", "a"))
	assert.True(t, s.AppendToCollection(entity.KindTask, "l1", "b"))
	assert.False(t, s.AppendToCollection(entity.KindTask, "l1", "a"))
	assert.Equal(t, []string{"a", "b"}, s.Collection(entity.KindTask, "l1"))
}

func TestRemoveDropsFromCollections(t *testing.T) {
	s := New()
	require.NoError(t, s.Put(task("b", 1, "b")))
	require.NoError(t, s.SetCollection(entity.KindTask, "l1", []string{"a", "b", "c"}))
	require.NoError(t, s.SetCollection(entity.KindGoal, "w1", []string{"b"}))

	var got []CollectionChange
	s.SubscribeCollection(entity.KindTask, "l1", func(c CollectionChange) { got = append(got, c) })

	require.True(t, s.Remove(entity.KindTask, "b"))

	assert.Equal(t, []string{"a", "c"}, s.Collection(entity.KindTask, "l1"))
	assert.Equal(t, []string{"b"}, s.Collection(entity.KindGoal, "w1"), "other kinds untouched")
	require.Len(t, got, 1)
	assert.Equal(t, []string{"a", "c"}, got[0].IDs)
}

func TestPutDoesNotChangeCollectionOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.SetCollection(entity.KindTask, "l1", []string{"b", "a"}))
	require.NoError(t, s.Put(task("a", 1, "a")))
	require.NoError(t, s.Put(task("c", 1, "c")))
	assert.Equal(t, []string{"b", "a"}, s.Collection(entity.KindTask, "l1"))
}

func TestCollectionsKeys(t *testing.T) {
	s := New()
	require.NoError(t, s.SetCollection(entity.KindTask, "l2", []string{"x"}))
	require.NoError(t, s.SetCollection(entity.KindTask, "l1", []string{"y"}))
	require.NoError(t, s.SetCollection(entity.KindList, "w1", []string{"l1"}))
	require.NoError(t, s.SetCollection(entity.KindTask, "empty", nil))

	assert.Equal(t, []CollectionKey{
		{Kind: entity.KindList, Parent: "w1"},
		{Kind: entity.KindTask, Parent: "l1"},
		{Kind: entity.KindTask, Parent: "l2"},
	}, s.Collections())
}
