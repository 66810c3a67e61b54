package collections_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/shardkv/pkg/collections"
	"github.com/shardkv/shardkv/pkg/kv"
)

func openTestCollections(t *testing.T) *collections.Store {
	t.Helper()

	s, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return collections.New(s)
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Set("c", "k1", []byte("1")))

	got, err := c.Get("c", "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)
}

func TestIterInsertionOrder(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Set("c", "k1", []byte("1")))
	require.NoError(t, c.Set("c", "k2", []byte("2")))
	require.NoError(t, c.Set("c", "k3", []byte("3")))

	entries, err := c.All("c")
	require.NoError(t, err)
	require.Equal(t, []collections.Entry{
		{Key: "k1", Value: []byte("1")},
		{Key: "k2", Value: []byte("2")},
		{Key: "k3", Value: []byte("3")},
	}, entries)
}

func TestRemoveRelinksNeighbors(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Set("c", "k1", []byte("1")))
	require.NoError(t, c.Set("c", "k2", []byte("2")))

	require.NoError(t, c.Remove("c", "k1"))

	entries, err := c.All("c")
	require.NoError(t, err)
	require.Equal(t, []collections.Entry{{Key: "k2", Value: []byte("2")}}, entries)

	_, err = c.Get("c", "k1")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRemoveMiddleElementPreservesOrder(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Set("c", "k1", []byte("1")))
	require.NoError(t, c.Set("c", "k2", []byte("2")))
	require.NoError(t, c.Set("c", "k3", []byte("3")))

	require.NoError(t, c.Remove("c", "k2"))

	entries, err := c.All("c")
	require.NoError(t, err)
	require.Equal(t, []collections.Entry{
		{Key: "k1", Value: []byte("1")},
		{Key: "k3", Value: []byte("3")},
	}, entries)
}

func TestRemoveAbsentKeyIsNoOp(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Remove("c", "never-existed"))
}

func TestSetUpdatesValueWithoutReordering(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Set("c", "k1", []byte("1")))
	require.NoError(t, c.Set("c", "k2", []byte("2")))
	require.NoError(t, c.Set("c", "k1", []byte("updated")))

	entries, err := c.All("c")
	require.NoError(t, err)
	require.Equal(t, []collections.Entry{
		{Key: "k1", Value: []byte("updated")},
		{Key: "k2", Value: []byte("2")},
	}, entries)
}

func TestDistinctCollectionsAreIndependent(t *testing.T) {
	t.Parallel()

	c := openTestCollections(t)

	require.NoError(t, c.Set("a", "k", []byte("a-value")))
	require.NoError(t, c.Set("b", "k", []byte("b-value")))

	got, err := c.Get("a", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("a-value"), got)

	got, err = c.Get("b", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("b-value"), got)

	aEntries, err := c.All("a")
	require.NoError(t, err)
	require.Len(t, aEntries, 1)
}
