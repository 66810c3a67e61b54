package shardfile_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/shardkv/internal/shardfile"
	"github.com/shardkv/shardkv/internal/wire"
)

func TestCanSplitCapacityFloor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	layout := wire.NewLayout(4, 8)

	sf, err := shardfile.Create(filepath.Join(dir, "shard-00000-00001"), 0, 1, layout, 1, shardfile.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { sf.Close() })

	require.False(t, sf.CanSplit())

	_, _, err = sf.Split(func(lo, hi uint32) string { return filepath.Join(dir, "child") })
	require.ErrorIs(t, err, shardfile.ErrCapacityFloor)
}

func TestSplitPartitionsByShard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	layout := wire.NewLayout(16, 8)

	sf, err := shardfile.Create(filepath.Join(dir, "shard-00000-10000"), 0, 1<<16, layout, 7, shardfile.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { sf.Close() })

	hasher := sf.Hasher()

	keys := make([][]byte, 40)
	for i := range keys {
		keys[i] = []byte{byte(i), byte(i >> 8), 'x'}

		fp := hasher.Hash(keys[i])
		_, _, err := sf.Insert(fp, keys[i], []byte("v"))
		require.NoError(t, err)
	}

	low, high, err := sf.Split(func(lo, hi uint32) string {
		return filepath.Join(dir, fmt.Sprintf("child-%05x-%05x", lo, hi))
	})
	require.NoError(t, err)
	t.Cleanup(func() { low.Close() })
	t.Cleanup(func() { high.Close() })

	lowLo, lowHi := low.Range()
	highLo, highHi := high.Range()
	require.EqualValues(t, 0, lowLo)
	require.EqualValues(t, 1<<15, lowHi)
	require.Equal(t, lowHi, highLo)
	require.EqualValues(t, 1<<16, highHi)

	var lowCount, highCount int

	for _, k := range keys {
		fp := hasher.Hash(k)

		if uint32(fp.Shard) < lowHi {
			v, found, err := low.Get(fp, k)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, []byte("v"), v)
			lowCount++
		} else {
			v, found, err := high.Get(fp, k)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, []byte("v"), v)
			highCount++
		}
	}

	require.Equal(t, len(keys), lowCount+highCount)
	require.EqualValues(t, lowCount, low.EntryCount())
	require.EqualValues(t, highCount, high.EntryCount())
}

func TestSplitParentEntriesAbsentFromWrongChild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	layout := wire.NewLayout(16, 8)

	sf, err := shardfile.Create(filepath.Join(dir, "shard-00000-10000"), 0, 1<<16, layout, 3, shardfile.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { sf.Close() })

	hasher := sf.Hasher()

	var lowKey, highKey []byte

	for i := 0; i < 10000 && (lowKey == nil || highKey == nil); i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		fp := hasher.Hash(k)

		if fp.Shard < 1<<15 && lowKey == nil {
			lowKey = k
		} else if fp.Shard >= 1<<15 && highKey == nil {
			highKey = k
		}
	}

	require.NotNil(t, lowKey)
	require.NotNil(t, highKey)

	_, _, err = sf.Insert(hasher.Hash(lowKey), lowKey, []byte("low"))
	require.NoError(t, err)
	_, _, err = sf.Insert(hasher.Hash(highKey), highKey, []byte("high"))
	require.NoError(t, err)

	low, high, err := sf.Split(func(lo, hi uint32) string {
		return filepath.Join(dir, fmt.Sprintf("child-%05x-%05x", lo, hi))
	})
	require.NoError(t, err)
	t.Cleanup(func() { low.Close() })
	t.Cleanup(func() { high.Close() })

	_, found, err := low.Get(hasher.Hash(highKey), highKey)
	require.NoError(t, err)
	require.False(t, found, "a high-range key must not land in the low child")

	_, found, err = high.Get(hasher.Hash(lowKey), lowKey)
	require.NoError(t, err)
	require.False(t, found, "a low-range key must not land in the high child")
}
