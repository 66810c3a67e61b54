package shardfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/shardkv/internal/shardfile"
	"github.com/shardkv/shardkv/internal/wire"
)

func TestCompactReclaimsDeadSpaceAndPreservesLiveEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	layout := wire.NewLayout(8, 16)

	sf, err := shardfile.Create(filepath.Join(dir, "shard-00000-10000"), 0, 1<<16, layout, 5, shardfile.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { sf.Close() })

	hasher := sf.Hasher()

	for i := 0; i < 20; i++ {
		k := []byte{byte('a' + i)}
		fp := hasher.Hash(k)

		_, _, err := sf.Insert(fp, k, []byte("value"))
		require.NoError(t, err)
	}

	// Churn half the keys to generate dead bytes: each replace marks the
	// old record dead without reclaiming its space.
	for i := 0; i < 10; i++ {
		k := []byte{byte('a' + i)}
		fp := hasher.Hash(k)

		_, _, err := sf.Insert(fp, k, []byte("updated-value"))
		require.NoError(t, err)
	}

	ratioBefore := sf.DeadBytesRatio()
	require.Greater(t, ratioBefore, 0.0)

	require.NoError(t, sf.Compact())

	ratioAfter := sf.DeadBytesRatio()
	require.Less(t, ratioAfter, ratioBefore)

	for i := 0; i < 20; i++ {
		k := []byte{byte('a' + i)}
		fp := hasher.Hash(k)

		want := "value"
		if i < 10 {
			want = "updated-value"
		}

		got, found, err := sf.Get(fp, k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, want, string(got))
	}

	require.EqualValues(t, 20, sf.EntryCount())
}
