package shardfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/shardkv/internal/shardfile"
	"github.com/shardkv/shardkv/internal/wire"
)

// TestOpenClampsTornWriteOffset simulates a crash that left the header's
// slot table referencing data bytes that never made it to disk: on reopen,
// the store must clamp its write offset rather than serve garbage, and
// Iterate must skip the now-unreadable slot instead of erroring out.
func TestOpenClampsTornWriteOffset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "shard-00000-10000")
	layout := wire.NewLayout(4, 8)

	sf, err := shardfile.Create(path, 0, 1<<16, layout, 42, shardfile.Config{})
	require.NoError(t, err)

	fp := sf.Hasher().Hash([]byte("k1"))
	_, _, err = sf.Insert(fp, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, sf.Flush())
	require.NoError(t, sf.Close())

	require.NoError(t, os.Truncate(path, int64(layout.HeaderSize)))

	reopened, err := shardfile.Open(path, shardfile.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	var visited int
	err = reopened.Iterate(func(key, value []byte) bool {
		visited++
		return true
	})
	require.NoError(t, err)
	require.Zero(t, visited, "dangling slot's backing bytes are gone; iteration must skip rather than error")

	// The shard file must still accept new writes after the clamp.
	fp2 := reopened.Hasher().Hash([]byte("k2"))
	_, _, err = reopened.Insert(fp2, []byte("k2"), []byte("v2"))
	require.NoError(t, err)

	got, found, err := reopened.Get(fp2, []byte("k2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), got)
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "shard-00000-10000")
	layout := wire.NewLayout(4, 8)

	sf, err := shardfile.Create(path, 0, 1<<16, layout, 1, shardfile.Config{})
	require.NoError(t, err)
	require.NoError(t, sf.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = shardfile.Open(path, shardfile.Config{})
	require.Error(t, err)
}
