package shardfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkv/shardkv/internal/hashing"
	"github.com/shardkv/shardkv/internal/shardfile"
	"github.com/shardkv/shardkv/internal/wire"
)

func newTestShard(t *testing.T, rows, slots uint32, cfg shardfile.Config) *shardfile.ShardFile {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "shard-00000-10000")
	layout := wire.NewLayout(rows, slots)

	sf, err := shardfile.Create(path, 0, 1<<16, layout, 1, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { sf.Close() })

	return sf
}

func TestInsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("key-a"))

	old, hadOld, err := sf.Insert(fp, []byte("key-a"), []byte("value-a"))
	require.NoError(t, err)
	require.False(t, hadOld)
	require.Nil(t, old)

	got, found, err := sf.Get(fp, []byte("key-a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value-a"), got)
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("absent"))

	_, found, err := sf.Get(fp, []byte("absent"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertOverwritesAndReturnsPrevious(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("key-a"))

	_, _, err := sf.Insert(fp, []byte("key-a"), []byte("v1"))
	require.NoError(t, err)

	old, hadOld, err := sf.Insert(fp, []byte("key-a"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, hadOld)
	require.Equal(t, []byte("v1"), old)

	got, found, err := sf.Get(fp, []byte("key-a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), got)
}

func TestReplaceRequiresExistingKey(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("key-a"))

	_, hadOld, err := sf.Replace(fp, []byte("key-a"), []byte("v1"))
	require.NoError(t, err)
	require.False(t, hadOld)

	_, found, err := sf.Get(fp, []byte("key-a"))
	require.NoError(t, err)
	require.False(t, found, "Replace must not insert an absent key")

	_, _, err = sf.Insert(fp, []byte("key-a"), []byte("v1"))
	require.NoError(t, err)

	old, hadOld, err := sf.Replace(fp, []byte("key-a"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, hadOld)
	require.Equal(t, []byte("v1"), old)
}

func TestRemoveExactness(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("key-a"))

	_, _, err := sf.Insert(fp, []byte("key-a"), []byte("v1"))
	require.NoError(t, err)

	old, hadOld, err := sf.Remove(fp, []byte("key-a"))
	require.NoError(t, err)
	require.True(t, hadOld)
	require.Equal(t, []byte("v1"), old)

	_, found, err := sf.Get(fp, []byte("key-a"))
	require.NoError(t, err)
	require.False(t, found)

	old, hadOld, err = sf.Remove(fp, []byte("key-a"))
	require.NoError(t, err)
	require.False(t, hadOld)
	require.Nil(t, old)
}

func TestCompareAndSetInsertIfAbsent(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("key-a"))

	ok, err := sf.CompareAndSet(fp, []byte("key-a"), nil, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sf.CompareAndSet(fp, []byte("key-a"), nil, []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok, "expecting absence must fail once the key exists")

	got, _, err := sf.Get(fp, []byte("key-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestCompareAndSetMatchesCurrentValue(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 8, 8, shardfile.Config{})
	fp := sf.Hasher().Hash([]byte("key-a"))

	_, _, err := sf.Insert(fp, []byte("key-a"), []byte("v1"))
	require.NoError(t, err)

	ok, err := sf.CompareAndSet(fp, []byte("key-a"), []byte("wrong"), []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = sf.CompareAndSet(fp, []byte("key-a"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := sf.Get(fp, []byte("key-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestSignatureCollisionResolvedByKeyBytes(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 4, 8, shardfile.Config{})

	fpA := hashing.Fingerprint{Shard: 1, RowSeed: 0, Signature: 0x1}
	fpB := hashing.Fingerprint{Shard: 1, RowSeed: 0, Signature: 0x1}

	_, _, err := sf.Insert(fpA, []byte("key-a"), []byte("value-a"))
	require.NoError(t, err)
	_, _, err = sf.Insert(fpB, []byte("key-b"), []byte("value-b"))
	require.NoError(t, err)

	got, found, err := sf.Get(fpA, []byte("key-a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value-a"), got)

	got, found, err = sf.Get(fpB, []byte("key-b"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value-b"), got)
}

func TestRowFullReturnsErrRowFull(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 1, 2, shardfile.Config{})

	for i := 0; i < 2; i++ {
		fp := hashing.Fingerprint{Shard: 0, RowSeed: 0, Signature: uint32(i + 1)}
		_, _, err := sf.Insert(fp, []byte{byte(i)}, []byte("v"))
		require.NoError(t, err)
	}

	fp := hashing.Fingerprint{Shard: 0, RowSeed: 0, Signature: 99}
	_, _, err := sf.Insert(fp, []byte("overflow"), []byte("v"))
	require.ErrorIs(t, err, shardfile.ErrRowFull)
}

func TestIterateVisitsEveryLiveEntry(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 4, 8, shardfile.Config{})

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		fp := sf.Hasher().Hash([]byte(k))
		_, _, err := sf.Insert(fp, []byte(k), []byte(v))
		require.NoError(t, err)
	}

	got := map[string]string{}
	err := sf.Iterate(func(key, value []byte) bool {
		got[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIterateStopsEarly(t *testing.T) {
	t.Parallel()

	sf := newTestShard(t, 4, 8, shardfile.Config{})

	for _, k := range []string{"a", "b", "c", "d"} {
		fp := sf.Hasher().Hash([]byte(k))
		_, _, err := sf.Insert(fp, []byte(k), []byte("v"))
		require.NoError(t, err)
	}

	var visited int
	err := sf.Iterate(func(key, value []byte) bool {
		visited++
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, visited)
}
