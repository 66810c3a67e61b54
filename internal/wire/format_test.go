package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLayoutAlignment(t *testing.T) {
	t.Parallel()

	l := NewLayout(64, 512)

	require.EqualValues(t, fixedHeaderSize, l.RowMetaOffset)
	require.Zero(t, l.SlotTableOffset%rowAlignment)
	require.Zero(t, l.RowStride%rowAlignment)
	require.GreaterOrEqual(t, l.RowStride, l.SlotsPerRow*SlotSize)
	require.Equal(t, l.SlotTableOffset+l.RowsPerShard*l.RowStride, l.HeaderSize)
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	want := Header{
		ShardLo:      0,
		ShardHi:      1 << 16,
		RowsPerShard: 64,
		SlotsPerRow:  512,
		HashSeed:     0xdeadbeefcafef00d,
		EntryCount:   42,
		WriteOffset:  1024,
		DeadBytes:    17,
	}

	buf := make([]byte, fixedHeaderSize)
	EncodeHeader(buf, want)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fixedHeaderSize)
	EncodeHeader(buf, Header{RowsPerShard: 1, SlotsPerRow: 1})
	buf[0] ^= 0xFF

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestDecodeHeaderRejectsCorruptCRC(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fixedHeaderSize)
	EncodeHeader(buf, Header{RowsPerShard: 1, SlotsPerRow: 1})
	buf[20] ^= 0xFF // mutate a field covered by the CRC without touching magic/version

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeHeaderTruncated(t *testing.T) {
	t.Parallel()

	_, err := DecodeHeader(make([]byte, 10))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestPutFieldHelpersPreserveCRC(t *testing.T) {
	t.Parallel()

	buf := make([]byte, fixedHeaderSize)
	EncodeHeader(buf, Header{RowsPerShard: 1, SlotsPerRow: 1})

	PutEntryCount(buf, 7)
	PutWriteOffset(buf, 99)
	PutDeadBytes(buf, 3)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.EqualValues(t, 7, got.EntryCount)
	require.EqualValues(t, 99, got.WriteOffset)
	require.EqualValues(t, 3, got.DeadBytes)
}

func TestRowMetaRoundTrip(t *testing.T) {
	t.Parallel()

	l := NewLayout(4, 8)
	buf := make([]byte, l.HeaderSize)

	WriteRowMeta(buf, l, 2, 5, 9)

	dirty, live := ReadRowMeta(buf, l, 2)
	require.EqualValues(t, 5, dirty)
	require.EqualValues(t, 9, live)

	// Untouched rows stay zero.
	dirty, live = ReadRowMeta(buf, l, 0)
	require.Zero(t, dirty)
	require.Zero(t, live)
}

func TestSlotRoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, SlotSize)
	EncodeSlot(buf, 0xABCD1234, 0x1234567890, 0xFEDCBA)

	sig, offset, length := DecodeSlot(buf)
	require.Equal(t, uint32(0xABCD1234), sig)
	require.Equal(t, uint64(0x1234567890), offset)
	require.Equal(t, uint32(0xFEDCBA), length)
}

func TestSlotPointerThenSignatureCommitOrder(t *testing.T) {
	t.Parallel()

	buf := make([]byte, SlotSize)

	// Pointer lands first; signature stays at the empty-slot sentinel (0)
	// until explicitly set, modeling the window during a commit where a
	// crash must not expose a signature paired with a stale pointer.
	EncodeSlotPointer(buf, 100, 50)

	sig, offset, length := DecodeSlot(buf)
	require.Zero(t, sig)
	require.EqualValues(t, 100, offset)
	require.EqualValues(t, 50, length)

	EncodeSlotSignature(buf, 0x1)

	sig, offset, length = DecodeSlot(buf)
	require.EqualValues(t, 0x1, sig)
	require.EqualValues(t, 100, offset)
	require.EqualValues(t, 50, length)
}

func TestEntryRoundTrip(t *testing.T) {
	t.Parallel()

	key := []byte("some-key")
	value := []byte("some rather longer value payload")

	buf := EncodeEntry(key, value)

	gotKey, gotValue, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Equal(t, value, gotValue)
}

func TestEntryRoundTripEmptyValue(t *testing.T) {
	t.Parallel()

	buf := EncodeEntry([]byte("k"), nil)

	key, value, err := DecodeEntry(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), key)
	require.Empty(t, value)
}

func TestDecodeEntryTruncated(t *testing.T) {
	t.Parallel()

	buf := EncodeEntry([]byte("key"), []byte("value"))

	_, _, err := DecodeEntry(buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrCorrupt)
}
