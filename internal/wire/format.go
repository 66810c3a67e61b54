// Package wire defines the on-disk layout of a shard file: the mapped
// header (fixed prefix, per-row metadata, slot table) and the
// append-only data-region entry framing.
package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// ErrCorrupt indicates a header or entry failed to decode.
var ErrCorrupt = errors.New("wire: corrupt data")

// ErrIncompatible indicates a header has a magic/version this build does not understand.
var ErrIncompatible = errors.New("wire: incompatible format")

const (
	// HeaderMagic identifies a shard file. Little-endian "SHRD".
	HeaderMagic uint32 = 0x44524853
	// HeaderVersion is the only format version this build understands.
	HeaderVersion uint32 = 1

	// SlotSize is the on-disk size of one signature+pointer slot.
	SlotSize = 12
	// rowMetaSize is the on-disk size of one row's metadata entry.
	rowMetaSize = 8
	// fixedHeaderSize is the size of the header's non-row-dependent prefix.
	fixedHeaderSize = 128

	rowAlignment = 64
)

// Fixed-prefix field offsets.
const (
	offMagic        = 0
	offVersion      = 4
	offShardLo      = 8
	offShardHi      = 12
	offRowsPerShard = 16
	offSlotsPerRow  = 20
	offHashSeed     = 24
	offEntryCount   = 32
	offWriteOffset  = 40
	offDeadBytes    = 48
	offCRC          = 56
	// bytes [60,128) are reserved, always zero.
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Layout describes the byte geometry of a shard file's header region,
// derived from its row/slot configuration.
type Layout struct {
	RowsPerShard    uint32
	SlotsPerRow     uint32
	RowMetaOffset   uint32
	SlotTableOffset uint32
	RowStride       uint32 // bytes between consecutive rows in the slot table
	HeaderSize      uint32 // total size of the mapped header region
}

func align(x uint32, to uint32) uint32 {
	return (x + to - 1) &^ (to - 1)
}

// NewLayout computes the header geometry for the given row/slot counts.
func NewLayout(rowsPerShard, slotsPerRow uint32) Layout {
	rowMetaRegion := align(rowsPerShard*rowMetaSize, rowAlignment)
	rowMetaOffset := uint32(fixedHeaderSize)
	slotTableOffset := rowMetaOffset + rowMetaRegion
	rowStride := align(slotsPerRow*SlotSize, rowAlignment)
	headerSize := slotTableOffset + rowsPerShard*rowStride

	return Layout{
		RowsPerShard:    rowsPerShard,
		SlotsPerRow:     slotsPerRow,
		RowMetaOffset:   rowMetaOffset,
		SlotTableOffset: slotTableOffset,
		RowStride:       rowStride,
		HeaderSize:      headerSize,
	}
}

// RowMetaByteOffset returns the byte offset of row r's metadata within the header.
func (l Layout) RowMetaByteOffset(row uint32) uint32 {
	return l.RowMetaOffset + row*rowMetaSize
}

// SlotByteOffset returns the byte offset of a (row, slot) pair within the header.
func (l Layout) SlotByteOffset(row, slot uint32) uint32 {
	return l.SlotTableOffset + row*l.RowStride + slot*SlotSize
}

// Header is the decoded form of a shard file's fixed prefix.
type Header struct {
	ShardLo      uint32
	ShardHi      uint32
	RowsPerShard uint32
	SlotsPerRow  uint32
	HashSeed     uint64
	EntryCount   uint64
	WriteOffset  uint64
	DeadBytes    uint64
}

// EncodeHeader writes h's fixed prefix into buf (which must be at least
// fixedHeaderSize bytes) and stamps the CRC last.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[offMagic:], HeaderMagic)
	binary.LittleEndian.PutUint32(buf[offVersion:], HeaderVersion)
	binary.LittleEndian.PutUint32(buf[offShardLo:], h.ShardLo)
	binary.LittleEndian.PutUint32(buf[offShardHi:], h.ShardHi)
	binary.LittleEndian.PutUint32(buf[offRowsPerShard:], h.RowsPerShard)
	binary.LittleEndian.PutUint32(buf[offSlotsPerRow:], h.SlotsPerRow)
	binary.LittleEndian.PutUint64(buf[offHashSeed:], h.HashSeed)
	binary.LittleEndian.PutUint64(buf[offEntryCount:], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[offWriteOffset:], h.WriteOffset)
	binary.LittleEndian.PutUint64(buf[offDeadBytes:], h.DeadBytes)

	for i := offCRC; i < fixedHeaderSize; i++ {
		buf[i] = 0
	}

	crc := crc32.Checksum(buf[:fixedHeaderSize], crcTable)
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
}

// DecodeHeader validates and decodes a shard file's fixed prefix.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < fixedHeaderSize {
		return Header{}, ErrCorrupt
	}

	magic := binary.LittleEndian.Uint32(buf[offMagic:])
	if magic != HeaderMagic {
		return Header{}, ErrIncompatible
	}

	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != HeaderVersion {
		return Header{}, ErrIncompatible
	}

	storedCRC := binary.LittleEndian.Uint32(buf[offCRC:])

	scratch := make([]byte, fixedHeaderSize)
	copy(scratch, buf[:fixedHeaderSize])
	for i := offCRC; i < fixedHeaderSize; i++ {
		scratch[i] = 0
	}

	computed := crc32.Checksum(scratch, crcTable)
	if computed != storedCRC {
		return Header{}, ErrCorrupt
	}

	return Header{
		ShardLo:      binary.LittleEndian.Uint32(buf[offShardLo:]),
		ShardHi:      binary.LittleEndian.Uint32(buf[offShardHi:]),
		RowsPerShard: binary.LittleEndian.Uint32(buf[offRowsPerShard:]),
		SlotsPerRow:  binary.LittleEndian.Uint32(buf[offSlotsPerRow:]),
		HashSeed:     binary.LittleEndian.Uint64(buf[offHashSeed:]),
		EntryCount:   binary.LittleEndian.Uint64(buf[offEntryCount:]),
		WriteOffset:  binary.LittleEndian.Uint64(buf[offWriteOffset:]),
		DeadBytes:    binary.LittleEndian.Uint64(buf[offDeadBytes:]),
	}, nil
}

// PutEntryCount updates only the entry-count field (and its CRC) in place.
// Callers must hold whatever lock protects concurrent header mutation.
func PutEntryCount(buf []byte, count uint64) {
	binary.LittleEndian.PutUint64(buf[offEntryCount:], count)
	restampCRC(buf)
}

// PutWriteOffset updates only the write-offset field (and its CRC) in place.
func PutWriteOffset(buf []byte, offset uint64) {
	binary.LittleEndian.PutUint64(buf[offWriteOffset:], offset)
	restampCRC(buf)
}

// PutDeadBytes updates only the dead-bytes field (and its CRC) in place.
func PutDeadBytes(buf []byte, deadBytes uint64) {
	binary.LittleEndian.PutUint64(buf[offDeadBytes:], deadBytes)
	restampCRC(buf)
}

func restampCRC(buf []byte) {
	for i := offCRC; i < offCRC+4; i++ {
		buf[i] = 0
	}

	crc := crc32.Checksum(buf[:fixedHeaderSize], crcTable)
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)
}

// ReadRowMeta reads row r's dirty counter and live-entry count.
func ReadRowMeta(buf []byte, l Layout, row uint32) (dirty, live uint32) {
	off := l.RowMetaByteOffset(row)

	return binary.LittleEndian.Uint32(buf[off:]), binary.LittleEndian.Uint32(buf[off+4:])
}

// WriteRowMeta writes row r's dirty counter and live-entry count.
func WriteRowMeta(buf []byte, l Layout, row uint32, dirty, live uint32) {
	off := l.RowMetaByteOffset(row)
	binary.LittleEndian.PutUint32(buf[off:], dirty)
	binary.LittleEndian.PutUint32(buf[off+4:], live)
}

// EncodeSlot packs a signature and (offset, length) pointer into a 12-byte slot.
// length must fit in 24 bits; offset must fit in 40 bits.
func EncodeSlot(buf []byte, signature uint32, offset uint64, length uint32) {
	binary.LittleEndian.PutUint32(buf[0:], signature)
	packed := (offset << 24) | uint64(length&0xFFFFFF)
	binary.LittleEndian.PutUint64(buf[4:], packed)
}

// EncodeSlotPointer rewrites only the pointer half of a slot, leaving the
// signature untouched. Used for the "pointer first, signature last" commit
// ordering: the signature is written afterwards by EncodeSlotSignature.
func EncodeSlotPointer(buf []byte, offset uint64, length uint32) {
	packed := (offset << 24) | uint64(length&0xFFFFFF)
	binary.LittleEndian.PutUint64(buf[4:], packed)
}

// EncodeSlotSignature rewrites only the signature half of a slot. This must
// be the last write of a slot commit: the pointer must already be in place
// before the signature makes the slot visible to readers.
func EncodeSlotSignature(buf []byte, signature uint32) {
	binary.LittleEndian.PutUint32(buf[0:], signature)
}

// DecodeSlot unpacks a 12-byte slot.
func DecodeSlot(buf []byte) (signature uint32, offset uint64, length uint32) {
	signature = binary.LittleEndian.Uint32(buf[0:])
	packed := binary.LittleEndian.Uint64(buf[4:])
	offset = packed >> 24
	length = uint32(packed & 0xFFFFFF)

	return signature, offset, length
}

// MaxEntryLength is the largest data-region entry byte length representable
// by a slot's 24-bit length field.
const MaxEntryLength = 1<<24 - 1

// EntryPrefixSize is the size of the key_len/value_len prefix preceding the
// key and value bytes in the data region.
const EntryPrefixSize = 2 + 4

// EncodeEntry serializes a key/value pair into the data-region entry format:
// key_len:u16 | value_len:u32 | key_bytes | value_bytes.
func EncodeEntry(key, value []byte) []byte {
	buf := make([]byte, EntryPrefixSize+len(key)+len(value))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(key)))
	binary.LittleEndian.PutUint32(buf[2:], uint32(len(value)))
	copy(buf[EntryPrefixSize:], key)
	copy(buf[EntryPrefixSize+len(key):], value)

	return buf
}

// DecodeEntry parses a data-region entry. It returns ErrCorrupt if buf is
// too short to contain the lengths it claims.
func DecodeEntry(buf []byte) (key, value []byte, err error) {
	if len(buf) < EntryPrefixSize {
		return nil, nil, ErrCorrupt
	}

	keyLen := binary.LittleEndian.Uint16(buf[0:])
	valueLen := binary.LittleEndian.Uint32(buf[2:])

	want := EntryPrefixSize + int(keyLen) + int(valueLen)
	if len(buf) < want {
		return nil, nil, ErrCorrupt
	}

	key = buf[EntryPrefixSize : EntryPrefixSize+int(keyLen)]
	value = buf[EntryPrefixSize+int(keyLen) : want]

	return key, value, nil
}
