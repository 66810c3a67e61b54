package kv

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"os"

	natomic "github.com/natefinch/atomic"
)

// meta is the store-level file: magic, format version, hash seed, and a
// fingerprint of the config the store was first opened with. It is rewritten
// atomically (temp file + rename) whenever it changes, which in practice is
// only once, at first open.
const (
	metaMagic   uint32 = 0x3156_4b53 // little-endian "SKV1"
	metaVersion uint32 = 1
	metaSize           = 64
)

const (
	metaOffMagic       = 0
	metaOffVersion     = 4
	metaOffSeed        = 8
	metaOffFingerprint = 16
	metaOffCRC         = 24
	// bytes [28, 64) reserved.
)

type metaRecord struct {
	seed        uint64
	fingerprint uint64
}

var metaCRCTable = crc32.MakeTable(crc32.Castagnoli)

func encodeMeta(m metaRecord) []byte {
	buf := make([]byte, metaSize)
	binary.LittleEndian.PutUint32(buf[metaOffMagic:], metaMagic)
	binary.LittleEndian.PutUint32(buf[metaOffVersion:], metaVersion)
	binary.LittleEndian.PutUint64(buf[metaOffSeed:], m.seed)
	binary.LittleEndian.PutUint64(buf[metaOffFingerprint:], m.fingerprint)

	crc := crc32.Checksum(buf[:metaOffCRC], metaCRCTable)
	binary.LittleEndian.PutUint32(buf[metaOffCRC:], crc)

	return buf
}

func decodeMeta(buf []byte) (metaRecord, error) {
	if len(buf) < metaSize {
		return metaRecord{}, fmt.Errorf("%w: meta file truncated", ErrCorrupt)
	}

	if binary.LittleEndian.Uint32(buf[metaOffMagic:]) != metaMagic {
		return metaRecord{}, fmt.Errorf("%w: bad meta magic", ErrCorrupt)
	}

	if binary.LittleEndian.Uint32(buf[metaOffVersion:]) != metaVersion {
		return metaRecord{}, fmt.Errorf("%w: unsupported meta version", ErrCorrupt)
	}

	wantCRC := binary.LittleEndian.Uint32(buf[metaOffCRC:])
	gotCRC := crc32.Checksum(buf[:metaOffCRC], metaCRCTable)

	if wantCRC != gotCRC {
		return metaRecord{}, fmt.Errorf("%w: meta CRC mismatch", ErrCorrupt)
	}

	return metaRecord{
		seed:        binary.LittleEndian.Uint64(buf[metaOffSeed:]),
		fingerprint: binary.LittleEndian.Uint64(buf[metaOffFingerprint:]),
	}, nil
}

// configFingerprint hashes the subset of Options that must stay stable
// across reopens (the on-disk layout parameters), so a reopen with
// incompatible settings is rejected rather than silently misreading shard
// files laid out under different row/slot geometry.
func configFingerprint(o Options) uint64 {
	h := fnv.New64a()
	_ = binary.Write(h, binary.LittleEndian, o.RowsPerShard)
	_ = binary.Write(h, binary.LittleEndian, o.SlotsPerRow)
	_ = binary.Write(h, binary.LittleEndian, o.MaxKeySize)
	_ = binary.Write(h, binary.LittleEndian, o.MaxValueSize)

	return h.Sum64()
}

func randomSeed() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("kv: generate hash seed: %w", err)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// loadOrCreateMeta reads the store's meta file, creating it with a fresh
// random (or caller-supplied) seed if absent. It fails with ErrConfig if an
// existing meta file's fingerprint disagrees with opts.
func loadOrCreateMeta(path string, opts Options) (metaRecord, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		m, derr := decodeMeta(data)
		if derr != nil {
			return metaRecord{}, derr
		}

		if m.fingerprint != configFingerprint(opts) {
			return metaRecord{}, fmt.Errorf("%w: store was created with different row/slot/size-limit settings", ErrConfig)
		}

		return m, nil
	}

	if !os.IsNotExist(err) {
		return metaRecord{}, fmt.Errorf("%w: read meta: %v", ErrIO, err)
	}

	seed := opts.HashSeed
	if !opts.hashSeedSet {
		seed, err = randomSeed()
		if err != nil {
			return metaRecord{}, err
		}
	}

	m := metaRecord{seed: seed, fingerprint: configFingerprint(opts)}

	if err := writeMeta(path, m); err != nil {
		return metaRecord{}, err
	}

	return m, nil
}

func writeMeta(path string, m metaRecord) error {
	buf := encodeMeta(m)
	if err := natomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("%w: write meta: %v", ErrIO, err)
	}

	return nil
}
