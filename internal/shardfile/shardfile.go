// Package shardfile implements a single shard's on-disk file: a mmap'd
// header (signature/pointer slots, row metadata) plus an append-only data
// region accessed by positional I/O.
//
// One ShardFile owns one half-open shard range. Ordinary operations
// (get/insert/replace/remove/compare-and-set) take the file's read lock and
// a per-row lock; Split and Compact take the file's write lock.
package shardfile

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"go.uber.org/zap"

	"github.com/shardkv/shardkv/internal/hashing"
	"github.com/shardkv/shardkv/internal/wire"
)

// Sentinel errors. ErrRowFull and ErrFileTooLarge are caught internally by
// the router, which splits the file and retries; they never escape to the
// public API.
var (
	ErrRowFull       = errors.New("shardfile: row full")
	ErrFileTooLarge  = errors.New("shardfile: file too large")
	ErrCapacityFloor = errors.New("shardfile: shard range cannot be split further")
	ErrCorrupt       = errors.New("shardfile: corrupt")
	ErrClosed        = errors.New("shardfile: closed")
)

// Metrics receives per-shard event counts. Implementations must be safe for
// concurrent use. See pkg/kv for the Prometheus-backed implementation.
type Metrics interface {
	IncGet(hit bool)
	IncInsert()
	IncRemove()
	IncSplit()
	IncCompaction()
	SetDeadBytesRatio(shardLo uint32, ratio float64)
}

// NoopMetrics discards all events.
type NoopMetrics struct{}

func (NoopMetrics) IncGet(bool)                       {}
func (NoopMetrics) IncInsert()                        {}
func (NoopMetrics) IncRemove()                        {}
func (NoopMetrics) IncSplit()                         {}
func (NoopMetrics) IncCompaction()                    {}
func (NoopMetrics) SetDeadBytesRatio(uint32, float64) {}

// Config carries the settings a ShardFile needs that are not recorded in its
// own header (these live at the store level and are passed down at open).
type Config struct {
	MaxShardFileSize        uint64
	CompactionDeadBytesRatio float64
	Logger                   *zap.Logger
	Metrics                  Metrics
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}

	if c.CompactionDeadBytesRatio <= 0 {
		c.CompactionDeadBytesRatio = 0.5
	}

	return c
}

// ShardFile is one shard's file on disk.
type ShardFile struct {
	cfg Config

	path string
	file *os.File

	headerMu sync.Mutex // serializes header-field mutation (counters)
	header   []byte     // mmap'd window covering the header region
	layout   wire.Layout

	lo, hi uint32
	seed   uint64

	writeOff atomic.Uint64

	fileMu sync.RWMutex   // ordinary ops read-lock; Split/Compact write-lock
	rowMu  []sync.RWMutex // one per row

	closed atomic.Bool
}

// Hasher returns a Hasher keyed with this file's store-wide seed.
func (sf *ShardFile) Hasher() hashing.Hasher {
	return hashing.New(sf.seed)
}

// Range returns the shard file's half-open range [lo, hi).
func (sf *ShardFile) Range() (lo, hi uint32) {
	return sf.lo, sf.hi
}

// Path returns the file's path on disk.
func (sf *ShardFile) Path() string {
	return sf.path
}

// Create creates a new, empty shard file for range [lo, hi).
func Create(path string, lo, hi uint32, layout wire.Layout, seed uint64, cfg Config) (*ShardFile, error) {
	cfg = cfg.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shardfile: create %q: %w", path, err)
	}

	if err := f.Truncate(int64(layout.HeaderSize)); err != nil {
		f.Close()
		os.Remove(path)

		return nil, fmt.Errorf("shardfile: truncate header %q: %w", path, err)
	}

	header, err := unix.Mmap(int(f.Fd()), 0, int(layout.HeaderSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)

		return nil, fmt.Errorf("shardfile: mmap %q: %w", path, err)
	}

	wire.EncodeHeader(header, wire.Header{
		ShardLo:      lo,
		ShardHi:      hi,
		RowsPerShard: layout.RowsPerShard,
		SlotsPerRow:  layout.SlotsPerRow,
		HashSeed:     seed,
	})

	sf := &ShardFile{
		cfg:    cfg,
		path:   path,
		file:   f,
		header: header,
		layout: layout,
		lo:     lo,
		hi:     hi,
		seed:   seed,
		rowMu:  make([]sync.RWMutex, layout.RowsPerShard),
	}

	if err := unix.Msync(header, unix.MS_SYNC); err != nil {
		sf.Close()

		return nil, fmt.Errorf("shardfile: msync %q: %w", path, err)
	}

	cfg.Logger.Info("shard created", zap.String("path", path), zap.Uint32("lo", lo), zap.Uint32("hi", hi))

	return sf, nil
}

// Open opens an existing shard file, validating its header and clamping a
// torn data-region tail.
func Open(path string, cfg Config) (*ShardFile, error) {
	cfg = cfg.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shardfile: open %q: %w", path, err)
	}

	prefix := make([]byte, 128)
	if _, err := f.ReadAt(prefix, 0); err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: read header prefix %q: %v", ErrCorrupt, path, err)
	}

	hdr, err := wire.DecodeHeader(prefix)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: %q: %v", ErrCorrupt, path, err)
	}

	layout := wire.NewLayout(hdr.RowsPerShard, hdr.SlotsPerRow)

	header, err := unix.Mmap(int(f.Fd()), 0, int(layout.HeaderSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("shardfile: mmap %q: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		unix.Munmap(header)
		f.Close()

		return nil, fmt.Errorf("shardfile: stat %q: %w", path, err)
	}

	dataSize := fi.Size() - int64(layout.HeaderSize)
	if dataSize < 0 {
		dataSize = 0
	}

	writeOffset := hdr.WriteOffset
	if writeOffset > uint64(dataSize) {
		// Torn tail: the header claims more data than the file has. Clamp to
		// what's actually on disk; the bytes beyond it were never referenced
		// by a committed slot.
		writeOffset = uint64(dataSize)

		wire.PutWriteOffset(header, writeOffset)

		if err := unix.Msync(header, unix.MS_SYNC); err != nil {
			unix.Munmap(header)
			f.Close()

			return nil, fmt.Errorf("shardfile: msync clamp %q: %w", path, err)
		}
	}

	sf := &ShardFile{
		cfg:    cfg,
		path:   path,
		file:   f,
		header: header,
		layout: layout,
		lo:     hdr.ShardLo,
		hi:     hdr.ShardHi,
		seed:   hdr.HashSeed,
		rowMu:  make([]sync.RWMutex, layout.RowsPerShard),
	}
	sf.writeOff.Store(writeOffset)

	cfg.Logger.Info("shard opened", zap.String("path", path), zap.Uint32("lo", sf.lo), zap.Uint32("hi", sf.hi))

	return sf, nil
}

// Close unmaps the header and closes the underlying file. It does not flush;
// call Flush first if durability is required.
func (sf *ShardFile) Close() error {
	if !sf.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if sf.header != nil {
		if e := unix.Munmap(sf.header); e != nil {
			err = e
		}
	}

	if e := sf.file.Close(); e != nil && err == nil {
		err = e
	}

	return err
}

// Flush forces the header mapping to be msync'd and the data region fsync'd.
func (sf *ShardFile) Flush() error {
	sf.headerMu.Lock()
	err := unix.Msync(sf.header, unix.MS_SYNC)
	sf.headerMu.Unlock()

	if err != nil {
		return fmt.Errorf("shardfile: msync %q: %w", sf.path, err)
	}

	if err := sf.file.Sync(); err != nil {
		return fmt.Errorf("shardfile: fsync %q: %w", sf.path, err)
	}

	return nil
}

// DeadBytesRatio returns the fraction of the data region that is dead
// (unreferenced by any live slot).
func (sf *ShardFile) DeadBytesRatio() float64 {
	sf.headerMu.Lock()
	hdr, _ := wire.DecodeHeader(sf.header)
	sf.headerMu.Unlock()

	writeOff := sf.writeOff.Load()
	if writeOff == 0 {
		return 0
	}

	return float64(hdr.DeadBytes) / float64(writeOff)
}

func (sf *ShardFile) rowSlotBytes(row uint32) []byte {
	start := sf.layout.SlotByteOffset(row, 0)

	return sf.header[start : start+sf.layout.SlotsPerRow*wire.SlotSize]
}

func (sf *ShardFile) readDataAt(offset uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)

	n, err := sf.file.ReadAt(buf, int64(sf.layout.HeaderSize)+int64(offset))
	if err != nil || n != int(length) {
		return nil, fmt.Errorf("%w: short read at %d: %v", ErrCorrupt, offset, err)
	}

	return buf, nil
}

// appendEntry reserves space in the data region and writes entry there. It
// returns the offset the entry was written at. Concurrent appenders each
// reserve a disjoint range via an atomic fetch-add, so no two writers ever
// overlap.
func (sf *ShardFile) appendEntry(entry []byte) (uint64, error) {
	if len(entry) > wire.MaxEntryLength {
		return 0, fmt.Errorf("shardfile: entry too large (%d bytes)", len(entry))
	}

	prospective := int64(sf.layout.HeaderSize) + int64(sf.writeOff.Load()) + int64(len(entry))
	if sf.cfg.MaxShardFileSize > 0 && uint64(prospective) > sf.cfg.MaxShardFileSize {
		return 0, ErrFileTooLarge
	}

	offset := sf.writeOff.Add(uint64(len(entry))) - uint64(len(entry))

	if _, err := sf.file.WriteAt(entry, int64(sf.layout.HeaderSize)+int64(offset)); err != nil {
		return 0, fmt.Errorf("shardfile: append write %q: %w", sf.path, err)
	}

	sf.headerMu.Lock()
	wire.PutWriteOffset(sf.header, sf.writeOff.Load())
	sf.headerMu.Unlock()

	return offset, nil
}

func (sf *ShardFile) addDeadBytes(n uint32) {
	if n == 0 {
		return
	}

	sf.headerMu.Lock()
	hdr, _ := wire.DecodeHeader(sf.header)
	wire.PutDeadBytes(sf.header, hdr.DeadBytes+uint64(n))
	sf.headerMu.Unlock()
}

func (sf *ShardFile) bumpEntryCount(delta int64) {
	sf.headerMu.Lock()
	hdr, _ := wire.DecodeHeader(sf.header)
	newCount := int64(hdr.EntryCount) + delta
	if newCount < 0 {
		newCount = 0
	}

	wire.PutEntryCount(sf.header, uint64(newCount))
	sf.headerMu.Unlock()
}

// EntryCount returns the number of live entries recorded in the header.
func (sf *ShardFile) EntryCount() uint64 {
	sf.headerMu.Lock()
	hdr, _ := wire.DecodeHeader(sf.header)
	sf.headerMu.Unlock()

	return hdr.EntryCount
}

type slotMatch struct {
	row, slot uint32
	offset    uint64
	length    uint32
}

// findBySignature scans row's slot table for signature sig ("SIMD-scan" in
// spec terms; Go has no portable SIMD intrinsic, so this is a tight linear
// scan over the packed 12-byte slots instead). It returns candidate matches;
// callers must confirm each one by key-byte comparison.
func (sf *ShardFile) findBySignature(row, sig uint32) []slotMatch {
	slots := sf.rowSlotBytes(row)

	var matches []slotMatch
	for i := uint32(0); i < sf.layout.SlotsPerRow; i++ {
		off := i * wire.SlotSize
		s, ptrOff, ptrLen := wire.DecodeSlot(slots[off : off+wire.SlotSize])
		if s == sig {
			matches = append(matches, slotMatch{row: row, slot: i, offset: ptrOff, length: ptrLen})
		}
	}

	return matches
}

func (sf *ShardFile) findEmptySlot(row uint32) (uint32, bool) {
	slots := sf.rowSlotBytes(row)

	for i := uint32(0); i < sf.layout.SlotsPerRow; i++ {
		off := i * wire.SlotSize
		s, _, _ := wire.DecodeSlot(slots[off : off+wire.SlotSize])
		if s == 0 {
			return i, true
		}
	}

	return 0, false
}

func (sf *ShardFile) writeSlot(row, slot uint32, sig uint32, offset uint64, length uint32) {
	slots := sf.rowSlotBytes(row)
	off := slot * wire.SlotSize
	// pointer first, signature last: a torn update leaves either the old
	// slot intact or a new pointer under the old signature, never a new
	// signature paired with a stale pointer.
	wire.EncodeSlotPointer(slots[off:off+wire.SlotSize], offset, length)
	wire.EncodeSlotSignature(slots[off:off+wire.SlotSize], sig)
}

func (sf *ShardFile) clearSlot(row, slot uint32) {
	slots := sf.rowSlotBytes(row)
	off := slot * wire.SlotSize
	wire.EncodeSlotSignature(slots[off:off+wire.SlotSize], 0)
}

// rowFor reduces a fingerprint's row seed to an actual row index for this
// file's row count, which is fixed at file creation but not known to the
// hashing package.
func (sf *ShardFile) rowFor(fp hashing.Fingerprint) uint32 {
	return fp.RowSeed % sf.layout.RowsPerShard
}

func (sf *ShardFile) bumpRowLive(row uint32, delta int32) {
	dirty, live := wire.ReadRowMeta(sf.header, sf.layout, row)
	newLive := int32(live) + delta
	if newLive < 0 {
		newLive = 0
	}

	wire.WriteRowMeta(sf.header, sf.layout, row, dirty+1, uint32(newLive))
}

// Get looks up key by its fingerprint.
func (sf *ShardFile) Get(fp hashing.Fingerprint, key []byte) (value []byte, found bool, err error) {
	sf.fileMu.RLock()
	defer sf.fileMu.RUnlock()

	row := sf.rowFor(fp)
	sf.rowMu[row].RLock()
	defer sf.rowMu[row].RUnlock()

	value, found, err = sf.lookupLocked(row, fp.Signature, key)
	sf.cfg.Metrics.IncGet(found)

	return value, found, err
}

func (sf *ShardFile) lookupLocked(row uint32, sig uint32, key []byte) ([]byte, bool, error) {
	for _, m := range sf.findBySignature(row, sig) {
		entry, err := sf.readDataAt(m.offset, m.length)
		if err != nil {
			continue
		}

		k, v, err := wire.DecodeEntry(entry)
		if err != nil {
			continue
		}

		if string(k) == string(key) {
			out := make([]byte, len(v))
			copy(out, v)

			return out, true, nil
		}
	}

	return nil, false, nil
}

// Insert upserts key/value. It returns the previous value, if any.
// ErrRowFull or ErrFileTooLarge indicate the caller must split this file and
// retry; no mutation has occurred when those are returned.
func (sf *ShardFile) Insert(fp hashing.Fingerprint, key, value []byte) (old []byte, hadOld bool, err error) {
	return sf.upsert(fp, key, value, false, nil)
}

// Replace updates key's value only if it already exists.
func (sf *ShardFile) Replace(fp hashing.Fingerprint, key, value []byte) (old []byte, hadOld bool, err error) {
	return sf.upsert(fp, key, value, true, nil)
}

// CompareAndSet sets key to newValue only if its current value equals
// expected. expected == nil means "key must currently be absent".
func (sf *ShardFile) CompareAndSet(fp hashing.Fingerprint, key, expected, newValue []byte) (ok bool, err error) {
	_, _, err = sf.upsert(fp, key, newValue, false, &expected)
	if err != nil {
		if errors.Is(err, errCompareMismatch) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

var errCompareMismatch = errors.New("shardfile: compare mismatch")

// upsert is the shared implementation behind Insert/Replace/CompareAndSet.
// requireExisting enforces Replace semantics; expected, if non-nil, enforces
// CompareAndSet semantics ([]byte(nil) inside the pointer means "expect
// absent").
func (sf *ShardFile) upsert(fp hashing.Fingerprint, key, value []byte, requireExisting bool, expected *[]byte) (old []byte, hadOld bool, err error) {
	sf.fileMu.RLock()
	defer sf.fileMu.RUnlock()

	row := sf.rowFor(fp)
	sf.rowMu[row].Lock()
	defer sf.rowMu[row].Unlock()

	var existingSlot *slotMatch
	var existingValue []byte

	for _, m := range sf.findBySignature(row, fp.Signature) {
		entry, derr := sf.readDataAt(m.offset, m.length)
		if derr != nil {
			continue
		}

		k, v, derr := wire.DecodeEntry(entry)
		if derr != nil {
			continue
		}

		if string(k) == string(key) {
			mCopy := m
			existingSlot = &mCopy
			existingValue = append([]byte(nil), v...)

			break
		}
	}

	if expected != nil {
		if *expected == nil {
			if existingSlot != nil {
				return nil, true, errCompareMismatch
			}
		} else {
			if existingSlot == nil || string(existingValue) != string(*expected) {
				return existingValue, existingSlot != nil, errCompareMismatch
			}
		}
	}

	if requireExisting && existingSlot == nil {
		return nil, false, nil
	}

	var slot uint32
	if existingSlot == nil {
		var ok bool
		if slot, ok = sf.findEmptySlot(row); !ok {
			return nil, false, ErrRowFull
		}
	}

	entry := wire.EncodeEntry(key, value)

	offset, err := sf.appendEntry(entry)
	if err != nil {
		return nil, false, err
	}

	if existingSlot != nil {
		sf.writeSlot(existingSlot.row, existingSlot.slot, fp.Signature, offset, uint32(len(entry)))
		sf.addDeadBytes(existingSlot.length)

		sf.cfg.Metrics.IncInsert()

		return existingValue, true, nil
	}

	sf.writeSlot(row, slot, fp.Signature, offset, uint32(len(entry)))
	sf.bumpRowLive(row, 1)
	sf.bumpEntryCount(1)

	sf.cfg.Metrics.IncInsert()

	return nil, false, nil
}

// Remove deletes key, returning its previous value if present.
func (sf *ShardFile) Remove(fp hashing.Fingerprint, key []byte) (old []byte, hadOld bool, err error) {
	sf.fileMu.RLock()
	defer sf.fileMu.RUnlock()

	row := sf.rowFor(fp)
	sf.rowMu[row].Lock()
	defer sf.rowMu[row].Unlock()

	for _, m := range sf.findBySignature(row, fp.Signature) {
		entry, derr := sf.readDataAt(m.offset, m.length)
		if derr != nil {
			continue
		}

		k, v, derr := wire.DecodeEntry(entry)
		if derr != nil {
			continue
		}

		if string(k) == string(key) {
			sf.clearSlot(row, m.slot)
			sf.bumpRowLive(row, -1)
			sf.bumpEntryCount(-1)
			sf.addDeadBytes(m.length)

			sf.cfg.Metrics.IncRemove()

			out := make([]byte, len(v))
			copy(out, v)

			return out, true, nil
		}
	}

	return nil, false, nil
}

// NeedsSplit reports whether this file has a saturated row or has grown past
// its configured size threshold, either of which requires splitting before
// further inserts of new keys can proceed. Store.withShard calls it as a
// proactive pre-write check so a shard splits ahead of an insert that would
// otherwise fail with ErrRowFull or ErrFileTooLarge and need a retry.
func (sf *ShardFile) NeedsSplit() bool {
	sf.fileMu.RLock()
	defer sf.fileMu.RUnlock()

	if sf.cfg.MaxShardFileSize > 0 && int64(sf.layout.HeaderSize)+int64(sf.writeOff.Load()) >= int64(sf.cfg.MaxShardFileSize) {
		return true
	}

	for row := uint32(0); row < sf.layout.RowsPerShard; row++ {
		if _, ok := sf.findEmptySlot(row); !ok {
			return true
		}
	}

	return false
}

// CanSplit reports whether this range is wide enough to bisect.
func (sf *ShardFile) CanSplit() bool {
	return sf.hi-sf.lo > 1
}

// Iterate scans every live slot row-major, decoding and yielding each entry.
// It is a weak scan: concurrent mutations to rows not yet visited may or may
// not be observed. visit returning false stops iteration early.
func (sf *ShardFile) Iterate(visit func(key, value []byte) bool) error {
	sf.fileMu.RLock()
	defer sf.fileMu.RUnlock()

	for row := uint32(0); row < sf.layout.RowsPerShard; row++ {
		sf.rowMu[row].RLock()
		slots := sf.rowSlotBytes(row)

		type kv struct{ k, v []byte }
		var batch []kv

		for i := uint32(0); i < sf.layout.SlotsPerRow; i++ {
			off := i * wire.SlotSize
			sig, ptrOff, ptrLen := wire.DecodeSlot(slots[off : off+wire.SlotSize])
			if sig == 0 {
				continue
			}

			entry, err := sf.readDataAt(ptrOff, ptrLen)
			if err != nil {
				continue
			}

			k, v, err := wire.DecodeEntry(entry)
			if err != nil {
				continue
			}

			batch = append(batch, kv{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		sf.rowMu[row].RUnlock()

		for _, e := range batch {
			if !visit(e.k, e.v) {
				return nil
			}
		}
	}

	return nil
}


