// Package kv is the public API of the sharded on-disk key-value store: an
// embedded, persistent store with O(1) expected get/insert/remove, crash
// safety without a write-ahead log, and a split protocol that keeps any
// single shard file bounded in size.
package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shardkv/shardkv/internal/directory"
	"github.com/shardkv/shardkv/internal/hashing"
	"github.com/shardkv/shardkv/internal/shardfile"
	"github.com/shardkv/shardkv/internal/wire"
)

// rootShardSelectorWidth is the number of distinct shard selectors, per
// spec.md: the 16-bit shard field ranges over [0, 65536).
const rootShardSelectorWidth = 1 << 16

// Store is an open, embedded key-value store rooted at one directory.
type Store struct {
	dir  string
	opts Options

	directory *directory.Directory
	hasher    hashing.Hasher
	layout    wire.Layout

	logger  *zap.Logger
	metrics shardfile.Metrics

	// splitMu serializes split-triggering store-wide. Splits are rare
	// relative to ordinary operations, and serializing them avoids the
	// duplicate-child-file race that would otherwise occur if two
	// goroutines both decided to split the same shard file at once.
	splitMu sync.Mutex

	closed atomic.Bool
}

// Open opens (creating if absent) the store rooted at directoryPath.
func Open(directoryPath string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(directoryPath, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %q: %v", ErrIO, directoryPath, err)
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := newMetricsSink(o.promRegisterer)

	meta, err := loadOrCreateMeta(filepath.Join(directoryPath, "meta"), o)
	if err != nil {
		return nil, err
	}

	layout := wire.NewLayout(o.RowsPerShard, o.SlotsPerRow)

	shardCfg := shardfile.Config{
		MaxShardFileSize:         o.MaxShardFileSize,
		CompactionDeadBytesRatio: o.CompactionDeadBytesRatio,
		Logger:                   logger,
		Metrics:                  metrics,
	}

	dir := directory.New()

	if err := loadShardFiles(directoryPath, shardCfg, dir); err != nil {
		return nil, err
	}

	if dir.Len() == 0 {
		rootPath := shardFilePath(directoryPath, 0, rootShardSelectorWidth)

		root, err := shardfile.Create(rootPath, 0, rootShardSelectorWidth, layout, meta.seed, shardCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: create root shard: %v", ErrIO, err)
		}

		dir.Install(root)
	}

	s := &Store{
		dir:       directoryPath,
		opts:      o,
		directory: dir,
		hasher:    hashing.New(meta.seed),
		layout:    layout,
		logger:    logger,
		metrics:   metrics,
	}

	return s, nil
}

func shardFilePath(dir string, lo, hi uint32) string {
	return filepath.Join(dir, fmt.Sprintf("shard-%05x-%05x", lo, hi))
}

func parseShardFileName(name string) (lo, hi uint32, ok bool) {
	var loVal, hiVal uint32
	n, err := fmt.Sscanf(name, "shard-%05x-%05x", &loVal, &hiVal)
	if err != nil || n != 2 {
		return 0, 0, false
	}

	return loVal, hiVal, true
}

// loadShardFiles scans dir for shard-<lo>-<hi> files, opens each, and
// installs the non-orphaned ones into dst. A shard file is orphaned if a
// wider range that contains it is also present: that's the signature of a
// split that created its children but crashed before the parent was
// unlinked, per spec.md §7's local-recovery coverage.
func loadShardFiles(dir string, cfg shardfile.Config, dst *directory.Directory) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: read dir %q: %v", ErrIO, dir, err)
	}

	type candidate struct {
		lo, hi uint32
		path   string
	}

	var candidates []candidate

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		lo, hi, ok := parseShardFileName(e.Name())
		if !ok {
			continue
		}

		candidates = append(candidates, candidate{lo: lo, hi: hi, path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lo != candidates[j].lo {
			return candidates[i].lo < candidates[j].lo
		}

		return candidates[i].hi-candidates[i].lo > candidates[j].hi-candidates[j].lo // widest first
	})

	var accepted []candidate

	for _, c := range candidates {
		orphan := false

		for _, a := range accepted {
			if c.lo >= a.lo && c.hi <= a.hi && !(c.lo == a.lo && c.hi == a.hi) {
				orphan = true

				break
			}
		}

		if orphan {
			cfg.Logger.Warn("removing orphaned split child left by an interrupted split",
				zap.String("path", c.path))
			os.Remove(c.path)

			continue
		}

		accepted = append(accepted, c)
	}

	for _, c := range accepted {
		f, err := shardfile.Open(c.path, cfg)
		if err != nil {
			return fmt.Errorf("%w: open shard file %q: %v", ErrCorrupt, c.path, err)
		}

		dst.Install(f)
	}

	return nil
}

// Close closes every shard file without flushing. Call Flush first for
// durability.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error

	for _, f := range s.directory.All() {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Flush forces every open shard file's header and data region to disk.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}

	for _, f := range s.directory.All() {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	return nil
}

func (s *Store) checkKeyValueSize(key, value []byte) error {
	if uint32(len(key)) > s.opts.MaxKeySize {
		return fmt.Errorf("%w: key exceeds max_key_size", ErrCapacityExceeded)
	}

	if value != nil && uint32(len(value)) > s.opts.MaxValueSize {
		return fmt.Errorf("%w: value exceeds max_value_size", ErrCapacityExceeded)
	}

	return nil
}

// withShard runs op against the shard file owning key's fingerprint,
// transparently splitting and retrying on ErrRowFull/ErrFileTooLarge. op
// must not retain the fingerprint or ShardFile beyond its own call.
func (s *Store) withShard(key []byte, op func(f *shardfile.ShardFile, fp hashing.Fingerprint) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	fp := s.hasher.Hash(key)

	for {
		f, err := s.directory.Lookup(fp.Shard)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		if f.NeedsSplit() && f.CanSplit() {
			if splitErr := s.splitAndPublish(f); splitErr != nil {
				return splitErr
			}

			continue
		}

		err = op(f, fp)
		if err == nil {
			return nil
		}

		if errors.Is(err, shardfile.ErrRowFull) || errors.Is(err, shardfile.ErrFileTooLarge) {
			if splitErr := s.splitAndPublish(f); splitErr != nil {
				return splitErr
			}

			continue
		}

		return err
	}
}

func (s *Store) splitAndPublish(parent *shardfile.ShardFile) error {
	s.splitMu.Lock()
	defer s.splitMu.Unlock()

	lo, hi := parent.Range()
	if !s.directory.Has(lo, hi) {
		// Someone else already split this shard; the caller's retry loop
		// will find the new children on its next directory lookup.
		return nil
	}

	if !parent.CanSplit() {
		return ErrCapacityExceeded
	}

	low, high, err := parent.Split(func(lo, hi uint32) string { return shardFilePath(s.dir, lo, hi) })
	if err != nil {
		if errors.Is(err, shardfile.ErrCapacityFloor) {
			return ErrCapacityExceeded
		}

		return fmt.Errorf("%w: split %q: %v", ErrIO, parent.Path(), err)
	}

	if err := s.directory.ReplaceWithSplit(parent, low, high); err != nil {
		low.Close()
		high.Close()
		os.Remove(low.Path())
		os.Remove(high.Path())

		return fmt.Errorf("%w: publish split: %v", ErrIO, err)
	}

	parentPath := parent.Path()

	if err := parent.Close(); err != nil {
		s.logger.Warn("close split parent", zap.String("path", parentPath), zap.Error(err))
	}

	if err := os.Remove(parentPath); err != nil {
		s.logger.Warn("unlink split parent", zap.String("path", parentPath), zap.Error(err))
	}

	return nil
}

// Get returns the value stored for key.
func (s *Store) Get(key []byte) ([]byte, error) {
	if err := s.checkKeyValueSize(key, nil); err != nil {
		return nil, err
	}

	var value []byte

	err := s.withShard(key, func(f *shardfile.ShardFile, fp hashing.Fingerprint) error {
		v, found, err := f.Get(fp, key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}

		if !found {
			return ErrNotFound
		}

		value = v

		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Insert upserts key/value, returning the previous value if any.
func (s *Store) Insert(key, value []byte) (old []byte, hadOld bool, err error) {
	if err := s.checkKeyValueSize(key, value); err != nil {
		return nil, false, err
	}

	err = s.withShard(key, func(f *shardfile.ShardFile, fp hashing.Fingerprint) error {
		o, had, ierr := f.Insert(fp, key, value)
		if ierr != nil {
			return ierr
		}

		old, hadOld = o, had

		return nil
	})

	return old, hadOld, translateIOErr(err)
}

// Replace updates key's value only if it already exists. hadOld is false and
// err is nil if the key was absent (no-op), matching spec.md §4.1's
// "conditional on prior presence" semantics.
func (s *Store) Replace(key, value []byte) (old []byte, hadOld bool, err error) {
	if err := s.checkKeyValueSize(key, value); err != nil {
		return nil, false, err
	}

	err = s.withShard(key, func(f *shardfile.ShardFile, fp hashing.Fingerprint) error {
		o, had, rerr := f.Replace(fp, key, value)
		if rerr != nil {
			return rerr
		}

		old, hadOld = o, had

		return nil
	})

	return old, hadOld, translateIOErr(err)
}

// CompareAndSet sets key to newValue only if its current value equals
// expected. expected == nil means "key must currently be absent" (a
// CAS-based insert-if-absent).
func (s *Store) CompareAndSet(key, expected, newValue []byte) (bool, error) {
	if err := s.checkKeyValueSize(key, newValue); err != nil {
		return false, err
	}

	var ok bool

	err := s.withShard(key, func(f *shardfile.ShardFile, fp hashing.Fingerprint) error {
		casOK, cerr := f.CompareAndSet(fp, key, expected, newValue)
		if cerr != nil {
			return cerr
		}

		ok = casOK

		return nil
	})

	return ok, translateIOErr(err)
}

// Remove deletes key, returning its previous value if present.
func (s *Store) Remove(key []byte) (old []byte, hadOld bool, err error) {
	if err := s.checkKeyValueSize(key, nil); err != nil {
		return nil, false, err
	}

	err = s.withShard(key, func(f *shardfile.ShardFile, fp hashing.Fingerprint) error {
		o, had, rerr := f.Remove(fp, key)
		if rerr != nil {
			return rerr
		}

		old, hadOld = o, had

		return nil
	})

	return old, hadOld, translateIOErr(err)
}

// Iter calls visit for every (key, value) pair across every shard file, in
// directory order. Iteration is a weak scan: see spec.md §4.1 and §5.
func (s *Store) Iter(visit func(key, value []byte) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}

	for _, f := range s.directory.All() {
		stop := false

		err := f.Iterate(func(k, v []byte) bool {
			if !visit(k, v) {
				stop = true

				return false
			}

			return true
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}

		if stop {
			return nil
		}
	}

	return nil
}

// MaybeCompact runs compaction on every shard file whose dead-bytes ratio
// exceeds CompactionDeadBytesRatio. Spec.md describes compaction as
// triggered by that threshold, not scheduled in the background (no-goals:
// "no background compaction scheduler across shards"); callers decide when
// to invoke this, e.g. periodically or after a burst of removes.
func (s *Store) MaybeCompact() error {
	if s.closed.Load() {
		return ErrClosed
	}

	for _, f := range s.directory.All() {
		ratio := f.DeadBytesRatio()

		lo, _ := f.Range()
		s.metrics.SetDeadBytesRatio(lo, ratio)

		if ratio < s.opts.CompactionDeadBytesRatio {
			continue
		}

		if err := f.Compact(); err != nil {
			return fmt.Errorf("%w: compact %q: %v", ErrIO, f.Path(), err)
		}
	}

	return nil
}

func translateIOErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrClosed) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrIO) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrIO, err)
}
