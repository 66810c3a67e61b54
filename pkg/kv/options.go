package kv

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shardkv/shardkv/internal/wire"
)

const (
	defaultRowsPerShard             = 64
	defaultSlotsPerRow              = 512
	defaultMaxShardFileSize         = 64 << 20 // 64 MiB
	defaultCompactionDeadBytesRatio = 0.5
	defaultMaxKeySize               = 64 << 10       // 64 KiB
	defaultMaxValueSize             = 16<<20 - 1<<17 // leaves room for a max-size key under the 24-bit slot length ceiling
)

// Options configures a Store. Use the With* functions to build it; the zero
// value plus defaults is a reasonable starting point for small stores.
type Options struct {
	RowsPerShard             uint32
	SlotsPerRow              uint32
	MaxShardFileSize         uint64
	HashSeed                 uint64
	hashSeedSet              bool
	CompactionDeadBytesRatio float64
	MaxKeySize               uint32
	MaxValueSize             uint32

	logger          *zap.Logger
	promRegisterer  prometheus.Registerer
}

// Option configures a Store at Open time.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		RowsPerShard:             defaultRowsPerShard,
		SlotsPerRow:              defaultSlotsPerRow,
		MaxShardFileSize:         defaultMaxShardFileSize,
		CompactionDeadBytesRatio: defaultCompactionDeadBytesRatio,
		MaxKeySize:               defaultMaxKeySize,
		MaxValueSize:             defaultMaxValueSize,
	}
}

// WithRowsPerShard overrides the number of rows in each shard's header (default 64).
func WithRowsPerShard(n uint32) Option {
	return func(o *Options) { o.RowsPerShard = n }
}

// WithSlotsPerRow overrides the number of slots in each row (default 512).
func WithSlotsPerRow(n uint32) Option {
	return func(o *Options) { o.SlotsPerRow = n }
}

// WithMaxShardFileSize overrides the split-trigger file size (default 64 MiB).
func WithMaxShardFileSize(n uint64) Option {
	return func(o *Options) { o.MaxShardFileSize = n }
}

// WithHashSeed fixes the store's keyed-hash seed instead of generating one
// at first open. Mostly useful for tests that want deterministic routing.
func WithHashSeed(seed uint64) Option {
	return func(o *Options) {
		o.HashSeed = seed
		o.hashSeedSet = true
	}
}

// WithCompactionDeadBytesRatio overrides the dead-bytes-to-write-offset ratio
// that triggers compaction (default 0.5).
func WithCompactionDeadBytesRatio(ratio float64) Option {
	return func(o *Options) { o.CompactionDeadBytesRatio = ratio }
}

// WithMaxKeySize overrides the maximum accepted key size (default 64 KiB).
func WithMaxKeySize(n uint32) Option {
	return func(o *Options) { o.MaxKeySize = n }
}

// WithMaxValueSize overrides the maximum accepted value size (default 16 MiB
// minus 128 KiB, so that a maximum-size key, the value and the entry prefix
// together still fit a slot's 24-bit length field).
func WithMaxValueSize(n uint32) Option {
	return func(o *Options) { o.MaxValueSize = n }
}

// WithLogger sets the structured logger the store and its shard files log
// through. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.logger = l }
}

// WithMetrics registers the store's Prometheus collectors against reg. The
// default is a no-op metrics sink; passing nil is equivalent to not calling
// WithMetrics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) { o.promRegisterer = reg }
}

func (o Options) validate() error {
	if o.RowsPerShard == 0 {
		return fmt.Errorf("%w: rows_per_shard must be > 0", ErrConfig)
	}

	if o.SlotsPerRow == 0 {
		return fmt.Errorf("%w: slots_per_row must be > 0", ErrConfig)
	}

	if o.CompactionDeadBytesRatio <= 0 || o.CompactionDeadBytesRatio > 1 {
		return fmt.Errorf("%w: compaction_dead_bytes_ratio must be in (0,1]", ErrConfig)
	}

	if uint64(o.MaxKeySize)+uint64(o.MaxValueSize)+wire.EntryPrefixSize > wire.MaxEntryLength {
		return fmt.Errorf("%w: max_key_size + max_value_size exceeds the slot pointer's addressable entry length", ErrConfig)
	}

	return nil
}
