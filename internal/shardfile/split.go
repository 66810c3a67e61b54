package shardfile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shardkv/shardkv/internal/hashing"
	"github.com/shardkv/shardkv/internal/wire"
)

// Split bisects sf into two shard files covering [lo, mid) and [mid, hi),
// writes them to childPath(lo, mid) and childPath(mid, hi), and returns them.
// It does not touch the directory or unlink sf; the caller (the router, which
// owns the directory lock) is responsible for publishing the children and
// removing sf.
//
// Split takes sf's exclusive file lock for its entire duration: row locks
// wait. The live-entry walk takes each row's read lock only while reading
// that row; the re-inserts go to the new children, which no other caller can
// reach yet.
func (sf *ShardFile) Split(childPath func(lo, hi uint32) string) (lowChild, highChild *ShardFile, err error) {
	if !sf.CanSplit() {
		return nil, nil, ErrCapacityFloor
	}

	sf.fileMu.Lock()
	defer sf.fileMu.Unlock()

	mid := sf.lo + (sf.hi-sf.lo)/2

	entries, err := sf.liveEntriesLocked()
	if err != nil {
		return nil, nil, fmt.Errorf("shardfile: split read %q: %w", sf.path, err)
	}

	lowPath := childPath(sf.lo, mid)
	highPath := childPath(mid, sf.hi)

	low, err := Create(lowPath, sf.lo, mid, sf.layout, sf.seed, sf.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("shardfile: split create %q: %w", lowPath, err)
	}

	high, err := Create(highPath, mid, sf.hi, sf.layout, sf.seed, sf.cfg)
	if err != nil {
		low.Close()
		diskFS.Remove(lowPath)

		return nil, nil, fmt.Errorf("shardfile: split create %q: %w", highPath, err)
	}

	hasher := sf.Hasher()

	for _, kv := range entries {
		key, value := kv[0], kv[1]
		fp := hasher.Hash(key)

		dest := low
		if uint32(fp.Shard) >= mid {
			dest = high
		}

		if err := insertDuringSplit(dest, childPath, fp, key, value); err != nil {
			low.Close()
			high.Close()
			diskFS.Remove(lowPath)
			diskFS.Remove(highPath)

			return nil, nil, fmt.Errorf("shardfile: split re-insert: %w", err)
		}
	}

	if err := low.Flush(); err != nil {
		low.Close()
		high.Close()
		diskFS.Remove(lowPath)
		diskFS.Remove(highPath)

		return nil, nil, err
	}

	if err := high.Flush(); err != nil {
		low.Close()
		high.Close()
		diskFS.Remove(lowPath)
		diskFS.Remove(highPath)

		return nil, nil, err
	}

	sf.cfg.Metrics.IncSplit()
	sf.cfg.Logger.Info("shard split",
		zap.String("parent", sf.path),
		zap.Uint32("lo", sf.lo), zap.Uint32("mid", mid), zap.Uint32("hi", sf.hi),
		zap.Int("entries", len(entries)))

	return low, high, nil
}

// insertDuringSplit inserts into dest, recursing into a further split if
// dest itself saturates (a pathologically skewed distribution). The capacity
// floor (range width 1) surfaces as ErrCapacityFloor, which the caller turns
// into CapacityExceeded for the offending key.
func insertDuringSplit(dest *ShardFile, childPath func(lo, hi uint32) string, fp hashing.Fingerprint, key, value []byte) error {
	_, _, err := dest.Insert(fp, key, value)
	if err == nil {
		return nil
	}

	if err != ErrRowFull && err != ErrFileTooLarge {
		return err
	}

	if !dest.CanSplit() {
		return ErrCapacityFloor
	}

	low, high, splitErr := dest.Split(childPath)
	if splitErr != nil {
		return splitErr
	}

	hasher := dest.Hasher()
	newFP := hasher.Hash(key)

	target := low
	if uint32(newFP.Shard) >= high.lo {
		target = high
	}

	return insertDuringSplit(target, childPath, newFP, key, value)
}

// liveEntriesLocked returns a copy of every live entry's key and value. It
// does not take fileMu; callers must already hold it (read or write).
func (sf *ShardFile) liveEntriesLocked() ([][2][]byte, error) {
	var out [][2][]byte

	for row := uint32(0); row < sf.layout.RowsPerShard; row++ {
		sf.rowMu[row].RLock()
		slots := sf.rowSlotBytes(row)

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

			out = append(out, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
		}
		sf.rowMu[row].RUnlock()
	}

	return out, nil
}
