package shardfile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shardkv/shardkv/internal/wire"
	"github.com/shardkv/shardkv/pkg/fs"
)

// diskFS is the filesystem housekeeping (compaction's temp-file remove and
// rename-over) goes through, rather than calling os directly. A Store never
// needs anything but the real filesystem, but routing through the FS
// interface keeps this package's disk side effects swappable for tests the
// way the rest of the pack tests filesystem-touching code.
var diskFS fs.FS = fs.NewReal()

// Compact rewrites sf in place to reclaim dead space: it copies every live
// entry to a sibling temp file, fsyncs it, renames it over sf's path, and
// remaps. Compact holds sf's exclusive file lock for its whole duration, so
// ordinary operations on sf wait until it returns; the copy does not run
// concurrently with them. The live-slot snapshot is read row by row under
// each row's read lock, and signatures are re-checked under all row locks
// before the swap; on a mismatch Compact removes the temp file and returns
// nil without swapping.
//
// On return, sf's internal state (fd, mapping, path) has been updated to
// point at the new file; callers do not need to reopen or re-publish
// anything in the directory, since the shard's range and identity in the
// directory are unchanged by compaction.
func (sf *ShardFile) Compact() error {
	sf.fileMu.Lock()
	defer sf.fileMu.Unlock()

	type liveSlot struct {
		row, slot uint32
		sig       uint32
		key, val  []byte
	}

	var snapshot []liveSlot

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

			snapshot = append(snapshot, liveSlot{
				row: row, slot: i, sig: sig,
				key: append([]byte(nil), k...),
				val: append([]byte(nil), v...),
			})
		}
		sf.rowMu[row].RUnlock()
	}

	tmpPath := sf.path + ".compact.tmp"
	diskFS.Remove(tmpPath)

	tmp, err := Create(tmpPath, sf.lo, sf.hi, sf.layout, sf.seed, sf.cfg)
	if err != nil {
		return fmt.Errorf("shardfile: compact create %q: %w", tmpPath, err)
	}

	hasher := sf.Hasher()

	for _, ls := range snapshot {
		fp := hasher.Hash(ls.key)

		if _, _, err := tmp.Insert(fp, ls.key, ls.val); err != nil {
			tmp.Close()
			diskFS.Remove(tmpPath)

			return fmt.Errorf("shardfile: compact re-insert: %w", err)
		}
	}

	if err := tmp.Flush(); err != nil {
		tmp.Close()
		diskFS.Remove(tmpPath)

		return err
	}

	// Re-check every snapshotted slot's signature under all row locks. A
	// mismatch aborts the compaction without swapping.
	for row := uint32(0); row < sf.layout.RowsPerShard; row++ {
		sf.rowMu[row].Lock()
	}

	aborted := false

	for _, ls := range snapshot {
		slots := sf.rowSlotBytes(ls.row)
		off := ls.slot * wire.SlotSize
		sig, _, _ := wire.DecodeSlot(slots[off : off+wire.SlotSize])

		if sig != ls.sig {
			aborted = true

			break
		}
	}

	for row := uint32(0); row < sf.layout.RowsPerShard; row++ {
		sf.rowMu[row].Unlock()
	}

	if aborted {
		tmp.Close()
		diskFS.Remove(tmpPath)

		sf.cfg.Logger.Warn("compaction aborted: concurrent mutation detected", zap.String("path", sf.path))

		return nil
	}

	if err := sf.Close(); err != nil {
		tmp.Close()
		diskFS.Remove(tmpPath)

		return fmt.Errorf("shardfile: compact unmap old %q: %w", sf.path, err)
	}

	if err := diskFS.Rename(tmpPath, sf.path); err != nil {
		return fmt.Errorf("shardfile: compact rename %q -> %q: %w", tmpPath, sf.path, err)
	}

	reopened, err := Open(sf.path, sf.cfg)
	if err != nil {
		return fmt.Errorf("shardfile: compact reopen %q: %w", sf.path, err)
	}

	tmp.Close()

	sf.file = reopened.file
	sf.header = reopened.header
	sf.layout = reopened.layout
	sf.writeOff.Store(reopened.writeOff.Load())
	sf.rowMu = reopened.rowMu
	sf.closed.Store(false)

	sf.cfg.Metrics.IncCompaction()
	sf.cfg.Logger.Info("shard compacted", zap.String("path", sf.path), zap.Int("live_entries", len(snapshot)))

	return nil
}
