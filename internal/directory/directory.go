// Package directory implements the in-memory ordered map from shard range to
// open ShardFile, the structure the router consults to find which file owns
// a given shard selector.
package directory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shardkv/shardkv/internal/shardfile"
)

// entry pairs a shard's range with its open file. Ranges are half-open
// [Lo, Hi) and partition [0, 65536) with no gaps or overlaps.
type entry struct {
	lo, hi uint32
	file   *shardfile.ShardFile
}

// Directory is an ordered map keyed by shard-range low bound. Lookups are
// O(log N) via binary search over a sorted slice; mutation (install at open,
// split publish) takes the directory lock only for the duration of the slice
// update, never across I/O. Compaction does not change the directory.
type Directory struct {
	mu      sync.RWMutex
	entries []entry // sorted by lo, ascending
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{}
}

// Install adds an open shard file under its own range. Store open calls it
// for every shard file it loads, or once for a freshly created root shard
// covering [0, 65536). It is also used by tests to seed a directory
// directly. It does not check the new range against those already installed.
func (d *Directory) Install(f *shardfile.ShardFile) {
	lo, hi := f.Range()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = append(d.entries, entry{lo: lo, hi: hi, file: f})
	d.sortLocked()
}

// Lookup returns the ShardFile owning shard selector s. Callers obtain a
// stable reference without holding the directory lock beyond the lookup.
func (d *Directory) Lookup(s uint16) (*shardfile.ShardFile, error) {
	sel := uint32(s)

	d.mu.RLock()
	defer d.mu.RUnlock()

	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].hi > sel })
	if i < len(d.entries) && d.entries[i].lo <= sel && sel < d.entries[i].hi {
		return d.entries[i].file, nil
	}

	return nil, fmt.Errorf("directory: no shard file owns selector %d", s)
}

// ReplaceWithSplit atomically swaps the parent range for its two children.
// The caller must have already created and flushed both children; this only
// updates the directory's bookkeeping. It does not close or unlink parent;
// callers do that after the swap (parent is no longer reachable from new
// lookups the instant this returns, so closing it is then safe).
func (d *Directory) ReplaceWithSplit(parent *shardfile.ShardFile, low, high *shardfile.ShardFile) error {
	parentLo, parentHi := parent.Range()

	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, e := range d.entries {
		if e.lo == parentLo && e.hi == parentHi {
			idx = i

			break
		}
	}

	if idx == -1 {
		return fmt.Errorf("directory: split parent [%d,%d) not present", parentLo, parentHi)
	}

	lowLo, lowHi := low.Range()
	highLo, highHi := high.Range()

	next := make([]entry, 0, len(d.entries)+1)
	next = append(next, d.entries[:idx]...)
	next = append(next, entry{lo: lowLo, hi: lowHi, file: low}, entry{lo: highLo, hi: highHi, file: high})
	next = append(next, d.entries[idx+1:]...)

	d.entries = next

	return nil
}

// All returns every ShardFile currently installed, in range order. Used by
// Iter, Flush, and Close.
func (d *Directory) All() []*shardfile.ShardFile {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*shardfile.ShardFile, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.file
	}

	return out
}

// Has reports whether a shard file with exactly range [lo, hi) is currently
// installed. Used to detect a split that already happened underneath a
// caller that was racing to perform it.
func (d *Directory) Has(lo, hi uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, e := range d.entries {
		if e.lo == lo && e.hi == hi {
			return true
		}
	}

	return false
}

// Len returns the number of live shard files.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.entries)
}

func (d *Directory) sortLocked() {
	sort.Slice(d.entries, func(i, j int) bool { return d.entries[i].lo < d.entries[j].lo })
}
