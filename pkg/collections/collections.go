// Package collections layers an ordered, named linked-list collection on top
// of pkg/kv, using composite keys to store each entry's payload alongside a
// doubly-linked adjacency record. It is a client of the store's core
// primitives (compare_and_set-style CAS via kv.Store.CompareAndSet, and
// ordinary get/remove) rather than a storage engine of its
// own: a collection's state lives entirely inside the same shard files as
// any other key.
package collections

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/shardkv/shardkv/pkg/kv"
)

// Entry is one (key, value) pair returned by iteration, in insertion order.
type Entry struct {
	Key   string
	Value []byte
}

// Store layers collections over an open kv.Store. Create one per kv.Store;
// it is safe for concurrent use.
type Store struct {
	kv *kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a collections Store backed by kv.
func New(kvStore *kv.Store) *Store {
	return &Store{kv: kvStore, locks: make(map[string]*sync.Mutex)}
}

// lockFor serializes mutations on a single named collection. The core gives
// per-key linearizability but no cross-key transactions (spec Non-goals:
// "no cross-shard transactions"), so maintaining a multi-record linked list
// needs this in-process lock in addition to the per-record CAS calls below.
func (s *Store) lockFor(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}

	return l
}

func payloadKey(collection, key string) []byte {
	return []byte(collection + "\x00h\x00" + key)
}

func adjacencyKey(collection, key string) []byte {
	return []byte(collection + "\x00a\x00" + key)
}

func metaKey(collection string) []byte {
	return []byte(collection + "\x00m")
}

func encodePair(a, b string) []byte {
	buf := make([]byte, 0, 8+len(a)+len(b))

	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(a)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, a...)

	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, b...)

	return buf
}

func decodePair(buf []byte) (a, b string, err error) {
	if len(buf) < 4 {
		return "", "", fmt.Errorf("collections: truncated record")
	}

	aLen := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]

	if uint32(len(buf)) < aLen+4 {
		return "", "", fmt.Errorf("collections: truncated record")
	}

	a = string(buf[:aLen])
	buf = buf[aLen:]

	bLen := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]

	if uint32(len(buf)) < bLen {
		return "", "", fmt.Errorf("collections: truncated record")
	}

	b = string(buf[:bLen])

	return a, b, nil
}

// adjacency holds a node's neighbor keys. An empty string means "no
// neighbor": the node is the head (prev == "") or tail (next == "").
type adjacency struct {
	prev, next string
}

func encodeAdjacency(a adjacency) []byte        { return encodePair(a.prev, a.next) }
func decodeAdjacency(buf []byte) (adjacency, error) {
	prev, next, err := decodePair(buf)
	return adjacency{prev: prev, next: next}, err
}

// listMeta tracks a collection's first and last key.
type listMeta struct {
	head, tail string
}

func encodeMeta(m listMeta) []byte        { return encodePair(m.head, m.tail) }
func decodeMeta(buf []byte) (listMeta, error) {
	head, tail, err := decodePair(buf)
	return listMeta{head: head, tail: tail}, err
}

func (s *Store) getAdjacency(collection, key string) (adjacency, bool, error) {
	buf, err := s.kv.Get(adjacencyKey(collection, key))
	if errors.Is(err, kv.ErrNotFound) {
		return adjacency{}, false, nil
	}
	if err != nil {
		return adjacency{}, false, err
	}

	a, err := decodeAdjacency(buf)
	if err != nil {
		return adjacency{}, false, err
	}

	return a, true, nil
}

// casReplace updates an existing record only if its current bytes still
// match old, per spec.md §4.4(ii)'s "observes no interleaved mutation"
// contract. The per-collection lock already serializes every collections.Store
// caller, so in practice this never loses a race against another call on the
// same Store; it still guards against a caller that reaches the same raw key
// through the underlying kv.Store directly.
func (s *Store) casReplace(key, old, newValue []byte) error {
	ok, err := s.kv.CompareAndSet(key, old, newValue)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("collections: concurrent modification of %q", key)
	}

	return nil
}

// casInsert creates a new record, failing if one is already present.
func (s *Store) casInsert(key, value []byte) error {
	ok, err := s.kv.CompareAndSet(key, nil, value)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("collections: %q already exists", key)
	}

	return nil
}

func (s *Store) getMeta(collection string) (listMeta, bool, error) {
	buf, err := s.kv.Get(metaKey(collection))
	if errors.Is(err, kv.ErrNotFound) {
		return listMeta{}, false, nil
	}
	if err != nil {
		return listMeta{}, false, err
	}

	m, err := decodeMeta(buf)
	if err != nil {
		return listMeta{}, false, err
	}

	return m, true, nil
}

// Set inserts key into collection with value, appending it at the tail if
// it is new, or updates its value in place (links untouched) if it already
// exists.
func (s *Store) Set(collection, key string, value []byte) error {
	lock := s.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	pk := payloadKey(collection, key)

	existing, err := s.kv.Get(pk)
	switch {
	case err == nil:
		return s.casReplace(pk, existing, value)
	case !errors.Is(err, kv.ErrNotFound):
		return err
	}

	meta, hadMeta, err := s.getMeta(collection)
	if err != nil {
		return err
	}

	if hadMeta && meta.tail != "" {
		tailAdj, ok, err := s.getAdjacency(collection, meta.tail)
		if err != nil {
			return err
		}

		if ok {
			oldEncoded := encodeAdjacency(tailAdj)
			tailAdj.next = key

			if err := s.casReplace(adjacencyKey(collection, meta.tail), oldEncoded, encodeAdjacency(tailAdj)); err != nil {
				return err
			}
		}
	}

	if err := s.casInsert(pk, value); err != nil {
		return err
	}

	if err := s.casInsert(adjacencyKey(collection, key), encodeAdjacency(adjacency{prev: meta.tail, next: ""})); err != nil {
		return err
	}

	newMeta := listMeta{head: meta.head, tail: key}
	if !hadMeta || meta.head == "" {
		newMeta.head = key
	}

	if hadMeta {
		return s.casReplace(metaKey(collection), encodeMeta(meta), encodeMeta(newMeta))
	}

	return s.casInsert(metaKey(collection), encodeMeta(newMeta))
}

// Get returns the value stored for key within collection.
func (s *Store) Get(collection, key string) ([]byte, error) {
	return s.kv.Get(payloadKey(collection, key))
}

// Remove deletes key from collection, relinking its neighbors. Removing an
// absent key is a no-op.
func (s *Store) Remove(collection, key string) error {
	lock := s.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	adj, ok, err := s.getAdjacency(collection, key)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	if adj.prev != "" {
		prevAdj, ok, err := s.getAdjacency(collection, adj.prev)
		if err != nil {
			return err
		}

		if ok {
			oldEncoded := encodeAdjacency(prevAdj)
			prevAdj.next = adj.next

			if err := s.casReplace(adjacencyKey(collection, adj.prev), oldEncoded, encodeAdjacency(prevAdj)); err != nil {
				return err
			}
		}
	}

	if adj.next != "" {
		nextAdj, ok, err := s.getAdjacency(collection, adj.next)
		if err != nil {
			return err
		}

		if ok {
			oldEncoded := encodeAdjacency(nextAdj)
			nextAdj.prev = adj.prev

			if err := s.casReplace(adjacencyKey(collection, adj.next), oldEncoded, encodeAdjacency(nextAdj)); err != nil {
				return err
			}
		}
	}

	if meta, hadMeta, err := s.getMeta(collection); err != nil {
		return err
	} else if hadMeta {
		newMeta := meta
		if meta.head == key {
			newMeta.head = adj.next
		}

		if meta.tail == key {
			newMeta.tail = adj.prev
		}

		if newMeta != meta {
			if err := s.casReplace(metaKey(collection), encodeMeta(meta), encodeMeta(newMeta)); err != nil {
				return err
			}
		}
	}

	if _, _, err := s.kv.Remove(payloadKey(collection, key)); err != nil {
		return err
	}

	_, _, err = s.kv.Remove(adjacencyKey(collection, key))

	return err
}

// Iter walks collection in insertion order, calling visit for each entry.
// visit returning false stops iteration early. A link to a node whose
// adjacency record is missing (not yet landed, or already removed) is
// treated as end-of-list rather than an error; a node whose adjacency record
// is present but whose payload is missing is skipped, and the walk follows
// its next link. This matches the core's "dangling pointer decodes to
// something sane" crash-safety contract.
func (s *Store) Iter(collection string, visit func(key string, value []byte) bool) error {
	meta, hadMeta, err := s.getMeta(collection)
	if err != nil {
		return err
	}

	if !hadMeta {
		return nil
	}

	cur := meta.head

	for cur != "" {
		value, err := s.kv.Get(payloadKey(collection, cur))

		adj, ok, aerr := s.getAdjacency(collection, cur)
		if aerr != nil {
			return aerr
		}

		if !ok {
			return nil
		}

		if err == nil {
			if !visit(cur, value) {
				return nil
			}
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}

		cur = adj.next
	}

	return nil
}

// All collects Iter's results into a slice, in insertion order.
func (s *Store) All(collection string) ([]Entry, error) {
	var out []Entry

	err := s.Iter(collection, func(key string, value []byte) bool {
		out = append(out, Entry{Key: key, Value: append([]byte(nil), value...)})

		return true
	})

	return out, err
}
