package lsm

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"
)

// memEntryOverhead approximates per-entry bookkeeping overhead (skiplist
// node pointers, interface boxing) so TotalSize tracks real
// memory pressure closely enough to trigger a flush near flush_threshold —
// carried over from the teacher's memtable.go constant of the same name.
const memEntryOverhead = 32

// Memtable is the ordered, byte-lexicographic in-memory map absorbing
// writes until a column family's flush_threshold is crossed (spec §4.3).
// Unlike the teacher's MVCC-oriented memtable (userKey+seq composite
// ordering, one skiplist node per version), the spec carries no snapshot
// isolation (Non-goals: no MVCC), so this generalizes the teacher's
// comparator down to userKey alone: a Put overwrites the existing node for
// that key in place.
type Memtable struct {
	mu        sync.RWMutex
	list      *skiplist.SkipList
	totalSize int64
}

func compareKeys(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

// NewMemtable returns an empty memtable.
func NewMemtable() *Memtable {
	return &Memtable{list: skiplist.New(skiplist.GreaterThanFunc(compareKeys))}
}

// Put inserts or overwrites kv. A delete is represented by the caller
// passing a tombstone-valued KV (spec §4.3: "the public delete API inserts
// a tombstone").
func (m *Memtable) Put(kv KV) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.list.Get(kv.Key)
	if old != nil {
		oldKV := old.Value.(KV)
		m.totalSize -= int64(len(oldKV.Key)) + int64(len(oldKV.Value)) + memEntryOverhead
	}
	m.list.Set(append([]byte(nil), kv.Key...), KV{
		Key:   append([]byte(nil), kv.Key...),
		Value: append([]byte(nil), kv.Value...),
		TTL:   kv.TTL,
	})
	m.totalSize += int64(len(kv.Key)) + int64(len(kv.Value)) + memEntryOverhead
}

// Delete inserts a tombstone for key (spec §4.3).
func (m *Memtable) Delete(key []byte) {
	m.Put(tombstoneKV(key))
}

// Get returns the KV stored for key, if any (including tombstones — callers
// decide visibility, matching the spec's separation of storage from
// tombstone/expiry interpretation).
func (m *Memtable) Get(key []byte) (KV, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.list.Get(key)
	if e == nil {
		return KV{}, false
	}
	return e.Value.(KV), true
}

// TotalSize returns the sum of key+value bytes across all entries plus
// per-entry overhead (spec §4.3).
func (m *Memtable) TotalSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSize
}

// Len returns the number of entries (including tombstones).
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

// Clear empties the memtable in place.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Init()
	m.totalSize = 0
}

// Destroy releases the memtable's backing storage. Kept for symmetry with
// the spec's explicit destroy() contract on a GC'd runtime.
func (m *Memtable) Destroy() { m.Clear() }

// Snapshot returns a deep copy of the memtable, used by the flush pipeline
// to freeze a point-in-time view while writers continue against a fresh
// memtable (spec §4.5).
func (m *Memtable) Snapshot() *Memtable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := NewMemtable()
	for e := m.list.Front(); e != nil; e = e.Next() {
		kv := e.Value.(KV)
		out.Put(kv)
	}
	return out
}

// MemtableCursor walks a memtable forward or backward in key order. It
// holds the memtable's read lock for its entire lifetime; callers must call
// Free to release it.
type MemtableCursor struct {
	mu   *sync.RWMutex
	list *skiplist.SkipList
	el   *skiplist.Element
	// started distinguishes "before first" from "positioned nowhere yet
	// because empty" so First()/Next() on an empty memtable behave.
	started bool
}

// NewCursor returns a cursor positioned before the first entry, holding the
// memtable's read lock until Free is called.
func (m *Memtable) NewCursor() *MemtableCursor {
	m.mu.RLock()
	return &MemtableCursor{mu: &m.mu, list: m.list}
}

// First positions the cursor at the smallest key.
func (c *MemtableCursor) First() {
	c.el = c.list.Front()
	c.started = true
}

// Last positions the cursor at the largest key.
func (c *MemtableCursor) Last() {
	c.el = c.list.Back()
	c.started = true
}

// Next advances the cursor; returns false once past the end.
func (c *MemtableCursor) Next() bool {
	if !c.started {
		c.First()
		return c.el != nil
	}
	if c.el == nil {
		return false
	}
	c.el = c.el.Next()
	return c.el != nil
}

// Prev retreats the cursor; returns false once before the start.
func (c *MemtableCursor) Prev() bool {
	if !c.started {
		c.Last()
		return c.el != nil
	}
	if c.el == nil {
		return false
	}
	c.el = c.el.Prev()
	return c.el != nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *MemtableCursor) Valid() bool { return c.el != nil }

// KV returns the entry at the cursor's current position.
func (c *MemtableCursor) KV() KV {
	return c.el.Value.(KV)
}

// Free releases the cursor's hold on the memtable's read lock.
func (c *MemtableCursor) Free() {
	if c.mu != nil {
		c.mu.RUnlock()
		c.mu = nil
	}
}
