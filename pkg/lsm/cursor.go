package lsm

import "time"

// tierMemtable and tierBeforeStart are sentinel values for Cursor.tierIdx;
// every other value in [0, len(tables)) addresses an sstable tier, and
// len(tables) itself is the past-the-end sentinel.
const (
	tierBeforeStart = -2
	tierMemtable    = -1
)

// Cursor walks a column family tier by tier rather than a single merged
// keyspace: the memtable to exhaustion first, then every SSTable
// newest-to-oldest, each walked to exhaustion in turn before the next tier
// is opened (spec §4.8's cursor state is "memtable_cursor, sstable_index,
// sstable_cursor", not a cross-tier merge). A key can therefore surface
// more than once across a full traversal — once per tier that still holds a
// record for it — mirroring original_source/src/tidesdb.c's
// tidesdb_cursor_init, which keeps the memtable and per-table cursors
// entirely separate and never dedupes across them.
type Cursor struct {
	cf     *ColumnFamily
	tables []*SSTable // newest to oldest, snapshotted at cursor creation
	now    int64

	started   bool
	tierIdx   int
	memCursor *MemtableCursor
	sstCursor *PageCursor
	current   KV
}

// newCursorFor snapshots cf's SSTable list (newest to oldest) under its read
// lock, taking its own reference on each table (SSTable.addRef) so a
// concurrent compaction can't close one out from under a cursor still
// traversing it - compaction takes SSTablesLock's write side for its whole
// run, so it can never observe a table these references don't already
// cover. The memtable tier is read live through its own cursor, which holds
// the memtable's lock only while active.
func newCursorFor(cf *ColumnFamily) *Cursor {
	cf.SSTablesLock.RLock()
	tables := make([]*SSTable, len(cf.SSTables))
	for i, sst := range cf.SSTables { // cf.SSTables is oldest to newest
		sst.addRef()
		tables[len(cf.SSTables)-1-i] = sst
	}
	cf.SSTablesLock.RUnlock()

	return &Cursor{cf: cf, tables: tables, now: time.Now().Unix(), tierIdx: tierBeforeStart}
}

// Next advances the cursor to the next entry in tier order and reports
// whether a new position is valid.
func (c *Cursor) Next() bool {
	if !c.started {
		c.started = true
		c.tierIdx = tierMemtable
		c.memCursor = c.cf.newMemtableCursor()
	}
	for {
		switch {
		case c.tierIdx == tierBeforeStart:
			c.tierIdx = tierMemtable
			c.memCursor = c.cf.newMemtableCursor()
		case c.tierIdx == tierMemtable:
			if c.memCursor.Next() {
				c.current = c.memCursor.KV()
				return true
			}
			c.memCursor.Free()
			c.memCursor = nil
			c.tierIdx = 0
		case c.tierIdx >= len(c.tables):
			return false
		default:
			if c.sstCursor == nil {
				c.sstCursor = c.tables[c.tierIdx].pager.NewCursor(1)
			}
			payload, _, ok, err := c.sstCursor.Next()
			if err != nil {
				return false
			}
			if ok {
				kv, derr := deserializeKV(payload, c.tables[c.tierIdx].compress)
				if derr != nil {
					return false
				}
				c.current = kv
				return true
			}
			c.sstCursor = nil
			c.tierIdx++
		}
	}
}

// Prev retreats the cursor to the previous entry in tier order (the oldest
// SSTable first, then progressively newer tables, then the memtable) and
// reports whether a new position is valid. A cursor that has never moved
// jumps to the last entry of the last tier, matching MemtableCursor and
// PageCursor's own fresh-cursor convention.
func (c *Cursor) Prev() bool {
	if !c.started {
		c.started = true
		c.tierIdx = len(c.tables)
	}
	for {
		switch {
		case c.tierIdx == tierBeforeStart:
			return false
		case c.tierIdx == tierMemtable:
			if c.memCursor.Prev() {
				c.current = c.memCursor.KV()
				return true
			}
			c.memCursor.Free()
			c.memCursor = nil
			c.tierIdx = tierBeforeStart
		case c.tierIdx >= len(c.tables):
			if len(c.tables) == 0 {
				c.tierIdx = tierMemtable
				c.memCursor = c.cf.newMemtableCursor()
			} else {
				c.tierIdx = len(c.tables) - 1
				c.sstCursor = nil
			}
		default:
			if c.sstCursor == nil {
				c.sstCursor = c.tables[c.tierIdx].pager.NewCursor(1)
			}
			payload, _, ok, err := c.sstCursor.Prev()
			if err != nil {
				return false
			}
			if ok {
				kv, derr := deserializeKV(payload, c.tables[c.tierIdx].compress)
				if derr != nil {
					return false
				}
				c.current = kv
				return true
			}
			c.sstCursor = nil
			c.tierIdx--
			if c.tierIdx == tierMemtable {
				c.memCursor = c.cf.newMemtableCursor()
			}
		}
	}
}

// Get classifies the entry at the cursor's current position: a live value,
// a tombstoned key, or an expired key (spec §4.8/§7). Called before the
// first Next/Prev or after one returns false, Get reports
// KindAtStartOfCursor/KindAtEndOfCursor.
func (c *Cursor) Get() (KV, *Error) {
	if !c.started || c.tierIdx == tierBeforeStart {
		return KV{}, newErr(KindAtStartOfCursor, "cursor is before the first entry")
	}
	if c.tierIdx >= len(c.tables) {
		return KV{}, newErr(KindAtEndOfCursor, "cursor is past the last entry")
	}
	kv := c.current
	if kv.IsTombstone() {
		return kv, newErr(KindKeyTombstoned, "key is tombstoned")
	}
	if kv.IsExpired(c.now) {
		return kv, newErr(KindKeyExpired, "key has expired")
	}
	return kv, nil
}

// Free releases the cursor's hold on the memtable, if it is currently the
// active tier, and its reference on every SSTable it snapshotted at
// creation (see newCursorFor).
func (c *Cursor) Free() {
	if c.memCursor != nil {
		c.memCursor.Free()
		c.memCursor = nil
	}
	c.sstCursor = nil
	for _, t := range c.tables {
		_ = t.Free()
	}
	c.tables = nil
}
