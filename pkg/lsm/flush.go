package lsm

import "log"

// flushItem is one unit of work handed to the flush worker: a frozen
// memtable snapshot plus the WAL checkpoint captured at enqueue time (spec
// §4.5).
type flushItem struct {
	cf         *ColumnFamily
	snapshot   *Memtable
	checkpoint int64
}

// maybeEnqueueFlush snapshots cf's memtable and hands it to the flush
// worker if it has crossed flush_threshold. An empty memtable is never
// snapshotted (spec §8: "empty memtable flush is a no-op").
func (db *DB) maybeEnqueueFlush(cf *ColumnFamily) {
	cf.FlushLock.RLock()
	belowThreshold := cf.Memtable.TotalSize() < int64(cf.Config.FlushThreshold)
	cf.FlushLock.RUnlock()
	if belowThreshold {
		return
	}
	// Write side of FlushLock: excludes every reader (Put, Delete,
	// TxnCommit, TxnRollback, Get, a cursor's memtable tier) for the
	// duration of the snapshot-then-swap below, so none of them can be
	// holding a reference to the memtable this is about to replace.
	cf.FlushLock.Lock()
	defer cf.FlushLock.Unlock()

	if cf.Memtable.Len() == 0 {
		return
	}
	snapshot := cf.Memtable.Snapshot()
	checkpoint := db.wal.Checkpoint()
	cf.Memtable = NewMemtable()

	select {
	case db.flushQueue <- flushItem{cf: cf, snapshot: snapshot, checkpoint: checkpoint}:
	case <-db.stopFlush:
		// Shutting down; drop the snapshot rather than block forever. The
		// data is still safe: the WAL was not truncated, so it replays on
		// next open.
	}
}

// flushWorker drains db.flushQueue until it is closed, turning each snapshot
// into a durable SSTable and only then truncating the WAL (spec §4.5). This
// replaces the spec's condvar+slice design with the channel-based redesign
// SPEC_FULL.md/§9 calls for, while preserving the same "enqueue under lock,
// single worker drains" shape.
func (db *DB) flushWorker() {
	defer db.flushWG.Done()
	for item := range db.flushQueue {
		if err := db.flushOne(item); err != nil {
			log.Println("tidesdb: flush failed, WAL left un-truncated for retry:", err)
		}
	}
}

func (db *DB) flushOne(item flushItem) *Error {
	cf := item.cf
	id := cf.idGen.Next()
	writer, err := newSSTableWriter(cf.DirPath, id, cf.Config.Compressed)
	if err != nil {
		return err
	}

	bf := NewBloomFilter(BloomFilterSize, float64(cf.Config.Probability))
	cursor := item.snapshot.NewCursor()
	for cursor.Next() {
		// Every entry gets a physical page below (tombstones and expired
		// entries included), so the bloom filter must cover all of them too
		// - otherwise GetRaw's bloom gate hides a tombstone that's actually
		// on disk and the read path falls through to a stale older table.
		bf.Add(cursor.KV().Key)
	}
	cursor.Free()
	if werr := writer.WriteBloomHeader(bf); werr != nil {
		writer.Abort()
		return werr
	}

	cursor = item.snapshot.NewCursor()
	for cursor.Next() {
		kv := cursor.KV()
		if werr := writer.WriteKV(kv); werr != nil {
			writer.Abort()
			cursor.Free()
			return werr
		}
	}
	cursor.Free()

	sst, ferr := writer.Finish(cf.DirPath)
	if ferr != nil {
		return ferr
	}

	cf.SSTablesLock.Lock()
	cf.SSTables = append(cf.SSTables, sst)
	cf.SSTablesLock.Unlock()

	item.snapshot.Destroy()
	return db.wal.Truncate(item.checkpoint)
}
