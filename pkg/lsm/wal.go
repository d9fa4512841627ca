package lsm

import (
	"path/filepath"
	"sync"
)

// WAL is the write-ahead log manager (spec §4.1): a single append-only file
// under <db_path>/wal, built on a Pager. Appends take the read side of the
// lock (parallel encoding is serialized by the pager itself below); truncate
// takes the write side, matching spec §5's "implementations may simplify to
// a single mutex; ordering of appends must be monotonic" escape hatch — we
// use an RWMutex as the spec's primary design calls for, since it costs
// nothing extra and documents intent better than a single Mutex would.
type WAL struct {
	mu    sync.RWMutex
	pager *Pager
}

func walPath(dbPath string) string {
	return filepath.Join(dbPath, "wal")
}

// OpenWAL opens (or creates) the WAL file for a database directory.
func OpenWAL(dbPath string) (*WAL, *Error) {
	pager, err := OpenPager(walPath(dbPath))
	if err != nil {
		return nil, err
	}
	return &WAL{pager: pager}, nil
}

// Append serializes op and writes it as one page.
func (w *WAL) Append(op operation, compressed bool) *Error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	payload, serr := serializeOperation(op, compressed)
	if serr != nil {
		return serr
	}
	_, werr := w.pager.Write(payload)
	return werr
}

// Checkpoint returns the current page count, usable as a flush checkpoint.
func (w *WAL) Checkpoint() int64 {
	return w.pager.PagesCount()
}

// Truncate drops every WAL page from checkpoint onward. Called only by the
// flush worker, after the corresponding SSTable write is durable.
func (w *WAL) Truncate(checkpoint int64) *Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pager.Truncate(checkpoint)
}

// Close closes the underlying pager.
func (w *WAL) Close() *Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pager.Close()
}

// Replay iterates every WAL page oldest-first, resolving each operation's
// column family by name and applying it to that CF's memtable. If a
// referenced column family is missing, replay aborts immediately and leaves
// the WAL file untouched (spec §4.1) so a subsequent open can retry once the
// CF catalog is in a consistent state.
func (w *WAL) Replay(db *DB) *Error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	cursor := w.pager.NewCursor(0)
	for {
		payload, _, ok, cerr := cursor.Next()
		if cerr != nil {
			return wrapErr(KindWALReplayFailed, "reading WAL page", cerr)
		}
		if !ok {
			break
		}
		op, derr := deserializeOperation(payload, db.config.CompressedWAL)
		if derr != nil {
			return wrapErr(KindWALReplayFailed, "decoding WAL record", derr)
		}
		cf := db.lookupColumnFamilyLocked(op.ColumnFamily)
		if cf == nil {
			return newErr(KindWALReplayFailed, "WAL references unknown column family "+op.ColumnFamily)
		}
		switch op.Op {
		case opPut:
			cf.Memtable.Put(op.KV)
		case opDel:
			// A delete's on-wire ttl is not meaningful; replay treats a
			// tombstone as always non-expiring.
			cf.Memtable.Put(tombstoneKV(op.KV.Key))
		}
	}
	return nil
}
