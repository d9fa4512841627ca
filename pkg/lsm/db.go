package lsm

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DB is the top-level handle returned by Open (spec §6): it owns the
// write-ahead log, the column family catalog, and the background flush
// worker. All exported operations are safe for concurrent use.
type DB struct {
	config Config

	wal *WAL

	columnFamiliesLock sync.RWMutex
	columnFamilies     []*ColumnFamily

	flushQueue chan flushItem
	stopFlush  chan struct{}
	flushWG    sync.WaitGroup
	writersWG  sync.WaitGroup
}

// Open opens (or creates) a database at config.DBPath: it ensures the
// directory tree exists, opens the WAL, loads every existing column
// family's catalog entry, replays the WAL against them, and starts the
// flush worker (spec §4.1/§4.2).
func Open(config Config) (*DB, *Error) {
	if config.DBPath == "" {
		return nil, newErr(KindNullArg, "db_path is required")
	}
	if err := os.MkdirAll(config.DBPath, 0o755); err != nil {
		return nil, wrapErr(KindDirCreateFailed, "creating db directory "+config.DBPath, err)
	}

	wal, err := OpenWAL(config.DBPath)
	if err != nil {
		return nil, err
	}

	db := &DB{
		config:     config,
		wal:        wal,
		flushQueue: make(chan flushItem, 64),
		stopFlush:  make(chan struct{}),
	}

	cfs, lerr := loadColumnFamilies(config.DBPath)
	if lerr != nil {
		_ = wal.Close()
		return nil, lerr
	}
	db.columnFamilies = cfs

	if rerr := wal.Replay(db); rerr != nil {
		_ = wal.Close()
		for _, cf := range cfs {
			_ = freeColumnFamily(cf)
		}
		return nil, rerr
	}

	db.flushWG.Add(1)
	go db.flushWorker()

	return db, nil
}

// loadColumnFamilies scans db_path for subdirectories holding a .cfc file,
// each one an existing column family (spec §4.2).
func loadColumnFamilies(dbPath string) ([]*ColumnFamily, *Error) {
	entries, err := os.ReadDir(dbPath)
	if err != nil {
		return nil, wrapErr(KindDirCreateFailed, "reading db directory "+dbPath, err)
	}
	var cfs []*ColumnFamily
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		if _, statErr := os.Stat(cfConfigPath(filepath.Join(dbPath, name), name)); statErr != nil {
			continue
		}
		cf, lerr := loadColumnFamily(dbPath, name)
		if lerr != nil {
			for _, loaded := range cfs {
				_ = freeColumnFamily(loaded)
			}
			return nil, lerr
		}
		cfs = append(cfs, cf)
	}
	return cfs, nil
}

// Close stops the flush worker, flushes nothing further (an in-flight
// memtable is left to replay from the WAL on next Open), and releases every
// column family and the WAL.
func (db *DB) Close() *Error {
	db.columnFamiliesLock.Lock()
	defer db.columnFamiliesLock.Unlock()

	// Every writer that reached acquireWriter before this Lock call was
	// counted here while it still held the catalog's read side, so by the
	// time Lock is granted, writersWG already reflects every writer still
	// in flight; waiting on it here, before the channels below are closed,
	// is what keeps maybeEnqueueFlush's send from ever racing a closed
	// flushQueue.
	db.writersWG.Wait()

	close(db.stopFlush)
	close(db.flushQueue)
	db.flushWG.Wait()

	var firstErr *Error
	for _, cf := range db.columnFamilies {
		if err := freeColumnFamily(cf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.columnFamilies = nil

	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// lookupColumnFamilyLocked finds a column family by name. Callers must
// already hold columnFamiliesLock (read or write); used from WAL replay,
// where Open still owns exclusive access.
func (db *DB) lookupColumnFamilyLocked(name string) *ColumnFamily {
	for _, cf := range db.columnFamilies {
		if cf.Config.Name == name {
			return cf
		}
	}
	return nil
}

// lookupColumnFamily finds a column family by name, taking the catalog's
// read lock itself.
func (db *DB) lookupColumnFamily(name string) (*ColumnFamily, *Error) {
	db.columnFamiliesLock.RLock()
	defer db.columnFamiliesLock.RUnlock()
	cf := db.lookupColumnFamilyLocked(name)
	if cf == nil {
		return nil, newErr(KindCFNotFound, "column family not found: "+name)
	}
	return cf, nil
}

// acquireWriter resolves a column family for a write operation that may go
// on to enqueue a flush (Put, Delete, TxnCommit), registering the caller in
// writersWG while still holding the catalog's read lock. Close takes the
// write side of the same lock for its whole body, so a writer can only ever
// be counted here before Close observes it - never after - which is what
// makes Close's writersWG.Wait() safe to run before it closes the flush
// channels. Callers must call db.writersWG.Done() exactly once after they
// are done touching the flush queue.
func (db *DB) acquireWriter(name string) (*ColumnFamily, *Error) {
	db.columnFamiliesLock.RLock()
	defer db.columnFamiliesLock.RUnlock()
	cf := db.lookupColumnFamilyLocked(name)
	if cf == nil {
		return nil, newErr(KindCFNotFound, "column family not found: "+name)
	}
	db.writersWG.Add(1)
	return cf, nil
}

// CreateColumnFamily validates cfg, creates its on-disk directory and
// config file, and adds it to the catalog (spec §4.2).
func (db *DB) CreateColumnFamily(cfg CFConfig) *Error {
	if verr := cfg.Validate(); verr != nil {
		return verr
	}

	db.columnFamiliesLock.Lock()
	defer db.columnFamiliesLock.Unlock()

	if db.lookupColumnFamilyLocked(cfg.Name) != nil {
		return newErr(KindCFExists, "column family already exists: "+cfg.Name)
	}

	dir := cfDirPath(db.config.DBPath, cfg.Name)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return wrapErr(KindDirCreateFailed, "creating column family directory "+dir, err)
	}

	cf := newColumnFamily(cfg, dir)
	if err := cf.persistConfig(); err != nil {
		return err
	}
	db.columnFamilies = append(db.columnFamilies, cf)
	return nil
}

// DropColumnFamily removes a column family from the catalog and deletes
// its on-disk state. This resolves Open Question 5: directory removal
// strictly precedes removing the in-memory catalog entry. The column
// family's SSTables and memtable are released first; if the directory
// removal then fails, the error is returned and the entry stays in the
// catalog with those resources already released.
func (db *DB) DropColumnFamily(name string) *Error {
	db.columnFamiliesLock.Lock()
	defer db.columnFamiliesLock.Unlock()

	idx := -1
	for i, cf := range db.columnFamilies {
		if cf.Config.Name == name {
			idx = i
			break
		}
	}
	if idx == -1 {
		return newErr(KindCFNotFound, "column family not found: "+name)
	}
	cf := db.columnFamilies[idx]

	if err := freeColumnFamily(cf); err != nil {
		return err
	}
	if err := os.RemoveAll(cf.DirPath); err != nil {
		return wrapErr(KindIOFailed, "removing column family directory "+cf.DirPath, err)
	}

	db.columnFamilies = append(db.columnFamilies[:idx], db.columnFamilies[idx+1:]...)
	return nil
}

// CompactSSTables runs the compaction engine against one column family.
func (db *DB) CompactSSTables(cfName string, maxThreads int) *Error {
	cf, err := db.lookupColumnFamily(cfName)
	if err != nil {
		return err
	}
	return CompactSSTables(db, cf, maxThreads)
}

// Put writes key/value with the given ttl (NoExpiry for none) to the named
// column family, logging to the WAL first and then applying to the
// memtable, checking the flush threshold afterward (spec §4.3/§6). The
// memtable write is taken under cf.FlushLock's read side, the side
// maybeEnqueueFlush's snapshot-then-swap excludes (see FlushLock's doc),
// so a concurrent flush can never swap in a fresh memtable between this
// write landing and the flush observing it.
func (db *DB) Put(cfName string, key, value []byte, ttl int64) *Error {
	cf, err := db.acquireWriter(cfName)
	if err != nil {
		return err
	}
	defer db.writersWG.Done()
	kv := KV{Key: key, Value: value, TTL: ttl}
	if werr := db.wal.Append(operation{Op: opPut, ColumnFamily: cfName, KV: kv}, db.config.CompressedWAL); werr != nil {
		return werr
	}
	cf.FlushLock.RLock()
	cf.Memtable.Put(kv)
	cf.FlushLock.RUnlock()
	db.maybeEnqueueFlush(cf)
	return nil
}

// Delete writes a tombstone for key to the named column family. See Put
// for why the memtable write is taken under cf.FlushLock's read side.
func (db *DB) Delete(cfName string, key []byte) *Error {
	cf, err := db.acquireWriter(cfName)
	if err != nil {
		return err
	}
	defer db.writersWG.Done()
	if werr := db.wal.Append(operation{Op: opDel, ColumnFamily: cfName, KV: KV{Key: key}}, db.config.CompressedWAL); werr != nil {
		return werr
	}
	cf.FlushLock.RLock()
	cf.Memtable.Delete(key)
	cf.FlushLock.RUnlock()
	db.maybeEnqueueFlush(cf)
	return nil
}

// Get reads the current value for key: the memtable first, then every
// SSTable newest-to-oldest, stopping at the first table that holds any
// record for the key so a tombstone there is never shadowed by a stale
// live value in an older table. Get never distinguishes tombstoned from
// absent — that distinction is cursor-only (spec §4.8) — so any
// classification error from the read path, tombstoned or expired alike,
// is folded into KindKeyNotFound here.
func (db *DB) Get(cfName string, key []byte) ([]byte, *Error) {
	cf, err := db.lookupColumnFamily(cfName)
	if err != nil {
		return nil, err
	}
	kv, found, gerr := db.getFromColumnFamily(cf, key)
	if gerr != nil || !found {
		return nil, newErr(KindKeyNotFound, "key not found")
	}
	return kv.Value, nil
}

// getFromColumnFamily is the shared read path behind Get and TxnDelete's
// rollback-value lookup.
func (db *DB) getFromColumnFamily(cf *ColumnFamily, key []byte) (KV, bool, *Error) {
	cf.FlushLock.RLock()
	kv, ok := cf.Memtable.Get(key)
	cf.FlushLock.RUnlock()
	if ok {
		return classifyRead(kv)
	}

	cf.SSTablesLock.RLock()
	defer cf.SSTablesLock.RUnlock()

	for i := len(cf.SSTables) - 1; i >= 0; i-- {
		kv, found, err := cf.SSTables[i].GetRaw(key)
		if err != nil {
			return KV{}, false, err
		}
		if found {
			return classifyRead(kv)
		}
	}
	return KV{}, false, nil
}

func classifyRead(kv KV) (KV, bool, *Error) {
	if kv.IsTombstone() {
		return kv, false, newErr(KindKeyTombstoned, "key is tombstoned")
	}
	if kv.IsExpired(time.Now().Unix()) {
		return kv, false, newErr(KindKeyExpired, "key has expired")
	}
	return kv, true, nil
}

// NewCursor returns a cursor walking the named column family tier by tier:
// the memtable, then every SSTable newest-to-oldest (spec §4.8).
func (db *DB) NewCursor(cfName string) (*Cursor, *Error) {
	cf, err := db.lookupColumnFamily(cfName)
	if err != nil {
		return nil, err
	}
	return newCursorFor(cf), nil
}
