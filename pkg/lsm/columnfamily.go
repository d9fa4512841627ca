package lsm

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

func cfDirPath(dbPath, name string) string {
	return filepath.Join(dbPath, name)
}

func cfConfigPath(dir, name string) string {
	return filepath.Join(dir, name+".cfc")
}

// ColumnFamily is the runtime state of one independent keyspace (spec §3):
// its immutable config, its memtable, its ordered SSTable list (oldest to
// newest), and its own id generator for naming new SSTable files.
type ColumnFamily struct {
	Config  CFConfig
	DirPath string

	Memtable *Memtable

	SSTablesLock sync.RWMutex
	SSTables     []*SSTable

	// FlushLock arbitrates the cf.Memtable field itself, not the memtable's
	// contents (Memtable has its own internal mutex for that): every writer
	// that reads cf.Memtable to apply a mutation (Put, Delete, TxnCommit,
	// TxnRollback) or to read it (Get, a cursor's memtable tier) takes the
	// read side, since none of them change which memtable cf.Memtable points
	// at. Only maybeEnqueueFlush's snapshot-then-swap takes the write side,
	// so it can never swap in a fresh memtable between one of those readers
	// fetching the pointer and finishing its operation against it - which
	// would otherwise silently orphan whatever was written in between.
	FlushLock sync.RWMutex

	idGen *idGenerator
}

func newColumnFamily(cfg CFConfig, dir string) *ColumnFamily {
	return &ColumnFamily{
		Config:   cfg,
		DirPath:  dir,
		Memtable: NewMemtable(),
		idGen:    newIDGenerator(time.Now().Unix()),
	}
}

// newMemtableCursor fetches cf's current memtable under FlushLock's read
// side and opens a cursor on it, so a cursor's memtable tier can never latch
// onto a memtable a concurrent flush is mid-swap on.
func (cf *ColumnFamily) newMemtableCursor() *MemtableCursor {
	cf.FlushLock.RLock()
	mt := cf.Memtable
	cf.FlushLock.RUnlock()
	return mt.NewCursor()
}

// persistConfig writes the CF's .cfc file to disk.
func (cf *ColumnFamily) persistConfig() *Error {
	payload, serr := serializeCFConfig(cf.Config)
	if serr != nil {
		return serr
	}
	path := cfConfigPath(cf.DirPath, cf.Config.Name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return wrapErr(KindIOFailed, "writing column family config "+path, err)
	}
	return nil
}

// loadColumnFamily reads a CF's config and SSTables from an existing
// directory (called during Open, spec §4.2).
func loadColumnFamily(dbPath, name string) (*ColumnFamily, *Error) {
	dir := cfDirPath(dbPath, name)
	data, err := os.ReadFile(cfConfigPath(dir, name))
	if err != nil {
		return nil, wrapErr(KindFileOpenFailed, "reading column family config for "+name, err)
	}
	cfg, derr := deserializeCFConfig(data)
	if derr != nil {
		return nil, derr
	}
	cf := newColumnFamily(cfg, dir)
	tables, terr := LoadSSTables(dir, cfg.Compressed)
	if terr != nil {
		return nil, terr
	}
	cf.SSTables = tables

	// The epoch-second seed newColumnFamily picked can collide with ids
	// already on disk if the process restarts within the same wall-clock
	// second (a crash loop, or a test harness reopening quickly): the next
	// flush would then os.Rename its .tmp file onto an existing sstable's
	// path, silently overwriting it. Fast-forward past the highest id any
	// loaded table already uses.
	if maxID := highestSSTableID(tables); maxID >= cf.idGen.next.Load() {
		cf.idGen.next.Store(maxID)
	}
	return cf, nil
}

// highestSSTableID returns the largest numeric id among tables' filenames
// (sstable_<id>.sst, per sstablePath), or 0 if tables is empty.
func highestSSTableID(tables []*SSTable) int64 {
	var max int64
	for _, t := range tables {
		id, ok := parseSSTableID(t.Path())
		if ok && id > max {
			max = id
		}
	}
	return max
}

// freeColumnFamily releases every SSTable's pager and drops the memtable.
// Does not touch the on-disk directory (see DB.DropColumnFamily for that).
func freeColumnFamily(cf *ColumnFamily) *Error {
	cf.SSTablesLock.Lock()
	defer cf.SSTablesLock.Unlock()
	var firstErr *Error
	for _, sst := range cf.SSTables {
		if err := sst.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	cf.SSTables = nil
	cf.Memtable.Destroy()
	return firstErr
}
