package lsm

import (
	"testing"
	"time"
)

func TestFlushProducesReadableSSTable(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	if cerr := db.CreateColumnFamily(cfg); cerr != nil {
		t.Fatal(cerr)
	}
	cf, lerr := db.lookupColumnFamily("cf")
	if lerr != nil {
		t.Fatal(lerr)
	}
	// CreateColumnFamily rejects thresholds under 1 MiB; lowering the live
	// copy afterwards makes every Put cross it and enqueue a flush.
	cf.Config.FlushThreshold = 1

	if perr := db.Put("cf", []byte("k"), []byte("v"), NoExpiry); perr != nil {
		t.Fatal(perr)
	}

	waitForFlush(t, cf)

	cf.SSTablesLock.RLock()
	n := len(cf.SSTables)
	cf.SSTablesLock.RUnlock()
	if n != 1 {
		t.Fatalf("expected 1 sstable after flush, got %d", n)
	}

	val, gerr := db.Get("cf", []byte("k"))
	if gerr != nil || string(val) != "v" {
		t.Fatalf("expected to read back flushed value, got %q err=%v", val, gerr)
	}
}

func TestFlushedTombstoneShadowsOlderFlushedValue(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	if cerr := db.CreateColumnFamily(cfg); cerr != nil {
		t.Fatal(cerr)
	}
	cf, lerr := db.lookupColumnFamily("cf")
	if lerr != nil {
		t.Fatal(lerr)
	}

	if perr := db.Put("cf", []byte("x"), []byte("1"), NoExpiry); perr != nil {
		t.Fatal(perr)
	}
	forceFlush(t, db, "cf")
	waitForNSSTables(t, cf, 1)

	if derr := db.Delete("cf", []byte("x")); derr != nil {
		t.Fatal(derr)
	}
	forceFlush(t, db, "cf")
	waitForNSSTables(t, cf, 2)

	if _, gerr := db.Get("cf", []byte("x")); gerr == nil || gerr.Kind != KindKeyNotFound {
		t.Fatalf("expected a tombstone in the newer flushed sstable to shadow the older value, got %v", gerr)
	}
}

func TestMaybeEnqueueFlushIsNoOpOnEmptyMemtable(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cfg := CFConfig{Name: "cf", FlushThreshold: 1, MaxLevel: 5, Probability: 0.1}
	if cerr := db.CreateColumnFamily(cfg); cerr != nil {
		t.Fatal(cerr)
	}
	cf, lerr := db.lookupColumnFamily("cf")
	if lerr != nil {
		t.Fatal(lerr)
	}

	db.maybeEnqueueFlush(cf)

	cf.SSTablesLock.RLock()
	n := len(cf.SSTables)
	cf.SSTablesLock.RUnlock()
	if n != 0 {
		t.Fatalf("expected no sstables from an empty-memtable flush, got %d", n)
	}
}

// forceFlush writes a value as large as the minimum flush threshold (1 MiB)
// under a padding key, so the memtable crosses the threshold and the Put
// enqueues a flush of everything written so far.
func forceFlush(t *testing.T, db *DB, cfName string) {
	t.Helper()
	if perr := db.Put(cfName, []byte("~pad"), make([]byte, 1<<20), NoExpiry); perr != nil {
		t.Fatal(perr)
	}
}

// waitForFlush polls until the flush worker has published at least one
// sstable, avoiding a fixed sleep.
func waitForFlush(t *testing.T, cf *ColumnFamily) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		cf.SSTablesLock.RLock()
		n := len(cf.SSTables)
		cf.SSTablesLock.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for flush to publish an sstable")
}
