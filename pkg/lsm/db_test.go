package lsm

import (
	"testing"
	"time"
)

func TestCreateColumnFamilyRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if cerr := db.CreateColumnFamily(CFConfig{Name: "x", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}); cerr == nil || cerr.Kind != KindNameTooShort {
		t.Fatalf("expected KindNameTooShort, got %v", cerr)
	}
	if cerr := db.CreateColumnFamily(CFConfig{Name: "valid", FlushThreshold: 1, MaxLevel: 5, Probability: 0.1}); cerr == nil || cerr.Kind != KindThresholdTooLow {
		t.Fatalf("expected KindThresholdTooLow, got %v", cerr)
	}
}

func TestCreateColumnFamilyRejectsDuplicate(t *testing.T) {
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
	if cerr := db.CreateColumnFamily(cfg); cerr == nil || cerr.Kind != KindCFExists {
		t.Fatalf("expected KindCFExists, got %v", cerr)
	}
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
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

	if perr := db.Put("cf", []byte("k"), []byte("v"), NoExpiry); perr != nil {
		t.Fatal(perr)
	}
	val, gerr := db.Get("cf", []byte("k"))
	if gerr != nil || string(val) != "v" {
		t.Fatalf("get after put: val=%q err=%v", val, gerr)
	}

	if derr := db.Delete("cf", []byte("k")); derr != nil {
		t.Fatal(derr)
	}
	if _, gerr := db.Get("cf", []byte("k")); gerr == nil || gerr.Kind != KindKeyNotFound {
		t.Fatalf("expected KindKeyNotFound after delete, got %v", gerr)
	}
}

func TestGetUnknownKeyReportsNotFound(t *testing.T) {
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
	if _, gerr := db.Get("cf", []byte("nope")); gerr == nil || gerr.Kind != KindKeyNotFound {
		t.Fatalf("expected KindKeyNotFound, got %v", gerr)
	}
}

func TestGetExpiredKeyReportsNotFound(t *testing.T) {
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
	if perr := db.Put("cf", []byte("k"), []byte("v"), 1); perr != nil {
		t.Fatal(perr)
	}
	if _, gerr := db.Get("cf", []byte("k")); gerr == nil || gerr.Kind != KindKeyNotFound {
		t.Fatalf("expected KindKeyNotFound for an expired key, got %v", gerr)
	}
}

func TestDropColumnFamilyRemovesDirectoryAndCatalogEntry(t *testing.T) {
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
	if derr := db.DropColumnFamily("cf"); derr != nil {
		t.Fatal(derr)
	}
	if _, gerr := db.lookupColumnFamily("cf"); gerr == nil || gerr.Kind != KindCFNotFound {
		t.Fatalf("expected KindCFNotFound after drop, got %v", gerr)
	}
	if derr := db.DropColumnFamily("cf"); derr == nil || derr.Kind != KindCFNotFound {
		t.Fatalf("expected KindCFNotFound on double drop, got %v", derr)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	if cerr := db.CreateColumnFamily(cfg); cerr != nil {
		t.Fatal(cerr)
	}
	if perr := db.Put("cf", []byte("k"), []byte("v"), NoExpiry); perr != nil {
		t.Fatal(perr)
	}
	// Simulate a crash: close only the WAL pager, skipping the graceful
	// flush-worker shutdown Close() performs, so recovery must come from
	// WAL replay alone.
	if werr := db.wal.Close(); werr != nil {
		t.Fatal(werr)
	}

	reopened, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	val, gerr := reopened.Get("cf", []byte("k"))
	if gerr != nil || string(val) != "v" {
		t.Fatalf("expected durable value after reopen, got %q err=%v", val, gerr)
	}
}

func TestCompactSSTablesViaDB(t *testing.T) {
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
	if perr := db.Put("cf", []byte("a"), []byte("1"), NoExpiry); perr != nil {
		t.Fatal(perr)
	}
	forceFlush(t, db, "cf")
	waitForFlush(t, cf)

	if perr := db.Put("cf", []byte("b"), []byte("2"), NoExpiry); perr != nil {
		t.Fatal(perr)
	}
	forceFlush(t, db, "cf")
	waitForNSSTables(t, cf, 2)

	if cerr := db.CompactSSTables("cf", 1); cerr != nil {
		t.Fatal(cerr)
	}
	cf.SSTablesLock.RLock()
	n := len(cf.SSTables)
	cf.SSTablesLock.RUnlock()
	if n != 1 {
		t.Fatalf("expected compaction to merge down to 1 sstable, got %d", n)
	}
}

// TestCloseDoesNotRaceConcurrentWriters exercises Close running
// concurrently with a writer goroutine whose every Put pushes the memtable
// past its flush threshold, so it can be inside maybeEnqueueFlush's channel
// select at the moment Close closes the flush channels. Run with -race to
// catch a regression of the send-on-closed-channel race this guards
// against.
func TestCloseDoesNotRaceConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{DBPath: dir})
	if err != nil {
		t.Fatal(err)
	}

	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	if cerr := db.CreateColumnFamily(cfg); cerr != nil {
		t.Fatal(cerr)
	}
	// A value as large as the 1 MiB threshold makes every Put cross it.
	big := make([]byte, 1<<20)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			key := []byte{byte(i)}
			if perr := db.Put("cf", key, big, NoExpiry); perr != nil {
				return
			}
		}
	}()

	if cerr := db.Close(); cerr != nil {
		t.Fatal(cerr)
	}
	<-done
}

func waitForNSSTables(t *testing.T, cf *ColumnFamily, want int) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		cf.SSTablesLock.RLock()
		n := len(cf.SSTables)
		cf.SSTablesLock.RUnlock()
		if n >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sstables", want)
}
