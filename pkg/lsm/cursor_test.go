package lsm

import "testing"

func TestCursorWalksMemtableThenSSTablesNewestToOldest(t *testing.T) {
	dir := t.TempDir()
	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	cf := newColumnFamily(cfg, dir)

	// Oldest table first, newest table second, matching cf.SSTables' own
	// oldest-to-newest ordering; the cursor must visit the newer one first.
	cf.SSTables = append(cf.SSTables,
		writeTestSSTable(t, dir, 1, []KV{
			{Key: []byte("a"), Value: []byte("old-a"), TTL: NoExpiry},
			{Key: []byte("c"), Value: []byte("old-c"), TTL: NoExpiry},
		}),
		writeTestSSTable(t, dir, 2, []KV{
			{Key: []byte("a"), Value: []byte("new-a"), TTL: NoExpiry},
		}),
	)
	cf.Memtable.Put(KV{Key: []byte("b"), Value: []byte("mem-b"), TTL: NoExpiry})

	cursor := newCursorFor(cf)
	defer cursor.Free()

	var seen []string
	for cursor.Next() {
		kv, err := cursor.Get()
		if err != nil {
			t.Fatalf("unexpected error at key %q: %v", kv.Key, err)
		}
		seen = append(seen, string(kv.Key)+"="+string(kv.Value))
	}
	// memtable to exhaustion, then sstable id 2 (newest), then sstable id 1
	// (oldest) — key "a" surfaces twice since no tier is deduped against
	// another.
	want := []string{"b=mem-b", "a=new-a", "a=old-a", "c=old-c"}
	if len(seen) != len(want) {
		t.Fatalf("seen=%v want=%v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen=%v want=%v", seen, want)
		}
	}
}

func TestCursorGetClassifiesTombstoneAndExpired(t *testing.T) {
	dir := t.TempDir()
	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	cf := newColumnFamily(cfg, dir)
	cf.Memtable.Put(tombstoneKV([]byte("deleted")))
	cf.Memtable.Put(KV{Key: []byte("expired"), Value: []byte("v"), TTL: 1})

	cursor := newCursorFor(cf)
	defer cursor.Free()

	seen := map[string]Kind{}
	for cursor.Next() {
		kv, err := cursor.Get()
		if err == nil {
			t.Fatalf("expected an error classification for %q", kv.Key)
		}
		seen[string(kv.Key)] = err.Kind
	}
	if seen["deleted"] != KindKeyTombstoned {
		t.Fatalf("deleted classified as %v want=KindKeyTombstoned", seen["deleted"])
	}
	if seen["expired"] != KindKeyExpired {
		t.Fatalf("expired classified as %v want=KindKeyExpired", seen["expired"])
	}
}

func TestCursorPrevReversesTierOrder(t *testing.T) {
	dir := t.TempDir()
	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	cf := newColumnFamily(cfg, dir)

	cf.SSTables = append(cf.SSTables, writeTestSSTable(t, dir, 1, []KV{
		{Key: []byte("x"), Value: []byte("sst-x"), TTL: NoExpiry},
	}))
	for _, k := range []string{"a", "b"} {
		cf.Memtable.Put(KV{Key: []byte(k), Value: []byte(k), TTL: NoExpiry})
	}

	cursor := newCursorFor(cf)
	defer cursor.Free()
	for cursor.Next() {
	}

	var reversed []string
	for cursor.Prev() {
		kv, err := cursor.Get()
		if err != nil {
			t.Fatal(err)
		}
		reversed = append(reversed, string(kv.Key))
	}
	want := []string{"x", "b", "a"}
	if len(reversed) != len(want) {
		t.Fatalf("reversed=%v want=%v", reversed, want)
	}
	for i := range want {
		if reversed[i] != want[i] {
			t.Fatalf("reversed=%v want=%v", reversed, want)
		}
	}
}

// TestCursorSurvivesConcurrentCompaction guards against a cursor's
// snapshotted SSTables being closed out from under it: CompactSSTables
// merges and closes the superseded tables while a cursor created before
// the compaction is still mid-traversal, and the cursor must still be able
// to read every entry from its snapshot rather than silently truncating.
func TestCursorSurvivesConcurrentCompaction(t *testing.T) {
	dir := t.TempDir()
	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	cf := newColumnFamily(cfg, dir)

	cf.SSTables = append(cf.SSTables,
		writeTestSSTable(t, dir, 1, []KV{{Key: []byte("a"), Value: []byte("old-a"), TTL: NoExpiry}}),
		writeTestSSTable(t, dir, 2, []KV{{Key: []byte("b"), Value: []byte("new-b"), TTL: NoExpiry}}),
	)

	oldTable, newTable := cf.SSTables[0], cf.SSTables[1]

	cursor := newCursorFor(cf)

	if got := oldTable.refs.Load(); got != 2 {
		t.Fatalf("expected 2 refs (catalog + cursor) on oldTable before compaction, got %d", got)
	}

	if err := CompactSSTables(nil, cf, 1); err != nil {
		t.Fatal(err)
	}
	if len(cf.SSTables) != 1 {
		t.Fatalf("expected compaction to merge down to 1 sstable, got %d", len(cf.SSTables))
	}
	// Compaction released its own reference on both superseded tables but the
	// cursor's is still outstanding, so the pager must still be open.
	if got := oldTable.refs.Load(); got != 1 {
		t.Fatalf("expected oldTable to retain the cursor's reference after compaction, got %d", got)
	}
	if got := newTable.refs.Load(); got != 1 {
		t.Fatalf("expected newTable to retain the cursor's reference after compaction, got %d", got)
	}

	var seen []string
	for cursor.Next() {
		kv, err := cursor.Get()
		if err != nil {
			t.Fatalf("unexpected error reading from a cursor snapshot compaction closed out from under it: %v", err)
		}
		seen = append(seen, string(kv.Key))
	}
	if len(seen) != 2 {
		t.Fatalf("expected the cursor's original 2-table snapshot to still yield 2 entries after concurrent compaction, got %v", seen)
	}

	cursor.Free()
	if got := oldTable.refs.Load(); got != 0 {
		t.Fatalf("expected oldTable's last reference released after cursor.Free(), got %d", got)
	}
	if got := newTable.refs.Load(); got != 0 {
		t.Fatalf("expected newTable's last reference released after cursor.Free(), got %d", got)
	}
}

func TestCursorPrevFromFreshStartsAtOldestTable(t *testing.T) {
	dir := t.TempDir()
	cfg := CFConfig{Name: "cf", FlushThreshold: 1 << 20, MaxLevel: 5, Probability: 0.1}
	cf := newColumnFamily(cfg, dir)

	cf.SSTables = append(cf.SSTables, writeTestSSTable(t, dir, 1, []KV{
		{Key: []byte("a"), Value: []byte("1"), TTL: NoExpiry},
		{Key: []byte("b"), Value: []byte("2"), TTL: NoExpiry},
	}))
	cf.Memtable.Put(KV{Key: []byte("z"), Value: []byte("mem"), TTL: NoExpiry})

	cursor := newCursorFor(cf)
	defer cursor.Free()

	kv, err := cursor.Get()
	if err == nil || err.Kind != KindAtStartOfCursor {
		t.Fatalf("expected KindAtStartOfCursor before any move, got kv=%v err=%v", kv, err)
	}
	if !cursor.Prev() {
		t.Fatal("expected Prev() on a fresh cursor to land on the last entry")
	}
	kv, err = cursor.Get()
	if err != nil || string(kv.Key) != "b" {
		t.Fatalf("expected b as the last entry, got %v err=%v", kv, err)
	}
}
