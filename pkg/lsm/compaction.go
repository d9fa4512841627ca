package lsm

import (
	"container/heap"
	"os"
	"sync"
	"time"
)

// CompactSSTables merges cf's SSTables pairwise across up to maxThreads
// goroutines (spec §4.6). Requires at least two SSTables.
func CompactSSTables(db *DB, cf *ColumnFamily, maxThreads int) *Error {
	if maxThreads < 1 {
		return newErr(KindThreadsTooLow, "max_threads must be >= 1")
	}

	cf.SSTablesLock.Lock()
	defer cf.SSTablesLock.Unlock()

	n := len(cf.SSTables)
	if n < 2 {
		return newErr(KindNotEnoughSSTablesToCompact, "need at least 2 sstables to compact")
	}

	// Pairs are (0,1), (2,3), ... with a trailing singleton carried through
	// unmerged if n is odd. Distributing by pair index (rather than slicing
	// the table list into maxThreads contiguous runs first) guarantees every
	// pair still gets merged even when maxThreads is close to n - a
	// table-index slot size of 1 would otherwise leave every slot holding a
	// single table and merge nothing at all.
	numPairs := n / 2
	results := make([]*SSTable, n) // index i holds a surviving table, keyed by its pair/singleton's lowest original index
	emit := make([]bool, n)        // true where results[i] should be carried into the rebuilt list
	var errsMu sync.Mutex
	var firstErr *Error

	workers := maxThreads
	if workers > numPairs {
		workers = numPairs
	}
	pairsPerWorker := (numPairs + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < numPairs; start += pairsPerWorker {
		end := start + pairsPerWorker
		if end > numPairs {
			end = numPairs
		}
		wg.Add(1)
		go func(pairStart, pairEnd int) {
			defer wg.Done()
			for p := pairStart; p < pairEnd; p++ {
				i := p * 2
				merged, err := mergePair(cf.SSTables[i], cf.SSTables[i+1], cf)
				if err != nil {
					errsMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errsMu.Unlock()
					emit[i] = true
					results[i] = cf.SSTables[i]
					emit[i+1] = true
					results[i+1] = cf.SSTables[i+1]
					continue
				}
				emit[i] = true
				results[i] = merged
				_ = os.Remove(cf.SSTables[i].Path())
				_ = os.Remove(cf.SSTables[i+1].Path())
				// Free, not a direct pager.Close: releases only the
				// catalog's own reference, so a table a cursor is still
				// traversing (addRef'd in newCursorFor) stays open until
				// that cursor also releases it.
				_ = cf.SSTables[i].Free()
				_ = cf.SSTables[i+1].Free()
			}
		}(start, end)
	}
	wg.Wait()
	if n%2 == 1 {
		last := n - 1
		emit[last] = true
		results[last] = cf.SSTables[last]
	}

	newList := make([]*SSTable, 0, (n+1)/2)
	for i := 0; i < n; i++ {
		if emit[i] {
			newList = append(newList, results[i])
		}
	}
	cf.SSTables = newList
	return firstErr
}

// mergePair produces one new SSTable from two inputs, resolving spec §9
// Open Question 1: merge is by key with the newer input winning ties, not
// pager-cursor arrival order. Implemented as a two-way priority merge in
// the style of the corpus's storage/sstable/merge.go tableMux
// (container/heap keyed on key-ascending, then newest-source-first on
// ties), generalized here to exactly two sources.
func mergePair(a, b *SSTable, cf *ColumnFamily) (*SSTable, *Error) {
	id := cf.idGen.Next()
	writer, err := newSSTableWriter(cf.DirPath, id, cf.Config.Compressed)
	if err != nil {
		return nil, err
	}

	entries, merr := mergeSorted(a, b, cf.Config.Compressed)
	if merr != nil {
		writer.Abort()
		return nil, merr
	}

	now := time.Now().Unix()
	bf := NewBloomFilter(BloomFilterSize, float64(cf.Config.Probability))
	var live []KV
	for _, kv := range entries {
		if !kv.IsTombstone() && !kv.IsExpired(now) {
			bf.Add(kv.Key)
			live = append(live, kv)
		}
	}
	if werr := writer.WriteBloomHeader(bf); werr != nil {
		writer.Abort()
		return nil, werr
	}
	for _, kv := range live {
		if werr := writer.WriteKV(kv); werr != nil {
			writer.Abort()
			return nil, werr
		}
	}
	merged, ferr := writer.Finish(cf.DirPath)
	if ferr != nil {
		return nil, ferr
	}
	// b is the newer of the two inputs (cf.SSTables is kept oldest-first and
	// CompactSSTables pairs it in that order), so stamping the merged file's mtime to b's preserves the
	// exact slot the pair occupied in mtime order. Without this, the merged
	// file's own write-time mtime is always later than every input, so a
	// reload's LoadSSTables (mtime-sorted, spec §4.4) would place it after
	// logically newer, untouched sstables outside this pair, inverting
	// newest-wins on the next open.
	if cerr := stampModTime(merged, b.modTime); cerr != nil {
		mergedPath := merged.Path()
		_ = merged.Free()
		_ = os.Remove(mergedPath)
		return nil, cerr
	}
	return merged, nil
}

// muxEntry is one source's current head during the merge.
type muxEntry struct {
	kv     KV
	source int // 1 = newer input (b), 0 = older input (a); ties favor 1
	cursor *PageCursor
}

type muxHeap []muxEntry

func (h muxHeap) Len() int { return len(h) }
func (h muxHeap) Less(i, j int) bool {
	c := compareBytes(h[i].kv.Key, h[j].kv.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].source > h[j].source // newer source first on ties
}
func (h muxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *muxHeap) Push(x any)        { *h = append(*h, x.(muxEntry)) }
func (h *muxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}

// mergeSorted walks a (older) and b (newer) in parallel and returns their
// key-ordered union, newer-wins on duplicate keys.
func mergeSorted(a, b *SSTable, compressed bool) ([]KV, *Error) {
	h := &muxHeap{}
	heap.Init(h)

	pushNext := func(source int, cursor *PageCursor) *Error {
		payload, _, ok, cerr := cursor.Next()
		if cerr != nil {
			return cerr
		}
		if !ok {
			return nil
		}
		kv, derr := deserializeKV(payload, compressed)
		if derr != nil {
			return derr
		}
		heap.Push(h, muxEntry{kv: kv, source: source, cursor: cursor})
		return nil
	}

	aCursor := a.pager.NewCursor(1)
	bCursor := b.pager.NewCursor(1)
	if err := pushNext(0, aCursor); err != nil {
		return nil, err
	}
	if err := pushNext(1, bCursor); err != nil {
		return nil, err
	}

	var out []KV
	var lastKey []byte
	haveLast := false
	for h.Len() > 0 {
		top := heap.Pop(h).(muxEntry)

		if !haveLast || string(top.kv.Key) != string(lastKey) {
			out = append(out, top.kv)
			lastKey = top.kv.Key
			haveLast = true
		}

		if err := pushNext(top.source, top.cursor); err != nil {
			return nil, err
		}
	}
	return out, nil
}
