package lsm

import (
	"bufio"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// pager.go implements the fixed-page append-only file store spec §6 treats
// as an external collaborator. No teacher file covers this directly — the
// teacher talks straight to *os.File with its own ad hoc framing in
// wal.go — so this generalizes that same [len][crc32c][payload] framing
// (hash/crc32 with the Castagnoli table, bufio.Writer) into a reusable page
// store that both the WAL and every SSTable open.

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var errCRCMismatch = errors.New("pager: crc32 mismatch")

func crc32cOf(b []byte) uint32 { return crc32.Checksum(b, crc32cTable) }

// Pager is an append-only, page-oriented file. Each Write call consumes
// exactly one logical page regardless of payload size (spec §6).
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	bw       *bufio.Writer
	path     string
	pageOffs []int64 // byte offset of the start of each page's frame
	size     int64   // current file size in bytes
}

// OpenPager opens (creating if necessary) a page file at path, replaying its
// existing frames to build the page index.
func OpenPager(path string) (*Pager, *Error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapErr(KindFileOpenFailed, "opening pager file "+path, err)
	}
	p := &Pager{file: f, path: path}
	if err := p.indexExistingPages(); err != nil {
		_ = f.Close()
		return nil, wrapErr(KindIOFailed, "indexing pager file "+path, err)
	}
	p.bw = bufio.NewWriterSize(f, 1<<16)
	if _, err := f.Seek(p.size, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, wrapErr(KindIOFailed, "seeking pager file "+path, err)
	}
	return p, nil
}

func (p *Pager) indexExistingPages() error {
	r := bufio.NewReader(p.file)
	var offset int64
	for {
		payload, n, err := readFramedCounted(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			// truncate any incomplete trailing frame, mirroring the
			// teacher's WAL replay behavior of discarding a torn tail.
			_ = p.file.Truncate(offset)
			break
		}
		_ = payload
		p.pageOffs = append(p.pageOffs, offset)
		offset += n
	}
	p.size = offset
	return nil
}

func readFramedCounted(r *bufio.Reader) ([]byte, int64, error) {
	payload, err := readFramed(r)
	if err != nil {
		return nil, 0, err
	}
	return payload, int64(8 + len(payload)), nil
}

// Write appends payload as one new page, fsyncing before returning so the
// page is durable against a crash the instant Write returns. Used by the
// WAL, where every individual append must survive a crash on its own
// (spec §4.1).
func (p *Pager) Write(payload []byte) (int64, *Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pageNo, _, err := p.writePageLocked(payload)
	if err != nil {
		return 0, err
	}
	if serr := p.file.Sync(); serr != nil {
		return 0, wrapErr(KindIOFailed, "syncing "+p.path, serr)
	}
	return pageNo, nil
}

// WriteUnsynced appends payload as one new page without fsyncing. Used by
// sstableWriter for its bulk, page-per-record construction: an individual
// page written this way is not durable until Sync is called, but nothing
// reads an SSTable's .tmp file before writer.Finish renames it into place,
// so only one fsync per file is needed rather than one per record.
func (p *Pager) WriteUnsynced(payload []byte) (int64, *Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pageNo, _, err := p.writePageLocked(payload)
	return pageNo, err
}

// Sync flushes the buffered writer and fsyncs the underlying file.
func (p *Pager) Sync() *Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.bw.Flush(); err != nil {
		return wrapErr(KindIOFailed, "flushing "+p.path, err)
	}
	if err := p.file.Sync(); err != nil {
		return wrapErr(KindIOFailed, "syncing "+p.path, err)
	}
	return nil
}

func (p *Pager) writePageLocked(payload []byte) (int64, int64, *Error) {
	pageNo := int64(len(p.pageOffs))
	n, err := writeFramed(p.bw, payload)
	if err != nil {
		return 0, 0, wrapErr(KindIOFailed, "writing page to "+p.path, err)
	}
	if err := p.bw.Flush(); err != nil {
		return 0, 0, wrapErr(KindIOFailed, "flushing page to "+p.path, err)
	}
	p.pageOffs = append(p.pageOffs, p.size)
	p.size += int64(n)
	return pageNo, int64(n), nil
}

// Read returns the payload stored at pageNo.
func (p *Pager) Read(pageNo int64) ([]byte, *Error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pageNo < 0 || pageNo >= int64(len(p.pageOffs)) {
		return nil, newErr(KindIOFailed, "page index out of range")
	}
	off := p.pageOffs[pageNo]
	r := io.NewSectionReader(p.file, off, p.size-off)
	payload, err := readFramed(bufio.NewReader(r))
	if err != nil {
		return nil, wrapErr(KindDeserializationFailed, "reading page from "+p.path, err)
	}
	return payload, nil
}

// PagesCount returns the number of pages currently stored.
func (p *Pager) PagesCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return int64(len(p.pageOffs))
}

// Size returns the current page count, usable as a flush/truncate checkpoint.
func (p *Pager) Size() int64 { return p.PagesCount() }

// Truncate discards every page from checkpoint onward.
func (p *Pager) Truncate(checkpoint int64) *Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if checkpoint < 0 || checkpoint > int64(len(p.pageOffs)) {
		return newErr(KindIOFailed, "truncate checkpoint out of range")
	}
	var newSize int64
	if checkpoint == int64(len(p.pageOffs)) {
		newSize = p.size
	} else {
		newSize = p.pageOffs[checkpoint]
	}
	if err := p.bw.Flush(); err != nil {
		return wrapErr(KindIOFailed, "flushing before truncate", err)
	}
	if err := p.file.Truncate(newSize); err != nil {
		return wrapErr(KindIOFailed, "truncating "+p.path, err)
	}
	if _, err := p.file.Seek(newSize, io.SeekStart); err != nil {
		return wrapErr(KindIOFailed, "seeking after truncate", err)
	}
	p.pageOffs = p.pageOffs[:checkpoint]
	p.size = newSize
	p.bw = bufio.NewWriterSize(p.file, 1<<16)
	return nil
}

// Filename returns the path backing this pager.
func (p *Pager) Filename() string { return p.path }

// Close flushes and closes the backing file.
func (p *Pager) Close() *Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.bw != nil {
		if err := p.bw.Flush(); err != nil {
			firstErr = err
		}
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return wrapErr(KindIOFailed, "closing "+p.path, firstErr)
	}
	return nil
}

// PageCursor walks a pager's pages in order, optionally skipping a fixed
// number of leading pages (used by SSTables to skip the bloom filter header
// page). This is the low-level page cursor; the public key-level Cursor
// exposed to callers lives in cursor.go. Mirrors MemtableCursor's
// started/First/Last convention so a fresh cursor's first Prev() lands on
// the last page rather than immediately reporting empty.
type PageCursor struct {
	pager   *Pager
	skip    int64
	pos     int64
	started bool
}

// NewCursor returns a cursor positioned before the first page after skip.
func (p *Pager) NewCursor(skip int64) *PageCursor {
	return &PageCursor{pager: p, skip: skip}
}

func (c *PageCursor) Init() { c.pos = -1; c.started = false }

// First positions the cursor at the first page after skip.
func (c *PageCursor) First() (payload []byte, pageNo int64, ok bool, lerr *Error) {
	c.started = true
	if c.skip >= c.pager.PagesCount() {
		return nil, 0, false, nil
	}
	payload, lerr = c.pager.Read(c.skip)
	if lerr != nil {
		return nil, 0, false, lerr
	}
	c.pos = c.skip
	return payload, c.skip, true, nil
}

// Last positions the cursor at the final page.
func (c *PageCursor) Last() (payload []byte, pageNo int64, ok bool, lerr *Error) {
	c.started = true
	last := c.pager.PagesCount() - 1
	if last < c.skip {
		return nil, 0, false, nil
	}
	payload, lerr = c.pager.Read(last)
	if lerr != nil {
		return nil, 0, false, lerr
	}
	c.pos = last
	return payload, last, true, nil
}

// Next advances to and returns the next page, or ok=false at end.
func (c *PageCursor) Next() (payload []byte, pageNo int64, ok bool, lerr *Error) {
	if !c.started {
		return c.First()
	}
	next := c.pos + 1
	if next >= c.pager.PagesCount() {
		return nil, 0, false, nil
	}
	payload, lerr = c.pager.Read(next)
	if lerr != nil {
		return nil, 0, false, lerr
	}
	c.pos = next
	return payload, next, true, nil
}

// Prev retreats to and returns the previous page, or ok=false at start. A
// cursor that has never moved jumps to the last page, matching
// MemtableCursor's convention.
func (c *PageCursor) Prev() (payload []byte, pageNo int64, ok bool, lerr *Error) {
	if !c.started {
		return c.Last()
	}
	if c.pos <= c.skip {
		return nil, 0, false, nil
	}
	prev := c.pos - 1
	payload, lerr = c.pager.Read(prev)
	if lerr != nil {
		return nil, 0, false, lerr
	}
	c.pos = prev
	return payload, prev, true, nil
}

// Get returns the payload at the cursor's current position without moving it.
func (c *PageCursor) Get() (payload []byte, pageNo int64, ok bool, lerr *Error) {
	if !c.started || c.pos < c.skip || c.pos >= c.pager.PagesCount() {
		return nil, 0, false, nil
	}
	payload, lerr = c.pager.Read(c.pos)
	if lerr != nil {
		return nil, 0, false, lerr
	}
	return payload, c.pos, true, nil
}

// Free releases the cursor. Kept for symmetry with the spec's explicit
// cursor_init/next/prev/get/free contract; Go's GC makes it a no-op.
func (c *PageCursor) Free() {}
