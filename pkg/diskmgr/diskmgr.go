// Package diskmgr maps page ids to file offsets and performs synchronous,
// strictly-sequential page I/O: readPage/writePage/allocatePage/
// freePage/flush, with extent-based file growth and CRC32C checksum
// verification on every read.
package diskmgr

import (
	"os"
	"sync"

	"ariesdb/internal/dberror"
	"ariesdb/pkg/page"
	"ariesdb/pkg/primitives"
)

// DefaultExtentPages is the number of pages allocated at once when the
// free list is empty, amortizing filesystem metadata overhead.
const DefaultExtentPages = 16

// Manager owns one backing file and serves whole-page reads/writes
// against it. One mutex serializes every page operation on the file;
// callers needing cross-page atomicity coordinate at a higher layer
// (buffer pool, WAL).
type Manager struct {
	mu          sync.Mutex
	file        *os.File
	pageSize    int
	extentPages int
	nextPageID  primitives.PageID
	freeList    []primitives.PageID
}

// Open opens or creates the backing file at path for pages of pageSize
// bytes.
func Open(path string, pageSize int, extentPages int) (*Manager, error) {
	if extentPages <= 0 {
		extentPages = DefaultExtentPages
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "DiskManager")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "DiskManager")
	}

	m := &Manager{
		file:        f,
		pageSize:    pageSize,
		extentPages: extentPages,
		nextPageID:  primitives.PageID(info.Size()/int64(pageSize)) + 1,
	}
	return m, nil
}

func (m *Manager) offset(id primitives.PageID) int64 {
	return int64(id-1) * int64(m.pageSize)
}

// ReadPage reads and verifies the page at id. A checksum mismatch returns
// a permanent Corruption error; the caller must never serve such a page
// to higher layers.
func (m *Manager) ReadPage(id primitives.PageID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPageLocked(id)
}

func (m *Manager) readPageLocked(id primitives.PageID) (*page.Page, error) {
	buf := make([]byte, m.pageSize)
	n, err := m.file.ReadAt(buf, m.offset(id))
	if err != nil && n != m.pageSize {
		return nil, dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "ReadPage", "DiskManager").WithPage(id)
	}

	p := page.Wrap(buf)
	if p.ID() != id {
		// A page that was never written (e.g. a freshly extended extent)
		// reads back as zeros; treat that as a legitimate empty page
		// rather than corruption.
		if isAllZero(buf) {
			empty := page.New(id, m.pageSize)
			empty.Seal()
			return empty, nil
		}
		return nil, dberror.Corruption("DiskManager", id, "page id mismatch")
	}
	if !p.Verify() {
		return nil, dberror.Corruption("DiskManager", id, "checksum mismatch")
	}
	return p, nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// WritePage seals p's checksum and writes the full page at its id.
func (m *Manager) WritePage(p *page.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePageLocked(p)
}

func (m *Manager) writePageLocked(p *page.Page) error {
	p.Seal()
	if _, err := m.file.WriteAt(p.Buf, m.offset(p.ID())); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "WritePage", "DiskManager").WithPage(p.ID())
	}
	return nil
}

// WritePages issues a single vectored-style write for a batch of pages
// that happen to be contiguous, used by the buffer pool's write-combined
// dirty flush. Non-contiguous batches fall back to individual writes.
func (m *Manager) WritePages(pages []*page.Page) error {
	if len(pages) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	contiguous := true
	for i := 1; i < len(pages); i++ {
		if pages[i].ID() != pages[i-1].ID()+1 {
			contiguous = false
			break
		}
	}
	if !contiguous {
		for _, p := range pages {
			if err := m.writePageLocked(p); err != nil {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, 0, len(pages)*m.pageSize)
	for _, p := range pages {
		p.Seal()
		buf = append(buf, p.Buf...)
	}
	if _, err := m.file.WriteAt(buf, m.offset(pages[0].ID())); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "WritePages", "DiskManager").WithPage(pages[0].ID())
	}
	return nil
}

// AllocatePage returns a page id from the free list, or extends the file
// by one extent and returns the first new page id.
func (m *Manager) AllocatePage() (primitives.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.freeList) > 0 {
		id := m.freeList[len(m.freeList)-1]
		m.freeList = m.freeList[:len(m.freeList)-1]
		return id, nil
	}

	first := m.nextPageID
	extentBytes := int64(m.extentPages) * int64(m.pageSize)
	newSize := m.offset(first) + extentBytes
	if err := m.file.Truncate(newSize); err != nil {
		return primitives.InvalidPageID, dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "AllocatePage", "DiskManager")
	}
	for i := 1; i < m.extentPages; i++ {
		m.freeList = append(m.freeList, first+primitives.PageID(i))
	}
	m.nextPageID = first + primitives.PageID(m.extentPages)
	return first, nil
}

// FreePage returns id to the free list. The page becomes invalid for any
// reader that has not re-fetched it; its contents are reused on the next
// AllocatePage.
func (m *Manager) FreePage(id primitives.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, id)
}

// Flush fsyncs the backing file.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "Flush", "DiskManager")
	}
	return nil
}

// Close closes the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}

// PageSize returns the fixed page size this manager was opened with.
func (m *Manager) PageSize() int { return m.pageSize }
