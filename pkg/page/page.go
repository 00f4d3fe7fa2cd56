// Package page defines the fixed-size on-disk page format shared by the
// disk manager and the buffer pool: header layout, type tags, and the
// CRC32C checksum that guards every page read.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"ariesdb/pkg/primitives"
)

// Type tags the payload interpretation of a page.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeHeap
	TypeIndex
	TypeFreeSpaceMap
)

// Header layout:
//
//	magic(4) type(2) flags(2) pageID(8) pageLSN(8) freeOffset(2) slotCount(2) checksum(4)
const (
	offMagic      = 0
	offType       = 4
	offFlags      = 6
	offPageID     = 8
	offPageLSN    = 16
	offFreeOffset = 24
	offSlotCount  = 26
	offChecksum   = 28
	HeaderSize    = 32
)

// Magic identifies a valid ariesdb page header.
const Magic uint32 = 0xA31E5DB0

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Page is one fixed-size unit of I/O, held in memory as a single
// contiguous byte slice with the header at offset 0.
type Page struct {
	Size int
	Buf  []byte
}

// New allocates a zeroed page of the given size with a valid empty header.
func New(id primitives.PageID, size int) *Page {
	p := &Page{Size: size, Buf: make([]byte, size)}
	binary.BigEndian.PutUint32(p.Buf[offMagic:], Magic)
	p.SetID(id)
	p.SetFreeOffset(uint16(HeaderSize))
	return p
}

// Wrap treats an existing buffer as a page without copying it.
func Wrap(buf []byte) *Page { return &Page{Size: len(buf), Buf: buf} }

func (p *Page) ID() primitives.PageID {
	return primitives.PageID(binary.BigEndian.Uint64(p.Buf[offPageID:]))
}

func (p *Page) SetID(id primitives.PageID) {
	binary.BigEndian.PutUint64(p.Buf[offPageID:], uint64(id))
}

// LSN returns the page's pageLSN: the LSN of the most recent log record
// whose effect is reflected in this page image.
func (p *Page) LSN() primitives.LSN {
	return primitives.LSN(binary.BigEndian.Uint64(p.Buf[offPageLSN:]))
}

func (p *Page) SetLSN(lsn primitives.LSN) {
	binary.BigEndian.PutUint64(p.Buf[offPageLSN:], uint64(lsn))
}

func (p *Page) Type() Type {
	return Type(binary.BigEndian.Uint16(p.Buf[offType:]))
}

func (p *Page) SetType(t Type) {
	binary.BigEndian.PutUint16(p.Buf[offType:], uint16(t))
}

func (p *Page) Flags() uint16 { return binary.BigEndian.Uint16(p.Buf[offFlags:]) }

func (p *Page) SetFlags(f uint16) { binary.BigEndian.PutUint16(p.Buf[offFlags:], f) }

func (p *Page) FreeOffset() uint16 { return binary.BigEndian.Uint16(p.Buf[offFreeOffset:]) }

func (p *Page) SetFreeOffset(v uint16) { binary.BigEndian.PutUint16(p.Buf[offFreeOffset:], v) }

func (p *Page) SlotCount() uint16 { return binary.BigEndian.Uint16(p.Buf[offSlotCount:]) }

func (p *Page) SetSlotCount(v uint16) { binary.BigEndian.PutUint16(p.Buf[offSlotCount:], v) }

// Payload returns the mutable region after the header.
func (p *Page) Payload() []byte { return p.Buf[HeaderSize:] }

// Checksum returns the checksum currently stored in the header.
func (p *Page) Checksum() uint32 { return binary.BigEndian.Uint32(p.Buf[offChecksum:]) }

// ComputeChecksum computes CRC32C over the whole page excluding the
// checksum field itself. On amd64/arm64 Go's hash/crc32 dispatches to a
// hardware CRC32 instruction for the Castagnoli polynomial automatically;
// there is no need for a third-party checksum package (see DESIGN.md).
func (p *Page) ComputeChecksum() uint32 {
	h := crc32.New(castagnoliTable)
	h.Write(p.Buf[:offChecksum])
	h.Write(p.Buf[offChecksum+4:])
	return h.Sum32()
}

// Seal writes the current checksum into the header. Must be called
// before the page is handed to the disk manager for a write.
func (p *Page) Seal() {
	binary.BigEndian.PutUint32(p.Buf[offChecksum:], p.ComputeChecksum())
}

// Verify reports whether the stored checksum matches the page contents.
func (p *Page) Verify() bool {
	return p.Checksum() == p.ComputeChecksum()
}

// Clone deep-copies the page, used when a caller needs a stable snapshot
// of page bytes independent of the buffer pool frame's future mutation.
func (p *Page) Clone() *Page {
	buf := make([]byte, len(p.Buf))
	copy(buf, p.Buf)
	return &Page{Size: p.Size, Buf: buf}
}
