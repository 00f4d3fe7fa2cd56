// Package record defines the WAL's self-describing log record: physical
// framing and the physiological record types (begin/commit/abort,
// insert/update/delete, CLR, checkpoint markers), length-prefixed and
// big-endian encoded, carrying arbitrary key/value before/after images.
package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"ariesdb/pkg/primitives"
)

// Type identifies the physiological meaning of a log record.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeBegin
	TypeCommit
	TypeAbort
	TypeUpdate
	TypeInsert
	TypeDelete
	TypeCLR
	TypeCheckpointBegin
	TypeCheckpointEnd
	TypePrepare // durable two-phase-commit prepare marker
)

func (t Type) String() string {
	switch t {
	case TypeBegin:
		return "Begin"
	case TypeCommit:
		return "Commit"
	case TypeAbort:
		return "Abort"
	case TypeUpdate:
		return "Update"
	case TypeInsert:
		return "Insert"
	case TypeDelete:
		return "Delete"
	case TypeCLR:
		return "CLR"
	case TypeCheckpointBegin:
		return "CheckpointBegin"
	case TypeCheckpointEnd:
		return "CheckpointEnd"
	case TypePrepare:
		return "Prepare"
	default:
		return "Invalid"
	}
}

// IsRedoable reports whether Redo must consider this record type.
func (t Type) IsRedoable() bool {
	switch t {
	case TypeUpdate, TypeInsert, TypeDelete, TypeCLR:
		return true
	default:
		return false
	}
}

// IsUndoable reports whether Undo must roll this record type back.
func (t Type) IsUndoable() bool {
	switch t {
	case TypeUpdate, TypeInsert, TypeDelete:
		return true
	default:
		return false
	}
}

// Record is one physiological log entry. Logical within a page (Key
// names the logical operation target), physical across pages (PageID
// pins the record to the single page it affects).
type Record struct {
	LSN         primitives.LSN
	PrevLSN     primitives.LSN // back-pointer through this txn's undo chain
	UndoNextLSN primitives.LSN // CLR only: LSN to process next during undo
	TxnID       primitives.TransactionID
	Type        Type
	Timestamp   primitives.HLC
	PageID      primitives.PageID

	Key        []byte
	BeforeImage []byte
	AfterImage  []byte
}

// Clone returns a deep copy safe to mutate independently of r.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Key = append([]byte(nil), r.Key...)
	cp.BeforeImage = append([]byte(nil), r.BeforeImage...)
	cp.AfterImage = append([]byte(nil), r.AfterImage...)
	return &cp
}

// Serialize encodes r using the WAL record's fixed framing:
//
//	length(4) LSN(8) prevLSN(8) undoNextLSN(8) txnID(8) type(2) HLC(16) payload CRC32C(4)
func Serialize(r *Record) ([]byte, error) {
	var buf bytes.Buffer

	write := func(v any) error { return binary.Write(&buf, binary.BigEndian, v) }

	if err := write(uint64(r.LSN)); err != nil {
		return nil, err
	}
	if err := write(uint64(r.PrevLSN)); err != nil {
		return nil, err
	}
	if err := write(uint64(r.UndoNextLSN)); err != nil {
		return nil, err
	}
	if err := write(int64(r.TxnID)); err != nil {
		return nil, err
	}
	if err := write(uint16(r.Type)); err != nil {
		return nil, err
	}
	if err := write(r.Timestamp.Physical); err != nil {
		return nil, err
	}
	if err := write(r.Timestamp.Logical); err != nil {
		return nil, err
	}
	if err := write(r.Timestamp.NodeID); err != nil {
		return nil, err
	}
	if err := write(uint64(r.PageID)); err != nil {
		return nil, err
	}

	for _, field := range [][]byte{r.Key, r.BeforeImage, r.AfterImage} {
		if err := write(uint32(len(field))); err != nil {
			return nil, err
		}
		buf.Write(field)
	}

	payload := buf.Bytes()
	crc := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))

	out := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(out, uint32(len(payload)+4))
	copy(out[4:], payload)
	binary.BigEndian.PutUint32(out[4+len(payload):], crc)
	return out, nil
}

// Deserialize decodes one record from data (without the leading length
// prefix, which the caller's framing reader has already consumed and
// validated). It returns an error if the trailing CRC32C does not match.
func Deserialize(data []byte) (*Record, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("record too short")
	}
	payload := data[:len(data)-4]
	wantCRC := binary.BigEndian.Uint32(data[len(data)-4:])
	gotCRC := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))
	if wantCRC != gotCRC {
		return nil, fmt.Errorf("record CRC mismatch: want %x got %x", wantCRC, gotCRC)
	}

	r := &Record{}
	buf := bytes.NewReader(payload)

	var lsn, prevLSN, undoNextLSN uint64
	var txnID int64
	var typ uint16
	var physical int64
	var logical, nodeID uint32
	var pageID uint64

	readFields := []any{&lsn, &prevLSN, &undoNextLSN, &txnID, &typ, &physical, &logical, &nodeID, &pageID}
	for _, f := range readFields {
		if err := binary.Read(buf, binary.BigEndian, f); err != nil {
			return nil, fmt.Errorf("decode record header: %w", err)
		}
	}

	r.LSN = primitives.LSN(lsn)
	r.PrevLSN = primitives.LSN(prevLSN)
	r.UndoNextLSN = primitives.LSN(undoNextLSN)
	r.TxnID = primitives.TransactionID(txnID)
	r.Type = Type(typ)
	r.Timestamp = primitives.HLC{Physical: physical, Logical: logical, NodeID: nodeID}
	r.PageID = primitives.PageID(pageID)

	fields := make([][]byte, 3)
	for i := range fields {
		var n uint32
		if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("decode record field length: %w", err)
		}
		b := make([]byte, n)
		if n > 0 {
			if _, err := buf.Read(b); err != nil {
				return nil, fmt.Errorf("decode record field: %w", err)
			}
		}
		fields[i] = b
	}
	r.Key, r.BeforeImage, r.AfterImage = fields[0], fields[1], fields[2]

	return r, nil
}

// TransactionInfo is the per-transaction bookkeeping carried inside a
// checkpoint record.
type TransactionInfo struct {
	FirstLSN    primitives.LSN
	LastLSN     primitives.LSN
	UndoNextLSN primitives.LSN
}

// Checkpoint is the fuzzy-checkpoint snapshot written by
// CheckpointBegin/CheckpointEnd: the dirty page table and transaction
// table at the moment the checkpoint started.
type Checkpoint struct {
	LSN        primitives.LSN
	ActiveTxns map[primitives.TransactionID]*TransactionInfo
	DirtyPages map[primitives.PageID]primitives.LSN
}

// SerializeCheckpoint encodes a checkpoint size-prefixed and big-endian,
// as two repeated sections: transactions, then dirty pages.
func SerializeCheckpoint(cp *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	write := func(v any) error { return binary.Write(&buf, binary.BigEndian, v) }

	if err := write(uint64(cp.LSN)); err != nil {
		return nil, err
	}
	if err := write(uint32(len(cp.ActiveTxns))); err != nil {
		return nil, err
	}
	for txn, info := range cp.ActiveTxns {
		for _, v := range []any{int64(txn), uint64(info.FirstLSN), uint64(info.LastLSN), uint64(info.UndoNextLSN)} {
			if err := write(v); err != nil {
				return nil, err
			}
		}
	}
	if err := write(uint32(len(cp.DirtyPages))); err != nil {
		return nil, err
	}
	for pageID, lsn := range cp.DirtyPages {
		if err := write(uint64(pageID)); err != nil {
			return nil, err
		}
		if err := write(uint64(lsn)); err != nil {
			return nil, err
		}
	}

	data := buf.Bytes()
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:], data)
	return out, nil
}

// DeserializeCheckpoint decodes a checkpoint written by SerializeCheckpoint.
func DeserializeCheckpoint(data []byte) (*Checkpoint, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("checkpoint data too short")
	}
	size := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)) < size {
		return nil, fmt.Errorf("checkpoint data truncated: want %d got %d", size, len(data))
	}

	buf := bytes.NewReader(data[4:size])
	cp := &Checkpoint{
		ActiveTxns: make(map[primitives.TransactionID]*TransactionInfo),
		DirtyPages: make(map[primitives.PageID]primitives.LSN),
	}

	var lsn uint64
	if err := binary.Read(buf, binary.BigEndian, &lsn); err != nil {
		return nil, err
	}
	cp.LSN = primitives.LSN(lsn)

	var numTxns uint32
	if err := binary.Read(buf, binary.BigEndian, &numTxns); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numTxns; i++ {
		var txn int64
		var first, last, undoNext uint64
		for _, f := range []any{&txn, &first, &last, &undoNext} {
			if err := binary.Read(buf, binary.BigEndian, f); err != nil {
				return nil, err
			}
		}
		cp.ActiveTxns[primitives.TransactionID(txn)] = &TransactionInfo{
			FirstLSN:    primitives.LSN(first),
			LastLSN:     primitives.LSN(last),
			UndoNextLSN: primitives.LSN(undoNext),
		}
	}

	var numPages uint32
	if err := binary.Read(buf, binary.BigEndian, &numPages); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numPages; i++ {
		var pageID, lsn uint64
		if err := binary.Read(buf, binary.BigEndian, &pageID); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.BigEndian, &lsn); err != nil {
			return nil, err
		}
		cp.DirtyPages[primitives.PageID(pageID)] = primitives.LSN(lsn)
	}

	return cp, nil
}
