package record

import (
	"bytes"
	"testing"

	"ariesdb/pkg/primitives"
)

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  *Record
	}{
		{
			name: "update with all images",
			rec: &Record{
				LSN: 42, PrevLSN: 40, UndoNextLSN: 0,
				TxnID: 7, Type: TypeUpdate,
				Timestamp: primitives.HLC{Physical: 100, Logical: 1, NodeID: 3},
				PageID:    9,
				Key:       []byte{0, 16},
				BeforeImage: []byte("old"),
				AfterImage:  []byte("new-value"),
			},
		},
		{
			name: "begin with no images",
			rec: &Record{
				LSN: 1, TxnID: 5, Type: TypeBegin,
				Timestamp: primitives.HLC{Physical: 1, Logical: 0, NodeID: 1},
			},
		},
		{
			name: "CLR carries an undo-next LSN",
			rec: &Record{
				LSN: 99, PrevLSN: 80, UndoNextLSN: 60,
				TxnID: 3, Type: TypeCLR, PageID: 4,
				Key:        []byte{1, 0},
				AfterImage: []byte("restored"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Serialize(tt.rec)
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}

			// The leading 4-byte length prefix is the framing reader's
			// job to strip; Deserialize only sees payload+CRC.
			got, err := Deserialize(data[4:])
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}

			if got.LSN != tt.rec.LSN || got.PrevLSN != tt.rec.PrevLSN || got.UndoNextLSN != tt.rec.UndoNextLSN {
				t.Errorf("LSN fields mismatch: got %+v, want %+v", got, tt.rec)
			}
			if got.TxnID != tt.rec.TxnID || got.Type != tt.rec.Type || got.PageID != tt.rec.PageID {
				t.Errorf("identity fields mismatch: got %+v, want %+v", got, tt.rec)
			}
			if got.Timestamp != tt.rec.Timestamp {
				t.Errorf("timestamp mismatch: got %+v, want %+v", got.Timestamp, tt.rec.Timestamp)
			}
			if !bytes.Equal(got.Key, tt.rec.Key) {
				t.Errorf("Key mismatch: got %v, want %v", got.Key, tt.rec.Key)
			}
			if !bytes.Equal(got.BeforeImage, tt.rec.BeforeImage) {
				t.Errorf("BeforeImage mismatch: got %v, want %v", got.BeforeImage, tt.rec.BeforeImage)
			}
			if !bytes.Equal(got.AfterImage, tt.rec.AfterImage) {
				t.Errorf("AfterImage mismatch: got %v, want %v", got.AfterImage, tt.rec.AfterImage)
			}
		})
	}
}

func TestDeserialize_RejectsCorruptedPayload(t *testing.T) {
	rec := &Record{LSN: 1, TxnID: 1, Type: TypeInsert, AfterImage: []byte("x")}
	data, err := Serialize(rec)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	payload := data[4:]
	corrupted := make([]byte, len(payload))
	copy(corrupted, payload)
	corrupted[0] ^= 0xFF

	if _, err := Deserialize(corrupted); err == nil {
		t.Fatal("expected CRC mismatch error, got nil")
	}
}

func TestType_RedoUndoClassification(t *testing.T) {
	redoable := map[Type]bool{
		TypeUpdate: true, TypeInsert: true, TypeDelete: true, TypeCLR: true,
		TypeBegin: false, TypeCommit: false, TypeAbort: false,
		TypeCheckpointBegin: false, TypePrepare: false,
	}
	for typ, want := range redoable {
		if got := typ.IsRedoable(); got != want {
			t.Errorf("%s.IsRedoable() = %v, want %v", typ, got, want)
		}
	}

	undoable := map[Type]bool{
		TypeUpdate: true, TypeInsert: true, TypeDelete: true,
		TypeCLR: false, TypeBegin: false, TypeCommit: false,
	}
	for typ, want := range undoable {
		if got := typ.IsUndoable(); got != want {
			t.Errorf("%s.IsUndoable() = %v, want %v", typ, got, want)
		}
	}
}

func TestCheckpointSerializeDeserialize_RoundTrip(t *testing.T) {
	cp := &Checkpoint{
		LSN: 500,
		ActiveTxns: map[primitives.TransactionID]*TransactionInfo{
			1: {FirstLSN: 10, LastLSN: 400, UndoNextLSN: 390},
			2: {FirstLSN: 450, LastLSN: 480, UndoNextLSN: 480},
		},
		DirtyPages: map[primitives.PageID]primitives.LSN{
			7:  100,
			12: 200,
		},
	}

	data, err := SerializeCheckpoint(cp)
	if err != nil {
		t.Fatalf("SerializeCheckpoint: %v", err)
	}

	got, err := DeserializeCheckpoint(data)
	if err != nil {
		t.Fatalf("DeserializeCheckpoint: %v", err)
	}

	if got.LSN != cp.LSN {
		t.Errorf("LSN = %d, want %d", got.LSN, cp.LSN)
	}
	if len(got.ActiveTxns) != len(cp.ActiveTxns) {
		t.Fatalf("ActiveTxns len = %d, want %d", len(got.ActiveTxns), len(cp.ActiveTxns))
	}
	for txn, want := range cp.ActiveTxns {
		gotInfo, ok := got.ActiveTxns[txn]
		if !ok {
			t.Fatalf("missing txn %d in decoded checkpoint", txn)
		}
		if *gotInfo != *want {
			t.Errorf("txn %d info = %+v, want %+v", txn, gotInfo, want)
		}
	}
	for pageID, want := range cp.DirtyPages {
		if got.DirtyPages[pageID] != want {
			t.Errorf("dirty page %d LSN = %d, want %d", pageID, got.DirtyPages[pageID], want)
		}
	}
}

func TestDeserializeCheckpoint_RejectsTruncatedData(t *testing.T) {
	cp := &Checkpoint{LSN: 1, ActiveTxns: map[primitives.TransactionID]*TransactionInfo{}, DirtyPages: map[primitives.PageID]primitives.LSN{}}
	data, err := SerializeCheckpoint(cp)
	if err != nil {
		t.Fatalf("SerializeCheckpoint: %v", err)
	}

	if _, err := DeserializeCheckpoint(data[:len(data)-2]); err == nil {
		t.Fatal("expected error decoding truncated checkpoint data")
	}
}
