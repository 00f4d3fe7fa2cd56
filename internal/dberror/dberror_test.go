package dberror

import (
	"errors"
	"strings"
	"testing"

	"ariesdb/pkg/primitives"
)

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	if err := Wrap(nil, KindTransient, CodeIO, "Read", "DiskManager"); err != nil {
		t.Fatalf("Wrap(nil, ...) = %v, want nil", err)
	}
}

func TestWrap_PreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, KindPermanent, CodeIO, "WritePage", "DiskManager")
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
}

func TestAs_ExtractsDBErrorFromChain(t *testing.T) {
	dbErr := New(KindTransient, CodeDeadlock, "selected as victim")
	wrapped := errors.Join(errors.New("context"), dbErr)
	got, ok := As(wrapped)
	if !ok {
		t.Fatal("As should find the *DBError in the chain")
	}
	if got.Code != CodeDeadlock {
		t.Errorf("Code = %s, want %s", got.Code, CodeDeadlock)
	}
}

func TestAs_FalseWhenNoDBErrorInChain(t *testing.T) {
	if _, ok := As(errors.New("plain error")); ok {
		t.Fatal("As should return false for a chain with no *DBError")
	}
}

func TestRetryable_TrueOnlyForTransient(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindPermanent, false},
		{KindProgrammatic, false},
	}
	for _, c := range cases {
		e := New(c.kind, CodeIO, "x")
		if got := e.Retryable(); got != c.want {
			t.Errorf("Retryable() for %s = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestWithTxnWithPage_AttachContextAndAppearInError(t *testing.T) {
	e := New(KindTransient, CodeLockTimeout, "lock wait exceeded").
		WithTxn(primitives.TransactionID(42)).
		WithPage(primitives.PageID(7))
	if e.TxnID != 42 {
		t.Errorf("TxnID = %d, want 42", e.TxnID)
	}
	msg := e.Error()
	if !strings.Contains(msg, "txn=42") || !strings.Contains(msg, "page=7") {
		t.Fatalf("Error() = %q, want it to mention txn=42 and page=7", msg)
	}
}

func TestSafeMessage_AppendsHintWhenPresent(t *testing.T) {
	e := SerializationFailure(primitives.TransactionID(1), "conflicting write on key k")
	got := e.SafeMessage()
	want := "serializable transaction could not be validated (retry the transaction)"
	if got != want {
		t.Fatalf("SafeMessage() = %q, want %q", got, want)
	}
}

func TestSafeMessage_OmitsHintWhenAbsent(t *testing.T) {
	e := New(KindPermanent, CodeInvalidConfig, "bad page size")
	if got := e.SafeMessage(); got != "bad page size" {
		t.Fatalf("SafeMessage() = %q, want %q", got, "bad page size")
	}
}

func TestCorruption_IsPermanentAndCarriesPageID(t *testing.T) {
	e := Corruption("BufferPool", primitives.PageID(3), "crc mismatch")
	if e.Kind != KindPermanent {
		t.Errorf("Kind = %s, want permanent", e.Kind)
	}
	if e.PageID != 3 {
		t.Errorf("PageID = %d, want 3", e.PageID)
	}
	if e.Retryable() {
		t.Error("corruption should not be retryable")
	}
}
