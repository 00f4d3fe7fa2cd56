// Package dberror defines the engine's structured error type: a
// Kind/Code/Message/Detail/Hint/Operation/Component shape with structured
// context (txn id, page id) that lets a caller distinguish a retryable
// condition from a permanent one.
package dberror

import (
	"errors"
	"fmt"

	"ariesdb/pkg/primitives"
)

// Kind classifies an error for the caller's retry decision.
type Kind int

const (
	// KindTransient errors may succeed if the caller retries: deadlock,
	// serialization failure, lock timeout, transient I/O.
	KindTransient Kind = iota
	// KindPermanent errors will not resolve themselves: corruption,
	// invalid configuration, a hard resource cap with no prospect of
	// relief.
	KindPermanent
	// KindProgrammatic errors indicate a caller contract violation:
	// operating on a committed/aborted transaction, bad arguments.
	KindProgrammatic
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindProgrammatic:
		return "programmatic"
	default:
		return "unknown"
	}
}

// Stable error codes. Callers switch on these, never on Message text.
const (
	CodeIO                  = "IO_ERROR"
	CodeCorruption          = "CORRUPTION"
	CodeDeadlock            = "DEADLOCK"
	CodeSerializationFail   = "SERIALIZATION_FAILURE"
	CodeLockTimeout         = "LOCK_TIMEOUT"
	CodeResourceExhausted   = "RESOURCE_EXHAUSTED"
	CodeInvalidConfig       = "INVALID_CONFIGURATION"
	CodeTxnNotActive        = "TRANSACTION_NOT_ACTIVE"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeRecoveryFailed      = "RECOVERY_FAILED"
	CodeEngineReadOnly      = "ENGINE_READ_ONLY"
	CodeNotFound            = "NOT_FOUND"
)

// DBError is the structured error value returned by every fallible engine
// operation.
type DBError struct {
	Kind      Kind
	Code      string
	Message   string   // technical description: full context, no redaction
	Detail    string   // additional technical detail
	Hint      string   // suggested remediation, technical audience
	Operation string   // e.g. "Commit", "Acquire", "FetchPage"
	Component string   // e.g. "TransactionManager", "BufferPool"
	TxnID     primitives.TransactionID
	PageID    primitives.PageID
	cause     error
}

// New creates a DBError with no wrapped cause.
func New(kind Kind, code, message string) *DBError {
	return &DBError{Kind: kind, Code: code, Message: message}
}

// Wrap creates a DBError around an existing error, attaching the
// operation and component that observed it.
func Wrap(err error, kind Kind, code, operation, component string) *DBError {
	if err == nil {
		return nil
	}
	return &DBError{
		Kind:      kind,
		Code:      code,
		Message:   err.Error(),
		Operation: operation,
		Component: component,
		cause:     err,
	}
}

// WithTxn attaches transaction context and returns the receiver for chaining.
func (e *DBError) WithTxn(id primitives.TransactionID) *DBError {
	e.TxnID = id
	return e
}

// WithPage attaches page context and returns the receiver for chaining.
func (e *DBError) WithPage(id primitives.PageID) *DBError {
	e.PageID = id
	return e
}

// Error implements the error interface with the full technical message.
// Logs should use this; API responses should use SafeMessage.
func (e *DBError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s", e.Component, e.Code, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (op=%s)", msg, e.Operation)
	}
	if e.TxnID != primitives.InvalidTransactionID {
		msg = fmt.Sprintf("%s txn=%d", msg, e.TxnID)
	}
	if e.PageID != primitives.InvalidPageID {
		msg = fmt.Sprintf("%s page=%d", msg, e.PageID)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// SafeMessage renders a user-facing message with no internal paths, stack
// traces, or row identifiers — suitable for an API response.
func (e *DBError) SafeMessage() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Hint)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *DBError) Unwrap() error { return e.cause }

// Retryable reports whether the engine believes a caller retry could
// succeed.
func (e *DBError) Retryable() bool { return e.Kind == KindTransient }

// As is a convenience for pulling a *DBError out of an arbitrary error
// chain, mirroring errors.As without requiring callers to declare a var.
func As(err error) (*DBError, bool) {
	var target *DBError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Deadlock constructs the canonical deadlock-victim error.
func Deadlock(txn primitives.TransactionID) *DBError {
	return New(KindTransient, CodeDeadlock, "transaction selected as deadlock victim").WithTxn(txn)
}

// SerializationFailure constructs the canonical write-skew/conflict error.
func SerializationFailure(txn primitives.TransactionID, detail string) *DBError {
	e := New(KindTransient, CodeSerializationFail, "serializable transaction could not be validated").WithTxn(txn)
	e.Detail = detail
	e.Hint = "retry the transaction"
	return e
}

// LockTimeout constructs the canonical lock-wait-deadline-exceeded error.
func LockTimeout(txn primitives.TransactionID) *DBError {
	return New(KindTransient, CodeLockTimeout, "lock acquisition deadline exceeded").WithTxn(txn)
}

// ResourceExhausted constructs a hard-cap error for the named resource.
func ResourceExhausted(component, resource string) *DBError {
	e := New(KindPermanent, CodeResourceExhausted, fmt.Sprintf("%s exhausted", resource))
	e.Component = component
	return e
}

// Corruption constructs the canonical checksum-mismatch error.
func Corruption(component string, page primitives.PageID, detail string) *DBError {
	e := New(KindPermanent, CodeCorruption, "checksum verification failed").WithPage(page)
	e.Component = component
	e.Detail = detail
	e.Hint = "engine is now read-only; manual intervention required"
	return e
}
