package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMapperNotFound marks a (type, kind) pair with no configured mapper.
	ErrMapperNotFound = errors.New("mapper not found")
	// ErrFieldNotFound marks a configured field missing on the source or target type.
	ErrFieldNotFound = errors.New("field not found")
	// ErrInvalidMapping marks a structurally invalid mapping document.
	ErrInvalidMapping = errors.New("invalid mapping")
	// ErrKeyMismatch marks a child key that disagrees with its parent key.
	ErrKeyMismatch = errors.New("key mismatch")
	// ErrNotFound marks a select that matched no record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey marks an insert whose key already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrPendingTransaction is returned when a connection already has a local transaction.
	ErrPendingTransaction = errors.New("a local pending transaction exists")
	// ErrNoPendingTransaction is returned when commit or rollback finds no local transaction.
	ErrNoPendingTransaction = errors.New("no local pending transaction exists")
)

// ConfigurationError reports a mapping or descriptor problem. It is never retried.
type ConfigurationError struct {
	Type   string
	Kind   string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Type != "" {
		msg += fmt.Sprintf(" for type %s", e.Type)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" / operation kind %s", e.Kind)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" field %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// KeyMismatchError reports a parent/child key inconsistency.
type KeyMismatchError struct {
	Field  string
	Parent any
	Child  any
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("key mismatch on %s: parent=%s child=%s", e.Field, FormatKeyValue(e.Parent), FormatKeyValue(e.Child))
}

func (e *KeyMismatchError) Is(target error) bool { return target == ErrKeyMismatch }

// StoreOperationError wraps a failure raised by a store or remote connector.
type StoreOperationError struct {
	Op     string
	Entity string
	Key    string
	Err    error
}

func (e *StoreOperationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Entity, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StoreOperationError) Unwrap() error { return e.Err }

// TransactionError wraps a begin, commit or rollback failure.
type TransactionError struct {
	Op   string
	Conn ConnectionID
	Err  error
}

func (e *TransactionError) Error() string {
	if e.Conn != "" {
		return fmt.Sprintf("transaction %s on %s: %v", e.Op, e.Conn, e.Err)
	}
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy bucket of err, falling back to "Error".
func ErrorKind(err error) string {
	var (
		cfg *ConfigurationError
		km  *KeyMismatchError
		so  *StoreOperationError
		tx  *TransactionError
	)
	switch {
	case errors.As(err, &cfg):
		return "ConfigurationError"
	case errors.As(err, &km):
		return "KeyMismatchError"
	case errors.As(err, &so):
		return "StoreOperationError"
	case errors.As(err, &tx):
		return "TransactionError"
	default:
		return "Error"
	}
}
