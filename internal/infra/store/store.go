// Package store routes DataStore calls to per-connection backends and holds
// the record helpers those backends share.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"persistcore/pkg/domain"
	"strconv"
)

// Ops are the record operations a backend and its transactions expose.
type Ops interface {
	Select(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error)
	SelectSet(ctx context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error)
	Insert(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error)
	Update(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error)
	Delete(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) error
}

// Tx is a backend transaction.
type Tx interface {
	Ops
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the store behind one or more connection ids.
type Backend interface {
	Ops
	Begin(ctx context.Context) (Tx, error)
	// Identity names the physical server or file behind the backend.
	Identity() string
	Close() error
}

// NextKey returns the key a record carries once fields are applied.
func NextKey(key domain.ObjectKey, fields domain.Fields) domain.ObjectKey {
	next := key
	key.Each(func(name string, _ any) {
		if v, ok := fields[name]; ok {
			next = next.With(name, v)
		}
	})
	return next
}

// Matches reports whether every filter entry equals the record's value.
func Matches(fields, filter domain.Fields) bool {
	for name, want := range filter {
		got, ok := fields[name]
		if !ok || domain.FormatKeyValue(got) != domain.FormatKeyValue(want) {
			return false
		}
	}
	return true
}

// WithVersion returns a copy of fields carrying version under VersionField.
func WithVersion(fields domain.Fields, version int64) domain.Fields {
	out := fields.Clone()
	if out == nil {
		out = domain.Fields{}
	}
	delete(out, domain.VersionField)
	if version > 0 {
		out[domain.VersionField] = Token(version)
	}
	return out
}

// Token renders a numeric row version.
func Token(version int64) domain.VersionToken {
	return domain.VersionToken(strconv.FormatInt(version, 10))
}

// EncodeFields serialises a record payload.
func EncodeFields(fields domain.Fields) ([]byte, error) {
	clean := fields.Clone()
	delete(clean, domain.VersionField)
	return json.Marshal(clean)
}

// DecodeFields parses a payload, keeping numbers exact.
func DecodeFields(data []byte) (domain.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out domain.Fields
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if out == nil {
		out = domain.Fields{}
	}
	return out, nil
}

// NotFound builds the error returned for a missing record.
func NotFound(op string, ref domain.EntityRef, key domain.ObjectKey) error {
	return &domain.StoreOperationError{Op: op, Entity: ref.Entity, Key: key.String(), Err: domain.ErrNotFound}
}

// Duplicate builds the error returned when a key is already taken.
func Duplicate(op string, ref domain.EntityRef, key domain.ObjectKey) error {
	return &domain.StoreOperationError{Op: op, Entity: ref.Entity, Key: key.String(), Err: domain.ErrDuplicateKey}
}
