package domain

import (
	"context"
	"time"
)

// Fields is a flat record keyed by store-side field name.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ConnectionID names a configured store connection.
type ConnectionID string

// VersionToken is an opaque row version returned by inserts and updates.
// The empty token means the store does not version rows.
type VersionToken string

// VersionField is the reserved field under which selects report the row
// version of each returned record.
const VersionField = "_version"

// EntityRef addresses one store entity (table, bucket, procedure family) and
// the method name configured for the operation being run.
type EntityRef struct {
	Entity string
	Method string
}

// DataStore is the contract every record store connector satisfies. Operations
// issued on a connection with an active local transaction run inside it.
type DataStore interface {
	Select(ctx context.Context, conn ConnectionID, ref EntityRef, key ObjectKey) (Fields, error)
	SelectSet(ctx context.Context, conn ConnectionID, ref EntityRef, filter Fields) ([]Fields, error)
	Insert(ctx context.Context, conn ConnectionID, ref EntityRef, key ObjectKey, fields Fields) (VersionToken, error)
	Update(ctx context.Context, conn ConnectionID, ref EntityRef, key ObjectKey, fields Fields) (VersionToken, error)
	Delete(ctx context.Context, conn ConnectionID, ref EntityRef, key ObjectKey) error
	BeginLocal(ctx context.Context, conn ConnectionID) (LocalTx, error)
	ServerIdentity(conn ConnectionID) (string, error)
}

// LocalTx is a transaction bound to one connection.
type LocalTx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Active() bool
}

// RemoteService invokes a method on a named service proxy. outputs is aligned
// with params and carries values for output parameters.
type RemoteService interface {
	Invoke(ctx context.Context, proxy, method string, params []any) (result any, outputs []any, err error)
}

// Scope is a transactional scope spanning more than one connection or service.
type Scope interface {
	Complete(ctx context.Context) error
	Close(ctx context.Context) error
}

// ScopeProvider opens distributed-capable scopes.
type ScopeProvider interface {
	BeginScope(ctx context.Context, conns []ConnectionID) (Scope, error)
}

// ExceptionRecord is one logged failure.
type ExceptionRecord struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Stack      string            `json:"stack,omitempty"`
	OriginHost string            `json:"origin_host"`
	Timestamp  time.Time         `json:"timestamp"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// ExceptionSink stores exception records.
type ExceptionSink interface {
	Record(ctx context.Context, rec ExceptionRecord) error
}
