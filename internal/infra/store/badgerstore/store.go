// Package badgerstore keeps records in an embedded Badger database. Each
// record lives under "<entity>\x00<canonical key>" as a JSON envelope.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"persistcore/internal/infra/store"
	"persistcore/pkg/domain"

	"github.com/dgraph-io/badger/v4"
)

var _ store.Backend = (*Store)(nil)

type envelope struct {
	Fields  json.RawMessage `json:"fields"`
	Version int64           `json:"version"`
}

// Store is a Badger-backed record backend.
type Store struct {
	db       *badger.DB
	identity string
}

// Open opens dir, or an in-memory database when dir is empty or ":memory:".
func Open(dir string) (*Store, error) {
	var opts badger.Options
	inMemory := dir == "" || dir == ":memory:"
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db}
	if inMemory {
		s.identity = fmt.Sprintf("badger:memory:%p", db)
	} else {
		abs, err := filepath.Abs(dir)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("resolve badger dir: %w", err)
		}
		s.identity = "badger:" + abs
	}
	return s, nil
}

func (s *Store) Identity() string { return s.identity }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Select(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	var out domain.Fields
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = txnOps{txn}.get(ref, key)
		return err
	})
	return out, err
}

func (s *Store) SelectSet(_ context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	var out []domain.Fields
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = txnOps{txn}.scan(ref, filter)
		return err
	})
	return out, err
}

func (s *Store) Insert(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	var token domain.VersionToken
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		token, err = txnOps{txn}.Insert(ctx, ref, key, fields)
		return err
	})
	return token, err
}

func (s *Store) Update(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	var token domain.VersionToken
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		token, err = txnOps{txn}.Update(ctx, ref, key, fields)
		return err
	})
	return token, err
}

func (s *Store) Delete(ctx context.Context, ref domain.EntityRef, key domain.ObjectKey) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txnOps{txn}.Delete(ctx, ref, key)
	})
}

// Begin opens a read-write Badger transaction.
func (s *Store) Begin(context.Context) (store.Tx, error) {
	return &transaction{txnOps: txnOps{s.db.NewTransaction(true)}}, nil
}

type transaction struct {
	txnOps
}

func (t *transaction) Commit(context.Context) error {
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

func (t *transaction) Rollback(context.Context) error {
	t.txn.Discard()
	return nil
}

type txnOps struct {
	txn *badger.Txn
}

func recordKey(ref domain.EntityRef, key domain.ObjectKey) []byte {
	return append(entityPrefix(ref), key.String()...)
}

func entityPrefix(ref domain.EntityRef) []byte {
	return append([]byte(ref.Entity), 0)
}

func (o txnOps) load(k []byte) (envelope, bool, error) {
	item, err := o.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, err
	}
	var env envelope
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &env) }); err != nil {
		return envelope{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	return env, true, nil
}

func (o txnOps) put(k []byte, fields domain.Fields, version int64) error {
	payload, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Fields: payload, Version: version})
	if err != nil {
		return err
	}
	return o.txn.Set(k, data)
}

func (o txnOps) get(ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	env, ok, err := o.load(recordKey(ref, key))
	if err != nil {
		return nil, &domain.StoreOperationError{Op: "select", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	if !ok {
		return nil, store.NotFound("select", ref, key)
	}
	fields, err := store.DecodeFields(env.Fields)
	if err != nil {
		return nil, err
	}
	return store.WithVersion(fields, env.Version), nil
}

func (o txnOps) scan(ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	prefix := entityPrefix(ref)
	it := o.txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
	defer it.Close()
	var out []domain.Fields
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var env envelope
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &env) }); err != nil {
			return nil, fmt.Errorf("decode envelope %q: %w", bytes.TrimPrefix(it.Item().Key(), prefix), err)
		}
		fields, err := store.DecodeFields(env.Fields)
		if err != nil {
			return nil, err
		}
		if store.Matches(fields, filter) {
			out = append(out, store.WithVersion(fields, env.Version))
		}
	}
	return out, nil
}

func (o txnOps) Select(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	return o.get(ref, key)
}

func (o txnOps) SelectSet(_ context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	return o.scan(ref, filter)
}

func (o txnOps) Insert(_ context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	k := recordKey(ref, key)
	_, exists, err := o.load(k)
	if err != nil {
		return "", &domain.StoreOperationError{Op: "insert", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	if exists {
		return "", store.Duplicate("insert", ref, key)
	}
	if err := o.put(k, fields, 1); err != nil {
		return "", &domain.StoreOperationError{Op: "insert", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	return store.Token(1), nil
}

func (o txnOps) Update(_ context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	k := recordKey(ref, key)
	cur, exists, err := o.load(k)
	if err != nil {
		return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	if !exists {
		return "", store.NotFound("update", ref, key)
	}
	next := store.NextKey(key, fields)
	nk := recordKey(ref, next)
	if !bytes.Equal(nk, k) {
		if _, taken, err := o.load(nk); err != nil {
			return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: next.String(), Err: err}
		} else if taken {
			return "", store.Duplicate("update", ref, next)
		}
		if err := o.txn.Delete(k); err != nil {
			return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: key.String(), Err: err}
		}
	}
	version := cur.Version + 1
	if err := o.put(nk, fields, version); err != nil {
		return "", &domain.StoreOperationError{Op: "update", Entity: ref.Entity, Key: next.String(), Err: err}
	}
	return store.Token(version), nil
}

func (o txnOps) Delete(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) error {
	if err := o.txn.Delete(recordKey(ref, key)); err != nil {
		return &domain.StoreOperationError{Op: "delete", Entity: ref.Entity, Key: key.String(), Err: err}
	}
	return nil
}
