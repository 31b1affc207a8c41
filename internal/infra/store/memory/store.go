// Package memory implements an in-process record backend. Transactions work
// on a private clone and replay their writes onto the live state at commit.
package memory

import (
	"context"
	"fmt"
	"persistcore/internal/infra/store"
	"persistcore/pkg/domain"
	"sort"
	"sync"
)

var _ store.Backend = (*Store)(nil)

type record struct {
	key     domain.ObjectKey
	fields  domain.Fields
	version int64
}

// state holds records by entity, then canonical key.
type state map[string]map[string]record

func (s state) clone() state {
	out := make(state, len(s))
	for entity, rows := range s {
		cp := make(map[string]record, len(rows))
		for k, r := range rows {
			r.fields = r.fields.Clone()
			cp[k] = r
		}
		out[entity] = cp
	}
	return out
}

func (s state) rows(entity string) map[string]record {
	rows, ok := s[entity]
	if !ok {
		rows = make(map[string]record)
		s[entity] = rows
	}
	return rows
}

func (s state) selectOne(ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	r, ok := s[ref.Entity][key.String()]
	if !ok {
		return nil, store.NotFound("select", ref, key)
	}
	return store.WithVersion(r.fields, r.version), nil
}

func (s state) selectSet(ref domain.EntityRef, filter domain.Fields) []domain.Fields {
	rows := s[ref.Entity]
	keys := make([]string, 0, len(rows))
	for k, r := range rows {
		if store.Matches(r.fields, filter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]domain.Fields, 0, len(keys))
	for _, k := range keys {
		r := rows[k]
		out = append(out, store.WithVersion(r.fields, r.version))
	}
	return out
}

func (s state) insert(ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	rows := s.rows(ref.Entity)
	if _, exists := rows[key.String()]; exists {
		return "", store.Duplicate("insert", ref, key)
	}
	rows[key.String()] = record{key: key, fields: fields.Clone(), version: 1}
	return store.Token(1), nil
}

func (s state) update(ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	rows := s.rows(ref.Entity)
	cur, ok := rows[key.String()]
	if !ok {
		return "", store.NotFound("update", ref, key)
	}
	next := store.NextKey(key, fields)
	if next.String() != key.String() {
		if _, taken := rows[next.String()]; taken {
			return "", store.Duplicate("update", ref, next)
		}
		delete(rows, key.String())
	}
	version := cur.version + 1
	rows[next.String()] = record{key: next, fields: fields.Clone(), version: version}
	return store.Token(version), nil
}

// remove deletes a record; deleting an absent key is not an error.
func (s state) remove(ref domain.EntityRef, key domain.ObjectKey) {
	delete(s[ref.Entity], key.String())
}

// Store is a concurrency-safe in-memory backend.
type Store struct {
	mu       sync.RWMutex
	state    state
	identity string
}

// New returns an empty store. identity defaults to a per-instance name.
func New(identity string) *Store {
	s := &Store{state: make(state)}
	if identity == "" {
		identity = fmt.Sprintf("memory:%p", s)
	}
	s.identity = identity
	return s
}

func (s *Store) Identity() string { return s.identity }

func (s *Store) Close() error { return nil }

func (s *Store) Select(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.selectOne(ref, key)
}

func (s *Store) SelectSet(_ context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.selectSet(ref, filter), nil
}

func (s *Store) Insert(_ context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.insert(ref, key, fields)
}

func (s *Store) Update(_ context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.update(ref, key, fields)
}

func (s *Store) Delete(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.remove(ref, key)
	return nil
}

// Begin snapshots the current state for a new transaction.
func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &transaction{store: s, state: s.state.clone()}, nil
}

// Len returns the number of records held for entity.
func (s *Store) Len(entity string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state[entity])
}

type transaction struct {
	store  *Store
	state  state
	writes []func(state) error
	done   bool
}

func (tx *transaction) Select(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	return tx.state.selectOne(ref, key)
}

func (tx *transaction) SelectSet(_ context.Context, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	return tx.state.selectSet(ref, filter), nil
}

func (tx *transaction) Insert(_ context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	token, err := tx.state.insert(ref, key, fields)
	if err != nil {
		return "", err
	}
	fields = fields.Clone()
	tx.writes = append(tx.writes, func(s state) error {
		_, err := s.insert(ref, key, fields)
		return err
	})
	return token, nil
}

func (tx *transaction) Update(_ context.Context, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	token, err := tx.state.update(ref, key, fields)
	if err != nil {
		return "", err
	}
	fields = fields.Clone()
	tx.writes = append(tx.writes, func(s state) error {
		_, err := s.update(ref, key, fields)
		return err
	})
	return token, nil
}

func (tx *transaction) Delete(_ context.Context, ref domain.EntityRef, key domain.ObjectKey) error {
	tx.state.remove(ref, key)
	tx.writes = append(tx.writes, func(s state) error {
		s.remove(ref, key)
		return nil
	})
	return nil
}

// Commit replays the transaction's writes onto a clone of the live state and
// swaps it in only when every write applies.
func (tx *transaction) Commit(_ context.Context) error {
	if tx.done {
		return domain.ErrNoPendingTransaction
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	work := tx.store.state.clone()
	for _, w := range tx.writes {
		if err := w(work); err != nil {
			return err
		}
	}
	tx.store.state = work
	return nil
}

func (tx *transaction) Rollback(_ context.Context) error {
	if tx.done {
		return domain.ErrNoPendingTransaction
	}
	tx.done = true
	tx.writes = nil
	return nil
}
