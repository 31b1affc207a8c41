package store

import (
	"context"
	"errors"
	"fmt"
	"persistcore/pkg/domain"
	"slices"
	"sort"
	"sync"
)

var _ domain.DataStore = (*Router)(nil)

// Router implements domain.DataStore over backends registered per connection
// id. Several ids may share one backend; they then also share its pending
// local transaction.
type Router struct {
	mu       sync.Mutex
	backends map[domain.ConnectionID]Backend
	active   map[Backend]*localTx
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		backends: make(map[domain.ConnectionID]Backend),
		active:   make(map[Backend]*localTx),
	}
}

// Register binds conn to b, replacing any earlier binding.
func (r *Router) Register(conn domain.ConnectionID, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[conn] = b
}

// Alias binds conn to the backend already registered for target.
func (r *Router) Alias(conn, target domain.ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[target]
	if !ok {
		return fmt.Errorf("alias %s: unknown connection %s", conn, target)
	}
	r.backends[conn] = b
	return nil
}

// Connections lists registered connection ids in sorted order.
func (r *Router) Connections() []domain.ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ConnectionID, 0, len(r.backends))
	for id := range r.backends {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) backend(conn domain.ConnectionID) (Backend, error) {
	b, ok := r.backends[conn]
	if !ok {
		return nil, &domain.StoreOperationError{Op: "connect", Entity: string(conn), Err: fmt.Errorf("unknown connection %q", conn)}
	}
	return b, nil
}

// ops returns the pending transaction of conn's backend, or the backend.
func (r *Router) ops(conn domain.ConnectionID) (Ops, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.backend(conn)
	if err != nil {
		return nil, err
	}
	if lt, ok := r.active[b]; ok {
		for _, p := range lt.parts {
			if p.backend == b {
				return p.tx, nil
			}
		}
	}
	return b, nil
}

func (r *Router) Select(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	o, err := r.ops(conn)
	if err != nil {
		return nil, err
	}
	return o.Select(ctx, ref, key)
}

func (r *Router) SelectSet(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	o, err := r.ops(conn)
	if err != nil {
		return nil, err
	}
	return o.SelectSet(ctx, ref, filter)
}

func (r *Router) Insert(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	o, err := r.ops(conn)
	if err != nil {
		return "", err
	}
	return o.Insert(ctx, ref, key, fields)
}

func (r *Router) Update(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	o, err := r.ops(conn)
	if err != nil {
		return "", err
	}
	return o.Update(ctx, ref, key, fields)
}

func (r *Router) Delete(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey) error {
	o, err := r.ops(conn)
	if err != nil {
		return err
	}
	return o.Delete(ctx, ref, key)
}

// BeginLocal opens the single pending transaction allowed per backend. The
// transaction spans every backend reporting the same server identity as
// conn's, so connections that share an identity override write inside it.
func (r *Router) BeginLocal(ctx context.Context, conn domain.ConnectionID) (domain.LocalTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.backend(conn)
	if err != nil {
		return nil, err
	}
	peers := r.peers(b)
	for _, p := range peers {
		if _, pending := r.active[p]; pending {
			return nil, &domain.TransactionError{Op: "begin", Conn: conn, Err: domain.ErrPendingTransaction}
		}
	}
	lt := &localTx{router: r, conn: conn}
	for _, p := range peers {
		tx, err := p.Begin(ctx)
		if err != nil {
			lt.abort(ctx)
			return nil, &domain.TransactionError{Op: "begin", Conn: conn, Err: err}
		}
		lt.parts = append(lt.parts, txPart{backend: p, tx: tx})
	}
	for _, p := range peers {
		r.active[p] = lt
	}
	return lt, nil
}

// peers returns b followed by the other distinct backends sharing its
// identity, in connection order.
func (r *Router) peers(b Backend) []Backend {
	out := []Backend{b}
	id := b.Identity()
	conns := make([]domain.ConnectionID, 0, len(r.backends))
	for c := range r.backends {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i] < conns[j] })
	for _, c := range conns {
		o := r.backends[c]
		if o.Identity() == id && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}

// ServerIdentity returns the identity of conn's backend.
func (r *Router) ServerIdentity(conn domain.ConnectionID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := r.backend(conn)
	if err != nil {
		return "", err
	}
	return b.Identity(), nil
}

// Close rolls back pending transactions and closes every distinct backend.
func (r *Router) Close() error {
	r.mu.Lock()
	pending := make([]*localTx, 0, len(r.active))
	for _, lt := range r.active {
		pending = append(pending, lt)
	}
	seen := make(map[Backend]struct{}, len(r.backends))
	var backends []Backend
	for _, b := range r.backends {
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		backends = append(backends, b)
	}
	r.mu.Unlock()
	var errs []error
	for _, lt := range pending {
		if err := lt.Rollback(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	for _, b := range backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type txPart struct {
	backend Backend
	tx      Tx
}

type localTx struct {
	router *Router
	conn   domain.ConnectionID
	parts  []txPart
}

// abort rolls back parts begun before a failed begin. Callers hold the
// router lock.
func (t *localTx) abort(ctx context.Context) {
	for _, p := range t.parts {
		_ = p.tx.Rollback(ctx)
	}
}

// release detaches the transaction; false means it was no longer pending.
func (t *localTx) release() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	if t.router.active[t.parts[0].backend] != t {
		return false
	}
	for _, p := range t.parts {
		delete(t.router.active, p.backend)
	}
	return true
}

func (t *localTx) Active() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.router.active[t.parts[0].backend] == t
}

// Commit commits each backend in begin order. After a failure the remaining
// backends are rolled back.
func (t *localTx) Commit(ctx context.Context) error {
	if !t.release() {
		return &domain.TransactionError{Op: "commit", Conn: t.conn, Err: domain.ErrNoPendingTransaction}
	}
	for i, p := range t.parts {
		if err := p.tx.Commit(ctx); err != nil {
			var errs []error
			for _, rest := range t.parts[i+1:] {
				if rerr := rest.tx.Rollback(ctx); rerr != nil {
					errs = append(errs, rerr)
				}
			}
			return &domain.TransactionError{Op: "commit", Conn: t.conn, Err: errors.Join(append([]error{err}, errs...)...)}
		}
	}
	return nil
}

func (t *localTx) Rollback(ctx context.Context) error {
	if !t.release() {
		return &domain.TransactionError{Op: "rollback", Conn: t.conn, Err: domain.ErrNoPendingTransaction}
	}
	var errs []error
	for _, p := range t.parts {
		if err := p.tx.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &domain.TransactionError{Op: "rollback", Conn: t.conn, Err: errors.Join(errs...)}
	}
	return nil
}
