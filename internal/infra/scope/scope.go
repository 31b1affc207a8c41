// Package scope provides the ScopeProvider used for distributed units of
// work. A scope opens one local transaction per distinct physical server and
// commits them in order on Complete. It has no prepare phase: if a later
// commit fails, servers committed before it stay committed and the error
// names the failing connection.
package scope

import (
	"context"
	"errors"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
)

var _ domain.ScopeProvider = (*Provider)(nil)

type Provider struct {
	store  domain.DataStore
	logger log.Logger
}

// NewProvider returns a provider that opens transactions on store.
func NewProvider(store domain.DataStore, logger log.Logger) *Provider {
	if logger == nil {
		logger = log.Nop()
	}
	return &Provider{store: store, logger: logger}
}

// BeginScope opens a transaction for the first connection of each server in
// conns. Connections that share a server share its transaction.
func (p *Provider) BeginScope(ctx context.Context, conns []domain.ConnectionID) (domain.Scope, error) {
	s := &Scope{logger: p.logger}
	seen := make(map[string]struct{}, len(conns))
	for _, conn := range conns {
		id, err := p.store.ServerIdentity(conn)
		if err != nil {
			return nil, errors.Join(err, s.Close(ctx))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		tx, err := p.store.BeginLocal(ctx, conn)
		if err != nil {
			return nil, errors.Join(err, s.Close(ctx))
		}
		s.branches = append(s.branches, branch{conn: conn, server: id, tx: tx})
	}
	p.logger.Debug("scope opened", log.Int("servers", len(s.branches)))
	return s, nil
}

type branch struct {
	conn   domain.ConnectionID
	server string
	tx     domain.LocalTx
}

// Scope holds the open branches of one distributed unit of work.
type Scope struct {
	logger   log.Logger
	branches []branch
	complete bool
}

// Servers lists the server identities the scope spans, in open order.
func (s *Scope) Servers() []string {
	out := make([]string, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b.server)
	}
	return out
}

// Complete commits every branch in open order and stops at the first
// failure. Uncommitted branches are rolled back by Close.
func (s *Scope) Complete(ctx context.Context) error {
	for _, b := range s.branches {
		if err := b.tx.Commit(ctx); err != nil {
			s.logger.Error("scope branch commit failed", log.String("connection", string(b.conn)), log.String("server", b.server), log.Err(err))
			return err
		}
	}
	s.complete = true
	return nil
}

// Close rolls back every branch that is still active.
func (s *Scope) Close(ctx context.Context) error {
	var errs []error
	for _, b := range s.branches {
		if !b.tx.Active() {
			continue
		}
		if err := b.tx.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if !s.complete && len(s.branches) > 0 {
		s.logger.Debug("scope rolled back", log.Int("servers", len(s.branches)))
	}
	return errors.Join(errs...)
}
