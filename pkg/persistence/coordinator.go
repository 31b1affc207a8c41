package persistence

import (
	"cmp"
	"context"
	"errors"
	"math"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"slices"

	"github.com/google/uuid"
)

// Plan is the outcome of classifying a unit of work.
type Plan struct {
	// Distributed is true when a participant has no local connection or the
	// participants span more than one physical server.
	Distributed bool
	// Conn is the shared connection of a local unit of work.
	Conn domain.ConnectionID
	// Conns lists every distinct connection in first-seen order.
	Conns []domain.ConnectionID
}

// Classify decides between a local and a distributed unit of work. identity
// resolves a connection to the physical server behind it; connections that
// resolve to the same server share one local transaction.
func Classify[L Locator](participants []L, identity func(domain.ConnectionID) (string, error)) (Plan, error) {
	var plan Plan
	servers := make(map[string]struct{})
	seen := make(map[domain.ConnectionID]struct{})
	for _, p := range participants {
		conn, ok := p.Connection()
		if !ok {
			plan.Distributed = true
			continue
		}
		if _, dup := seen[conn]; dup {
			continue
		}
		seen[conn] = struct{}{}
		plan.Conns = append(plan.Conns, conn)
		id, err := identity(conn)
		if err != nil {
			return Plan{}, err
		}
		servers[id] = struct{}{}
	}
	if len(servers) > 1 {
		plan.Distributed = true
	}
	if !plan.Distributed && len(plan.Conns) > 0 {
		plan.Conn = plan.Conns[0]
	}
	return plan, nil
}

// Coordinator commits enlisted participants as one unit of work. It is used
// once: enlist, Commit, then Close. A Coordinator is not safe for concurrent
// use.
type Coordinator struct {
	rt     *Runtime
	id     string
	logger log.Logger

	participants []Participant
	next         int
	committed    bool
	tx           domain.LocalTx
}

// NewCoordinator starts a unit of work.
func (rt *Runtime) NewCoordinator() *Coordinator {
	id := uuid.NewString()
	return &Coordinator{
		rt:     rt,
		id:     id,
		logger: rt.logger.With(log.String("uow_id", id)),
	}
}

// ID returns the unit-of-work id used in log fields and exception records.
func (c *Coordinator) ID() string { return c.id }

// Len returns the number of enlisted participants.
func (c *Coordinator) Len() int { return len(c.participants) }

// Committed reports whether Commit completed successfully.
func (c *Coordinator) Committed() bool { return c.committed }

// Enlist defers p's commit and appends it in enlistment order.
func (c *Coordinator) Enlist(p Participant) {
	c.EnlistAt(p, c.next)
}

// EnlistAt defers p's commit and gives it execution sequence seq.
func (c *Coordinator) EnlistAt(p Participant, seq int) {
	p.SetDeferred(true)
	p.setExecutionSequence(seq)
	c.participants = append(c.participants, p)
	if seq >= c.next && seq < math.MaxInt {
		c.next = seq + 1
	}
}

// IsDistributed classifies the currently enlisted participants.
func (c *Coordinator) IsDistributed() (bool, error) {
	plan, err := Classify(c.participants, c.rt.identity)
	if err != nil {
		return false, err
	}
	return plan.Distributed, nil
}

// Commit runs every participant's commit in ascending execution sequence
// inside one local transaction or one distributed scope. On failure every
// participant is refreshed and the original error returned. Either way the
// participant list is cleared and commits are no longer deferred.
func (c *Coordinator) Commit(ctx context.Context) (err error) {
	if len(c.participants) == 0 {
		return nil
	}
	ordered := slices.Clone(c.participants)
	slices.SortStableFunc(ordered, func(a, b Participant) int {
		return cmp.Compare(a.ExecutionSequence(), b.ExecutionSequence())
	})
	start := c.rt.now()
	defer func() {
		for _, p := range ordered {
			p.SetDeferred(false)
		}
		c.participants = nil
		c.rt.observe(ctx, "coordinator.commit", start, err)
	}()

	plan, err := Classify(ordered, c.rt.identity)
	if err != nil {
		c.fail(ctx, ordered, err)
		return err
	}
	if plan.Distributed {
		err = c.commitDistributed(ctx, ordered, plan)
	} else {
		err = c.commitLocal(ctx, ordered, plan.Conn)
	}
	if err != nil {
		c.fail(ctx, ordered, err)
		return err
	}
	for _, p := range ordered {
		p.Settle()
	}
	c.committed = true
	c.logger.Info("unit of work committed", log.Int("participants", len(ordered)), log.Bool("distributed", plan.Distributed))
	return nil
}

func (c *Coordinator) commitDistributed(ctx context.Context, ordered []Participant, plan Plan) (err error) {
	c.logger.Debug("begin distributed scope", log.Int("connections", len(plan.Conns)))
	scope, err := c.rt.scopes.BeginScope(ctx, plan.Conns)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := scope.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := c.run(ctx, ordered); err != nil {
		return err
	}
	return scope.Complete(ctx)
}

func (c *Coordinator) commitLocal(ctx context.Context, ordered []Participant, conn domain.ConnectionID) (err error) {
	c.logger.Debug("begin local transaction", log.String("connection", string(conn)))
	tx, err := c.rt.store.BeginLocal(ctx, conn)
	if err != nil {
		return err
	}
	c.tx = tx
	defer func() {
		if tx.Active() {
			if rerr := tx.Rollback(ctx); rerr != nil {
				c.logger.Warn("rollback local transaction", log.Err(rerr))
			}
		}
		c.tx = nil
	}()
	if err := c.run(ctx, ordered); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (c *Coordinator) run(ctx context.Context, ordered []Participant) error {
	for _, p := range ordered {
		p.SetDeferred(false)
		if err := p.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fail refreshes every participant, reports err and logs refresh failures
// without replacing err.
func (c *Coordinator) fail(ctx context.Context, ordered []Participant, err error) {
	c.logger.Warn("unit of work failed", log.Err(err), log.String("kind", domain.ErrorKind(err)))
	for _, p := range ordered {
		p.SetDeferred(false)
		if rerr := p.Refresh(ctx); rerr != nil {
			c.logger.Warn("refresh participant", log.Int("sequence", p.ExecutionSequence()), log.Err(rerr))
		}
	}
	c.rt.report(ctx, err, map[string]string{"uow_id": c.id, "op": "coordinator.commit"})
}

// Close disposes of the unit of work. When Commit never succeeded it rolls
// back an open local transaction and refreshes every participant still
// enlisted.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.committed {
		return nil
	}
	var errs []error
	if c.tx != nil && c.tx.Active() {
		if err := c.tx.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.tx = nil
	for _, p := range c.participants {
		p.SetDeferred(false)
		if err := p.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.participants = nil
	return errors.Join(errs...)
}
