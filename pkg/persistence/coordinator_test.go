package persistence

import (
	"context"
	"errors"
	"math"
	"persistcore/pkg/domain"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type connLocator struct {
	conn domain.ConnectionID
	ok   bool
}

func (l connLocator) Connection() (domain.ConnectionID, bool) { return l.conn, l.ok }

func local(conn domain.ConnectionID) connLocator { return connLocator{conn: conn, ok: true} }

func TestClassify(t *testing.T) {
	servers := map[domain.ConnectionID]string{"a": "s1", "b": "s1", "c": "s2"}
	identity := func(conn domain.ConnectionID) (string, error) {
		id, ok := servers[conn]
		if !ok {
			return "", errors.New("unknown connection")
		}
		return id, nil
	}
	tests := []struct {
		name        string
		locators    []connLocator
		distributed bool
		conn        domain.ConnectionID
		conns       []domain.ConnectionID
	}{
		{name: "empty"},
		{name: "single", locators: []connLocator{local("a")}, conn: "a", conns: []domain.ConnectionID{"a"}},
		{name: "same server", locators: []connLocator{local("a"), local("b"), local("a")}, conn: "a", conns: []domain.ConnectionID{"a", "b"}},
		{name: "two servers", locators: []connLocator{local("a"), local("c")}, distributed: true, conns: []domain.ConnectionID{"a", "c"}},
		{name: "indeterminate", locators: []connLocator{local("a"), {}}, distributed: true, conns: []domain.ConnectionID{"a"}},
		{name: "only indeterminate", locators: []connLocator{{}}, distributed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Classify(tt.locators, identity)
			require.NoError(t, err)
			assert.Equal(t, tt.distributed, plan.Distributed)
			assert.Equal(t, tt.conn, plan.Conn)
			assert.Equal(t, tt.conns, plan.Conns)
		})
	}

	_, err := Classify([]connLocator{local("zzz")}, identity)
	require.Error(t, err)
}

type fakeParticipant struct {
	name      string
	conn      domain.ConnectionID
	journal   *[]string
	err       error
	deferred  bool
	seq       int
	settled   bool
	refreshed int
}

func (p *fakeParticipant) Connection() (domain.ConnectionID, bool) { return p.conn, p.conn != "" }

func (p *fakeParticipant) Commit(context.Context) error {
	if p.deferred {
		return nil
	}
	*p.journal = append(*p.journal, p.name)
	return p.err
}

func (p *fakeParticipant) Refresh(context.Context) error { p.refreshed++; return nil }
func (p *fakeParticipant) SetDeferred(d bool)            { p.deferred = d }
func (p *fakeParticipant) Deferred() bool                { return p.deferred }
func (p *fakeParticipant) ExecutionSequence() int        { return p.seq }
func (p *fakeParticipant) Settle()                       { p.settled = true }
func (p *fakeParticipant) setExecutionSequence(seq int)  { p.seq = seq }

func TestCoordinatorCommitsInSequenceOrder(t *testing.T) {
	h := newHarness(t)
	var journal []string
	uow := h.rt.NewCoordinator()
	parts := map[int]*fakeParticipant{}
	for _, seq := range []int{3, 1, 2} {
		p := &fakeParticipant{name: string(rune('0' + seq)), conn: "main", journal: &journal}
		parts[seq] = p
		uow.EnlistAt(p, seq)
		assert.True(t, p.Deferred())
	}

	require.NoError(t, uow.Commit(context.Background()))
	assert.Equal(t, []string{"1", "2", "3"}, journal)
	for _, p := range parts {
		assert.False(t, p.Deferred())
		assert.True(t, p.settled)
	}
	assert.True(t, uow.Committed())
	assert.Zero(t, uow.Len())
	assert.Contains(t, h.metrics.all(), observation{op: "coordinator.commit", success: true})
}

func TestCoordinatorEnlistOrderIsDefaultSequence(t *testing.T) {
	h := newHarness(t)
	var journal []string
	uow := h.rt.NewCoordinator()
	a := &fakeParticipant{name: "a", conn: "main", journal: &journal}
	b := &fakeParticipant{name: "b", conn: "main", journal: &journal}
	c := &fakeParticipant{name: "c", conn: "main", journal: &journal}
	uow.Enlist(a)
	uow.EnlistAt(b, 10)
	uow.Enlist(c)
	assert.Equal(t, 0, a.ExecutionSequence())
	assert.Equal(t, 11, c.ExecutionSequence())

	require.NoError(t, uow.Commit(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, journal)
}

func TestCoordinatorOrdersExtremeSequences(t *testing.T) {
	h := newHarness(t)
	var journal []string
	uow := h.rt.NewCoordinator()
	uow.EnlistAt(&fakeParticipant{name: "max", conn: "main", journal: &journal}, math.MaxInt)
	uow.EnlistAt(&fakeParticipant{name: "min", conn: "main", journal: &journal}, math.MinInt)
	uow.EnlistAt(&fakeParticipant{name: "zero", conn: "main", journal: &journal}, 0)

	require.NoError(t, uow.Commit(context.Background()))
	assert.Equal(t, []string{"min", "zero", "max"}, journal)
}

func TestCoordinatorDistributedDetection(t *testing.T) {
	h := newHarness(t)
	uow := h.rt.NewCoordinator()
	uow.Enlist(h.order(t, "o-1", "Ada"))
	uow.Enlist(h.line(t, "o-1", 1, "a"))

	distributed, err := uow.IsDistributed()
	require.NoError(t, err)
	assert.False(t, distributed)

	audit, err := h.rt.New("Audit")
	require.NoError(t, err)
	uow.Enlist(audit.Base())
	distributed, err = uow.IsDistributed()
	require.NoError(t, err)
	assert.True(t, distributed)

	other := h.rt.NewCoordinator()
	other.Enlist(h.order(t, "o-2", "Ada"))
	archive := &Archive{OrderID: "o-2"}
	require.NoError(t, h.rt.Init(archive, "Archive"))
	other.Enlist(archive)
	distributed, err = other.IsDistributed()
	require.NoError(t, err)
	assert.True(t, distributed)
}

func TestRuntimePlan(t *testing.T) {
	h := newHarness(t)
	plan, err := h.rt.Plan(h.rt.Locate("Order"), h.rt.Locate("Lines"), h.rt.Locate("Header"))
	require.NoError(t, err)
	assert.False(t, plan.Distributed)
	assert.Equal(t, []domain.ConnectionID{"main", "alias"}, plan.Conns)

	plan, err = h.rt.Plan(h.rt.Locate("Order"), h.rt.Locate("Archive"))
	require.NoError(t, err)
	assert.True(t, plan.Distributed)

	plan, err = h.rt.Plan(h.rt.Locate("Audit"))
	require.NoError(t, err)
	assert.True(t, plan.Distributed)
}

func TestCoordinatorLocalCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	lines := newLines(t, h, o)
	uow := h.rt.NewCoordinator()
	uow.Enlist(o)
	uow.Enlist(lines)

	require.NoError(t, lines.Add(h.line(t, "o-1", 1, "a")))
	assert.True(t, lines.At(0).Deferred())
	require.NoError(t, o.Save(ctx))
	require.NoError(t, lines.Save(ctx))
	assert.Empty(t, h.store.ops())

	require.NoError(t, uow.Commit(ctx))
	assert.Equal(t, []string{
		"insert orders OrderID=o-1",
		"insert lines No=1|order_id=o-1",
	}, h.store.ops())
	assert.Equal(t, 1, h.main.Len("orders"))
	assert.Equal(t, 1, h.main.Len("lines"))
	assert.Equal(t, StateOldClean, o.State())
	assert.Nil(t, o.PreviousState())
	assert.False(t, o.Deferred())
	assert.False(t, lines.Deferred())
	assert.False(t, lines.At(0).Deferred())
	assert.Empty(t, h.scopes.begun)
	require.NoError(t, uow.Close(ctx))
}

func TestCoordinatorLocalFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	l := h.line(t, "o-1", 1, "a")
	uow := h.rt.NewCoordinator()
	uow.Enlist(o)
	uow.Enlist(l)
	h.store.failOn("insert", "lines", errBoom)

	err := uow.Commit(ctx)
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, h.main.Len("orders"))
	assert.Equal(t, StateNew, o.State())
	assert.Equal(t, StateNew, l.State())
	assert.False(t, o.Deferred())
	assert.False(t, uow.Committed())

	recs := h.sink.all()
	require.NotEmpty(t, recs)
	assert.Equal(t, uow.ID(), recs[0].Extra["uow_id"])
	assert.Contains(t, h.metrics.all(), observation{op: "coordinator.commit", success: false})

	h.store.reset()
	require.NoError(t, o.Save(ctx))
	assert.Equal(t, 1, h.main.Len("orders"))
}

func TestCoordinatorDistributedCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	archive := &Archive{OrderID: "o-1"}
	require.NoError(t, h.rt.Init(archive, "Archive"))
	uow := h.rt.NewCoordinator()
	uow.Enlist(o)
	uow.Enlist(archive)

	require.NoError(t, uow.Commit(ctx))
	require.Len(t, h.scopes.begun, 1)
	assert.Equal(t, []domain.ConnectionID{"main", "other"}, h.scopes.begun[0])
	assert.Equal(t, 1, h.scopes.done)
	assert.Equal(t, 1, h.scopes.closed)
	assert.Equal(t, 1, h.other.Len("archive"))
	assert.Equal(t, StateOldClean, archive.State())
}

func TestCoordinatorDistributedFailureClosesScope(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.remote.err = errBoom
	o := h.order(t, "o-1", "Ada")
	audit := &Audit{ID: "a-1", Note: "x"}
	require.NoError(t, h.rt.Init(audit, "Audit"))
	uow := h.rt.NewCoordinator()
	uow.Enlist(o)
	uow.Enlist(audit)

	require.ErrorIs(t, uow.Commit(ctx), errBoom)
	assert.Equal(t, 0, h.scopes.done)
	assert.Equal(t, 1, h.scopes.closed)
	assert.Equal(t, StateNew, o.State())
	assert.Equal(t, StateNew, audit.State())
}

func TestCoordinatorEmptyCommitAndClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	uow := h.rt.NewCoordinator()
	require.NoError(t, uow.Commit(ctx))
	assert.Empty(t, h.metrics.all())

	o := h.order(t, "o-1", "Ada")
	uow.Enlist(o)
	require.NoError(t, o.Save(ctx))
	require.NoError(t, uow.Close(ctx))
	assert.False(t, o.Deferred())
	assert.Equal(t, StateNew, o.State())
	assert.Zero(t, uow.Len())
	assert.NotEmpty(t, uow.ID())
}

func TestCoordinatorFailureRefreshesEveryParticipant(t *testing.T) {
	h := newHarness(t)
	var journal []string
	uow := h.rt.NewCoordinator()
	a := &fakeParticipant{name: "a", conn: "main", journal: &journal}
	b := &fakeParticipant{name: "b", conn: "main", journal: &journal, err: errBoom}
	c := &fakeParticipant{name: "c", conn: "main", journal: &journal}
	uow.Enlist(a)
	uow.Enlist(b)
	uow.Enlist(c)

	require.ErrorIs(t, uow.Commit(context.Background()), errBoom)
	assert.Equal(t, []string{"a", "b"}, journal)
	for _, p := range []*fakeParticipant{a, b, c} {
		assert.Equal(t, 1, p.refreshed)
		assert.False(t, p.settled)
		assert.False(t, p.deferred)
	}
}
