package persistence

import (
	"context"
	"errors"
	"persistcore/internal/infra/store"
	"persistcore/internal/infra/store/memory"
	"persistcore/pkg/domain"
	"persistcore/pkg/mapper"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type Order struct {
	Entity
	OrderID  string
	Customer string
	Version  string
}

type Line struct {
	Entity
	OrderID string
	No      int
	Sku     string

	invalid error
}

func (l *Line) Validate() error { return l.invalid }

type Header struct {
	Entity
	OrderID string
	Version string
}

type Archive struct {
	Entity
	OrderID string
}

type Audit struct {
	Entity
	ID   string
	Note string
}

func newOrder() *Order   { return &Order{} }
func newLine() *Line     { return &Line{} }
func newHeader() *Header { return &Header{} }

func testDescriptors() []*mapper.Descriptor {
	return []*mapper.Descriptor{
		mapper.Describe("Order",
			mapper.Accessor("OrderID", func(o *Order) string { return o.OrderID }, func(o *Order, v string) { o.OrderID = v }),
			mapper.Accessor("Customer", func(o *Order) string { return o.Customer }, func(o *Order, v string) { o.Customer = v }),
			mapper.Accessor("Version", func(o *Order) string { return o.Version }, func(o *Order, v string) { o.Version = v }),
		).WithKey("OrderID").WithRowVersion("Version").WithFactory(func() any { return newOrder() }),
		mapper.Describe("Line",
			mapper.Accessor("OrderID", func(l *Line) string { return l.OrderID }, func(l *Line, v string) { l.OrderID = v }),
			mapper.Accessor("No", func(l *Line) int { return l.No }, func(l *Line, v int) { l.No = v }),
			mapper.Accessor("Sku", func(l *Line) string { return l.Sku }, func(l *Line, v string) { l.Sku = v }),
		).WithKey("OrderID", "No").WithFactory(func() any { return newLine() }),
		mapper.Describe("Header",
			mapper.Accessor("OrderID", func(h *Header) string { return h.OrderID }, func(h *Header, v string) { h.OrderID = v }),
			mapper.Accessor("Version", func(h *Header) string { return h.Version }, func(h *Header, v string) { h.Version = v }),
		).WithKey("OrderID").WithRowVersion("Version").WithFactory(func() any { return newHeader() }),
		mapper.Describe("Archive",
			mapper.Accessor("OrderID", func(a *Archive) string { return a.OrderID }, func(a *Archive, v string) { a.OrderID = v }),
		).WithKey("OrderID").WithFactory(func() any { return &Archive{} }),
		mapper.Describe("Audit",
			mapper.Accessor("ID", func(a *Audit) string { return a.ID }, func(a *Audit, v string) { a.ID = v }),
			mapper.Accessor("Note", func(a *Audit) string { return a.Note }, func(a *Audit, v string) { a.Note = v }),
		).WithKey("ID").WithFactory(func() any { return &Audit{} }),
	}
}

// testMapping binds Order and Header to "main", Line to "alias" (the same
// server as main) and Archive to "other", a second server. Audit goes
// through a remote service.
func testMapping() mapper.Mapping {
	return mapper.Mapping{Types: []mapper.TypeMapping{
		{Type: "Order", Mappers: []mapper.MapperConfig{
			{Kind: mapper.RelationalRecord, Connection: "main", Entity: "orders", Fields: []mapper.FieldMapping{
				{Object: "Customer", Store: "customer_name"},
			}},
			{Kind: mapper.ObjectToObject, Fields: []mapper.FieldMapping{
				{Object: "OrderID", Store: "Ref"},
				{Object: "Customer", Store: "Buyer.Name"},
			}},
		}},
		{Type: "Archive", Mappers: []mapper.MapperConfig{
			{Kind: mapper.RelationalRecord, Connection: "other", Entity: "archive"},
		}},
		{Type: "Line", Mappers: []mapper.MapperConfig{
			{Kind: mapper.RelationalRecord, Connection: "alias", Entity: "lines", Fields: []mapper.FieldMapping{
				{Object: "OrderID", Store: "order_id"},
			}},
		}},
		{Type: "Lines", Mappers: []mapper.MapperConfig{
			{Kind: mapper.RelationalSet, Connection: "alias", Entity: "lines", Item: "Line"},
		}},
		{Type: "Header", Mappers: []mapper.MapperConfig{
			{Kind: mapper.RelationalRecord, Connection: "main", Entity: "line_headers"},
		}},
		{Type: "Audit", Mappers: []mapper.MapperConfig{
			{Kind: mapper.RemoteRecord, Methods: map[mapper.Operation]mapper.MethodConfig{
				mapper.OpSelect: {Proxy: "audit", Name: "Read", Params: []mapper.ParamConfig{{Name: "ID"}}},
				mapper.OpInsert: {Proxy: "audit", Name: "Write", Params: []mapper.ParamConfig{{Name: "ID"}, {Name: "Note"}}},
			}},
		}},
	}}
}

type storeCall struct {
	op     string
	conn   domain.ConnectionID
	entity string
	key    domain.ObjectKey
	fields domain.Fields
}

// recordingStore wraps a DataStore, records every write and can fail
// selected operations.
type recordingStore struct {
	domain.DataStore

	mu    sync.Mutex
	calls []storeCall
	fail  map[string]error
}

func (s *recordingStore) failOn(op, entity string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[string]error)
	}
	s.fail[op+":"+entity] = err
}

func (s *recordingStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = nil
	s.calls = nil
}

func (s *recordingStore) record(c storeCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return s.fail[c.op+":"+c.entity]
}

func (s *recordingStore) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.op+" "+c.entity+" "+c.key.String())
	}
	return out
}

func (s *recordingStore) Select(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey) (domain.Fields, error) {
	if err := s.record(storeCall{op: "select", conn: conn, entity: ref.Entity, key: key}); err != nil {
		return nil, err
	}
	return s.DataStore.Select(ctx, conn, ref, key)
}

// SelectSet can be failed with op "selectset" but is not recorded.
func (s *recordingStore) SelectSet(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, filter domain.Fields) ([]domain.Fields, error) {
	s.mu.Lock()
	err := s.fail["selectset:"+ref.Entity]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.DataStore.SelectSet(ctx, conn, ref, filter)
}

func (s *recordingStore) Insert(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	if err := s.record(storeCall{op: "insert", conn: conn, entity: ref.Entity, key: key, fields: fields}); err != nil {
		return "", err
	}
	return s.DataStore.Insert(ctx, conn, ref, key, fields)
}

func (s *recordingStore) Update(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey, fields domain.Fields) (domain.VersionToken, error) {
	if err := s.record(storeCall{op: "update", conn: conn, entity: ref.Entity, key: key, fields: fields}); err != nil {
		return "", err
	}
	return s.DataStore.Update(ctx, conn, ref, key, fields)
}

func (s *recordingStore) Delete(ctx context.Context, conn domain.ConnectionID, ref domain.EntityRef, key domain.ObjectKey) error {
	if err := s.record(storeCall{op: "delete", conn: conn, entity: ref.Entity, key: key}); err != nil {
		return err
	}
	return s.DataStore.Delete(ctx, conn, ref, key)
}

type remoteCall struct {
	proxy, method string
	params        []any
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []remoteCall
	err   error
}

func (f *fakeRemote) Invoke(_ context.Context, proxy, method string, params []any) (any, []any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remoteCall{proxy: proxy, method: method, params: append([]any(nil), params...)})
	return nil, make([]any, len(params)), f.err
}

type captureSink struct {
	mu      sync.Mutex
	records []domain.ExceptionRecord
	err     error
}

func (s *captureSink) Record(_ context.Context, rec domain.ExceptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *captureSink) all() []domain.ExceptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ExceptionRecord(nil), s.records...)
}

type observation struct {
	op      string
	success bool
}

type captureMetrics struct {
	mu  sync.Mutex
	obs []observation
}

func (m *captureMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, observation{op: op, success: success})
}

func (m *captureMetrics) all() []observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]observation(nil), m.obs...)
}

type recordingScopes struct {
	mu     sync.Mutex
	begun  [][]domain.ConnectionID
	closed int
	done   int
}

func (p *recordingScopes) BeginScope(_ context.Context, conns []domain.ConnectionID) (domain.Scope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begun = append(p.begun, append([]domain.ConnectionID(nil), conns...))
	return &recordingScope{p: p}, nil
}

type recordingScope struct{ p *recordingScopes }

func (s *recordingScope) Complete(context.Context) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.done++
	return nil
}

func (s *recordingScope) Close(context.Context) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed++
	return nil
}

type harness struct {
	rt      *Runtime
	store   *recordingStore
	main    *memory.Store
	other   *memory.Store
	remote  *fakeRemote
	sink    *captureSink
	metrics *captureMetrics
	scopes  *recordingScopes
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		main:    memory.New("memory:main"),
		other:   memory.New("memory:other"),
		remote:  &fakeRemote{},
		sink:    &captureSink{},
		metrics: &captureMetrics{},
		scopes:  &recordingScopes{},
	}
	router := store.NewRouter()
	router.Register("main", h.main)
	router.Register("other", h.other)
	require.NoError(t, router.Alias("alias", "main"))
	t.Cleanup(func() { _ = router.Close() })
	h.store = &recordingStore{DataStore: router}

	reg, err := mapper.NewRegistry(testMapping(), testDescriptors(),
		mapper.WithDataStore(h.store), mapper.WithRemoteService(h.remote))
	require.NoError(t, err)
	h.rt = NewRuntime(reg,
		WithSink(h.sink),
		WithMetrics(h.metrics),
		WithScopes(h.scopes),
		WithHost("test-host"),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	return h
}

func (h *harness) order(t *testing.T, id, customer string) *Order {
	t.Helper()
	o := &Order{OrderID: id, Customer: customer}
	require.NoError(t, h.rt.Init(o, "Order"))
	return o
}

func (h *harness) line(t *testing.T, orderID string, no int, sku string) *Line {
	t.Helper()
	l := &Line{OrderID: orderID, No: no, Sku: sku}
	require.NoError(t, h.rt.Init(l, "Line"))
	return l
}

// stored saves o and forgets the recorded calls.
func (h *harness) stored(t *testing.T, o Object) {
	t.Helper()
	require.NoError(t, o.Base().Save(context.Background()))
	h.store.reset()
}

func lineKey(orderID string, no int) domain.ObjectKey {
	return domain.NewObjectKey("OrderID", "No").With("OrderID", orderID).With("No", no)
}
