package mapper

import (
	"context"
	"persistcore/internal/infra/store"
	"persistcore/internal/infra/store/memory"
	"persistcore/pkg/domain"
	"sync"
	"testing"
)

type address struct {
	City string
	Zip  string
}

type order struct {
	ID       string
	Customer string
	Total    float64
	Lines    int
	Version  string
	Ship     *address
}

type line struct {
	OrderID string
	No      int
	Sku     string
}

func orderDescriptor() *Descriptor {
	return Describe("Order",
		Accessor("ID", func(o *order) string { return o.ID }, func(o *order, v string) { o.ID = v }),
		Accessor("Customer", func(o *order) string { return o.Customer }, func(o *order, v string) { o.Customer = v }),
		Accessor("Total", func(o *order) float64 { return o.Total }, func(o *order, v float64) { o.Total = v }),
		Accessor("Lines", func(o *order) int { return o.Lines }, func(o *order, v int) { o.Lines = v }),
		Accessor("Version", func(o *order) string { return o.Version }, func(o *order, v string) { o.Version = v }),
		Accessor("Ship", func(o *order) *address { return o.Ship }, func(o *order, v *address) { o.Ship = v }).Nest("Address"),
	).WithKey("ID").WithRowVersion("Version").WithFactory(func() any { return &order{} })
}

func addressDescriptor() *Descriptor {
	return Describe("Address",
		Accessor("City", func(a *address) string { return a.City }, func(a *address, v string) { a.City = v }),
		Accessor("Zip", func(a *address) string { return a.Zip }, func(a *address, v string) { a.Zip = v }),
	).WithFactory(func() any { return &address{} })
}

func lineDescriptor() *Descriptor {
	return Describe("Line",
		Accessor("OrderID", func(l *line) string { return l.OrderID }, func(l *line, v string) { l.OrderID = v }),
		Accessor("No", func(l *line) int { return l.No }, func(l *line, v int) { l.No = v }),
		Accessor("Sku", func(l *line) string { return l.Sku }, func(l *line, v string) { l.Sku = v }),
	).WithKey("OrderID", "No").WithFactory(func() any { return &line{} })
}

func descriptors() []*Descriptor {
	return []*Descriptor{orderDescriptor(), addressDescriptor(), lineDescriptor()}
}

// testRecord is a minimal Record whose key is captured at creation time, the
// way a persisted entity remembers the key it was loaded with.
type testRecord struct {
	typeName string
	value    any
	key      domain.ObjectKey
}

func (r *testRecord) TypeName() string            { return r.typeName }
func (r *testRecord) Value() any                  { return r.value }
func (r *testRecord) ObjectKey() domain.ObjectKey { return r.key }

func orderRecord(o *order) *testRecord {
	return &testRecord{typeName: "Order", value: o, key: domain.KeyOf(map[string]any{"ID": o.ID})}
}

type lineTarget struct {
	capacity int
	items    []*line
}

func (t *lineTarget) Initialize(capacity int) { t.capacity = capacity }

func (t *lineTarget) CreateForRetrieval() (Record, error) {
	return &testRecord{typeName: "Line", value: &line{}}, nil
}

func (t *lineTarget) AddRetrieved(rec Record) error {
	t.items = append(t.items, rec.Value().(*line))
	return nil
}

type call struct {
	proxy  string
	method string
	params []any
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []call
	handler func(method string, params []any) (any, []any, error)
}

func (f *fakeRemote) Invoke(_ context.Context, proxy, method string, params []any) (any, []any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{proxy: proxy, method: method, params: append([]any(nil), params...)})
	f.mu.Unlock()
	if f.handler == nil {
		return nil, make([]any, len(params)), nil
	}
	return f.handler(method, params)
}

func (f *fakeRemote) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func memoryRouter(t *testing.T) (*store.Router, *memory.Store) {
	t.Helper()
	backend := memory.New("memory:test")
	router := store.NewRouter()
	router.Register("main", backend)
	t.Cleanup(func() { _ = router.Close() })
	return router, backend
}

func relationalMapping() Mapping {
	return Mapping{Types: []TypeMapping{
		{Type: "Order", Mappers: []MapperConfig{
			{Kind: RelationalRecord, Connection: "main", Entity: "orders", Fields: []FieldMapping{
				{Object: "Customer", Store: "customer_name"},
			}},
		}},
		{Type: "Line", Mappers: []MapperConfig{
			{Kind: RelationalRecord, Connection: "main", Entity: "lines", Fields: []FieldMapping{
				{Object: "OrderID", Store: "order_id"},
			}},
		}},
		{Type: "Lines", Mappers: []MapperConfig{
			{Kind: RelationalSet, Connection: "main", Entity: "lines", Item: "Line"},
		}},
		{Type: "Address", Mappers: []MapperConfig{
			{Kind: ObjectToObject, Fields: []FieldMapping{{Object: "City", Store: "town"}}},
		}},
	}}
}
