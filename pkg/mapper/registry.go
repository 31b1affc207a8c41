package mapper

import (
	"context"
	"fmt"
	"persistcore/pkg/domain"
	"sort"
	"sync"
)

// Record is the view of an entity a mapper reads from and writes into.
type Record interface {
	TypeName() string
	// Value returns the business object addressed by the type's Descriptor.
	Value() any
	ObjectKey() domain.ObjectKey
}

// SetTarget receives the members of a retrieved set.
type SetTarget interface {
	Initialize(capacity int)
	CreateForRetrieval() (Record, error)
	AddRetrieved(rec Record) error
}

// Mapper is implemented by every strategy.
type Mapper interface {
	Kind() Kind
	TypeName() string
}

// RecordMapper persists a single record.
type RecordMapper interface {
	Mapper
	Get(ctx context.Context, rec Record) error
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Delete(ctx context.Context, rec Record) error
}

// SetMapper loads a set of records, optionally scoped by a parent key.
type SetMapper interface {
	Mapper
	GetSet(ctx context.Context, target SetTarget, parent domain.ObjectKey, params domain.Fields) error
}

// ObjectMapper copies fields from an arbitrary source value.
type ObjectMapper interface {
	Mapper
	FromObject(ctx context.Context, rec Record, source any) error
}

// Connected is implemented by mappers bound to one store connection.
type Connected interface {
	Connection() domain.ConnectionID
}

// Instantiator creates an empty Record of typeName. Returning a nil Record
// without error falls back to a plain value built from the descriptor.
type Instantiator func(typeName string) (Record, error)

// Option configures a Registry.
type Option func(*Registry)

// WithDataStore sets the store used by relational mappers.
func WithDataStore(store domain.DataStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithRemoteService sets the connector used by remote mappers.
func WithRemoteService(remote domain.RemoteService) Option {
	return func(r *Registry) { r.remote = remote }
}

// Registry resolves and caches mappers by (type, kind). It is built once at
// startup and shared; every mapper is constructed and validated up front.
type Registry struct {
	mapping     Mapping
	descriptors map[string]*Descriptor
	store       domain.DataStore
	remote      domain.RemoteService
	programs    *programCache

	mu          sync.RWMutex
	mappers     map[cacheKey]Mapper
	fieldMaps   map[cacheKey]*FieldMap
	instantiate Instantiator
}

// NewRegistry validates m against descriptors and builds every mapper.
func NewRegistry(m Mapping, descriptors []*Descriptor, opts ...Option) (*Registry, error) {
	if err := CheckMapping(m); err != nil {
		return nil, err
	}
	r := &Registry{
		mapping:     m,
		descriptors: make(map[string]*Descriptor, len(descriptors)),
		programs:    newProgramCache(),
		mappers:     make(map[cacheKey]Mapper),
		fieldMaps:   make(map[cacheKey]*FieldMap),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.descriptors[d.Type]; dup {
			return nil, &domain.ConfigurationError{Type: d.Type, Reason: "descriptor registered twice", Err: domain.ErrInvalidMapping}
		}
		r.descriptors[d.Type] = d
	}
	r.instantiate = r.plainRecord
	for _, t := range m.Types {
		for _, mc := range t.Mappers {
			fm := newFieldMap(mc.Fields)
			mp, err := r.build(t.Type, mc, fm)
			if err != nil {
				return nil, err
			}
			key := cacheKey{typeName: t.Type, kind: mc.Kind}
			r.mappers[key] = mp
			r.fieldMaps[key] = fm
		}
	}
	return r, nil
}

// SetInstantiator replaces the factory used for nested values and set members
// created by the registry itself.
func (r *Registry) SetInstantiator(fn Instantiator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		fn = r.plainRecord
	}
	r.instantiate = fn
}

// Store returns the configured data store, possibly nil.
func (r *Registry) Store() domain.DataStore { return r.store }

// Types lists every configured type name in sorted order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.mapping.Types))
	for _, t := range r.mapping.Types {
		out = append(out, t.Type)
	}
	sort.Strings(out)
	return out
}

// Descriptor returns the descriptor registered for typeName.
func (r *Registry) Descriptor(typeName string) (*Descriptor, error) {
	d, ok := r.descriptors[typeName]
	if !ok {
		return nil, &domain.ConfigurationError{Type: typeName, Reason: "no descriptor registered", Err: domain.ErrFieldNotFound}
	}
	return d, nil
}

// Resolve returns the mapper for (typeName, kind).
func (r *Registry) Resolve(typeName string, kind Kind) (Mapper, error) {
	r.mu.RLock()
	mp, ok := r.mappers[cacheKey{typeName: typeName, kind: kind}]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(typeName, kind)
	}
	return mp, nil
}

// DefaultKind returns the first kind configured for typeName.
func (r *Registry) DefaultKind(typeName string) (Kind, error) {
	t, ok := r.mapping.Lookup(typeName)
	if !ok || len(t.Mappers) == 0 {
		return "", notFound(typeName, "")
	}
	return t.Mappers[0].Kind, nil
}

// Default resolves the default mapper of typeName.
func (r *Registry) Default(typeName string) (Mapper, error) {
	kind, err := r.DefaultKind(typeName)
	if err != nil {
		return nil, err
	}
	return r.Resolve(typeName, kind)
}

// Item returns the member type of the set type typeName under kind.
func (r *Registry) Item(typeName string, kind Kind) (string, error) {
	t, ok := r.mapping.Lookup(typeName)
	if !ok {
		return "", notFound(typeName, kind)
	}
	mc, ok := t.Config(kind)
	if !ok {
		return "", notFound(typeName, kind)
	}
	if !kind.set() {
		return "", &domain.ConfigurationError{Type: typeName, Kind: string(kind), Reason: "kind does not load sets", Err: domain.ErrMapperNotFound}
	}
	return mc.Item, nil
}

// FieldMap returns the field translation table for (typeName, kind).
func (r *Registry) FieldMap(typeName string, kind Kind) (*FieldMap, error) {
	r.mu.RLock()
	fm, ok := r.fieldMaps[cacheKey{typeName: typeName, kind: kind}]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(typeName, kind)
	}
	return fm, nil
}

// Connection returns the store connection behind the default mapper of
// typeName. ok is false when that mapper has no determinate local connection.
func (r *Registry) Connection(typeName string) (conn domain.ConnectionID, ok bool, err error) {
	mp, err := r.Default(typeName)
	if err != nil {
		return "", false, err
	}
	c, isConnected := mp.(Connected)
	if !isConnected {
		return "", false, nil
	}
	return c.Connection(), true, nil
}

// RecordMapper resolves a record mapper for (typeName, kind).
func (r *Registry) RecordMapper(typeName string, kind Kind) (RecordMapper, error) {
	mp, err := r.Resolve(typeName, kind)
	if err != nil {
		return nil, err
	}
	rm, ok := mp.(RecordMapper)
	if !ok {
		return nil, &domain.ConfigurationError{Type: typeName, Kind: string(kind), Reason: "mapper does not persist single records", Err: domain.ErrMapperNotFound}
	}
	return rm, nil
}

// SetMapper resolves a set mapper for (typeName, kind).
func (r *Registry) SetMapper(typeName string, kind Kind) (SetMapper, error) {
	mp, err := r.Resolve(typeName, kind)
	if err != nil {
		return nil, err
	}
	sm, ok := mp.(SetMapper)
	if !ok {
		return nil, &domain.ConfigurationError{Type: typeName, Kind: string(kind), Reason: "mapper does not load sets", Err: domain.ErrMapperNotFound}
	}
	return sm, nil
}

// ObjectMapper resolves the object-to-object mapper of typeName.
func (r *Registry) ObjectMapper(typeName string) (ObjectMapper, error) {
	mp, err := r.Resolve(typeName, ObjectToObject)
	if err != nil {
		return nil, err
	}
	return mp.(ObjectMapper), nil
}

func (r *Registry) build(typeName string, mc MapperConfig, fm *FieldMap) (Mapper, error) {
	base := baseMapper{reg: r, typeName: typeName, kind: mc.Kind, fields: fm}
	if !mc.Kind.set() {
		d, err := r.Descriptor(typeName)
		if err != nil {
			return nil, err
		}
		base.desc = d
		for _, f := range mc.Fields {
			if _, ok := d.Field(f.Object); !ok {
				return nil, &domain.ConfigurationError{Type: typeName, Kind: string(mc.Kind), Field: f.Object, Reason: "field referenced in configuration does not exist on type", Err: domain.ErrFieldNotFound}
			}
		}
	} else if _, err := r.Descriptor(mc.Item); err != nil {
		return nil, &domain.ConfigurationError{Type: typeName, Kind: string(mc.Kind), Reason: fmt.Sprintf("item type %s has no descriptor", mc.Item), Err: domain.ErrFieldNotFound}
	}
	switch {
	case mc.Kind.relational():
		if r.store == nil {
			return nil, &domain.ConfigurationError{Type: typeName, Kind: string(mc.Kind), Reason: "no data store configured", Err: domain.ErrInvalidMapping}
		}
		rel := relationalMapper{baseMapper: base, conn: domain.ConnectionID(mc.Connection), entity: mc.Entity, cfg: mc}
		if mc.Kind == RelationalSet {
			return &relationalSetMapper{relationalMapper: rel, item: mc.Item}, nil
		}
		return &relationalRecordMapper{relationalMapper: rel}, nil
	case mc.Kind.remote():
		if r.remote == nil {
			return nil, &domain.ConfigurationError{Type: typeName, Kind: string(mc.Kind), Reason: "no remote service configured", Err: domain.ErrInvalidMapping}
		}
		if mc.Kind == RemoteSet {
			return newRemoteSetMapper(base, mc)
		}
		return newRemoteRecordMapper(base, mc)
	default:
		return &objectMapper{baseMapper: base}, nil
	}
}

func (r *Registry) newRecord(typeName string) (Record, error) {
	r.mu.RLock()
	fn := r.instantiate
	r.mu.RUnlock()
	rec, err := fn(typeName)
	if err != nil || rec != nil {
		return rec, err
	}
	return r.plainRecord(typeName)
}

func (r *Registry) plainRecord(typeName string) (Record, error) {
	d, err := r.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	if d.New == nil {
		return nil, &domain.ConfigurationError{Type: typeName, Reason: "descriptor has no factory", Err: domain.ErrInvalidMapping}
	}
	return plainRecord{typeName: typeName, value: d.New(), desc: d}, nil
}

type plainRecord struct {
	typeName string
	value    any
	desc     *Descriptor
}

func (p plainRecord) TypeName() string { return p.typeName }
func (p plainRecord) Value() any       { return p.value }
func (p plainRecord) ObjectKey() domain.ObjectKey {
	k, err := p.desc.KeyFrom(p.value)
	if err != nil {
		return domain.NewObjectKey(p.desc.Key...)
	}
	return k
}

func notFound(typeName string, kind Kind) error {
	return &domain.ConfigurationError{Type: typeName, Kind: string(kind), Reason: "no mapper configured", Err: domain.ErrMapperNotFound}
}
