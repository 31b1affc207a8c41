package mapper

import (
	"context"
	"fmt"
	"persistcore/pkg/domain"
	"reflect"
)

type remoteParam struct {
	name  string
	field string
	out   bool
}

type remoteMethod struct {
	op       Operation
	proxy    string
	name     string
	params   []remoteParam
	bindings []binding
	bound    map[string]struct{}
}

func (m *remoteMethod) ref() string { return m.proxy + "." + m.name }

type remoteRecordMapper struct {
	baseMapper
	methods map[Operation]*remoteMethod
}

func newRemoteRecordMapper(base baseMapper, mc MapperConfig) (*remoteRecordMapper, error) {
	m := &remoteRecordMapper{baseMapper: base, methods: make(map[Operation]*remoteMethod, len(mc.Methods))}
	keyFields := make(map[string]struct{}, len(base.desc.Key))
	for _, k := range base.desc.Key {
		keyFields[k] = struct{}{}
	}
	for _, op := range recordOperations {
		cfg, ok := mc.Methods[op]
		if !ok {
			continue
		}
		method := &remoteMethod{op: op, proxy: cfg.Proxy, name: cfg.Name, bound: map[string]struct{}{}}
		for _, p := range cfg.Params {
			rp := remoteParam{name: p.Name, out: p.Out}
			if !p.Out {
				rp.field = base.fields.Object(p.Name)
				if _, ok := base.desc.Field(rp.field); !ok {
					return nil, base.configError(rp.field, fmt.Sprintf("parameter %s of %s has no source field", p.Name, op))
				}
				if op == OpSelect || op == OpDelete {
					if _, ok := keyFields[rp.field]; !ok {
						return nil, base.configError(rp.field, fmt.Sprintf("parameter %s of %s must be a key field", p.Name, op))
					}
				}
			}
			method.params = append(method.params, rp)
		}
		bindings, err := compileBindings(base, cfg.Params)
		if err != nil {
			return nil, err
		}
		method.bindings = bindings
		for _, b := range bindings {
			method.bound[b.field] = struct{}{}
		}
		m.methods[op] = method
	}
	return m, nil
}

// compileBindings builds the explicit output bindings of one method plus the
// implied ones: an out parameter writes back to the field of the same name
// unless that field has an explicit mapping.
func compileBindings(base baseMapper, params []ParamConfig) ([]binding, error) {
	var out []binding
	for _, entry := range base.fields.Entries() {
		b, err := parseBinding(entry.Store, params)
		if err != nil {
			return nil, base.configError(entry.Object, err.Error())
		}
		if b.source == bindNone {
			continue
		}
		b.field = entry.Object
		out = append(out, b)
	}
	for i, p := range params {
		if !p.Out {
			continue
		}
		if _, ok := base.desc.Field(p.Name); !ok {
			continue
		}
		if _, explicit := base.fields.Explicit(p.Name); explicit {
			continue
		}
		out = append(out, binding{field: p.Name, source: bindParam, param: i})
	}
	return out, nil
}

func (b baseMapper) configError(field, reason string) error {
	return &domain.ConfigurationError{Type: b.typeName, Kind: string(b.kind), Field: field, Reason: reason, Err: domain.ErrFieldNotFound}
}

func (m *remoteRecordMapper) Get(ctx context.Context, rec Record) error {
	return m.call(ctx, OpSelect, rec)
}

func (m *remoteRecordMapper) Insert(ctx context.Context, rec Record) error {
	return m.call(ctx, OpInsert, rec)
}

func (m *remoteRecordMapper) Update(ctx context.Context, rec Record) error {
	return m.call(ctx, OpUpdate, rec)
}

func (m *remoteRecordMapper) Delete(ctx context.Context, rec Record) error {
	return m.call(ctx, OpDelete, rec)
}

func (m *remoteRecordMapper) call(ctx context.Context, op Operation, rec Record) error {
	method, ok := m.methods[op]
	if !ok {
		return &domain.ConfigurationError{Type: m.typeName, Kind: string(m.kind), Reason: fmt.Sprintf("no %s method configured", op), Err: domain.ErrMapperNotFound}
	}
	d, err := m.descriptorFor(rec)
	if err != nil {
		return err
	}
	obj := rec.Value()
	key := rec.ObjectKey()
	params := make([]any, len(method.params))
	for i, p := range method.params {
		if p.out {
			continue
		}
		if op == OpSelect || op == OpDelete {
			params[i], _ = key.Value(p.field)
			continue
		}
		v, err := d.Get(obj, p.field)
		if err != nil {
			return err
		}
		params[i] = v
	}
	result, outputs, err := m.reg.remote.Invoke(ctx, method.proxy, method.name, params)
	if err != nil {
		return storeError(op, method.ref(), key, err)
	}
	if op == OpSelect && result != nil {
		err := m.reg.populate(ctx, rec, m.fields, func(store string) (any, bool) {
			if _, bound := method.bound[m.fields.Object(store)]; bound {
				return nil, false
			}
			return m.reg.programs.lookup(result, store)
		})
		if err != nil {
			return err
		}
	}
	return m.reg.applyBindings(ctx, d, obj, method, result, outputs)
}

func (r *Registry) applyBindings(ctx context.Context, d *Descriptor, obj any, method *remoteMethod, result any, outputs []any) error {
	for _, b := range method.bindings {
		v, ok, err := b.value(result, outputs)
		if err != nil {
			return &domain.StoreOperationError{Op: string(method.op), Entity: method.ref(), Err: err}
		}
		if !ok {
			continue
		}
		if err := r.assign(ctx, d, obj, b.field, v); err != nil {
			return err
		}
	}
	return nil
}

type remoteSetMapper struct {
	baseMapper
	item   string
	method *remoteMethod
}

func newRemoteSetMapper(base baseMapper, mc MapperConfig) (*remoteSetMapper, error) {
	cfg := mc.Methods[OpSelect]
	method := &remoteMethod{op: OpSelect, proxy: cfg.Proxy, name: cfg.Name}
	for _, p := range cfg.Params {
		method.params = append(method.params, remoteParam{name: p.Name, field: base.fields.Object(p.Name), out: p.Out})
	}
	return &remoteSetMapper{baseMapper: base, item: mc.Item, method: method}, nil
}

// GetSet invokes the select method with parameters drawn from the parent key
// and params, then builds one member per element of the returned collection.
func (m *remoteSetMapper) GetSet(ctx context.Context, target SetTarget, parent domain.ObjectKey, params domain.Fields) error {
	source := parent.Fields()
	for k, v := range params {
		source[k] = v
	}
	args := make([]any, len(m.method.params))
	for i, p := range m.method.params {
		if p.out {
			continue
		}
		v, ok := source[p.field]
		if !ok {
			v, ok = source[p.name]
		}
		if !ok {
			return &domain.ConfigurationError{Type: m.typeName, Kind: string(m.kind), Field: p.name, Reason: "parameter has no source value", Err: domain.ErrFieldNotFound}
		}
		args[i] = v
	}
	result, _, err := m.reg.remote.Invoke(ctx, m.method.proxy, m.method.name, args)
	if err != nil {
		return storeError(OpSelect, m.method.ref(), parent, err)
	}
	elems, err := elements(result)
	if err != nil {
		return &domain.StoreOperationError{Op: string(OpSelect), Entity: m.method.ref(), Err: err}
	}
	member := m.reg.memberFieldMap(m.item)
	target.Initialize(len(elems))
	for _, elem := range elems {
		rec, err := target.CreateForRetrieval()
		if err != nil {
			return err
		}
		if err := m.reg.populate(ctx, rec, member, func(store string) (any, bool) {
			return m.reg.programs.lookup(elem, store)
		}); err != nil {
			return err
		}
		if err := target.AddRetrieved(rec); err != nil {
			return err
		}
	}
	return nil
}

// elements flattens a slice or array result; nil yields an empty set.
func elements(result any) ([]any, error) {
	if result == nil {
		return nil, nil
	}
	if items, ok := result.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("remote set returned %T, want a collection", result)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
