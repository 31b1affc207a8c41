package mapper

import (
	"context"
	"errors"
	"persistcore/pkg/domain"
	"reflect"
)

type baseMapper struct {
	reg      *Registry
	typeName string
	kind     Kind
	fields   *FieldMap
	desc     *Descriptor
}

func (b baseMapper) Kind() Kind       { return b.kind }
func (b baseMapper) TypeName() string { return b.typeName }

func (b baseMapper) descriptorFor(rec Record) (*Descriptor, error) {
	if b.desc != nil && rec.TypeName() == b.typeName {
		return b.desc, nil
	}
	return b.reg.Descriptor(rec.TypeName())
}

// memberFieldMap returns the default field map of a set member type, or nil
// so every field falls back to its implied name.
func (r *Registry) memberFieldMap(typeName string) *FieldMap {
	kind, err := r.DefaultKind(typeName)
	if err != nil {
		return nil
	}
	fm, err := r.FieldMap(typeName, kind)
	if err != nil {
		return nil
	}
	return fm
}

// populate copies values found by lookup into every mapped field of rec.
// Fields whose store name is an output binding are left to the bindings.
func (r *Registry) populate(ctx context.Context, rec Record, fm *FieldMap, lookup func(store string) (any, bool)) error {
	d, err := r.Descriptor(rec.TypeName())
	if err != nil {
		return err
	}
	obj := rec.Value()
	for _, name := range d.Names() {
		store := fm.Store(name)
		if isBinding(store) {
			continue
		}
		v, ok := lookup(store)
		if !ok {
			continue
		}
		if err := r.assign(ctx, d, obj, name, v); err != nil {
			return err
		}
	}
	return nil
}

// load populates rec from a store row, including its row version.
func (r *Registry) load(ctx context.Context, rec Record, fm *FieldMap, row domain.Fields) error {
	if err := r.populate(ctx, rec, fm, func(store string) (any, bool) {
		v, ok := row[store]
		return v, ok
	}); err != nil {
		return err
	}
	token, ok := row[domain.VersionField]
	if !ok || token == nil {
		return nil
	}
	d, err := r.Descriptor(rec.TypeName())
	if err != nil {
		return err
	}
	return setRowVersion(d, rec.Value(), domain.VersionToken(domain.FormatKeyValue(token)))
}

// assign sets one field, building nested values through the nested type's
// object mapper when the descriptor asks for it.
func (r *Registry) assign(ctx context.Context, d *Descriptor, obj any, name string, value any) error {
	f, ok := d.Field(name)
	if !ok {
		return d.missing(name)
	}
	if f.Nested != "" && !isNil(value) {
		om, err := r.ObjectMapper(f.Nested)
		if err != nil {
			return err
		}
		nested, err := r.newRecord(f.Nested)
		if err != nil {
			return err
		}
		if err := om.FromObject(ctx, nested, value); err != nil {
			return err
		}
		value = nested.Value()
	}
	return f.set(obj, value)
}

// collect reads every descriptor field of obj into store-named fields.
func collect(d *Descriptor, fm *FieldMap, obj any) (domain.Fields, error) {
	out := make(domain.Fields, len(d.order))
	for _, name := range d.order {
		store := fm.Store(name)
		if isBinding(store) {
			continue
		}
		v, err := d.Get(obj, name)
		if err != nil {
			return nil, err
		}
		out[store] = v
	}
	return out, nil
}

// storeKey renames key fields to their store-side names.
func storeKey(key domain.ObjectKey, fm *FieldMap) domain.ObjectKey {
	out := domain.NewObjectKey()
	key.Each(func(name string, value any) {
		out = out.With(fm.Store(name), value)
	})
	return out
}

func setRowVersion(d *Descriptor, obj any, token domain.VersionToken) error {
	if d.RowVersion == "" || token == "" {
		return nil
	}
	return d.Set(obj, d.RowVersion, string(token))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func isBinding(store string) bool {
	return len(store) >= len(ReturnParameter) && store[:len(ReturnParameter)] == ReturnParameter
}

// storeError wraps err unless it already carries store context.
func storeError(op Operation, entity string, key domain.ObjectKey, err error) error {
	var soe *domain.StoreOperationError
	if errors.As(err, &soe) {
		return err
	}
	var cfg *domain.ConfigurationError
	if errors.As(err, &cfg) {
		return err
	}
	k := ""
	if !key.IsZero() {
		k = key.String()
	}
	return &domain.StoreOperationError{Op: string(op), Entity: entity, Key: k, Err: err}
}
