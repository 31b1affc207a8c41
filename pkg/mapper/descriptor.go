package mapper

import (
	"fmt"
	"persistcore/pkg/domain"
)

// Field is a typed accessor pair for one business-object field. Build fields
// with Accessor so the getter and setter are checked by the compiler.
type Field struct {
	Name string
	// Nested names a type whose object-to-object mapper builds this field's
	// value from store or service data.
	Nested string

	get func(obj any) (any, error)
	set func(obj any, value any) error
}

// Accessor builds a Field over a *T business object.
func Accessor[T any, V any](name string, get func(*T) V, set func(*T, V)) Field {
	return Field{
		Name: name,
		get: func(obj any) (any, error) {
			t, ok := obj.(*T)
			if !ok {
				return nil, fmt.Errorf("field %s: object is %T, want %T", name, obj, (*T)(nil))
			}
			return get(t), nil
		},
		set: func(obj any, value any) error {
			t, ok := obj.(*T)
			if !ok {
				return fmt.Errorf("field %s: object is %T, want %T", name, obj, (*T)(nil))
			}
			v, err := Convert[V](value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			set(t, v)
			return nil
		},
	}
}

// Nest marks the field as holding an object of typeName.
func (f Field) Nest(typeName string) Field {
	f.Nested = typeName
	return f
}

// Descriptor lists the fields of one entity type in declaration order.
type Descriptor struct {
	Type       string
	Key        []string
	RowVersion string
	// New returns a fresh business value; required for set retrieval and
	// nested mapping of this type.
	New func() any

	fields map[string]Field
	order  []string
}

// Describe builds a descriptor for typeName.
func Describe(typeName string, fields ...Field) *Descriptor {
	d := &Descriptor{Type: typeName, fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if _, dup := d.fields[f.Name]; !dup {
			d.order = append(d.order, f.Name)
		}
		d.fields[f.Name] = f
	}
	return d
}

// WithKey declares the key fields.
func (d *Descriptor) WithKey(names ...string) *Descriptor {
	d.Key = append([]string(nil), names...)
	return d
}

// WithRowVersion declares the field receiving store version tokens.
func (d *Descriptor) WithRowVersion(name string) *Descriptor {
	d.RowVersion = name
	return d
}

// WithFactory sets New.
func (d *Descriptor) WithFactory(fn func() any) *Descriptor {
	d.New = fn
	return d
}

// Field returns the accessor for name.
func (d *Descriptor) Field(name string) (Field, bool) {
	f, ok := d.fields[name]
	return f, ok
}

// Names returns the field names in declaration order.
func (d *Descriptor) Names() []string { return append([]string(nil), d.order...) }

// Get reads field name from obj.
func (d *Descriptor) Get(obj any, name string) (any, error) {
	f, ok := d.fields[name]
	if !ok {
		return nil, d.missing(name)
	}
	return f.get(obj)
}

// Set writes value into field name on obj, converting where the types allow.
func (d *Descriptor) Set(obj any, name string, value any) error {
	f, ok := d.fields[name]
	if !ok {
		return d.missing(name)
	}
	return f.set(obj, value)
}

// KeyFrom reads the key fields of obj into an ObjectKey.
func (d *Descriptor) KeyFrom(obj any) (domain.ObjectKey, error) {
	key := domain.NewObjectKey(d.Key...)
	for _, name := range d.Key {
		v, err := d.Get(obj, name)
		if err != nil {
			return domain.ObjectKey{}, err
		}
		key = key.With(name, v)
	}
	return key, nil
}

func (d *Descriptor) missing(name string) error {
	return &domain.ConfigurationError{Type: d.Type, Field: name, Reason: "field does not exist on type", Err: domain.ErrFieldNotFound}
}

func (d *Descriptor) validate() error {
	if d.Type == "" {
		return &domain.ConfigurationError{Reason: "descriptor without type name", Err: domain.ErrInvalidMapping}
	}
	for _, name := range d.Key {
		if _, ok := d.fields[name]; !ok {
			return d.missing(name)
		}
	}
	if d.RowVersion != "" {
		if _, ok := d.fields[d.RowVersion]; !ok {
			return d.missing(d.RowVersion)
		}
	}
	for _, name := range d.order {
		f := d.fields[name]
		if f.get == nil || f.set == nil {
			return &domain.ConfigurationError{Type: d.Type, Field: name, Reason: "field built without Accessor", Err: domain.ErrInvalidMapping}
		}
	}
	return nil
}
