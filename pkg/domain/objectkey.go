package domain

import (
	"fmt"
	"sort"
	"strings"
)

// KeyField is one named component of an ObjectKey. A nil Value means unset.
type KeyField struct {
	Name  string
	Value any
}

// ObjectKey identifies an entity. It is a value type: mutators return a copy.
// Fields are kept sorted by name so the canonical string does not depend on
// declaration order.
type ObjectKey struct {
	fields []KeyField
}

// NewObjectKey returns a key with the given field names, all unset.
func NewObjectKey(names ...string) ObjectKey {
	fields := make([]KeyField, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		fields = append(fields, KeyField{Name: n})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return ObjectKey{fields: fields}
}

// KeyOf builds a key from a name/value map.
func KeyOf(values map[string]any) ObjectKey {
	fields := make([]KeyField, 0, len(values))
	for n, v := range values {
		fields = append(fields, KeyField{Name: n, Value: v})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return ObjectKey{fields: fields}
}

// IsZero reports whether the key has no fields at all.
func (k ObjectKey) IsZero() bool { return len(k.fields) == 0 }

// Names returns the key field names in canonical order.
func (k ObjectKey) Names() []string {
	out := make([]string, len(k.fields))
	for i, f := range k.fields {
		out[i] = f.Name
	}
	return out
}

func (k ObjectKey) find(name string) int {
	i := sort.Search(len(k.fields), func(i int) bool { return k.fields[i].Name >= name })
	if i < len(k.fields) && k.fields[i].Name == name {
		return i
	}
	return -1
}

// Has reports whether name is one of the key fields.
func (k ObjectKey) Has(name string) bool { return k.find(name) >= 0 }

// Value returns the value of a key field and whether the field exists.
func (k ObjectKey) Value(name string) (any, bool) {
	i := k.find(name)
	if i < 0 {
		return nil, false
	}
	return k.fields[i].Value, true
}

// IsSet reports whether the named field exists and holds a value.
func (k ObjectKey) IsSet(name string) bool {
	v, ok := k.Value(name)
	return ok && v != nil
}

// Complete reports whether every key field holds a value.
func (k ObjectKey) Complete() bool {
	if len(k.fields) == 0 {
		return false
	}
	for _, f := range k.fields {
		if f.Value == nil {
			return false
		}
	}
	return true
}

// With returns a copy of the key with name set to value. Unknown names are added.
func (k ObjectKey) With(name string, value any) ObjectKey {
	fields := make([]KeyField, len(k.fields), len(k.fields)+1)
	copy(fields, k.fields)
	if i := k.find(name); i >= 0 {
		fields[i].Value = value
		return ObjectKey{fields: fields}
	}
	fields = append(fields, KeyField{Name: name, Value: value})
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return ObjectKey{fields: fields}
}

// Fields returns the key as a fresh map.
func (k ObjectKey) Fields() Fields {
	out := make(Fields, len(k.fields))
	for _, f := range k.fields {
		out[f.Name] = f.Value
	}
	return out
}

// Each calls fn for every field in canonical order.
func (k ObjectKey) Each(fn func(name string, value any)) {
	for _, f := range k.fields {
		fn(f.Name, f.Value)
	}
}

// String renders the canonical form used for equality and indexing.
func (k ObjectKey) String() string {
	var b strings.Builder
	for i, f := range k.fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(f.Name)
		b.WriteByte('=')
		b.WriteString(FormatKeyValue(f.Value))
	}
	return b.String()
}

// Equal compares canonical forms.
func (k ObjectKey) Equal(other ObjectKey) bool { return k.String() == other.String() }

// FormatKeyValue renders a single key value the way ObjectKey.String does.
func FormatKeyValue(v any) string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprint(v)
}
