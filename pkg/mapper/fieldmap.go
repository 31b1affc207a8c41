package mapper

// FieldMap translates between object field names and store-side names. An
// object field without an explicit entry maps to the store name of the same
// spelling.
type FieldMap struct {
	toStore  map[string]string
	toObject map[string]string
	entries  []FieldMapping
}

func newFieldMap(fields []FieldMapping) *FieldMap {
	fm := &FieldMap{
		toStore:  make(map[string]string, len(fields)),
		toObject: make(map[string]string, len(fields)),
		entries:  append([]FieldMapping(nil), fields...),
	}
	for _, f := range fields {
		fm.toStore[f.Object] = f.Store
		fm.toObject[f.Store] = f.Object
	}
	return fm
}

// Store returns the store-side name for an object field.
func (f *FieldMap) Store(object string) string {
	if f != nil {
		if s, ok := f.toStore[object]; ok {
			return s
		}
	}
	return object
}

// Explicit returns the configured store name, if any.
func (f *FieldMap) Explicit(object string) (string, bool) {
	if f == nil {
		return "", false
	}
	s, ok := f.toStore[object]
	return s, ok
}

// Object returns the object field for a store-side name.
func (f *FieldMap) Object(store string) string {
	if f != nil {
		if o, ok := f.toObject[store]; ok {
			return o
		}
	}
	return store
}

// Entries returns the explicit mappings in configuration order.
func (f *FieldMap) Entries() []FieldMapping {
	if f == nil {
		return nil
	}
	return append([]FieldMapping(nil), f.entries...)
}
