package mapper

import "context"

type objectMapper struct {
	baseMapper
}

// FromObject copies fields from source, which may be a map or a struct.
// Store names may be member paths such as "Address.City".
func (m *objectMapper) FromObject(ctx context.Context, rec Record, source any) error {
	if source == nil {
		return nil
	}
	return m.reg.populate(ctx, rec, m.fields, func(store string) (any, bool) {
		return m.reg.programs.lookup(source, store)
	})
}
