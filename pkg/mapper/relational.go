package mapper

import (
	"context"
	"persistcore/pkg/domain"
)

type relationalMapper struct {
	baseMapper
	conn   domain.ConnectionID
	entity string
	cfg    MapperConfig
}

// Connection returns the store connection this mapper is bound to.
func (m *relationalMapper) Connection() domain.ConnectionID { return m.conn }

func (m *relationalMapper) ref(op Operation) domain.EntityRef {
	return domain.EntityRef{Entity: m.entity, Method: m.cfg.method(op).Name}
}

type relationalRecordMapper struct {
	relationalMapper
}

func (m *relationalRecordMapper) Get(ctx context.Context, rec Record) error {
	key := storeKey(rec.ObjectKey(), m.fields)
	fields, err := m.reg.store.Select(ctx, m.conn, m.ref(OpSelect), key)
	if err != nil {
		return storeError(OpSelect, m.entity, key, err)
	}
	return m.reg.load(ctx, rec, m.fields, fields)
}

func (m *relationalRecordMapper) Insert(ctx context.Context, rec Record) error {
	d, err := m.descriptorFor(rec)
	if err != nil {
		return err
	}
	obj := rec.Value()
	fields, err := collect(d, m.fields, obj)
	if err != nil {
		return err
	}
	objKey, err := d.KeyFrom(obj)
	if err != nil {
		return err
	}
	key := storeKey(objKey, m.fields)
	token, err := m.reg.store.Insert(ctx, m.conn, m.ref(OpInsert), key, fields)
	if err != nil {
		return storeError(OpInsert, m.entity, key, err)
	}
	return setRowVersion(d, obj, token)
}

// Update locates the row by the record's current key, which may differ from
// the key fields when a key change is being persisted.
func (m *relationalRecordMapper) Update(ctx context.Context, rec Record) error {
	d, err := m.descriptorFor(rec)
	if err != nil {
		return err
	}
	obj := rec.Value()
	fields, err := collect(d, m.fields, obj)
	if err != nil {
		return err
	}
	key := storeKey(rec.ObjectKey(), m.fields)
	token, err := m.reg.store.Update(ctx, m.conn, m.ref(OpUpdate), key, fields)
	if err != nil {
		return storeError(OpUpdate, m.entity, key, err)
	}
	return setRowVersion(d, obj, token)
}

func (m *relationalRecordMapper) Delete(ctx context.Context, rec Record) error {
	key := storeKey(rec.ObjectKey(), m.fields)
	if err := m.reg.store.Delete(ctx, m.conn, m.ref(OpDelete), key); err != nil {
		return storeError(OpDelete, m.entity, key, err)
	}
	return nil
}

type relationalSetMapper struct {
	relationalMapper
	item string
}

// GetSet selects every row matching the parent key and params. Filter names
// go through this mapper's field map first and then the member type's.
func (m *relationalSetMapper) GetSet(ctx context.Context, target SetTarget, parent domain.ObjectKey, params domain.Fields) error {
	member := m.reg.memberFieldMap(m.item)
	filter := make(domain.Fields, len(params)+len(parent.Names()))
	translate := func(name string) string {
		if s, ok := m.fields.Explicit(name); ok {
			return s
		}
		return member.Store(name)
	}
	parent.Each(func(name string, value any) {
		filter[translate(name)] = value
	})
	for name, value := range params {
		filter[translate(name)] = value
	}
	rows, err := m.reg.store.SelectSet(ctx, m.conn, m.ref(OpSelect), filter)
	if err != nil {
		return storeError(OpSelect, m.entity, parent, err)
	}
	target.Initialize(len(rows))
	for _, row := range rows {
		rec, err := target.CreateForRetrieval()
		if err != nil {
			return err
		}
		if err := m.reg.load(ctx, rec, member, row); err != nil {
			return err
		}
		if err := target.AddRetrieved(rec); err != nil {
			return err
		}
	}
	return nil
}
