package persistence

import (
	"context"
	"errors"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"persistcore/pkg/mapper"
	"reflect"
)

// ErrNotAttached is returned by entity operations before Runtime.Init.
var ErrNotAttached = errors.New("entity is not attached to a runtime")

// Object is implemented by every business type that embeds Entity.
type Object interface {
	Base() *Entity
}

// Locator reports the store connection behind a participant. ok is false
// when the participant has no determinate local connection.
type Locator interface {
	Connection() (conn domain.ConnectionID, ok bool)
}

// Participant is anything a Coordinator can enlist: entities and collections.
type Participant interface {
	Locator
	Commit(ctx context.Context) error
	Refresh(ctx context.Context) error
	SetDeferred(deferred bool)
	Deferred() bool
	ExecutionSequence() int
	// Settle clears transient recovery state after a successful commit.
	Settle()
	setExecutionSequence(seq int)
}

// indexer is the containing collection's re-index handle.
type indexer interface {
	rekey(e *Entity, old string) error
}

type snapshot struct {
	state    State
	key      domain.ObjectKey
	keyDirty bool
}

// Entity is the persistence half of a business object. Embed it by value and
// attach the object with Runtime.Init. An Entity is not safe for concurrent
// use.
type Entity struct {
	rt       *Runtime
	typeName string
	kind     mapper.Kind
	desc     *mapper.Descriptor
	value    Object

	key      domain.ObjectKey
	keyDirty bool
	state    State
	prev     *snapshot

	parent   *Entity
	coll     indexer
	deferred bool
	sequence int
}

// Base returns e; it lets any type embedding Entity satisfy Object.
func (e *Entity) Base() *Entity { return e }

// TypeName returns the mapped type name.
func (e *Entity) TypeName() string { return e.typeName }

// Value returns the business object embedding e.
func (e *Entity) Value() any { return e.value }

// ObjectKey returns the persisted identity. While the key is dirty this is
// still the old key, which is what updates must address.
func (e *Entity) ObjectKey() domain.ObjectKey { return e.key }

// KeyDirty reports whether key fields changed since the entity was stored.
func (e *Entity) KeyDirty() bool { return e.keyDirty }

// State returns the current state.
func (e *Entity) State() State { return e.state }

// PreviousState returns the state a failed operation would restore, or nil.
func (e *Entity) PreviousState() State {
	if e.prev == nil {
		return nil
	}
	return e.prev.state
}

// Kind returns the mapper kind used for record operations.
func (e *Entity) Kind() mapper.Kind { return e.kind }

// Parent returns the parent entity used for key validation, if any.
func (e *Entity) Parent() *Entity { return e.parent }

// SetParent sets the parent used for key validation. It does not own parent.
func (e *Entity) SetParent(parent Object) {
	if parent == nil {
		e.parent = nil
		return
	}
	e.parent = parent.Base()
}

// Deferred reports whether Commit is suppressed.
func (e *Entity) Deferred() bool { return e.deferred }

// SetDeferred suppresses or re-enables Commit.
func (e *Entity) SetDeferred(deferred bool) { e.deferred = deferred }

// ExecutionSequence is the commit ordering hint assigned at enlistment.
func (e *Entity) ExecutionSequence() int { return e.sequence }

func (e *Entity) setExecutionSequence(seq int) { e.sequence = seq }

// Connection returns the store connection of the entity's mapper.
func (e *Entity) Connection() (domain.ConnectionID, bool) {
	if e.rt == nil {
		return "", false
	}
	return e.rt.connection(e.typeName, e.kind)
}

// RowVersion returns the current row version token, empty when the type does
// not carry one.
func (e *Entity) RowVersion() domain.VersionToken {
	if e.desc == nil || e.desc.RowVersion == "" {
		return ""
	}
	v, err := e.desc.Get(e.value, e.desc.RowVersion)
	if err != nil || v == nil {
		return ""
	}
	return domain.VersionToken(domain.FormatKeyValue(v))
}

// Set assigns a field through the type descriptor and records the change.
// A key field that disagrees with the parent key is rejected before the
// assignment.
func (e *Entity) Set(name string, value any) error {
	if err := e.attached(); err != nil {
		return err
	}
	if err := e.checkParent(name, value); err != nil {
		return err
	}
	old, err := e.desc.Get(e.value, name)
	if err != nil {
		return err
	}
	if err := e.desc.Set(e.value, name, value); err != nil {
		return err
	}
	if err := e.Changed(name); err != nil {
		_ = e.desc.Set(e.value, name, old)
		return err
	}
	return nil
}

// Changed records that field name was assigned directly on the business
// object. Key fields update the identity: while New the key follows the
// field; otherwise an unset key field is initialized, and a change to a
// complete key marks it dirty and re-indexes the entity in its collection.
func (e *Entity) Changed(name string) error {
	if err := e.attached(); err != nil {
		return err
	}
	if e.isKeyField(name) {
		v, err := e.desc.Get(e.value, name)
		if err != nil {
			return err
		}
		if err := e.checkParent(name, v); err != nil {
			return err
		}
		before := snapshot{key: e.key, keyDirty: e.keyDirty}
		old := e.indexKey().String()
		switch {
		case e.state == StateNew, !e.key.IsSet(name):
			e.key = e.key.With(name, keyValue(v))
		default:
			if fk, err := e.fieldKey(); err == nil && fk.Complete() {
				e.keyDirty = !fk.Equal(e.key)
			}
		}
		if e.coll != nil && e.indexKey().String() != old {
			if err := e.coll.rekey(e, old); err != nil {
				e.key, e.keyDirty = before.key, before.keyDirty
				return err
			}
		}
	}
	e.state.fieldChanged(e)
	return nil
}

// SetObjectKey writes key into the key fields and adopts it as identity.
func (e *Entity) SetObjectKey(key domain.ObjectKey) error {
	if err := e.attached(); err != nil {
		return err
	}
	old := e.indexKey().String()
	var err error
	key.Each(func(name string, value any) {
		if err == nil && e.isKeyField(name) {
			err = e.desc.Set(e.value, name, value)
		}
	})
	if err != nil {
		return err
	}
	e.keyDirty = false
	if err := e.syncKey(); err != nil {
		return err
	}
	return e.refile(old)
}

// Validate is the default validation hook. Business types override it by
// declaring their own Validate method.
func (e *Entity) Validate() error { return nil }

func (e *Entity) validate() error {
	if v, ok := e.value.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// Save persists pending changes: insert while New, update while OldDirty,
// delete while OldDelete. On failure the entity is refreshed and the
// original error returned.
func (e *Entity) Save(ctx context.Context) error {
	return e.run(ctx, "entity.save", func() error {
		if err := e.state.save(ctx, e); err != nil {
			return err
		}
		return e.Commit(ctx)
	})
}

// Delete marks the entity for deletion and commits.
func (e *Entity) Delete(ctx context.Context) error {
	return e.run(ctx, "entity.delete", func() error {
		e.state.delete(e)
		return e.Commit(ctx)
	})
}

func (e *Entity) run(ctx context.Context, op string, fn func() error) error {
	if err := e.attached(); err != nil {
		return err
	}
	start := e.rt.now()
	err := fn()
	e.rt.observe(ctx, op, start, err)
	if err != nil {
		e.recover(ctx, err)
		e.rt.report(ctx, err, map[string]string{"op": op, "type": e.typeName, "key": e.key.String()})
		return err
	}
	if !e.deferred {
		e.Settle()
	}
	return nil
}

// recover refreshes after a failed operation. A refresh failure is logged
// and never replaces the original error.
func (e *Entity) recover(ctx context.Context, cause error) {
	if rerr := e.Refresh(ctx); rerr != nil {
		e.rt.logger.Warn("refresh after failure",
			log.String("type", e.typeName),
			log.String("key", e.key.String()),
			log.String("cause", cause.Error()),
			log.Err(rerr))
	}
}

// Commit runs the current state's store operation unless commit is deferred.
func (e *Entity) Commit(ctx context.Context) error {
	if err := e.attached(); err != nil {
		return err
	}
	if e.deferred {
		return nil
	}
	return e.state.commit(ctx, e)
}

// Refresh restores a consistent state after a failure: the previous state
// for transitions made in anticipation of a commit, or a reload from the
// store for OldDirty and OldDelete.
func (e *Entity) Refresh(ctx context.Context) error {
	if err := e.attached(); err != nil {
		return err
	}
	return e.state.refresh(ctx, e)
}

// Settle drops the recovery snapshot.
func (e *Entity) Settle() { e.prev = nil }

// Load reads the entity by its current key through the default mapper.
func (e *Entity) Load(ctx context.Context) error {
	if err := e.attached(); err != nil {
		return err
	}
	return e.LoadKind(ctx, e.kind)
}

// LoadKind reads the entity through the mapper of kind and makes that kind
// the one used for later record operations.
func (e *Entity) LoadKind(ctx context.Context, kind mapper.Kind) error {
	if err := e.attached(); err != nil {
		return err
	}
	rm, err := e.rt.reg.RecordMapper(e.typeName, kind)
	if err != nil {
		return err
	}
	old := e.indexKey().String()
	held := e.key
	if e.state == StateNew {
		// a New key leaves zero fields open; the record is stored under the raw values
		if e.key, err = e.desc.KeyFrom(e.value); err != nil {
			e.key = held
			return err
		}
	}
	start := e.rt.now()
	err = rm.Get(ctx, e)
	e.rt.observe(ctx, "entity.load", start, err)
	if err != nil {
		e.key = held
		return err
	}
	e.kind = kind
	e.prev = nil
	e.setState(StateOldClean)
	if err := e.syncKey(); err != nil {
		return err
	}
	return e.refile(old)
}

// LoadFromObject fills the entity from source through the type's
// object-to-object mapper and marks it New.
func (e *Entity) LoadFromObject(ctx context.Context, source any) error {
	if err := e.attached(); err != nil {
		return err
	}
	om, err := e.rt.reg.ObjectMapper(e.typeName)
	if err != nil {
		return err
	}
	if err := om.FromObject(ctx, e, source); err != nil {
		return err
	}
	e.MarkNew()
	return e.syncKey()
}

// MarkNew forces the New state so the next save inserts.
func (e *Entity) MarkNew() { e.mark(StateNew) }

// MarkOldClean forces the OldClean state.
func (e *Entity) MarkOldClean() { e.mark(StateOldClean) }

// MarkOldDirty forces the OldDirty state so the next save updates.
func (e *Entity) MarkOldDirty() { e.mark(StateOldDirty) }

// MarkDelete moves the entity to OldDelete without committing.
func (e *Entity) MarkDelete() {
	if e.state != nil {
		e.state.delete(e)
	}
}

func (e *Entity) mark(s State) {
	e.prev = nil
	old := e.indexKey().String()
	e.setState(s)
	if e.desc == nil || e.keyDirty {
		return
	}
	if err := e.syncKey(); err != nil {
		return
	}
	if err := e.refile(old); err != nil {
		e.rt.logger.Warn("re-index on mark", log.String("type", e.typeName), log.Err(err))
	}
}

func (e *Entity) attached() error {
	if e.rt == nil {
		return ErrNotAttached
	}
	return nil
}

func (e *Entity) recordMapper() (mapper.RecordMapper, error) {
	return e.rt.reg.RecordMapper(e.typeName, e.kind)
}

// transition moves to next and remembers what a refresh must restore.
func (e *Entity) transition(next State) {
	e.prev = &snapshot{state: e.state, key: e.key, keyDirty: e.keyDirty}
	e.setState(next)
}

func (e *Entity) setState(next State) {
	if e.rt != nil && e.state != next {
		from := "none"
		if e.state != nil {
			from = e.state.Name()
		}
		e.rt.logger.Debug("state transition",
			log.String("type", e.typeName),
			log.String("key", e.key.String()),
			log.String("from", from),
			log.String("to", next.Name()))
	}
	e.state = next
}

// restore undoes the last transition, including any key change it made.
func (e *Entity) restore() {
	if e.prev == nil {
		return
	}
	snap := e.prev
	e.prev = nil
	old := e.indexKey().String()
	e.key, e.keyDirty = snap.key, snap.keyDirty
	e.setState(snap.state)
	if e.coll != nil && e.indexKey().String() != old {
		if err := e.coll.rekey(e, old); err != nil {
			e.rt.logger.Warn("re-index on restore", log.String("type", e.typeName), log.Err(err))
		}
	}
}

// reload replaces in-memory data with the stored record under the persisted
// key and leaves the entity OldClean.
func (e *Entity) reload(ctx context.Context) error {
	rm, err := e.recordMapper()
	if err != nil {
		return err
	}
	old := e.indexKey().String()
	if err := rm.Get(ctx, e); err != nil {
		return err
	}
	e.prev = nil
	e.setState(StateOldClean)
	if err := e.syncKey(); err != nil {
		return err
	}
	return e.refile(old)
}

// refile moves e in its collection's index when its index key is no longer
// old.
func (e *Entity) refile(old string) error {
	if e.coll != nil && e.indexKey().String() != old {
		return e.coll.rekey(e, old)
	}
	return nil
}

// syncKey rebuilds the identity from the key fields. Callers set the state
// first: it decides whether zero values count as unset.
func (e *Entity) syncKey() error {
	k, err := e.fieldKey()
	if err != nil {
		return err
	}
	e.key = k
	e.keyDirty = false
	return nil
}

// fieldKey reads the key fields. While New, zero values count as unset so a
// fresh object starts with an open key; a stored record is addressed by the
// raw values it was inserted with.
func (e *Entity) fieldKey() (domain.ObjectKey, error) {
	k, err := e.desc.KeyFrom(e.value)
	if err != nil {
		return domain.ObjectKey{}, err
	}
	if e.state != StateNew {
		return k, nil
	}
	out := domain.NewObjectKey(e.desc.Key...)
	k.Each(func(name string, v any) {
		out = out.With(name, keyValue(v))
	})
	return out, nil
}

// indexKey is the key a collection files the entity under: the field key
// while the key is dirty, the persisted key otherwise.
func (e *Entity) indexKey() domain.ObjectKey {
	if e.keyDirty {
		if k, err := e.fieldKey(); err == nil {
			return k
		}
	}
	return e.key
}

func (e *Entity) isKeyField(name string) bool {
	for _, k := range e.desc.Key {
		if k == name {
			return true
		}
	}
	return false
}

func (e *Entity) checkParent(name string, value any) error {
	if e.parent == nil || !e.isKeyField(name) {
		return nil
	}
	pv, ok := e.parent.key.Value(name)
	if !ok || pv == nil {
		return nil
	}
	if domain.FormatKeyValue(pv) != domain.FormatKeyValue(value) {
		return &domain.KeyMismatchError{Field: name, Parent: pv, Child: value}
	}
	return nil
}

// keyValue maps zero values to nil: on a New entity an unassigned Go field
// is an unset key field.
func keyValue(v any) any {
	if v == nil || reflect.ValueOf(v).IsZero() {
		return nil
	}
	return v
}
