package persistence

import (
	"context"
	"fmt"
	"iter"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"persistcore/pkg/mapper"
	"slices"
)

// Collection is an ordered, key-indexed set of entities plus the members
// removed since the last commit. A collection created with
// NewChildCollection belongs to a parent entity: members must agree with the
// parent on shared key fields and loads are scoped by the parent key.
type Collection[T Object] struct {
	rt       *Runtime
	typeName string
	itemType string
	kind     mapper.Kind
	factory  func() T

	items   []T
	index   map[string]int
	deleted map[string]T
	dorder  []string

	parent *Entity
	params domain.Fields
	header *Entity

	deferred bool
	sequence int
}

// NewCollection builds an empty collection of the set type typeName. factory
// returns a fresh business value for each retrieved or created member.
func NewCollection[T Object](rt *Runtime, typeName string, factory func() T) (*Collection[T], error) {
	kind, err := rt.reg.DefaultKind(typeName)
	if err != nil {
		return nil, err
	}
	item, err := rt.reg.Item(typeName, kind)
	if err != nil {
		return nil, err
	}
	if _, err := rt.reg.Descriptor(item); err != nil {
		return nil, err
	}
	return &Collection[T]{
		rt:       rt,
		typeName: typeName,
		itemType: item,
		kind:     kind,
		factory:  factory,
		index:    make(map[string]int),
		deleted:  make(map[string]T),
	}, nil
}

// NewChildCollection builds a collection owned by parent.
func NewChildCollection[T Object](rt *Runtime, parent Object, typeName string, factory func() T) (*Collection[T], error) {
	c, err := NewCollection(rt, typeName, factory)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		c.parent = parent.Base()
	}
	return c, nil
}

// TypeName returns the set type name.
func (c *Collection[T]) TypeName() string { return c.typeName }

// ItemType returns the member type name.
func (c *Collection[T]) ItemType() string { return c.itemType }

// Parent returns the owning entity, if any.
func (c *Collection[T]) Parent() *Entity { return c.parent }

// WithParams sets the extra filter parameters used by Load and Refresh.
func (c *Collection[T]) WithParams(params domain.Fields) *Collection[T] {
	c.params = params.Clone()
	return c
}

// WithSetHeader attaches the entity whose row version guards the whole set.
func (c *Collection[T]) WithSetHeader(header Object) *Collection[T] {
	if header == nil {
		c.header = nil
		return c
	}
	c.header = header.Base()
	c.header.SetDeferred(c.deferred)
	return c
}

// Len returns the number of live members.
func (c *Collection[T]) Len() int { return len(c.items) }

// At returns the live member at position i.
func (c *Collection[T]) At(i int) T { return c.items[i] }

// Items returns a copy of the live members in order.
func (c *Collection[T]) Items() []T { return slices.Clone(c.items) }

// All iterates the live members in order.
func (c *Collection[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, item := range c.items {
			if !yield(i, item) {
				return
			}
		}
	}
}

// Deleted returns the members pending deletion in the order they were
// removed.
func (c *Collection[T]) Deleted() []T {
	out := make([]T, 0, len(c.dorder))
	for _, k := range c.dorder {
		out = append(out, c.deleted[k])
	}
	return out
}

// Get returns the live member filed under key.
func (c *Collection[T]) Get(key domain.ObjectKey) (T, bool) {
	i, ok := c.index[key.String()]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// ContainsKey reports whether a live member is filed under key.
func (c *Collection[T]) ContainsKey(key domain.ObjectKey) bool {
	_, ok := c.index[key.String()]
	return ok
}

// IndexOf returns the position of item, or -1.
func (c *Collection[T]) IndexOf(item T) int {
	e := item.Base()
	if i, ok := c.index[e.indexKey().String()]; ok && c.items[i].Base() == e {
		return i
	}
	return c.find(e)
}

// Contains reports whether item is a live member.
func (c *Collection[T]) Contains(item T) bool { return c.IndexOf(item) >= 0 }

// Add appends item unless a member with the same key exists. Re-adding a
// member removed since the last commit restores its state before removal.
func (c *Collection[T]) Add(item T) error {
	return c.Insert(len(c.items), item)
}

// Insert places item at position i unless a member with the same key exists.
func (c *Collection[T]) Insert(i int, item T) error {
	if i < 0 || i > len(c.items) {
		return fmt.Errorf("insert %s at %d: index out of range [0,%d]", c.typeName, i, len(c.items))
	}
	e := item.Base()
	if err := e.attached(); err != nil {
		return err
	}
	if err := c.checkParent(e); err != nil {
		return err
	}
	key := e.indexKey().String()
	if _, exists := c.index[key]; exists {
		return nil
	}
	if gone, ok := c.deleted[key]; ok && gone.Base() == e {
		c.dropDeleted(key)
		e.restore()
	}
	c.items = slices.Insert(c.items, i, item)
	c.attach(e)
	c.reindex(i)
	return nil
}

// InsertRange inserts items at position i, skipping keys already present.
func (c *Collection[T]) InsertRange(i int, items ...T) error {
	for _, item := range items {
		before := len(c.items)
		if err := c.Insert(i, item); err != nil {
			return err
		}
		if len(c.items) > before {
			i++
		}
	}
	return nil
}

// Create returns the member filed under key, or a new member carrying key
// that has been added to the collection.
func (c *Collection[T]) Create(key domain.ObjectKey) (T, error) {
	if item, ok := c.Get(key); ok {
		return item, nil
	}
	var zero T
	item := c.factory()
	if err := c.rt.Init(item, c.itemType); err != nil {
		return zero, err
	}
	e := item.Base()
	e.parent = c.parent
	if err := e.SetObjectKey(key); err != nil {
		return zero, err
	}
	if err := c.Add(item); err != nil {
		return zero, err
	}
	return item, nil
}

// Remove takes item out of the live set and queues it for deletion.
func (c *Collection[T]) Remove(item T) bool {
	i := c.IndexOf(item)
	if i < 0 {
		return false
	}
	c.RemoveAt(i)
	return true
}

// RemoveKey removes the member filed under key.
func (c *Collection[T]) RemoveKey(key domain.ObjectKey) bool {
	i, ok := c.index[key.String()]
	if !ok {
		return false
	}
	c.RemoveAt(i)
	return true
}

// RemoveAt removes the member at position i.
func (c *Collection[T]) RemoveAt(i int) {
	c.RemoveRange(i, 1)
}

// RemoveRange removes n members starting at position i.
func (c *Collection[T]) RemoveRange(i, n int) {
	removed := slices.Clone(c.items[i : i+n])
	c.items = slices.Delete(c.items, i, i+n)
	for _, item := range removed {
		c.markDeleted(item)
	}
	c.reindex(i)
}

// Clear queues every live member for deletion.
func (c *Collection[T]) Clear() {
	if len(c.items) == 0 {
		return
	}
	c.RemoveRange(0, len(c.items))
}

// Reverse reverses the live order.
func (c *Collection[T]) Reverse() { c.ReverseRange(0, len(c.items)) }

// ReverseRange reverses n members starting at i.
func (c *Collection[T]) ReverseRange(i, n int) {
	slices.Reverse(c.items[i : i+n])
	c.reindex(i)
}

// Sort orders the live members with cmp, keeping equal members in place.
func (c *Collection[T]) Sort(cmp func(a, b T) int) { c.SortRange(0, len(c.items), cmp) }

// SortRange stably sorts n members starting at i.
func (c *Collection[T]) SortRange(i, n int, cmp func(a, b T) int) {
	slices.SortStableFunc(c.items[i:i+n], cmp)
	c.reindex(i)
}

// SetDeferred cascades to every live and deleted member and the header.
func (c *Collection[T]) SetDeferred(deferred bool) {
	c.deferred = deferred
	for _, item := range c.items {
		item.Base().SetDeferred(deferred)
	}
	for _, item := range c.deleted {
		item.Base().SetDeferred(deferred)
	}
	if c.header != nil {
		c.header.SetDeferred(deferred)
	}
}

// Deferred reports whether Commit is suppressed.
func (c *Collection[T]) Deferred() bool { return c.deferred }

// ExecutionSequence is the commit ordering hint assigned at enlistment.
func (c *Collection[T]) ExecutionSequence() int { return c.sequence }

func (c *Collection[T]) setExecutionSequence(seq int) { c.sequence = seq }

// Connection returns the store connection of the member type.
func (c *Collection[T]) Connection() (domain.ConnectionID, bool) {
	kind, err := c.rt.reg.DefaultKind(c.itemType)
	if err != nil {
		return "", false
	}
	return c.rt.connection(c.itemType, kind)
}

// Commit writes the header, then every pending deletion, then every live
// member, and finally forgets the deletions. Deletions go first so a delete
// and a re-insert of the same key do not collide.
func (c *Collection[T]) Commit(ctx context.Context) error {
	if c.deferred {
		return nil
	}
	if c.header != nil {
		if err := c.header.Commit(ctx); err != nil {
			return err
		}
	}
	for _, k := range c.dorder {
		if err := c.deleted[k].Base().Commit(ctx); err != nil {
			return err
		}
	}
	for _, item := range c.items {
		if err := item.Base().Commit(ctx); err != nil {
			return err
		}
	}
	clear(c.deleted)
	c.dorder = c.dorder[:0]
	return nil
}

// Settle clears recovery snapshots on every member and the header.
func (c *Collection[T]) Settle() {
	for _, item := range c.items {
		item.Base().Settle()
	}
	for _, item := range c.deleted {
		item.Base().Settle()
	}
	if c.header != nil {
		c.header.Settle()
	}
}

// Refresh reloads the whole collection from the store.
func (c *Collection[T]) Refresh(ctx context.Context) error {
	return c.LoadWith(ctx, c.params)
}

// Load replaces the contents with the members stored for the parent key and
// the collection's parameters, then reloads the header.
func (c *Collection[T]) Load(ctx context.Context) error {
	return c.LoadWith(ctx, c.params)
}

// LoadWith loads with extra filter parameters and remembers them. The
// members are replaced only when the load succeeds; on error the collection
// keeps its live and deleted members.
func (c *Collection[T]) LoadWith(ctx context.Context, params domain.Fields) error {
	sm, err := c.rt.reg.SetMapper(c.typeName, c.kind)
	if err != nil {
		return err
	}
	params = params.Clone()
	var parentKey domain.ObjectKey
	if c.parent != nil {
		parentKey = c.parent.key
	}
	loader := &setLoader[T]{c: c, index: make(map[string]int)}
	start := c.rt.now()
	err = sm.GetSet(ctx, loader, parentKey, params)
	c.rt.observe(ctx, "collection.load", start, err)
	if err != nil {
		return err
	}
	c.params = params
	c.items = loader.items
	c.index = loader.index
	clear(c.deleted)
	c.dorder = c.dorder[:0]
	for _, item := range c.items {
		c.attach(item.Base())
	}
	if c.header != nil && c.header.key.Complete() {
		return c.header.Load(ctx)
	}
	return nil
}

// Save increments the set version, then commits the collection. On failure
// the collection is reloaded and the original error returned.
func (c *Collection[T]) Save(ctx context.Context) error {
	return c.run(ctx, "collection.save", func() error {
		if err := c.IncrementSetVersion(ctx); err != nil {
			return err
		}
		return c.Commit(ctx)
	})
}

// Delete removes every member and commits.
func (c *Collection[T]) Delete(ctx context.Context) error {
	return c.run(ctx, "collection.delete", func() error {
		if err := c.IncrementSetVersion(ctx); err != nil {
			return err
		}
		c.Clear()
		return c.Commit(ctx)
	})
}

func (c *Collection[T]) run(ctx context.Context, op string, fn func() error) error {
	start := c.rt.now()
	err := fn()
	c.rt.observe(ctx, op, start, err)
	if err != nil {
		if rerr := c.Refresh(ctx); rerr != nil {
			c.rt.logger.Warn("reload after failure", log.String("type", c.typeName), log.String("cause", err.Error()), log.Err(rerr))
		}
		c.rt.report(ctx, err, map[string]string{"op": op, "type": c.typeName})
		return err
	}
	if !c.deferred {
		c.Settle()
	}
	return nil
}

// SaveItem saves item after incrementing the set version and adds it to the
// collection. If the version increment fails the item is refreshed.
func (c *Collection[T]) SaveItem(ctx context.Context, item T) error {
	e := item.Base()
	if err := e.attached(); err != nil {
		return err
	}
	if !c.Contains(item) {
		e.SetDeferred(c.deferred)
	}
	if err := c.IncrementSetVersion(ctx); err != nil {
		e.recover(ctx, err)
		return err
	}
	if err := e.Save(ctx); err != nil {
		return err
	}
	return c.Add(item)
}

// DeleteKey deletes the member filed under key after incrementing the set
// version, then drops it from the collection.
func (c *Collection[T]) DeleteKey(ctx context.Context, key domain.ObjectKey) error {
	item, ok := c.Get(key)
	if !ok {
		return &domain.StoreOperationError{Op: string(mapper.OpDelete), Entity: c.typeName, Key: key.String(), Err: domain.ErrNotFound}
	}
	e := item.Base()
	if err := c.IncrementSetVersion(ctx); err != nil {
		e.recover(ctx, err)
		return err
	}
	if err := e.Delete(ctx); err != nil {
		return err
	}
	c.RemoveKey(key)
	return nil
}

// IncrementSetVersion saves the header so its row version moves on: it is
// inserted when it has no version yet and updated otherwise.
func (c *Collection[T]) IncrementSetVersion(ctx context.Context) error {
	if c.header == nil {
		return nil
	}
	if c.header.RowVersion() == "" {
		c.header.MarkNew()
	} else {
		c.header.MarkOldDirty()
	}
	return c.header.Save(ctx)
}

// MarkNew marks every live member New.
func (c *Collection[T]) MarkNew() {
	for _, item := range c.items {
		item.Base().MarkNew()
	}
}

// Validate runs every live member's validation and stops at the first error.
func (c *Collection[T]) Validate() error {
	for _, item := range c.items {
		if err := item.Base().validate(); err != nil {
			return err
		}
	}
	return nil
}

// rekey files e under its new index key after a key change.
func (c *Collection[T]) rekey(e *Entity, old string) error {
	pos, ok := c.index[old]
	if !ok || c.items[pos].Base() != e {
		if pos = c.find(e); pos < 0 {
			return nil
		}
	}
	next := e.indexKey().String()
	if other, taken := c.index[next]; taken && other != pos {
		return &domain.StoreOperationError{Op: "rekey", Entity: c.typeName, Key: next, Err: domain.ErrDuplicateKey}
	}
	if c.index[old] == pos {
		delete(c.index, old)
	}
	c.index[next] = pos
	return nil
}

func (c *Collection[T]) find(e *Entity) int {
	for i, item := range c.items {
		if item.Base() == e {
			return i
		}
	}
	return -1
}

// reindex rebuilds the key index from position from onward.
func (c *Collection[T]) reindex(from int) {
	for k, i := range c.index {
		if i >= from {
			delete(c.index, k)
		}
	}
	for i := from; i < len(c.items); i++ {
		c.index[c.items[i].Base().indexKey().String()] = i
	}
}

func (c *Collection[T]) attach(e *Entity) {
	e.coll = c
	if c.parent != nil {
		e.parent = c.parent
	}
	e.SetDeferred(c.deferred)
}

func (c *Collection[T]) markDeleted(item T) {
	e := item.Base()
	if e.state == StateDeleted {
		return
	}
	key := e.indexKey().String()
	if _, pending := c.deleted[key]; pending {
		return
	}
	e.MarkDelete()
	c.deleted[key] = item
	c.dorder = append(c.dorder, key)
}

func (c *Collection[T]) dropDeleted(key string) {
	delete(c.deleted, key)
	if i := slices.Index(c.dorder, key); i >= 0 {
		c.dorder = slices.Delete(c.dorder, i, i+1)
	}
}

func (c *Collection[T]) checkParent(e *Entity) error {
	if c.parent == nil {
		return nil
	}
	var err error
	c.parent.key.Each(func(name string, pv any) {
		if err != nil || pv == nil {
			return
		}
		cv, ok := e.key.Value(name)
		if !ok {
			return
		}
		if domain.FormatKeyValue(cv) != domain.FormatKeyValue(pv) {
			err = &domain.KeyMismatchError{Field: name, Parent: pv, Child: cv}
		}
	})
	return err
}

// setLoader collects retrieved members apart from the collection so a failed
// load leaves it untouched.
type setLoader[T Object] struct {
	c     *Collection[T]
	items []T
	index map[string]int
	last  T
}

func (l *setLoader[T]) Initialize(capacity int) {
	l.items = slices.Grow(l.items, capacity)
}

func (l *setLoader[T]) CreateForRetrieval() (mapper.Record, error) {
	item := l.c.factory()
	if err := l.c.rt.Init(item, l.c.itemType); err != nil {
		return nil, err
	}
	l.last = item
	return item.Base(), nil
}

func (l *setLoader[T]) AddRetrieved(rec mapper.Record) error {
	e := l.last.Base()
	if rec != mapper.Record(e) {
		return fmt.Errorf("retrieved %s member does not match the one created", l.c.itemType)
	}
	e.setState(StateOldClean)
	if err := e.syncKey(); err != nil {
		return err
	}
	if l.c.parent != nil {
		e.parent = l.c.parent
	}
	key := e.indexKey().String()
	if _, dup := l.index[key]; dup {
		return &domain.StoreOperationError{Op: string(mapper.OpSelect), Entity: l.c.typeName, Key: key, Err: domain.ErrDuplicateKey}
	}
	l.items = append(l.items, l.last)
	l.index[key] = len(l.items) - 1
	return nil
}
