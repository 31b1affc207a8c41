package persistence

import "context"

// State is one of the five persistence lifecycle states. The set is closed:
// states are stateless package singletons and every behaviour takes the
// entity it acts on.
type State interface {
	Name() string

	// save prepares a save; the store operation itself runs in commit.
	save(ctx context.Context, e *Entity) error
	delete(e *Entity)
	commit(ctx context.Context, e *Entity) error
	refresh(ctx context.Context, e *Entity) error
	fieldChanged(e *Entity)
}

var (
	StateNew       State = newState{}
	StateOldClean  State = oldCleanState{}
	StateOldDirty  State = oldDirtyState{}
	StateOldDelete State = oldDeleteState{}
	StateDeleted   State = deletedState{}
)

// restorePrevious is the default refresh: undo a transition made in
// anticipation of a commit.
func restorePrevious(_ context.Context, e *Entity) error {
	e.restore()
	return nil
}

// reloadOrRestore backs the states that promise a persisted record. An entity
// whose previous state is New was never stored, so it is restored instead.
func reloadOrRestore(ctx context.Context, e *Entity) error {
	if e.prev != nil && e.prev.state == StateNew {
		e.restore()
		return nil
	}
	return e.reload(ctx)
}

type newState struct{}

func (newState) Name() string { return "New" }

func (newState) save(_ context.Context, e *Entity) error { return e.validate() }

func (newState) delete(e *Entity) { e.transition(StateOldDelete) }

func (newState) commit(ctx context.Context, e *Entity) error {
	rm, err := e.recordMapper()
	if err != nil {
		return err
	}
	if err := rm.Insert(ctx, e); err != nil {
		return err
	}
	old := e.indexKey().String()
	e.transition(StateOldClean)
	if err := e.syncKey(); err != nil {
		return err
	}
	return e.refile(old)
}

func (newState) refresh(ctx context.Context, e *Entity) error { return restorePrevious(ctx, e) }

func (newState) fieldChanged(*Entity) {}

type oldCleanState struct{}

func (oldCleanState) Name() string { return "OldClean" }

func (oldCleanState) save(context.Context, *Entity) error { return nil }

func (oldCleanState) delete(e *Entity) { e.transition(StateOldDelete) }

func (oldCleanState) commit(context.Context, *Entity) error { return nil }

func (oldCleanState) refresh(ctx context.Context, e *Entity) error { return restorePrevious(ctx, e) }

func (oldCleanState) fieldChanged(e *Entity) { e.setState(StateOldDirty) }

type oldDirtyState struct{}

func (oldDirtyState) Name() string { return "OldDirty" }

func (oldDirtyState) save(_ context.Context, e *Entity) error { return e.validate() }

func (oldDirtyState) delete(e *Entity) { e.transition(StateOldDelete) }

// commit updates the row under the persisted key, then takes the key from
// the fields so a key change becomes the new identity.
func (oldDirtyState) commit(ctx context.Context, e *Entity) error {
	rm, err := e.recordMapper()
	if err != nil {
		return err
	}
	if err := rm.Update(ctx, e); err != nil {
		return err
	}
	e.transition(StateOldClean)
	return e.syncKey()
}

func (oldDirtyState) refresh(ctx context.Context, e *Entity) error { return reloadOrRestore(ctx, e) }

func (oldDirtyState) fieldChanged(*Entity) {}

type oldDeleteState struct{}

func (oldDeleteState) Name() string { return "OldDelete" }

func (oldDeleteState) save(context.Context, *Entity) error { return nil }

func (oldDeleteState) delete(*Entity) {}

func (oldDeleteState) commit(ctx context.Context, e *Entity) error {
	rm, err := e.recordMapper()
	if err != nil {
		return err
	}
	if err := rm.Delete(ctx, e); err != nil {
		return err
	}
	e.transition(StateDeleted)
	return nil
}

func (oldDeleteState) refresh(ctx context.Context, e *Entity) error { return reloadOrRestore(ctx, e) }

func (oldDeleteState) fieldChanged(*Entity) {}

type deletedState struct{}

func (deletedState) Name() string { return "Deleted" }

func (deletedState) save(context.Context, *Entity) error { return nil }

func (deletedState) delete(*Entity) {}

func (deletedState) commit(context.Context, *Entity) error { return nil }

func (deletedState) refresh(ctx context.Context, e *Entity) error { return restorePrevious(ctx, e) }

func (deletedState) fieldChanged(*Entity) {}
