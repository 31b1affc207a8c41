package persistence

import (
	"context"
	"persistcore/pkg/domain"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsetKeyFollowsFieldAndSaveInserts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "", "Ada")
	assert.False(t, o.ObjectKey().Complete())

	require.NoError(t, o.Set("OrderID", "X"))
	v, ok := o.ObjectKey().Value("OrderID")
	require.True(t, ok)
	assert.Equal(t, "X", v)
	assert.False(t, o.KeyDirty())

	require.NoError(t, o.Save(ctx))
	assert.Equal(t, []string{"insert orders OrderID=X"}, h.store.ops())
	assert.Equal(t, "X", h.store.calls[0].fields["OrderID"])
	assert.Equal(t, "Ada", h.store.calls[0].fields["customer_name"])
	assert.Equal(t, StateOldClean, o.State())
	assert.Nil(t, o.PreviousState())
	assert.Equal(t, "1", o.Version)
	assert.Equal(t, domain.VersionToken("1"), o.RowVersion())
	assert.Contains(t, h.metrics.all(), observation{op: "entity.save", success: true})
}

func TestFieldChangeMarksDirtyAndSaveUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	h.stored(t, o)

	o.Customer = "Grace"
	require.NoError(t, o.Changed("Customer"))
	assert.Equal(t, StateOldDirty, o.State())

	require.NoError(t, o.Save(ctx))
	assert.Equal(t, []string{"update orders OrderID=o-1"}, h.store.ops())
	assert.Equal(t, StateOldClean, o.State())
	assert.Equal(t, "2", o.Version)
}

func TestSaveCleanEntityIsNoop(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	h.stored(t, o)

	require.NoError(t, o.Save(context.Background()))
	assert.Empty(t, h.store.ops())
	assert.Equal(t, StateOldClean, o.State())
}

func TestKeyChangeUpdatesUnderPersistedKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	h.stored(t, o)

	require.NoError(t, o.Set("OrderID", "o-2"))
	assert.True(t, o.KeyDirty())
	assert.Equal(t, "OrderID=o-1", o.ObjectKey().String())

	require.NoError(t, o.Save(ctx))
	assert.Equal(t, []string{"update orders OrderID=o-1"}, h.store.ops())
	assert.Equal(t, "o-2", h.store.calls[0].fields["OrderID"])
	assert.Equal(t, "OrderID=o-2", o.ObjectKey().String())
	assert.False(t, o.KeyDirty())
	assert.Equal(t, 1, h.main.Len("orders"))

	require.NoError(t, o.Set("OrderID", "o-1"))
	require.NoError(t, o.Set("OrderID", "o-2"))
	assert.False(t, o.KeyDirty())
}

func TestDeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	h.stored(t, o)

	require.NoError(t, o.Delete(ctx))
	assert.Equal(t, []string{"delete orders OrderID=o-1"}, h.store.ops())
	assert.Equal(t, StateDeleted, o.State())
	assert.Nil(t, o.PreviousState())
	assert.Zero(t, h.main.Len("orders"))

	require.NoError(t, o.Delete(ctx))
	require.NoError(t, o.Save(ctx))
	assert.Len(t, h.store.ops(), 1)
}

func TestZeroKeyFieldAddressesStoredRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	l := h.line(t, "A", 0, "a")
	assert.False(t, l.ObjectKey().Complete())

	require.NoError(t, l.Save(ctx))
	assert.Equal(t, []string{"insert lines No=0|order_id=A"}, h.store.ops())
	assert.True(t, l.ObjectKey().Complete())
	assert.Equal(t, lineKey("A", 0).String(), l.ObjectKey().String())

	h.store.reset()
	require.NoError(t, l.Set("Sku", "b"))
	require.NoError(t, l.Save(ctx))
	assert.Equal(t, []string{"update lines No=0|order_id=A"}, h.store.ops())

	fresh := h.line(t, "A", 0, "")
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, "b", fresh.Sku)
	assert.Equal(t, StateOldClean, fresh.State())

	h.store.reset()
	require.NoError(t, l.Delete(ctx))
	assert.Equal(t, []string{"delete lines No=0|order_id=A"}, h.store.ops())
	assert.Zero(t, h.main.Len("lines"))
}

func TestDeleteNewEntity(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")

	require.NoError(t, o.Delete(context.Background()))
	assert.Equal(t, StateDeleted, o.State())
	assert.Equal(t, []string{"delete orders OrderID=o-1"}, h.store.ops())
}

func TestFailedOperationsRollBack(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, h *harness, o *Order)
		failOp string
		act    func(ctx context.Context, o *Order) error
		want   State
		// customer is the in-memory value expected after recovery.
		customer string
	}{
		{
			name:     "save new",
			failOp:   "insert",
			act:      func(ctx context.Context, o *Order) error { return o.Save(ctx) },
			want:     StateNew,
			customer: "Ada",
		},
		{
			name:     "delete new",
			failOp:   "delete",
			act:      func(ctx context.Context, o *Order) error { return o.Delete(ctx) },
			want:     StateNew,
			customer: "Ada",
		},
		{
			name:     "delete clean",
			setup:    func(t *testing.T, h *harness, o *Order) { h.stored(t, o) },
			failOp:   "delete",
			act:      func(ctx context.Context, o *Order) error { return o.Delete(ctx) },
			want:     StateOldClean,
			customer: "Ada",
		},
		{
			name: "save dirty reloads",
			setup: func(t *testing.T, h *harness, o *Order) {
				h.stored(t, o)
				require.NoError(t, o.Set("Customer", "Grace"))
			},
			failOp:   "update",
			act:      func(ctx context.Context, o *Order) error { return o.Save(ctx) },
			want:     StateOldClean,
			customer: "Ada",
		},
		{
			name: "delete dirty reloads",
			setup: func(t *testing.T, h *harness, o *Order) {
				h.stored(t, o)
				require.NoError(t, o.Set("Customer", "Grace"))
			},
			failOp:   "delete",
			act:      func(ctx context.Context, o *Order) error { return o.Delete(ctx) },
			want:     StateOldClean,
			customer: "Ada",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			o := h.order(t, "o-1", "Ada")
			if tt.setup != nil {
				tt.setup(t, h, o)
			}
			h.store.failOn(tt.failOp, "orders", errBoom)

			err := tt.act(ctx, o)
			require.ErrorIs(t, err, errBoom)
			assert.Equal(t, tt.want, o.State())
			assert.Nil(t, o.PreviousState())
			assert.Equal(t, tt.customer, o.Customer)
			assert.Equal(t, "OrderID=o-1", o.ObjectKey().String())

			recs := h.sink.all()
			require.NotEmpty(t, recs)
			assert.Equal(t, "StoreOperationError", recs[0].Kind)
			assert.Equal(t, "test-host", recs[0].OriginHost)
			assert.Equal(t, "Order", recs[0].Extra["type"])
		})
	}
}

func TestFailedKeyChangeRestoresIdentity(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	h.stored(t, o)
	require.NoError(t, o.Set("OrderID", "o-2"))
	h.store.failOn("update", "orders", errBoom)

	require.ErrorIs(t, o.Save(context.Background()), errBoom)
	assert.Equal(t, "o-1", o.OrderID)
	assert.Equal(t, "OrderID=o-1", o.ObjectKey().String())
	assert.False(t, o.KeyDirty())
	assert.Equal(t, StateOldClean, o.State())
}

func TestRefreshFailureKeepsOriginalError(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	h.stored(t, o)
	require.NoError(t, o.Set("Customer", "Grace"))
	h.store.failOn("update", "orders", errBoom)
	h.store.failOn("select", "orders", domain.ErrNotFound)

	err := o.Save(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, StateOldDirty, o.State())
}

func TestSinkFailureDoesNotMaskError(t *testing.T) {
	h := newHarness(t)
	h.sink.err = errBoom
	o := h.order(t, "o-1", "Ada")
	h.store.failOn("insert", "orders", domain.ErrDuplicateKey)

	require.ErrorIs(t, o.Save(context.Background()), domain.ErrDuplicateKey)
	assert.Len(t, h.sink.all(), 1)
}

func TestValidationFailureSkipsStore(t *testing.T) {
	h := newHarness(t)
	l := h.line(t, "o-1", 1, "sku")
	l.invalid = errBoom

	require.ErrorIs(t, l.Save(context.Background()), errBoom)
	assert.Empty(t, h.store.ops())
	assert.Equal(t, StateNew, l.State())
}

func TestDeferredSaveWaitsForCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")
	o.SetDeferred(true)

	require.NoError(t, o.Save(ctx))
	assert.Empty(t, h.store.ops())
	assert.Equal(t, StateNew, o.State())

	o.SetDeferred(false)
	require.NoError(t, o.Commit(ctx))
	assert.Equal(t, StateOldClean, o.State())
	assert.Equal(t, StateNew, o.PreviousState())
	o.Settle()
	assert.Nil(t, o.PreviousState())
}

func TestLoadReadsStoredRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stored(t, h.order(t, "o-1", "Ada"))

	o := h.order(t, "o-1", "")
	require.NoError(t, o.Load(ctx))
	assert.Equal(t, "Ada", o.Customer)
	assert.Equal(t, "1", o.Version)
	assert.Equal(t, StateOldClean, o.State())

	missing := h.order(t, "nope", "")
	require.ErrorIs(t, missing.Load(ctx), domain.ErrNotFound)
	assert.Equal(t, StateNew, missing.State())
}

func TestLoadFromObject(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "", "")
	o.MarkOldClean()

	src := map[string]any{"Ref": "o-7", "Buyer": map[string]any{"Name": "Lin"}}
	require.NoError(t, o.LoadFromObject(context.Background(), src))
	assert.Equal(t, "o-7", o.OrderID)
	assert.Equal(t, "Lin", o.Customer)
	assert.Equal(t, StateNew, o.State())
	assert.Equal(t, "OrderID=o-7", o.ObjectKey().String())
}

func TestMarkers(t *testing.T) {
	h := newHarness(t)
	o := h.order(t, "o-1", "Ada")

	o.MarkOldDirty()
	assert.Equal(t, StateOldDirty, o.State())
	o.MarkOldClean()
	assert.Equal(t, StateOldClean, o.State())
	o.MarkDelete()
	assert.Equal(t, StateOldDelete, o.State())
	assert.Equal(t, StateOldClean, o.PreviousState())
	o.MarkNew()
	assert.Equal(t, StateNew, o.State())
	assert.Nil(t, o.PreviousState())
}

func TestParentKeyMismatch(t *testing.T) {
	h := newHarness(t)
	parent := h.order(t, "o-1", "Ada")
	l := h.line(t, "", 1, "sku")
	l.SetParent(parent)

	err := l.Set("OrderID", "o-2")
	require.ErrorIs(t, err, domain.ErrKeyMismatch)
	var km *domain.KeyMismatchError
	require.ErrorAs(t, err, &km)
	assert.Equal(t, "OrderID", km.Field)
	assert.Empty(t, l.OrderID)

	require.NoError(t, l.Set("OrderID", "o-1"))
	assert.Equal(t, "No=1|OrderID=o-1", l.ObjectKey().String())
}

func TestDetachedEntity(t *testing.T) {
	var o Order
	ctx := context.Background()
	assert.ErrorIs(t, o.Save(ctx), ErrNotAttached)
	assert.ErrorIs(t, o.Delete(ctx), ErrNotAttached)
	assert.ErrorIs(t, o.Set("Customer", "x"), ErrNotAttached)
	_, ok := o.Connection()
	assert.False(t, ok)
}

func TestRuntimeNewAndConnection(t *testing.T) {
	h := newHarness(t)
	obj, err := h.rt.New("Line")
	require.NoError(t, err)
	l, ok := obj.(*Line)
	require.True(t, ok)
	assert.Equal(t, "Line", l.TypeName())
	assert.Equal(t, StateNew, l.State())
	conn, ok := l.Connection()
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionID("alias"), conn)

	a, err := h.rt.New("Audit")
	require.NoError(t, err)
	_, ok = a.Base().Connection()
	assert.False(t, ok)

	_, err = h.rt.New("Missing")
	require.Error(t, err)
}

func TestRemoteBackedSave(t *testing.T) {
	h := newHarness(t)
	obj, err := h.rt.New("Audit")
	require.NoError(t, err)
	a := obj.(*Audit)
	a.ID, a.Note = "a-1", "hello"
	require.NoError(t, a.Changed("ID"))

	require.NoError(t, a.Save(context.Background()))
	require.Len(t, h.remote.calls, 1)
	assert.Equal(t, "Write", h.remote.calls[0].method)
	assert.Equal(t, []any{"a-1", "hello"}, h.remote.calls[0].params)
	assert.Equal(t, StateOldClean, a.State())
}
