package pos

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/posqueue/internal/codec"
	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/store"
)

type enqueued struct {
	syncType string
	records  []core.Record
}

type fakeSync struct {
	calls []enqueued
	err   error
}

func (f *fakeSync) Enqueue(_ context.Context, syncType string, records []core.Record) (*core.QueueItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, enqueued{syncType, records})
	return &core.QueueItem{ID: "item-1", Type: syncType, Records: records}, nil
}

type fakePrint struct {
	orders []string
	err    error
}

func (f *fakePrint) AddPrintJob(_ context.Context, order *core.Order, destinations []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.orders = append(f.orders, order.Order.ID)
	return destinations, nil
}

type fixture struct {
	svc     *Service
	records *core.RecordStore
	sync    *fakeSync
	print   *fakePrint
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.New(store.NewMemoryBackend(), codec.JSON{})
	f := &fixture{
		records: core.NewRecordStore(s),
		sync:    &fakeSync{},
		print:   &fakePrint{},
		bus:     events.NewBus(nil),
	}
	f.svc = NewService(Deps{Records: f.records, Sync: f.sync, Print: f.print, Bus: f.bus})
	f.svc.now = func() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) }
	return f
}

func order() *core.Order {
	return &core.Order{
		Items:  []core.OrderItem{{Name: "Burger", Quantity: 1, PriceEach: 9.5}},
		Totals: core.Totals{Subtotal: 9.5, Total: 9.5},
	}
}

func TestPlaceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var created []any
	f.bus.Subscribe(events.TopicOrderCreated, func(e events.Event) { created = append(created, e.Payload) })

	o := order()
	res, err := f.svc.PlaceOrder(ctx, o)
	require.NoError(t, err)

	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, "item-1", res.SyncItemID)
	assert.Equal(t, core.DefaultDestinations, res.PrintJobIDs)
	assert.Equal(t, "placed", o.Order.Status)
	assert.Equal(t, f.svc.now(), o.Order.CreatedAt)

	require.Len(t, f.sync.calls, 1)
	assert.Equal(t, "orders", f.sync.calls[0].syncType)
	assert.Equal(t, []string{res.OrderID}, f.print.orders)
	require.Len(t, created, 1)

	stored, err := f.records.Get(ctx, "orders", res.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.NeedsSync)
	assert.Equal(t, stored.Version, f.sync.calls[0].records[0].Version)
}

func TestPlaceOrder_RejectsEmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), &core.Order{})
	assert.ErrorIs(t, err, core.ErrEmptyOrder)
	assert.Empty(t, f.sync.calls)
	assert.Empty(t, f.print.orders)
}

func TestPlaceOrder_DownstreamFailuresDoNotFailCheckout(t *testing.T) {
	f := newFixture(t)
	f.sync.err = errors.New("queue unavailable")
	f.print.err = errors.New("no renderer")

	var notes []events.Notification
	f.bus.Subscribe(events.TopicNotification, func(e events.Event) { notes = append(notes, e.Payload.(events.Notification)) })

	res, err := f.svc.PlaceOrder(context.Background(), order())
	require.NoError(t, err)
	assert.Empty(t, res.SyncItemID)
	assert.Nil(t, res.PrintJobIDs)
	assert.Len(t, notes, 2)

	unsynced, err := f.records.Unsynced(context.Background(), "orders")
	require.NoError(t, err)
	assert.Len(t, unsynced, 1, "the order stays marked for a later resync")
}

func TestUpsertRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records := []core.Record{{ID: "p1", Data: json.RawMessage(`{"name":"Tea"}`)}}
	item, err := f.svc.UpsertRecords(ctx, "products", records)
	require.NoError(t, err)
	assert.Equal(t, "products", item.Type)

	unsynced, err := f.records.Unsynced(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, records, unsynced)

	_, err = f.svc.UpsertRecords(ctx, "products", nil)
	assert.ErrorIs(t, err, core.ErrNoRecords)
	_, err = f.svc.UpsertRecords(ctx, "products", []core.Record{{Data: json.RawMessage(`{}`)}})
	assert.ErrorIs(t, err, ErrMissingRecordID)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.PlaceOrder(ctx, order())
	require.NoError(t, err)
	require.NoError(t, f.records.MarkSynced(ctx, "orders", f.sync.calls[0].records))

	item, err := f.svc.UpdateOrderStatus(ctx, res.OrderID, "ready")
	require.NoError(t, err)
	assert.Equal(t, "order-updates", item.Type)

	var update OrderUpdate
	require.NoError(t, json.Unmarshal(item.Records[0].Data, &update))
	assert.Equal(t, "ready", update.Status)

	pending, err := f.records.Unsynced(ctx, "order-updates")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, string(item.Records[0].Data), string(pending[0].Data))

	stored, err := f.records.Get(ctx, "orders", res.OrderID)
	require.NoError(t, err)
	assert.False(t, stored.NeedsSync, "the order itself was already delivered")
	var saved core.Order
	require.NoError(t, json.Unmarshal(stored.Data, &saved))
	assert.Equal(t, "ready", saved.Order.Status)

	_, err = f.svc.UpdateOrderStatus(ctx, "missing", "ready")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.UpdateOrderStatus(ctx, res.OrderID, "")
	assert.ErrorIs(t, err, ErrMissingStatus)
}

func TestUpdateOrderStatus_SyncsIndependentlyOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.PlaceOrder(ctx, order())
	require.NoError(t, err)
	_, err = f.svc.UpdateOrderStatus(ctx, res.OrderID, "ready")
	require.NoError(t, err)
	require.Len(t, f.sync.calls, 2)

	require.NoError(t, f.records.MarkSynced(ctx, "order-updates", f.sync.calls[1].records))

	orders, err := f.records.Unsynced(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, orders, 1, "delivering the update must not clear the undelivered order")
	var saved core.Order
	require.NoError(t, json.Unmarshal(orders[0].Data, &saved))
	assert.Equal(t, "ready", saved.Order.Status)

	updates, err := f.records.Unsynced(ctx, "order-updates")
	require.NoError(t, err)
	assert.Empty(t, updates)
}
