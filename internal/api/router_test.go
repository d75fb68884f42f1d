package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/posqueue/internal/api/handlers"
	"github.com/orrn/posqueue/internal/codec"
	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/pos"
	"github.com/orrn/posqueue/internal/remote"
	"github.com/orrn/posqueue/internal/retry"
	"github.com/orrn/posqueue/internal/store"
)

const testKey = "till-secret"

type apiFixture struct {
	router *Router
	bus    *events.Bus
	sync   *core.SyncCoordinator
}

func newAPIFixture(t *testing.T, apiKeyHash string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.New(store.NewMemoryBackend(), codec.JSON{})
	bus := events.NewBus(nil)
	records := core.NewRecordStore(s)

	endpoint := remote.NewSimulatedWithSeed(0, 0, 1)
	endpoint.SuccessRate = 1

	coordinator := core.NewSyncCoordinator(
		core.SyncDeps{Store: s, Remote: endpoint, Records: records, Bus: bus, DeviceID: "device_test"},
		core.SyncOptions{Policy: retry.Policy{MaxRetries: 3, Delays: []time.Duration{time.Millisecond}}},
	)
	printers := core.NewPrinterManager(core.PrinterConfig{Seed: 1}, bus, nil)
	scheduler := core.NewPrintScheduler(
		core.PrintDeps{Store: s, Sender: printers, Bus: bus},
		core.PrintOptions{PollInterval: 5 * time.Millisecond},
	)
	svc := pos.NewService(pos.Deps{Records: records, Sync: coordinator, Print: scheduler, Bus: bus})

	ctx := context.Background()
	require.NoError(t, coordinator.Start(ctx))
	require.NoError(t, scheduler.Start(ctx))

	r := NewRouter(Deps{
		DeviceID:   "device_test",
		APIKeyHash: apiKeyHash,
		Orders:     svc,
		Sync:       coordinator,
		Print:      scheduler,
		Printers:   printers,
		Bus:        bus,
	})
	t.Cleanup(func() {
		r.Close()
		scheduler.Stop()
		coordinator.Stop()
	})

	return &apiFixture{router: r, bus: bus, sync: coordinator}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	f.router.Engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func burgerOrder() map[string]any {
	return map[string]any{
		"items": []map[string]any{
			{"name": "Burger", "quantity": 2, "priceEach": 9.5},
			{"name": "Cola", "category": "beverage", "quantity": 1, "priceEach": 2.5},
		},
		"totals": map[string]any{"subtotal": 21.5, "total": 21.5},
	}
}

func TestHealthAndStatus(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[handlers.StatusResponse](t, w)
	assert.Equal(t, "device_test", status.DeviceID)
	assert.False(t, status.Sync.Online)
	assert.Equal(t, 3, status.Print.MaxConcurrent)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)
	f := newAPIFixture(t, string(hash))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/status", nil, "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status", nil, testKey).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/status?api_key="+testKey, nil, "").Code)
}

func TestPlaceOrder(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/orders", burgerOrder(), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[pos.PlaceResult](t, w)
	assert.True(t, strings.HasPrefix(res.OrderID, "ORD-"))
	assert.NotEmpty(t, res.SyncItemID)
	assert.Len(t, res.PrintJobIDs, 3)

	w = f.do(t, http.MethodGet, "/api/sync/queue", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	queue := decode[struct {
		Items []core.QueueItem `json:"items"`
	}](t, w)
	require.Len(t, queue.Items, 1, "offline devices keep the order queued")
	assert.Equal(t, "orders", queue.Items[0].Type)

	w = f.do(t, http.MethodPost, "/api/orders", map[string]any{"items": []any{}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/orders", "not an order", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodPatch, "/api/orders/ORD-missing/status", map[string]string{"status": "ready"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	res := decode[pos.PlaceResult](t, f.do(t, http.MethodPost, "/api/orders", burgerOrder(), ""))

	w = f.do(t, http.MethodPatch, "/api/orders/"+res.OrderID+"/status", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPatch, "/api/orders/"+res.OrderID+"/status", map[string]string{"status": "ready"}, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	item := decode[core.QueueItem](t, w)
	assert.Equal(t, "order-updates", item.Type)
	assert.Equal(t, 2, item.Priority)
}

func TestUpsertRecords(t *testing.T) {
	f := newAPIFixture(t, "")

	body := map[string]any{"records": []map[string]any{{"id": "p1", "data": map[string]any{"name": "Tea"}}}}
	w := f.do(t, http.MethodPost, "/api/records/products", body, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "products", decode[core.QueueItem](t, w).Type)

	w = f.do(t, http.MethodPost, "/api/records/products", map[string]any{"records": []any{}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/records/products", map[string]any{"records": []map[string]any{{"data": 1}}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConnectivityAndForceSync(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodPost, "/api/sync/force", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPut, "/api/connectivity", map[string]any{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.do(t, http.MethodPost, "/api/orders", burgerOrder(), "")

	w = f.do(t, http.MethodPut, "/api/connectivity", map[string]bool{"online": true}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[core.SyncStatus](t, w).Online)

	w = f.do(t, http.MethodPost, "/api/sync/force", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool { return f.sync.Status().Pending == 0 }, 2*time.Second, 5*time.Millisecond)

	w = f.do(t, http.MethodPost, "/api/sync/resync/orders", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[handlers.ResyncResponse](t, w).Queued)
}

func TestPrintFailures(t *testing.T) {
	f := newAPIFixture(t, "")

	w := f.do(t, http.MethodGet, "/api/print/failed", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[]}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/print/failed/nope/reprint", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/api/print/jobs", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventStream(t *testing.T) {
	f := newAPIFixture(t, "")
	srv := httptest.NewServer(f.router.Engine)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events")
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.bus.SubscriberCount(events.TopicNotification) > 0
	}, time.Second, 5*time.Millisecond)

	f.bus.Notify(events.LevelInfo, "Hello", "from the till", "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)

	var got struct {
		Topic   string              `json:"topic"`
		Payload events.Notification `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, events.TopicNotification, got.Topic)
	assert.Equal(t, "Hello", got.Payload.Title)

	f.router.Close()
	_, err = wsutil.ReadServerText(conn)
	assert.Error(t, err)
	assert.Zero(t, f.bus.SubscriberCount(events.TopicNotification))
}
