package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/posqueue/internal/config"
	"github.com/orrn/posqueue/internal/events"
)

type hookServer struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	bodies [][]byte
	heads  []http.Header
}

// newHookServer answers the first len(codes) calls with codes, then 204.
func newHookServer(t *testing.T, codes ...int) *hookServer {
	t.Helper()
	h := &hookServer{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(h.calls.Add(1))
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.bodies = append(h.bodies, body)
		h.heads = append(h.heads, r.Header.Clone())
		h.mu.Unlock()
		if n <= len(codes) {
			w.WriteHeader(codes[n-1])
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(h.Close)
	return h
}

func newTestSender(t *testing.T, url string, bus *events.Bus) *Sender {
	t.Helper()
	s := NewSender(config.WebhookConfig{
		URLs:       []string{url},
		Secret:     "shh",
		Events:     []string{events.TopicSyncFailed, events.TopicPrintFailed},
		Workers:    1,
		QueueSize:  10,
		Timeout:    time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, "device_1", bus, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func TestSender_DeliversSignedEvents(t *testing.T) {
	hook := newHookServer(t)
	bus := events.NewBus(nil)
	newTestSender(t, hook.URL, bus)

	bus.Publish(events.TopicSyncFailed, events.SyncFailed{ItemID: "i1", Type: "orders", Retries: 5, Error: "boom"})
	bus.Publish(events.TopicPrintSucceeded, events.PrintJobEvent{JobID: "ignored"})

	require.Eventually(t, func() bool { return hook.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	hook.mu.Lock()
	body, head := hook.bodies[0], hook.heads[0]
	hook.mu.Unlock()

	var p Payload
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, events.TopicSyncFailed, p.Event)
	assert.Equal(t, "device_1", p.DeviceID)
	assert.JSONEq(t, `{"itemId":"i1","item":"orders","retries":5,"error":"boom"}`, string(p.Data))
	assert.Equal(t, Sign(p.Data, []byte("shh")), p.Signature)
	assert.Equal(t, p.Signature, head.Get(HeaderSignature))
	assert.Equal(t, events.TopicSyncFailed, head.Get(HeaderEvent))

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, hook.calls.Load(), "unsubscribed topics are not forwarded")
}

func TestSender_RetriesServerErrors(t *testing.T) {
	hook := newHookServer(t, http.StatusBadGateway, http.StatusInternalServerError)
	bus := events.NewBus(nil)
	newTestSender(t, hook.URL, bus)

	bus.Publish(events.TopicPrintFailed, events.PrintJobEvent{JobID: "j1"})
	require.Eventually(t, func() bool { return hook.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSender_DoesNotRetryClientErrors(t *testing.T) {
	hook := newHookServer(t, http.StatusBadRequest)
	bus := events.NewBus(nil)
	newTestSender(t, hook.URL, bus)

	bus.Publish(events.TopicPrintFailed, events.PrintJobEvent{JobID: "j1"})
	require.Eventually(t, func() bool { return hook.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, hook.calls.Load())
}

func TestSender_StopUnsubscribes(t *testing.T) {
	hook := newHookServer(t)
	bus := events.NewBus(nil)
	s := newTestSender(t, hook.URL, bus)

	require.Equal(t, 1, bus.SubscriberCount(events.TopicSyncFailed))
	s.Stop()
	s.Stop()
	assert.Zero(t, bus.SubscriberCount(events.TopicSyncFailed))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, isClientError(&StatusError{Code: 404}))
	assert.False(t, isClientError(&StatusError{Code: 503}))
	assert.False(t, isClientError(io.EOF))
}
