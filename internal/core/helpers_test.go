package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/orrn/posqueue/internal/codec"
	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/remote"
	"github.com/orrn/posqueue/internal/store"
)

var errCommit = errors.New("disk full")

// flakyBackend fails every Commit while failing is set.
type flakyBackend struct {
	*store.MemoryBackend
	failing atomic.Bool
}

func (b *flakyBackend) Commit(ctx context.Context, ops []store.Op) error {
	if b.failing.Load() {
		return errCommit
	}
	return b.MemoryBackend.Commit(ctx, ops)
}

func newMemoryStore(t *testing.T) (*store.Store, *flakyBackend) {
	t.Helper()
	b := &flakyBackend{MemoryBackend: store.NewMemoryBackend()}
	return store.New(b, codec.JSON{}), b
}

// fakeEndpoint records every delivery. fail decides the outcome; gate, when
// set, holds each call until it is closed.
type fakeEndpoint struct {
	mu    sync.Mutex
	paths []string
	calls []SyncPayload
	fail  func(SyncPayload) error
	gate  chan struct{}
}

func (f *fakeEndpoint) Post(ctx context.Context, path string, body any) (*remote.Response, error) {
	payload := body.(SyncPayload)

	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.calls = append(f.calls, payload)
	fail, gate := f.fail, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(payload); err != nil {
			return nil, &remote.Error{Endpoint: path, StatusCode: 500, Message: err.Error()}
		}
	}
	return &remote.Response{Status: remote.StatusSuccess}, nil
}

func (f *fakeEndpoint) setFail(fn func(SyncPayload) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeEndpoint) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// deliveredIDs flattens the record ids of every call, in call order.
func (f *fakeEndpoint) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for _, c := range f.calls {
		for _, r := range c.Data {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// recorder captures events published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus, topics ...string) *recorder {
	r := &recorder{}
	if len(topics) == 0 {
		topics = events.AllTopics
	}
	for _, topic := range topics {
		bus.Subscribe(topic, func(e events.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) count(topic string) int {
	return len(r.payloads(topic))
}

func (r *recorder) payloads(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []any
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (r *recorder) notifications(level events.Level) []events.Notification {
	var out []events.Notification
	for _, p := range r.payloads(events.TopicNotification) {
		if n := p.(events.Notification); n.Level == level {
			out = append(out, n)
		}
	}
	return out
}

func rec(id string) Record {
	return Record{ID: id, Data: json.RawMessage(`{"id":"` + id + `"}`)}
}
