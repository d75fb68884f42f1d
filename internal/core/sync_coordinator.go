package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/remote"
	"github.com/orrn/posqueue/internal/retry"
	"github.com/orrn/posqueue/internal/store"
)

const metaLastSync = "lastSync"

// SyncPayload is the body posted to the sync server.
type SyncPayload struct {
	Type      string   `json:"type"`
	Data      []Record `json:"data"`
	Timestamp int64    `json:"timestamp"`
	DeviceID  string   `json:"deviceId"`
}

type SyncDeps struct {
	Store    *store.Store
	Remote   remote.Endpoint
	Records  LocalRecords
	Bus      *events.Bus
	Logger   *slog.Logger
	DeviceID string
}

type SyncOptions struct {
	Policy retry.Policy
	// Interval is the safety-net drain period; zero disables it.
	Interval time.Duration
	Online   bool
}

// DrainResult summarises one drain call. Skipped is set when the call did
// nothing because a drain was running, the device was offline or the queue
// had no pending items.
type DrainResult struct {
	Skipped   bool `json:"skipped"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Retrying  int  `json:"retrying"`
	Remaining int  `json:"remaining"`
}

type SyncStatus struct {
	Online   bool           `json:"isOnline"`
	Draining bool           `json:"syncing"`
	Pending  int            `json:"pendingItems"`
	ByType   map[string]int `json:"queueSummary"`
	LastSync *time.Time     `json:"lastSync,omitempty"`
}

// SyncCoordinator owns the persisted outbound queue and drains it against the
// remote endpoint whenever the device is online.
type SyncCoordinator struct {
	store    *store.Store
	remote   remote.Endpoint
	records  LocalRecords
	bus      *events.Bus
	logger   *slog.Logger
	deviceID string
	policy   retry.Policy
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	queue    []*QueueItem
	seq      uint64
	online   bool
	draining bool
	rerun    bool
	lastSync *time.Time
	timers   map[string]*time.Timer
	stopped  bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncCoordinator(deps SyncDeps, opts SyncOptions) *SyncCoordinator {
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Policy.MaxRetries == 0 {
		opts.Policy = retry.SyncDefaults()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &SyncCoordinator{
		store:    deps.Store,
		remote:   deps.Remote,
		records:  deps.Records,
		bus:      deps.Bus,
		logger:   deps.Logger.With("component", "sync"),
		deviceID: deps.DeviceID,
		policy:   opts.Policy,
		interval: opts.Interval,
		now:      time.Now,
		online:   opts.Online,
		timers:   make(map[string]*time.Timer),
		runCtx:   runCtx,
		cancel:   cancel,
	}
}

// Start rehydrates the persisted queue, starts the safety-net ticker and
// drains once if online.
func (c *SyncCoordinator) Start(ctx context.Context) error {
	items, err := c.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync queue: %w", err)
	}

	c.mu.Lock()
	if c.runCtx.Err() != nil {
		c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	runCtx := c.runCtx
	loaded := make(map[string]bool, len(items))
	for _, it := range items {
		loaded[it.ID] = true
	}
	for _, it := range c.queue {
		if !loaded[it.ID] {
			items = append(items, it)
		}
	}
	var maxSeq uint64
	c.queue, maxSeq = rehydrate(items)
	if maxSeq > c.seq {
		c.seq = maxSeq
	}
	for _, it := range c.queue {
		if it.Seq == 0 {
			c.seq++
			it.Seq = c.seq
		}
	}
	c.stopped = false
	pending := len(c.queue)
	c.mu.Unlock()

	c.logger.Info("sync coordinator started", "pending", pending)

	if c.interval > 0 {
		c.wg.Add(1)
		go c.tick(runCtx)
	}
	c.kick()
	return nil
}

func (c *SyncCoordinator) load(ctx context.Context) ([]*QueueItem, error) {
	keys, err := c.store.Keys(ctx, store.CollectionSyncQueue)
	if err != nil {
		return nil, err
	}

	items := make([]*QueueItem, 0, len(keys))
	for _, key := range keys {
		var it QueueItem
		if err := c.store.Get(ctx, store.CollectionSyncQueue, key, &it); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}

	var last time.Time
	err = c.store.Get(ctx, store.CollectionMeta, metaLastSync, &last)
	switch {
	case err == nil:
		c.mu.Lock()
		c.lastSync = &last
		c.mu.Unlock()
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return items, nil
}

// Stop cancels in-flight deliveries, disarms retry timers and waits for
// background drains to return.
func (c *SyncCoordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.cancel()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("sync coordinator stopped")
}

func (c *SyncCoordinator) tick(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.kick()
		}
	}
}

// kick starts a background drain when online.
func (c *SyncCoordinator) kick() {
	c.mu.Lock()
	if c.stopped || !c.online {
		c.mu.Unlock()
		return
	}
	ctx := c.runCtx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.Drain(ctx)
	}()
}

// Enqueue appends a mutation in priority order, persists the queue and
// triggers a drain when online.
func (c *SyncCoordinator) Enqueue(ctx context.Context, syncType string, records []Record) (*QueueItem, error) {
	if syncType == "" {
		return nil, ErrMissingSyncType
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}

	c.mu.Lock()
	c.seq++
	item := &QueueItem{
		ID:         uuid.NewString(),
		Type:       syncType,
		Records:    records,
		EnqueuedAt: c.now(),
		Priority:   SyncPriority(syncType),
		Status:     ItemPending,
		Seq:        c.seq,
	}
	c.queue = insertItem(c.queue, item)
	perr := c.persistLocked(ctx, nil, nil)
	out := *item
	c.mu.Unlock()

	c.persistFailed(perr)
	c.logger.Debug("queued for sync", "item", item.ID, "type", syncType, "records", len(records))
	c.bus.Publish(events.TopicQueueUpdated, c.Status())
	c.kick()
	return &out, nil
}

// Drain makes one pass over the queue. It is a no-op when a drain is already
// running, the device is offline or nothing is pending.
func (c *SyncCoordinator) Drain(ctx context.Context) (res DrainResult) {
	c.mu.Lock()
	if c.draining {
		c.rerun = true
		c.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	if !c.online || countStatus(c.queue, ItemPending) == 0 {
		c.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	c.draining = true
	c.rerun = false
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("drain panicked", "panic", fmt.Sprint(r))
			c.bus.Notify(events.LevelError, "Sync error", "Unexpected error while syncing", fmt.Sprint(r))
		}
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	for {
		pass := c.drainPass(ctx)
		res.Processed += pass.Processed
		res.Failed += pass.Failed
		res.Retrying += pass.Retrying
		res.Remaining = pass.Remaining

		c.mu.Lock()
		again := c.rerun && c.online && ctx.Err() == nil && countStatus(c.queue, ItemPending) > 0
		c.rerun = false
		c.mu.Unlock()
		if !again {
			return res
		}
	}
}

func (c *SyncCoordinator) drainPass(ctx context.Context) DrainResult {
	c.mu.Lock()
	startLen := countStatus(c.queue, ItemPending)
	c.mu.Unlock()

	c.logger.Info("sync started", "pending", startLen)
	c.bus.Publish(events.TopicSyncStarted, events.SyncStarted{QueueLength: startLen})

	var res DrainResult
	attempted := make(map[string]bool)
	for ctx.Err() == nil {
		c.mu.Lock()
		if !c.online {
			c.mu.Unlock()
			c.logger.Info("went offline, stopping drain")
			break
		}
		it := nextEligible(c.queue, attempted)
		if it == nil {
			c.mu.Unlock()
			break
		}
		attempted[it.ID] = true
		item := *it
		c.mu.Unlock()

		err := c.deliver(ctx, &item)
		if err != nil && ctx.Err() != nil {
			break
		}
		if err == nil {
			c.succeeded(ctx, &item)
			res.Processed++
			continue
		}
		if c.failed(ctx, item.ID, err) {
			res.Failed++
		} else {
			res.Retrying++
		}
	}

	c.mu.Lock()
	res.Remaining = len(c.queue)
	c.mu.Unlock()

	c.logger.Info("sync completed",
		"processed", res.Processed,
		"failed", res.Failed,
		"retrying", res.Retrying,
		"remaining", res.Remaining,
	)
	c.bus.Publish(events.TopicSyncCompleted, events.SyncCompleted{
		Processed: res.Processed,
		Failed:    res.Failed,
		Retrying:  res.Retrying,
		Remaining: res.Remaining,
	})
	if res.Processed > 0 {
		c.bus.Notify(events.LevelSuccess, "Sync complete", fmt.Sprintf("%d item(s) synced", res.Processed), "")
	}
	c.bus.Publish(events.TopicQueueUpdated, c.Status())
	return res
}

func (c *SyncCoordinator) deliver(ctx context.Context, item *QueueItem) error {
	if c.remote == nil {
		return errors.New("no remote endpoint configured")
	}
	_, err := c.remote.Post(ctx, SyncEndpoint(item.Type), SyncPayload{
		Type:      item.Type,
		Data:      item.Records,
		Timestamp: c.now().UnixMilli(),
		DeviceID:  c.deviceID,
	})
	return err
}

func (c *SyncCoordinator) succeeded(ctx context.Context, item *QueueItem) {
	now := c.now()

	c.mu.Lock()
	c.queue = removeItem(c.queue, item.ID)
	c.lastSync = &now
	perr := c.persistLocked(ctx, []string{item.ID}, &now)
	c.mu.Unlock()
	c.persistFailed(perr)

	c.logger.Debug("synced", "item", item.ID, "type", item.Type)

	if c.records == nil {
		return
	}
	if err := c.records.MarkSynced(context.WithoutCancel(ctx), item.Type, item.Records); err != nil {
		c.logger.Error("failed to mark records synced", "type", item.Type, "error", err)
		c.bus.Notify(events.LevelError, "Failed to update local records", fmt.Sprintf("Synced %s could not be marked locally", item.Type), err.Error())
	}
}

// failed applies a delivery failure and reports whether the item was dropped.
func (c *SyncCoordinator) failed(ctx context.Context, id string, cause error) bool {
	c.mu.Lock()
	it := findItem(c.queue, id)
	if it == nil {
		c.mu.Unlock()
		return false
	}
	terminal := applySyncFailure(it, cause, c.policy, c.now())
	item := *it

	var removed []string
	if terminal {
		c.queue = removeItem(c.queue, id)
		removed = []string{id}
	} else {
		c.armRetryLocked(id, c.policy.Delay(item.Retries))
	}
	perr := c.persistLocked(ctx, removed, nil)
	c.mu.Unlock()
	c.persistFailed(perr)

	if terminal {
		c.logger.Error("sync item failed permanently", "item", id, "type", item.Type, "retries", item.Retries, "error", cause)
		c.bus.Publish(events.TopicSyncFailed, events.SyncFailed{
			ItemID:  id,
			Type:    item.Type,
			Retries: item.Retries,
			Error:   item.LastError,
		})
		c.bus.Notify(events.LevelError, "Sync failed",
			fmt.Sprintf("Failed to sync %s after %d attempts", item.Type, item.Retries), item.LastError)
		return true
	}

	c.logger.Warn("sync item will retry", "item", id, "type", item.Type, "retries", item.Retries, "error", cause)
	c.bus.Notify(events.LevelWarning, "Sync retry scheduled",
		fmt.Sprintf("Retrying %s (attempt %d of %d)", item.Type, item.Retries+1, c.policy.MaxRetries), item.LastError)
	return false
}

func (c *SyncCoordinator) armRetryLocked(id string, delay time.Duration) {
	if c.stopped {
		return
	}
	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		it := findItem(c.queue, id)
		if it == nil || it.Status != ItemRetry {
			c.mu.Unlock()
			return
		}
		it.Status = ItemPending
		perr := c.persistLocked(c.runCtx, nil, nil)
		c.mu.Unlock()

		c.persistFailed(perr)
		c.kick()
	})
}

// persistLocked writes the whole queue in one batch. The caller holds c.mu.
func (c *SyncCoordinator) persistLocked(ctx context.Context, removed []string, lastSync *time.Time) error {
	return c.store.Update(context.WithoutCancel(ctx), func(b *store.Batch) error {
		for _, it := range c.queue {
			if err := b.Put(store.CollectionSyncQueue, it.ID, it); err != nil {
				return err
			}
		}
		for _, id := range removed {
			b.Delete(store.CollectionSyncQueue, id)
		}
		if lastSync != nil {
			if err := b.Put(store.CollectionMeta, metaLastSync, lastSync); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *SyncCoordinator) persistFailed(err error) {
	if err == nil {
		return
	}
	c.logger.Error("failed to persist sync queue", "error", err)
	c.bus.Notify(events.LevelError, "Failed to save sync queue", "Queue changes may be lost on restart", err.Error())
}

// SetOnline records a connectivity change. Going online starts a drain;
// going offline lets an in-flight delivery finish but stops the pass.
func (c *SyncCoordinator) SetOnline(online bool) {
	c.mu.Lock()
	prev := c.online
	c.online = online
	c.mu.Unlock()

	if prev == online {
		return
	}
	if online {
		c.logger.Info("connection restored")
		c.bus.Notify(events.LevelInfo, "Back online", "Syncing pending changes", "")
		c.kick()
		return
	}
	c.logger.Warn("connection lost")
	c.bus.Notify(events.LevelWarning, "Offline", "Changes will sync when the connection returns", "")
}

func (c *SyncCoordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Status is a side-effect free snapshot.
func (c *SyncCoordinator) Status() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := SyncStatus{
		Online:   c.online,
		Draining: c.draining,
		Pending:  len(c.queue),
		ByType:   make(map[string]int),
	}
	for _, it := range c.queue {
		st.ByType[it.Type]++
	}
	if c.lastSync != nil {
		t := *c.lastSync
		st.LastSync = &t
	}
	return st
}

// Items returns a copy of the queue in drain order.
func (c *SyncCoordinator) Items() []QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]QueueItem, len(c.queue))
	for i, it := range c.queue {
		out[i] = *it
	}
	return out
}

// ForceSync drains immediately. It fails with ErrOffline when offline.
func (c *SyncCoordinator) ForceSync(ctx context.Context) (DrainResult, error) {
	if !c.Online() {
		return DrainResult{}, ErrOffline
	}
	return c.Drain(ctx), nil
}

// Resync re-queues local records of syncType that still need delivery and are
// not already queued. It returns nil when there is nothing to send.
func (c *SyncCoordinator) Resync(ctx context.Context, syncType string) (*QueueItem, error) {
	if c.records == nil {
		return nil, nil
	}
	unsynced, err := c.records.Unsynced(ctx, syncType)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced %s: %w", syncType, err)
	}

	c.mu.Lock()
	queued := make(map[string]bool)
	for _, it := range c.queue {
		if it.Type != syncType {
			continue
		}
		for _, r := range it.Records {
			queued[r.ID] = true
		}
	}
	c.mu.Unlock()

	var todo []Record
	for _, r := range unsynced {
		if !queued[r.ID] {
			todo = append(todo, r)
		}
	}
	if len(todo) == 0 {
		return nil, nil
	}

	c.logger.Info("resyncing records", "type", syncType, "records", len(todo))
	return c.Enqueue(ctx, syncType, todo)
}
