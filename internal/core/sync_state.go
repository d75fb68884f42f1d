package core

import (
	"sort"
	"time"

	"github.com/orrn/posqueue/internal/retry"
)

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRetry   ItemStatus = "retry"
	ItemFailed  ItemStatus = "failed"
)

// QueueItem is one outbound mutation waiting for the sync server.
type QueueItem struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Records     []Record   `json:"records"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	Priority    int        `json:"priority"`
	Retries     int        `json:"retries"`
	Status      ItemStatus `json:"status"`
	LastError   string     `json:"lastError,omitempty"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	Seq         uint64     `json:"seq"`
}

const defaultSyncPriority = 5

var syncPriorities = map[string]int{
	"orders":        1,
	"order-updates": 2,
	"inventory":     3,
	"sales":         4,
	"products":      5,
	"cart-backups":  5,
}

var syncEndpoints = map[string]string{
	"orders":        "/api/orders/sync",
	"order-updates": "/api/orders/update-status",
	"products":      "/api/products/sync",
	"inventory":     "/api/inventory/sync",
	"sales":         "/api/sales/sync",
	"cart-backups":  "/api/cart/backup",
}

// SyncPriority returns the queue priority of a sync type. Lower is served first.
func SyncPriority(syncType string) int {
	if p, ok := syncPriorities[syncType]; ok {
		return p
	}
	return defaultSyncPriority
}

// SyncEndpoint returns the remote path a sync type is posted to.
func SyncEndpoint(syncType string) string {
	if e, ok := syncEndpoints[syncType]; ok {
		return e
	}
	return "/api/sync"
}

func itemLess(a, b *QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

// insertItem places item after every entry that sorts before or equal to it.
func insertItem(queue []*QueueItem, item *QueueItem) []*QueueItem {
	i := sort.Search(len(queue), func(i int) bool { return itemLess(item, queue[i]) })
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = item
	return queue
}

func sortQueue(queue []*QueueItem) {
	sort.SliceStable(queue, func(i, j int) bool { return itemLess(queue[i], queue[j]) })
}

func removeItem(queue []*QueueItem, id string) []*QueueItem {
	for i, it := range queue {
		if it.ID == id {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

func findItem(queue []*QueueItem, id string) *QueueItem {
	for _, it := range queue {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// nextEligible returns the first pending item not yet attempted in this pass.
func nextEligible(queue []*QueueItem, attempted map[string]bool) *QueueItem {
	for _, it := range queue {
		if it.Status == ItemPending && !attempted[it.ID] {
			return it
		}
	}
	return nil
}

func countStatus(queue []*QueueItem, status ItemStatus) int {
	n := 0
	for _, it := range queue {
		if it.Status == status {
			n++
		}
	}
	return n
}

// applySyncFailure records a failed delivery and reports whether the item is
// now terminal.
func applySyncFailure(it *QueueItem, cause error, policy retry.Policy, now time.Time) bool {
	it.Retries++
	it.LastError = cause.Error()
	it.LastAttempt = &now
	if policy.Exhausted(it.Retries) {
		it.Status = ItemFailed
		return true
	}
	it.Status = ItemRetry
	return false
}

// rehydrate restores a persisted queue: retry items become pending and the
// priority order is re-established.
func rehydrate(items []*QueueItem) ([]*QueueItem, uint64) {
	var maxSeq uint64
	out := items[:0]
	for _, it := range items {
		if it.Status == ItemFailed {
			continue
		}
		if it.Status == ItemRetry || it.Status == "" {
			it.Status = ItemPending
		}
		if it.Seq > maxSeq {
			maxSeq = it.Seq
		}
		out = append(out, it)
	}
	sortQueue(out)
	return out, maxSeq
}
