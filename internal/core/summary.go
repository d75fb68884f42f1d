package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orrn/posqueue/internal/store"
)

// PersistedSummary counts the work a device still holds in its store.
type PersistedSummary struct {
	SyncPending   int            `json:"syncPending"`
	SyncByType    map[string]int `json:"syncByType"`
	PrintPending  int            `json:"printPending"`
	PrintByDest   map[string]int `json:"printByDestination"`
	PrintFailures int            `json:"printFailures"`
	LastSync      *time.Time     `json:"lastSync,omitempty"`
}

// SummarizeStore reads the persisted queues without starting any component.
func SummarizeStore(ctx context.Context, s *store.Store) (PersistedSummary, error) {
	sum := PersistedSummary{
		SyncByType:  make(map[string]int),
		PrintByDest: make(map[string]int),
	}

	keys, err := s.Keys(ctx, store.CollectionSyncQueue)
	if err != nil {
		return sum, fmt.Errorf("failed to list sync queue: %w", err)
	}
	for _, key := range keys {
		var it QueueItem
		if err := s.Get(ctx, store.CollectionSyncQueue, key, &it); err != nil {
			return sum, fmt.Errorf("failed to load sync item %s: %w", key, err)
		}
		sum.SyncPending++
		sum.SyncByType[it.Type]++
	}

	dests, err := s.Keys(ctx, store.CollectionPrintJobs)
	if err != nil {
		return sum, fmt.Errorf("failed to list print queues: %w", err)
	}
	for _, dest := range dests {
		var jobs []*PrintJob
		if err := s.Get(ctx, store.CollectionPrintJobs, dest, &jobs); err != nil {
			return sum, fmt.Errorf("failed to load print queue %s: %w", dest, err)
		}
		if len(jobs) > 0 {
			sum.PrintByDest[dest] = len(jobs)
			sum.PrintPending += len(jobs)
		}
	}

	failed, err := s.Keys(ctx, store.CollectionPrintFailures)
	if err != nil {
		return sum, fmt.Errorf("failed to list print failures: %w", err)
	}
	sum.PrintFailures = len(failed)

	var last time.Time
	err = s.Get(ctx, store.CollectionMeta, metaLastSync, &last)
	switch {
	case err == nil:
		sum.LastSync = &last
	case !errors.Is(err, store.ErrNotFound):
		return sum, fmt.Errorf("failed to load last sync time: %w", err)
	}

	return sum, nil
}
