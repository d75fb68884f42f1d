package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orrn/posqueue/internal/store"
)

// Record is one local row carried by a sync QueueItem. Version is the local
// revision the data was read at; zero means unversioned.
type Record struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Version uint64          `json:"version,omitempty"`
}

type RecordStatus string

const (
	RecordPending RecordStatus = "pending"
	RecordSynced  RecordStatus = "synced"
)

// StoredRecord is a Record plus its local sync bookkeeping.
type StoredRecord struct {
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	NeedsSync    bool            `json:"needsSync"`
	SyncStatus   RecordStatus    `json:"syncStatus"`
	LastModified time.Time       `json:"lastModified"`
	SyncedAt     *time.Time      `json:"syncedAt,omitempty"`
	Version      uint64          `json:"version"`
}

// LocalRecords is what the sync coordinator needs from local storage.
type LocalRecords interface {
	MarkSynced(ctx context.Context, syncType string, delivered []Record) error
	Unsynced(ctx context.Context, syncType string) ([]Record, error)
}

// RecordCollection maps a sync type to the collection its records live in.
func RecordCollection(syncType string) string {
	switch syncType {
	case "orders":
		return "orders"
	case "order-updates":
		return "orderUpdates"
	case "cart-backups":
		return "cartBackups"
	default:
		return syncType
	}
}

// RecordStore keeps local records with their needsSync markers.
type RecordStore struct {
	store *store.Store
	mu    sync.Mutex
	now   func() time.Time
}

func NewRecordStore(s *store.Store) *RecordStore {
	return &RecordStore{store: s, now: time.Now}
}

// Put writes records in one batch. needsSync marks them for delivery. Each
// record in records is stamped with the version it was stored at.
func (r *RecordStore) Put(ctx context.Context, syncType string, records []Record, needsSync bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll := RecordCollection(syncType)
	now := r.now()
	versions := make([]uint64, len(records))
	err := r.store.Update(ctx, func(b *store.Batch) error {
		for i, rec := range records {
			version, err := r.nextVersion(ctx, coll, rec.ID)
			if err != nil {
				return err
			}
			stored := StoredRecord{
				ID:           rec.ID,
				Data:         rec.Data,
				NeedsSync:    needsSync,
				SyncStatus:   RecordSynced,
				LastModified: now,
				Version:      version,
			}
			if needsSync {
				stored.SyncStatus = RecordPending
			}
			if err := b.Put(coll, rec.ID, stored); err != nil {
				return err
			}
			versions[i] = version
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range records {
		records[i].Version = versions[i]
	}
	return nil
}

func (r *RecordStore) nextVersion(ctx context.Context, coll, id string) (uint64, error) {
	var prev StoredRecord
	err := r.store.Get(ctx, coll, id, &prev)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("read %s/%s: %w", coll, id, err)
	}
	return prev.Version + 1, nil
}

func (r *RecordStore) Get(ctx context.Context, syncType, id string) (*StoredRecord, error) {
	var rec StoredRecord
	if err := r.store.Get(ctx, RecordCollection(syncType), id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkSynced clears the needsSync marker of delivered records. Records that no
// longer exist locally, or were changed after the delivered version was read,
// are left alone.
func (r *RecordStore) MarkSynced(ctx context.Context, syncType string, delivered []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll := RecordCollection(syncType)
	now := r.now()
	return r.store.Update(ctx, func(b *store.Batch) error {
		for _, d := range delivered {
			var rec StoredRecord
			err := r.store.Get(ctx, coll, d.ID, &rec)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("mark synced: %w", err)
			}
			if d.Version != 0 && rec.Version > d.Version {
				continue
			}
			rec.NeedsSync = false
			rec.SyncStatus = RecordSynced
			rec.SyncedAt = &now
			if err := b.Put(coll, d.ID, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unsynced returns every record of the type still waiting for delivery.
func (r *RecordStore) Unsynced(ctx context.Context, syncType string) ([]Record, error) {
	coll := RecordCollection(syncType)
	keys, err := r.store.Keys(ctx, coll)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, key := range keys {
		var rec StoredRecord
		if err := r.store.Get(ctx, coll, key, &rec); err != nil {
			return nil, err
		}
		if rec.NeedsSync {
			out = append(out, Record{ID: rec.ID, Data: rec.Data, Version: rec.Version})
		}
	}
	return out, nil
}

// Modify applies fn to a stored record's data under the write lock. Its sync
// markers and version are kept; the change reaches the server through
// whatever the caller queues for it.
func (r *RecordStore) Modify(ctx context.Context, syncType, id string, fn func(json.RawMessage) (json.RawMessage, error)) (*StoredRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	coll := RecordCollection(syncType)
	var rec StoredRecord
	if err := r.store.Get(ctx, coll, id, &rec); err != nil {
		return nil, err
	}

	data, err := fn(rec.Data)
	if err != nil {
		return nil, err
	}
	rec.Data = data
	rec.LastModified = r.now()

	if err := r.store.Put(ctx, coll, id, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
