package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/posqueue/internal/store"
)

const deviceIdentityKey = "current"

// DeviceIdentity is generated once per installation and attached to every
// outbound sync payload.
type DeviceIdentity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoadDeviceIdentity returns the persisted identity, creating it on first use.
func LoadDeviceIdentity(ctx context.Context, s *store.Store) (DeviceIdentity, error) {
	var id DeviceIdentity
	err := s.Get(ctx, store.CollectionDeviceIdentity, deviceIdentityKey, &id)
	if err == nil && id.ID != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return DeviceIdentity{}, fmt.Errorf("failed to load device identity: %w", err)
	}

	id = DeviceIdentity{
		ID:        "device_" + uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Put(ctx, store.CollectionDeviceIdentity, deviceIdentityKey, id); err != nil {
		return DeviceIdentity{}, fmt.Errorf("failed to persist device identity: %w", err)
	}
	return id, nil
}
