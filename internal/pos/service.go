// Package pos is the boundary where checkout and catalog edits enter the
// pipeline: each mutation is written locally first, then queued for sync
// and, for orders, for printing.
package pos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/posqueue/internal/core"
	"github.com/orrn/posqueue/internal/events"
)

var (
	ErrMissingStatus   = errors.New("order status is required")
	ErrMissingRecordID = errors.New("record id is required")
)

const (
	syncOrders       = "orders"
	syncOrderUpdates = "order-updates"
)

type SyncQueue interface {
	Enqueue(ctx context.Context, syncType string, records []core.Record) (*core.QueueItem, error)
}

type PrintQueue interface {
	AddPrintJob(ctx context.Context, order *core.Order, destinations []string) ([]string, error)
}

type Deps struct {
	Records *core.RecordStore
	Sync    SyncQueue
	Print   PrintQueue
	Bus     *events.Bus
	Logger  *slog.Logger
}

type Service struct {
	records *core.RecordStore
	sync    SyncQueue
	print   PrintQueue
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	return &Service{
		records: deps.Records,
		sync:    deps.Sync,
		print:   deps.Print,
		bus:     deps.Bus,
		logger:  deps.Logger.With("component", "pos"),
		now:     time.Now,
	}
}

// PlaceResult reports what checkout queued. SyncItemID is empty and
// PrintJobIDs nil when that step failed; the order itself is still saved.
type PlaceResult struct {
	OrderID     string   `json:"orderId"`
	SyncItemID  string   `json:"syncItemId,omitempty"`
	PrintJobIDs []string `json:"printJobIds"`
}

// OrderUpdate is the sync body for a status change.
type OrderUpdate struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlaceOrder saves the order locally, then queues it for sync and prints its
// tickets. Only validation and the local write can fail the call.
func (s *Service) PlaceOrder(ctx context.Context, order *core.Order) (*PlaceResult, error) {
	if order == nil || len(order.Items) == 0 {
		return nil, core.ErrEmptyOrder
	}
	if order.Order.ID == "" {
		order.Order.ID = "ORD-" + uuid.NewString()[:8]
	}
	if order.Order.CreatedAt.IsZero() {
		order.Order.CreatedAt = s.now().UTC()
	}
	if order.Order.Status == "" {
		order.Order.Status = "placed"
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}
	records := []core.Record{{ID: order.Order.ID, Data: data}}
	if err := s.records.Put(ctx, syncOrders, records, true); err != nil {
		return nil, fmt.Errorf("failed to save order: %w", err)
	}

	s.logger.Info("order placed", "order", order.Order.ID, "items", len(order.Items), "total", order.Totals.Total)
	s.bus.Publish(events.TopicOrderCreated, order)
	s.bus.Publish(events.TopicRecordsChanged, events.RecordsChanged{Type: syncOrders, Count: 1, Source: "checkout"})

	res := &PlaceResult{OrderID: order.Order.ID}

	item, err := s.sync.Enqueue(ctx, syncOrders, records)
	if err != nil {
		s.logger.Error("failed to queue order for sync", "order", order.Order.ID, "error", err)
		s.bus.Notify(events.LevelError, "Sync error", fmt.Sprintf("Order #%s was saved but not queued for sync", order.Order.ID), err.Error())
	} else {
		res.SyncItemID = item.ID
	}

	ids, err := s.print.AddPrintJob(ctx, order, core.DefaultDestinations)
	if err != nil {
		s.logger.Error("failed to queue print jobs", "order", order.Order.ID, "error", err)
		s.bus.Notify(events.LevelError, "Print System Error", fmt.Sprintf("Could not print Order #%s", order.Order.ID), err.Error())
	} else {
		res.PrintJobIDs = ids
	}

	return res, nil
}

// UpsertRecords saves catalog records and queues them for sync.
func (s *Service) UpsertRecords(ctx context.Context, syncType string, records []core.Record) (*core.QueueItem, error) {
	if syncType == "" {
		return nil, core.ErrMissingSyncType
	}
	if len(records) == 0 {
		return nil, core.ErrNoRecords
	}
	for _, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("%w in %s", ErrMissingRecordID, syncType)
		}
	}

	if err := s.records.Put(ctx, syncType, records, true); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", syncType, err)
	}
	s.bus.Publish(events.TopicRecordsChanged, events.RecordsChanged{Type: syncType, Count: len(records), Source: "local"})

	item, err := s.sync.Enqueue(ctx, syncType, records)
	if err != nil {
		return nil, fmt.Errorf("failed to queue %s for sync: %w", syncType, err)
	}
	return item, nil
}

// UpdateOrderStatus changes a saved order's status and queues the change. The
// update is tracked as its own record so it syncs independently of the order.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, status string) (*core.QueueItem, error) {
	if status == "" {
		return nil, ErrMissingStatus
	}

	now := s.now().UTC()
	_, err := s.records.Modify(ctx, syncOrders, orderID, func(data json.RawMessage) (json.RawMessage, error) {
		var order core.Order
		if err := json.Unmarshal(data, &order); err != nil {
			return nil, fmt.Errorf("failed to decode order %s: %w", orderID, err)
		}
		order.Order.Status = status
		return json.Marshal(order)
	})
	if err != nil {
		return nil, err
	}

	update := OrderUpdate{ID: orderID, Status: status, UpdatedAt: now}
	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order update: %w", err)
	}

	records := []core.Record{{ID: orderID, Data: data}}
	if err := s.records.Put(ctx, syncOrderUpdates, records, true); err != nil {
		return nil, fmt.Errorf("failed to save order update: %w", err)
	}

	s.logger.Info("order status updated", "order", orderID, "status", status)
	s.bus.Publish(events.TopicOrderUpdated, update)

	item, err := s.sync.Enqueue(ctx, syncOrderUpdates, records)
	if err != nil {
		return nil, fmt.Errorf("failed to queue order update: %w", err)
	}
	return item, nil
}
