package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/posqueue/internal/events"
)

func TestPrinterManager_Success(t *testing.T) {
	pm := NewPrinterManager(PrinterConfig{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Seed: 7}, nil, nil)
	job := &PrintJob{ID: "j1", OrderID: "o1", Destination: DestinationReceipt}

	require.NoError(t, pm.Send(context.Background(), job))
	require.NoError(t, pm.Send(context.Background(), job))

	p, err := pm.GetPrinter(DestinationReceipt)
	require.NoError(t, err)
	assert.Equal(t, PrinterOnline, p.Status)
	assert.Equal(t, 2, p.TotalPrints)
	assert.NotNil(t, p.LastSeenAt)

	_, err = pm.GetPrinter(DestinationBar)
	assert.ErrorIs(t, err, ErrPrinterNotFound)
}

func TestPrinterManager_FaultsAndRecovery(t *testing.T) {
	bus := events.NewBus(nil)
	rec := record(bus, events.TopicNotification)
	pm := NewPrinterManager(PrinterConfig{FailureRate: 1, Seed: 7}, bus, nil)
	pm.AddPrinter(DestinationKitchen)
	job := &PrintJob{ID: "j1", OrderID: "o1", Destination: DestinationKitchen}

	err := pm.Send(context.Background(), job)
	require.Error(t, err)
	known := false
	for _, fault := range simulatedFaults {
		known = known || errors.Is(err, fault)
	}
	assert.True(t, known, "unexpected fault %v", err)

	p, _ := pm.GetPrinter(DestinationKitchen)
	assert.Equal(t, PrinterError, p.Status)
	assert.Equal(t, err.Error(), p.LastError)

	pm.cfg.FailureRate = 0
	require.NoError(t, pm.Send(context.Background(), job))

	p, _ = pm.GetPrinter(DestinationKitchen)
	assert.Equal(t, PrinterOnline, p.Status)
	assert.Empty(t, p.LastError)
	assert.Len(t, rec.payloads(events.TopicNotification), 2)
	warnings := rec.notifications(events.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "kitchen printer reported an error")
	assert.Len(t, rec.notifications(events.LevelInfo), 1)
	assert.Len(t, pm.ListPrinters(), 1)
}

func TestPrinterManager_Cancelled(t *testing.T) {
	pm := NewPrinterManager(PrinterConfig{MinDelay: time.Hour, MaxDelay: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pm.Send(ctx, &PrintJob{ID: "j1", Destination: DestinationBar})
	assert.ErrorIs(t, err, context.Canceled)

	p, err := pm.GetPrinter(DestinationBar)
	require.NoError(t, err)
	assert.Equal(t, PrinterOnline, p.Status)
	assert.Zero(t, p.TotalPrints)
}
