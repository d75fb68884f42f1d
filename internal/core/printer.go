package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/orrn/posqueue/internal/events"
)

var (
	ErrPrinterNotFound     = errors.New("printer not found")
	ErrPrinterOutOfPaper   = errors.New("printer out of paper")
	ErrPrinterTimeout      = errors.New("printer communication timeout")
	ErrPrinterHeadOverheat = errors.New("print head overheated")
	ErrPrinterPaperJam     = errors.New("paper jam detected")
)

var simulatedFaults = []error{
	ErrPrinterOutOfPaper,
	ErrPrinterTimeout,
	ErrPrinterHeadOverheat,
	ErrPrinterPaperJam,
}

// Sender delivers a rendered job to its output device.
type Sender interface {
	Send(ctx context.Context, job *PrintJob) error
}

type PrinterStatus string

const (
	PrinterOnline PrinterStatus = "online"
	PrinterBusy   PrinterStatus = "busy"
	PrinterError  PrinterStatus = "error"
)

type Printer struct {
	Destination string        `json:"destination"`
	Status      PrinterStatus `json:"status"`
	TotalPrints int           `json:"totalPrints"`
	LastError   string        `json:"lastError,omitempty"`
	LastSeenAt  *time.Time    `json:"lastSeenAt,omitempty"`
	inFlight    int
}

type PrinterConfig struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate float64
	// Seed fixes the fault sequence; zero seeds from the clock.
	Seed uint64
}

// PrinterManager simulates one thermal printer per destination. Each send
// takes a random delay and fails with the configured probability.
type PrinterManager struct {
	mu       sync.Mutex
	printers map[string]*Printer
	rng      *rand.Rand
	cfg      PrinterConfig
	bus      *events.Bus
	logger   *slog.Logger
}

func NewPrinterManager(cfg PrinterConfig, bus *events.Bus, logger *slog.Logger) *PrinterManager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &PrinterManager{
		printers: make(map[string]*Printer),
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		cfg:      cfg,
		bus:      bus,
		logger:   logger.With("component", "printers"),
	}
}

// AddPrinter registers a device for dest. Sending to an unknown destination
// registers it on first use.
func (pm *PrinterManager) AddPrinter(dest string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.printerLocked(dest)
}

func (pm *PrinterManager) printerLocked(dest string) *Printer {
	p, ok := pm.printers[dest]
	if !ok {
		p = &Printer{Destination: dest, Status: PrinterOnline}
		pm.printers[dest] = p
	}
	return p
}

func (pm *PrinterManager) GetPrinter(dest string) (Printer, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p, ok := pm.printers[dest]
	if !ok {
		return Printer{}, ErrPrinterNotFound
	}
	return *p, nil
}

func (pm *PrinterManager) ListPrinters() []Printer {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]Printer, 0, len(pm.printers))
	for _, p := range pm.printers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

func (pm *PrinterManager) Send(ctx context.Context, job *PrintJob) error {
	pm.mu.Lock()
	p := pm.printerLocked(job.Destination)
	p.inFlight++
	p.Status = PrinterBusy
	delay := pm.cfg.MinDelay
	if span := pm.cfg.MaxDelay - pm.cfg.MinDelay; span > 0 {
		delay += time.Duration(pm.rng.Int64N(int64(span)))
	}
	var fault error
	if pm.rng.Float64() < pm.cfg.FailureRate {
		fault = simulatedFaults[pm.rng.IntN(len(simulatedFaults))]
	}
	pm.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		fault = fmt.Errorf("send cancelled: %w", ctx.Err())
	case <-timer.C:
	}

	pm.finish(job, fault)
	return fault
}

func (pm *PrinterManager) finish(job *PrintJob, fault error) {
	now := time.Now()

	pm.mu.Lock()
	p := pm.printers[job.Destination]
	p.inFlight--
	prev := p.Status
	switch {
	case fault == nil:
		p.TotalPrints++
		p.LastSeenAt = &now
		p.LastError = ""
		p.Status = PrinterOnline
		if p.inFlight > 0 {
			p.Status = PrinterBusy
		}
	case errors.Is(fault, context.Canceled), errors.Is(fault, context.DeadlineExceeded):
		if p.inFlight == 0 && p.Status == PrinterBusy {
			p.Status = PrinterOnline
		}
	default:
		p.Status = PrinterError
		p.LastError = fault.Error()
	}
	status := p.Status
	pm.mu.Unlock()

	if fault == nil {
		pm.logger.Debug("printed", "destination", job.Destination, "order", job.OrderID, "job", job.ID)
	}
	if status == prev || pm.bus == nil {
		return
	}
	switch {
	case status == PrinterError:
		pm.logger.Warn("printer error", "destination", job.Destination, "error", fault)
		pm.bus.Notify(events.LevelWarning, "Printer status", fmt.Sprintf("%s printer reported an error", job.Destination), fault.Error())
	case prev == PrinterError:
		pm.logger.Info("printer recovered", "destination", job.Destination)
		pm.bus.Notify(events.LevelInfo, "Printer status", fmt.Sprintf("%s printer is back online", job.Destination), "")
	}
}
