package remote

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe reports reachability of the sync server by polling a URL.
type Probe struct {
	url      string
	interval time.Duration
	client   *http.Client
	report   func(online bool)
	logger   *slog.Logger
}

func NewProbe(url string, interval time.Duration, report func(online bool), logger *slog.Logger) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Probe{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: interval / 2},
		report:   report,
		logger:   logger.With("component", "probe"),
	}
}

// Check performs one probe and reports the result.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	p.report(online)
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid probe request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
