package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

var simulatedErrors = []string{
	"Server temporarily unavailable",
	"Database connection timeout",
	"Rate limit exceeded",
	"Invalid request format",
	"Authentication failed",
}

// Simulated stands in for the sync server in demos: every call takes a random
// delay and fails with a per-endpoint probability.
type Simulated struct {
	mu       sync.Mutex
	rng      *rand.Rand
	minDelay time.Duration
	maxDelay time.Duration
	// SuccessRate overrides the endpoint table when set (0 < rate <= 1).
	SuccessRate float64
}

func NewSimulated(minDelay, maxDelay time.Duration) *Simulated {
	return NewSimulatedWithSeed(minDelay, maxDelay, uint64(time.Now().UnixNano()))
}

func NewSimulatedWithSeed(minDelay, maxDelay time.Duration, seed uint64) *Simulated {
	return &Simulated{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

func endpointSuccessRate(path string) float64 {
	switch {
	case strings.Contains(path, "/orders/"):
		return 0.95
	case strings.Contains(path, "/products/"):
		return 0.88
	case strings.Contains(path, "/inventory/"):
		return 0.92
	default:
		return 0.90
	}
}

func (s *Simulated) Post(ctx context.Context, path string, body any) (*Response, error) {
	s.mu.Lock()
	delay := s.minDelay
	if span := s.maxDelay - s.minDelay; span > 0 {
		delay += time.Duration(s.rng.Int64N(int64(span)))
	}
	rate := s.SuccessRate
	if rate <= 0 {
		rate = endpointSuccessRate(path)
	}
	ok := s.rng.Float64() < rate
	msg := simulatedErrors[s.rng.IntN(len(simulatedErrors))]
	s.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, &Error{Endpoint: path, Message: ctx.Err().Error()}
	case <-timer.C:
	}

	if !ok {
		return nil, &Error{Endpoint: path, StatusCode: 500, Message: msg}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Endpoint: path, Message: fmt.Sprintf("marshal body: %v", err)}
	}
	return &Response{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("%s processed successfully", path),
		Data:    data,
	}, nil
}
