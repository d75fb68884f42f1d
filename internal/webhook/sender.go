// Package webhook forwards selected pipeline events to back-office URLs so
// failures that need a human are seen off the device too.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orrn/posqueue/internal/config"
	"github.com/orrn/posqueue/internal/events"
	"github.com/orrn/posqueue/internal/retry"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDevice    = "X-Device-Id"
)

type Payload struct {
	Event     string          `json:"event"`
	DeviceID  string          `json:"deviceId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	// Signature is the hex HMAC-SHA256 of Data under the shared secret.
	Signature string `json:"signature,omitempty"`
}

// StatusError is a non-2xx reply. 4xx replies are not retried.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s returned http %d", e.URL, e.Code)
}

func isClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

type task struct {
	url     string
	payload *Payload
}

// Sender subscribes to bus topics and delivers each event to every URL from a
// bounded queue served by a worker pool. When the queue is full new events
// are dropped.
type Sender struct {
	urls       []string
	secret     []byte
	topics     []string
	deviceID   string
	httpClient *http.Client
	policy     retry.Policy
	workers    int
	bus        *events.Bus
	logger     *slog.Logger

	queue       chan *task
	unsubscribe []func()
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewSender(cfg config.WebhookConfig, deviceID string, bus *events.Bus, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	s := &Sender{
		urls:       cfg.URLs,
		topics:     cfg.Events,
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Delays:     []time.Duration{cfg.RetryDelay, 2 * cfg.RetryDelay, 4 * cfg.RetryDelay},
		},
		workers: cfg.Workers,
		bus:     bus,
		logger:  logger.With("component", "webhook"),
		queue:   make(chan *task, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
	if cfg.Secret != "" {
		s.secret = []byte(cfg.Secret)
	}
	return s
}

func (s *Sender) Start() {
	for _, topic := range s.topics {
		s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(topic, s.enqueue))
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("webhook forwarding started", "urls", len(s.urls), "events", s.topics)
}

// Stop unsubscribes and waits for the workers. Queued events are dropped.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		for _, fn := range s.unsubscribe {
			fn()
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sender) enqueue(e events.Event) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		s.logger.Error("failed to encode event", "topic", e.Topic, "error", err)
		return
	}

	for _, url := range s.urls {
		t := &task{
			url: url,
			payload: &Payload{
				Event:     e.Topic,
				DeviceID:  s.deviceID,
				Timestamp: e.Time,
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("queue full, dropping webhook", "url", url, "event", e.Topic)
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Warn("webhook delivery failed",
					"worker", id, "url", t.url, "event", t.payload.Event, "error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := s.sendRequest(t.url, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}
		if s.policy.Exhausted(attempt) {
			return fmt.Errorf("max retries exceeded: %w", lastErr)
		}

		backoff := s.policy.Delay(attempt)
		s.logger.Debug("retrying webhook", "attempt", attempt, "url", t.url, "in", backoff, "error", err)
		select {
		case <-s.stopCh:
			return fmt.Errorf("shutdown requested: %w", lastErr)
		case <-time.After(backoff):
		}
	}
}

func (s *Sender) sendRequest(url string, payload *Payload) error {
	if s.secret != nil {
		payload.Signature = Sign(payload.Data, s.secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, payload.Event)
	req.Header.Set(HeaderDevice, payload.DeviceID)
	if payload.Signature != "" {
		req.Header.Set(HeaderSignature, payload.Signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of data, as sent in HeaderSignature.
func Sign(data []byte, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
