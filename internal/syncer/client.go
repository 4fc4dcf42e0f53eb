// Package syncer delivers day-record deltas to the aggregator and
// retains them in an in-memory queue across network failures.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultRequestTimeout bounds a single delivery attempt.
const DefaultRequestTimeout = 30 * time.Second

// QueuedDelta is a delivery retained for retry after a network-class
// failure. The queue lives in memory only; what is lost on a crash is
// re-earned by the next accumulation cycle, not replayed.
type QueuedDelta struct {
	UserID    string
	Date      string
	Data      storage.DayRecord
	Timestamp time.Time
}

// TrackResponse is the aggregator's reply to a merge, carrying the
// server-side merged totals.
type TrackResponse struct {
	UserID       string           `json:"userId"`
	Date         string           `json:"date"`
	TotalSeconds int64            `json:"totalSeconds"`
	Languages    map[string]int64 `json:"languages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Config holds sync channel configuration.
type Config struct {
	Endpoint       string
	Token          string
	RequestTimeout time.Duration
}

// Client is the delivery channel to the aggregator. Deliver either
// completes the remote merge or classifies the failure; network-class
// failures park the delta in the offline queue.
type Client struct {
	endpoint string
	token    string
	httpc    *http.Client
	logger   zerolog.Logger

	mu          sync.Mutex
	queue       []QueuedDelta
	initialized bool

	// onPermanent, when set, receives failures that will not be
	// retried so the caller can surface an actionable diagnostic.
	onPermanent func(*DeliveryError)
}

// NewClient creates a new sync channel client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("syncer: endpoint is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("syncer: token is required")
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "syncer").Logger(),
	}, nil
}

// SetPermanentFailureHandler registers a callback for non-retryable
// delivery failures. Must be called before Initialize.
func (c *Client) SetPermanentFailureHandler(fn func(*DeliveryError)) {
	c.onPermanent = fn
}

// Initialize marks the channel ready and drains anything queued from a
// previous configuration. Safe to call again after reconfiguration.
func (c *Client) Initialize(ctx context.Context) {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.Drain(ctx)
}

// Deliver attempts the remote merge for one delta. Returns true on
// confirmed success. On a network-class failure the delta is queued
// for a later drain; on a permanent failure it is dropped and the
// failure is surfaced through the permanent-failure handler.
func (c *Client) Deliver(ctx context.Context, userID string, record storage.DayRecord) bool {
	c.mu.Lock()
	ready := c.initialized
	c.mu.Unlock()

	if !ready {
		c.logger.Debug().Str("date", record.Date).Msg("Channel not initialized, queueing delta")
		c.enqueue(userID, record)
		return false
	}

	derr := c.deliverOnce(ctx, userID, record)
	if derr == nil {
		metrics.DeliveriesTotal.WithLabelValues("success").Inc()
		return true
	}

	if derr.Retryable {
		metrics.DeliveriesTotal.WithLabelValues("retryable").Inc()
		c.logger.Warn().Err(derr).Str("date", record.Date).Msg("Delivery failed, queued for retry")
		c.enqueue(userID, record)
		return false
	}

	metrics.DeliveriesTotal.WithLabelValues("permanent").Inc()
	c.logger.Error().Err(derr).Str("date", record.Date).Msg("Delivery failed permanently, not retrying")
	if c.onPermanent != nil {
		c.onPermanent(derr)
	}
	return false
}

// deliverOnce performs a single POST /track round trip.
func (c *Client) deliverOnce(ctx context.Context, userID string, record storage.DayRecord) *DeliveryError {
	payload := struct {
		UserID       string           `json:"userId"`
		Date         string           `json:"date"`
		TotalSeconds int64            `json:"totalSeconds"`
		Languages    map[string]int64 `json:"languages"`
	}{
		UserID:       userID,
		Date:         record.Date,
		TotalSeconds: record.TotalSeconds,
		Languages:    record.Languages,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/track", bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(raw, &errResp)
		return statusError(resp.StatusCode, errResp.Error)
	}

	var merged TrackResponse
	if err := json.Unmarshal(raw, &merged); err != nil {
		// A success status with an unreadable body counts as failure,
		// but the write may have landed; retrying accepts the
		// at-least-once double-count trade-off.
		return &DeliveryError{StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("malformed response body: %w", err)}
	}

	c.logger.Info().
		Str("date", record.Date).
		Int64("delta_seconds", record.TotalSeconds).
		Int64("server_total", merged.TotalSeconds).
		Msg("Delta merged")

	return nil
}

func (c *Client) enqueue(userID string, record storage.DayRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, QueuedDelta{
		UserID:    userID,
		Date:      record.Date,
		Data:      record,
		Timestamp: time.Now(),
	})
	metrics.QueueDepth.Set(float64(len(c.queue)))
	c.logger.Debug().Int("queue_len", len(c.queue)).Msg("Delta queued")
}

// Drain retries queued deltas in FIFO order. The live queue is
// snapshotted and cleared first, so a delta re-queued by a failing
// attempt waits for the next drain instead of looping in this one.
func (c *Client) Drain(ctx context.Context) {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	metrics.QueueDepth.Set(0)
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	c.logger.Info().Int("count", len(batch)).Msg("Draining offline queue")

	for _, item := range batch {
		c.Deliver(ctx, item.UserID, item.Data)
	}

	c.mu.Lock()
	remaining := len(c.queue)
	c.mu.Unlock()

	if remaining > 0 {
		c.logger.Warn().Int("count", remaining).Msg("Deltas still queued after drain")
	} else {
		c.logger.Info().Msg("Offline queue drained")
	}
}

// QueueLen returns the number of queued deltas.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close drains the queue one last time. Best effort: a forced process
// exit can still abandon queued deltas, which the accepted data-loss
// window covers.
func (c *Client) Close(ctx context.Context) {
	c.Drain(ctx)
}
