// Package consumer implements the QueueConsumer: one long-poll loop per
// configured queue, handing each batch to the manager synchronously before
// polling again.
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/broker"
	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/manager"
	"go.flowcatalyst.tech/internal/router/model"
)

const (
	pollMaxMessages = 10
	pollWaitTime    = 20 * time.Second

	backoffMin = time.Second
	backoffMax = 30 * time.Second

	submitTimeout = 30 * time.Second

	malformedBodyDelaySeconds = 0
)

// Submitter is the manager's view from a consumer's perspective.
type Submitter interface {
	SubmitBatch(ctx context.Context, batchID string, entries []manager.Entry) manager.BatchResult
}

// Consumer long-polls one queue and feeds batches to the manager.
type Consumer struct {
	queueID string
	broker  broker.Broker
	manager Submitter

	lastActivity atomic.Int64
	stalled      atomic.Bool

	stopped chan struct{}
	done    chan struct{}
}

// New constructs a consumer for one queue definition.
func New(queueID string, brk broker.Broker, mgr Submitter) *Consumer {
	c := &Consumer{
		queueID: queueID,
		broker:  brk,
		manager: mgr,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// Run polls until ctx is cancelled. On cancellation, any messages already
// fetched from the broker are still submitted to the manager (so they're
// tracked) before Run returns.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)

	backoff := backoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		deliveries, err := c.broker.Poll(ctx, pollMaxMessages, pollWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("queue poll failed, backing off", "queue", c.queueID, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = minDuration(backoff*2, backoffMax)
			continue
		}
		backoff = backoffMin
		c.lastActivity.Store(time.Now().UnixNano())

		if len(deliveries) == 0 {
			continue
		}

		batchID := tsid.Generate()
		entries := make([]manager.Entry, 0, len(deliveries))
		for _, d := range deliveries {
			var pointer model.MessagePointer
			if err := json.Unmarshal(d.Body, &pointer); err != nil {
				slog.Warn("malformed message body, nacking", "queue", c.queueID, "messageId", d.MessageID, "error", err)
				metrics.QueueMessagesConsumed.WithLabelValues(c.queueID, "malformed").Inc()
				if nackErr := c.broker.Nack(ctx, d.Receipt, malformedBodyDelaySeconds*time.Second); nackErr != nil {
					slog.Error("failed to nack malformed message", "queue", c.queueID, "error", nackErr)
				}
				continue
			}
			if pointer.MessageGroupID == "" {
				pointer.MessageGroupID = d.MessageGroupID
			}
			entries = append(entries, manager.Entry{
				Pointer:   pointer,
				MessageID: d.MessageID,
				Receipt:   d.Receipt,
				Broker:    c.broker,
			})
		}

		if len(entries) == 0 {
			continue
		}

		submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
		result := c.manager.SubmitBatch(submitCtx, batchID, entries)
		cancel()

		metrics.QueueMessagesConsumed.WithLabelValues(c.queueID, "submitted").Add(float64(result.Submitted))
		metrics.QueueMessagesConsumed.WithLabelValues(c.queueID, "deduplicated").Add(float64(result.Deduplicated))
		metrics.QueueMessagesConsumed.WithLabelValues(c.queueID, "rejected").Add(float64(result.Rejected))
	}
}

// Stop halts new polls. Run drains any already-fetched batch before exiting.
func (c *Consumer) Stop() {
	close(c.stopped)
}

// Wait blocks until Run has returned.
func (c *Consumer) Wait() {
	<-c.done
}

// Stalled reports whether the consumer has gone too long without a
// successful poll, for health checks.
func (c *Consumer) Stalled(threshold time.Duration) bool {
	last := time.Unix(0, c.lastActivity.Load())
	return time.Since(last) > threshold
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
