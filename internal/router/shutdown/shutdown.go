// Package shutdown implements the ShutdownCoordinator: the router's
// five-step drain sequence on shutdown signal, built on the shared
// lifecycle.Manager phase-grouped hook runner.
package shutdown

import (
	"context"
	"log/slog"
	"time"

	"go.flowcatalyst.tech/internal/common/lifecycle"
)

const mediatorGrace = 30 * time.Second

// Coordinator sequences shutdown across consumers, pool dispatchers, and
// mediators per §4.9: stop polling, let in-flight batches land with the
// manager, drain pools, then close mediators with a grace period.
type Coordinator struct {
	lifecycle *lifecycle.Manager
}

// New constructs a Coordinator with the router's shutdown timeout budget.
func New() *Coordinator {
	lm := lifecycle.NewManager()
	lm.SetShutdownTimeout(2 * time.Minute)
	return &Coordinator{lifecycle: lm}
}

// RegisterHTTP registers the HTTP server's shutdown: step 0, stop accepting
// new requests and drain in-flight ones.
func (c *Coordinator) RegisterHTTP(name string, shutdown func(ctx context.Context) error) {
	c.lifecycle.RegisterHTTPShutdown(name, shutdown)
}

// RegisterFinal registers a hook that runs last, after consumers, pools,
// and mediators have all drained — for tearing down whatever dynamically
// owns their lifecycle (e.g. the config syncer).
func (c *Coordinator) RegisterFinal(name string, shutdown func(ctx context.Context) error) {
	c.lifecycle.RegisterHook(lifecycle.ShutdownHook{
		Name:     name,
		Phase:    lifecycle.PhaseFinal,
		Timeout:  30 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterConsumer registers a queue consumer's stop sequence: step 1,
// stop issuing new polls; step 2, wait for any already-fetched batch to be
// handed to the manager. stop must block until both have happened.
func (c *Coordinator) RegisterConsumer(queueID string, stop func(ctx context.Context) error) {
	c.lifecycle.RegisterConsumerShutdown(queueID, stop)
}

// RegisterPool registers a pool dispatcher's drain sequence: step 3,
// workers finish their current message and queued messages are nacked
// with delay 5s so the broker redelivers them.
func (c *Coordinator) RegisterPool(poolCode string, drain func(ctx context.Context) error) {
	c.lifecycle.RegisterPoolShutdown(poolCode, drain)
}

// RegisterMediator registers a mediator's close sequence: step 4, fail
// fast on any HTTP call still in flight once the grace period elapses.
// The supplied close func is given mediatorGrace regardless of the
// per-hook timeout lifecycle.Manager would otherwise apply.
func (c *Coordinator) RegisterMediator(poolCode string, close func(ctx context.Context) error) {
	c.lifecycle.RegisterHook(lifecycle.ShutdownHook{
		Name:     poolCode,
		Phase:    lifecycle.PhaseMediator,
		Timeout:  mediatorGrace,
		Shutdown: close,
	})
}

// Trigger requests shutdown; Execute (or Run) performs it.
func (c *Coordinator) Trigger() {
	c.lifecycle.Shutdown()
}

// WaitForSignal blocks until SIGINT/SIGTERM or a programmatic Trigger.
func (c *Coordinator) WaitForSignal() {
	c.lifecycle.WaitForSignal()
}

// Execute runs the five-step drain in order, logging the overall outcome.
func (c *Coordinator) Execute() error {
	slog.Info("shutdown coordinator draining router")
	err := c.lifecycle.Execute()
	if err != nil {
		slog.Warn("router shutdown did not complete within budget", "error", err)
	} else {
		slog.Info("router shutdown complete")
	}
	return err
}

// Run combines WaitForSignal and Execute, matching lifecycle.Manager.Run.
func (c *Coordinator) Run() error {
	c.WaitForSignal()
	return c.Execute()
}
