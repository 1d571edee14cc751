// Package embeddednats adapts an embedded NATS JetStream server to the
// broker.Broker contract. It exists to let a single router binary run with
// no external broker dependency at all, for local development and tests.
package embeddednats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"log/slog"

	"go.flowcatalyst.tech/internal/broker"
)

// Config configures the embedded server and the single durable consumer the
// adapter polls through.
type Config struct {
	DataDir      string
	Host         string
	Port         int
	StreamName   string
	Subject      string
	MaxAge       time.Duration
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
}

// DefaultConfig returns sane defaults for a single-node embedded deployment.
func DefaultConfig() Config {
	return Config{
		DataDir:      "./data/nats",
		Host:         "127.0.0.1",
		Port:         4222,
		StreamName:   "DISPATCH",
		Subject:      "dispatch.>",
		MaxAge:       24 * time.Hour,
		ConsumerName: "flowcatalyst-router",
		AckWait:      2 * time.Minute,
		MaxDeliver:   5,
	}
}

// Adapter implements broker.Broker against an embedded JetStream stream,
// polling it with Fetch rather than the push-style Messages() iterator.
type Adapter struct {
	cfg      Config
	server   *server.Server
	conn     *nats.Conn
	js       jetstream.JetStream
	consumer jetstream.Consumer
}

// New starts an embedded NATS server with JetStream enabled, ensures the
// configured stream and durable consumer exist, and returns a ready adapter.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.StreamName == "" {
		d := DefaultConfig()
		cfg.StreamName = d.StreamName
	}
	if cfg.Subject == "" {
		cfg.Subject = "dispatch.>"
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("embeddednats: create data dir: %w", err)
	}

	opts := &server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("embeddednats: create server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embeddednats: server did not become ready")
	}
	slog.Info("embedded NATS server started", "host", cfg.Host, "port", cfg.Port)

	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)
	conn, err := nats.Connect(url,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("embedded NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("embedded NATS reconnected")
		}),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("embeddednats: connect: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("embeddednats: jetstream context: %w", err)
	}

	a := &Adapter{cfg: cfg, server: ns, conn: conn, js: js}

	if err := a.ensureStream(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.ensureConsumer(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) ensureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:      a.cfg.StreamName,
		Subjects:  []string{a.cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    a.cfg.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
	}

	if _, err := a.js.Stream(ctx, a.cfg.StreamName); err != nil {
		if _, err := a.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("embeddednats: create stream: %w", err)
		}
		slog.Info("created JetStream stream", "stream", a.cfg.StreamName)
		return nil
	}
	if _, err := a.js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("embeddednats: update stream: %w", err)
	}
	return nil
}

func (a *Adapter) ensureConsumer(ctx context.Context) error {
	stream, err := a.js.Stream(ctx, a.cfg.StreamName)
	if err != nil {
		return fmt.Errorf("embeddednats: get stream: %w", err)
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          a.cfg.ConsumerName,
		Durable:       a.cfg.ConsumerName,
		FilterSubject: a.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       a.cfg.AckWait,
		MaxDeliver:    a.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return fmt.Errorf("embeddednats: create consumer: %w", err)
	}
	a.consumer = consumer
	return nil
}

// Poll fetches up to maxMessages, waiting up to waitTime for at least one.
func (a *Adapter) Poll(ctx context.Context, maxMessages int, waitTime time.Duration) ([]broker.Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 10
	}

	msgs, err := a.consumer.Fetch(maxMessages, jetstream.FetchMaxWait(waitTime))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("embeddednats: fetch: %w", err)
	}

	deliveries := make([]broker.Delivery, 0, maxMessages)
	for msg := range msgs.Messages() {
		id := msg.Headers().Get("Nats-Msg-Id")
		if id == "" {
			if meta, err := msg.Metadata(); err == nil {
				id = fmt.Sprintf("%s:%d", a.cfg.StreamName, meta.Sequence.Stream)
			}
		}
		deliveries = append(deliveries, broker.Delivery{
			Receipt:        broker.NewReceipt(msg),
			MessageID:      id,
			MessageGroupID: msg.Headers().Get("Nats-Msg-Group"),
			Body:           msg.Data(),
		})
	}
	if err := msgs.Error(); err != nil {
		return deliveries, fmt.Errorf("embeddednats: fetch iteration: %w", err)
	}
	return deliveries, nil
}

// Ack acknowledges the message, removing it from the stream's pending set.
func (a *Adapter) Ack(ctx context.Context, receipt broker.Receipt) error {
	msg, ok := receipt.Unwrap().(jetstream.Msg)
	if !ok {
		return fmt.Errorf("embeddednats: invalid receipt")
	}
	return msg.Ack()
}

// Nack schedules redelivery after delay (JetStream's NakWithDelay), or an
// immediate redelivery attempt if delay is zero.
func (a *Adapter) Nack(ctx context.Context, receipt broker.Receipt, delay time.Duration) error {
	msg, ok := receipt.Unwrap().(jetstream.Msg)
	if !ok {
		return fmt.Errorf("embeddednats: invalid receipt")
	}
	if delay <= 0 {
		return msg.Nak()
	}
	return msg.NakWithDelay(delay)
}

// ExtendVisibility sends an in-progress heartbeat, resetting the ack-wait
// deadline without acking or nacking.
func (a *Adapter) ExtendVisibility(ctx context.Context, receipt broker.Receipt, extension time.Duration) error {
	msg, ok := receipt.Unwrap().(jetstream.Msg)
	if !ok {
		return fmt.Errorf("embeddednats: invalid receipt")
	}
	return msg.InProgress()
}

// HealthCheck reports whether the connection to the embedded server and
// the backing stream are still usable.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.conn == nil || !a.conn.IsConnected() {
		return errors.New("embeddednats: not connected")
	}
	if _, err := a.js.Stream(ctx, a.cfg.StreamName); err != nil {
		return fmt.Errorf("embeddednats: stream unreachable: %w", err)
	}
	return nil
}

// Close shuts down the connection and the embedded server, removing the
// JetStream lock file so a restart doesn't find a stale lock.
func (a *Adapter) Close() error {
	if a.conn != nil {
		a.conn.Close()
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server.WaitForShutdown()
	}
	lockFile := filepath.Join(a.cfg.DataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}
	return nil
}
