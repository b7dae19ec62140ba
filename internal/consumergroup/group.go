// Package consumergroup implements the consumer-group runtime: named
// long-lived runnables over the bus with per-partition ordering, bounded
// batch fetch, and drain-on-shutdown. Partition-sticky routing means two
// messages for the same subject always land on the same worker goroutine
// and are therefore processed in arrival order.
package consumergroup

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/obsmetrics"
	"github.com/outreach-orchestrator/runtime/internal/tracing"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Handler processes one delivered message. Returning an error routes the
// message to the DLQ sink (if configured) and Naks it; returning nil Acks
// it.
type Handler func(ctx context.Context, msg bus.Delivered) error

// DeadLetterSink receives entries for messages a Handler permanently failed
// on. internal/jobqueue.Queue implements this so a Group can hand off
// failures without importing the job-queue package directly.
type DeadLetterSink interface {
	SendDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error
}

// Config describes one named consumer group.
type Config struct {
	// Name is the group id registered with the bus (durable consumer name).
	Name string
	// Topics is the subscribed topic list.
	Topics []string
	// Concurrency is the target worker count.
	Concurrency int
	// MaxBatch caps messages fetched per poll.
	MaxBatch int
	// SessionTimeout is the consumer's allowed silence before it is
	// considered unhealthy; logged, not independently enforced (JetStream
	// already manages ack-wait redelivery).
	SessionTimeout time.Duration
	// HeartbeatInterval controls how often the group logs liveness.
	HeartbeatInterval time.Duration
	// PriorityFilter restricts the group to a priority subset, e.g. the
	// critical+high immediate group.
	PriorityFilter []bus.Priority
	// ShutdownDeadline bounds how long Stop waits for in-flight handlers
	// to drain before forcing exit.
	ShutdownDeadline time.Duration
	// DLQ is optional; nil means failed messages are only logged and Naked.
	DLQ DeadLetterSink
	// Tracer is optional; nil (the default) makes handler spans a no-op
	//.
	Tracer *tracing.Tracer
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 50
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = 30 * time.Second
	}
}

// Group runs a consumer group against a bus.Bus until Stop is called.
type Group struct {
	cfg     Config
	bus     bus.Bus
	handler Handler
	logger  *slog.Logger

	sub     bus.Subscription
	workers []chan bus.Delivered
	wg      sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Group. Run must be called to start consuming.
func New(b bus.Bus, cfg Config, handler Handler, logger *slog.Logger) *Group {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		cfg:     cfg,
		bus:     b,
		handler: handler,
		logger:  logger.With("group", cfg.Name),
		done:    make(chan struct{}),
	}
}

// Run subscribes and blocks until ctx is cancelled or Stop is called,
// draining in-flight handlers up to the configured shutdown deadline
// before returning.
func (g *Group) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	defer close(g.done)

	opts := []bus.SubscribeOption{
		bus.WithMaxBatch(g.cfg.MaxBatch),
	}
	if len(g.cfg.PriorityFilter) > 0 {
		opts = append(opts, bus.WithPriorityFilter(g.cfg.PriorityFilter...))
	}

	sub, err := g.bus.Subscribe(runCtx, g.cfg.Topics, g.cfg.Name, opts...)
	if err != nil {
		return err
	}
	g.sub = sub

	g.workers = make([]chan bus.Delivered, g.cfg.Concurrency)
	for i := range g.workers {
		g.workers[i] = make(chan bus.Delivered, g.cfg.MaxBatch)
		g.wg.Add(1)
		go g.runWorker(runCtx, i)
	}

	heartbeat := time.NewTicker(g.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	g.logger.Info("consumer group started", "topics", g.cfg.Topics, "concurrency", g.cfg.Concurrency)

dispatch:
	for {
		select {
		case delivered, ok := <-sub.Messages():
			if !ok {
				break dispatch
			}
			idx := partitionIndex(delivered.Envelope.PartitionKey, len(g.workers))
			select {
			case g.workers[idx] <- delivered:
			case <-runCtx.Done():
				break dispatch
			}
		case <-heartbeat.C:
			g.logger.Debug("consumer group heartbeat")
		case <-runCtx.Done():
			break dispatch
		}
	}

	for _, w := range g.workers {
		close(w)
	}
	g.waitDrain()
	return nil
}

// waitDrain waits for workers to finish, forcing return once the shutdown
// deadline elapses.
func (g *Group) waitDrain() {
	drained := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(g.cfg.ShutdownDeadline):
		g.logger.Warn("consumer group drain deadline exceeded, forcing exit")
	}
}

// Stop signals shutdown and blocks until Run returns.
func (g *Group) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	if g.sub != nil {
		g.sub.Close()
	}
	<-g.done
}

func (g *Group) runWorker(ctx context.Context, idx int) {
	defer g.wg.Done()
	log := g.logger.With("worker", idx)

	for delivered := range g.workers[idx] {
		g.process(ctx, log, delivered)
	}
}

// process runs Handler for one message. Errors are routed to the DLQ (if
// configured) and the message Naked; success Acks it. Per-partition FIFO
// is preserved because each worker goroutine processes its channel
// serially and every message for a given partition key always lands on the
// same worker.
func (g *Group) process(ctx context.Context, log *slog.Logger, delivered bus.Delivered) {
	if delivered.DecodeError != nil {
		// Fatal class: the envelope failed its one-shot
		// deserialization, so redelivery cannot help. Dead-letter with the
		// error text and commit the offset.
		log.Warn("unparseable envelope, routing to DLQ", "topic", delivered.Topic, "error", delivered.DecodeError)
		obsmetrics.ConsumerMessages.WithLabelValues(g.cfg.Name, "unparseable").Inc()
		if g.cfg.DLQ != nil {
			entry := models.DeadLetterEntry{
				ID:     uuid.NewString(),
				Reason: "unparseable envelope: " + delivered.DecodeError.Error(),
			}
			if dlqErr := g.cfg.DLQ.SendDeadLetter(ctx, entry); dlqErr != nil {
				log.Error("failed to write dead letter entry", "error", dlqErr)
			}
		}
		if ackErr := delivered.Ack(); ackErr != nil {
			log.Warn("ack failed", "topic", delivered.Topic, "error", ackErr)
		}
		return
	}

	ctx, span := g.cfg.Tracer.StartHandle(ctx, g.cfg.Name, delivered.Envelope.EventType)
	err := g.handler(ctx, delivered)
	tracing.End(span, err)
	if err == nil {
		obsmetrics.ConsumerMessages.WithLabelValues(g.cfg.Name, "ok").Inc()
		if ackErr := delivered.Ack(); ackErr != nil {
			log.Warn("ack failed", "event_id", delivered.Envelope.EventID, "error", ackErr)
		}
		return
	}
	obsmetrics.ConsumerMessages.WithLabelValues(g.cfg.Name, "error").Inc()

	log.Warn("handler failed, routing to DLQ",
		"event_id", delivered.Envelope.EventID,
		"event_type", delivered.Envelope.EventType,
		"error", err,
	)

	if g.cfg.DLQ != nil {
		entry := models.DeadLetterEntry{
			TaskID: delivered.Envelope.EventID,
			Reason: err.Error(),
		}
		if dlqErr := g.cfg.DLQ.SendDeadLetter(ctx, entry); dlqErr != nil {
			log.Error("failed to write dead letter entry", "error", dlqErr)
		}
	}

	if nakErr := delivered.Nak(); nakErr != nil {
		log.Warn("nak failed", "event_id", delivered.Envelope.EventID, "error", nakErr)
	}
}

// partitionIndex maps a partition key onto a worker index so every message
// for the same partition is always routed to the same worker.
func partitionIndex(partitionKey string, workers int) int {
	if workers <= 1 {
		return 0
	}
	if partitionKey == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return int(h.Sum32() % uint32(workers))
}
