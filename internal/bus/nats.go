package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/outreach-orchestrator/runtime/internal/config"
)

const (
	defaultMaxBatch    = 50
	defaultPollTimeout = time.Second
)

// NATSBus is the JetStream-backed Bus implementation. When cfg.Brokers is
// empty it starts an embedded nats-server instead of dialing out, so a
// single binary can run standalone in development.
type NATSBus struct {
	logger *slog.Logger

	conn       *nats.Conn
	js         jetstream.JetStream
	streamName string
	embedded   *server.Server
}

// NewNATSBus connects to cfg.Brokers (or starts an embedded broker when none
// are configured), ensures the fixed-topic stream exists, and returns a
// ready-to-use Bus.
func NewNATSBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, embedded, err := connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	streamName := cfg.Stream
	if streamName == "" {
		streamName = "orchestrator"
	}

	b := &NATSBus{
		logger:     logger,
		conn:       conn,
		js:         js,
		streamName: streamName,
		embedded:   embedded,
	}

	if err := b.ensureStream(ctx); err != nil {
		b.Close(ctx)
		return nil, err
	}

	return b, nil
}

func connect(cfg config.BusConfig, logger *slog.Logger) (*nats.Conn, *server.Server, error) {
	if len(cfg.Brokers) > 0 {
		url := strings.Join(cfg.Brokers, ",")
		conn, err := nats.Connect(url, nats.Name("outreach-orchestrator"))
		if err != nil {
			return nil, nil, fmt.Errorf("bus: connect to %s: %w", url, err)
		}
		return conn, nil, nil
	}

	logger.Info("bus: no brokers configured, starting embedded NATS server")
	ns, err := server.NewServer(&server.Options{
		Port:      -1, // random free port, loopback only
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("bus: start embedded server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, nil, errors.New("bus: embedded server not ready after 5s")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("bus: connect to embedded server: %w", err)
	}
	return conn, ns, nil
}

// ensureStream creates (or reconciles) the single stream backing every
// fixed topic. Each topic occupies its own subject prefix
// "<stream>.<topic>.>" so a consumer can filter to one or several topics.
func (b *NATSBus) ensureStream(ctx context.Context) error {
	subjects := make([]string, 0, len(Topics))
	for _, topic := range Topics {
		subjects = append(subjects, fmt.Sprintf("%s.%s.>", b.streamName, topic))
	}

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("bus: ensure stream %s: %w", b.streamName, err)
	}
	return nil
}

// subjectFor maps a (topic, partition key) pair onto a single NATS subject
// token. JetStream preserves per-subject order, which is what gives us the
// per-partition FIFO guarantee /require.
func subjectFor(streamName, topic, partitionKey string) string {
	token := partitionKey
	if token == "" {
		token = "_"
	}
	token = subjectTokenReplacer.Replace(token)
	return fmt.Sprintf("%s.%s.%s", streamName, topic, token)
}

var subjectTokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func (b *NATSBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subjectFor(b.streamName, topic, env.PartitionKey))
	msg.Data = data
	msg.Header.Set("Priority", string(env.Priority))
	msg.Header.Set("Event-Type", env.EventType)

	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("bus: publish %s/%s: %w", topic, env.EventID, err)
	}
	return nil
}

// Subscribe creates a durable pull consumer named groupID filtered to
// topics, and starts a poll loop that feeds Delivered values to the
// returned Subscription until ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, topics []string, groupID string, opts ...SubscribeOption) (Subscription, error) {
	cfg := SubscribeOptions{MaxBatch: defaultMaxBatch, PollTimeout: defaultPollTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	filters := make([]string, 0, len(topics))
	for _, topic := range topics {
		filters = append(filters, fmt.Sprintf("%s.%s.>", b.streamName, topic))
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.streamName, jetstream.ConsumerConfig{
		Durable:        groupID,
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer %s: %w", groupID, err)
	}

	sub := &natsSubscription{
		consumer: consumer,
		cfg:      cfg,
		out:      make(chan Delivered),
		logger:   b.logger.With("group_id", groupID, "topics", topics),
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel
	sub.wg.Add(1)
	go sub.run(subCtx)

	return sub, nil
}

func (b *NATSBus) Close(ctx context.Context) error {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
	return nil
}

type natsSubscription struct {
	consumer jetstream.Consumer
	cfg      SubscribeOptions
	out      chan Delivered
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func (s *natsSubscription) Messages() <-chan Delivered { return s.out }

func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
	})
	s.wg.Wait()
	return nil
}

// run implements the fetch loop: poll with a bounded timeout, deliver
// up to max-batch, hand each message to the caller via out. No new polls
// happen once ctx is done.
func (s *natsSubscription) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.out)

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := s.consumer.Fetch(s.cfg.MaxBatch, jetstream.FetchMaxWait(s.cfg.PollTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("bus: fetch error", "error", err)
			continue
		}

		for msg := range batch.Messages() {
			s.deliver(ctx, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("bus: batch error", "error", err)
		}
	}
}

func (s *natsSubscription) deliver(ctx context.Context, msg jetstream.Msg) {
	env, err := unmarshalEnvelope(msg.Data())
	if err == nil && !s.cfg.allows(env.Priority) {
		_ = msg.Ack()
		return
	}

	topic := topicFromSubject(msg.Subject())
	delivered := Delivered{
		Topic:       topic,
		Envelope:    env,
		DecodeError: err,
		Ack:         msg.Ack,
		Nak:         func() error { return msg.Nak() },
	}

	select {
	case s.out <- delivered:
	case <-ctx.Done():
	}
}

// topicFromSubject recovers the topic name from a "<stream>.<topic>.<partition>"
// subject.
func topicFromSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 {
		return subject
	}
	return parts[1]
}
