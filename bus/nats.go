package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KeyHeader carries the routing key on the wire.
const KeyHeader = "Conductor-Key"

const (
	fetchWait      = 5 * time.Second
	defaultAckWait = 2 * time.Minute
	maxDeliver     = 5
)

// NATSBus implements Bus on NATS. Topic publishes use core NATS; durable
// mirrors and consumer groups use JetStream. Streams are created lazily and
// cached.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
	subs    []Subscription
	closed  bool
}

// NewNATSBus wraps an established NATS connection.
func NewNATSBus(conn *nats.Conn, logger *slog.Logger) (*NATSBus, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	return &NATSBus{
		conn:    conn,
		js:      js,
		logger:  logger,
		streams: make(map[string]jetstream.Stream),
	}, nil
}

// Connect dials the NATS server and returns a bus over the connection.
func Connect(url string, logger *slog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return NewNATSBus(conn, logger)
}

// StreamName derives a JetStream stream name from a subject. Stream names
// may not contain the separator characters subjects use.
func StreamName(subject string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "*", "ANY", ">", "ALL")
	return strings.ToUpper(r.Replace(subject))
}

// ensureStream creates or fetches the stream capturing a subject.
func (b *NATSBus) ensureStream(ctx context.Context, subject string) (jetstream.Stream, error) {
	name := StreamName(subject)

	b.mu.Lock()
	if s, ok := b.streams[name]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}

	b.mu.Lock()
	b.streams[name] = stream
	b.mu.Unlock()
	return stream, nil
}

// Publish implements Bus. The routing key rides a message header; NATS
// preserves publish order per connection, which gives per-key ordering for
// a single publisher.
func (b *NATSBus) Publish(ctx context.Context, topic, key string, data []byte) error {
	msg := &nats.Msg{Subject: topic, Data: data, Header: nats.Header{}}
	if key != "" {
		msg.Header.Set(KeyHeader, key)
	}
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return b.conn.PublishMsg(msg)
	}
	if err := backoff.Retry(op, publishBackoff(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishMirrored implements Bus. The mirror append is acknowledged by the
// server before returning, so a nil error means the message is durable.
func (b *NATSBus) PublishMirrored(ctx context.Context, topic, streamSubject, key string, data []byte) error {
	if err := b.Publish(ctx, topic, key, data); err != nil {
		return err
	}
	if _, err := b.ensureStream(ctx, streamSubject); err != nil {
		return err
	}
	msg := &nats.Msg{Subject: streamSubject, Data: data, Header: nats.Header{}}
	if key != "" {
		msg.Header.Set(KeyHeader, key)
	}
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		_, err := b.js.PublishMsg(ctx, msg)
		return err
	}
	if err := backoff.Retry(op, publishBackoff(ctx)); err != nil {
		return fmt.Errorf("mirror %s: %w", streamSubject, err)
	}
	return nil
}

// publishBackoff bounds transient-publish retries; the caller surfaces the
// final error.
func publishBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(bo, ctx)
}

// GroupSubscribe implements Bus. The group maps to a durable JetStream
// consumer on a stream capturing the topic; the fetch loop delivers each
// message to exactly one group member and redelivers on handler error.
func (b *NATSBus) GroupSubscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error) {
	stream, err := b.ensureStream(ctx, topic)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       group,
		FilterSubject: topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       defaultAckWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", group, topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &groupSub{cancel: cancel, done: make(chan struct{})}
	go b.consumeLoop(subCtx, consumer, topic, h, sub.done)

	b.trackSub(sub)
	return sub, nil
}

// consumeLoop continuously fetches from the durable consumer until the
// context is cancelled.
func (b *NATSBus) consumeLoop(ctx context.Context, consumer jetstream.Consumer, topic string, h Handler, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "topic", topic, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			b.deliver(ctx, topic, msg, h)
		}
		if err := msgs.Error(); err != nil && err != context.DeadlineExceeded {
			b.logger.Warn("message fetch error", "topic", topic, "error", err)
		}
	}
}

func (b *NATSBus) deliver(ctx context.Context, topic string, msg jetstream.Msg, h Handler) {
	m := Message{Topic: topic, Data: msg.Data()}
	if hdr := msg.Headers(); hdr != nil {
		m.Key = hdr.Get(KeyHeader)
	}
	if err := h(ctx, m); err != nil {
		b.logger.Warn("handler rejected message", "topic", topic, "error", err)
		if err := msg.Nak(); err != nil {
			b.logger.Warn("failed to NAK message", "topic", topic, "error", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("failed to ACK message", "topic", topic, "error", err)
	}
}

// Subscribe implements Bus with a core NATS subscription: at-most-once, no
// durability.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	natsSub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		m := Message{Topic: topic, Data: msg.Data}
		if msg.Header != nil {
			m.Key = msg.Header.Get(KeyHeader)
		}
		if err := h(ctx, m); err != nil {
			b.logger.Warn("subscriber handler failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub := &coreSub{sub: natsSub}
	b.trackSub(sub)
	return sub, nil
}

func (b *NATSBus) trackSub(s Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

// Close implements Bus.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Drain(); err != nil {
			b.logger.Warn("drain subscription", "error", err)
		}
	}
	return b.conn.Drain()
}

// groupSub is a durable consumer's handle.
type groupSub struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Drain implements Subscription.
func (s *groupSub) Drain() error {
	s.once.Do(s.cancel)
	select {
	case <-s.done:
	case <-time.After(fetchWait + time.Second):
	}
	return nil
}

// coreSub wraps an ephemeral NATS subscription.
type coreSub struct {
	sub *nats.Subscription
}

// Drain implements Subscription.
func (s *coreSub) Drain() error {
	return s.sub.Drain()
}
