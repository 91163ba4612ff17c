// Package bus provides the message bus port: topic publish/subscribe with an
// optional durable stream mirror, keyed ordering, and consumer groups.
package bus

import "context"

// Message is a single bus delivery handed to a Handler.
type Message struct {
	Topic string
	// Key is the routing key the publisher attached; per key, publishes
	// are delivered in publish order.
	Key  string
	Data []byte
}

// Handler processes one delivery. Returning an error requeues the message
// for redelivery; a nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live consumer that can be drained on shutdown.
type Subscription interface {
	// Drain stops delivery and waits for the in-flight handler to return.
	Drain() error
}

// Bus is the transport port consumed by the dispatcher, scheduler, and
// aggregator. Implementations must preserve per-key publish order and
// deliver group-subscribed messages to exactly one member of the group.
type Bus interface {
	// Publish sends data on a topic with a routing key. Fire-and-forget
	// with respect to durability.
	Publish(ctx context.Context, topic, key string, data []byte) error

	// PublishMirrored publishes to the topic and additionally appends the
	// same bytes to the named durable stream subject for replay.
	PublishMirrored(ctx context.Context, topic, streamSubject, key string, data []byte) error

	// GroupSubscribe binds a durable consumer group to a topic. Each
	// message is delivered to one group member and redelivered until
	// acknowledged by a nil handler return.
	GroupSubscribe(ctx context.Context, topic, group string, h Handler) (Subscription, error)

	// Subscribe attaches an ephemeral, at-most-once subscriber to a topic.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

	// Close drains all subscriptions and closes the connection.
	Close() error
}
