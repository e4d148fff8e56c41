package rbf

import (
	"context"
	"time"
)

// Message is an inbound delivery from a queue consumer.
type Message interface {
	Subject() string
	Data() []byte
	Header(key string) string
	Ack() error
	Nak(delay time.Duration) error
}

// Consumer is a durable, pull-based bus consumer bound to one queue.
type Consumer interface {
	// Fetch waits up to maxWait for up to batch messages.
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Message, error)
	// Close releases the consumer's resources.
	Close() error
}

// InboxMessage is an inbound reply delivered to the Reply Inbox
// subscription.
type InboxMessage interface {
	Subject() string
	Data() []byte
	Header(key string) string
}

// InboxSubscription is the Reply Inbox's single wildcard subscription.
type InboxSubscription interface {
	// Next blocks until the next inbox message arrives or ctx is done.
	Next(ctx context.Context) (InboxMessage, error)
	Close() error
}

// Bus is the transport collaborator: any subject-addressed, at-least-once
// message bus with durable consumers, publish-time dedup ids, headers,
// and per-subscription inboxes.
type Bus interface {
	// Publish sends data to subject with the given headers and an
	// optional dedup id (msgID); an empty msgID disables dedup.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string, msgID string) error

	// DurableConsumer returns (creating if necessary) a durable pull
	// consumer subscribed to subject on the named queue.
	DurableConsumer(ctx context.Context, queueName, subject string) (Consumer, error)

	// SubscribeInbox subscribes to the wildcard subject
	// "<inboxAddress>.*" for the Reply Inbox.
	SubscribeInbox(ctx context.Context, inboxAddress string) (InboxSubscription, error)
}
