// Package natsbus implements rbf.Bus over NATS JetStream, using the
// modern github.com/nats-io/nats.go/jetstream pull-consumer API: a
// durable, explicit-ack consumer per queue and publish-time dedup via the
// Nats-Msg-Id header.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rbfio/rbf"
)

const (
	msgIDHeader = "Nats-Msg-Id"

	// consumerMaxAckPending bounds how many unacked deliveries a pull
	// consumer will hand out at once.
	consumerMaxAckPending = 1024
)

// Bus is a NATS JetStream-backed rbf.Bus.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream

	streamNamePrefix string
}

// Config configures a Bus.
type Config struct {
	// StreamNamePrefix names the JetStream stream this Bus provisions
	// for queue subjects.
	StreamNamePrefix string
}

// New wraps an existing NATS connection.
func New(nc *nats.Conn, cfg Config) (*Bus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natsbus: create jetstream context: %w", err)
	}
	prefix := cfg.StreamNamePrefix
	if prefix == "" {
		prefix = "RBF"
	}
	return &Bus{nc: nc, js: js, streamNamePrefix: prefix}, nil
}

// Publish implements rbf.Bus. It publishes through JetStream so messages
// landing on a subject covered by a declared queue stream get durable,
// deduplicated delivery; subjects outside any stream (replies, in
// particular) fall back to a plain core-NATS publish.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string, msgID string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if msgID != "" {
		msg.Header.Set(msgIDHeader, msgID)
	}

	_, err := b.js.PublishMsg(ctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, jetstream.ErrNoStreamResponse) {
		if pubErr := b.nc.PublishMsg(msg); pubErr != nil {
			return fmt.Errorf("natsbus: publish to %s: %w", subject, pubErr)
		}
		return nil
	}
	return fmt.Errorf("natsbus: publish to %s: %w", subject, err)
}

// DurableConsumer implements rbf.Bus. It ensures a stream covering
// subject exists, then creates or attaches to a durable, explicit-ack
// pull consumer filtered to subject.
func (b *Bus) DurableConsumer(ctx context.Context, queueName, subject string) (rbf.Consumer, error) {
	streamName := b.streamNamePrefix + "_" + queueName
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject + ".>", subject},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: ensure stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       queueName,
		FilterSubject: subject + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: consumerMaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("natsbus: create consumer %s: %w", queueName, err)
	}
	return &consumerWrapper{consumer: consumer}, nil
}

// SubscribeInbox implements rbf.Bus with a plain (non-JetStream) core
// NATS subscription: reply delivery has no durability requirement, only
// in-process demultiplexing for the lifetime of the subscription.
func (b *Bus) SubscribeInbox(ctx context.Context, inboxAddress string) (rbf.InboxSubscription, error) {
	ch := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(inboxAddress+".*", ch)
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe inbox %s: %w", inboxAddress, err)
	}
	return &inboxSubscription{sub: sub, ch: ch}, nil
}

type consumerWrapper struct {
	consumer jetstream.Consumer
}

func (c *consumerWrapper) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]rbf.Message, error) {
	msgBatch, err := c.consumer.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, err
	}
	var out []rbf.Message
	for msg := range msgBatch.Messages() {
		out = append(out, &messageWrapper{msg: msg})
	}
	if err := msgBatch.Error(); err != nil && err != nats.ErrTimeout {
		return out, err
	}
	return out, nil
}

func (c *consumerWrapper) Close() error { return nil }

type messageWrapper struct {
	msg jetstream.Msg
}

func (m *messageWrapper) Subject() string { return m.msg.Subject() }
func (m *messageWrapper) Data() []byte    { return m.msg.Data() }

func (m *messageWrapper) Header(key string) string {
	return m.msg.Headers().Get(key)
}

func (m *messageWrapper) Ack() error { return m.msg.Ack() }

func (m *messageWrapper) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}

type inboxSubscription struct {
	sub *nats.Subscription
	ch  chan *nats.Msg
}

func (s *inboxSubscription) Next(ctx context.Context) (rbf.InboxMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("natsbus: inbox subscription closed")
		}
		return &inboxMessage{msg: msg}, nil
	}
}

func (s *inboxSubscription) Close() error {
	return s.sub.Unsubscribe()
}

type inboxMessage struct {
	msg *nats.Msg
}

func (m *inboxMessage) Subject() string { return m.msg.Subject }
func (m *inboxMessage) Data() []byte    { return m.msg.Data }
func (m *inboxMessage) Header(key string) string {
	if m.msg.Header == nil {
		return ""
	}
	return m.msg.Header.Get(key)
}
