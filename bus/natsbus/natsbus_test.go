package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbfio/rbf/internal/testnats"
)

func TestPublishAndFetchRoundTrip(t *testing.T) {
	srv, err := testnats.Start(testnats.Config{})
	require.NoError(t, err)
	defer srv.Shutdown()

	bus, err := New(srv.Conn(), Config{StreamNamePrefix: "TEST"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := bus.DurableConsumer(ctx, "widgets", "widgets.jobs")
	require.NoError(t, err)
	defer consumer.Close()

	err = bus.Publish(ctx, "widgets.jobs.create", []byte(`{"name":"gizmo"}`),
		map[string]string{"Request-Id": "req-1"}, "dedup-1")
	require.NoError(t, err)

	msgs, err := consumer.Fetch(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "widgets.jobs.create", msgs[0].Subject())
	assert.Equal(t, `{"name":"gizmo"}`, string(msgs[0].Data()))
	assert.Equal(t, "req-1", msgs[0].Header("Request-Id"))
	assert.NoError(t, msgs[0].Ack())
}

func TestSubscribeInboxDeliversReply(t *testing.T) {
	srv, err := testnats.Start(testnats.Config{})
	require.NoError(t, err)
	defer srv.Shutdown()

	bus, err := New(srv.Conn(), Config{StreamNamePrefix: "TEST"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.SubscribeInbox(ctx, "inbox.proc1")
	require.NoError(t, err)
	defer sub.Close()

	err = bus.Publish(ctx, "inbox.proc1.reply-42", []byte(`{"ok":true}`),
		map[string]string{"Status-Code": "200"}, "")
	require.NoError(t, err)

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inbox.proc1.reply-42", msg.Subject())
	assert.Equal(t, "200", msg.Header("Status-Code"))
}
