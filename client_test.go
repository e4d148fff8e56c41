package rbf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInboxMessage struct {
	subject string
	data    []byte
	headers map[string]string
}

func (m *fakeInboxMessage) Subject() string { return m.subject }
func (m *fakeInboxMessage) Data() []byte    { return m.data }
func (m *fakeInboxMessage) Header(key string) string {
	return m.headers[key]
}

func TestRequestResolvesOnMatchingReply(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	srv := newTestServer(t, store, bus)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := srv.Request(context.Background(), "things.get", RequestOptions{Input: map[string]string{"id": "1"}})
		done <- result{data, err}
	}()

	var pub fakePublish
	require.Eventually(t, func() bool {
		var ok bool
		pub, ok = bus.last()
		return ok
	}, time.Second, time.Millisecond)

	replyTo := pub.headers[headerReplyTo]
	require.NotEmpty(t, replyTo)

	srv.dispatchReply(&fakeInboxMessage{
		subject: replyTo,
		data:    []byte(`{"id":"1"}`),
		headers: map[string]string{headerStatus: "200"},
	})

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"id":"1"}`, string(res.data))
}

func TestRequestRejectsOnBusinessErrorReply(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	srv := newTestServer(t, store, bus)

	done := make(chan error, 1)
	go func() {
		_, err := srv.Request(context.Background(), "things.get", RequestOptions{})
		done <- err
	}()

	var pub fakePublish
	require.Eventually(t, func() bool {
		var ok bool
		pub, ok = bus.last()
		return ok
	}, time.Second, time.Millisecond)

	replyTo := pub.headers[headerReplyTo]
	srv.dispatchReply(&fakeInboxMessage{
		subject: replyTo,
		data:    []byte(`{"code":"NOT_FOUND","message":"no such thing"}`),
		headers: map[string]string{headerStatus: "404"},
	})

	err := <-done
	require.Error(t, err)
	rbfErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, rbfErr.Code)
}

func TestRequestWithRetriesDoesNotRetryBusinessErrors(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	srv := newTestServer(t, store, bus)

	go func() {
		for {
			pub, ok := bus.last()
			if ok && pub.headers[headerReplyTo] != "" {
				srv.dispatchReply(&fakeInboxMessage{
					subject: pub.headers[headerReplyTo],
					data:    []byte(`{"code":"CONFLICT","message":"nope"}`),
					headers: map[string]string{headerStatus: "409"},
				})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := srv.RequestWithRetries(context.Background(), "things.create", RetryOptions{Retries: 3, Timeout: time.Second})
	require.Error(t, err)
	rbfErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeConflict, rbfErr.Code)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(t, bus.published, 1, "a business error must not be retried")
}

func TestRequestWithRetriesStopsAtRequestMaxAge(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{} // never replies, so every attempt times out
	srv, err := New(Config{
		Namespace:             "test",
		RequestMaxAge:         30 * time.Millisecond,
		DefaultRequestTimeout: 10 * time.Millisecond,
	}, store, bus)
	require.NoError(t, err)

	start := time.Now()
	_, err = srv.RequestWithRetries(context.Background(), "things.create", RetryOptions{Retries: 100})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "RequestMaxAge must bound the call across all attempts")
}
