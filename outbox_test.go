package rbf

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchOutboxOncePublishesDueRowsAndDeletesOnSuccess(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	srv := newTestServer(t, store, bus)
	srv.config.OutboxGrace = 0

	old := time.Now().Add(-time.Minute).UnixMilli()
	store.outbox["row-1"] = OutboxRow{ID: "row-1", SourceRequestID: "req-1", Type: "message", Path: "events.created", Data: []byte(`{}`), CreatedAtMillis: old}

	srv.dispatchOutboxOnce(context.Background())

	require.Empty(t, store.outbox)
	pub, ok := bus.last()
	require.True(t, ok)
	assert.Equal(t, "events.created", pub.subject)
	assert.Equal(t, "row-1", pub.msgID)
}

func TestDispatchOutboxOnceSkipsFutureTargetAt(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	srv := newTestServer(t, store, bus)
	srv.config.OutboxGrace = 0

	old := time.Now().Add(-time.Minute).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	store.outbox["row-1"] = OutboxRow{ID: "row-1", SourceRequestID: "req-1", Type: "message", Path: "events.created", Data: []byte(`{}`), CreatedAtMillis: old, TargetAtMillis: &future}

	srv.dispatchOutboxOnce(context.Background())

	require.Len(t, store.outbox, 1, "a row targeted in the future must survive this cycle")
	_, published := bus.last()
	assert.False(t, published)
}

func TestReapResultsOnceDeletesExpiredRows(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	srv := newTestServer(t, store, bus)
	srv.config.ResultsMaxAge = time.Hour

	store.results["req-old"] = Result{RequestID: "req-old", CreatedAtMillis: time.Now().Add(-2 * time.Hour).UnixMilli()}
	store.results["req-new"] = Result{RequestID: "req-new", CreatedAtMillis: time.Now().UnixMilli()}

	srv.reapResultsOnce(context.Background())

	require.Len(t, store.results, 1)
	_, stillThere := store.results["req-new"]
	assert.True(t, stillThere)
}
