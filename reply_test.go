package rbf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchReplyMissingStatusCodeRejectsInternalError(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeBus{})

	p := &pendingRequest{requestID: "r1", resolve: make(chan pendingResult, 1)}
	srv.pending.add("reply-1", p)

	srv.dispatchReply(&fakeInboxMessage{subject: "inbox.proc.reply-1", data: []byte(`{}`)})

	res := <-p.resolve
	require.Error(t, res.err)
	rbfErr, ok := res.err.(*Error)
	require.True(t, ok)
	assert.Equal(t, CodeInternalServerError, rbfErr.Code)
}

func TestDispatchReplyLateArrivalIsDropped(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeBus{})

	// No pending entry registered for this reply id; dispatch must not
	// panic or block.
	srv.dispatchReply(&fakeInboxMessage{
		subject: "inbox.proc.reply-none",
		data:    []byte(`{}`),
		headers: map[string]string{headerStatus: "200"},
	})
}

func TestPendingTableDrainRemovesAllOutstanding(t *testing.T) {
	pt := newPendingTable()
	p1 := &pendingRequest{resolve: make(chan pendingResult, 1)}
	p2 := &pendingRequest{resolve: make(chan pendingResult, 1)}
	pt.add("r1", p1)
	pt.add("r2", p2)

	drained := pt.drain()
	assert.Len(t, drained, 2)

	_, ok := pt.remove("r1")
	assert.False(t, ok, "drain must empty the table")
}
