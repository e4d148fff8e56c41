package rbf

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
)

// pendingRequest is a single in-flight client call awaiting a reply.
type pendingRequest struct {
	requestID string
	path      string
	input     json.RawMessage
	resolve   chan pendingResult
}

type pendingResult struct {
	data json.RawMessage
	err  error
}

// pendingTable is the concurrent map of outstanding client requests,
// keyed by reply id. The creator writes; the Reply Inbox or the settle
// path on timeout/cancellation deletes.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(replyID string, p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[replyID] = p
}

func (t *pendingTable) remove(replyID string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[replyID]
	if ok {
		delete(t.m, replyID)
	}
	return p, ok
}

func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingRequest, 0, len(t.m))
	for k, p := range t.m {
		out = append(out, p)
		delete(t.m, k)
	}
	return out
}

// runReplyInbox subscribes on "<inboxAddress>.*" and demultiplexes
// replies to pending client requests until ctx is cancelled.
func (s *Server) runReplyInbox(ctx context.Context) {
	sub, err := s.bus.SubscribeInbox(ctx, s.config.InboxAddress)
	if err != nil {
		log.Printf("rbf: reply inbox subscribe failed: %v", err)
		return
	}
	defer sub.Close()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("rbf: reply inbox read failed: %v", err)
			continue
		}
		s.dispatchReply(msg)
	}
}

func (s *Server) dispatchReply(msg InboxMessage) {
	subject := msg.Subject()
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return
	}
	replyID := subject[idx+1:]

	pending, ok := s.pending.remove(replyID)
	if !ok {
		// Late arrival after the caller's timeout; drop it.
		return
	}

	statusStr := msg.Header(headerStatus)
	if statusStr == "" {
		pending.resolve <- pendingResult{err: InternalServerError("reply missing Status-Code header")}
		return
	}
	status, err := strconv.Atoi(statusStr)
	if err != nil {
		pending.resolve <- pendingResult{err: InternalServerError("reply has a malformed Status-Code header")}
		return
	}
	if status != 200 {
		var body struct {
			Code    Code   `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Data(), &body); err != nil {
			pending.resolve <- pendingResult{err: InternalServerError("reply has a malformed error body")}
			return
		}
		pending.resolve <- pendingResult{err: NewError(body.Code, body.Message)}
		return
	}
	pending.resolve <- pendingResult{data: msg.Data()}
}
