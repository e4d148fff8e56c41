package rbf

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rbfio/rbf/idgen"
)

// RequestOptions configures a single raw request.
type RequestOptions struct {
	// RequestID is the application-level idempotency key. A fresh one
	// is generated if empty.
	RequestID string
	Input     any
	Headers   map[string]string
}

// Request publishes a request to topic and waits for the matching reply,
// correlating it through the Reply Inbox. The pending entry is always
// removed on settle, whether by reply, cancellation, or timeout.
func (s *Server) Request(ctx context.Context, topic string, opts RequestOptions) (json.RawMessage, error) {
	requestID := opts.RequestID
	if requestID == "" {
		requestID = idgen.New()
	}
	input, err := json.Marshal(opts.Input)
	if err != nil {
		return nil, err
	}

	replyID := idgen.New()
	replySubject := s.config.InboxAddress + "." + replyID
	pending := &pendingRequest{
		requestID: requestID,
		path:      topic,
		input:     input,
		resolve:   make(chan pendingResult, 1),
	}
	s.pending.add(replyID, pending)
	settled := false
	cleanup := func() {
		if !settled {
			s.pending.remove(replyID)
			settled = true
		}
	}
	defer cleanup()

	headers := map[string]string{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers[headerRequestID] = requestID
	headers[headerReplyTo] = replySubject

	if err := s.bus.Publish(ctx, topic, input, headers, replySubject); err != nil {
		return nil, Aborted("publish failed: " + err.Error())
	}

	select {
	case <-ctx.Done():
		return nil, Aborted("request cancelled")
	case res := <-pending.resolve:
		settled = true
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	}
}

// RetryOptions configures the retrying request layer.
type RetryOptions struct {
	RequestID string
	Input     any
	Headers   map[string]string

	// Retries is the number of attempts. Zero uses Config.DefaultRetries.
	Retries int
	// Timeout is the per-attempt timeout. Zero uses
	// Config.DefaultRequestTimeout.
	Timeout time.Duration
}

// RequestWithRetries calls Request up to Retries times with a fresh
// per-attempt timeout, short-circuiting on caller cancellation or a
// business error (status < 499), and propagating the last error on
// exhaustion. The request id is stable across attempts, so server-side
// idempotency makes retries safe. The overall call, across every
// attempt, is additionally bounded by Config.RequestMaxAge.
func (s *Server) RequestWithRetries(ctx context.Context, topic string, opts RetryOptions) (json.RawMessage, error) {
	retries := opts.Retries
	if retries == 0 {
		retries = s.config.DefaultRetries
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultRequestTimeout
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = idgen.New()
	}

	ctx, cancelOverall := context.WithTimeout(ctx, s.config.RequestMaxAge)
	defer cancelOverall()

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, Aborted("request max age exceeded")
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		data, err := s.Request(attemptCtx, topic, RequestOptions{
			RequestID: requestID,
			Input:     opts.Input,
			Headers:   opts.Headers,
		})
		cancel()
		if err == nil {
			return data, nil
		}
		lastErr = err

		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, err
		}
		if _, isBiz := AsBusinessError(err); isBiz {
			return nil, err
		}
		if attempt == retries {
			return nil, err
		}
	}
	return nil, lastErr
}
