package rbf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/rbfio/rbf/scheduler"
)

const (
	headerRequestID = "Request-Id"
	headerReplyTo   = "Reply-To"
	headerStatus    = "Status-Code"
)

// errLostInsertRace signals that a concurrent delivery already committed
// the result row for this request id; it forces a transaction rollback
// so only the first writer's effects survive.
var errLostInsertRace = errors.New("rbf: result insert lost race")

// handleMessage runs the Message Handler pipeline of §4.3 for one
// delivery from a queue consumer bound to subjectPrefix.
func (s *Server) handleMessage(ctx context.Context, msg Message, subjectPrefix string) {
	// 1. Subject strip.
	key, ok := strings.CutPrefix(msg.Subject(), subjectPrefix)
	if ok && subjectPrefix != "" && !strings.HasSuffix(subjectPrefix, ".") {
		key, ok = strings.CutPrefix(key, ".")
	}
	if !ok {
		s.reply404(ctx, msg)
		ackOrLog(msg)
		return
	}

	// 2. Registry match.
	reg, params, ok := s.registry.Match(key)
	if !ok {
		s.reply404(ctx, msg)
		ackOrLog(msg)
		return
	}

	// 3. Header extraction.
	requestID := msg.Header(headerRequestID)
	if requestID == "" {
		s.reply404(ctx, msg)
		ackOrLog(msg)
		return
	}

	input := json.RawMessage(msg.Data())
	canonicalInput, err := canonicalJSON(input)
	if err != nil {
		s.replyError(ctx, msg, BadRequest("malformed JSON body"))
		ackOrLog(msg)
		return
	}

	mode := ReadOnly
	if reg.Kind == Mutation {
		mode = ReadWrite
	}

	var (
		replyStatus int
		replyData   json.RawMessage
		fastPublish []OutboxRow
		skipReply   bool
		nakDelay    time.Duration
		shouldNak   bool
	)

	txErr := s.store.WithTransaction(ctx, s.config.Namespace, mode, func(ctx context.Context, tx Tx) error {
		// 5. Idempotency check.
		existing, err := tx.Result(ctx, s.config.Namespace, requestID)
		if err != nil {
			return fmt.Errorf("load existing result: %w", err)
		}
		if existing != nil {
			existingCanonical, err := canonicalJSON(existing.RequestedInput)
			if err != nil {
				return fmt.Errorf("canonicalize stored input: %w", err)
			}
			if existing.RequestedPath != key || !bytes.Equal(existingCanonical, canonicalInput) {
				replyStatus = CodeRequestIDConflict.Status()
				replyData = errorBody(RequestIDConflict("request id reused with a different path or input"))
				return nil
			}
			replyStatus = existing.Status
			replyData = existing.Data
			residual, err := tx.OutboxBySourceRequestID(ctx, s.config.Namespace, requestID)
			if err != nil {
				return fmt.Errorf("load residual outbox rows: %w", err)
			}
			fastPublish = residual
			return nil
		}

		// 6. Middleware + handler.
		sched := (*scheduler.Scheduler)(nil)
		if reg.Kind == Mutation {
			sched = scheduler.New()
		}
		hc := &HandlerContext{Context: ctx, Tx: tx, Input: input, Params: params, Scheduler: sched}
		result, herr := reg.chain()(hc)

		var status int
		var data json.RawMessage
		if herr != nil {
			if typedErr, isTyped := AsTypedError(herr); isTyped {
				status = typedErr.Status()
				data = errorBody(typedErr)
			} else {
				if sched != nil {
					if d, ok := sched.RetryDelay(); ok {
						nakDelay = d
					}
				}
				shouldNak = true
				skipReply = true
				return herr
			}
		} else {
			status = 200
			data, err = json.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal handler result: %w", err)
			}
		}

		replyStatus = status
		replyData = data

		if reg.Kind != Mutation {
			return nil
		}

		// 7. Persist result and outbox.
		resultRow := Result{
			RequestID:      requestID,
			RequestedPath:  key,
			RequestedInput: canonicalInput,
			Data:           data,
			Status:         status,
		}
		inserted, err := tx.InsertResult(ctx, s.config.Namespace, resultRow)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if !inserted {
			// A competing worker already committed a result for this
			// request id; roll back our own effects so only the first
			// writer's side effects survive, and nak for redelivery.
			shouldNak = true
			skipReply = true
			return errLostInsertRace
		}

		var rows []OutboxRow
		for _, item := range sched.Items() {
			rows = append(rows, outboxRowFromItem(requestID, item))
		}
		if len(rows) > 0 {
			if err := tx.InsertOutboxRows(ctx, s.config.Namespace, rows); err != nil {
				return fmt.Errorf("insert outbox rows: %w", err)
			}
			fastPublish = rows
		}
		return nil
	})

	if txErr != nil {
		if shouldNak {
			delay := nakDelay
			if delay == 0 {
				delay = randomNakDelay()
			}
			nakOrLog(msg, delay)
			return
		}
		log.Printf("rbf: transaction failed for request %s: %v", requestID, txErr)
		nakOrLog(msg, randomNakDelay())
		return
	}

	if shouldNak {
		delay := nakDelay
		if delay == 0 {
			delay = randomNakDelay()
		}
		nakOrLog(msg, delay)
		return
	}

	if skipReply {
		return
	}

	// 8. Commit already happened inside WithTransaction; publish reply,
	// then best-effort fast-path publish of captured outbox items.
	s.publishReply(ctx, msg, requestID, replyStatus, replyData)

	var published []OutboxRow
	for _, row := range fastPublish {
		if s.fastPathPublish(ctx, row) {
			published = append(published, row)
		}
	}
	if len(published) > 0 {
		if err := s.deleteOutboxRows(ctx, published); err != nil {
			log.Printf("rbf: fast-path outbox cleanup failed for request %s: %v", requestID, err)
		}
	}

	ackOrLog(msg)
}

func (s *Server) deleteOutboxRows(ctx context.Context, rows []OutboxRow) error {
	for _, row := range rows {
		if err := s.store.DeleteOutboxRow(ctx, s.config.Namespace, row.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) fastPathPublish(ctx context.Context, row OutboxRow) bool {
	headers := map[string]string{}
	if row.Type == string(scheduler.ItemRequest) {
		headers[headerRequestID] = row.ID
	}
	if err := s.bus.Publish(ctx, row.Path, row.Data, headers, row.ID); err != nil {
		log.Printf("rbf: fast-path publish failed for outbox row %s: %v (outbox dispatcher will retry)", row.ID, err)
		return false
	}
	return true
}

func (s *Server) reply404(ctx context.Context, msg Message) {
	s.publishRaw(ctx, msg, CodeNotFound.Status(), nil)
}

func (s *Server) replyError(ctx context.Context, msg Message, err *Error) {
	s.publishRaw(ctx, msg, err.Status(), errorBody(err))
}

func (s *Server) publishReply(ctx context.Context, msg Message, requestID string, status int, data json.RawMessage) {
	replyTo := msg.Header(headerReplyTo)
	if replyTo == "" {
		return
	}
	headers := map[string]string{
		headerRequestID: requestID,
		headerStatus:    strconv.Itoa(status),
	}
	if err := s.bus.Publish(ctx, replyTo, data, headers, ""); err != nil {
		log.Printf("rbf: reply publish failed for request %s: %v", requestID, err)
	}
}

func (s *Server) publishRaw(ctx context.Context, msg Message, status int, data json.RawMessage) {
	replyTo := msg.Header(headerReplyTo)
	if replyTo == "" {
		return
	}
	headers := map[string]string{headerStatus: strconv.Itoa(status)}
	if rid := msg.Header(headerRequestID); rid != "" {
		headers[headerRequestID] = rid
	}
	if err := s.bus.Publish(ctx, replyTo, data, headers, ""); err != nil {
		log.Printf("rbf: reply publish failed: %v", err)
	}
}

func errorBody(err *Error) json.RawMessage {
	body := map[string]any{"code": err.Code, "message": err.Message}
	if err.Data != nil {
		body["data"] = err.Data
	}
	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return json.RawMessage(`{"code":"INTERNAL_SERVER_ERROR","message":"failed to marshal error body"}`)
	}
	return data
}

func canonicalJSON(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func outboxRowFromItem(requestID string, item scheduler.Item) OutboxRow {
	row := OutboxRow{
		ID:              item.ID,
		SourceRequestID: requestID,
		Type:            string(item.Type),
		Path:            item.Path,
		Data:            item.Data,
	}
	if item.TargetAt != nil {
		millis := item.TargetAt.UnixMilli()
		row.TargetAtMillis = &millis
	}
	return row
}

func randomNakDelay() time.Duration {
	return time.Duration(1000+rand.Intn(2000)) * time.Millisecond
}

func ackOrLog(msg Message) {
	if err := msg.Ack(); err != nil {
		log.Printf("rbf: ack failed: %v", err)
	}
}

func nakOrLog(msg Message, delay time.Duration) {
	if err := msg.Nak(delay); err != nil {
		log.Printf("rbf: nak failed: %v", err)
	}
}
