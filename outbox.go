package rbf

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/rbfio/rbf/scheduler"
)

// runOutboxAndReaper co-hosts the Outbox Dispatcher (§4.4) and the Result
// Reaper (§4.5): both run on the same jittered cadence until ctx is
// cancelled.
func (s *Server) runOutboxAndReaper(ctx context.Context) {
	interval := s.config.PeriodicTasksInterval
	for {
		sleep := interval + time.Duration(rand.Int63n(int64(interval/2)+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		s.dispatchOutboxOnce(ctx)
		s.reapResultsOnce(ctx)
	}
}

func (s *Server) dispatchOutboxOnce(ctx context.Context) {
	before := time.Now().Add(-s.config.OutboxGrace).UnixMilli()
	rows, err := s.store.DueOutbox(ctx, s.config.Namespace, before, 256)
	if err != nil {
		log.Printf("rbf: outbox dispatcher scan failed: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, row := range rows {
		if row.TargetAtMillis != nil && *row.TargetAtMillis > now {
			continue
		}

		headers := map[string]string{}
		if row.Type == string(scheduler.ItemRequest) {
			headers[headerRequestID] = row.ID
		}
		if err := s.bus.Publish(ctx, row.Path, row.Data, headers, row.ID); err != nil {
			log.Printf("rbf: outbox dispatcher publish failed for row %s: %v (will retry next cycle)", row.ID, err)
			continue
		}
		if err := s.store.DeleteOutboxRow(ctx, s.config.Namespace, row.ID); err != nil {
			log.Printf("rbf: outbox dispatcher delete failed for row %s: %v", row.ID, err)
		}
	}
}

func (s *Server) reapResultsOnce(ctx context.Context) {
	before := time.Now().Add(-s.config.ResultsMaxAge).UnixMilli()
	n, err := s.store.DeleteResultsOlderThan(ctx, s.config.Namespace, before)
	if err != nil {
		log.Printf("rbf: result reaper failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("rbf: result reaper deleted %d expired result row(s)", n)
	}
}
