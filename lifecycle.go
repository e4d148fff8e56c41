package rbf

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Start launches the Reply Inbox, the combined Outbox Dispatcher/Result
// Reaper loop, and one consumer loop per declared queue, all gated by a
// single cancellation token. Start is idempotent-rejecting: calling it
// again before Stop fails loudly.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("rbf: server already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g := &errgroup.Group{}
	s.cancel = cancel
	s.group = g
	s.started = true
	s.mu.Unlock()

	g.Go(func() error {
		s.runReplyInbox(runCtx)
		return nil
	})
	g.Go(func() error {
		s.runOutboxAndReaper(runCtx)
		return nil
	})

	for name, decl := range s.queues {
		consumer, err := s.bus.DurableConsumer(runCtx, name, decl.subjectPrefix)
		if err != nil {
			cancel()
			g.Wait()
			s.mu.Lock()
			s.started = false
			s.mu.Unlock()
			return fmt.Errorf("rbf: start consumer for queue %q: %w", name, err)
		}
		prefix, c := decl.subjectPrefix, consumer
		g.Go(func() error {
			s.runQueueConsumer(runCtx, c, prefix)
			return nil
		})
	}

	return nil
}

// runQueueConsumer polls a durable consumer and dispatches each delivery
// to handleMessage, bounding in-flight handler invocations to
// Config.QueueConcurrency.
func (s *Server) runQueueConsumer(ctx context.Context, consumer Consumer, subjectPrefix string) {
	defer consumer.Close()

	sem := semaphore.NewWeighted(int64(s.config.QueueConcurrency))
	var wg sync.WaitGroup
	// Tracks handler goroutines spawned below so this function, and in
	// turn the errgroup Stop waits on, blocks until every in-flight
	// delivery finishes its transaction.
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := consumer.Fetch(ctx, s.config.QueueConcurrency, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("rbf: consumer fetch failed for %q: %v", subjectPrefix, err)
			continue
		}
		for _, msg := range msgs {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(m Message) {
				defer wg.Done()
				defer sem.Release(1)
				s.handleMessage(ctx, m, subjectPrefix)
			}(msg)
		}
	}
}

// Stop triggers the cancellation token, closes all bus subscriptions and
// consumer iterators by cancelling it, awaits all tracked background
// tasks, rejects every pending client request, and resets state so a
// subsequent Start can succeed.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()

	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("rbf: background task error during shutdown: %v", err)
	}

	for _, p := range s.pending.drain() {
		p.resolve <- pendingResult{err: Aborted("server stopped")}
	}

	s.mu.Lock()
	s.started = false
	s.cancel = nil
	s.group = nil
	s.mu.Unlock()
}
