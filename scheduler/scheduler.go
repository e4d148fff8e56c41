// Package scheduler implements the per-invocation outbox accumulator
// handed to mutation handlers: a place to stage follow-up publishes that
// only take effect if the enclosing transaction commits.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/rbfio/rbf/idgen"
)

// ItemType distinguishes a follow-up mutation request from a raw message.
type ItemType string

const (
	// ItemRequest is a follow-up mutation invocation, delivered with a
	// Request-Id header equal to the item's id.
	ItemRequest ItemType = "request"
	// ItemMessage is a raw publish with no request semantics.
	ItemMessage ItemType = "message"
)

// Item is one staged outbox entry. TargetAt is nil for items that should
// be published as soon as the dispatcher's grace period allows.
type Item struct {
	ID       string
	Type     ItemType
	Path     string
	Data     json.RawMessage
	TargetAt *time.Time
}

// Scheduler accumulates outbox items and an optional retry-delay override
// during a single handler invocation. It has no side effects on the bus;
// its contents are materialised into outbox rows only if the enclosing
// transaction commits.
type Scheduler struct {
	items      []Item
	retryDelay *time.Duration
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Enqueue stages a follow-up mutation call at targetPath with input as its
// body, to run as soon as the dispatcher picks it up.
func (s *Scheduler) Enqueue(targetPath string, input any) error {
	return s.stage(targetPath, input, ItemRequest, nil)
}

// RunAt stages a follow-up mutation call to run no earlier than at.
func (s *Scheduler) RunAt(at time.Time, targetPath string, input any) error {
	return s.stage(targetPath, input, ItemRequest, &at)
}

// RunAfter stages a follow-up mutation call to run no earlier than d from
// now.
func (s *Scheduler) RunAfter(d time.Duration, targetPath string, input any) error {
	at := time.Now().Add(d)
	return s.stage(targetPath, input, ItemRequest, &at)
}

// Publish stages a raw message publish to subject, bypassing request
// semantics entirely.
func (s *Scheduler) Publish(subject string, payload any) error {
	return s.stage(subject, payload, ItemMessage, nil)
}

// SetRetryDelay overrides the default nak delay used if the enclosing
// transaction fails transiently.
func (s *Scheduler) SetRetryDelay(d time.Duration) {
	s.retryDelay = &d
}

// RetryDelay returns the overridden nak delay, if SetRetryDelay was called.
func (s *Scheduler) RetryDelay() (time.Duration, bool) {
	if s.retryDelay == nil {
		return 0, false
	}
	return *s.retryDelay, true
}

// Items returns the accumulated outbox items in the order they were
// staged.
func (s *Scheduler) Items() []Item {
	return s.items
}

func (s *Scheduler) stage(path string, payload any, kind ItemType, targetAt *time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.items = append(s.items, Item{
		ID:       idgen.New(),
		Type:     kind,
		Path:     path,
		Data:     data,
		TargetAt: targetAt,
	})
	return nil
}
