package rbf

import (
	"time"

	"github.com/rbfio/rbf/idgen"
)

func randomID() string { return idgen.New() }

// Config holds the enumerated, host-supplied settings for a Server.
// Loading these from a file, environment, or flags is an application
// concern; RBF only consumes the resulting struct.
type Config struct {
	// Namespace isolates this RBF instance's results/outbox rows from
	// others sharing the same database. Required.
	Namespace string

	// SubjectPrefix is prepended to every declared queue's subject (see
	// DeclareQueue) to form the subject prefix that queue's consumer
	// subscribes to; a delivered message's subject is that prefix, a '.',
	// and the registered path.
	SubjectPrefix string

	// StreamNamePrefix and ConsumerNamePrefix are carried in the
	// configuration but are not read by the Server: durable consumers are
	// requested from the Bus by queue name alone, and stream and consumer
	// naming is left to the Bus implementation.
	StreamNamePrefix   string
	ConsumerNamePrefix string

	// InboxAddress is the process-unique subject root the Reply Inbox
	// subscribes to, as "<InboxAddress>.*". Defaults to a generated id.
	InboxAddress string

	// PeriodicTasksInterval is the base sleep between Outbox Dispatcher
	// and Result Reaper cycles, before jitter.
	PeriodicTasksInterval time.Duration

	// ResultsMaxAge is how long a result row survives before the
	// Result Reaper deletes it.
	ResultsMaxAge time.Duration

	// RequestMaxAge bounds how long a client request waits for a reply
	// across all retry attempts.
	RequestMaxAge time.Duration

	// DefaultRequestTimeout is the per-attempt timeout used by the
	// Client Dispatcher's retrying request layer.
	DefaultRequestTimeout time.Duration

	// DefaultRetries is the number of attempts the retrying request
	// layer makes before propagating the last error.
	DefaultRetries int

	// OutboxGrace delays the Outbox Dispatcher's scan of a row past its
	// creation instant, so it does not race the Message Handler's
	// post-commit fast-path publish.
	OutboxGrace time.Duration

	// QueueConcurrency bounds in-flight Message Handler invocations per
	// queue consumer. Zero means the default of 1 (one outstanding
	// delivery per consumer iterator).
	QueueConcurrency int
}

// withDefaults fills in zero-valued fields of cfg with their documented
// defaults and returns the result. Namespace is never defaulted: callers
// must set it explicitly.
func (cfg Config) withDefaults() Config {
	if cfg.PeriodicTasksInterval == 0 {
		cfg.PeriodicTasksInterval = 30 * time.Second
	}
	if cfg.ResultsMaxAge == 0 {
		cfg.ResultsMaxAge = 24 * time.Hour
	}
	if cfg.RequestMaxAge == 0 {
		cfg.RequestMaxAge = 5 * time.Minute
	}
	if cfg.DefaultRequestTimeout == 0 {
		cfg.DefaultRequestTimeout = 60 * time.Second
	}
	if cfg.DefaultRetries == 0 {
		cfg.DefaultRetries = 3
	}
	if cfg.OutboxGrace == 0 {
		cfg.OutboxGrace = 5 * time.Second
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 1
	}
	if cfg.InboxAddress == "" {
		cfg.InboxAddress = "inbox." + randomID()
	}
	return cfg
}
