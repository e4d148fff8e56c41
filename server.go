package rbf

import (
	"context"
	"fmt"
	"sync"

	"github.com/rbfio/rbf/path"
	"golang.org/x/sync/errgroup"
)

// Server is the framework's process-wide entry point: it holds the path
// registry, the Store and Bus collaborators, and (once Start is called)
// the Reply Inbox, Outbox Dispatcher, Result Reaper, and one consumer
// loop per registered queue.
type Server struct {
	config Config
	store  Store
	bus    Bus

	registry *path.Registry[*Registration]

	pending *pendingTable

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	queues  map[string]queueDecl
}

type queueDecl struct {
	name          string
	subjectPrefix string
}

// New constructs a Server. The registry is empty; register paths with
// RegisterQuery and RegisterMutation before calling Start.
func New(cfg Config, store Store, bus Bus) (*Server, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("rbf: Config.Namespace is required")
	}
	return &Server{
		config:   cfg.withDefaults(),
		store:    store,
		bus:      bus,
		registry: path.New[*Registration](),
		pending:  newPendingTable(),
		queues:   make(map[string]queueDecl),
	}, nil
}

// RegisterQuery declares a read-only handler at pathPattern.
func (s *Server) RegisterQuery(pathPattern string, handler HandlerFunc, mw ...Middleware) error {
	return s.register(Query, pathPattern, handler, mw)
}

// RegisterMutation declares a state-changing handler at pathPattern.
func (s *Server) RegisterMutation(pathPattern string, handler HandlerFunc, mw ...Middleware) error {
	return s.register(Mutation, pathPattern, handler, mw)
}

func (s *Server) register(kind Kind, pathPattern string, handler HandlerFunc, mw []Middleware) error {
	reg := &Registration{Kind: kind, Path: pathPattern, Middleware: mw, Handler: handler}
	return s.registry.Register(pathPattern, reg)
}

// DeclareQueue registers a queue this process should consume, subscribed
// on "<SubjectPrefix><subject>". Consumer loops are started by Start.
func (s *Server) DeclareQueue(name, subject string) {
	s.queues[name] = queueDecl{name: name, subjectPrefix: s.config.SubjectPrefix + subject}
}

// Config returns the server's effective (defaulted) configuration.
func (s *Server) Config() Config { return s.config }
