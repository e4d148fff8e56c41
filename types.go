package rbf

import (
	"context"
	"encoding/json"

	"github.com/rbfio/rbf/path"
	"github.com/rbfio/rbf/scheduler"
)

// Kind distinguishes a read-only query from a state-changing mutation.
type Kind int

const (
	Query Kind = iota
	Mutation
)

// HandlerContext is what a registered handler receives: the transaction
// it runs inside, the decoded path parameters, the raw JSON input, and
// (mutations only) the Scheduler for staging follow-up work.
type HandlerContext struct {
	Context context.Context
	Tx      Tx
	Input   json.RawMessage
	Params  path.Params

	// Scheduler is nil for queries.
	Scheduler *scheduler.Scheduler
}

// HandlerFunc is a registered query or mutation implementation. Its
// return value is marshaled as the reply body on success; returning a
// *Error short-circuits to a business-error reply.
type HandlerFunc func(hc *HandlerContext) (any, error)

// Middleware wraps a HandlerFunc to produce another, e.g. for auth,
// validation, or context enrichment. The middleware chain runs in
// registration order before the handler.
type Middleware func(next HandlerFunc) HandlerFunc

// Registration is one declared path's kind, middleware chain, and
// handler. Immutable once stored in the registry.
type Registration struct {
	Kind       Kind
	Path       string
	Middleware []Middleware
	Handler    HandlerFunc
}

func (r *Registration) chain() HandlerFunc {
	h := r.Handler
	for i := len(r.Middleware) - 1; i >= 0; i-- {
		h = r.Middleware[i](h)
	}
	return h
}
