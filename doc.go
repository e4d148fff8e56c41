// Package rbf turns a subject-addressed, at-least-once message bus with
// durable consumers, plus a relational database with serializable
// transactions, into a platform for exactly-once-effective request/reply
// and job processing.
//
// Applications construct a Server with a Store and a Bus implementation,
// register queries and mutations under dotted paths, declare the queues
// this process consumes, and call Start. Mutation handlers receive a
// *scheduler.Scheduler to stage follow-up work that only takes effect if
// their transaction commits; the Server's Outbox Dispatcher and fast-path
// publish drain that work to the bus at least once. The Client Dispatcher
// and Reply Inbox provide the request/reply side for callers, whether
// in-process or in another service reachable over the same bus.
package rbf
