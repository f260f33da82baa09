// Package roles defines the capability contracts shared by every role in
// the relay: what a downstream declares at connection time, what an
// upstream must report to be paired with it, and the request-identifier
// mapper a proxying upstream uses to multiplex many downstream requesters
// over a single outbound connection.
//
// The package performs no I/O and holds no locks. Values that are shared
// between goroutines (the mapper in particular) are owned by exactly one
// connection and must be serialized by that owner.
package roles
