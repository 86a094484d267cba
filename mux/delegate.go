package mux

import "github.com/ezex-io/sshmux/scheduler"

// Delegate is the boundary to the transport, per spec.md §2/§5: the only
// shared sink outbound messages flow through, plus the single-threaded
// executor every Mux method must be called from.
type Delegate interface {
	// WriteFromParent hands one connection-layer message to the
	// transport for serialization. completion fires once the write has
	// been handed off (not necessarily acknowledged by the peer); it may
	// be nil when the caller doesn't care.
	WriteFromParent(msg any, completion func(error))

	// FlushFromParent asks the transport to flush any buffered writes.
	FlushFromParent()

	// Executor returns the single-threaded executor this Mux instance
	// (and every child channel it owns) runs on. All public Mux methods
	// assume the caller is already running on it.
	Executor() *scheduler.Executor
}
