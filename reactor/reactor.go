// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness multiplexer interface.

package reactor

// Interest is the set of readiness conditions a descriptor is registered for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Poller is a thin binding over an edge-triggered OS readiness facility.
// The descriptor value doubles as the registration token.
// A Poller is confined to one goroutine.
type Poller interface {
	// Register adds fd with the given interest set.
	Register(fd uint32, interest Interest) error

	// Modify replaces the interest set of an already registered fd.
	Modify(fd uint32, interest Interest) error

	// Deregister removes fd. Closing the fd afterwards is the caller's job.
	Deregister(fd uint32) error

	// Wait blocks for at most timeoutMs milliseconds (negative blocks forever)
	// and returns the ready events. The returned slice is reused by the next call.
	Wait(timeoutMs int) ([]Event, error)

	// Close releases the underlying OS handle.
	Close() error
}

// Event contains readiness information returned by Wait.
// Error and hang-up conditions are folded into Readable and Writable so that
// the owner observes them through its regular I/O path.
type Event struct {
	Token    uint32
	Readable bool
	Writable bool
}
