// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package socket implements the single-threaded non-blocking socket engine:
// the SocketMgr registry that owns every connection and the readiness poller,
// and the SocketListener / SocketStream state machines driven by readiness
// events.
//
// Everything in this package runs on the goroutine that calls SocketMgr.Wait.
// Close only marks intent: objects leave the registry during the eviction
// sweep at the start of the next Wait, when their Update(now) returns true.
package socket
