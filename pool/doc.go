// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-bus: fixed-size receive buffers recycled across
// readiness notifications so the event loop does not allocate per read.
package pool
