// File: internal/netfd/doc.go
// Package netfd
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking TCP socket primitives for the socket registry. Every
// descriptor created here is non-blocking and close-on-exec; the descriptor
// value is the registry token. Linux only, other platforms get a stub.

package netfd
