// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// LinkStatus enumerates the lifecycle of a registered socket.
// Listeners only use LinkInit, LinkConnected and LinkClosed.
type LinkStatus int

const (
	LinkInit LinkStatus = iota
	LinkConnecting
	LinkConnected
	LinkClosing
	LinkClosed
)

func (s LinkStatus) String() string {
	switch s {
	case LinkInit:
		return "init"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkClosing:
		return "closing"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Prototype selects how a stream splits its inbound byte sequence into packages.
type Prototype int

const (
	// ProtoPb frames carry a 4-byte native-order length prefix counting the bytes after it.
	ProtoPb Prototype = iota
	// ProtoRpc frames start with a RouterHeader whose len field counts the bytes after the header.
	ProtoRpc
	// ProtoText is unframed: every chunk read from the socket is delivered as is.
	ProtoText
	ProtoMax
)

func (p Prototype) String() string {
	switch p {
	case ProtoPb:
		return "pb"
	case ProtoRpc:
		return "rpc"
	case ProtoText:
		return "text"
	default:
		return "max"
	}
}

// Callback slots a collaborator installs per token.
type (
	// ErrorFunc receives the terminal I/O error of a socket. Called at most once.
	ErrorFunc func(err error)
	// AcceptFunc receives the token of a freshly accepted stream.
	AcceptFunc func(token uint32)
	// ConnectFunc reports the outcome of a non-blocking connect.
	ConnectFunc func(ok bool, reason string)
	// PackageFunc receives one complete frame. The slice is only valid during the call.
	PackageFunc func(data []byte)
)
