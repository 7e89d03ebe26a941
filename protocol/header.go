// File: protocol/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-bus/api"
)

// RpcType is the 4-bit routing tag written into the high nibble of the header context.
type RpcType uint8

const (
	RemoteCall RpcType = iota
	TransferCall
	ForwardTarget
	ForwardMaster
	ForwardBroadcast
	ForwardHash
)

func (t RpcType) String() string {
	switch t {
	case RemoteCall:
		return "remote_call"
	case TransferCall:
		return "transfer_call"
	case ForwardTarget:
		return "forward_target"
	case ForwardMaster:
		return "forward_master"
	case ForwardBroadcast:
		return "forward_broadcast"
	case ForwardHash:
		return "forward_hash"
	default:
		return fmt.Sprintf("rpc_type(%d)", uint8(t))
	}
}

// Header sizes and field offsets.
const (
	RouterHeaderSize   = 13
	TransferHeaderSize = 14

	offLen       = 0
	offContext   = 4
	offSessionID = 5
	offTargetID  = 9
	offServiceID = 13
)

// RouterHeader prefixes every routed message.
//
//	offset 0  len        u32  payload bytes following the header
//	offset 4  context    u8   high nibble RpcType, low nibble caller flags
//	offset 5  session_id u32
//	offset 9  target_id  u32
type RouterHeader struct {
	Len       uint32
	Context   uint8
	SessionID uint32
	TargetID  uint32
}

// RpcType returns the routing tag.
func (h *RouterHeader) RpcType() RpcType { return RpcType(h.Context >> 4) }

// Flag returns the caller flag bits.
func (h *RouterHeader) Flag() uint8 { return h.Context & 0x0f }

// SetRpcType rewrites the tag and keeps the flag bits.
func (h *RouterHeader) SetRpcType(t RpcType) {
	h.Context = uint8(t)<<4 | h.Context&0x0f
}

// MakeContext packs a tag and flag bits into one context byte.
func MakeContext(t RpcType, flag uint8) uint8 {
	return uint8(t)<<4 | flag&0x0f
}

// PutTo writes the header into b, which must hold RouterHeaderSize bytes.
func (h *RouterHeader) PutTo(b []byte) {
	_ = b[RouterHeaderSize-1]
	binary.NativeEndian.PutUint32(b[offLen:], h.Len)
	b[offContext] = h.Context
	binary.NativeEndian.PutUint32(b[offSessionID:], h.SessionID)
	binary.NativeEndian.PutUint32(b[offTargetID:], h.TargetID)
}

// Bytes returns the packed header.
func (h *RouterHeader) Bytes() []byte {
	b := make([]byte, RouterHeaderSize)
	h.PutTo(b)
	return b
}

// ParseRouterHeader decodes the prefix of b.
func ParseRouterHeader(b []byte) (RouterHeader, error) {
	if len(b) < RouterHeaderSize {
		return RouterHeader{}, api.ErrHeaderTruncated
	}
	return RouterHeader{
		Len:       binary.NativeEndian.Uint32(b[offLen:]),
		Context:   b[offContext],
		SessionID: binary.NativeEndian.Uint32(b[offSessionID:]),
		TargetID:  binary.NativeEndian.Uint32(b[offTargetID:]),
	}, nil
}

// TransferHeader is a RouterHeader with a trailing service id byte.
type TransferHeader struct {
	RouterHeader
	ServiceID uint8
}

// PutTo writes the header into b, which must hold TransferHeaderSize bytes.
func (h *TransferHeader) PutTo(b []byte) {
	_ = b[TransferHeaderSize-1]
	h.RouterHeader.PutTo(b)
	b[offServiceID] = h.ServiceID
}

// Bytes returns the packed header.
func (h *TransferHeader) Bytes() []byte {
	b := make([]byte, TransferHeaderSize)
	h.PutTo(b)
	return b
}

// ParseTransferHeader decodes the prefix of b.
func ParseTransferHeader(b []byte) (TransferHeader, error) {
	if len(b) < TransferHeaderSize {
		return TransferHeader{}, api.ErrHeaderTruncated
	}
	rh, _ := ParseRouterHeader(b)
	return TransferHeader{RouterHeader: rh, ServiceID: b[offServiceID]}, nil
}
