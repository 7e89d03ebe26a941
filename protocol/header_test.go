package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/momentics/hioload-bus/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterHeader_Layout(t *testing.T) {
	h := protocol.RouterHeader{
		Len:       5,
		Context:   protocol.MakeContext(protocol.ForwardHash, 0x3),
		SessionID: 0x01020304,
		TargetID:  0x00010005,
	}
	b := h.Bytes()
	require.Len(t, b, protocol.RouterHeaderSize)
	assert.Equal(t, uint32(5), binary.NativeEndian.Uint32(b[0:]))
	assert.Equal(t, byte(0x53), b[4])
	assert.Equal(t, uint32(0x01020304), binary.NativeEndian.Uint32(b[5:]))
	assert.Equal(t, uint32(0x00010005), binary.NativeEndian.Uint32(b[9:]))

	got, err := protocol.ParseRouterHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestRouterHeader_SetRpcTypeKeepsFlags(t *testing.T) {
	h := protocol.RouterHeader{Context: protocol.MakeContext(protocol.ForwardMaster, 0xA)}
	assert.Equal(t, protocol.ForwardMaster, h.RpcType())

	h.SetRpcType(protocol.RemoteCall)
	assert.Equal(t, protocol.RemoteCall, h.RpcType())
	assert.Equal(t, uint8(0xA), h.Flag())
}

func TestTransferHeader_Layout(t *testing.T) {
	h := protocol.TransferHeader{
		RouterHeader: protocol.RouterHeader{Len: 1, TargetID: 7},
		ServiceID:    9,
	}
	b := h.Bytes()
	require.Len(t, b, protocol.TransferHeaderSize)
	assert.Equal(t, byte(9), b[13])

	got, err := protocol.ParseTransferHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = protocol.ParseTransferHeader(b[:13])
	assert.Error(t, err)
}

func TestRpcType_String(t *testing.T) {
	assert.Equal(t, "forward_broadcast", protocol.ForwardBroadcast.String())
	assert.Equal(t, "rpc_type(12)", protocol.RpcType(12).String())
}
