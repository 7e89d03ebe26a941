package bus

import (
	"weak"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/protocol"
	"github.com/momentics/hioload-bus/router"
	"github.com/momentics/hioload-bus/socket"
)

// Node is a handle on one registry token.
type Node struct {
	token  uint32
	stoken uint32
	sindex uint16
	mgr    socket.Handle
	router weak.Pointer[router.SocketRouter]
}

func newNode(token uint32, mgr socket.Handle, r *router.SocketRouter) *Node {
	return &Node{
		token:  token,
		stoken: (token & 0xffff) << 16,
		mgr:    mgr,
		router: weak.Make(r),
	}
}

func (n *Node) Token() uint32 { return n.token }

// BuildSessionID returns (token & 0xffff) << 16 | index, where index counts
// 1..0xffff and then starts over at 1.
func (n *Node) BuildSessionID() uint32 {
	n.sindex++
	if n.sindex == 0 {
		n.sindex = 1
	}
	return n.stoken | uint32(n.sindex)
}

// Call sends data prefixed by a RemoteCall RouterHeader.
func (n *Node) Call(sessionID uint32, flag uint8, targetID uint32, data []byte) error {
	return n.Forward(protocol.RemoteCall, sessionID, flag, targetID, data)
}

// Forward sends data under a RouterHeader tagged rpc, for a peer router to
// resolve.
func (n *Node) Forward(rpc protocol.RpcType, sessionID uint32, flag uint8, targetID uint32, data []byte) error {
	if len(data) > protocol.MaxFramePayload {
		return api.ErrFrameTooLarge
	}
	m := n.mgr.Get()
	if m == nil {
		return api.ErrMgrClosed
	}
	h := protocol.RouterHeader{
		Len:       uint32(len(data)),
		Context:   protocol.MakeContext(rpc, flag),
		SessionID: sessionID,
		TargetID:  targetID,
	}
	m.Sendv(n.token, h.Bytes(), data)
	return nil
}

// Transfer sends data prefixed by a TransferCall TransferHeader. The header
// len covers the service id byte and the payload.
func (n *Node) Transfer(sessionID uint32, flag uint8, targetID uint32, serviceID uint8, data []byte) error {
	if len(data)+1 > protocol.MaxFramePayload {
		return api.ErrFrameTooLarge
	}
	m := n.mgr.Get()
	if m == nil {
		return api.ErrMgrClosed
	}
	h := protocol.TransferHeader{
		RouterHeader: protocol.RouterHeader{
			Len:       uint32(len(data) + 1),
			Context:   protocol.MakeContext(protocol.TransferCall, flag),
			SessionID: sessionID,
			TargetID:  targetID,
		},
		ServiceID: serviceID,
	}
	m.Sendv(n.token, h.Bytes(), data)
	return nil
}

// Send writes raw bytes.
func (n *Node) Send(data []byte) {
	if m := n.mgr.Get(); m != nil {
		m.Send(n.token, data)
	}
}

// Status reports the link status, LinkClosed once the token is gone.
func (n *Node) Status() api.LinkStatus {
	if m := n.mgr.Get(); m != nil {
		if st, ok := m.Status(n.token); ok {
			return st
		}
	}
	return api.LinkClosed
}

// LocalPort returns the bound port of the node, 0 if unknown.
func (n *Node) LocalPort() int {
	if m := n.mgr.Get(); m != nil {
		return m.LocalPort(n.token)
	}
	return 0
}

// RouteCount returns and resets the router's forwarded message counter.
func (n *Node) RouteCount() uint32 {
	if r := n.router.Value(); r != nil {
		return r.RouteCount()
	}
	return 0
}

func (n *Node) SetTimeout(ms uint64) {
	if m := n.mgr.Get(); m != nil {
		m.SetTimeout(n.token, ms)
	}
}

func (n *Node) SetNodelay(flag bool) {
	if m := n.mgr.Get(); m != nil {
		m.SetNodelay(n.token, flag)
	}
}

func (n *Node) SetPrototype(p api.Prototype) {
	if m := n.mgr.Get(); m != nil {
		m.SetPrototype(n.token, p)
	}
}

func (n *Node) SetKind(kind uint32) {
	if m := n.mgr.Get(); m != nil {
		m.SetKind(n.token, kind)
	}
}

func (n *Node) SetErrorCallback(cb api.ErrorFunc) {
	if m := n.mgr.Get(); m != nil {
		m.SetErrorCallback(n.token, cb)
	}
}

func (n *Node) SetAcceptCallback(cb api.AcceptFunc) {
	if m := n.mgr.Get(); m != nil {
		m.SetAcceptCallback(n.token, cb)
	}
}

func (n *Node) SetConnectCallback(cb api.ConnectFunc) {
	if m := n.mgr.Get(); m != nil {
		m.SetConnectCallback(n.token, cb)
	}
}

func (n *Node) SetPackageCallback(cb api.PackageFunc) {
	if m := n.mgr.Get(); m != nil {
		m.SetPackageCallback(n.token, cb)
	}
}

// Close marks the token for closing on the next Wait.
func (n *Node) Close() {
	if m := n.mgr.Get(); m != nil {
		m.Close(n.token)
	}
}
