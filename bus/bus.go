// File: bus/bus.go
// Package bus wires the socket registry and the routing table together.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/protocol"
	"github.com/momentics/hioload-bus/router"
	"github.com/momentics/hioload-bus/socket"
)

// Bus owns a SocketMgr and the SocketRouter forwarding through it.
// Like both of them it must be driven from a single goroutine.
type Bus struct {
	mgr    *socket.SocketMgr
	router *router.SocketRouter
	logger *slog.Logger
}

// New creates a Bus. Nodes default to ProtoRpc framing.
func New(opts ...Option) (*Bus, error) {
	cfg := config{
		socketOpts: []socket.Option{socket.WithPrototype(api.ProtoRpc)},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	mgr, err := socket.NewSocketMgr(cfg.socketOpts...)
	if err != nil {
		return nil, fmt.Errorf("create socket mgr: %w", err)
	}
	h := mgr.Handle()
	resolve := func() (router.Sender, bool) {
		m := h.Get()
		if m == nil {
			return nil, false
		}
		return m, true
	}

	b := &Bus{
		mgr:    mgr,
		router: router.New(resolve, cfg.routerOpts...),
	}
	if cfg.logHandler == nil {
		b.logger = slog.Default()
	} else {
		b.logger = slog.New(cfg.logHandler)
	}
	return b, nil
}

// Mgr exposes the underlying registry.
func (b *Bus) Mgr() *socket.SocketMgr { return b.mgr }

// Router exposes the underlying routing table.
func (b *Bus) Router() *router.SocketRouter { return b.router }

// Listen binds ip:port and returns the listener node.
func (b *Bus) Listen(ip string, port int) (*Node, error) {
	token, err := b.mgr.Listen(ip, port)
	if err != nil {
		return nil, err
	}
	return b.Node(token), nil
}

// Connect starts connecting to ip:port with a timeout in milliseconds and
// returns the stream node. Completion is reported to its connect callback.
func (b *Bus) Connect(ip string, port int, timeout uint64) (*Node, error) {
	token, err := b.mgr.Connect(ip, port, timeout)
	if err != nil {
		return nil, err
	}
	return b.Node(token), nil
}

// Node wraps an existing token, typically one handed to an accept callback.
func (b *Bus) Node(token uint32) *Node {
	return newNode(token, b.mgr.Handle(), b.router)
}

// Wait runs one event-loop tick, see socket.SocketMgr.Wait.
func (b *Bus) Wait(now, timeout uint64) uint32 { return b.mgr.Wait(now, timeout) }

// Now returns the registry steady clock in milliseconds.
func (b *Bus) Now() uint64 { return b.mgr.Now() }

// MapToken binds a node id to a token and returns the elected master id.
func (b *Bus) MapToken(nodeID, token uint32) uint32 { return b.router.MapToken(nodeID, token) }

// MapNode is MapToken with group and region metadata.
func (b *Bus) MapNode(node router.ServiceNode) uint32 { return b.router.MapNode(node) }

// Lookup returns the routing entry of nodeID.
func (b *Bus) Lookup(nodeID uint32) (router.ServiceNode, bool) { return b.router.Lookup(nodeID) }

// Erase drops a node id from the routing table.
func (b *Bus) Erase(nodeID uint32) { b.router.Erase(nodeID) }

// Broadcast sends data to every stream of the given kind.
func (b *Bus) Broadcast(kind uint32, data []byte) { b.mgr.Broadcast(kind, data) }

// BroadGroup sends data to each listed token.
func (b *Bus) BroadGroup(tokens []uint32, data []byte) { b.mgr.BroadcastGroup(tokens, data) }

// RouteCount returns and resets the forwarded message counter.
func (b *Bus) RouteCount() uint32 { return b.router.RouteCount() }

// Forward routes header+payload according to the header's RpcType. source is
// the token the message came from, only consulted by broadcasts. It returns
// false for RemoteCall and TransferCall, which are meant for this process.
func (b *Bus) Forward(header *protocol.RouterHeader, source uint32, payload []byte) bool {
	switch header.RpcType() {
	case protocol.ForwardTarget:
		return b.router.ForwardTarget(header, payload)
	case protocol.ForwardMaster:
		return b.router.ForwardMaster(header, payload)
	case protocol.ForwardHash:
		return b.router.ForwardHash(header, payload)
	case protocol.ForwardBroadcast:
		return b.router.ForwardBroadcast(header, source, payload, nil)
	case protocol.RemoteCall, protocol.TransferCall:
		return false
	}
	b.logger.Debug("unknown rpc type", "context", header.Context, "source", source)
	return false
}

// ForwardFrame parses a ProtoRpc package and forwards it.
func (b *Bus) ForwardFrame(frame []byte, source uint32) (bool, error) {
	header, err := protocol.ParseRouterHeader(frame)
	if err != nil {
		return false, err
	}
	return b.Forward(&header, source, frame[protocol.RouterHeaderSize:]), nil
}

// Close shuts the registry down. Outstanding nodes become inert.
func (b *Bus) Close() error {
	return b.mgr.Shutdown()
}
