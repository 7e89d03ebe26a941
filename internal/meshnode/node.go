// File: internal/meshnode/node.go
// Package meshnode runs one configured mesh process on top of a Bus.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package meshnode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/bus"
	"github.com/momentics/hioload-bus/control"
	"github.com/momentics/hioload-bus/protocol"
	"github.com/momentics/hioload-bus/socket"
)

// FlagAnnounce marks the RemoteCall a dialer sends right after connecting.
// Its session id carries the dialer's node id and its target id is 0.
const FlagAnnounce = 0x8

// Deliver receives calls addressed to this process. payload is only valid
// during the call.
type Deliver func(source uint32, header protocol.RouterHeader, payload []byte)

type peerState struct {
	cfg      control.PeerConfig
	node     *bus.Node
	redialAt uint64
}

// Node is a mesh process: it listens, keeps its configured peers dialed,
// maps announced nodes into the routing table and forwards routed frames.
// All methods must be called from one goroutine.
type Node struct {
	cfg     *control.Config
	bus     *bus.Bus
	logger  *slog.Logger
	probes  *control.DebugProbes
	deliver Deliver

	listener *bus.Node
	peers    []*peerState
	inbound  map[uint32]uint32 // token -> announced node id

	tick        uint64
	idle        uint64
	reconnect   uint64
	reportEvery uint64
	lastReport  uint64
}

// Option to pass to `New`
type Option func(*options)

type options struct {
	logHandler slog.Handler
	sink       metrics.MetricSink
	deliver    Deliver
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(o *options) { o.logHandler = handler }
}

// WithMetricSink sets the go-metrics sink.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithDeliver installs the handler for calls addressed to this node.
func WithDeliver(fn Deliver) Option {
	return func(o *options) { o.deliver = fn }
}

// New builds a node from a validated config. Nothing is bound until Start.
func New(cfg *control.Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	proto, err := control.ParsePrototype(cfg.Prototype)
	if err != nil {
		return nil, err
	}

	busOpts := []bus.Option{
		bus.WithPrototype(proto),
		bus.WithMetricLabels(control.StaticLabels(cfg.Metrics)),
	}
	if o.logHandler != nil {
		busOpts = append(busOpts, bus.WithLog(o.logHandler))
	}
	if o.sink != nil {
		busOpts = append(busOpts, bus.WithMetricSink(o.sink))
	}
	if cfg.MaxConn > 0 {
		busOpts = append(busOpts, bus.WithMaxConn(cfg.MaxConn))
	}
	if cfg.MaxEvents > 0 {
		busOpts = append(busOpts, bus.WithSocketOptions(socket.WithMaxEvents(cfg.MaxEvents)))
	}
	if cfg.RecvBufferSize > 0 {
		busOpts = append(busOpts, bus.WithSocketOptions(socket.WithRecvBufferSize(cfg.RecvBufferSize)))
	}
	b, err := bus.New(busOpts...)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		bus:         b,
		probes:      control.NewDebugProbes(),
		deliver:     o.deliver,
		inbound:     make(map[uint32]uint32),
		tick:        uint64(cfg.Tick.Milliseconds()),
		idle:        uint64(cfg.IdleTimeout.Milliseconds()),
		reconnect:   uint64(cfg.ReconnectInterval.Milliseconds()),
		reportEvery: uint64(cfg.Metrics.Interval.Milliseconds()),
	}
	if o.logHandler == nil {
		n.logger = slog.Default()
	} else {
		n.logger = slog.New(o.logHandler)
	}
	n.logger = n.logger.With("node", fmt.Sprintf("%#08x", cfg.NodeID))
	if n.deliver == nil {
		n.deliver = n.logDelivery
	}
	for _, p := range cfg.Peers {
		n.peers = append(n.peers, &peerState{cfg: p})
	}

	control.RegisterPlatformProbes(n.probes)
	n.probes.RegisterProbe("sockets", func() any { return b.Mgr().Len() })
	n.probes.RegisterProbe("peers", func() any { return n.connectedPeers() })
	n.probes.RegisterProbe("inbound", func() any { return len(n.inbound) })
	n.probes.RegisterProbe("routed", func() any { return b.RouteCount() })
	return n, nil
}

// Bus exposes the underlying bus.
func (n *Node) Bus() *bus.Bus { return n.bus }

// Port returns the bound listen port, 0 before Start.
func (n *Node) Port() int {
	if n.listener == nil {
		return 0
	}
	return n.listener.LocalPort()
}

// Peer returns the live stream to a configured peer, nil while disconnected.
func (n *Node) Peer(id uint32) *bus.Node {
	for _, p := range n.peers {
		if p.cfg.ID == id {
			return p.node
		}
	}
	return nil
}

// Start binds the listener and dials every configured peer.
func (n *Node) Start() error {
	port := n.cfg.Listen.Port
	if n.cfg.Listen.Derive && port > 0 {
		derived := bus.DerivePort(uint16(port))
		if derived == 0 {
			return fmt.Errorf("no free port from %d", port)
		}
		port = int(derived)
	}
	l, err := n.bus.Listen(n.cfg.Listen.IP, port)
	if err != nil {
		return err
	}
	l.SetAcceptCallback(n.onAccept)
	l.SetErrorCallback(func(err error) {
		n.logger.Error("listener failed", "error", err)
	})
	n.listener = l
	n.lastReport = n.bus.Now()
	n.logger.Info("listening", "ip", n.cfg.Listen.IP, "port", n.Port())

	for _, p := range n.peers {
		n.dial(p)
	}
	return nil
}

// Tick runs one event-loop iteration and the housekeeping after it.
func (n *Node) Tick() {
	n.bus.Wait(n.bus.Now(), n.tick)
	now := n.bus.Now()
	for _, p := range n.peers {
		if p.node == nil && now >= p.redialAt {
			n.dial(p)
		}
	}
	if n.reportEvery > 0 && now-n.lastReport >= n.reportEvery {
		n.lastReport = now
		n.logger.Info("status", n.probes.LogArgs()...)
	}
}

// Run starts the node and ticks until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	for ctx.Err() == nil {
		n.Tick()
	}
	return nil
}

// Close releases every socket.
func (n *Node) Close() error {
	return n.bus.Close()
}

func (n *Node) dial(p *peerState) {
	id := p.cfg.ID
	node, err := n.bus.Connect(p.cfg.IP, p.cfg.Port, uint64(n.cfg.ConnectTimeout.Milliseconds()))
	if err != nil {
		n.logger.Warn("dial failed", "peer", id, "error", err)
		p.redialAt = n.bus.Now() + n.reconnect
		return
	}
	p.node = node
	token := node.Token()
	node.SetConnectCallback(func(ok bool, reason string) {
		if !ok {
			n.logger.Warn("peer connect failed", "peer", id, "reason", reason)
			n.lost(p, token)
			return
		}
		node.SetNodelay(true)
		node.SetTimeout(n.idle)
		master := n.bus.MapNode(p.cfg.Node(token))
		if err := node.Call(n.cfg.NodeID, FlagAnnounce, 0, nil); err != nil {
			n.logger.Warn("announce failed", "peer", id, "error", err)
		}
		n.logger.Info("peer connected", "peer", id, "token", token, "master", master)
	})
	node.SetErrorCallback(func(err error) {
		n.logger.Warn("peer lost", "peer", id, "error", err)
		n.lost(p, token)
	})
	node.SetPackageCallback(func(frame []byte) {
		n.onFrame(token, frame)
	})
}

func (n *Node) lost(p *peerState, token uint32) {
	n.unmap(p.cfg.ID, token)
	p.node = nil
	p.redialAt = n.bus.Now() + n.reconnect
}

// unmap erases id unless it has since been bound to another token.
func (n *Node) unmap(id, token uint32) {
	if entry, ok := n.bus.Lookup(id); ok && entry.Token == token {
		n.bus.Erase(id)
	}
}

func (n *Node) onAccept(token uint32) {
	peer := n.bus.Node(token)
	peer.SetNodelay(true)
	peer.SetTimeout(n.idle)
	peer.SetPackageCallback(func(frame []byte) {
		n.onFrame(token, frame)
	})
	peer.SetErrorCallback(func(err error) {
		id, ok := n.inbound[token]
		delete(n.inbound, token)
		if ok {
			n.unmap(id, token)
		}
		n.logger.Debug("inbound closed", "token", token, "peer", id, "error", err)
	})
}

func (n *Node) onFrame(source uint32, frame []byte) {
	header, err := protocol.ParseRouterHeader(frame)
	if err != nil {
		n.logger.Debug("short frame", "token", source, "size", len(frame))
		return
	}
	payload := frame[protocol.RouterHeaderSize:]
	switch header.RpcType() {
	case protocol.RemoteCall:
		if header.Flag()&FlagAnnounce != 0 && header.TargetID == 0 {
			n.announce(source, header.SessionID)
			return
		}
		n.deliver(source, header, payload)
	case protocol.TransferCall:
		n.deliver(source, header, payload)
	default:
		if !n.bus.Forward(&header, source, payload) {
			n.logger.Debug("route miss", "token", source, "rpc", header.RpcType(), "target", header.TargetID)
		}
	}
}

func (n *Node) announce(token, id uint32) {
	if id == 0 || id == n.cfg.NodeID {
		n.logger.Warn("bad announce", "token", token, "peer", id)
		return
	}
	n.inbound[token] = id
	master := n.bus.MapToken(id, token)
	n.logger.Info("peer announced", "peer", id, "token", token, "master", master)
}

func (n *Node) connectedPeers() int {
	count := 0
	for _, p := range n.peers {
		if p.node != nil && p.node.Status() == api.LinkConnected {
			count++
		}
	}
	return count
}

func (n *Node) logDelivery(source uint32, header protocol.RouterHeader, payload []byte) {
	n.logger.Debug("call delivered",
		"token", source,
		"rpc", header.RpcType(),
		"session", header.SessionID,
		"target", header.TargetID,
		"size", len(payload))
}
