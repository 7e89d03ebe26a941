// File: router/router.go
// Package router implements the sharded service routing table.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/protocol"
)

// ServiceCount is the number of service shards.
const ServiceCount = 256

var (
	MetricRouteCount     = []string{"bus", "router", "route", "count"}
	MetricRouteMissCount = []string{"bus", "router", "route", "miss", "count"}
	MetricMasterElection = []string{"bus", "router", "master", "election", "count"}
)

// MLabelRpc carries the RpcType of the forwarded message.
const MLabelRpc = "rpc"

// Sender is the registry send path the router forwards through.
type Sender interface {
	Sendv(token uint32, items ...[]byte)
}

// Resolver yields the registry, or false once it is gone.
type Resolver func() (Sender, bool)

// ServiceNode is one routed mesh node.
type ServiceNode struct {
	ID     uint32
	Token  uint32
	Group  uint16
	Region uint16
}

type serviceList struct {
	master ServiceNode
	nodes  []ServiceNode // sorted by ID
}

// ServiceID returns the shard of a node id.
func ServiceID(nodeID uint32) uint8 {
	return uint8(nodeID >> 16)
}

// SocketRouter is the routing table. Like the registry it forwards into, it
// is not safe for concurrent use.
type SocketRouter struct {
	services   [ServiceCount]serviceList
	routeCount uint32
	resolve    Resolver
	logger     *slog.Logger
	sink       metrics.MetricSink
	labels     []metrics.Label
}

// New creates an empty routing table forwarding through resolve.
func New(resolve Resolver, opts ...Option) *SocketRouter {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &SocketRouter{
		resolve: resolve,
		sink:    cfg.metricSink,
		labels:  cfg.metricLabels,
	}
	if r.resolve == nil {
		r.resolve = func() (Sender, bool) { return nil, false }
	}
	if cfg.logHandler == nil {
		r.logger = slog.Default()
	} else {
		r.logger = slog.New(cfg.logHandler)
	}
	if r.sink == nil {
		r.sink = metrics.Default()
	}
	return r
}

func search(nodes []ServiceNode, id uint32) (int, bool) {
	return slices.BinarySearchFunc(nodes, id, func(n ServiceNode, id uint32) int {
		return cmp.Compare(n.ID, id)
	})
}

// MapToken binds nodeID to token and returns the elected master id of the
// node's shard. A zero token removes a known node. Unknown nodes are inserted
// in id order, whatever their token.
func (r *SocketRouter) MapToken(nodeID, token uint32) uint32 {
	return r.mapNode(ServiceNode{ID: nodeID, Token: token}, false)
}

// MapNode is MapToken carrying group and region metadata.
func (r *SocketRouter) MapNode(node ServiceNode) uint32 {
	return r.mapNode(node, true)
}

func (r *SocketRouter) mapNode(node ServiceNode, withMeta bool) uint32 {
	sid := ServiceID(node.ID)
	list := &r.services[sid]
	idx, found := search(list.nodes, node.ID)
	switch {
	case found && node.Token == 0:
		list.nodes = slices.Delete(list.nodes, idx, idx+1)
	case found:
		list.nodes[idx].Token = node.Token
		if withMeta {
			list.nodes[idx].Group = node.Group
			list.nodes[idx].Region = node.Region
		}
	default:
		list.nodes = slices.Insert(list.nodes, idx, node)
	}
	return r.ChooseMaster(sid)
}

// Erase removes nodeID if present and re-elects its shard master.
func (r *SocketRouter) Erase(nodeID uint32) {
	sid := ServiceID(nodeID)
	list := &r.services[sid]
	if idx, found := search(list.nodes, nodeID); found {
		list.nodes = slices.Delete(list.nodes, idx, idx+1)
		r.ChooseMaster(sid)
	}
}

// ChooseMaster elects the lowest id of the shard and returns it, 0 when the
// shard is empty.
func (r *SocketRouter) ChooseMaster(serviceID uint8) uint32 {
	list := &r.services[serviceID]
	prev := list.master.ID
	if len(list.nodes) == 0 {
		list.master = ServiceNode{}
	} else {
		list.master = list.nodes[0]
	}
	if list.master.ID != prev {
		r.sink.IncrCounterWithLabels(MetricMasterElection, 1, r.labels)
		r.logger.Debug("master elected", "service", serviceID, "master", list.master.ID, "previous", prev)
	}
	return list.master.ID
}

// Master returns the elected master of a shard.
func (r *SocketRouter) Master(serviceID uint8) ServiceNode {
	return r.services[serviceID].master
}

// Nodes returns a copy of the shard roster in id order.
func (r *SocketRouter) Nodes(serviceID uint8) []ServiceNode {
	return slices.Clone(r.services[serviceID].nodes)
}

// Lookup returns the routing entry of nodeID.
func (r *SocketRouter) Lookup(nodeID uint32) (ServiceNode, bool) {
	list := &r.services[ServiceID(nodeID)]
	if idx, found := search(list.nodes, nodeID); found {
		return list.nodes[idx], true
	}
	return ServiceNode{}, false
}

// RouteCount returns the number of messages forwarded since the last call
// and resets it.
func (r *SocketRouter) RouteCount() uint32 {
	n := r.routeCount
	r.routeCount = 0
	return n
}

// ForwardTarget sends to the node whose id is header.TargetID.
func (r *SocketRouter) ForwardTarget(header *protocol.RouterHeader, payload []byte) bool {
	list := &r.services[ServiceID(header.TargetID)]
	idx, found := search(list.nodes, header.TargetID)
	if !found || list.nodes[idx].Token == 0 {
		return r.miss(protocol.ForwardTarget)
	}
	return r.forward(header, list.nodes[idx].Token, payload, protocol.ForwardTarget)
}

// ForwardMaster sends to the master of shard header.TargetID. The target id
// is the shard index itself here, not a node id.
func (r *SocketRouter) ForwardMaster(header *protocol.RouterHeader, payload []byte) bool {
	if header.TargetID >= ServiceCount {
		return r.miss(protocol.ForwardMaster)
	}
	token := r.services[header.TargetID].master.Token
	if token == 0 {
		return r.miss(protocol.ForwardMaster)
	}
	return r.forward(header, token, payload, protocol.ForwardMaster)
}

// ForwardHash picks nodes[hash % len] of the target's shard, with the low 16
// bits of header.TargetID as the hash.
func (r *SocketRouter) ForwardHash(header *protocol.RouterHeader, payload []byte) bool {
	nodes := r.services[ServiceID(header.TargetID)].nodes
	if len(nodes) == 0 {
		return r.miss(protocol.ForwardHash)
	}
	hash := int(header.TargetID & 0xffff)
	token := nodes[hash%len(nodes)].Token
	if token == 0 {
		return r.miss(protocol.ForwardHash)
	}
	return r.forward(header, token, payload, protocol.ForwardHash)
}

// ForwardBroadcast sends to every node of shard header.TargetID except
// source and unbound nodes. count, when not nil, is incremented per send.
// It reports whether anything was sent.
func (r *SocketRouter) ForwardBroadcast(header *protocol.RouterHeader, source uint32, payload []byte, count *uint32) bool {
	if header.TargetID >= ServiceCount {
		return r.miss(protocol.ForwardBroadcast)
	}
	nodes := r.services[header.TargetID].nodes
	if len(nodes) == 0 {
		return r.miss(protocol.ForwardBroadcast)
	}
	sender, ok := r.resolve()
	if !ok {
		return false
	}
	header.SetRpcType(protocol.RemoteCall)
	var hb [protocol.RouterHeaderSize]byte
	header.PutTo(hb[:])

	var sent uint32
	for _, node := range nodes {
		if node.Token == 0 || node.Token == source {
			continue
		}
		sender.Sendv(node.Token, hb[:], payload)
		sent++
	}
	if sent == 0 {
		return r.miss(protocol.ForwardBroadcast)
	}
	r.routeCount += sent
	if count != nil {
		*count += sent
	}
	r.sink.IncrCounterWithLabels(MetricRouteCount, float32(sent), r.rpcLabels(protocol.ForwardBroadcast))
	return true
}

func (r *SocketRouter) forward(header *protocol.RouterHeader, token uint32, payload []byte, via protocol.RpcType) bool {
	sender, ok := r.resolve()
	if !ok {
		return false
	}
	header.SetRpcType(protocol.RemoteCall)
	var hb [protocol.RouterHeaderSize]byte
	header.PutTo(hb[:])
	sender.Sendv(token, hb[:], payload)
	r.routeCount++
	r.sink.IncrCounterWithLabels(MetricRouteCount, 1, r.rpcLabels(via))
	return true
}

func (r *SocketRouter) miss(via protocol.RpcType) bool {
	r.sink.IncrCounterWithLabels(MetricRouteMissCount, 1, r.rpcLabels(via))
	return false
}

func (r *SocketRouter) rpcLabels(via protocol.RpcType) []metrics.Label {
	labels := make([]metrics.Label, 0, len(r.labels)+1)
	labels = append(labels, r.labels...)
	return append(labels, metrics.Label{Name: MLabelRpc, Value: via.String()})
}
