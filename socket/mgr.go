// File: socket/mgr.go
// Package socket implements the token-keyed socket registry and its event loop tick.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"weak"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/pool"
	"github.com/momentics/hioload-bus/reactor"
)

// SocketMgr owns the readiness poller and every registered socket, keyed by
// token (the OS descriptor). It is the only path through which bytes leave
// the process. Not safe for concurrent use: all calls must come from the
// goroutine driving Wait.
type SocketMgr struct {
	cfg     config
	poller  reactor.Poller
	objects map[uint32]SocketObj
	bufs    *pool.BytePool
	clock   *steadyClock
	logger  *slog.Logger
	tm      *telemetry
	self    Handle
	closed  bool
}

// NewSocketMgr creates a registry with its own poller.
func NewSocketMgr(opts ...Option) (*SocketMgr, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	poller, err := reactor.New(cfg.maxEvents)
	if err != nil {
		return nil, err
	}

	m := &SocketMgr{
		cfg:     cfg,
		poller:  poller,
		objects: make(map[uint32]SocketObj),
		bufs:    pool.NewBytePool(cfg.recvBufferSize),
		clock:   newSteadyClock(cfg.clock),
		tm:      &telemetry{sink: cfg.metricSink, labels: cfg.metricLabels},
	}
	if cfg.logHandler == nil {
		m.logger = slog.Default()
	} else {
		m.logger = slog.New(cfg.logHandler)
	}
	if m.tm.sink == nil {
		m.tm.sink = metrics.Default()
	}
	m.self = Handle{p: weak.Make(m)}
	return m, nil
}

// Handle returns a non-owning reference to the registry.
func (m *SocketMgr) Handle() Handle { return m.self }

// Now returns the registry's steady clock in milliseconds. This is the value
// callers are expected to pass to Wait.
func (m *SocketMgr) Now() uint64 { return m.clock.Now() }

// Len returns the number of registered objects, including closed ones that
// have not been evicted yet.
func (m *SocketMgr) Len() int { return len(m.objects) }

// IsFull reports whether Connect would be rejected.
func (m *SocketMgr) IsFull() bool { return len(m.objects) >= m.cfg.maxConn }

// Status returns the link status of token.
func (m *SocketMgr) Status(token uint32) (api.LinkStatus, bool) {
	obj, ok := m.objects[token]
	if !ok {
		return api.LinkClosed, false
	}
	return obj.Status(), true
}

// LocalPort returns the local port bound by token, 0 if unknown.
func (m *SocketMgr) LocalPort(token uint32) int {
	switch obj := m.objects[token].(type) {
	case *SocketListener:
		return obj.Port()
	case *SocketStream:
		return obj.Port()
	}
	return 0
}

// Wait runs one event-loop tick: it evicts every object whose Update(now)
// returns true, then polls for the remainder of the timeout budget and
// dispatches readiness to the registered objects. It returns the number of
// readiness notifications processed.
func (m *SocketMgr) Wait(now uint64, timeout uint64) uint32 {
	if m.closed {
		return 0
	}
	for token, obj := range m.objects {
		if obj.Update(now) {
			m.evict(token, obj)
		}
	}

	var elapsed, remain uint64
	if cur := m.Now(); cur > now {
		elapsed = cur - now
	}
	if elapsed < timeout {
		remain = timeout - elapsed
	}
	if remain > math.MaxInt32 {
		remain = math.MaxInt32
	}

	events, err := m.poller.Wait(int(remain))
	if err != nil {
		m.logger.Warn("poller wait failed", "error", err)
		return 0
	}
	var count uint32
	for _, ev := range events {
		count++
		obj, ok := m.objects[ev.Token]
		if !ok {
			continue
		}
		if ev.Readable {
			obj.DoRecv()
		}
		if ev.Writable {
			obj.DoSend()
		}
	}
	return count
}

func (m *SocketMgr) evict(token uint32, obj SocketObj) {
	delete(m.objects, token)
	if err := m.poller.Deregister(token); err != nil {
		m.logger.Debug("deregister on evict", "token", token, "error", err)
	}
	if err := obj.Release(); err != nil {
		m.logger.Debug("close on evict", "token", token, "error", err)
	}
	m.tm.incr(MetricSocketEvictCount, 1)
	m.logger.Debug("socket evicted", "token", token)
}

// Listen binds a listening socket and registers it for readability.
func (m *SocketMgr) Listen(ip string, port int) (uint32, error) {
	if m.closed {
		return 0, api.ErrMgrClosed
	}
	l := newListener(m)
	token, err := l.listen(ip, port)
	if err != nil {
		return 0, err
	}
	if err := m.poller.Register(token, reactor.Readable); err != nil {
		_ = l.Release()
		return 0, api.NewError(api.ErrCodeInternal, "register listener", err)
	}
	m.objects[token] = l
	m.tm.incr(MetricSocketListenCount, 1)
	m.logger.Debug("listening", "token", token, "ip", ip, "port", port)
	return token, nil
}

// Connect starts a non-blocking connect. Only writability is watched until
// the handshake completes. timeout is in milliseconds, 0 disables the deadline.
// Capacity is enforced here only.
func (m *SocketMgr) Connect(ip string, port int, timeout uint64) (uint32, error) {
	if m.closed {
		return 0, api.ErrMgrClosed
	}
	if m.IsFull() {
		return 0, api.ErrMgrFull
	}
	s := newStream(m, -1, api.LinkInit)
	token, err := s.connect(ip, port, timeout, m.Now())
	if err != nil {
		m.tm.incr(MetricSocketConnectErrorCount, 1, metrics.Label{Name: MLabelError, Value: "connect"})
		return 0, err
	}
	if err := m.poller.Register(token, reactor.Writable); err != nil {
		_ = s.Release()
		return 0, api.NewError(api.ErrCodeInternal, "register stream", err)
	}
	s.interest = reactor.Writable
	m.objects[token] = s
	m.tm.incr(MetricSocketConnectCount, 1)
	m.logger.Debug("connecting", "token", token, "ip", ip, "port", port)
	return token, nil
}

// watchAccepted wraps an accepted descriptor as a connected stream, watching
// it for both directions.
func (m *SocketMgr) watchAccepted(fd int, kind uint32, proto api.Prototype) (uint32, error) {
	token := uint32(fd)
	if err := m.poller.Register(token, reactor.Readable|reactor.Writable); err != nil {
		return 0, err
	}
	s := newStream(m, fd, api.LinkConnected)
	s.kind = kind
	s.interest = reactor.Readable | reactor.Writable
	s.SetPrototype(proto)
	m.objects[token] = s
	m.tm.incr(MetricSocketAcceptCount, 1)
	m.logger.Debug("accepted", "token", token, "listener", kind)
	return token, nil
}

// watchConnected narrows interest to readability once a stream has nothing to write.
func (m *SocketMgr) watchConnected(token uint32) error {
	return m.poller.Modify(token, reactor.Readable)
}

// watchSend adds writability while a stream has pending output.
func (m *SocketMgr) watchSend(token uint32) error {
	return m.poller.Modify(token, reactor.Readable|reactor.Writable)
}

// Send writes data to token. Unknown tokens are ignored.
func (m *SocketMgr) Send(token uint32, data []byte) {
	if obj, ok := m.objects[token]; ok {
		obj.Send(data)
	}
}

// Sendv scatter-writes items to token. Unknown tokens are ignored.
func (m *SocketMgr) Sendv(token uint32, items ...[]byte) {
	if obj, ok := m.objects[token]; ok {
		obj.Sendv(items...)
	}
}

// Broadcast sends data to every object of the given kind.
func (m *SocketMgr) Broadcast(kind uint32, data []byte) {
	for _, obj := range m.objects {
		if obj.IsSameKind(kind) {
			obj.Send(data)
		}
	}
}

// BroadcastGroup sends data to each token of the list.
func (m *SocketMgr) BroadcastGroup(tokens []uint32, data []byte) {
	for _, token := range tokens {
		m.Send(token, data)
	}
}

// Close marks token for closing. Removal happens on the next Wait.
func (m *SocketMgr) Close(token uint32) {
	if obj, ok := m.objects[token]; ok {
		obj.Close()
	}
}

// SetTimeout sets the idle timeout of token in milliseconds.
func (m *SocketMgr) SetTimeout(token uint32, ms uint64) {
	if obj, ok := m.objects[token]; ok {
		obj.SetTimeout(ms)
	}
}

// SetNodelay toggles TCP_NODELAY on token.
func (m *SocketMgr) SetNodelay(token uint32, flag bool) {
	if obj, ok := m.objects[token]; ok {
		obj.SetNodelay(flag)
	}
}

// SetPrototype changes the framing of token.
func (m *SocketMgr) SetPrototype(token uint32, proto api.Prototype) {
	if obj, ok := m.objects[token]; ok {
		obj.SetPrototype(proto)
	}
}

// SetKind changes the broadcast kind of token.
func (m *SocketMgr) SetKind(token uint32, kind uint32) {
	if obj, ok := m.objects[token]; ok {
		obj.SetKind(kind)
	}
}

func (m *SocketMgr) SetErrorCallback(token uint32, cb api.ErrorFunc) {
	if obj, ok := m.objects[token]; ok {
		obj.SetErrorCallback(cb)
	}
}

func (m *SocketMgr) SetAcceptCallback(token uint32, cb api.AcceptFunc) {
	if obj, ok := m.objects[token]; ok {
		obj.SetAcceptCallback(cb)
	}
}

func (m *SocketMgr) SetConnectCallback(token uint32, cb api.ConnectFunc) {
	if obj, ok := m.objects[token]; ok {
		obj.SetConnectCallback(cb)
	}
}

func (m *SocketMgr) SetPackageCallback(token uint32, cb api.PackageFunc) {
	if obj, ok := m.objects[token]; ok {
		obj.SetPackageCallback(cb)
	}
}

// Shutdown closes every socket and the poller. Handles resolve to nil afterwards.
func (m *SocketMgr) Shutdown() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var result error
	for token, obj := range m.objects {
		if err := obj.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close token %d: %w", token, err))
		}
	}
	clear(m.objects)
	if err := m.poller.Close(); err != nil && !errors.Is(err, api.ErrPollerClosed) {
		result = multierror.Append(result, fmt.Errorf("close poller: %w", err))
	}
	return result
}
