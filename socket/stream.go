// File: socket/stream.go
// Package socket: active TCP stream state machine with queued scatter writes.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"log/slog"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/internal/netfd"
	"github.com/momentics/hioload-bus/pool"
	"github.com/momentics/hioload-bus/protocol"
	"github.com/momentics/hioload-bus/reactor"
)

// maxIovecs caps how many queued buffers go into one writev.
const maxIovecs = 64

// SocketStream is the active state machine:
//
//	Init -> Connecting -> Connected -> Closing -> Closed
//
// Accepted streams start in Connected. Terminal I/O errors move Connected
// straight to Closed and fire the error callback once.
type SocketStream struct {
	noopObj
	token    uint32
	fd       int
	kind     uint32
	status   api.LinkStatus
	interest reactor.Interest

	// milliseconds on the registry steady clock, 0 = disabled
	timeout         uint64
	connectDeadline uint64
	closeDeadline   uint64
	linger          uint64
	lastRecv        uint64

	sendq   *queue.Queue // of []byte, owned copies
	headOff int          // bytes of the queue head already written
	pending int

	asm    *protocol.Assembler
	bufs   *pool.BytePool
	clock  *steadyClock
	mgr    Handle
	logger *slog.Logger
	tm     *telemetry

	errorCb   api.ErrorFunc
	connectCb api.ConnectFunc
	packageCb api.PackageFunc
}

func newStream(m *SocketMgr, fd int, status api.LinkStatus) *SocketStream {
	s := &SocketStream{
		fd:        fd,
		status:    status,
		linger:    m.cfg.closeLinger,
		sendq:     queue.New(),
		asm:       protocol.NewAssembler(m.cfg.proto),
		bufs:      m.bufs,
		clock:     m.clock,
		mgr:       m.self,
		logger:    m.logger,
		tm:        m.tm,
		errorCb:   noopError,
		connectCb: noopConnect,
		packageCb: noopPackage,
	}
	if fd >= 0 {
		s.token = uint32(fd)
		s.logger = s.logger.With("token", s.token)
		s.lastRecv = s.clock.Now()
	}
	return s
}

func (s *SocketStream) connect(ip string, port int, timeout uint64, now uint64) (uint32, error) {
	ap, err := netfd.ParseAddr(ip, port)
	if err != nil {
		return 0, api.NewError(api.ErrCodeAddress, "connect", err).WithContext("ip", ip).WithContext("port", port)
	}
	fd, err := netfd.Connect(ap)
	if err != nil {
		return 0, api.NewError(api.ErrCodeAddress, "connect", err).WithContext("ip", ip).WithContext("port", port)
	}
	s.fd = fd
	s.token = uint32(fd)
	s.logger = s.logger.With("token", s.token)
	s.status = api.LinkConnecting
	if timeout > 0 {
		s.connectDeadline = now + timeout
	}
	return s.token, nil
}

// Port returns the local port of the stream.
func (s *SocketStream) Port() int {
	port, err := netfd.LocalPort(s.fd)
	if err != nil {
		return 0
	}
	return port
}

// Pending returns the number of queued bytes not yet written.
func (s *SocketStream) Pending() int { return s.pending }

func (s *SocketStream) Token() uint32          { return s.token }
func (s *SocketStream) Status() api.LinkStatus { return s.status }

func (s *SocketStream) IsSameKind(kind uint32) bool { return s.kind == kind }
func (s *SocketStream) SetKind(kind uint32)         { s.kind = kind }
func (s *SocketStream) SetTimeout(ms uint64)        { s.timeout = ms }
func (s *SocketStream) SetPrototype(p api.Prototype) {
	s.asm.SetPrototype(p)
}

func (s *SocketStream) SetNodelay(flag bool) {
	if s.fd < 0 {
		return
	}
	if err := netfd.SetNoDelay(s.fd, flag); err != nil {
		s.logger.Debug("set nodelay", "error", err)
	}
}

func (s *SocketStream) SetErrorCallback(cb api.ErrorFunc) {
	if cb == nil {
		cb = noopError
	}
	s.errorCb = cb
}

func (s *SocketStream) SetConnectCallback(cb api.ConnectFunc) {
	if cb == nil {
		cb = noopConnect
	}
	s.connectCb = cb
}

func (s *SocketStream) SetPackageCallback(cb api.PackageFunc) {
	if cb == nil {
		cb = noopPackage
	}
	s.packageCb = cb
}

// Close marks the stream for eviction. Pending output is drained first,
// as long as the peer keeps taking bytes within the drain window.
func (s *SocketStream) Close() {
	switch s.status {
	case api.LinkConnected:
		if s.pending > 0 {
			s.status = api.LinkClosing
			s.extendClose()
		} else {
			s.status = api.LinkClosed
		}
	case api.LinkInit, api.LinkConnecting:
		s.status = api.LinkClosed
	}
}

// extendClose restarts the drain window of a closing stream.
func (s *SocketStream) extendClose() {
	window := s.timeout
	if window == 0 {
		window = s.linger
	}
	s.closeDeadline = s.clock.Now() + window
}

func (s *SocketStream) onError(err error) {
	switch s.status {
	case api.LinkConnected:
		s.status = api.LinkClosed
		s.tm.incr(MetricSocketErrorCount, 1, metrics.Label{Name: MLabelError, Value: errorLabel(err)})
		s.logger.Warn("stream failed", "error", err)
		s.errorCb(err)
	case api.LinkClosing:
		s.status = api.LinkClosed
	}
}

func (s *SocketStream) onConnect(ok bool, reason string) {
	if ok {
		s.lastRecv = s.clock.Now()
		s.status = api.LinkConnected
	} else {
		s.status = api.LinkClosed
		s.tm.incr(MetricSocketConnectErrorCount, 1, metrics.Label{Name: MLabelError, Value: "handshake"})
		s.logger.Debug("connect failed", "reason", reason)
	}
	s.connectCb(ok, reason)
}

// DoRecv drains the socket into the frame assembler.
func (s *SocketStream) DoRecv() {
	if s.status != api.LinkConnected && s.status != api.LinkClosing {
		return
	}
	buf := s.bufs.GetBuffer()
	defer s.bufs.PutBuffer(buf)
	for s.status == api.LinkConnected || s.status == api.LinkClosing {
		n, err := netfd.Read(s.fd, *buf)
		if err != nil {
			if !netfd.IsWouldBlock(err) {
				s.onError(err)
			}
			return
		}
		if n == 0 {
			s.onError(api.ErrPeerClosed)
			return
		}
		s.lastRecv = s.clock.Now()
		s.tm.incr(MetricSocketInBytes, float32(n))
		if err := s.asm.Feed((*buf)[:n], s.onPackage); err != nil {
			s.onError(err)
			return
		}
	}
}

func (s *SocketStream) onPackage(frame []byte) {
	if s.status == api.LinkClosed {
		return
	}
	s.packageCb(frame)
}

// DoSend completes a pending connect or flushes queued output.
func (s *SocketStream) DoSend() {
	switch s.status {
	case api.LinkConnected, api.LinkClosing:
		s.flush()
	case api.LinkConnecting:
		if err := netfd.ProbePeer(s.fd); err != nil {
			s.onConnect(false, err.Error())
			return
		}
		mgr := s.mgr.Get()
		if mgr == nil {
			return
		}
		if err := mgr.watchConnected(s.token); err != nil {
			s.onConnect(false, err.Error())
			return
		}
		s.interest = reactor.Readable
		s.onConnect(true, "ok")
		if s.status == api.LinkConnected && s.pending > 0 {
			s.flush()
		}
	}
}

func (s *SocketStream) Send(data []byte) {
	s.Sendv(data)
}

// Sendv writes items in one scatter write when nothing is queued; whatever
// the kernel does not take is copied to the send queue and writability is
// watched until it drains. Sends before connect completion are queued.
func (s *SocketStream) Sendv(items ...[]byte) {
	switch s.status {
	case api.LinkConnecting:
		s.enqueue(items, 0)
		return
	case api.LinkConnected:
	default:
		return
	}
	if s.pending > 0 {
		s.enqueue(items, 0)
		return
	}
	total := 0
	for _, it := range items {
		total += len(it)
	}
	if total == 0 {
		return
	}
	n, err := netfd.Writev(s.fd, items)
	if err != nil {
		if !netfd.IsWouldBlock(err) {
			s.onError(err)
			return
		}
		n = 0
	}
	s.tm.incr(MetricSocketOutBytes, float32(n))
	if n < total {
		s.enqueue(items, n)
		s.armWrite()
	}
}

// enqueue copies items, minus the first skip bytes, into one queued buffer.
func (s *SocketStream) enqueue(items [][]byte, skip int) {
	size := 0
	for _, it := range items {
		size += len(it)
	}
	size -= skip
	if size <= 0 {
		return
	}
	buf := make([]byte, 0, size)
	for _, it := range items {
		if skip >= len(it) {
			skip -= len(it)
			continue
		}
		buf = append(buf, it[skip:]...)
		skip = 0
	}
	s.sendq.Add(buf)
	s.pending += len(buf)
	s.tm.sample(MetricSocketPendingBytes, float32(s.pending))
}

func (s *SocketStream) armWrite() {
	if s.interest&reactor.Writable != 0 {
		return
	}
	mgr := s.mgr.Get()
	if mgr == nil {
		return
	}
	if err := mgr.watchSend(s.token); err != nil {
		s.onError(err)
		return
	}
	s.interest = reactor.Readable | reactor.Writable
}

func (s *SocketStream) disarmWrite() {
	if s.interest&reactor.Writable == 0 {
		return
	}
	mgr := s.mgr.Get()
	if mgr == nil {
		return
	}
	if err := mgr.watchConnected(s.token); err != nil {
		s.onError(err)
		return
	}
	s.interest = reactor.Readable
}

// flush writes queued buffers until the queue is empty or the kernel
// reports would-block.
func (s *SocketStream) flush() {
	iovs := make([][]byte, 0, maxIovecs)
	for s.sendq.Length() > 0 {
		iovs = iovs[:0]
		for i := 0; i < s.sendq.Length() && i < maxIovecs; i++ {
			b := s.sendq.Get(i).([]byte)
			if i == 0 {
				b = b[s.headOff:]
			}
			iovs = append(iovs, b)
		}
		n, err := netfd.Writev(s.fd, iovs)
		if err != nil {
			if netfd.IsWouldBlock(err) {
				s.armWrite()
			} else {
				s.onError(err)
			}
			return
		}
		s.tm.incr(MetricSocketOutBytes, float32(n))
		s.consume(n)
	}
	s.disarmWrite()
}

func (s *SocketStream) consume(n int) {
	if n > 0 && s.status == api.LinkClosing {
		s.extendClose()
	}
	s.pending -= n
	for n > 0 && s.sendq.Length() > 0 {
		head := s.sendq.Peek().([]byte)
		left := len(head) - s.headOff
		if n < left {
			s.headOff += n
			return
		}
		n -= left
		s.sendq.Remove()
		s.headOff = 0
	}
}

// Update implements the eviction contract: true means remove me.
func (s *SocketStream) Update(now uint64) bool {
	switch s.status {
	case api.LinkClosed:
		return true
	case api.LinkConnecting:
		if s.connectDeadline > 0 && now >= s.connectDeadline {
			s.onConnect(false, api.ErrConnectTimeout.Error())
			return true
		}
	case api.LinkConnected:
		if s.timeout > 0 && now > s.lastRecv && now-s.lastRecv > s.timeout {
			s.onError(api.ErrIdleTimeout)
			return true
		}
	case api.LinkClosing:
		if s.pending == 0 {
			if err := netfd.Shutdown(s.fd); err != nil {
				s.logger.Debug("shutdown on close", "error", err)
			}
			s.status = api.LinkClosed
			return true
		}
		if now >= s.closeDeadline {
			s.logger.Debug("dropping undelivered output", "pending", s.pending)
			s.tm.incr(MetricSocketDropCount, 1)
			s.status = api.LinkClosed
			return true
		}
	}
	return false
}

func (s *SocketStream) Release() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	return netfd.Close(fd)
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, api.ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, api.ErrIdleTimeout):
		return "timeout"
	case errors.Is(err, api.ErrFrameTooLarge):
		return "frame_too_large"
	}
	return "io"
}
