package socket

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/internal/netfd"
)

// SocketListener is the passive state machine: Init -> Connected on listen,
// Connected -> Closed on close or on a terminal accept error.
type SocketListener struct {
	noopObj
	token    uint32
	fd       int
	status   api.LinkStatus
	proto    api.Prototype
	mgr      Handle
	logger   *slog.Logger
	tm       *telemetry
	errorCb  api.ErrorFunc
	acceptCb api.AcceptFunc
}

func newListener(m *SocketMgr) *SocketListener {
	return &SocketListener{
		fd:       -1,
		status:   api.LinkInit,
		proto:    m.cfg.proto,
		mgr:      m.self,
		logger:   m.logger,
		tm:       m.tm,
		errorCb:  noopError,
		acceptCb: noopAccept,
	}
}

func (l *SocketListener) listen(ip string, port int) (uint32, error) {
	ap, err := netfd.ParseAddr(ip, port)
	if err != nil {
		return 0, api.NewError(api.ErrCodeAddress, "listen", err).WithContext("ip", ip).WithContext("port", port)
	}
	fd, err := netfd.Listen(ap)
	if err != nil {
		return 0, api.NewError(api.ErrCodeAddress, "listen", err).WithContext("ip", ip).WithContext("port", port)
	}
	l.fd = fd
	l.token = uint32(fd)
	l.status = api.LinkConnected
	l.logger = l.logger.With("token", l.token)
	return l.token, nil
}

// Port returns the bound port, useful after listening on port 0.
func (l *SocketListener) Port() int {
	port, err := netfd.LocalPort(l.fd)
	if err != nil {
		return 0
	}
	return port
}

func (l *SocketListener) onError(err error) {
	if l.status == api.LinkConnected {
		l.status = api.LinkClosed
		l.tm.incr(MetricSocketAcceptErrorCount, 1, metrics.Label{Name: MLabelError, Value: "accept"})
		l.logger.Warn("listener failed", "error", err)
		l.errorCb(err)
	}
}

func (l *SocketListener) Token() uint32          { return l.token }
func (l *SocketListener) Status() api.LinkStatus { return l.status }

// IsSameKind is always false: listeners never take part in broadcasts.
func (l *SocketListener) IsSameKind(uint32) bool { return false }

func (l *SocketListener) SetPrototype(p api.Prototype) { l.proto = p }

func (l *SocketListener) SetErrorCallback(cb api.ErrorFunc) {
	if cb == nil {
		cb = noopError
	}
	l.errorCb = cb
}

func (l *SocketListener) SetAcceptCallback(cb api.AcceptFunc) {
	if cb == nil {
		cb = noopAccept
	}
	l.acceptCb = cb
}

func (l *SocketListener) Close() {
	l.status = api.LinkClosed
}

// DoRecv drains the accept queue. Readiness is edge-triggered, so accepting
// stops only once the kernel reports would-block.
func (l *SocketListener) DoRecv() {
	for l.status == api.LinkConnected {
		fd, err := netfd.Accept(l.fd)
		if err != nil {
			if !netfd.IsWouldBlock(err) {
				l.onError(err)
			}
			return
		}
		mgr := l.mgr.Get()
		if mgr == nil {
			_ = netfd.Close(fd)
			return
		}
		token, err := mgr.watchAccepted(fd, l.token, l.proto)
		if err != nil {
			_ = netfd.Close(fd)
			l.onError(err)
			return
		}
		l.acceptCb(token)
	}
}

// Update evicts the listener once it is closed.
func (l *SocketListener) Update(uint64) bool {
	return l.status == api.LinkClosed
}

func (l *SocketListener) Release() error {
	if l.fd < 0 {
		return nil
	}
	fd := l.fd
	l.fd = -1
	return netfd.Close(fd)
}
