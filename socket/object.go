package socket

import (
	"time"
	"weak"

	"github.com/benbjohnson/clock"
	"github.com/momentics/hioload-bus/api"
)

// SocketObj is the capability every registered socket exposes to the registry.
//
// Update is the eviction contract: it runs once per Wait before polling and
// returns true when the object has expired and must be removed from the
// registry, false to stay registered.
type SocketObj interface {
	Token() uint32
	Status() api.LinkStatus
	Close()
	DoRecv()
	DoSend()
	Update(now uint64) bool
	IsSameKind(kind uint32) bool
	Send(data []byte)
	Sendv(items ...[]byte)
	SetNodelay(flag bool)
	SetTimeout(ms uint64)
	SetPrototype(p api.Prototype)
	SetKind(kind uint32)
	SetErrorCallback(cb api.ErrorFunc)
	SetAcceptCallback(cb api.AcceptFunc)
	SetConnectCallback(cb api.ConnectFunc)
	SetPackageCallback(cb api.PackageFunc)

	// Release closes the OS socket. Called by the registry on eviction only.
	Release() error
}

// noopObj provides the no-op defaults for capabilities a variant lacks.
type noopObj struct{}

func (noopObj) DoSend() {}
func (noopObj) Send([]byte) {}
func (noopObj) Sendv(...[]byte) {}
func (noopObj) SetNodelay(bool) {}
func (noopObj) SetTimeout(uint64) {}
func (noopObj) SetPrototype(api.Prototype) {}
func (noopObj) SetKind(uint32) {}
func (noopObj) SetErrorCallback(api.ErrorFunc) {}
func (noopObj) SetAcceptCallback(api.AcceptFunc) {}
func (noopObj) SetConnectCallback(api.ConnectFunc) {}
func (noopObj) SetPackageCallback(api.PackageFunc) {}

// Handle is a non-owning reference to a SocketMgr. It never keeps the
// registry alive and resolves to nil once the registry is shut down or
// collected, which callers treat as "nothing to do".
type Handle struct {
	p weak.Pointer[SocketMgr]
}

// Get returns the registry if it is still alive.
func (h Handle) Get() *SocketMgr {
	m := h.p.Value()
	if m == nil || m.closed {
		return nil
	}
	return m
}

// steadyClock yields milliseconds elapsed since the registry was created.
// Shared by the registry and its streams so timestamps stay comparable.
type steadyClock struct {
	clk   clock.Clock
	epoch time.Time
}

func newSteadyClock(clk clock.Clock) *steadyClock {
	if clk == nil {
		clk = clock.New()
	}
	return &steadyClock{clk: clk, epoch: clk.Now()}
}

func (c *steadyClock) Now() uint64 {
	d := c.clk.Since(c.epoch)
	if d < 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}

func noopError(error) {}
func noopAccept(uint32) {}
func noopConnect(bool, string) {}
func noopPackage([]byte) {}
