//go:build linux

package socket

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSink records counters by their first key path.
type countingSink struct {
	metrics.BlackholeSink
	mu       sync.Mutex
	counters map[string]float32
}

func (c *countingSink) IncrCounterWithLabels(key []string, val float32, _ []metrics.Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters == nil {
		c.counters = make(map[string]float32)
	}
	c.counters[keyString(key)] += val
}

func (c *countingSink) get(key []string) float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[keyString(key)]
}

func keyString(key []string) string {
	var b bytes.Buffer
	for i, k := range key {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(k)
	}
	return b.String()
}

func newTestMgr(t *testing.T, opts ...Option) *SocketMgr {
	t.Helper()
	base := []Option{
		WithLog(slog.NewTextHandler(io.Discard, nil)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}
	m, err := NewSocketMgr(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func listenLoopback(t *testing.T, m *SocketMgr) (uint32, int) {
	t.Helper()
	token, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	port := m.LocalPort(token)
	require.NotZero(t, port)
	return token, port
}

// pump ticks the registry until cond holds or the deadline expires.
func pump(t *testing.T, m *SocketMgr, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		m.Wait(m.Now(), 5)
	}
}

func frame(t *testing.T, payload []byte) []byte {
	t.Helper()
	f, err := protocol.EncodeFrame(payload)
	require.NoError(t, err)
	return f
}

func TestWait_EmptyRegistryTimesOut(t *testing.T) {
	m := newTestMgr(t)
	start := time.Now()
	n := m.Wait(m.Now(), 50)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWait_ElapsedBudgetIsDeducted(t *testing.T) {
	mock := clock.NewMock()
	m := newTestMgr(t, WithClock(mock))
	now := m.Now()
	mock.Add(time.Second)

	start := time.Now()
	assert.Zero(t, m.Wait(now, 500))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestListen_SamePortTwice(t *testing.T) {
	m := newTestMgr(t)
	first, port := listenLoopback(t, m)

	_, err := m.Listen("127.0.0.1", port)
	require.Error(t, err)
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, api.ErrCodeAddress, apiErr.Code)

	assert.Equal(t, 1, m.Len())
	_, ok := m.Status(first)
	assert.True(t, ok)
}

func TestListen_InvalidAddress(t *testing.T) {
	m := newTestMgr(t)
	_, err := m.Listen("256.0.0.1", 80)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidAddress))
	assert.Zero(t, m.Len())
}

func TestConnect_CapacityOnlyOnConnect(t *testing.T) {
	m := newTestMgr(t, WithMaxConn(1))
	_, port := listenLoopback(t, m)

	_, err := m.Connect("127.0.0.1", port, 0)
	require.ErrorIs(t, err, api.ErrMgrFull)
	assert.Equal(t, 1, m.Len())
}

func TestStream_EchoRoundTrip(t *testing.T) {
	m := newTestMgr(t)
	lt, port := listenLoopback(t, m)

	var accepted []uint32
	m.SetAcceptCallback(lt, func(token uint32) {
		accepted = append(accepted, token)
		m.SetPackageCallback(token, func(data []byte) {
			m.Send(token, data)
		})
	})

	ct, err := m.Connect("127.0.0.1", port, 1000)
	require.NoError(t, err)
	status, ok := m.Status(ct)
	require.True(t, ok)
	assert.Equal(t, api.LinkConnecting, status)

	var connected bool
	var echoed [][]byte
	m.SetConnectCallback(ct, func(ok bool, reason string) {
		connected = ok
		assert.Equal(t, "ok", reason)
	})
	m.SetPackageCallback(ct, func(data []byte) {
		echoed = append(echoed, append([]byte(nil), data...))
	})

	// queued while connecting, flushed on connect
	msg := frame(t, []byte("hello mesh"))
	m.Send(ct, msg)

	pump(t, m, func() bool { return len(echoed) == 1 })
	assert.True(t, connected)
	require.Len(t, accepted, 1)
	assert.Equal(t, msg, echoed[0])

	status, _ = m.Status(ct)
	assert.Equal(t, api.LinkConnected, status)
}

func TestStream_LargePayloadIsQueued(t *testing.T) {
	m := newTestMgr(t)
	lt, port := listenLoopback(t, m)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 512*1024) // 8 MiB
	var got []byte
	m.SetAcceptCallback(lt, func(token uint32) {
		m.SetPackageCallback(token, func(data []byte) {
			got = append([]byte(nil), data...)
		})
	})

	ct, err := m.Connect("127.0.0.1", port, 0)
	require.NoError(t, err)
	var connected bool
	m.SetConnectCallback(ct, func(ok bool, _ string) { connected = ok })
	pump(t, m, func() bool { return connected })

	var prefix [protocol.LengthPrefixSize]byte
	full := frame(t, payload)
	copy(prefix[:], full)
	m.Sendv(ct, prefix[:], payload)

	pump(t, m, func() bool { return got != nil })
	assert.Equal(t, full, got)

	s := m.objects[ct].(*SocketStream)
	assert.Zero(t, s.Pending())
}

func TestClose_IsDeferredToNextWait(t *testing.T) {
	m := newTestMgr(t)
	lt, _ := listenLoopback(t, m)

	m.Close(lt)
	status, ok := m.Status(lt)
	require.True(t, ok)
	assert.Equal(t, api.LinkClosed, status)
	assert.Equal(t, 1, m.Len())

	m.Wait(m.Now(), 0)
	assert.Zero(t, m.Len())

	// unknown tokens are ignored
	m.Close(lt)
	m.Send(lt, []byte("x"))
	m.SetTimeout(lt, 10)
	m.SetNodelay(lt, true)
}

func TestStream_PeerCloseFiresErrorOnce(t *testing.T) {
	m := newTestMgr(t)
	lt, port := listenLoopback(t, m)

	var server uint32
	var errs []error
	m.SetAcceptCallback(lt, func(token uint32) {
		server = token
		m.SetErrorCallback(token, func(err error) { errs = append(errs, err) })
	})

	ct, err := m.Connect("127.0.0.1", port, 0)
	require.NoError(t, err)
	pump(t, m, func() bool { return server != 0 })

	pump(t, m, func() bool {
		st, _ := m.Status(ct)
		return st == api.LinkConnected
	})
	m.Close(ct)
	pump(t, m, func() bool { return len(errs) > 0 })
	assert.ErrorIs(t, errs[0], api.ErrPeerClosed)

	pump(t, m, func() bool {
		_, ok := m.Status(server)
		return !ok
	})
	assert.Len(t, errs, 1)
}

func TestStream_IdleTimeoutEvicts(t *testing.T) {
	mock := clock.NewMock()
	m := newTestMgr(t, WithClock(mock))
	lt, port := listenLoopback(t, m)

	var server uint32
	var errs []error
	m.SetAcceptCallback(lt, func(token uint32) {
		server = token
		m.SetTimeout(token, 100)
		m.SetErrorCallback(token, func(err error) { errs = append(errs, err) })
	})
	_, err := m.Connect("127.0.0.1", port, 0)
	require.NoError(t, err)
	pump(t, m, func() bool { return server != 0 })

	mock.Add(50 * time.Millisecond)
	m.Wait(m.Now(), 0)
	_, ok := m.Status(server)
	require.True(t, ok)

	mock.Add(200 * time.Millisecond)
	m.Wait(m.Now(), 0)
	_, ok = m.Status(server)
	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], api.ErrIdleTimeout)
}

func TestStream_ConnectDeadline(t *testing.T) {
	mock := clock.NewMock()
	m := newTestMgr(t, WithClock(mock))
	_, port := listenLoopback(t, m)

	ct, err := m.Connect("127.0.0.1", port, 50)
	require.NoError(t, err)
	var result *bool
	var why string
	m.SetConnectCallback(ct, func(ok bool, reason string) {
		result = &ok
		why = reason
	})

	mock.Add(100 * time.Millisecond)
	m.Wait(m.Now(), 0)

	require.NotNil(t, result)
	assert.False(t, *result)
	assert.Equal(t, api.ErrConnectTimeout.Error(), why)
	_, ok := m.Status(ct)
	assert.False(t, ok)
}

func TestStream_ConnectRefused(t *testing.T) {
	m := newTestMgr(t)
	lt, port := listenLoopback(t, m)
	m.Close(lt)
	m.Wait(m.Now(), 0)

	ct, err := m.Connect("127.0.0.1", port, 0)
	if err != nil {
		// loopback may refuse synchronously
		return
	}
	var done, success bool
	m.SetConnectCallback(ct, func(ok bool, _ string) {
		done = true
		success = ok
	})
	pump(t, m, func() bool { return done })
	assert.False(t, success)

	m.Wait(m.Now(), 0)
	_, ok := m.Status(ct)
	assert.False(t, ok)
}

func TestBroadcast_ByListenerKind(t *testing.T) {
	m := newTestMgr(t)
	lt, port := listenLoopback(t, m)

	var accepted int
	m.SetAcceptCallback(lt, func(uint32) { accepted++ })

	received := map[uint32]int{}
	var clients []uint32
	for i := 0; i < 2; i++ {
		ct, err := m.Connect("127.0.0.1", port, 0)
		require.NoError(t, err)
		m.SetPackageCallback(ct, func([]byte) { received[ct]++ })
		clients = append(clients, ct)
	}
	pump(t, m, func() bool { return accepted == 2 })
	pump(t, m, func() bool {
		for _, ct := range clients {
			if st, _ := m.Status(ct); st != api.LinkConnected {
				return false
			}
		}
		return true
	})

	m.Broadcast(lt, frame(t, []byte("all")))
	pump(t, m, func() bool { return received[clients[0]] == 1 && received[clients[1]] == 1 })

	m.BroadcastGroup([]uint32{clients[0], 9999}, frame(t, []byte("one")))
	pump(t, m, func() bool { return received[clients[0]] == 2 })
	assert.Equal(t, 1, received[clients[1]])
}

func TestMetrics_AcceptAndEvict(t *testing.T) {
	sink := &countingSink{}
	m := newTestMgr(t, WithMetricSink(sink))
	lt, port := listenLoopback(t, m)

	var server uint32
	m.SetAcceptCallback(lt, func(token uint32) { server = token })
	_, err := m.Connect("127.0.0.1", port, 0)
	require.NoError(t, err)
	pump(t, m, func() bool { return server != 0 })

	m.Close(server)
	m.Wait(m.Now(), 0)
	assert.Equal(t, float32(1), sink.get(MetricSocketAcceptCount))
	assert.Equal(t, float32(1), sink.get(MetricSocketEvictCount))
	assert.Equal(t, float32(1), sink.get(MetricSocketConnectCount))
}

func TestShutdown_ReleasesEverything(t *testing.T) {
	m := newTestMgr(t)
	listenLoopback(t, m)
	h := m.Handle()
	require.NotNil(t, h.Get())

	require.NoError(t, m.Shutdown())
	assert.Nil(t, h.Get())
	assert.Zero(t, m.Len())
	assert.Zero(t, m.Wait(0, 10))

	_, err := m.Listen("127.0.0.1", 0)
	assert.ErrorIs(t, err, api.ErrMgrClosed)
	_, err = m.Connect("127.0.0.1", 1, 0)
	assert.ErrorIs(t, err, api.ErrMgrClosed)
	assert.NoError(t, m.Shutdown())
}

func TestHandle_DroppedRegistry(t *testing.T) {
	h := func() Handle {
		m, err := NewSocketMgr(WithMetricSink(&metrics.BlackholeSink{}))
		require.NoError(t, err)
		_ = m.poller.Close()
		return m.Handle()
	}()
	for i := 0; i < 5 && h.p.Value() != nil; i++ {
		runtime.GC()
	}
	assert.Nil(t, h.Get())
}

func TestOptions_Validate(t *testing.T) {
	_, err := NewSocketMgr(WithMaxConn(0))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = NewSocketMgr(WithPrototype(api.ProtoMax))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = NewSocketMgr(WithMaxEvents(-1))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = NewSocketMgr(WithRecvBufferSize(0))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	_, err = NewSocketMgr(WithCloseLinger(0))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

// stalledPeer accepts one connection on a plain listener and never reads it.
func stalledPeer(t *testing.T) (int, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	conns := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- c
	}()
	return ln.Addr().(*net.TCPAddr).Port, conns
}

func connectStalled(t *testing.T, m *SocketMgr) (uint32, net.Conn) {
	t.Helper()
	port, conns := stalledPeer(t)
	ct, err := m.Connect("127.0.0.1", port, 0)
	require.NoError(t, err)
	pump(t, m, func() bool {
		st, _ := m.Status(ct)
		return st == api.LinkConnected
	})
	var peer net.Conn
	select {
	case peer = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("peer not accepted")
	}
	t.Cleanup(func() { _ = peer.Close() })
	return ct, peer
}

func TestClose_DrainsPendingBeforeEvict(t *testing.T) {
	m := newTestMgr(t)
	lt, port := listenLoopback(t, m)

	var got [][]byte
	m.SetAcceptCallback(lt, func(token uint32) {
		m.SetPackageCallback(token, func(data []byte) {
			got = append(got, append([]byte(nil), data...))
		})
	})
	ct, err := m.Connect("127.0.0.1", port, 0)
	require.NoError(t, err)
	var clientErrs []error
	m.SetErrorCallback(ct, func(err error) { clientErrs = append(clientErrs, err) })
	pump(t, m, func() bool {
		st, _ := m.Status(ct)
		return st == api.LinkConnected
	})

	f1 := frame(t, bytes.Repeat([]byte{0xa5}, 12<<20))
	f2 := frame(t, bytes.Repeat([]byte{0x5a}, 12<<20))
	m.Send(ct, f1)
	m.Send(ct, f2)
	m.Close(ct)

	st, ok := m.Status(ct)
	require.True(t, ok)
	require.Equal(t, api.LinkClosing, st)

	// output queued after Close is dropped
	s := m.objects[ct].(*SocketStream)
	before := s.Pending()
	m.Send(ct, frame(t, []byte("late")))
	assert.Equal(t, before, s.Pending())

	pump(t, m, func() bool {
		_, ok := m.Status(ct)
		return !ok
	})
	pump(t, m, func() bool { return len(got) == 2 })
	assert.Equal(t, f1, got[0])
	assert.Equal(t, f2, got[1])
	assert.Empty(t, clientErrs)
}

func TestClose_StalledPeerIsEvictedAfterLinger(t *testing.T) {
	mock := clock.NewMock()
	sink := &countingSink{}
	m := newTestMgr(t, WithClock(mock), WithMetricSink(sink), WithCloseLinger(1000))
	ct, _ := connectStalled(t, m)

	var errs []error
	m.SetErrorCallback(ct, func(err error) { errs = append(errs, err) })
	m.Send(ct, make([]byte, 64<<20))
	m.Close(ct)
	st, _ := m.Status(ct)
	require.Equal(t, api.LinkClosing, st)

	mock.Add(500 * time.Millisecond)
	m.Wait(m.Now(), 0)
	_, ok := m.Status(ct)
	require.True(t, ok)

	mock.Add(3 * time.Second)
	m.Wait(m.Now(), 0)
	_, ok = m.Status(ct)
	assert.False(t, ok)
	assert.Empty(t, errs)
	assert.Equal(t, float32(1), sink.get(MetricSocketDropCount))
}

func TestClose_IdleTimeoutBoundsDrain(t *testing.T) {
	mock := clock.NewMock()
	m := newTestMgr(t, WithClock(mock))
	ct, _ := connectStalled(t, m)

	m.SetTimeout(ct, 200)
	m.Send(ct, make([]byte, 64<<20))
	m.Close(ct)

	mock.Add(5 * time.Second)
	m.Wait(m.Now(), 0)
	_, ok := m.Status(ct)
	assert.False(t, ok)
}

func TestClose_ErrorWhileClosingIsSilent(t *testing.T) {
	m := newTestMgr(t)
	ct, peer := connectStalled(t, m)

	var errs []error
	m.SetErrorCallback(ct, func(err error) { errs = append(errs, err) })
	m.Send(ct, make([]byte, 64<<20))
	m.Close(ct)
	st, _ := m.Status(ct)
	require.Equal(t, api.LinkClosing, st)

	// closing with unread data resets the connection
	require.NoError(t, peer.Close())
	pump(t, m, func() bool {
		_, ok := m.Status(ct)
		return !ok
	})
	assert.Empty(t, errs)
}
