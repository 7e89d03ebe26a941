//go:build linux

package netfd_test

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/internal/netfd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	ap, err := netfd.ParseAddr("127.0.0.1", 8080)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", ap.String())

	ap, err = netfd.ParseAddr("::1", 0)
	require.NoError(t, err)
	assert.True(t, ap.Addr().Is6())

	_, err = netfd.ParseAddr("not-an-ip", 80)
	assert.True(t, errors.Is(err, api.ErrInvalidAddress))

	_, err = netfd.ParseAddr("127.0.0.1", 70000)
	assert.True(t, errors.Is(err, api.ErrInvalidAddress))
}

func TestListen_AddrInUse(t *testing.T) {
	ap, err := netfd.ParseAddr("127.0.0.1", 0)
	require.NoError(t, err)
	fd, err := netfd.Listen(ap)
	require.NoError(t, err)
	defer netfd.Close(fd)

	port, err := netfd.LocalPort(fd)
	require.NoError(t, err)
	require.NotZero(t, port)

	ap, err = netfd.ParseAddr("127.0.0.1", port)
	require.NoError(t, err)
	_, err = netfd.Listen(ap)
	require.Error(t, err)
	assert.True(t, netfd.IsAddrInUse(err))
}

func TestConnect_ReadWouldBlock(t *testing.T) {
	ap, err := netfd.ParseAddr("127.0.0.1", 0)
	require.NoError(t, err)
	lfd, err := netfd.Listen(ap)
	require.NoError(t, err)
	defer netfd.Close(lfd)
	port, err := netfd.LocalPort(lfd)
	require.NoError(t, err)

	ap, err = netfd.ParseAddr("127.0.0.1", port)
	require.NoError(t, err)
	cfd, err := netfd.Connect(ap)
	require.NoError(t, err)
	defer netfd.Close(cfd)

	buf := make([]byte, 16)
	_, err = netfd.Read(cfd, buf)
	require.Error(t, err)
	assert.True(t, netfd.IsWouldBlock(err))
}
