//go:build !linux
// +build !linux

// internal/netfd/netfd_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub fallback for platforms without the raw socket backend.

package netfd

import (
	"net/netip"

	"github.com/momentics/hioload-bus/api"
)

func Listen(netip.AddrPort) (int, error)  { return -1, api.ErrNotSupported }
func Connect(netip.AddrPort) (int, error) { return -1, api.ErrNotSupported }
func Accept(int) (int, error)             { return -1, api.ErrNotSupported }
func Read(int, []byte) (int, error)       { return 0, api.ErrNotSupported }
func Writev(int, [][]byte) (int, error)   { return 0, api.ErrNotSupported }
func ProbePeer(int) error                 { return api.ErrNotSupported }
func SetNoDelay(int, bool) error          { return api.ErrNotSupported }
func LocalPort(int) (int, error)          { return 0, api.ErrNotSupported }
func Shutdown(int) error                  { return api.ErrNotSupported }
func Close(int) error                     { return api.ErrNotSupported }
func IsWouldBlock(error) bool             { return false }
func IsAddrInUse(error) bool              { return false }
