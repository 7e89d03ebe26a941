// File: internal/netfd/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netfd

import (
	"fmt"
	"net/netip"

	"github.com/momentics/hioload-bus/api"
)

// ParseAddr validates an ip/port pair the way listen and connect expect it.
func ParseAddr(ip string, port int) (netip.AddrPort, error) {
	if port < 0 || port > 0xffff {
		return netip.AddrPort{}, fmt.Errorf("%w: port %d out of range", api.ErrInvalidAddress, port)
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", api.ErrInvalidAddress, err)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}
