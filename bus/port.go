package bus

import (
	"math"

	"github.com/momentics/hioload-bus/internal/netfd"
)

// derivePortAttempts is how many consecutive ports DerivePort probes.
const derivePortAttempts = 20

// DerivePort returns the first port from port onwards that can be bound on
// all interfaces, or 0 when none of the next 20 can. The search never wraps
// past 65535 and port 0 is never probed. The probe socket is closed before
// returning, so another process may still take the port.
func DerivePort(port uint16) uint16 {
	if port == 0 {
		return 0
	}
	for i := 0; i < derivePortAttempts; i++ {
		if probe(port) {
			return port
		}
		if port == math.MaxUint16 {
			break
		}
		port++
	}
	return 0
}

func probe(port uint16) bool {
	ap, err := netfd.ParseAddr("0.0.0.0", int(port))
	if err != nil {
		return false
	}
	fd, err := netfd.Listen(ap)
	if err != nil {
		return false
	}
	_ = netfd.Close(fd)
	return true
}
