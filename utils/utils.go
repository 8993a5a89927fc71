package utils

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/idna"
)

// AddrPort extracts the IP and port from a network address. IPv4-mapped
// IPv6 addresses are unmapped so policy matching sees plain IPv4.
func AddrPort(addr net.Addr) (netip.Addr, uint16, error) {
	if addr == nil {
		return netip.Addr{}, 0, fmt.Errorf("address is nil")
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return netip.Addr{}, 0, fmt.Errorf("invalid IP in address: %v", addr)
		}
		return ip.Unmap(), uint16(a.Port), nil
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return netip.Addr{}, 0, fmt.Errorf("invalid IP in address: %v", addr)
		}
		return ip.Unmap(), uint16(a.Port), nil
	}

	// Fall back to the string form (proxy protocol and pipe addresses).
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		ip, perr := netip.ParseAddr(addr.String())
		if perr != nil {
			return netip.Addr{}, 0, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
		return ip.Unmap(), 0, nil
	}
	return ap.Addr().Unmap(), ap.Port(), nil
}

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// IDGenerator hands out monotonically increasing ULIDs. Safe for concurrent use.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator creates a generator seeded from crypto/rand.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next session id.
func (g *IDGenerator) Next() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Now(), g.entropy)
}

// HasValidLabels reports whether domain is a fully qualified host name:
// at least two labels, each 1-63 letters, digits or hyphens, not starting
// or ending with a hyphen. Internationalized names are checked in their
// A-label form.
func HasValidLabels(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" || len(domain) > 253 {
		return false
	}
	if ContainsNonASCII(domain) {
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return false
		}
		domain = ascii
	}

	labels := 0
	for label := range strings.SplitSeq(domain, ".") {
		if !validLabel(label) {
			return false
		}
		labels++
	}
	return labels >= 2
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
