package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing.
// Record maps are keyed by FQDN with trailing dot; PTR is keyed by IP text.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string
}

var _ Resolver = MockResolver{}

func (r MockResolver) check(ctx context.Context, qtype, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(r.Fail, qtype+" "+name) {
		return toDNSError(ErrDNSServFail, name)
	}
	return nil
}

func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	fqdn := ensureFQDN(domain)
	if err := r.check(ctx, "txt", fqdn); err != nil {
		return nil, err
	}
	if records := r.TXT[fqdn]; len(records) > 0 {
		return records, nil
	}
	return nil, toDNSError(ErrDNSNotFound, fqdn)
}

// LookupIPAddr returns A and AAAA records for the given host.
func (r MockResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	fqdn := ensureFQDN(host)
	if err := r.check(ctx, "a", fqdn); err != nil {
		return nil, err
	}
	if err := r.check(ctx, "aaaa", fqdn); err != nil {
		return nil, err
	}

	var addrs []net.IPAddr
	for _, ip := range append(slices.Clone(r.A[fqdn]), r.AAAA[fqdn]...) {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
	}
	if len(addrs) == 0 {
		return nil, toDNSError(ErrDNSNotFound, fqdn)
	}
	return addrs, nil
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	fqdn := ensureFQDN(domain)
	if err := r.check(ctx, "mx", fqdn); err != nil {
		return nil, err
	}
	if records := r.MX[fqdn]; len(records) > 0 {
		return records, nil
	}
	return nil, toDNSError(ErrDNSNotFound, fqdn)
}

// LookupAddr performs a reverse DNS lookup.
func (r MockResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if err := r.check(ctx, "ptr", addr); err != nil {
		return nil, err
	}
	if records := r.PTR[addr]; len(records) > 0 {
		return records, nil
	}
	return nil, toDNSError(ErrDNSNotFound, addr)
}
