package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestToDNSError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		timeout   bool
		temporary bool
	}{
		{name: "not found", err: ErrDNSNotFound, notFound: true},
		{name: "timeout", err: ErrDNSTimeout, timeout: true, temporary: true},
		{name: "servfail", err: ErrDNSServFail, temporary: true},
		{name: "refused", err: ErrDNSRefused, temporary: true},
		{name: "context deadline", err: context.DeadlineExceeded, timeout: true, temporary: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := toDNSError(tt.err, "example.com")
			var dnsErr *net.DNSError
			if !errors.As(err, &dnsErr) {
				t.Fatalf("got %T, want *net.DNSError", err)
			}
			if dnsErr.IsNotFound != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", dnsErr.IsNotFound, tt.notFound)
			}
			if dnsErr.IsTimeout != tt.timeout {
				t.Errorf("IsTimeout = %v, want %v", dnsErr.IsTimeout, tt.timeout)
			}
			if dnsErr.IsTemporary != tt.temporary {
				t.Errorf("IsTemporary = %v, want %v", dnsErr.IsTemporary, tt.temporary)
			}
			if dnsErr.Name != "example.com" {
				t.Errorf("Name = %q", dnsErr.Name)
			}
		})
	}

	if toDNSError(nil, "x") != nil {
		t.Error("nil error should stay nil")
	}
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:53"}})
	cfg := r.Config()
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.Retries != 2 {
		t.Errorf("Retries = %d", cfg.Retries)
	}
}

func TestResolverCancelledContext(t *testing.T) {
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond, Retries: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.LookupTXT(ctx, "example.com"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestMockResolver(t *testing.T) {
	ctx := context.Background()
	r := MockResolver{
		TXT:  map[string][]string{"example.com.": {"v=spf1 -all"}},
		A:    map[string][]string{"mx.example.com.": {"192.0.2.1"}},
		AAAA: map[string][]string{"mx.example.com.": {"2001:db8::1"}},
		MX:   map[string][]*net.MX{"example.com.": {{Host: "mx.example.com.", Pref: 10}}},
		PTR:  map[string][]string{"192.0.2.1": {"mx.example.com."}},
		Fail: []string{"txt broken.example."},
	}

	txt, err := r.LookupTXT(ctx, "example.com")
	if err != nil || len(txt) != 1 {
		t.Fatalf("LookupTXT = %v, %v", txt, err)
	}

	addrs, err := r.LookupIPAddr(ctx, "mx.example.com")
	if err != nil || len(addrs) != 2 {
		t.Fatalf("LookupIPAddr = %v, %v", addrs, err)
	}

	mxs, err := r.LookupMX(ctx, "example.com.")
	if err != nil || mxs[0].Pref != 10 {
		t.Fatalf("LookupMX = %v, %v", mxs, err)
	}

	names, err := r.LookupAddr(ctx, "192.0.2.1")
	if err != nil || names[0] != "mx.example.com." {
		t.Fatalf("LookupAddr = %v, %v", names, err)
	}

	var dnsErr *net.DNSError
	_, err = r.LookupTXT(ctx, "missing.example")
	if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Errorf("missing record: err = %v", err)
	}
	_, err = r.LookupTXT(ctx, "broken.example")
	if !errors.As(err, &dnsErr) || !dnsErr.IsTemporary {
		t.Errorf("failing record: err = %v", err)
	}
}
