package spf

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mxgate/dns"
)

func testVerifier() *Verifier {
	return NewVerifier(dns.MockResolver{
		TXT: map[string][]string{
			"example.com.":    {"v=spf1 ip4:192.0.2.0/24 -all"},
			"soft.example.":   {"v=spf1 ip4:192.0.2.0/24 ~all"},
			"broken.example.": {"v=spf1 include:"},
		},
		Fail: []string{"txt tempfail.example."},
	}, 0)
}

func TestVerifyEHLO(t *testing.T) {
	v := testVerifier()
	ctx := context.Background()

	tests := []struct {
		name string
		ip   string
		helo string
		want Status
	}{
		{"pass", "192.0.2.10", "example.com", StatusPass},
		{"fail", "198.51.100.1", "example.com", StatusFail},
		{"softfail", "198.51.100.1", "soft.example", StatusSoftfail},
		{"none", "198.51.100.1", "norecord.example", StatusNone},
		{"temperror", "198.51.100.1", "tempfail.example", StatusTemperror},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := v.VerifyEHLO(ctx, net.ParseIP(tt.ip), tt.helo)
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, "helo", out.Identity)
			assert.Equal(t, tt.helo, out.Domain)
		})
	}
}

func TestVerifyMailFrom(t *testing.T) {
	v := testVerifier()
	out := v.VerifyMailFrom(context.Background(), net.ParseIP("192.0.2.7"), "mx.other.example", "alice@example.com")
	assert.Equal(t, StatusPass, out.Status)
	assert.Equal(t, "mailfrom", out.Identity)
	assert.Equal(t, "example.com", out.Domain)

	out = v.VerifyMailFrom(context.Background(), net.ParseIP("198.51.100.1"), "example.com", "")
	assert.Equal(t, StatusFail, out.Status)
	assert.Equal(t, "postmaster@example.com", out.Sender)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in     string
		want   Strategy
		verify bool
		strict bool
	}{
		{"", StrategyRelaxed, true, false},
		{"relaxed", StrategyRelaxed, true, false},
		{"Strict", StrategyStrict, true, true},
		{"disable", StrategyDisable, false, false},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.verify, got.Verify())
		assert.Equal(t, tt.strict, got.IsStrict())
	}

	_, err := ParseStrategy("sometimes")
	assert.Error(t, err)

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("strict")))
	assert.Equal(t, StrategyStrict, s)
}

func TestOutputHeader(t *testing.T) {
	out := Output{
		Status:   StatusPass,
		Identity: "mailfrom",
		ClientIP: net.ParseIP("192.0.2.1"),
		Helo:     "mx.example.com",
		Sender:   "alice@example.com",
	}
	h := out.Header("mx.local.test")
	assert.True(t, strings.HasPrefix(h, "Received-SPF: pass client-ip=192.0.2.1;"), h)
	assert.Contains(t, h, `envelope-from="alice@example.com";`)
	assert.Contains(t, h, "helo=mx.example.com;")
	assert.Contains(t, h, "receiver=mx.local.test; identity=mailfrom")
}
