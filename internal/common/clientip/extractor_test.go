package clientip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func requestCtx(remote string, headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	addr, _ := net.ResolveTCPAddr("tcp", remote)
	ctx.Init(&fasthttp.Request{}, addr, nil)
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	return ctx
}

func TestIdentity(t *testing.T) {
	trusted := []string{"CF-Connecting-IP", "X-Forwarded-For"}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{
			name:   "remote addr fallback",
			remote: "198.51.100.9:4312",
			want:   "198.51.100.9",
		},
		{
			name:    "forwarded header wins over remote",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:    "203.0.113.7",
		},
		{
			name:    "header order decides",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"CF-Connecting-IP": "192.0.2.10", "X-Forwarded-For": "203.0.113.7"},
			want:    "192.0.2.10",
		},
		{
			name:    "first hop of a proxy chain",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2, 10.0.0.3"},
			want:    "203.0.113.7",
		},
		{
			name:    "unparseable header is not trusted",
			remote:  "198.51.100.9:4312",
			headers: map[string]string{"X-Forwarded-For": "nonsense"},
			want:    "198.51.100.9",
		},
		{
			name:    "bracketed ipv6 with zone",
			remote:  "10.0.0.1:80",
			headers: map[string]string{"X-Forwarded-For": "[fe80::1%eth0]"},
			want:    "fe80::/64",
		},
		{
			name:   "ipv6 remote keyed by prefix",
			remote: "[2001:db8:1:2:aaaa::1]:443",
			want:   "2001:db8:1:2::/64",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Identity(requestCtx(tc.remote, tc.headers), trusted))
		})
	}
}

func TestIdentityIPv6RotationSharesBucket(t *testing.T) {
	a := Identity(requestCtx("[2001:db8:1:2:aaaa::1]:443", nil), nil)
	b := Identity(requestCtx("[2001:db8:1:2:bbbb::2]:443", nil), nil)
	other := Identity(requestCtx("[2001:db8:9:9::1]:443", nil), nil)

	assert.Equal(t, a, b, "interface rotation inside one /64 keeps one identity")
	assert.NotEqual(t, a, other)
}
