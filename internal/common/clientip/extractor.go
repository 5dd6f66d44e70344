// Package clientip derives the admission identity of a caller.
package clientip

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"
)

// Identity resolves the caller to a stable admission key. Trusted proxy
// headers are consulted in order and the first entry that parses as an
// IP wins; values that do not parse are skipped rather than trusted.
// Without a usable header the connection's remote address decides.
// IPv6 callers are keyed by their /64 prefix, so a host rotating
// interface identifiers stays in one rate-limit bucket.
func Identity(ctx *fasthttp.RequestCtx, trustedHeaders []string) string {
	for _, header := range trustedHeaders {
		value := string(ctx.Request.Header.Peek(header))
		if ip := firstHop(value); ip != nil {
			return bucket(ip)
		}
	}
	host := ctx.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip := parseIP(host); ip != nil {
		return bucket(ip)
	}
	return host
}

// firstHop picks the client entry out of a forwarding header. The header
// lists hops client-first; everything after the first comma is proxies.
func firstHop(value string) net.IP {
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		value = value[:idx]
	}
	return parseIP(strings.TrimSpace(value))
}

func parseIP(raw string) net.IP {
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if idx := strings.IndexByte(raw, '%'); idx >= 0 {
		raw = raw[:idx]
	}
	return net.ParseIP(raw)
}

// bucket keys IPv4 per host and IPv6 per /64.
func bucket(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
