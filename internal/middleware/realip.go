package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// RealIP rewrites RemoteAddr to the client address reported by a trusted
// proxy. Forwarding headers from any other peer are ignored, so a visitor
// cannot choose the address used for geolocation and per-IP limits.
type RealIP struct {
	trusted []netip.Prefix
}

// NewRealIP creates the middleware. With no trusted prefixes it is a no-op.
func NewRealIP(trusted []netip.Prefix) *RealIP {
	return &RealIP{trusted: trusted}
}

// Handler wraps an http.Handler.
func (ri *RealIP) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(ri.trusted) > 0 {
			if ip, ok := ri.clientFromProxy(r); ok {
				r.RemoteAddr = ip
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientFromProxy walks X-Forwarded-For right to left and returns the first
// hop that is not itself a trusted proxy. X-Real-IP is the fallback.
func (ri *RealIP) clientFromProxy(r *http.Request) (string, bool) {
	peer, ok := parseAddr(hostOnly(r.RemoteAddr))
	if !ok || !ri.isTrusted(peer) {
		return "", false
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseAddr(hops[i])
			if !ok {
				// Anything left of a garbled hop is unverifiable
				return "", false
			}
			if !ri.isTrusted(addr) {
				return addr.String(), true
			}
		}
	}

	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr.String(), true
	}
	return "", false
}

func (ri *RealIP) isTrusted(addr netip.Addr) bool {
	for _, p := range ri.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ClientIP returns the client address of the request. Behind trusted
// proxies RealIP has already rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	return hostOnly(r.RemoteAddr)
}
