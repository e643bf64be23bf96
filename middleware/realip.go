package middleware

import (
	"net/http"
	"net/netip"
	"strings"
)

// ProxyTrust resolves the client address of requests relayed by trusted
// reverse proxies. With no trusted prefixes every request is keyed by its
// TCP peer.
type ProxyTrust struct {
	prefixes []netip.Prefix
}

// NewProxyTrust creates a ProxyTrust for the given proxy prefixes
func NewProxyTrust(prefixes []netip.Prefix) *ProxyTrust {
	return &ProxyTrust{prefixes: prefixes}
}

func (p *ProxyTrust) trusts(addr netip.Addr) bool {
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// RealIP replaces r.RemoteAddr with the forwarded client address, but only
// when the TCP peer is a trusted proxy. X-Forwarded-For is read right to
// left and the first hop that is not a trusted proxy wins; X-Real-IP is
// used when there is no X-Forwarded-For. Any other peer keeps its own
// address whatever headers it sends.
func (p *ProxyTrust) RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(p.prefixes) > 0 {
			if peer, ok := peerAddr(r.RemoteAddr); ok && p.trusts(peer) {
				if client, ok := p.forwardedClient(r.Header); ok {
					r.RemoteAddr = client.String()
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (p *ProxyTrust) forwardedClient(h http.Header) (netip.Addr, bool) {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}

	if len(hops) == 0 {
		addr, err := netip.ParseAddr(strings.TrimSpace(h.Get("X-Real-IP")))
		if err != nil {
			return netip.Addr{}, false
		}
		return addr.Unmap(), true
	}

	var client netip.Addr
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A garbled hop was written by someone we do not trust
			break
		}
		client = addr.Unmap()
		if !p.trusts(client) {
			return client, true
		}
	}
	return client, client.IsValid()
}

func peerAddr(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
