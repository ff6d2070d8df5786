package tokengate

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddress returns the caller's address for diagnostics. Behind a proxy it
// is the first X-Forwarded-For entry; otherwise, or when that header is absent,
// the host part of RemoteAddr.
//
// Admission never depends on this value.
func ClientAddress(r *http.Request, behindProxy bool) string {
	if behindProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}
