package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP for rate limiting and audit logging.
// Proxy headers are only honored when trustProxy is set; otherwise the
// direct connection address is used so spoofed headers cannot launder an
// attacker's identity.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			// Client address is the first entry; later entries are proxies.
			parts := strings.Split(fwd, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
