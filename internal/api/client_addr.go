package api

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddr derives the originating network address for a request. Proxy
// headers are honored only when the deployment declares its fronting proxy
// trustworthy; otherwise the TCP peer address wins, since a spoofable header
// would let a client choose which address an account binds to.
func ClientAddr(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if first := strings.TrimSpace(parts[0]); first != "" {
					return first
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
