package utils

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the originating client address: the first entry of
// X-Forwarded-For when a proxy set it, otherwise the connection's remote
// host. Every consumer of client addresses (rate limiting, audit records)
// goes through here so the forwarding policy cannot drift between them.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
