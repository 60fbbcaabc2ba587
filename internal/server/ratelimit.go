package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ssd-technologies/chainops/internal/ratelimit"
)

// newBeaconLimiter allows rate beacons per agent per minute. The number of
// tracked agents is bounded; the least recently seen are forgotten first.
func newBeaconLimiter(rate int) *ratelimit.Keyed {
	return ratelimit.NewKeyed(rate, time.Minute, ratelimit.DefaultKeys)
}

// beaconKey is the rate limit key for a beacon: the paw when the agent sent
// one, the client IP otherwise.
func beaconKey(r *http.Request, paw string) string {
	if paw != "" {
		return "paw:" + paw
	}
	return "ip:" + getIP(r)
}

// getIP extracts the client IP from a request, respecting X-Forwarded-For
// for proxied deployments.
func getIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}
