package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// RemoteAccessGuard restricts operator endpoints such as /metrics to trusted
// networks. Every decision on a guarded path is logged.
type RemoteAccessGuard struct {
	Log *zap.Logger

	trusted  []*net.IPNet
	prefixes []string
}

// NewRemoteAccessGuard guards every path beginning with one of prefixes. An
// empty cidrs list trusts loopback only.
func NewRemoteAccessGuard(log *zap.Logger, cidrs []string, prefixes ...string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	if len(prefixes) == 0 {
		prefixes = []string{"/metrics"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RemoteAccessGuard{Log: log.Named("remote_access"), trusted: trusted, prefixes: prefixes}, nil
}

func (g *RemoteAccessGuard) isGuardedPath(path string) bool {
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		return ip, ""
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host, port
	}
	return strings.TrimSpace(r.RemoteAddr), ""
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) logDecision(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) {
	fields := []zap.Field{
		zap.String("source_ip", sourceIP),
		zap.String("source_port", sourcePort),
		zap.String("host", r.Host),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	}
	if allowed {
		g.Log.Debug("remote access allowed", fields...)
		return
	}
	g.Log.Warn("remote access denied", append(fields, zap.String("reason", reason))...)
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.isGuardedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			g.logDecision(r, sourceIP, sourcePort, false, "source ip outside trusted network")
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}

		g.logDecision(r, sourceIP, sourcePort, true, "")
		next.ServeHTTP(w, r)
	})
}
