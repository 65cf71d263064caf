// Package ratelimit gates per-IP connection admission for the spec §4.12
// acceptor: a cap on concurrent connections per address, a cap on new
// connections per minute, and a temporary ban once the per-minute cap
// trips. Both the RPC listener and the traffic-proxy listener run behind
// the same Acceptor, so a single Limiter instance protects both without
// needing to know which kind of connection it is gating.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Config tunes a Limiter. A nil Config passed to NewLimiter disables
// limiting entirely.
type Config struct {
	Enabled                 bool `json:"enabled"`
	MaxConnectionsPerIP     int  `json:"max_connections_per_ip"`
	MaxConnectionsPerMinute int  `json:"max_connections_per_minute"`
	BanDurationSeconds      int  `json:"ban_duration_seconds"`
	CleanupIntervalSeconds  int  `json:"cleanup_interval_seconds"`
}

// window tracks one IP's recent connection activity: how many are
// currently open, the timestamps of recent accepts (for the per-minute
// cap), and a ban expiry.
type window struct {
	mu          sync.Mutex
	active      int
	recentOpens []time.Time
	bannedUntil time.Time
}

// Limiter is the shared per-IP admission gate an Acceptor consults before
// handing an accepted socket off to rpcconn.Conn or the traffic-proxy
// detector.
type Limiter struct {
	cfg *Config

	mu      sync.RWMutex
	windows map[string]*window
}

// NewLimiter creates a Limiter bound to cfg; nil disables limiting.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}
	l := &Limiter{cfg: cfg, windows: make(map[string]*window)}
	if cfg.Enabled && cfg.CleanupIntervalSeconds > 0 {
		go l.cleanupLoop()
	}
	return l
}

// AllowConnection reports whether a connection from addr may proceed,
// recording it against the per-IP and per-minute caps if so.
func (l *Limiter) AllowConnection(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return true
	}
	ip := extractIP(addr)
	if ip == "" {
		return false
	}
	w := l.windowFor(ip)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Before(w.bannedUntil) {
		return false
	}
	if l.cfg.MaxConnectionsPerIP > 0 && w.active >= l.cfg.MaxConnectionsPerIP {
		return false
	}

	if l.cfg.MaxConnectionsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		kept := w.recentOpens[:0]
		for _, t := range w.recentOpens {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.recentOpens = kept

		if len(w.recentOpens) >= l.cfg.MaxConnectionsPerMinute {
			w.bannedUntil = now.Add(time.Duration(l.cfg.BanDurationSeconds) * time.Second)
			w.recentOpens = w.recentOpens[:0]
			return false
		}
		w.recentOpens = append(w.recentOpens, now)
	}

	w.active++
	return true
}

// ReleaseConnection decrements addr's active-connection count.
func (l *Limiter) ReleaseConnection(addr net.Addr) {
	if !l.cfg.Enabled {
		return
	}
	ip := extractIP(addr)
	if ip == "" {
		return
	}
	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	if w.active > 0 {
		w.active--
	}
	w.mu.Unlock()
}

// IsBanned reports whether addr is currently serving out a ban, so the
// acceptor can log a ban distinctly from an ordinary cap rejection.
func (l *Limiter) IsBanned(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return false
	}
	ip := extractIP(addr)
	if ip == "" {
		return false
	}
	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.bannedUntil)
}

// Stats is a point-in-time snapshot of one IP's window.
type Stats struct {
	ActiveConnections   int
	ConnectionsInMinute int
	Banned              bool
	BannedUntil         time.Time
}

// GlobalStats aggregates every tracked IP's Stats.
type GlobalStats struct {
	TrackedIPs   int
	TotalActive  int
	BannedIPs    int
	MaxPerIP     int
	MaxPerMinute int
}

// Stats returns addr's current window, or the zero value if it has never
// been seen.
func (l *Limiter) Stats(addr net.Addr) Stats {
	ip := extractIP(addr)
	if ip == "" {
		return Stats{}
	}
	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		ActiveConnections:   w.active,
		ConnectionsInMinute: len(w.recentOpens),
		Banned:              time.Now().Before(w.bannedUntil),
		BannedUntil:         w.bannedUntil,
	}
}

// GlobalStats aggregates every IP currently tracked.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := GlobalStats{
		TrackedIPs:   len(l.windows),
		MaxPerIP:     l.cfg.MaxConnectionsPerIP,
		MaxPerMinute: l.cfg.MaxConnectionsPerMinute,
	}
	now := time.Now()
	for _, w := range l.windows {
		w.mu.Lock()
		out.TotalActive += w.active
		if now.Before(w.bannedUntil) {
			out.BannedIPs++
		}
		w.mu.Unlock()
	}
	return out
}

func (l *Limiter) windowFor(ip string) *window {
	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[ip]; ok {
		return w
	}
	w = &window{recentOpens: make([]time.Time, 0, l.cfg.MaxConnectionsPerMinute)}
	l.windows[ip] = w
	return w
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(time.Duration(l.cfg.CleanupIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		l.cleanup()
	}
}

// cleanup drops windows that are idle, unbanned, and have had no recent
// connection attempt, so a long-running server doesn't accumulate one
// entry per distinct client IP forever.
func (l *Limiter) cleanup() {
	now := time.Now()
	cutoff := now.Add(-5 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, w := range l.windows {
		w.mu.Lock()
		idle := w.active == 0 && now.After(w.bannedUntil) &&
			(len(w.recentOpens) == 0 || w.recentOpens[len(w.recentOpens)-1].Before(cutoff))
		w.mu.Unlock()
		if idle {
			delete(l.windows, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
