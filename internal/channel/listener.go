package channel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/auroradata-ai/apsi-engine/internal/config"
)

// Listener accepts incoming connections, wraps each as a Channel, and
// enforces the same per-IP rate limit as the teacher's
// internal/server/security.go SecurityManager (adapted here to gate
// connection acceptance instead of an http.Handler chain).
type Listener struct {
	ln  net.Listener
	cfg *config.Config

	mu           sync.Mutex
	rateLimit    map[string]*rateLimitInfo
	currentConns int
}

type rateLimitInfo struct {
	count     int
	resetTime time.Time
}

// Listen binds addr and returns a rate-limited Listener.
func Listen(addr string, cfg *config.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, cfg: cfg, rateLimit: make(map[string]*rateLimitInfo)}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept blocks for the next connection, enforcing the configured
// per-minute rate limit and max-connections cap before handing back a
// Channel. A rejected connection is closed immediately and Accept loops to
// the next one rather than returning an error, so a single noisy peer never
// stalls the dispatcher's accept loop.
func (l *Listener) Accept() (*Channel, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel: accept: %w", err)
		}

		if err := l.admit(conn.RemoteAddr().String()); err != nil {
			conn.Close()
			continue
		}
		return Accept(conn), nil
	}
}

// Release decrements the connection counter once a Channel returned by
// Accept has been closed, so capacity is reclaimed.
func (l *Listener) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentConns > 0 {
		l.currentConns--
	}
}

func (l *Listener) admit(remoteAddr string) error {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.Security.MaxConnections > 0 && l.currentConns >= l.cfg.Security.MaxConnections {
		return fmt.Errorf("channel: max connections (%d) reached", l.cfg.Security.MaxConnections)
	}

	if len(l.cfg.Security.AllowedIPs) > 0 && l.cfg.Security.RequireIPCheck {
		allowed := false
		for _, ip := range l.cfg.Security.AllowedIPs {
			if ip == host {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("channel: %s is not in the allowed IP list", host)
		}
	}

	now := time.Now()
	info, exists := l.rateLimit[host]
	if !exists || now.After(info.resetTime) {
		l.rateLimit[host] = &rateLimitInfo{count: 1, resetTime: now.Add(time.Minute)}
	} else {
		if l.cfg.Security.RateLimitPerMin > 0 && info.count >= l.cfg.Security.RateLimitPerMin {
			return fmt.Errorf("channel: rate limit exceeded for %s", host)
		}
		info.count++
	}

	l.currentConns++
	return nil
}
