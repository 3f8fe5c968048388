package main

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wildboar/smtpgate/internal/smtpd"
	"golang.org/x/time/rate"
)

// rateLimiter hands out one token bucket per client IP.
type rateLimiter struct {
	limiters map[string]*bucketEntry
	mu       sync.Mutex

	perMinute       float64
	burst           int
	cleanupInterval time.Duration
	bucketTTL       time.Duration
}

type bucketEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newRateLimiter(perMinute float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters:        make(map[string]*bucketEntry),
		perMinute:       perMinute,
		burst:           burst,
		cleanupInterval: 15 * time.Minute,
		bucketTTL:       time.Hour,
	}
}

func (rl *rateLimiter) start(ctx context.Context) {
	go rl.cleanupLoop(ctx)
}

func (rl *rateLimiter) allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	entry, exists := rl.limiters[key]
	if exists {
		entry.lastAccess = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.perMinute/60), rl.burst)
	rl.limiters[key] = &bucketEntry{limiter: limiter, lastAccess: now}

	return limiter
}

func (rl *rateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > rl.bucketTTL {
			delete(rl.limiters, key)
		}
	}
}

func peerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case nil:
		return nil
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}

	return net.ParseIP(host)
}

// connectionChecker turns away peers outside allowedNets and, when rl is
// set, peers connecting faster than their bucket allows. m may be nil.
func connectionChecker(allowedNets []*net.IPNet, rl *rateLimiter, m *metrics) func(context.Context, smtpd.Peer) error {
	logger := slog.With(slog.String("component", "connection_checker"))

	return func(ctx context.Context, peer smtpd.Peer) error {
		ip := peerIP(peer.Addr)

		if len(allowedNets) > 0 {
			allowed := false
			for _, n := range allowedNets {
				if ip != nil && n.Contains(ip) {
					allowed = true
					break
				}
			}

			if !allowed {
				logger.WarnContext(ctx, "IP out of allowed network range", slog.String("ip", ip.String()))
				if m != nil {
					m.rejectedPeers.Inc()
				}

				return smtpd.ErrNetworkDenied
			}
		}

		if rl != nil && !rl.allow(ip.String()) {
			logger.WarnContext(ctx, "connection rate limit exceeded")
			if m != nil {
				m.rateLimited.Inc()
			}

			return smtpd.ErrRateLimitExceeded
		}

		return nil
	}
}
