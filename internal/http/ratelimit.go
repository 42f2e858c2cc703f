package http

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	rate      rate.Limit
	burst     int
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate.Limit(rps),
		burst:   burst,
	}
}

func (l *rateLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	client, ok := l.clients[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = client
	}
	client.lastSeen = now
	return client.limiter.AllowN(now, 1)
}

func clientIPAddress(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
