package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default bucket shapes for the three limiter tables.
const (
	// Connections per peer address.
	ConnBucketMax    = 10
	ConnBucketRefill = 1

	// Tunnel creations per session.
	TunnelBucketMax    = 5
	TunnelBucketRefill = 0.1

	// Requests per tunnel.
	RequestBucketMax    = 100
	RequestBucketRefill = 50

	// BucketIdleTTL is how long an untouched bucket survives before the
	// sweep evicts it.
	BucketIdleTTL = time.Hour

	limiterSweepInterval = time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter maintains one token bucket per key. Buckets refill lazily on
// use and are evicted after an idle window. All operations are O(1) under a
// single mutex.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	refill  rate.Limit
	max     int
	idleTTL time.Duration
}

// NewKeyedLimiter creates a limiter whose per-key buckets hold at most max
// tokens and refill at refillPerSec.
func NewKeyedLimiter(max int, refillPerSec float64, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = BucketIdleTTL
	}
	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		refill:  rate.Limit(refillPerSec),
		max:     max,
		idleTTL: idleTTL,
	}
}

// Allow consumes one token from the key's bucket, reporting whether it was
// available. A key seen for the first time starts with a full bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN consumes n tokens from the key's bucket.
func (l *KeyedLimiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.refill, l.max)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.lim.AllowN(time.Now(), n)
}

// Reset discards the key's bucket so its next use starts full.
func (l *KeyedLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of live buckets.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets until the context is cancelled.
func (l *KeyedLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(time.Now())
		}
	}
}

func (l *KeyedLimiter) sweep(now time.Time) {
	l.mu.Lock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}
