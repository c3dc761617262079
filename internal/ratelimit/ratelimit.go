// Package ratelimit implements the per-client token bucket described in
// §4.4, a direct translation of rate_limit.py's RateLimiter: buckets are
// created lazily at capacity on first mention of a client id, and the
// boundary check is strictly "<", not "<=" — a request costing exactly the
// remaining balance is rejected. This is preserved bit-for-bit rather than
// "fixed" to a <= comparison, since changing the boundary would change
// which borderline batches succeed.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-client token bucket keyed by client id.
type Limiter struct {
	inflow   float64
	capacity float64

	mu      sync.Mutex
	buckets map[string]float64

	stop chan struct{}
}

// New creates a Limiter. capacity = inflow * capacityFactor, matching
// rate_limit.py's __max_value = inflow * master_config.getint('rate_limiter_bucket_capacity').
func New(inflow float64, capacityFactor float64) *Limiter {
	return &Limiter{
		inflow:   inflow,
		capacity: inflow * capacityFactor,
		buckets:  make(map[string]float64),
	}
}

// Check deducts cost from cid's bucket and reports whether the request is
// allowed. The bucket is initialized to full capacity the first time cid is
// seen. Allowed iff cost is strictly less than the current balance.
func (l *Limiter) Check(cid string, cost float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[cid]
	if !ok {
		bucket = l.capacity
	}

	if !(cost < bucket) {
		l.buckets[cid] = bucket
		return false
	}

	l.buckets[cid] = bucket - cost
	return true
}

// AddTokens refills cid's bucket by the configured inflow, capped at
// capacity, the Go equivalent of rate_limit.py's add_tokens.
func (l *Limiter) AddTokens(cid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[cid]
	if !ok {
		bucket = l.capacity
	}
	l.buckets[cid] = min(bucket+l.inflow, l.capacity)
}

// AddTokensAll refills every known client's bucket, the Go equivalent of
// rate_limit.py's add_tokens_all, meant to be called from a periodic timer.
func (l *Limiter) AddTokensAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for cid, bucket := range l.buckets {
		l.buckets[cid] = min(bucket+l.inflow, l.capacity)
	}
}

// StartRefill calls AddTokensAll every interval, the Go equivalent of
// rate_limit.py's optional `timers.timer(self.add_tokens_all, interval,
// False)` constructor argument. Call Stop to terminate it.
func (l *Limiter) StartRefill(interval time.Duration) {
	l.mu.Lock()
	if l.stop != nil {
		l.mu.Unlock()
		return
	}
	l.stop = make(chan struct{})
	stop := l.stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.AddTokensAll()
			case <-stop:
				return
			}
		}
	}()
}

// Stop terminates a running refill loop started by StartRefill.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
