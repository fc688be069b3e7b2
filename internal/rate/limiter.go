package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Limiter interface {
	Allow(key string) (bool, time.Duration)
}

// KeyedLimiter keeps one token bucket per key (an ip, a user, an action
// prefixed key) and forgets keys that have been idle for expire.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	every    time.Duration
	burst    int
	expire   time.Duration
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyed(every time.Duration, burst int, expire time.Duration) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		every:    every,
		burst:    burst,
		expire:   expire,
		now:      time.Now,
	}
}

// PerMinute is a limiter admitting n events per minute per key.
func PerMinute(n int) *KeyedLimiter {
	if n <= 0 {
		return NewKeyed(0, 1, time.Hour)
	}
	return NewKeyed(time.Minute/time.Duration(n), n, time.Hour)
}

func (k *KeyedLimiter) Allow(key string) (bool, time.Duration) {
	if k.every <= 0 {
		return true, 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(k.every), k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops buckets idle for longer than the expiry.
func (k *KeyedLimiter) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	cutoff := k.now().Add(-k.expire)
	n := 0
	for key, e := range k.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
			n++
		}
	}
	return n
}

// Run prunes on every tick until stop is closed.
func (k *KeyedLimiter) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			k.Prune()
		case <-stop:
			return
		}
	}
}
