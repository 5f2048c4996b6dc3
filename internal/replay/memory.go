package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrClaimsFull is returned when every slot of a MemoryClaims holds a claim
// that is still inside its retention window.
var ErrClaimsFull = errors.New("replay: claim store full")

// MemoryClaims is a bounded in-process ClaimStore. Live claims are never
// evicted; once expired entries are purged and the store is still full,
// Claim fails.
type MemoryClaims struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	cache *expirable.LRU[string, time.Time]
	now   func() time.Time
}

func NewMemoryClaims(size int, ttl time.Duration) *MemoryClaims {
	return &MemoryClaims{
		size:  size,
		ttl:   ttl,
		cache: expirable.NewLRU[string, time.Time](size, nil, ttl),
		now:   time.Now,
	}
}

func (m *MemoryClaims) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	// Peek keeps insertion order, which is also expiry order.
	if exp, seen := m.cache.Peek(key); seen && now.Before(exp) {
		return false, nil
	}
	if m.size > 0 && !m.cache.Contains(key) && m.cache.Len() >= m.size {
		m.purgeExpired(now)
		if m.cache.Len() >= m.size {
			return false, ErrClaimsFull
		}
	}
	m.cache.Add(key, now.Add(m.ttl))
	return true, nil
}

func (m *MemoryClaims) purgeExpired(now time.Time) {
	for {
		_, exp, ok := m.cache.GetOldest()
		if !ok || now.Before(exp) {
			return
		}
		m.cache.RemoveOldest()
	}
}

func (m *MemoryClaims) Len() int {
	return m.cache.Len()
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryRates is an in-process fixed-window RateCounter.
type MemoryRates struct {
	mu    sync.Mutex
	rate  Rate
	cache *expirable.LRU[string, *window]
	now   func() time.Time
}

func NewMemoryRates(size int, rate Rate) *MemoryRates {
	return &MemoryRates{
		rate:  rate,
		cache: expirable.NewLRU[string, *window](size, nil, rate.Per),
		now:   time.Now,
	}
}

func (m *MemoryRates) Allow(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w, ok := m.cache.Get(fingerprint)
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(m.rate.Per)}
		m.cache.Add(fingerprint, w)
	}
	if w.count >= m.rate.Count {
		return false, nil
	}
	w.count++
	return true, nil
}
