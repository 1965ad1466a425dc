package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"pastelite/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU holds immutable paste snapshots. A nil *LRU is a valid, always-empty
// cache.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

// Get returns a private copy of the cached snapshot, or nil.
func (l *LRU) Get(ctx context.Context, id string) *domain.Paste {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(id)
		return nil
	}
	return it.paste.Snapshot()
}

// Set caches the snapshot of p for ttl of wall-clock time. The view counter
// is dropped.
func (l *LRU) Set(p *domain.Paste, ttl time.Duration) {
	if l == nil || ttl <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.ID, item{
		paste: p.Snapshot(),
		exp:   time.Now().Add(ttl),
	})
}
func (l *LRU) Delete(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
func (l *LRU) Len() int {
	if l == nil {
		return 0
	}
	return l.c.Len()
}
