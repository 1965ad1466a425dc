package db

import (
	"context"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
)

var (
	ErrIDTaken = errors.New("paste id already taken")
	ErrClosed  = errors.New("store closed")
)

// Store persists pastes. Get returns domain.ErrPasteNotFound when no record
// exists. DecrementIfPositive is the only write after Put: it lowers
// remaining_views by one iff it is above zero, atomically, and reports the
// value after the decrement. ok is false when nothing was decremented.
type Store interface {
	Put(ctx context.Context, p *domain.Paste) error
	Get(ctx context.Context, id string) (*domain.Paste, error)
	DecrementIfPositive(ctx context.Context, id string) (remaining int, ok bool, err error)
	Exists(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by stores that can delete records whose TTL
// deadline is before the given instant.
type Sweeper interface {
	CleanupExpired(ctx context.Context, before time.Time) (int, error)
}

const sweepBatchSize = 100

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func expiresAtMillis(p *domain.Paste) *int64 {
	exp := p.ExpiresAt()
	if exp == nil {
		return nil
	}
	ms := toMillis(*exp)
	return &ms
}
