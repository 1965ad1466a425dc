package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pastelite/cfg"
	"pastelite/metrics"
	"pastelite/pkg/domain"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	createAttempts  = 5
	defaultCacheTTL = 10 * time.Minute
	shutdownWait    = 10 * time.Second
	loadTimeout     = 5 * time.Second
)

// SnapshotCache is a cache shared between instances, holding the write-once
// part of a paste. db.Redis implements it.
type SnapshotCache interface {
	CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error
	CachedPaste(ctx context.Context, id string) (*domain.Paste, error)
}

// Paste is the expiry and access engine. It keeps no mutable paste state of
// its own: every view-count change goes through Store.DecrementIfPositive.
type Paste struct {
	store    db.Store
	lru      *cache.LRU
	shared   SnapshotCache
	limits   domain.Limits
	cacheTTL time.Duration
	loads    singleflight.Group
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewPaste(store db.Store, lru *cache.LRU, shared SnapshotCache, c *cfg.Cfg) *Paste {
	if store == nil || c == nil {
		panic("paste service: nil dependency (store or cfg)")
	}
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Paste{
		store:  store,
		lru:    lru,
		shared: shared,
		limits: domain.Limits{
			MaxSize:       c.MaxPasteSize,
			MaxTTLSeconds: c.MaxTTLSeconds,
			MaxViews:      c.MaxViewsLimit,
		},
		cacheTTL: ttl,
	}
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		util.Warn().Msg("in-flight paste operations didn't finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// Create validates params, stamps the paste with now and persists it.
func (p *Paste) Create(ctx context.Context, now time.Time, params domain.CreateParams) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := params.Validate(p.limits); err != nil {
		return nil, err
	}
	paste := &domain.Paste{
		Content:    params.Content,
		CreatedAt:  now.UTC().Truncate(time.Millisecond),
		TTLSeconds: params.TTLSeconds,
		MaxViews:   params.MaxViews,
	}
	if params.MaxViews != nil {
		paste.RemainingViews = domain.IntPtr(*params.MaxViews)
	}
	for attempt := 0; ; attempt++ {
		if attempt == createAttempts {
			return nil, errors.Wrap(domain.ErrInternalServer, "could not allocate a paste id")
		}
		id, err := util.GenID(ctx, p.store.Exists)
		if err != nil {
			if errors.Is(err, util.ErrIDCollision) {
				return nil, errors.Wrap(domain.ErrInternalServer, err.Error())
			}
			return nil, p.storeErr(ctx, err, "exists")
		}
		paste.ID = id
		err = p.store.Put(ctx, paste)
		if errors.Is(err, db.ErrIDTaken) {
			util.Warn().Str("id", id).Msg("paste id taken between check and insert, retrying")
			continue
		}
		if err != nil {
			return nil, p.storeErr(ctx, err, "put")
		}
		break
	}
	p.cacheSnapshot(ctx, paste, now)
	metrics.PasteCreated.Inc()
	util.Debug().
		Str("request_id", util.GetRequestID(ctx)).
		Str("id", paste.ID).
		Bool("ttl", paste.TTLSeconds != nil).
		Bool("max_views", paste.MaxViews != nil).
		Msg("paste created")
	return paste, nil
}

// Fetch returns the paste if it is alive at now, consuming one view when the
// paste is view-limited. The returned RemainingViews is the value right after
// that decrement.
func (p *Paste) Fetch(ctx context.Context, now time.Time, id string) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if !util.ValidID(id) {
		return nil, p.refuse(ctx, id, metrics.ReasonNotFound, domain.ErrPasteNotFound)
	}
	snap, err := p.load(ctx, now, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, p.refuse(ctx, id, metrics.ReasonNotFound, domain.ErrPasteNotFound)
		}
		return nil, err
	}
	if snap.TTLExpired(now) {
		p.lru.Delete(id)
		return nil, p.refuse(ctx, id, metrics.ReasonExpired, errors.Wrap(domain.ErrPasteExpired, "ttl elapsed"))
	}
	if snap.MaxViews == nil {
		metrics.PasteFetched.Inc()
		return snap, nil
	}
	remaining, ok, err := p.store.DecrementIfPositive(ctx, id)
	if err != nil {
		return nil, p.storeErr(ctx, err, "decrement")
	}
	if !ok {
		p.lru.Delete(id)
		return nil, p.refuse(ctx, id, metrics.ReasonExhausted, errors.Wrap(domain.ErrPasteExpired, "views exhausted"))
	}
	if remaining == 0 {
		metrics.ViewsExhausted.Inc()
		p.lru.Delete(id)
	}
	metrics.PasteFetched.Inc()
	return snap.WithRemaining(remaining), nil
}

// load finds the write-once part of a paste: local LRU, then the shared
// cache, then the store. Concurrent misses for one id share a single lookup.
func (p *Paste) load(ctx context.Context, now time.Time, id string) (*domain.Paste, error) {
	if snap := p.lru.Get(ctx, id); snap != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		return snap, nil
	}
	// The shared lookup must not inherit one caller's cancellation, or every
	// caller waiting on it would fail with that caller's error.
	ch := p.loads.DoChan(id, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		if p.shared != nil {
			snap, err := p.shared.CachedPaste(lctx, id)
			if err != nil {
				util.Warn().Err(err).Str("id", id).Msg("shared cache lookup failed")
			} else if snap != nil {
				metrics.CacheHits.WithLabelValues("redis").Inc()
				p.lru.Set(snap, p.snapshotTTL(snap, now))
				return snap, nil
			}
		}
		metrics.CacheMisses.Inc()
		rec, err := p.store.Get(lctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrPasteNotFound) {
				return nil, err
			}
			return nil, p.storeErr(lctx, err, "get")
		}
		snap := rec.Snapshot()
		p.cacheSnapshot(lctx, snap, now)
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return nil, domain.Unavailable(ctx.Err(), "get")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Paste).Snapshot(), nil
	}
}

// snapshotTTL bounds a cache entry by CACHE_TTL and by the time left until
// the paste's deadline.
func (p *Paste) snapshotTTL(paste *domain.Paste, now time.Time) time.Duration {
	ttl := p.cacheTTL
	if exp := paste.ExpiresAt(); exp != nil {
		if left := exp.Sub(now); left < ttl {
			ttl = left
		}
	}
	return ttl
}

func (p *Paste) cacheSnapshot(ctx context.Context, paste *domain.Paste, now time.Time) {
	ttl := p.snapshotTTL(paste, now)
	if ttl <= 0 {
		return
	}
	p.lru.Set(paste, ttl)
	if p.shared != nil {
		if err := p.shared.CachePaste(ctx, paste, ttl); err != nil {
			util.Warn().Err(err).Str("id", paste.ID).Msg("failed to cache in Redis")
		}
	}
}

func (p *Paste) refuse(ctx context.Context, id, reason string, err error) error {
	metrics.PasteUnavailable.WithLabelValues(reason).Inc()
	util.Debug().
		Str("request_id", util.GetRequestID(ctx)).
		Str("id", id).
		Str("reason", reason).
		Msg("paste unavailable")
	return err
}

func (p *Paste) storeErr(ctx context.Context, err error, op string) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	util.Error().
		Err(err).
		Str("request_id", util.GetRequestID(ctx)).
		Str("op", op).
		Msg("store operation failed")
	return domain.Unavailable(err, op)
}

// Ping reports whether the store can serve requests.
func (p *Paste) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
