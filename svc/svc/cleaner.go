package svc

import (
	"context"
	"sync/atomic"
	"time"

	"pastelite/metrics"
	"pastelite/svc/db"
	"pastelite/svc/util"

	"github.com/pkg/errors"
)

var cleanerRunning atomic.Bool

// StartCleaner deletes records whose TTL deadline is more than grace in the
// past, every interval, until ctx is done. Only one cleaner runs per process.
// The returned channel is closed when the worker exits.
func StartCleaner(ctx context.Context, sw db.Sweeper, interval, grace time.Duration) (<-chan struct{}, error) {
	return startCleaner(ctx, sw, interval, grace, time.Now)
}

func startCleaner(ctx context.Context, sw db.Sweeper, interval, grace time.Duration, clock func() time.Time) (<-chan struct{}, error) {
	if sw == nil {
		return nil, errors.New("store does not support cleanup")
	}
	if interval <= 0 {
		return nil, errors.New("cleanup interval must be positive")
	}
	if !cleanerRunning.CompareAndSwap(false, true) {
		return nil, errors.New("cleaner already running")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cleanerRunning.Store(false)
		runCleaner(ctx, sw, interval, grace, clock)
	}()
	return done, nil
}

func runCleaner(ctx context.Context, sw db.Sweeper, interval, grace time.Duration, clock func() time.Time) {
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Dur("grace", grace).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			sweepOnce(ctx, sw, clock().Add(-grace))
		}
	}
}

func sweepOnce(ctx context.Context, sw db.Sweeper, before time.Time) int {
	metrics.PruneCycles.Inc()
	deleted, err := sw.CleanupExpired(ctx, before)
	metrics.PrunedPastes.Add(float64(deleted))
	if err != nil {
		util.Error().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup failed")
	} else if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup completed")
	}
	return deleted
}
