package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pastelite/svc/util"
)

const (
	checkpointInterval  = 5 * time.Minute
	truncateAtLogPages  = 1000
	integrityCheckLimit = 30 * time.Second
)

// StartWALMaintenance checkpoints the WAL until ctx is cancelled, then runs a
// final checkpoint. The returned channel is closed once it has stopped.
func StartWALMaintenance(ctx context.Context, db *sql.DB, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = checkpointInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := performWALCheckpoint(db); err != nil {
					util.Error().Err(err).Msg("WAL checkpoint failed")
				}
			case <-ctx.Done():
				if err := performWALCheckpoint(db); err != nil {
					util.Error().Err(err).Msg("final WAL checkpoint failed")
				}
				return
			}
		}
	}()
	return done
}

func performWALCheckpoint(db *sql.DB) error {
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > truncateAtLogPages || busyPages > 0 {
		util.Info().Msg("escalating to TRUNCATE checkpoint")
		err = db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed)
		if err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
		util.Info().
			Int("busy", busyPages).
			Int("log", logPages).
			Int("checkpointed", checkpointed).
			Msg("TRUNCATE checkpoint result")
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("CRITICAL: database integrity check failed after checkpoint")
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), integrityCheckLimit)
	defer cancel()
	var result string
	err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result)
	if err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
