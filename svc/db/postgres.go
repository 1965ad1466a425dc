package db

import (
	"context"
	"embed"
	"strings"
	"time"

	"pastelite/pkg/domain"
	"pastelite/svc/util"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

type PostgresConfig struct {
	DSN          string
	MaxConns     int
	MinConns     int
	QueryTimeout time.Duration
}

func NewPostgres(ctx context.Context, c PostgresConfig) (*Postgres, error) {
	if err := MigratePostgres(c.DSN); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if c.MaxConns > 0 {
		poolCfg.MaxConns = int32(c.MaxConns)
	}
	if c.MinConns > 0 && c.MinConns <= c.MaxConns {
		poolCfg.MinConns = int32(c.MinConns)
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 10 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	timeout := c.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Postgres{pool: pool, queryTimeout: timeout}, nil
}

// MigratePostgres applies the embedded migrations through golang-migrate's
// pgx/v5 driver.
func MigratePostgres(dsn string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	version, dirty, _ := m.Version()
	util.Info().Uint("version", version).Bool("dirty", dirty).Msg("postgres migrations applied")
	return nil
}

func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func (s *Postgres) Put(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
	INSERT INTO pastes (id, content, created_at, ttl_seconds, expires_at, max_views, remaining_views)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Content, p.CreatedAt.UTC().Truncate(time.Millisecond), p.TTLSeconds, p.ExpiresAt(), p.MaxViews, p.RemainingViews)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrIDTaken
	}
	return errors.Wrap(err, "db put")
}

func (s *Postgres) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var p domain.Paste
	err := s.pool.QueryRow(ctx, `
	SELECT id, content, created_at, ttl_seconds, max_views, remaining_views
	FROM pastes WHERE id = $1
	`, id).Scan(&p.ID, &p.Content, &p.CreatedAt, &p.TTLSeconds, &p.MaxViews, &p.RemainingViews)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Postgres) DecrementIfPositive(ctx context.Context, id string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var remaining int
	err := s.pool.QueryRow(ctx, `
	UPDATE pastes SET remaining_views = remaining_views - 1
	WHERE id = $1 AND remaining_views > 0
	RETURNING remaining_views
	`, id).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "decrement views")
	}
	return remaining, true, nil
}

func (s *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pastes WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists, nil
}

func (s *Postgres) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		tag, err := s.pool.Exec(queryCtx, `
		DELETE FROM pastes WHERE id IN (
			SELECT id FROM pastes
			WHERE expires_at IS NOT NULL AND expires_at < $1
			LIMIT $2
		)`, before.UTC(), sweepBatchSize)
		cancel()
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		n := int(tag.RowsAffected())
		total += n
		if n < sweepBatchSize {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
