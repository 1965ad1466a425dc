package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	pasteKeyPrefix = "paste:"
	cacheKeyPrefix = "pastecache:"

	fieldContent   = "content"
	fieldCreatedAt = "created_at_ms"
	fieldTTL       = "ttl_seconds"
	fieldMaxViews  = "max_views"
	fieldRemaining = "remaining_views"
)

// putScript writes the hash only if the key is new. ARGV[1] is the key
// lifetime in ms (0 = persistent), the rest are field/value pairs.
var putScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	redis.call("HSET", KEYS[1], unpack(ARGV, 2))
	local ttl = tonumber(ARGV[1])
	if ttl > 0 then
		redis.call("PEXPIRE", KEYS[1], ttl)
	end
	return 1
`)

// decrScript returns the remaining views after decrementing, or -1 when the
// counter is missing or already zero.
var decrScript = redis.NewScript(`
	local current = redis.call("HGET", KEYS[1], ARGV[1])
	if current == false then
		return -1
	end
	if tonumber(current) <= 0 then
		return -1
	end
	return redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
`)

type Redis struct {
	client    *redis.Client
	timeout   time.Duration
	retention time.Duration
}

func NewRedis(url string, cfg *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if cfg.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(cfg.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if cfg.RedisUsername != "" {
		opt.Username = cfg.RedisUsername
	}
	if cfg.RedisPassword.Value() != "" {
		opt.Password = cfg.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisWithClient(client, cfg.RedisTimeout, cfg.RedisRetention), nil
}

func NewRedisWithClient(client *redis.Client, timeout, retention time.Duration) *Redis {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Redis{
		client:    client,
		timeout:   timeout,
		retention: retention,
	}
}

func buildRedisTLSConfig(env string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if redisHostname := os.Getenv("REDIS_HOSTNAME"); redisHostname != "" {
		tlsConfig.ServerName = redisHostname
	}
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	if env != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}

// keyLifetime keeps a record for its TTL plus the retention window, so a
// fetch shortly after the deadline still sees Expired rather than NotFound.
func (r *Redis) keyLifetime(p *domain.Paste) time.Duration {
	if p.TTLSeconds == nil {
		return 0
	}
	return time.Duration(*p.TTLSeconds)*time.Second + r.retention
}

func (r *Redis) Put(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	args := []interface{}{
		r.keyLifetime(p).Milliseconds(),
		fieldContent, p.Content,
		fieldCreatedAt, toMillis(p.CreatedAt),
	}
	if p.TTLSeconds != nil {
		args = append(args, fieldTTL, *p.TTLSeconds)
	}
	if p.MaxViews != nil {
		args = append(args, fieldMaxViews, *p.MaxViews)
	}
	if p.RemainingViews != nil {
		args = append(args, fieldRemaining, *p.RemainingViews)
	}
	created, err := putScript.Run(ctx, r.client, []string{pasteKeyPrefix + p.ID}, args...).Int()
	if err != nil {
		return errors.Wrap(err, "put paste lua")
	}
	if created == 0 {
		return ErrIDTaken
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	fields, err := r.client.HGetAll(ctx, pasteKeyPrefix+id).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	if len(fields) == 0 {
		return nil, domain.ErrPasteNotFound
	}
	return decodePaste(id, fields)
}

func decodePaste(id string, fields map[string]string) (*domain.Paste, error) {
	created, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt %s for paste %s", fieldCreatedAt, id)
	}
	p := &domain.Paste{
		ID:        id,
		Content:   fields[fieldContent],
		CreatedAt: fromMillis(created),
	}
	for name, dst := range map[string]**int{
		fieldTTL:       &p.TTLSeconds,
		fieldMaxViews:  &p.MaxViews,
		fieldRemaining: &p.RemainingViews,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt %s for paste %s", name, id)
		}
		*dst = domain.IntPtr(v)
	}
	return p, nil
}

func (r *Redis) DecrementIfPositive(ctx context.Context, id string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	remaining, err := decrScript.Run(ctx, r.client, []string{pasteKeyPrefix + id}, fieldRemaining).Int()
	if err != nil {
		return 0, false, errors.Wrap(err, "decrement views lua")
	}
	if remaining < 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, pasteKeyPrefix+id).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return n > 0, nil
}

// CachePaste stores the immutable snapshot of p for other instances. The
// view counter is never cached.
func (r *Redis) CachePaste(ctx context.Context, p *domain.Paste, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p.Snapshot())
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return errors.Wrap(r.client.Set(ctx, cacheKeyPrefix+p.ID, data, ttl).Err(), "set paste")
}

// CachedPaste returns nil, nil on a miss.
func (r *Redis) CachedPaste(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := r.client.Get(ctx, cacheKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	return &p, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
