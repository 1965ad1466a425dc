package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
)

const (
	schemeAWS   = "awssm:"
	schemeVault = "vault:"
	schemeEnv   = "env:"
)

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// Resolver turns secret references into values. A value without a known
// scheme prefix is returned unchanged. Providers are built lazily so a
// deployment that never uses vault: does not need VAULT_ADDR.
type Resolver struct {
	mu      sync.Mutex
	aws     Provider
	vault   Provider
	env     Provider
	timeout time.Duration
}

type Option func(*Resolver)

func WithAWS(p Provider) Option   { return func(r *Resolver) { r.aws = p } }
func WithVault(p Provider) Option { return func(r *Resolver) { r.vault = p } }
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{env: envProvider{}, timeout: 10 * time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

func IsRef(v string) bool {
	return strings.HasPrefix(v, schemeAWS) || strings.HasPrefix(v, schemeVault) || strings.HasPrefix(v, schemeEnv)
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return ref, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	p, key, err := r.provider(ctx, ref)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", errors.Errorf("empty secret reference %q", ref)
	}
	v, err := p.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return v, nil
}

func (r *Resolver) provider(ctx context.Context, ref string) (Provider, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case strings.HasPrefix(ref, schemeEnv):
		return r.env, strings.TrimPrefix(ref, schemeEnv), nil
	case strings.HasPrefix(ref, schemeAWS):
		if r.aws == nil {
			p, err := newAWSProvider(ctx)
			if err != nil {
				return nil, "", errors.Wrap(ErrProviderUnavailable, err.Error())
			}
			r.aws = p
		}
		return r.aws, strings.TrimPrefix(ref, schemeAWS), nil
	default:
		if r.vault == nil {
			p, err := newVaultProvider(ctx)
			if err != nil {
				return nil, "", errors.Wrap(ErrProviderUnavailable, err.Error())
			}
			r.vault = p
		}
		return r.vault, strings.TrimPrefix(ref, schemeVault), nil
	}
}

type envProvider struct{}

func (envProvider) GetSecret(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return v, nil
}

type awsProvider struct {
	smClient *secretsmanager.Client
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region := os.Getenv("AWS_REGION"); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &awsProvider{smClient: secretsmanager.NewFromConfig(cfg)}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type vaultProvider struct {
	client *vault.Client
	mount  string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil, errors.New("VAULT_ADDR is not set")
	}
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return newVaultProviderWithClient(client, getEnvOrDefault("VAULT_MOUNT_PATH", "secret")), nil
}

func newVaultProviderWithClient(client *vault.Client, mount string) *vaultProvider {
	return &vaultProvider{client: client, mount: mount}
}

// GetSecret reads "<path>#<field>" from a KV v2 mount. The field defaults to
// "value".
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path, field := splitField(key)
	secret, err := v.client.KVv2(v.mount).Get(ctx, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", errors.Wrap(ErrSecretNotFound, key)
		}
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	value, ok := secret.Data[field].(string)
	if !ok {
		return "", errors.Errorf("vault: field %q not found in %s", field, path)
	}
	return value, nil
}

func splitField(key string) (string, string) {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, "value"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
