package api

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"

	"github.com/terrpan/atbroker/internal/buildinfo"
)

const (
	defaultPublicKeyPath = "/api/v1/broker/public_key"
	defaultPublicKeyTTL  = time.Hour

	// keyNamespace prefixes cache entries so other values can share the
	// cache later.
	keyNamespace = "public_key:"

	maxKeySize = 16 << 10
)

// keyFetcher fetches and caches the PEM encoded Ed25519 public keys that
// signing instances publish.
type keyFetcher struct {
	client *retryablehttp.Client
	cache  *cache.Cache
	path   string
}

func newKeyFetcher(path string, ttl time.Duration, logger *slog.Logger) *keyFetcher {
	if path == "" {
		path = defaultPublicKeyPath
	}
	if ttl <= 0 {
		ttl = defaultPublicKeyTTL
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = logger.WithGroup("keys")

	return &keyFetcher{
		client: client,
		cache:  cache.New(ttl, 2*ttl),
		path:   path,
	}
}

func (f *keyFetcher) get(ctx context.Context, issuer string) (crypto.PublicKey, error) {
	if v, ok := f.cache.Get(keyNamespace + issuer); ok {
		if key, ok := v.(crypto.PublicKey); ok {
			return key, nil
		}
	}

	key, err := f.fetch(ctx, issuer)
	if err != nil {
		return nil, err
	}
	f.cache.SetDefault(keyNamespace+issuer, key)
	return key, nil
}

func (f *keyFetcher) fetch(ctx context.Context, issuer string) (crypto.PublicKey, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, issuer+f.path, nil)
	if err != nil {
		return nil, fmt.Errorf("build key request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(body)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return key, nil
}
