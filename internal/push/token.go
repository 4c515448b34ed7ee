// Package push delivers alert triggers to device push tokens through an
// OAuth2 client-credential backend.
package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// tokenCacheKey is the shared-cache slot for the bearer token, letting
// multiple processes reuse one exchange.
const tokenCacheKey = "push:dispatch_token"

// TokenOptions parameterise the assertion/exchange flow.
type TokenOptions struct {
	TokenURL      string
	ClientEmail   string
	PrivateKeyPEM string
	PrivateKeyID  string
	Scope         string
	// TokenTTL bounds the signed assertion's validity.
	TokenTTL time.Duration
	// RefreshSkew refreshes the cached token this long before expiry.
	RefreshSkew time.Duration
	Timeout     time.Duration
}

// TokenSource exchanges a signed, time-bounded assertion for a short-lived
// bearer token, caching it locally and in a shared Redis cache.
type TokenSource struct {
	opts   TokenOptions
	key    *rsa.PrivateKey
	client *http.Client
	shared *redis.Client
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewTokenSource parses the service credential and wires the caches. shared
// may be nil; the source then caches in-process only.
func NewTokenSource(opts TokenOptions, shared *redis.Client, logger zerolog.Logger) (*TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(opts.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse service credential key: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.RefreshSkew <= 0 {
		opts.RefreshSkew = 5 * time.Minute
	}

	return &TokenSource{
		opts:   opts,
		key:    key,
		client: &http.Client{Timeout: timeout},
		shared: shared,
		logger: logger.With().Str("component", "push_token").Logger(),
		now:    time.Now,
	}, nil
}

// Token returns a bearer token, refreshing transparently slightly before
// expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := ts.now()
	if ts.token != "" && now.Before(ts.expiry.Add(-ts.opts.RefreshSkew)) {
		return ts.token, nil
	}

	if token, expiry, ok := ts.sharedGet(ctx, now); ok {
		ts.token, ts.expiry = token, expiry
		return token, nil
	}

	token, expiry, err := ts.exchange(ctx, now)
	if err != nil {
		return "", err
	}

	ts.token, ts.expiry = token, expiry
	ts.sharedPut(ctx, token, expiry.Sub(now))
	return token, nil
}

// Invalidate drops the cached token everywhere, forcing the next Token call
// to exchange again. Used after an authentication failure mid-dispatch.
func (ts *TokenSource) Invalidate(ctx context.Context) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.token = ""
	ts.expiry = time.Time{}
	if ts.shared != nil {
		if err := ts.shared.Del(ctx, tokenCacheKey).Err(); err != nil {
			ts.logger.Warn().Err(err).Msg("shared token invalidation failed")
		}
	}
}

func (ts *TokenSource) sharedGet(ctx context.Context, now time.Time) (string, time.Time, bool) {
	if ts.shared == nil {
		return "", time.Time{}, false
	}

	token, err := ts.shared.Get(ctx, tokenCacheKey).Result()
	if err != nil {
		if err != redis.Nil {
			ts.logger.Warn().Err(err).Msg("shared token read failed")
		}
		return "", time.Time{}, false
	}

	ttl, err := ts.shared.TTL(ctx, tokenCacheKey).Result()
	if err != nil || ttl <= ts.opts.RefreshSkew {
		return "", time.Time{}, false
	}
	return token, now.Add(ttl), true
}

func (ts *TokenSource) sharedPut(ctx context.Context, token string, ttl time.Duration) {
	if ts.shared == nil || ttl <= 0 {
		return
	}
	if err := ts.shared.Set(ctx, tokenCacheKey, token, ttl).Err(); err != nil {
		ts.logger.Warn().Err(err).Msg("shared token write failed")
	}
}

// exchange signs the assertion and trades it for a bearer token.
func (ts *TokenSource) exchange(ctx context.Context, now time.Time) (string, time.Time, error) {
	claims := jwt.MapClaims{
		"iss":   ts.opts.ClientEmail,
		"scope": ts.opts.Scope,
		"aud":   ts.opts.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(ts.opts.TokenTTL).Unix(),
	}

	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if ts.opts.PrivateKeyID != "" {
		assertion.Header["kid"] = ts.opts.PrivateKeyID
	}

	signed, err := assertion.SignedString(ts.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", signed)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token exchange returned empty access_token")
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = ts.opts.TokenTTL
	}

	ts.logger.Debug().Dur("expires_in", expiresIn).Msg("bearer token refreshed")
	return body.AccessToken, now.Add(expiresIn), nil
}
