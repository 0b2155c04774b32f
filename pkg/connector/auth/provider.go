// Package auth resolves and applies credentials for outbound connector
// requests: basic, bearer, API key placement, and OAuth2 client-credentials
// with token caching and refresh.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type Type string

const (
	TypeNone   Type = "none"
	TypeBasic  Type = "basic"
	TypeBearer Type = "bearer"
	TypeAPIKey Type = "api_key"
	TypeOAuth2 Type = "oauth2"
)

// API key placements.
const (
	PlacementHeader = "header"
	PlacementQuery  = "query"
	PlacementCookie = "cookie"
)

// Tokens with less remaining lifetime than this are treated as expired so a
// request never leaves with a token about to lapse mid-flight.
const tokenExpirySkew = 60 * time.Second

type Config struct {
	Type Type `json:"type"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// bearer
	Token string `json:"token,omitempty"`

	// api_key
	APIKey          string `json:"api_key,omitempty"`
	APIKeyName      string `json:"api_key_name,omitempty"`
	APIKeyPlacement string `json:"api_key_placement,omitempty"`

	// oauth2 client credentials
	ClientID     string            `json:"client_id,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	TokenURL     string            `json:"token_url,omitempty"`
	RefreshURL   string            `json:"refresh_url,omitempty"`
	Scopes       []string          `json:"scopes,omitempty"`
	ExtraParams  map[string]string `json:"extra_params,omitempty"`
}

// tokenCacheEntry is immutable once stored; refreshes replace the whole entry.
type tokenCacheEntry struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// Provider applies authentication to outbound requests. The token cache is
// process-wide shared state; the mutex guards map access only, while token
// fetches serialize per cache key so one tenant's token round trip never
// blocks another's.
type Provider struct {
	client *http.Client
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]tokenCacheEntry
	locks map[string]*sync.Mutex
}

func NewProvider(client *http.Client, logger *slog.Logger) *Provider {
	if client == nil {
		client = http.DefaultClient
	}

	return &Provider{
		client: client,
		now:    time.Now,
		logger: logger.With("module", "auth_provider"),
		cache:  make(map[string]tokenCacheEntry),
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the time source, for tests.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now

	return p
}

// Apply decorates req with credentials per cfg. For oauth2 it may perform a
// token request; token endpoint failures are returned as errors and the
// caller must treat them as non-retryable.
func (p *Provider) Apply(ctx context.Context, req *http.Request, cfg *Config, cacheKey string) error {
	if cfg == nil || cfg.Type == TypeNone || cfg.Type == "" {
		return nil
	}

	switch cfg.Type {
	case TypeBasic:
		req.SetBasicAuth(cfg.Username, cfg.Password)

		return nil

	case TypeBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.Token)

		return nil

	case TypeAPIKey:
		return applyAPIKey(req, cfg)

	case TypeOAuth2:
		token, err := p.resolveToken(ctx, cfg, cacheKey)
		if err != nil {
			return err
		}

		req.Header.Set("Authorization", "Bearer "+token)

		return nil

	default:
		return fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
}

func applyAPIKey(req *http.Request, cfg *Config) error {
	name := cfg.APIKeyName
	if name == "" {
		name = "X-API-Key"
	}

	switch cfg.APIKeyPlacement {
	case PlacementQuery:
		query := req.URL.Query()
		query.Set(name, cfg.APIKey)
		req.URL.RawQuery = query.Encode()
	case PlacementCookie:
		req.AddCookie(&http.Cookie{Name: name, Value: cfg.APIKey})
	case PlacementHeader, "":
		req.Header.Set(name, cfg.APIKey)
	default:
		return fmt.Errorf("unsupported api key placement %q", cfg.APIKeyPlacement)
	}

	return nil
}

// resolveToken returns a cached access token with at least the skew lifetime
// remaining, refreshing or re-requesting as needed.
func (p *Provider) resolveToken(ctx context.Context, cfg *Config, cacheKey string) (string, error) {
	key := cacheKey
	if key == "" {
		key = cfg.ClientID + ":" + cfg.TokenURL
	}

	// One in-flight token request per key; distinct keys fetch concurrently.
	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	entry, ok := p.cache[key]
	p.mu.Unlock()

	if ok && entry.expiresAt.Sub(p.now()) >= tokenExpirySkew {
		return entry.accessToken, nil
	}

	if ok && entry.refreshToken != "" && cfg.RefreshURL != "" {
		refreshed, err := p.requestToken(ctx, cfg.RefreshURL, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {entry.refreshToken},
			"client_id":     {cfg.ClientID},
			"client_secret": {cfg.ClientSecret},
		})
		if err == nil {
			p.storeToken(key, refreshed)

			return refreshed.accessToken, nil
		}

		p.logger.Warn("Token refresh failed, falling back to client credentials",
			"cache_key", key, "error", err)
	}

	values := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}

	if len(cfg.Scopes) > 0 {
		values.Set("scope", strings.Join(cfg.Scopes, " "))
	}

	for k, v := range cfg.ExtraParams {
		values.Set(k, v)
	}

	fresh, err := p.requestToken(ctx, cfg.TokenURL, values)
	if err != nil {
		return "", err
	}

	p.storeToken(key, fresh)

	return fresh.accessToken, nil
}

// keyLock returns the mutex serializing token fetches for one cache key.
func (p *Provider) keyLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[key] = lock
	}

	return lock
}

func (p *Provider) storeToken(key string, entry tokenCacheEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache[key] = entry
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (p *Provider) requestToken(ctx context.Context, tokenURL string, values url.Values) (tokenCacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return tokenCacheEntry{}, fmt.Errorf("failed to build token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return tokenCacheEntry{}, fmt.Errorf("token request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenCacheEntry{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenCacheEntry{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tokenCacheEntry{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if parsed.AccessToken == "" {
		return tokenCacheEntry{}, fmt.Errorf("token endpoint returned no access_token")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return tokenCacheEntry{
		accessToken:  parsed.AccessToken,
		refreshToken: parsed.RefreshToken,
		expiresAt:    p.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// InvalidateToken drops the cached token for the key, forcing a new token
// request on the next call.
func (p *Provider) InvalidateToken(cacheKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.cache, cacheKey)
}

// ValidateConfig enforces the required fields per auth type and returns
// human-readable violations. It never panics and never performs I/O.
func ValidateConfig(cfg *Config) []string {
	if cfg == nil || cfg.Type == TypeNone || cfg.Type == "" {
		return nil
	}

	var violations []string

	switch cfg.Type {
	case TypeBasic:
		if cfg.Username == "" {
			violations = append(violations, "basic auth requires username")
		}

		if cfg.Password == "" {
			violations = append(violations, "basic auth requires password")
		}

	case TypeBearer:
		if cfg.Token == "" {
			violations = append(violations, "bearer auth requires token")
		}

	case TypeAPIKey:
		if cfg.APIKey == "" {
			violations = append(violations, "api_key auth requires api_key")
		}

		switch cfg.APIKeyPlacement {
		case "", PlacementHeader, PlacementQuery, PlacementCookie:
		default:
			violations = append(violations, fmt.Sprintf("unknown api key placement %q", cfg.APIKeyPlacement))
		}

	case TypeOAuth2:
		if cfg.ClientID == "" {
			violations = append(violations, "oauth2 auth requires client_id")
		}

		if cfg.ClientSecret == "" {
			violations = append(violations, "oauth2 auth requires client_secret")
		}

		if cfg.TokenURL == "" {
			violations = append(violations, "oauth2 auth requires token_url")
		}

	default:
		violations = append(violations, fmt.Sprintf("unknown auth type %q", cfg.Type))
	}

	return violations
}
