package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"courier/internal/model"
)

const (
	// ExpiryBuffer is how long before ExpiresAt a token already counts as expired.
	ExpiryBuffer = 60 * time.Second

	DefaultCallbackTimeout = 5 * time.Minute
	refreshTimeout         = 30 * time.Second
	DefaultRedirectURI     = "http://localhost:9876/callback"

	stateLength    = 32
	verifierLength = 64
	stateAlphabet  = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"
	// RFC 7636 unreserved characters.
	verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

var (
	ErrStateMismatch          = errors.New("oauth2: state mismatch, possible CSRF")
	ErrMissingCode            = errors.New("oauth2: callback did not include an authorization code")
	ErrAuthorizationTimeout   = errors.New("oauth2: authorization timed out")
	ErrAuthorizationCancelled = errors.New("oauth2: authorization cancelled")
	ErrMissingCredentials     = errors.New("oauth2: username and password are required")
	ErrNoRefreshToken         = errors.New("oauth2: no refresh token available")
	ErrInteractiveGrant       = errors.New("oauth2: grant requires browser authorization")
	ErrUnsupportedGrant       = errors.New("oauth2: unsupported grant type")
	ErrNoTokenManager         = errors.New("oauth2: no token manager configured")
)

// ProviderError is an error reported by the authorization server.
type ProviderError struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "oauth2 provider error: " + e.Code
	}
	return fmt.Sprintf("oauth2 provider error: %s: %s", e.Code, e.Description)
}

// OAuth2Manager runs the OAuth2 grants, owns the token cache and the single
// loopback listener used by redirect-based flows.
type OAuth2Manager struct {
	cache           *TokenCache
	httpClient      *http.Client
	callbackTimeout time.Duration
	logger          *zap.Logger
	now             func() time.Time

	refreshes singleflight.Group

	mu      sync.Mutex
	pending *AuthorizationFlow
}

type OAuth2ManagerOption func(*OAuth2Manager)

// WithOAuthHTTPClient sets the client used for token endpoint calls.
func WithOAuthHTTPClient(c *http.Client) OAuth2ManagerOption {
	return func(m *OAuth2Manager) { m.httpClient = c }
}

func WithCallbackTimeout(d time.Duration) OAuth2ManagerOption {
	return func(m *OAuth2Manager) {
		if d > 0 {
			m.callbackTimeout = d
		}
	}
}

func WithClock(now func() time.Time) OAuth2ManagerOption {
	return func(m *OAuth2Manager) { m.now = now }
}

func NewOAuth2Manager(cache *TokenCache, logger *zap.Logger, opts ...OAuth2ManagerOption) *OAuth2Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &OAuth2Manager{
		cache:           cache,
		callbackTimeout: DefaultCallbackTimeout,
		logger:          logger,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cache exposes the token cache to hosts.
func (m *OAuth2Manager) Cache() *TokenCache {
	return m.cache
}

// IsExpired reports whether tok expires within ExpiryBuffer. Tokens without
// an expiry never expire.
func (m *OAuth2Manager) IsExpired(tok *model.OAuth2Token) bool {
	if tok == nil {
		return true
	}
	if tok.ExpiresAt == 0 {
		return false
	}
	return m.now().Add(ExpiryBuffer).UnixMilli() >= tok.ExpiresAt
}

// GetValidToken returns a usable token for key, refreshing it silently when
// it has expired. It returns nil when the caller has to authenticate again.
func (m *OAuth2Manager) GetValidToken(ctx context.Context, key string, cfg model.OAuth2Auth) *model.OAuth2Token {
	tok, ok := m.cache.Get(ctx, key)
	if !ok {
		return nil
	}
	if !m.IsExpired(tok) {
		return tok
	}
	if tok.RefreshToken == "" {
		return nil
	}
	fresh, err := m.refresh(ctx, key, cfg, false)
	if err != nil {
		m.logger.Warn("silent token refresh failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return fresh
}

// RefreshToken exchanges the cached refresh token for key. Concurrent calls
// for the same key share one exchange. The cache entry is removed only when
// the provider rejects the refresh token.
func (m *OAuth2Manager) RefreshToken(ctx context.Context, key string, cfg model.OAuth2Auth) (*model.OAuth2Token, error) {
	return m.refresh(ctx, key, cfg, true)
}

// refresh skips the exchange when force is unset and another caller has
// already replaced the expired token. The shared exchange is detached from
// any single caller's context, so one caller giving up neither fails the
// other waiters nor discards the token.
func (m *OAuth2Manager) refresh(ctx context.Context, key string, cfg model.OAuth2Auth, force bool) (*model.OAuth2Token, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.refreshes.DoChan(key, func() (interface{}, error) {
		cached, ok := m.cache.Get(detached, key)
		if !ok || cached.RefreshToken == "" {
			return nil, ErrNoRefreshToken
		}
		if !force && !m.IsExpired(cached) {
			return cached, nil
		}

		exchangeCtx, cancel := context.WithTimeout(detached, refreshTimeout)
		defer cancel()
		tok, err := m.exchangeRefresh(exchangeCtx, cfg, cached.RefreshToken)
		if err != nil {
			if isTokenRejected(err) {
				if delErr := m.cache.Delete(detached, key); delErr != nil {
					m.logger.Warn("failed to drop stale token", zap.String("key", key), zap.Error(delErr))
				}
			}
			return nil, err
		}
		if err := m.cache.Set(detached, key, *tok); err != nil {
			m.logger.Warn("failed to cache refreshed token", zap.String("key", key), zap.Error(err))
		}
		m.logger.Info("oauth2 token refreshed", zap.String("key", key))
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.OAuth2Token), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isTokenRejected reports whether err is the token endpoint refusing the
// grant, as opposed to a transport failure or a timeout.
func isTokenRejected(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return true
	}
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500
}

// AcquireToken runs the non-interactive grant named by cfg and caches the
// result under key.
func (m *OAuth2Manager) AcquireToken(ctx context.Context, key string, cfg model.OAuth2Auth) (*model.OAuth2Token, error) {
	var (
		tok *model.OAuth2Token
		err error
	)
	switch cfg.GrantType {
	case model.GrantClientCredentials:
		tok, err = m.ClientCredentials(ctx, cfg)
	case model.GrantPassword:
		tok, err = m.Password(ctx, cfg)
	case model.GrantRefreshToken:
		return m.RefreshToken(ctx, key, cfg)
	case model.GrantAuthorizationCode, model.GrantAuthorizationCodePKCE:
		return nil, ErrInteractiveGrant
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGrant, cfg.GrantType)
	}
	if err != nil {
		return nil, err
	}
	if err := m.cache.Set(ctx, key, *tok); err != nil {
		m.logger.Warn("failed to cache token", zap.String("key", key), zap.Error(err))
	}
	m.logger.Info("oauth2 token acquired", zap.String("key", key), zap.String("grant", cfg.GrantType))
	return tok, nil
}

// ClientCredentials runs the client_credentials grant. Client credentials
// are sent in the form body.
func (m *OAuth2Manager) ClientCredentials(ctx context.Context, cfg model.OAuth2Auth) (*model.OAuth2Token, error) {
	conf := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       splitScope(cfg.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokCtx, rec := m.tokenContext(ctx)
	tok, err := conf.Token(tokCtx)
	if err != nil {
		return nil, translateTokenError("client_credentials", err)
	}
	return m.normalize(tok, rec.fields()), nil
}

// Password runs the resource owner password grant. Missing credentials fail
// without a network call.
func (m *OAuth2Manager) Password(ctx context.Context, cfg model.OAuth2Auth) (*model.OAuth2Token, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, ErrMissingCredentials
	}
	tokCtx, rec := m.tokenContext(ctx)
	tok, err := m.oauthConfig(cfg).PasswordCredentialsToken(tokCtx, cfg.Username, cfg.Password)
	if err != nil {
		return nil, translateTokenError("password", err)
	}
	return m.normalize(tok, rec.fields()), nil
}

func (m *OAuth2Manager) exchangeRefresh(ctx context.Context, cfg model.OAuth2Auth, refreshToken string) (*model.OAuth2Token, error) {
	tokCtx, rec := m.tokenContext(ctx)
	src := m.oauthConfig(cfg).TokenSource(tokCtx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, translateTokenError("refresh_token", err)
	}
	return m.normalize(tok, rec.fields()), nil
}

func (m *OAuth2Manager) oauthConfig(cfg model.OAuth2Auth) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURIOrDefault(cfg.RedirectURI),
		Scopes:      splitScope(cfg.Scope),
	}
}

// normalize converts a library token, stamping ExpiresAt at receipt. raw is
// the decoded token endpoint response.
func (m *OAuth2Manager) normalize(tok *oauth2.Token, raw map[string]interface{}) *model.OAuth2Token {
	if raw == nil {
		raw = make(map[string]interface{})
	}
	out := &model.OAuth2Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
		Raw:          raw,
	}
	if tok.ExpiresIn > 0 {
		out.ExpiresAt = m.now().UnixMilli() + tok.ExpiresIn*1000
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	return out
}

func translateTokenError(grant string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" {
		return &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	return fmt.Errorf("oauth2 %s grant failed: %w", grant, err)
}

func splitScope(scope string) []string {
	return strings.FieldsFunc(scope, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

func redirectURIOrDefault(uri string) string {
	if strings.TrimSpace(uri) == "" {
		return DefaultRedirectURI
	}
	return uri
}

// GenerateState returns a random state token from an unambiguous alphabet.
func GenerateState() (string, error) {
	return randomString(stateLength, stateAlphabet)
}

// GenerateCodeVerifier returns a PKCE code verifier.
func GenerateCodeVerifier() (string, error) {
	return randomString(verifierLength, verifierAlphabet)
}

// CodeChallenge is the S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func randomString(n int, alphabet string) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}
