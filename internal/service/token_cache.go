package service

import (
	"context"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"courier/internal/model"
)

const DefaultTokenCacheSize = 256

// SecretStore is the durable tier behind the in-memory token cache. Values
// are opaque strings keyed by cache key.
type SecretStore interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
	SetSecret(ctx context.Context, key, value string) error
	DeleteSecret(ctx context.Context, key string) error
}

// TokenCache is a two-tier OAuth2 token cache: a bounded LRU in memory
// consulted first, and an optional SecretStore behind it. Durable hits are
// promoted to memory.
type TokenCache struct {
	memory *lru.Cache[string, model.OAuth2Token]
	store  SecretStore
	logger *zap.Logger
}

func NewTokenCache(size int, store SecretStore, logger *zap.Logger) (*TokenCache, error) {
	if size <= 0 {
		size = DefaultTokenCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	memory, err := lru.New[string, model.OAuth2Token](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &TokenCache{memory: memory, store: store, logger: logger}, nil
}

// Get returns a copy of the cached token for key.
func (c *TokenCache) Get(ctx context.Context, key string) (*model.OAuth2Token, bool) {
	if tok, ok := c.memory.Get(key); ok {
		return &tok, true
	}
	if c.store == nil {
		return nil, false
	}

	raw, ok, err := c.store.GetSecret(ctx, tokenSecretKey(key))
	if err != nil {
		c.logger.Warn("token store read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var tok model.OAuth2Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		c.logger.Warn("discarding unreadable stored token", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.memory.Add(key, tok)
	return &tok, true
}

// Set stores tok in both tiers.
func (c *TokenCache) Set(ctx context.Context, key string, tok model.OAuth2Token) error {
	c.memory.Add(key, tok)
	if c.store == nil {
		return nil
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := c.store.SetSecret(ctx, tokenSecretKey(key), string(raw)); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	return nil
}

// Delete removes key from both tiers.
func (c *TokenCache) Delete(ctx context.Context, key string) error {
	c.memory.Remove(key)
	if c.store == nil {
		return nil
	}
	if err := c.store.DeleteSecret(ctx, tokenSecretKey(key)); err != nil {
		return fmt.Errorf("failed to delete stored token: %w", err)
	}
	return nil
}

func tokenSecretKey(key string) string {
	return "oauth2:" + key
}
