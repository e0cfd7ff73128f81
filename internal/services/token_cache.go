package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/metrics"
	"github.com/ruralpay/payments-core/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenSource fetches a fresh token. *clientcredentials.Config satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// defaultTokenLifetime applies when the gateway omits expires_in.
const defaultTokenLifetime = time.Hour

// TokenCache keeps one bearer token per process and refreshes it at most
// once at a time.
type TokenCache struct {
	source  TokenSource
	buffer  time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	current *models.OAuthToken
}

func NewTokenCache(cfg config.OAuthConfig, logger *slog.Logger) *TokenCache {
	var source TokenSource
	if cfg.TokenURL != "" {
		source = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
	}
	return NewTokenCacheWithSource(source, cfg.ExpiryBuffer, cfg.Timeout, logger)
}

func NewTokenCacheWithSource(source TokenSource, buffer, timeout time.Duration, logger *slog.Logger) *TokenCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenCache{
		source:  source,
		buffer:  buffer,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *TokenCache) GetValidToken(ctx context.Context) (string, error) {
	if tok := c.Current(); tok.ValidAt(c.now()) {
		return tok.AccessToken, nil
	}
	return c.refresh(ctx, false)
}

// ForceRefresh fetches a new token even if the cached one is still valid.
func (c *TokenCache) ForceRefresh(ctx context.Context) (string, error) {
	return c.refresh(ctx, true)
}

// Current returns the cached token, which may be expired or nil.
func (c *TokenCache) Current() *models.OAuthToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *TokenCache) refresh(ctx context.Context, force bool) (string, error) {
	if c.source == nil {
		return "", &AuthError{Reason: NotConfigured}
	}

	key := "refresh"
	if force {
		key = "force"
	}
	ch := c.group.DoChan(key, func() (any, error) {
		if !force {
			if tok := c.Current(); tok.ValidAt(c.now()) {
				return tok, nil
			}
		}

		// The first caller leaving must not cancel the others' refresh.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		t, err := c.source.Token(fctx)
		if err != nil {
			metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
			c.logger.Warn("oauth token refresh failed", "error", err)
			return nil, &AuthError{Reason: RefreshFailed, Err: err}
		}

		tok := c.fromOAuth(t)
		c.mu.Lock()
		c.current = tok
		c.mu.Unlock()
		metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(*models.OAuthToken).AccessToken, nil
	}
}

func (c *TokenCache) fromOAuth(t *oauth2.Token) *models.OAuthToken {
	now := c.now()
	expiry := t.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultTokenLifetime)
	}
	scope, _ := t.Extra("scope").(string)
	return &models.OAuthToken{
		AccessToken: t.AccessToken,
		TokenType:   t.Type(),
		ExpiresAt:   expiry.Add(-c.buffer),
		Scope:       scope,
		RefreshedAt: now,
	}
}
