package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ruralpay/payments-core/internal/config"
)

// GatewayTransaction is the gateway's view of a charge or transfer.
type GatewayTransaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Successful reports whether the gateway considers the payment complete.
func (g *GatewayTransaction) Successful() bool {
	return g != nil && (g.Status == "success" || g.Status == "successful")
}

// TransactionVerifier asks the gateway for the current state of a payment.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*GatewayTransaction, error)
}

type GatewayClient struct {
	baseURL string
	http    *http.Client
	tokens  *TokenCache
	logger  *slog.Logger
}

func NewGatewayClient(cfg config.GatewayConfig, tokens *TokenCache, logger *slog.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

// Do sends an authorized request. A 401 forces one token refresh and a
// single retry.
func (c *GatewayClient) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	resp.Body.Close()

	c.logger.Info("gateway rejected token, refreshing", "path", path)
	if token, err = c.tokens.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, payload, token)
}

func (c *GatewayClient) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *GatewayClient) VerifyTransaction(ctx context.Context, reference string) (*GatewayTransaction, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/transactions/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("verify %s: %w", reference, ErrGatewayNotFound)
	default:
		return nil, fmt.Errorf("verify %s: gateway returned %d", reference, resp.StatusCode)
	}
	var out GatewayTransaction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("verify %s: %w", reference, err)
	}
	return &out, nil
}
