// Package gateway implements the brokerage REST client and session manager.
//
// The REST client (Client) covers the endpoints the daemon needs:
//   - SearchOpenPositions: POST /api/Position/searchOpen
//   - ClosePosition:       POST /api/Position/closeContract
//   - PartialClose:        POST /api/Position/partialCloseContract
//   - SearchOpenOrders:    POST /api/Order/searchOpen
//   - CancelOrder:         POST /api/Order/cancel
//   - ModifyOrder:         POST /api/Order/modify
//   - SearchContract:      POST /api/Contract/search
//
// Every request is rate-limited via per-category TokenBuckets and carries a
// bearer token from the TokenSource. The client surfaces failures as
// *APIError; the retry policy (429 backoff, 401 refresh-once, 5xx
// exponential) lives in the enforcement executor, not here.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"futures-riskd/internal/config"
	"futures-riskd/pkg/types"
)

// TokenSource yields a valid bearer token, logging in or refreshing as
// needed. Invalidate discards the cached token so the next Token call
// performs a fresh login (used after a 401).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// APIError is a gateway-reported failure: a non-2xx HTTP status or a 200
// with success=false in the response envelope.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: status %d code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: status %d code %d", e.Status, e.Code)
}

// RateLimited reports whether the gateway throttled the request.
func (e *APIError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }

// Unauthorized reports whether the token was rejected.
func (e *APIError) Unauthorized() bool { return e.Status == http.StatusUnauthorized }

// ServerError reports a gateway-side 5xx.
func (e *APIError) ServerError() bool { return e.Status >= 500 }

// envelope is the common trailer on every gateway REST response.
type envelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (env envelope) check(status int) error {
	if status >= 200 && status < 300 && env.Success {
		return nil
	}
	return &APIError{Status: status, Code: env.ErrorCode, Message: env.ErrorMessage}
}

// Client is the brokerage gateway REST client.
type Client struct {
	http   *resty.Client
	tokens TokenSource
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client. Mutating calls become logged no-ops when
// dryRun is set.
func NewClient(cfg config.GatewayConfig, tokens TokenSource, dryRun bool, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		tokens: tokens,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "gateway"),
	}
}

// ForceRefresh discards the cached token; the next request logs in anew.
func (c *Client) ForceRefresh() { c.tokens.Invalidate() }

func (c *Client) post(ctx context.Context, bucket *TokenBucket, path string, body, result any, env *envelope) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body)
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return env.check(resp.StatusCode())
}

// SearchOpenPositions returns the account's open positions.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int64) ([]types.GatewayPosition, error) {
	var result struct {
		envelope
		Positions []types.GatewayPosition `json:"positions"`
	}
	body := map[string]any{"accountId": accountID}
	if err := c.post(ctx, c.rl.Search, "/api/Position/searchOpen", body, &result, &result.envelope); err != nil {
		return nil, err
	}
	return result.Positions, nil
}

// SearchOpenOrders returns the account's working orders.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID int64) ([]types.GatewayOrder, error) {
	var result struct {
		envelope
		Orders []types.GatewayOrder `json:"orders"`
	}
	body := map[string]any{"accountId": accountID}
	if err := c.post(ctx, c.rl.Search, "/api/Order/searchOpen", body, &result, &result.envelope); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// ClosePosition market-closes the whole position on one contract.
func (c *Client) ClosePosition(ctx context.Context, accountID int64, contractID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would close position", "account", accountID, "contract", contractID)
		return nil
	}
	var result struct{ envelope }
	body := map[string]any{"accountId": accountID, "contractId": contractID}
	return c.post(ctx, c.rl.Trade, "/api/Position/closeContract", body, &result, &result.envelope)
}

// PartialClose market-closes size contracts of the position.
func (c *Client) PartialClose(ctx context.Context, accountID int64, contractID string, size int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would partially close position",
			"account", accountID, "contract", contractID, "size", size)
		return nil
	}
	var result struct{ envelope }
	body := map[string]any{"accountId": accountID, "contractId": contractID, "size": size}
	return c.post(ctx, c.rl.Trade, "/api/Position/partialCloseContract", body, &result, &result.envelope)
}

// CancelOrder cancels one working order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "account", accountID, "order", orderID)
		return nil
	}
	var result struct{ envelope }
	body := map[string]any{"accountId": accountID, "orderId": orderID}
	return c.post(ctx, c.rl.Trade, "/api/Order/cancel", body, &result, &result.envelope)
}

// ModifyRequest carries the mutable fields of an order modify. Nil fields
// are omitted and left unchanged by the gateway.
type ModifyRequest struct {
	AccountID  int64            `json:"accountId"`
	OrderID    int64            `json:"orderId"`
	Size       *int             `json:"size,omitempty"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
	TrailPrice *decimal.Decimal `json:"trailPrice,omitempty"`
}

// ModifyOrder amends a working order in place.
func (c *Client) ModifyOrder(ctx context.Context, req ModifyRequest) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would modify order", "account", req.AccountID, "order", req.OrderID)
		return nil
	}
	var result struct{ envelope }
	return c.post(ctx, c.rl.Trade, "/api/Order/modify", req, &result, &result.envelope)
}

// SearchContract fetches contract metadata by contract id.
func (c *Client) SearchContract(ctx context.Context, contractID string) (types.ContractMeta, error) {
	var result struct {
		envelope
		Contracts []types.ContractMeta `json:"contracts"`
	}
	body := map[string]any{"searchText": contractID, "live": true}
	if err := c.post(ctx, c.rl.Search, "/api/Contract/search", body, &result, &result.envelope); err != nil {
		return types.ContractMeta{}, err
	}
	for _, meta := range result.Contracts {
		if meta.ContractID == contractID {
			return meta, nil
		}
	}
	if len(result.Contracts) > 0 {
		return result.Contracts[0], nil
	}
	return types.ContractMeta{}, fmt.Errorf("contract %s not found", contractID)
}
