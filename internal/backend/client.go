package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// TokenSource yields the driver's session token. ok=false means signed out.
type TokenSource interface {
	Token() (token string, ok bool)
}

// StaticToken is a TokenSource backed by a mutable string.
type StaticToken struct {
	mu    sync.RWMutex
	value string
}

// NewStaticToken returns a token source holding token.
func NewStaticToken(token string) *StaticToken { return &StaticToken{value: token} }

// Token implements TokenSource.
func (s *StaticToken) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.value != ""
}

// Set replaces the token; an empty string signs the driver out.
func (s *StaticToken) Set(token string) {
	s.mu.Lock()
	s.value = token
	s.mu.Unlock()
}

// Client talks to the rewards backend over HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *logrus.Logger

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cached   *ActiveExclusiveResponse
	cachedAt time.Time
	cacheGen uint64 // bumped on invalidate; older in-flight reads are not cached
	now      func() time.Time
}

// NewClient creates a backend client. httpClient may be nil.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource, cacheTTL time.Duration, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		cacheTTL:   cacheTTL,
		now:        time.Now,
	}
}

// HasToken reports whether a session token is currently available.
func (c *Client) HasToken() bool {
	if c.tokens == nil {
		return false
	}
	_, ok := c.tokens.Token()
	return ok
}

// CheckLocation asks the backend whether lat/lng is inside a charger radius.
func (c *Client) CheckLocation(ctx context.Context, lat, lng float64) (*LocationCheck, error) {
	body := map[string]float64{"lat": lat, "lng": lng}
	var out LocationCheck
	if err := c.do(ctx, "checkLocation", http.MethodPost, "/v1/drivers/location/check", body, nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActivateExclusive claims an exclusive. Not idempotent.
func (c *Client) ActivateExclusive(ctx context.Context, req ActivateRequest) (*ActivateResponse, error) {
	var out ActivateResponse
	if err := c.do(ctx, "activateExclusive", http.MethodPost, "/v1/exclusive/activate", req, nil, true, &out); err != nil {
		return nil, err
	}
	c.InvalidateActiveExclusive()
	return &out, nil
}

// CompleteExclusive marks an exclusive as completed.
func (c *Client) CompleteExclusive(ctx context.Context, exclusiveID string) error {
	req := CompleteRequest{ExclusiveSessionID: exclusiveID}
	if err := c.do(ctx, "completeExclusive", http.MethodPost, "/v1/exclusive/complete", req, nil, true, nil); err != nil {
		return err
	}
	c.InvalidateActiveExclusive()
	return nil
}

// GetActiveExclusive returns the backend's active exclusive record. Results
// are cached for the configured TTL; InvalidateActiveExclusive forces the next
// call to hit the network.
func (c *Client) GetActiveExclusive(ctx context.Context) (*ActiveExclusiveResponse, error) {
	c.cacheMu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < c.cacheTTL {
		cached := c.cached
		c.cacheMu.Unlock()
		return cached, nil
	}
	gen := c.cacheGen
	c.cacheMu.Unlock()

	var out ActiveExclusiveResponse
	if err := c.do(ctx, "getActiveExclusive", http.MethodGet, "/v1/exclusive/active", nil, nil, true, &out); err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	if gen == c.cacheGen {
		c.cached, c.cachedAt = &out, c.now()
	}
	c.cacheMu.Unlock()
	return &out, nil
}

// InvalidateActiveExclusive drops the cached active-exclusive record. A read
// already in flight still returns its result but does not repopulate the
// cache.
func (c *Client) InvalidateActiveExclusive() {
	c.cacheMu.Lock()
	c.cached = nil
	c.cacheGen++
	c.cacheMu.Unlock()
}

// GetChargingSessionStatus reads the authoritative charging session record.
func (c *Client) GetChargingSessionStatus(ctx context.Context) (*ChargingStatus, error) {
	var out ChargingStatus
	if err := c.do(ctx, "getChargingSessionStatus", http.MethodGet, "/v1/charging/session", nil, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RedeemReward spends Nova at a merchant. The idempotency key makes retries of
// the same attempt safe on the ledger.
func (c *Client) RedeemReward(ctx context.Context, merchantID string, amount int, idempotencyKey string) (*RedeemResponse, error) {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	var out RedeemResponse
	req := RedeemRequest{MerchantID: merchantID, Amount: amount}
	if err := c.do(ctx, "redeemReward", http.MethodPost, "/v1/wallet/redeem", req, headers, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one request. Errors are mapped onto the domain taxonomy:
// 401 → ErrAuthRequired, 403/409 → *ActivationConflictError, anything else →
// *NetworkError.
func (c *Client) do(ctx context.Context, op, method, path string, in any, headers map[string]string, authRequired bool, out any) error {
	token, hasToken := "", false
	if c.tokens != nil {
		token, hasToken = c.tokens.Token()
	}
	if authRequired && !hasToken {
		return fmt.Errorf("%s: %w", op, domain.ErrAuthRequired)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hasToken {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.WithFields(logrus.Fields{"op": op, "method": method, "path": path}).Debug("Backend request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.NetworkError{Op: op, Err: fmt.Errorf("read response body: %w", err)}
	}

	c.logger.WithFields(logrus.Fields{
		"op":            op,
		"status_code":   resp.StatusCode,
		"response_size": len(respBody),
	}).Debug("Backend response")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, domain.ErrAuthRequired)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusConflict:
		var eb errorBody
		_ = json.Unmarshal(respBody, &eb)
		return &domain.ActivationConflictError{StatusCode: resp.StatusCode, Message: eb.text()}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &domain.NetworkError{Op: op, StatusCode: resp.StatusCode}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &domain.NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
