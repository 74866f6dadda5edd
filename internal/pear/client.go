// Package pear is the REST client for the external trading backend that
// fronts the pair-trading protocol: wallet login, trade execution and
// position listing.
package pear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/pearfect/engine/internal/metrics"
	"github.com/pearfect/engine/internal/model"
)

var (
	// ErrNotConfigured is returned when no backend URL is set.
	ErrNotConfigured = errors.New("pear: backend URL not configured")

	// ErrInvalidMessage is returned when the login message is not usable
	// EIP-712 data.
	ErrInvalidMessage = errors.New("pear: invalid EIP-712 login message")

	// ErrNoCredential is returned when verification succeeds at the HTTP
	// level but carries no access token.
	ErrNoCredential = errors.New("pear: no access token received")
)

// APIError is a rejection from the backend, either an HTTP error status or
// an error status embedded in a 200 response.
type APIError struct {
	Status   int
	Message  string
	Embedded bool
}

func (e *APIError) Error() string {
	if e.Embedded {
		return fmt.Sprintf("pear: trade rejected (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("pear: HTTP %d: %s", e.Status, e.Message)
}

// Title is the short user-facing label for the failure. A 500 from the
// protocol means the trading account holds no collateral.
func (e *APIError) Title() string {
	switch {
	case e.Status == http.StatusInternalServerError:
		return "Insufficient Funds"
	case e.Embedded:
		return "Trade Rejected"
	default:
		return "Trade Failed"
	}
}

// Config configures the client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://backend.example.com".
	BaseURL string

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
}

// Client talks to the trading backend. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// --- Auth ---

// LoginMessage is the EIP-712 payload the wallet signs to log in.
type LoginMessage struct {
	Domain      map[string]any          `json:"domain"`
	Types       map[string][]TypedField `json:"types"`
	PrimaryType string                  `json:"primaryType"`
	Message     map[string]any          `json:"message"`
	Timestamp   int64                   `json:"timestamp"`
}

// TypedData returns the message in eth_signTypedData_v4 shape, with the
// EIP712Domain type added.
func (m *LoginMessage) TypedData() map[string]any {
	types := map[string][]TypedField{"EIP712Domain": domainFields}
	for k, v := range m.Types {
		types[k] = v
	}
	return map[string]any{
		"domain":      m.Domain,
		"types":       types,
		"primaryType": m.PrimaryType,
		"message":     m.Message,
	}
}

// AuthMessage fetches the login message for address.
func (c *Client) AuthMessage(ctx context.Context, address string) (*LoginMessage, error) {
	var msg LoginMessage
	if err := c.do(ctx, "auth_message", http.MethodGet, "/auth/message/"+url.PathEscape(address), nil, &msg); err != nil {
		return nil, err
	}
	if msg.Domain == nil || len(msg.Types) == 0 || msg.Message == nil {
		return nil, fmt.Errorf("%w: missing domain, types or message", ErrInvalidMessage)
	}
	if msg.Timestamp == 0 {
		return nil, fmt.Errorf("%w: no timestamp", ErrInvalidMessage)
	}
	return &msg, nil
}

// VerifyRequest exchanges a signed login message for a credential.
type VerifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"`
	Timestamp     int64  `json:"timestamp"`
}

// Credential is the backend access token. ExpiresAt is zero when the token
// is opaque or carries no expiry.
type Credential struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Verify submits the signature and returns the issued credential.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*Credential, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		Success     bool   `json:"success"`
	}
	if err := c.do(ctx, "auth_verify", http.MethodPost, "/auth/verify", req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" && !resp.Success {
		return nil, ErrNoCredential
	}
	cred := &Credential{AccessToken: resp.AccessToken}
	if resp.AccessToken != "" {
		cred.ExpiresAt = tokenExpiry(resp.AccessToken)
	}
	return cred, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it; the
// backend, not this service, is the token's audience.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// --- Trading ---

// TradeRequest is a pro pair/basket trade.
type TradeRequest struct {
	Address    string
	USDValue   decimal.Decimal
	Leverage   int
	Slippage   decimal.Decimal // percent
	LongLegs   []model.Leg
	ShortLegs  []model.Leg
	ThesisText string
	Horizon    string
	Conviction string
	ThesisType string
}

type tradePayload struct {
	Address     string      `json:"address"`
	USDValue    json.Number `json:"usdValue"`
	Leverage    int         `json:"leverage"`
	Slippage    json.Number `json:"slippage"`
	LongAssets  []model.Leg `json:"longAssets"`
	ShortAssets []model.Leg `json:"shortAssets"`
	ThesisText  string      `json:"thesisText,omitempty"`
	Horizon     string      `json:"horizon,omitempty"`
	Conviction  string      `json:"conviction,omitempty"`
	ThesisType  string      `json:"thesisType,omitempty"`
}

// Receipt is an accepted trade.
type Receipt struct {
	TradeID string `json:"tradeId"`
	Message string `json:"message,omitempty"`
}

// ExecuteTrade submits a trade. Rejections, including a 200 reply
// without success=true, come back as *APIError.
func (c *Client) ExecuteTrade(ctx context.Context, req TradeRequest) (*Receipt, error) {
	payload := tradePayload{
		Address:     req.Address,
		USDValue:    json.Number(req.USDValue.String()),
		Leverage:    req.Leverage,
		Slippage:    json.Number(req.Slippage.String()),
		LongAssets:  req.LongLegs,
		ShortAssets: req.ShortLegs,
		ThesisText:  req.ThesisText,
		Horizon:     req.Horizon,
		Conviction:  req.Conviction,
		ThesisType:  req.ThesisType,
	}
	var resp struct {
		Success bool   `json:"success"`
		TradeID string `json:"tradeId"`
		Message string `json:"message"`
		Data    *struct {
			StatusCode int    `json:"statusCode"`
			Message    string `json:"message"`
			OrderID    string `json:"orderId"`
		} `json:"data"`
	}
	if err := c.do(ctx, "execute", http.MethodPost, "/api/pro/execute", payload, &resp); err != nil {
		return nil, err
	}

	if resp.Data != nil && resp.Data.StatusCode >= 400 {
		msg := resp.Data.Message
		if msg == "" {
			msg = "trade rejected by protocol"
		}
		return nil, &APIError{Status: resp.Data.StatusCode, Message: msg, Embedded: true}
	}

	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "trade not confirmed by backend"
		}
		return nil, &APIError{Status: http.StatusBadGateway, Message: msg, Embedded: true}
	}

	id := resp.TradeID
	if id == "" && resp.Data != nil {
		id = resp.Data.OrderID
	}
	if id == "" {
		id = "pending"
	}
	return &Receipt{TradeID: id, Message: resp.Message}, nil
}

// ProPosition is a live position as reported by the backend.
type ProPosition struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	PnL    decimal.Decimal `json:"pnl"`
}

// Positions lists the live positions of address.
func (c *Client) Positions(ctx context.Context, address string) ([]ProPosition, error) {
	var resp struct {
		Positions []ProPosition `json:"positions"`
	}
	path := "/api/pro/positions?address=" + url.QueryEscape(address)
	if err := c.do(ctx, "positions", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Positions == nil {
		resp.Positions = []ProPosition{}
	}
	return resp.Positions, nil
}

// Health returns the backend's reported status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "health", http.MethodGet, "/api/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// do performs a JSON request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	start := time.Now()
	defer func() {
		metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pear: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("pear: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pear: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pear: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(respBody, resp.Status)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("pear: decode %s response: %w", op, err)
	}
	return nil
}

// errorMessage pulls "message" or "error" out of an error body, falling
// back to the status text.
func errorMessage(body []byte, status string) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return status
}
