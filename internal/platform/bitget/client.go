package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Config describes the traded contract and transport settings.
type Config struct {
	BaseURL     string
	Symbol      string
	ProductType string
	MarginCoin  string
	MarginMode  string
	// PricePlace is the number of decimals accepted for trigger prices.
	PricePlace int32
	Timeout    time.Duration
}

// DefaultConfig returns the settings for the BTCUSDT perpetual.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.bitget.com",
		Symbol:      "BTCUSDT",
		ProductType: "USDT-FUTURES",
		MarginCoin:  "USDT",
		MarginMode:  "isolated",
		PricePlace:  1,
		Timeout:     15 * time.Second,
	}
}

// Client is the REST client for the Bitget v2 mix (futures) API. It
// implements domain.Gateway for a single symbol.
type Client struct {
	cfg        Config
	auth       *crypto.HMACAuth
	httpClient *http.Client
	limiter    domain.RateLimiter
	now        func() time.Time
	logger     *slog.Logger
}

// NewClient creates a new Bitget client. limiter may be nil.
func NewClient(cfg Config, auth *crypto.HMACAuth, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Symbol == "" {
		cfg.Symbol = def.Symbol
	}
	if cfg.ProductType == "" {
		cfg.ProductType = def.ProductType
	}
	if cfg.MarginCoin == "" {
		cfg.MarginCoin = def.MarginCoin
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = def.MarginMode
	}
	if cfg.PricePlace <= 0 {
		cfg.PricePlace = def.PricePlace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		cfg:        cfg,
		auth:       auth,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "bitget")),
	}
}

// Symbol returns the traded contract.
func (c *Client) Symbol() string { return c.cfg.Symbol }

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSignedRequest builds, signs, sends and unwraps a request. The returned
// bytes are the envelope's data field.
func (c *Client) doSignedRequest(ctx context.Context, op, method, path string, params url.Values, reqBody any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "bitget"); err != nil {
			return nil, fmt.Errorf("bitget: %s: %w", op, err)
		}
	}

	var bodyStr string
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("bitget: %s: marshal request body: %w", op, err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+requestPath, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("bitget: %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	if c.auth != nil {
		for k, v := range c.auth.HeadersAt(method, requestPath, bodyStr, c.now().UnixMilli()) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bitget: %s: %w", op, ctx.Err())
		}
		return nil, &domain.TransientNetworkError{Op: "bitget " + op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientNetworkError{Op: "bitget " + op, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := c.checkStatus(op, resp, respBody); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &domain.InvalidResponseError{Source: "bitget " + op, Reason: err.Error(), Raw: truncate(respBody)}
	}
	if env.Code != successCode {
		if env.Code == "429" {
			return nil, &domain.RateLimitedError{Op: "bitget " + op}
		}
		return nil, &APIError{Op: op, Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func (c *Client) checkStatus(op string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	var env envelope
	_ = json.Unmarshal(body, &env)

	switch {
	case code == http.StatusTooManyRequests:
		return &domain.RateLimitedError{Op: "bitget " + op, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case code >= 500:
		return &domain.TransientNetworkError{Op: "bitget " + op, Err: fmt.Errorf("HTTP %d: %s", code, env.Msg)}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("bitget: %s: %w: %s (%s)", op, domain.ErrUnauthorized, env.Msg, env.Code)
	case code == http.StatusNotFound:
		return fmt.Errorf("bitget: %s: %w: %s (%s)", op, domain.ErrNotFound, env.Msg, env.Code)
	case code == http.StatusBadRequest:
		return fmt.Errorf("bitget: %s: %w: %s (%s)", op, domain.ErrInvalidOrder, env.Msg, env.Code)
	default:
		return fmt.Errorf("bitget: %s: HTTP %d: %s (%s)", op, code, env.Msg, env.Code)
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

func decodeData(op string, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &domain.InvalidResponseError{Source: "bitget " + op, Reason: err.Error(), Raw: truncate(data)}
	}
	return nil
}

var errEmptyData = errors.New("empty data")
