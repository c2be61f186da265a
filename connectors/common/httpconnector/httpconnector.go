package httpconnector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

const (
	defaultAPIKeyHeader = "X-Api-Key"
	defaultTimeout      = 5 * time.Second
	defaultTokenTTL     = time.Minute
	maxErrorBodyBytes   = 2048
	maxResponseBytes    = 4 << 20
)

// Config configures a JSON-over-HTTP supply network client.
type Config struct {
	ConnectorID  string
	Endpoint     string
	Method       string
	APIKey       string
	APIKeyHeader string
	// JWTSecret enables an HS256 bearer token minted per request.
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
	// RatePerSecond <= 0 disables client-side throttling.
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	// ItemKeys are the envelope fields searched for the item array, in order.
	ItemKeys []string
	Now      func() time.Time
}

// Client fetches raw offer items from one network endpoint.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	cfg.ConnectorID = strings.TrimSpace(cfg.ConnectorID)
	if cfg.ConnectorID == "" {
		return nil, fmt.Errorf("connector_id is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for connector %s", cfg.ConnectorID)
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parse endpoint for connector %s: %w", cfg.ConnectorID, err)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = defaultAPIKeyHeader
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.ItemKeys) == 0 {
		cfg.ItemKeys = []string{"items", "data"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c, nil
}

// ConnectorID returns the configured identity.
func (c *Client) ConnectorID() string {
	return c.cfg.ConnectorID
}

// Fetch performs one request and decodes the item array.
func (c *Client) Fetch(ctx context.Context, params contracts.FetchParams) (contracts.FetchResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.ConnectorID, Message: "rate limiter wait", Cause: err}
		}
	}

	endpoint, err := withQuery(c.cfg.Endpoint, params)
	if err != nil {
		return contracts.FetchResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, endpoint, nil)
	if err != nil {
		return contracts.FetchResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIKeyHeader, c.cfg.APIKey)
	}
	if c.cfg.JWTSecret != "" {
		token, err := c.bearerToken()
		if err != nil {
			return contracts.FetchResult{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.ConnectorID, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		sourceErr := &contracts.SourceError{
			SourceID:   c.cfg.ConnectorID,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(sample)),
		}
		if resp.StatusCode == http.StatusUnavailableForLegalReasons {
			sourceErr.Cause = contracts.ErrPolicyBlocked
		}
		if sourceErr.Message == "" {
			sourceErr.Message = http.StatusText(resp.StatusCode)
		}
		return contracts.FetchResult{}, sourceErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.ConnectorID, StatusCode: resp.StatusCode, Message: "read response body", Cause: err}
	}
	items, err := DecodeItems(body, c.cfg.ItemKeys)
	if err != nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.ConnectorID, StatusCode: http.StatusBadGateway, Message: "decode response", Cause: err}
	}
	if params.Limit > 0 && len(items) > params.Limit {
		items = items[:params.Limit]
	}
	return contracts.FetchResult{
		Offers: items,
		Debug: map[string]any{
			"connector_id": c.cfg.ConnectorID,
			"status_code":  resp.StatusCode,
			"item_count":   len(items),
		},
	}, nil
}

func (c *Client) bearerToken() (string, error) {
	now := c.cfg.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.JWTIssuer,
		Subject:   c.cfg.ConnectorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.cfg.TokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign bearer token for connector %s: %w", c.cfg.ConnectorID, err)
	}
	return signed, nil
}

func withQuery(rawEndpoint string, params contracts.FetchParams) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if s := strings.TrimSpace(params.Search); s != "" {
		q.Set("search", s)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrNoItemArray is returned when a payload carries no recognizable item list.
var ErrNoItemArray = errors.New("response carries no item array")

// DecodeItems accepts either a bare JSON array or an object whose first
// matching key in itemKeys holds the array. Non-object elements are skipped.
func DecodeItems(body []byte, itemKeys []string) ([]contracts.RawOffer, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return []contracts.RawOffer{}, nil
	}
	var raw []any
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, err
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
			return nil, err
		}
		found := false
		for _, key := range itemKeys {
			field, ok := envelope[key]
			if !ok {
				continue
			}
			if err := json.Unmarshal(field, &raw); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			found = true
			break
		}
		if !found {
			return nil, ErrNoItemArray
		}
	}
	out := make([]contracts.RawOffer, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, contracts.RawOffer(obj))
	}
	return out, nil
}
