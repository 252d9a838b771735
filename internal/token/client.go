// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/prefetchd/internal/logging"
	"github.com/tomtom215/prefetchd/internal/metrics"
)

// ErrDenied marks an application-level denial from the authorization
// endpoint (non-zero code). Callers treat it as "no token", not as a
// transport failure.
var ErrDenied = errors.New("authorization denied")

// Authorizer issues access tokens. The HTTP client below is the production
// implementation; tests substitute fakes.
type Authorizer interface {
	Authorize(ctx context.Context, assetID string, variant Variant, imagePath string) (Grant, error)
	AuthorizeBatch(ctx context.Context, items []BatchItem) (BatchResult, error)
	Refresh(ctx context.Context, assetID string, variant Variant) (Grant, error)
}

// Client talks to the external authorization endpoint over HTTP. All calls
// pass through a circuit breaker so a dead endpoint fails fast instead of
// tying up the fetch pipeline; rejected and failed calls surface as errors
// and the caller falls back to unauthenticated URLs.
type Client struct {
	http    *http.Client
	baseURL string
	cb      *gobreaker.CircuitBreaker[[]byte]
	name    string
}

var _ Authorizer = (*Client)(nil)

// NewClient creates an authorization client for the given endpoint URL.
//
// Circuit breaker configuration:
// - Max 3 concurrent requests in half-open state
// - 1 minute measurement window
// - 30 second timeout before attempting recovery
// - Opens after 60% failure rate with minimum 10 requests
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cbName := "authorize"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("authorize circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		cb:      cb,
		name:    cbName,
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// envelope is the authorization endpoint's response wrapper. Code zero means
// success; anything else is an application-level denial.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type grantData struct {
	Token     string `json:"token"`
	ImagePath string `json:"image_path"`
}

type batchData struct {
	Tokens map[string]string `json:"tokens"`
	Errors []BatchItemError  `json:"errors"`
}

// do executes an HTTP request through the circuit breaker and returns the
// response body. Non-2xx statuses count as breaker failures.
func (c *Client) do(req *http.Request) ([]byte, error) {
	body, err := c.cb.Execute(func() ([]byte, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("authorize request: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("authorize status %d", resp.StatusCode)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("authorize read: %w", err)
		}
		return b, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(c.name, "rejected").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(c.name, "failure").Inc()
		}
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(c.name, "success").Inc()
	return body, nil
}

// getGrant performs a single-item GET (action=get or action=refresh) and
// decodes the grant. ErrDenied is returned for non-zero response codes.
func (c *Client) getGrant(ctx context.Context, action, assetID string, variant Variant, imagePath string) (Grant, error) {
	q := url.Values{}
	q.Set("action", action)
	q.Set("asset_id", assetID)
	q.Set("variant", string(variant))
	if imagePath != "" {
		q.Set("path", imagePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Grant{}, fmt.Errorf("build authorize request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return Grant{}, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Grant{}, fmt.Errorf("decode authorize response: %w", err)
	}
	if env.Code != 0 {
		return Grant{}, fmt.Errorf("%w: code %d: %s", ErrDenied, env.Code, env.Message)
	}

	var data grantData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Grant{}, fmt.Errorf("decode authorize grant: %w", err)
	}
	if data.Token == "" {
		return Grant{}, fmt.Errorf("%w: empty token", ErrDenied)
	}
	return Grant{Token: data.Token, ImagePath: data.ImagePath}, nil
}

// Authorize implements Authorizer.
func (c *Client) Authorize(ctx context.Context, assetID string, variant Variant, imagePath string) (Grant, error) {
	return c.getGrant(ctx, "get", assetID, variant, imagePath)
}

// Refresh implements Authorizer. It forces re-issuance server-side.
func (c *Client) Refresh(ctx context.Context, assetID string, variant Variant) (Grant, error) {
	return c.getGrant(ctx, "refresh", assetID, variant, "")
}

type batchRequest struct {
	Action string          `json:"action"`
	Items  []batchWireItem `json:"items"`
}

type batchWireItem struct {
	AssetID string `json:"asset_id"`
	Variant string `json:"variant"`
	Path    string `json:"path"`
}

// AuthorizeBatch implements Authorizer with one combined POST.
func (c *Client) AuthorizeBatch(ctx context.Context, items []BatchItem) (BatchResult, error) {
	wire := batchRequest{Action: "batch", Items: make([]batchWireItem, 0, len(items))}
	for _, it := range items {
		wire.Items = append(wire.Items, batchWireItem{
			AssetID: it.AssetID,
			Variant: string(it.Variant),
			Path:    it.ImagePath,
		})
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return BatchResult{}, fmt.Errorf("encode batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{}, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return BatchResult{}, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return BatchResult{}, fmt.Errorf("decode batch response: %w", err)
	}
	if env.Code != 0 {
		return BatchResult{}, fmt.Errorf("%w: code %d: %s", ErrDenied, env.Code, env.Message)
	}

	var data batchData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return BatchResult{}, fmt.Errorf("decode batch grants: %w", err)
	}
	if data.Tokens == nil {
		data.Tokens = map[string]string{}
	}
	return BatchResult{Tokens: data.Tokens, Errors: data.Errors}, nil
}
