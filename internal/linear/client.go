package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://api.linear.app/graphql"
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 100
	defaultMaxPages = 500
	maxBodyBytes    = 16 << 20
)

// Client issues authenticated GraphQL requests against Linear.
type Client struct {
	endpoint     string
	apiKey       string
	httpClient   *http.Client
	timeout      time.Duration
	limiter      *rate.Limiter
	retryInitial time.Duration
	maxRetries   uint64
	pageSize     int
	maxPages     int
}

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithTimeout bounds each individual HTTP attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRateLimit caps outgoing requests. perSecond <= 0 disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithRetry(initial time.Duration, maxRetries uint64) Option {
	return func(c *Client) {
		c.retryInitial = initial
		c.maxRetries = maxRetries
	}
}

func WithPageSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.pageSize = size
		}
	}
}

func WithMaxPages(pages int) Option {
	return func(c *Client) {
		if pages > 0 {
			c.maxPages = pages
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint:     DefaultEndpoint,
		apiKey:       apiKey,
		httpClient:   &http.Client{},
		timeout:      defaultTimeout,
		limiter:      rate.NewLimiter(rate.Limit(10), 5),
		retryInitial: 500 * time.Millisecond,
		maxRetries:   4,
		pageSize:     defaultPageSize,
		maxPages:     defaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// Execute runs one GraphQL operation and decodes its data into out (which
// may be nil). Rate limits, timeouts and 5xx responses are retried.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	var bo backoff.BackOff
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryInitial
	exp.MaxElapsedTime = 0
	bo = backoff.WithMaxRetries(backoff.WithContext(exp, ctx), c.maxRetries)

	return backoff.Retry(func() error {
		err := c.do(ctx, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func (c *Client) do(ctx context.Context, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &APIError{Kind: KindTimeout, Err: err}
		}
		return &APIError{Kind: KindServer, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() == nil && reqCtx.Err() != nil {
			return &APIError{Kind: KindTimeout, Status: resp.StatusCode, Err: err}
		}
		return &APIError{Kind: KindServer, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindUnauthorized, Status: resp.StatusCode, Messages: []string{snippet(raw)}}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, Status: resp.StatusCode, Messages: []string{snippet(raw)}}
	case resp.StatusCode >= 500:
		return &APIError{Kind: KindServer, Status: resp.StatusCode, Messages: []string{snippet(raw)}}
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Kind: KindGraphQL, Status: resp.StatusCode, Messages: []string{snippet(raw)}}
		}
		return &APIError{Kind: KindGraphQL, Status: resp.StatusCode, Err: fmt.Errorf("parse response: %w", err)}
	}
	if len(envelope.Errors) > 0 {
		apiErr := classifyGraphQLErrors(envelope.Errors)
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	if resp.StatusCode >= 300 {
		return &APIError{Kind: KindGraphQL, Status: resp.StatusCode, Messages: []string{snippet(raw)}}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &APIError{Kind: KindTypeMismatch, Status: resp.StatusCode, Err: err,
				Messages: []string{fmt.Sprintf("field %q: got %s, want %s", typeErr.Field, typeErr.Value, typeErr.Type)}}
		}
		return &APIError{Kind: KindGraphQL, Status: resp.StatusCode, Err: fmt.Errorf("decode data: %w", err)}
	}
	return nil
}

func snippet(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
