// Package external provides the anti-corruption layer between relay logic and
// the CRM API. All outbound HTTP calls are routed through the BaseClient, which
// enforces circuit breaking, request-id propagation and the split between
// transport failures (retryable) and HTTP responses (handed back untouched).
package external

import (
	"errors"
	"net/http"
	"time"

	"crmrelay/internal/types"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// BaseClient wraps an *http.Client and a circuit breaker. It never retries in
// process; a transport failure is surfaced as a retryable AppError and the
// host decides when to try the whole unit of work again.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	userAgent string
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithTracing wraps the underlying transport with otelhttp so every outbound
// call produces a client span.
func WithTracing() BaseClientOption {
	return func(c *BaseClient) {
		base := c.client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		cloned := *c.client
		cloned.Transport = otelhttp.NewTransport(base)
		c.client = &cloned
	}
}

// DefaultBreakerSettings returns the breaker configuration used in production.
// Only transport errors count towards tripping.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
}

// NewBaseClient creates a BaseClient with a breaker built from
// DefaultBreakerSettings.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	cb := gobreaker.NewCircuitBreaker[*http.Response](DefaultBreakerSettings(breakerName))
	return NewBaseClientWithBreaker(httpClient, cb, userAgent, opts...)
}

// NewBaseClientWithBreaker creates a BaseClient with a caller-provided circuit
// breaker. This is useful for testing or when sharing a breaker across clients.
func NewBaseClientWithBreaker(
	httpClient *http.Client,
	breaker *gobreaker.CircuitBreaker[*http.Response],
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	bc := &BaseClient{
		client:    httpClient,
		breaker:   breaker,
		userAgent: userAgent,
	}

	for _, opt := range opts {
		opt(bc)
	}

	return bc
}

// Do executes the HTTP request with:
//  1. Request ID injection (X-Request-Id from context)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Error mapping to types.AppError
//
// Any HTTP response, whatever its status, is returned as-is and the caller is
// responsible for closing the body. A transport failure or an open breaker
// yields an AppError with ErrCodeUpstreamTransport or ErrCodeUpstreamUnavailable,
// both of which satisfy IsRetryable.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if requestID := types.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.client.Do(req)
	})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, c.mapError(err)
	}

	return resp, nil
}

// mapError translates transport-level failures into AppErrors.
func (c *BaseClient) mapError(err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"circuit breaker is open; crm service unavailable",
			err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamTransport,
		"service is down, retry later",
		err,
	)
}

// IsRetryable reports whether err represents a transport-level failure that
// the host should retry later. HTTP error statuses never produce such errors.
func IsRetryable(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeUpstreamTransport || appErr.Code == types.ErrCodeUpstreamUnavailable
}
