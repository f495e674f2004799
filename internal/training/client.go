// Package training is the HTTP client for the model training service.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultRatePerSec  = 5.0
	DefaultMaxArtifact = 512 << 20
)

var (
	// ErrUnavailable is returned when the service cannot be reached or fails.
	ErrUnavailable = errors.New("training service unavailable")
	// ErrNotFound is returned for unknown model ids.
	ErrNotFound = errors.New("training model not found")
)

// Client talks to the training service.
type Client struct {
	baseURL     string
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxArtifact int64
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSec float64) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// WithBreakerSettings replaces the circuit breaker.
func WithBreakerSettings(st gobreaker.Settings) ClientOption {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker(st)
	}
}

// NewClient creates a training-service client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: DefaultTimeout},
		limiter:     rate.NewLimiter(rate.Limit(DefaultRatePerSec), 1),
		breaker:     gobreaker.NewCircuitBreaker(defaultBreakerSettings()),
		maxArtifact: DefaultMaxArtifact,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:     "training-service",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// 404 is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	}
}

// Models lists the training catalog.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	if err := c.getJSON(ctx, "/models", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Model returns the details of one catalog entry.
func (c *Client) Model(ctx context.Context, id int64) (*ModelInfo, error) {
	var out ModelInfo
	if err := c.getJSON(ctx, fmt.Sprintf("/models/%d", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Download returns the artifact bytes for a model.
func (c *Client) Download(ctx context.Context, id int64) ([]byte, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := c.do(ctx, fmt.Sprintf("/models/%d/download", id))
		if err != nil {
			return nil, err
		}
		defer body.Close()

		data, err := io.ReadAll(io.LimitReader(body, c.maxArtifact+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read artifact: %w", ErrUnavailable, err)
		}
		if int64(len(data)) > c.maxArtifact {
			return nil, fmt.Errorf("%w: artifact exceeds %d bytes", ErrUnavailable, c.maxArtifact)
		}
		return data, nil
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return res.([]byte), nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := c.do(ctx, path)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		if err := json.NewDecoder(body).Decode(dst); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrUnavailable, path, err)
		}
		return nil, nil
	})
	return breakerError(err)
}

// do performs a GET and returns the body of a 200 response.
func (c *Client) do(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: status %d: %s", ErrUnavailable, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
