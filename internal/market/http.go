// Package market fetches pair and price data from third-party HTTP providers.
package market

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
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxResponseSize = 4 << 20

// ErrNotFound is returned when a provider has no data for the requested key.
var ErrNotFound = errors.New("not found")

// ClientOptions tunes a provider client.
type ClientOptions struct {
	BaseURL    string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// jsonClient performs throttled, breaker-protected JSON GETs against one provider.
type jsonClient struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func newJSONClient(name string, opts ClientOptions) *jsonClient {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})

	return &jsonClient{
		name:    name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		breaker: breaker,
		logger:  opts.Logger.With(zap.String("provider", name)),
	}
}

func (c *jsonClient) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter: %w", c.name, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, out)
	})
	if err != nil {
		c.logger.Debug("provider request failed", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}

func (c *jsonClient) do(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s build request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s read body: %w", c.name, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", c.name, path, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", c.name, path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s decode: %w", c.name, err)
	}
	return nil
}
