package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Default configuration values.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxRetries  = 2
	DefaultRetryDelay  = 200 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultBackoffMult = 2.0
)

// RESTOracle fetches prices from an HTTP ticker endpoint:
// GET <endpoint>?symbol=BTCUSDT -> {"symbol":"BTCUSDT","price":"64000.5"}.
type RESTOracle struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
}

// RESTOption configures RESTOracle.
type RESTOption func(*RESTOracle)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) RESTOption {
	return func(o *RESTOracle) {
		o.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) RESTOption {
	return func(o *RESTOracle) {
		o.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) RESTOption {
	return func(o *RESTOracle) {
		o.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) RESTOption {
	return func(o *RESTOracle) {
		o.maxDelay = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) RESTOption {
	return func(o *RESTOracle) {
		o.client = client
	}
}

// NewRESTOracle creates a REST price oracle.
func NewRESTOracle(endpoint string, opts ...RESTOption) *RESTOracle {
	o := &RESTOracle{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Price fetches the last price with retries and exponential backoff.
// 404 maps to ErrNoPrice and is not retried.
func (o *RESTOracle) Price(ctx context.Context, symbol string) (float64, error) {
	u, err := url.Parse(o.endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	u.RawQuery = q.Encode()

	delay := o.retryDelay
	var lastErr error

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * o.backoffMult)
			if delay > o.maxDelay {
				delay = o.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return 0, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited (429)")
			continue
		case resp.StatusCode != http.StatusOK:
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
			continue
		}

		var ticker tickerResponse
		if err := json.Unmarshal(body, &ticker); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}
		if !ticker.Price.IsPositive() {
			return 0, fmt.Errorf("%s: non-positive price %s: %w", symbol, ticker.Price, ErrNoPrice)
		}
		return ticker.Price.InexactFloat64(), nil
	}

	return 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}
