package exchange

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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"golang.org/x/time/rate"
)

const (
	// PoloniexBaseURL is the public spot API root
	PoloniexBaseURL = "https://api.poloniex.com"

	candlesEndpoint   = "/markets/%s/candles"
	timestampEndpoint = "/timestamp"

	// MaxCandlesPerRequest is the upstream response cap
	MaxCandlesPerRequest = 500

	defaultRequestsPerSecond = 10
	rateLimitBurst           = 1
	requestTimeout           = 30 * time.Second

	defaultMaxRetries  = 3
	initialRetryDelay  = time.Second
	maxRetryDelay      = 30 * time.Second
	retryMultiplier    = 2.0
	retryJitter        = 0.5
	maxErrorBodyLength = 512
)

// PoloniexAdapter implements CandleSource against the Poloniex REST API.
type PoloniexAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger

	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// PoloniexOption configures a PoloniexAdapter
type PoloniexOption func(*PoloniexAdapter)

// WithBaseURL overrides the API root, mostly for tests
func WithBaseURL(baseURL string) PoloniexOption {
	return func(p *PoloniexAdapter) { p.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) PoloniexOption {
	return func(p *PoloniexAdapter) { p.httpClient = client }
}

// WithRateLimit sets the maximum requests per second
func WithRateLimit(requestsPerSecond int) PoloniexOption {
	return func(p *PoloniexAdapter) {
		if requestsPerSecond > 0 {
			p.rateLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), rateLimitBurst)
		}
	}
}

// WithRetry configures transport retries for 5xx, 429 and network failures.
// maxRetries of 0 disables them.
func WithRetry(maxRetries int, initialDelay, maxDelay time.Duration) PoloniexOption {
	return func(p *PoloniexAdapter) {
		p.maxRetries = maxRetries
		if initialDelay > 0 {
			p.initialDelay = initialDelay
		}
		if maxDelay > 0 {
			p.maxDelay = maxDelay
		}
	}
}

// WithLogger sets the adapter logger
func WithLogger(logger *slog.Logger) PoloniexOption {
	return func(p *PoloniexAdapter) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoloniexAdapter creates a Poloniex adapter with production defaults
func NewPoloniexAdapter(opts ...PoloniexOption) *PoloniexAdapter {
	p := &PoloniexAdapter{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter:  rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), rateLimitBurst),
		baseURL:      PoloniexBaseURL,
		logger:       slog.Default(),
		maxRetries:   defaultMaxRetries,
		initialDelay: initialRetryDelay,
		maxDelay:     maxRetryDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poloniex")
	return p
}

// GetCandleData fetches the candles of asset within [start, end). The exchange
// returns at most MaxCandlesPerRequest records per call; callers size their
// windows accordingly.
func (p *PoloniexAdapter) GetCandleData(ctx context.Context, asset string, interval models.Interval, start, end time.Time) ([]RawCandle, error) {
	if asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end time %s must be after start time %s", end, start)
	}

	if err := p.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	params := url.Values{}
	params.Set("interval", string(interval))
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	// endTime is inclusive upstream
	params.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	params.Set("limit", strconv.Itoa(MaxCandlesPerRequest))

	endpoint := fmt.Sprintf(candlesEndpoint, url.PathEscape(asset))
	reqURL := fmt.Sprintf("%s%s?%s", p.baseURL, endpoint, params.Encode())

	p.logger.Debug("fetching candles",
		"asset", asset,
		"interval", interval,
		"start", start.UTC(),
		"end", end.UTC())

	body, err := p.makeRequestWithRetry(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", asset, err)
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] == '{' {
		return nil, fmt.Errorf("%s: %w", asset, parseAPIError(http.StatusOK, body))
	}

	var records []RawCandle
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%s: failed to decode candles: %w", asset, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records, nil
}

// Ping checks that the API answers its server time endpoint
func (p *PoloniexAdapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+timestampEndpoint, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("poloniex unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poloniex health check returned status %d", resp.StatusCode)
	}
	return nil
}

// apiError is the error envelope Poloniex returns
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func parseAPIError(status int, body []byte) error {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Message == "") {
		return fmt.Errorf("unexpected response %d: %s", status, truncate(body))
	}

	msg := strings.ToLower(e.Message)
	// 21xxx codes are symbol errors
	if (e.Code >= 21000 && e.Code < 22000) || strings.Contains(msg, "symbol") {
		return fmt.Errorf("%w (code %d: %s)", ErrSymbolNotFound, e.Code, e.Message)
	}
	return fmt.Errorf("api error %d (code %d): %s", status, e.Code, e.Message)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyLength {
		return string(body[:maxErrorBodyLength]) + "..."
	}
	return string(body)
}

// makeRequestWithRetry performs a GET and retries transient failures with
// exponential backoff. 4xx responses other than 429 are permanent.
func (p *PoloniexAdapter) makeRequestWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialDelay
	b.MaxInterval = p.maxDelay
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if p.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(p.maxRetries))
	}

	log := logger.FromContext(ctx, p.logger)
	var result []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "go-candle-pipeline/1.0")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				log.Warn("rate limited, waiting", "retry_after", wait)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return fmt.Errorf("rate limit exceeded: too many requests")
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body))
		case resp.StatusCode >= 400:
			return backoff.Permanent(parseAPIError(resp.StatusCode, body))
		}

		result = body
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("request failed, retrying", "error", err, "backoff", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

// parseRetryAfter parses the Retry-After header value in seconds
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

var _ CandleSource = (*PoloniexAdapter)(nil)
