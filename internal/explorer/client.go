// Package explorer is an Etherscan-family client that fetches contract
// source code, ABIs and creation info. Raw responses go through the response
// cache, calls are paced and checked against the usage tracker first, and
// every call outcome is recorded.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/txplain/explorercache/internal/cache"
	"github.com/txplain/explorercache/internal/models"
	"github.com/txplain/explorercache/internal/usage"
)

const (
	// cacheSource is the api_source of cached explorer responses
	cacheSource = "etherscan"
	maxBodySize = 32 << 20
)

// Fetcher fetches one contract resource from a block explorer
type Fetcher interface {
	Fetch(ctx context.Context, network, address string, cacheType models.CacheType) (models.ContractData, error)
}

// UsageTracker is the part of the usage tracker the client needs
type UsageTracker interface {
	GetCurrentRateLimitStatus(ctx context.Context, network, explorer string) (*usage.RateLimitStatus, error)
	RecordSuccess(ctx context.Context, call usage.Call) error
	RecordFailure(ctx context.Context, call usage.Call, errorType, message string) error
}

// Client talks to the Etherscan-compatible API of each network
type Client struct {
	httpClient *http.Client
	apiKey     string
	endpoints  map[string]string
	usage      UsageTracker
	responses  *cache.Store
	limiter    *rate.Limiter
	retry      RetryConfig
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// Option configures a Client
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithEndpoint overrides the API URL of one network
func WithEndpoint(network, apiURL string) Option {
	return func(c *Client) { c.endpoints[models.NormalizeNetwork(network)] = strings.TrimRight(apiURL, "/") }
}

// WithUsageTracker enables admission control and call recording
func WithUsageTracker(t UsageTracker) Option {
	return func(c *Client) { c.usage = t }
}

// WithResponseCache serves repeated calls from the response cache
func WithResponseCache(s *cache.Store) Option {
	return func(c *Client) { c.responses = s }
}

// WithRateLimit paces outbound calls to rps with the given burst
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates an explorer client. Without WithRateLimit it allows
// four calls a second.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoints:  map[string]string{},
		limiter:    rate.NewLimiter(rate.Limit(4), 1),
		retry:      DefaultRetryConfig(),
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("explorercache/explorer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// target is where and what one Fetch asks for
type target struct {
	network  string
	explorer string
	apiURL   string
	action   string
	address  string
	params   url.Values
}

func (c *Client) resolve(network, address string, cacheType models.CacheType) (*target, error) {
	network = models.NormalizeNetwork(network)
	t := &target{network: network, address: models.NormalizeAddress(address), params: url.Values{}}
	n, known := models.GetNetwork(network)
	if known {
		t.explorer = n.Explorer
		t.apiURL = n.APIURL
	}
	if override, ok := c.endpoints[network]; ok {
		t.apiURL = override
		if t.explorer == "" {
			t.explorer = network
		}
	}
	if t.apiURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	t.params.Set("module", "contract")
	switch cacheType {
	case models.CacheTypeSource:
		t.action = "getsourcecode"
		t.params.Set("address", t.address)
	case models.CacheTypeABI:
		t.action = "getabi"
		t.params.Set("address", t.address)
	case models.CacheTypeCreation:
		t.action = "getcontractcreation"
		t.params.Set("contractaddresses", t.address)
	default:
		return nil, fmt.Errorf("unknown cache type %q", cacheType)
	}
	t.params.Set("action", t.action)
	return t, nil
}

// Fetch returns the contract data of cacheType for address on network
func (c *Client) Fetch(ctx context.Context, network, address string, cacheType models.CacheType) (models.ContractData, error) {
	ctx, span := c.tracer.Start(ctx, "explorer.Fetch", trace.WithAttributes(
		attribute.String("network", network),
		attribute.String("address", address),
		attribute.String("cache_type", string(cacheType)),
	))
	defer span.End()

	t, err := c.resolve(network, address, cacheType)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	if c.responses != nil {
		res, err := c.responses.CacheOrRetrieve(ctx, cache.Request{
			Source:       cacheSource,
			Endpoint:     "api",
			ResourceType: "contract",
			Params:       map[string]any{"network": t.network, "action": t.action},
			ResourceID:   t.address,
		}, func(ctx context.Context) (any, error) {
			return c.call(ctx, t)
		})
		if err != nil {
			return nil, err
		}
		result = res.Payload
	} else {
		if result, err = c.call(ctx, t); err != nil {
			return nil, err
		}
	}

	switch cacheType {
	case models.CacheTypeSource:
		return decodeSource(result)
	case models.CacheTypeABI:
		return decodeABI(result)
	default:
		return decodeCreation(result)
	}
}

// call checks admission, waits for the limiter and performs the request,
// retrying transient failures. Every attempt is recorded.
func (c *Client) call(ctx context.Context, t *target) (json.RawMessage, error) {
	if c.usage != nil {
		status, err := c.usage.GetCurrentRateLimitStatus(ctx, t.network, t.explorer)
		if err != nil {
			c.logger.Warn().Err(err).Str("network", t.network).Msg("rate limit status unavailable")
		} else if !status.EstimatedSafe {
			return nil, fmt.Errorf("%w: %s/%s made %d requests in the last minute and %d in the last hour",
				ErrRateLimited, t.network, t.explorer, status.RequestsLastMinute, status.RequestsLastHour)
		}
	}

	var lastErr error
	delay := c.retry.InitialDelay
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		result, elapsed, err := c.do(ctx, t)
		c.record(ctx, t, elapsed, err)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt >= c.retry.MaxRetries || !transient(err) {
			break
		}
		c.logger.Debug().Err(err).Str("network", t.network).Str("action", t.action).
			Int("attempt", attempt+1).Dur("delay", delay).Msg("explorer call failed, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * c.retry.BackoffFactor)
		if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}
	return nil, lastErr
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) do(ctx context.Context, t *target) (json.RawMessage, time.Duration, error) {
	if c.retry.TimeoutPerAttempt > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.TimeoutPerAttempt)
		defer cancel()
	}

	params := url.Values{}
	for k, v := range t.params {
		params[k] = v
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, time.Since(started), err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	elapsed := time.Since(started)
	if err != nil {
		return nil, elapsed, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, elapsed, fmt.Errorf("%w: HTTP 429", ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, elapsed, &StatusError{Code: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, elapsed, &decodeError{err: err}
	}
	if env.Status != "1" {
		var text string
		_ = json.Unmarshal(env.Result, &text)
		switch {
		case isRateLimitText(text) || isRateLimitText(env.Message):
			return nil, elapsed, fmt.Errorf("%w: %s", ErrRateLimited, text)
		case isNotVerifiedText(text):
			return nil, elapsed, ErrNotVerified
		}
		return nil, elapsed, &APIError{Message: env.Message, Result: text}
	}
	return env.Result, elapsed, nil
}

func (c *Client) record(ctx context.Context, t *target, elapsed time.Duration, callErr error) {
	if c.usage == nil {
		return
	}
	call := usage.Call{
		Network:         t.network,
		Explorer:        t.explorer,
		Endpoint:        t.action,
		ResponseTime:    elapsed,
		ContractAddress: t.address,
	}
	var err error
	if callErr == nil {
		err = c.usage.RecordSuccess(ctx, call)
	} else {
		err = c.usage.RecordFailure(ctx, call, Classify(callErr), callErr.Error())
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("network", t.network).Str("action", t.action).Msg("failed to record explorer usage")
	}
}

var _ Fetcher = (*Client)(nil)
