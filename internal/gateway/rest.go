package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const restBaseURL = "https://discord.com/api/v10"

// NewHTTPClient builds the pooled client used for all REST calls:
// keep-alive connections, per-host limits, and timeouts that keep a wedged
// request from hanging a worker.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

// RetryConfig holds configuration for exponential backoff retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// CalculateBackoff returns the wait before the given retry attempt. A
// server-provided Retry-After wins over the exponential schedule; jitter
// spreads out simultaneous retries.
func CalculateBackoff(cfg RetryConfig, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + 500*time.Millisecond
	}

	backoff := cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
			break
		}
	}

	if cfg.Jitter && backoff > 0 {
		jitterRange := int64(backoff) / 4
		if jitterRange > 0 {
			jitter := time.Duration((int64(attempt) * 137) % jitterRange)
			backoff += jitter
		}
	}

	return backoff
}

// RESTClient issues authenticated REST calls against the API. It is the
// fallback-role assigner for the role reconciler: when a role disappears,
// members cached on the fallback role get it granted for real through here.
// Calls are paced by a shared limiter and cut off by a circuit breaker when
// the API keeps failing.
type RESTClient struct {
	log            *slog.Logger
	client         *http.Client
	token          string
	guildID        string
	fallbackRoleID string
	limiter        *rate.Limiter
	breaker        *CircuitBreaker
	retry          RetryConfig
}

func NewRESTClient(log *slog.Logger, token, guildID, fallbackRoleID string) *RESTClient {
	return &RESTClient{
		log:            log,
		client:         NewHTTPClient(),
		token:          token,
		guildID:        guildID,
		fallbackRoleID: fallbackRoleID,
		// global REST budget is 50 req/s; stay well under it
		limiter: rate.NewLimiter(rate.Limit(20), 10),
		breaker: NewCircuitBreaker(),
		retry:   DefaultRetryConfig(),
	}
}

// AssignFallback grants the configured fallback role to a member.
func (c *RESTClient) AssignFallback(ctx context.Context, memberID string) error {
	url := fmt.Sprintf("%s/guilds/%s/members/%s/roles/%s", restBaseURL, c.guildID, memberID, c.fallbackRoleID)
	return c.do(ctx, http.MethodPut, url)
}

func (c *RESTClient) do(ctx context.Context, method, url string) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("rest call rejected: circuit %s", c.breaker.StateString())
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		retryAfter, err := c.doOnce(ctx, method, url)
		if err == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			c.breaker.RecordFailure()
			return lastErr
		}

		backoff := CalculateBackoff(c.retry, attempt, retryAfter)
		c.log.Debug("rest_retry", "method", method, "url", url, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.breaker.RecordFailure()
			return ctx.Err()
		}
	}

	c.breaker.RecordFailure()
	return fmt.Errorf("%s %s failed after %d retries: %w", method, url, c.retry.MaxRetries, lastErr)
}

// doOnce performs a single request. The returned duration is a
// server-provided Retry-After, zero when absent.
func (c *RESTClient) doOnce(ctx context.Context, method, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, perr := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); perr == nil {
			retryAfter = time.Duration(secs * float64(time.Second))
		}
	}

	return retryAfter, fmt.Errorf("unexpected status %d", resp.StatusCode)
}
