package clients

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
)

// HTTPConfig configures the API HTTP client.
type HTTPConfig struct {
	// BaseURL is the versioned Web API root with a trailing slash.
	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent"`

	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// Timeouts
	DialTimeout           time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`

	EnableHTTP2 bool `json:"enable_http2"`
}

// DefaultHTTPConfig returns defaults tuned for pulling large pages from a
// single API host.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		RequestTimeout:        120 * time.Second,
		KeepAlive:             30 * time.Second,
		EnableHTTP2:           true,
	}
}

// HTTPStats counts client activity for the run summary.
type HTTPStats struct {
	TotalRequests   int64 `json:"total_requests"`
	RetriedRequests int64 `json:"retried_requests"`
	FailedRequests  int64 `json:"failed_requests"`
}

// HTTPClient issues authenticated OData GET requests with rate limiting
// and bounded retries.
//
// Response handling per attempt: a 401 or 403 forces one token refresh
// followed by a single immediate retry that does not consume retry
// budget; 429 and 5xx back off exponentially, honoring Retry-After when
// present; any other 4xx fails the request immediately. When the retry
// budget runs out the last error is wrapped as transient so the caller
// knows the work is resumable.
type HTTPClient struct {
	cfg        *HTTPConfig
	httpClient *http.Client
	tokens     *TokenManager
	limiter    RateLimiter
	policy     *RetryPolicy
	logger     *zap.Logger

	totalRequests   int64
	retriedRequests int64
	failedRequests  int64
}

// NewHTTPClient builds a client over the shared token manager and rate
// limiter. A nil config uses DefaultHTTPConfig; a nil policy uses
// DefaultRetryPolicy.
func NewHTTPClient(cfg *HTTPConfig, tokens *TokenManager, limiter RateLimiter, policy *RetryPolicy) *HTTPClient {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	log := logger.Get().With(zap.String("component", "http_client"))
	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			log.Warn("failed to configure HTTP/2, continuing on HTTP/1.1", zap.Error(err))
		}
	}

	return &HTTPClient{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		tokens:  tokens,
		limiter: limiter,
		policy:  policy,
		logger:  log,
	}
}

// Get fetches a resource relative to the API base URL. Query values are
// encoded with %20 for spaces, which OData filter expressions require.
func (c *HTTPClient) Get(ctx context.Context, resource string, query url.Values, headers map[string]string) ([]byte, error) {
	u := c.cfg.BaseURL + resource
	if len(query) > 0 {
		u += "?" + encodeQuery(query)
	}
	return c.do(ctx, u, headers)
}

// GetURL fetches an absolute URL, used for server-issued continuation
// links which arrive already encoded.
func (c *HTTPClient) GetURL(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, rawURL, headers)
}

// GetStats returns request counters.
func (c *HTTPClient) GetStats() HTTPStats {
	return HTTPStats{
		TotalRequests:   atomic.LoadInt64(&c.totalRequests),
		RetriedRequests: atomic.LoadInt64(&c.retriedRequests),
		FailedRequests:  atomic.LoadInt64(&c.failedRequests),
	}
}

func (c *HTTPClient) do(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	var (
		lastErr    error
		retryAfter time.Duration
		refreshed  bool
		skipDelay  bool
	)

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 && !skipDelay {
			delay := c.policy.Delay(attempt - 1)
			if retryAfter > 0 {
				delay = retryAfter
				retryAfter = 0
			}
			c.logger.Debug("retrying request",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeConnection, "cancelled while backing off")
			}
		}
		skipDelay = false

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			if !errors.IsRetryable(err) {
				return nil, err
			}
			lastErr = err
			metrics.HTTPRetries.WithLabelValues("auth").Inc()
			continue
		}

		res, err := c.roundTrip(ctx, rawURL, token, headers)
		switch {
		case err != nil:
			lastErr = err
			atomic.AddInt64(&c.retriedRequests, 1)
			metrics.HTTPRetries.WithLabelValues("connection").Inc()

		case res.status >= 200 && res.status < 300:
			return res.body, nil

		case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
			if refreshed {
				atomic.AddInt64(&c.failedRequests, 1)
				return nil, errors.Newf(errors.ErrorTypeRequest,
					"request unauthorized after token refresh (status %d)", res.status)
			}
			refreshed = true
			if err := c.tokens.ForceRefresh(ctx); err != nil {
				if !errors.IsRetryable(err) {
					atomic.AddInt64(&c.failedRequests, 1)
					return nil, err
				}
				lastErr = err
				metrics.HTTPRetries.WithLabelValues("auth").Inc()
				continue
			}
			// The post-refresh retry skips the backoff delay and does
			// not spend an attempt.
			metrics.HTTPRetries.WithLabelValues("auth").Inc()
			attempt--
			skipDelay = true

		case res.status == http.StatusTooManyRequests:
			retryAfter = parseRetryAfter(res.retryAfter)
			lastErr = errors.Newf(errors.ErrorTypeRateLimit, "throttled by service (status %d)", res.status)
			atomic.AddInt64(&c.retriedRequests, 1)
			metrics.HTTPRetries.WithLabelValues("rate_limit").Inc()

		case res.status >= 500:
			lastErr = errors.Newf(errors.ErrorTypeServer, "service error (status %d): %s", res.status, apiErrorMessage(res.body))
			atomic.AddInt64(&c.retriedRequests, 1)
			metrics.HTTPRetries.WithLabelValues("server").Inc()

		default:
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, errors.Newf(errors.ErrorTypeRequest,
				"request failed with status %d: %s", res.status, apiErrorMessage(res.body))
		}
	}

	atomic.AddInt64(&c.failedRequests, 1)
	return nil, errors.Wrap(lastErr, errors.ErrorTypeTransient,
		"retry budget exhausted after "+strconv.Itoa(c.policy.MaxAttempts)+" attempts")
}

// attemptResult is one completed HTTP exchange.
type attemptResult struct {
	body       []byte
	status     int
	retryAfter string
}

// roundTrip performs one attempt, returning a connection-typed error
// when no response arrived at all.
func (c *HTTPClient) roundTrip(ctx context.Context, rawURL, token string, headers map[string]string) (*attemptResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "building request")
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	atomic.AddInt64(&c.totalRequests, 1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.HTTPRequests.WithLabelValues(http.MethodGet, "error").Inc()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	metrics.HTTPRequests.WithLabelValues(http.MethodGet, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "reading response body")
	}

	return &attemptResult{
		body:       body,
		status:     resp.StatusCode,
		retryAfter: resp.Header.Get("Retry-After"),
	}, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
// Unparseable or absent values return 0, leaving the backoff policy in
// charge.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// apiErrorMessage extracts the OData error message from an error body,
// falling back to a truncated raw snippet.
func apiErrorMessage(body []byte) string {
	var doc struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.Error.Message != "" {
		if doc.Error.Code != "" {
			return doc.Error.Code + ": " + doc.Error.Message
		}
		return doc.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// encodeQuery renders url.Values using %20 for spaces. The form-style
// plus sign that Encode emits is not accepted inside OData expressions.
func encodeQuery(q url.Values) string {
	return strings.ReplaceAll(q.Encode(), "+", "%20")
}
