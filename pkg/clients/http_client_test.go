package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// clientFixture serves both the token endpoint and the API under one
// test server so the token manager and client share a lifetime.
type clientFixture struct {
	mux       *http.ServeMux
	server    *httptest.Server
	tokenHits int64
}

func newClientFixture(t *testing.T) *clientFixture {
	f := &clientFixture{mux: http.NewServeMux()}
	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.tokenHits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *clientFixture) client(policy *RetryPolicy) *HTTPClient {
	if policy == nil {
		policy = &RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		}
	}
	cfg := DefaultHTTPConfig()
	cfg.BaseURL = f.server.URL + "/api/data/v9.2/"
	cfg.UserAgent = "quasar-test"
	tokens := NewTokenManager(testOAuth2Config(f.server.URL + "/token"))
	return NewHTTPClient(cfg, tokens, NewRateLimiter(60000, 1000), policy)
}

func TestHTTPClientHeadersAndQueryEncoding(t *testing.T) {
	f := newClientFixture(t)

	type captured struct {
		rawQuery string
		header   http.Header
	}
	var got atomic.Value
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		got.Store(captured{rawQuery: r.URL.RawQuery, header: r.Header.Clone()})
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	c := f.client(nil)
	query := url.Values{
		"$filter":  {"modifiedon ge 2021-04-01T00:00:00Z"},
		"$orderby": {"modifiedon asc"},
	}
	body, err := c.Get(context.Background(), "accounts", query, map[string]string{
		"Prefer": "odata.maxpagesize=100",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":[]}`, string(body))

	req := got.Load().(captured)

	// OData expressions require %20 for spaces, not the form-style plus.
	assert.Equal(t,
		"%24filter=modifiedon%20ge%202021-04-01T00%3A00%3A00Z&%24orderby=modifiedon%20asc",
		req.rawQuery)
	assert.NotContains(t, req.rawQuery, "+")

	assert.Equal(t, "Bearer tok", req.header.Get("Authorization"))
	assert.Equal(t, "quasar-test", req.header.Get("User-Agent"))
	assert.Equal(t, "application/json", req.header.Get("Accept"))
	assert.Equal(t, "4.0", req.header.Get("OData-MaxVersion"))
	assert.Equal(t, "4.0", req.header.Get("OData-Version"))
	assert.Equal(t, "odata.maxpagesize=100", req.header.Get("Prefer"))
}

func TestHTTPClientGetURLKeepsEncoding(t *testing.T) {
	f := newClientFixture(t)

	var rawQuery atomic.Value
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		rawQuery.Store(r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	c := f.client(nil)
	// Continuation links arrive already encoded and must pass through
	// untouched.
	_, err := c.GetURL(context.Background(),
		f.server.URL+"/api/data/v9.2/accounts?%24skiptoken=%3Ccookie%20pagenumber%3D%222%22%3E", nil)
	require.NoError(t, err)
	assert.Equal(t, "%24skiptoken=%3Ccookie%20pagenumber%3D%222%22%3E", rawQuery.Load().(string))
}

func TestHTTPClientRefreshOnUnauthorized(t *testing.T) {
	f := newClientFixture(t)

	var apiHits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&apiHits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	c := f.client(nil)
	_, err := c.Get(context.Background(), "accounts", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&apiHits))
	// The token minted moments earlier is reused by the forced refresh.
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.tokenHits))

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.RetriedRequests, "the post-refresh retry is free")
	assert.Equal(t, int64(0), stats.FailedRequests)
}

func TestHTTPClientUnauthorizedAfterRefreshFails(t *testing.T) {
	f := newClientFixture(t)

	var apiHits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&apiHits, 1)
		w.WriteHeader(http.StatusForbidden)
	})

	c := f.client(nil)
	_, err := c.Get(context.Background(), "accounts", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRequest), "got %v", err)
	assert.Contains(t, err.Error(), "unauthorized after token refresh")
	assert.Equal(t, int64(2), atomic.LoadInt64(&apiHits))
	assert.Equal(t, int64(1), c.GetStats().FailedRequests)
}

func TestHTTPClientFailsFastOnClientError(t *testing.T) {
	f := newClientFixture(t)

	var apiHits int64
	f.mux.HandleFunc("/api/data/v9.2/nosuchset", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&apiHits, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"0x80060888","message":"Resource not found for the segment 'nosuchset'."}}`))
	})

	c := f.client(nil)
	_, err := c.Get(context.Background(), "nosuchset", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRequest), "got %v", err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "Resource not found")
	assert.Equal(t, int64(1), atomic.LoadInt64(&apiHits), "client errors must not be retried")
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	f := newClientFixture(t)

	var apiHits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&apiHits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	c := f.client(nil)
	_, err := c.Get(context.Background(), "accounts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), atomic.LoadInt64(&apiHits))

	stats := c.GetStats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.RetriedRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)
}

func TestHTTPClientRetriesThrottled(t *testing.T) {
	f := newClientFixture(t)

	var apiHits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&apiHits, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"value":[]}`))
	})

	c := f.client(nil)
	_, err := c.Get(context.Background(), "accounts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&apiHits))
	assert.Equal(t, int64(1), c.GetStats().RetriedRequests)
}

func TestHTTPClientExhaustsRetryBudget(t *testing.T) {
	f := newClientFixture(t)

	var apiHits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&apiHits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"SQL timeout"}}`))
	})

	c := f.client(nil)
	_, err := c.Get(context.Background(), "accounts", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransient), "got %v", err)
	assert.Contains(t, err.Error(), "retry budget exhausted after 3 attempts")
	assert.Contains(t, err.Error(), "SQL timeout")
	// Exhaustion is terminal for the entity; the caller must not spin.
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, int64(3), atomic.LoadInt64(&apiHits))
	assert.Equal(t, int64(1), c.GetStats().FailedRequests)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 80*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestAPIErrorMessage(t *testing.T) {
	assert.Equal(t, "0x80060888: Resource not found",
		apiErrorMessage([]byte(`{"error":{"code":"0x80060888","message":"Resource not found"}}`)))
	assert.Equal(t, "Resource not found",
		apiErrorMessage([]byte(`{"error":{"message":"Resource not found"}}`)))
	assert.Equal(t, "plain text failure",
		apiErrorMessage([]byte("  plain text failure\n")))

	long := strings.Repeat("x", 600)
	assert.Len(t, apiErrorMessage([]byte(long)), 512)
}

func TestEncodeQuery(t *testing.T) {
	q := url.Values{"$filter": {"name eq 'a b'"}}
	encoded := encodeQuery(q)
	assert.Equal(t, "%24filter=name%20eq%20%27a%20b%27", encoded)
	assert.NotContains(t, encoded, "+")
}

func TestRetryPolicyDelay(t *testing.T) {
	p := &RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Multiplier:   2,
	}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(6), "delay is capped")

	jittered := &RetryPolicy{
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        400 * time.Millisecond,
		Multiplier:      2,
		RandomizeFactor: 0.5,
	}
	for i := 0; i < 50; i++ {
		d := jittered.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
