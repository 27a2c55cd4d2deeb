package dataverse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/quasar/pkg/clients"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// fakeService stands in for a Dataverse organization: a static token
// endpoint plus whatever API handlers a test registers.
type fakeService struct {
	mux    *http.ServeMux
	server *httptest.Server
}

func newFakeService(t *testing.T) *fakeService {
	f := &fakeService{mux: http.NewServeMux()}
	f.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"Bearer","expires_in":3600}`))
	})
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeService) apiURL(resource string) string {
	return f.server.URL + "/api/data/v9.2/" + resource
}

func (f *fakeService) client(pageSize int) *Client {
	tokens := clients.NewTokenManager(clients.OAuth2Config{
		TokenURL:     f.server.URL + "/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost",
		RefreshToken: "refresh-0",
		Resource:     f.server.URL,
	})
	policy := &clients.RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
	cfg := clients.DefaultHTTPConfig()
	cfg.BaseURL = f.server.URL + "/api/data/v9.2/"
	cfg.UserAgent = "quasar-test"
	httpClient := clients.NewHTTPClient(cfg, tokens, clients.NewRateLimiter(60000, 1000), policy)
	return NewClient(httpClient, pageSize)
}

func TestPagerIteratesAllPages(t *testing.T) {
	f := newFakeService(t)

	type request struct {
		query  url.Values
		prefer string
	}
	var (
		mu       sync.Mutex
		requests []request
	)
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, request{query: r.URL.Query(), prefer: r.Header.Get("Prefer")})
		n := len(requests)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch n {
		case 1:
			fmt.Fprintf(w, `{"value":[{"name":"one"},{"name":"two"}],"@odata.nextLink":"%s?$skiptoken=2"}`, f.apiURL("accounts"))
		case 2:
			fmt.Fprintf(w, `{"value":[{"name":"three"},{"name":"four"}],"@odata.nextLink":"%s?$skiptoken=3"}`, f.apiURL("accounts"))
		default:
			_, _ = w.Write([]byte(`{"value":[{"name":"five","employees":12}]}`))
		}
	})

	c := f.client(200)
	pager := c.Query(Query{
		EntitySetName: "accounts",
		Fields:        []string{"accountid", "modifiedon", "name"},
		FilterKey:     "modifiedon",
		Cutoff:        "2021-04-01T00:00:00Z",
		OrderBy:       "modifiedon",
	})

	ctx := context.Background()
	var names []string
	var numbers []int
	for {
		page, err := pager.Next(ctx)
		require.NoError(t, err)
		if page == nil {
			break
		}
		numbers = append(numbers, page.Number)
		for _, rec := range page.Records {
			names = append(names, rec["name"].(string))
		}
	}

	assert.Equal(t, []string{"one", "two", "three", "four", "five"}, names)
	assert.Equal(t, []int{1, 2, 3}, numbers)

	require.Len(t, requests, 3)

	first := requests[0]
	assert.Equal(t, "accountid,modifiedon,name", first.query.Get("$select"))
	assert.Equal(t, "modifiedon ge 2021-04-01T00:00:00Z", first.query.Get("$filter"))
	assert.Equal(t, "modifiedon asc", first.query.Get("$orderby"))
	assert.Equal(t, "odata.maxpagesize=200", first.prefer)

	// Continuation requests carry only the server's own skip token; the
	// page size preference is repeated on every fetch.
	for _, cont := range requests[1:] {
		assert.Empty(t, cont.query.Get("$select"))
		assert.Empty(t, cont.query.Get("$filter"))
		assert.NotEmpty(t, cont.query.Get("$skiptoken"))
		assert.Equal(t, "odata.maxpagesize=200", cont.prefer)
	}

	// The pager is exhausted: further calls return nothing and issue no
	// requests.
	page, err := pager.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, page)
	mu.Lock()
	assert.Len(t, requests, 3)
	mu.Unlock()
}

func TestPagerDecodesNumbersLosslessly(t *testing.T) {
	f := newFakeService(t)
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"revenue":12345678901234567890.55,"employees":42}]}`))
	})

	pager := f.client(100).Query(Query{EntitySetName: "accounts"})
	page, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	assert.Equal(t, json.Number("12345678901234567890.55"), page.Records[0]["revenue"])
	assert.Equal(t, json.Number("42"), page.Records[0]["employees"])
}

func TestPagerErrorIsSticky(t *testing.T) {
	f := newFakeService(t)

	var hits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			fmt.Fprintf(w, `{"value":[{"name":"one"}],"@odata.nextLink":"%s?$skiptoken=2"}`, f.apiURL("accounts"))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"0x80060888","message":"Invalid skip token"}}`))
	})

	pager := f.client(100).Query(Query{EntitySetName: "accounts"})
	ctx := context.Background()

	_, err := pager.Next(ctx)
	require.NoError(t, err)

	_, err = pager.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRequest), "got %v", err)

	// The failure is terminal: the same error comes back and no further
	// request is made.
	_, again := pager.Next(ctx)
	assert.Same(t, err, again)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestPagerHonorsCancellation(t *testing.T) {
	f := newFakeService(t)

	var hits int64
	f.mux.HandleFunc("/api/data/v9.2/accounts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		fmt.Fprintf(w, `{"value":[{"name":"one"}],"@odata.nextLink":"%s?$skiptoken=2"}`, f.apiURL("accounts"))
	})

	pager := f.client(100).Query(Query{EntitySetName: "accounts"})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := pager.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = pager.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection), "got %v", err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestPagerQueryValues(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  url.Values
	}{
		{
			name:  "full table selects everything",
			query: Query{EntitySetName: "accounts"},
			want:  url.Values{},
		},
		{
			name:  "field projection",
			query: Query{EntitySetName: "accounts", Fields: []string{"accountid", "name"}},
			want:  url.Values{"$select": {"accountid,name"}},
		},
		{
			name: "incremental filter and order",
			query: Query{
				EntitySetName: "accounts",
				Fields:        []string{"accountid", "modifiedon"},
				FilterKey:     "modifiedon",
				Cutoff:        "2021-04-01T00:00:00Z",
				OrderBy:       "modifiedon",
			},
			want: url.Values{
				"$select":  {"accountid,modifiedon"},
				"$filter":  {"modifiedon ge 2021-04-01T00:00:00Z"},
				"$orderby": {"modifiedon asc"},
			},
		},
		{
			name:  "filter requires both key and cutoff",
			query: Query{EntitySetName: "accounts", FilterKey: "modifiedon"},
			want:  url.Values{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Pager{query: tt.query}
			assert.Equal(t, tt.want, p.queryValues())
		})
	}
}

func TestNewClientPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, NewClient(nil, 0).PageSize())
	assert.Equal(t, 250, NewClient(nil, 250).PageSize())
	assert.Equal(t, MaxPageSize, NewClient(nil, 90000).PageSize(), "oversized values clamp to the service limit")
}

func TestWhoAmI(t *testing.T) {
	f := newFakeService(t)
	f.mux.HandleFunc("/api/data/v9.2/WhoAmI", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"UserId":"u-1","BusinessUnitId":"b-1","OrganizationId":"o-1"}`))
	})

	who, err := f.client(100).WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u-1", who.UserID)
	assert.Equal(t, "b-1", who.BusinessUnitID)
	assert.Equal(t, "o-1", who.OrganizationID)
}
