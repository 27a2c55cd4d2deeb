package dataverse

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/pool"
)

// Query describes one paged record extraction.
type Query struct {
	// EntitySetName is the queryable resource, for example "accounts".
	EntitySetName string
	// Fields becomes $select. Empty means all columns.
	Fields []string
	// FilterKey and Cutoff form an inclusive lower-bound filter:
	// $filter=<key> ge <cutoff>. Both empty for full-table pulls.
	FilterKey string
	Cutoff    string
	// OrderBy sorts ascending so records arrive in bookmark order and
	// mid-stream checkpoints cannot skip rows. Empty means service
	// order.
	OrderBy string
}

// Page is one decoded result page. Records are pooled maps; the
// consumer must release each with pool.PutMap once done.
type Page struct {
	Records []map[string]interface{}
	Number  int
}

// Pager iterates the result pages of a query lazily. Each Next call
// performs exactly one fetch; no request is issued for pages nobody
// asks for. After the final page Next returns (nil, nil). A fetch error
// is terminal: the same error is returned on every later call.
type Pager struct {
	client  *Client
	query   Query
	prefer  string
	nextURL string
	started bool
	done    bool
	err     error
	number  int
}

// Query starts a paged extraction. The page size preference is fixed
// here, once, from the client's negotiated size.
func (c *Client) Query(q Query) *Pager {
	return &Pager{
		client: c,
		query:  q,
		prefer: fmt.Sprintf("odata.maxpagesize=%d", c.pageSize),
	}
}

// Next fetches the next page. Cancellation is honored between fetches:
// a page already being served completes, the following call observes
// ctx and stops.
func (p *Pager) Next(ctx context.Context) (*Page, error) {
	if p.done {
		return nil, p.err
	}
	if err := ctx.Err(); err != nil {
		p.fail(errors.Wrap(err, errors.ErrorTypeConnection, "query cancelled"))
		return nil, p.err
	}

	headers := map[string]string{"Prefer": p.prefer}

	var (
		body []byte
		err  error
	)
	if !p.started {
		p.started = true
		body, err = p.client.http.Get(ctx, p.query.EntitySetName, p.queryValues(), headers)
	} else {
		body, err = p.client.http.GetURL(ctx, p.nextURL, headers)
	}
	if err != nil {
		p.fail(err)
		return nil, p.err
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		p.fail(errors.Wrap(err, errors.ErrorTypeServer, "decoding result page"))
		return nil, p.err
	}

	records := make([]map[string]interface{}, 0, len(resp.Value))
	for _, raw := range resp.Value {
		m := pool.GetMap()
		if err := json.Decode(raw, &m); err != nil {
			pool.PutMap(m)
			for _, r := range records {
				pool.PutMap(r)
			}
			p.fail(errors.Wrap(err, errors.ErrorTypeServer, "decoding record"))
			return nil, p.err
		}
		records = append(records, m)
	}

	p.number++
	if resp.NextLink == "" {
		p.done = true
	} else {
		p.nextURL = resp.NextLink
	}

	return &Page{Records: records, Number: p.number}, nil
}

func (p *Pager) fail(err error) {
	p.done = true
	p.err = err
}

// queryValues renders the OData system options for the first request.
// Continuation links carry the service's own encoding of the same
// options, so these apply only once.
func (p *Pager) queryValues() url.Values {
	q := url.Values{}
	if len(p.query.Fields) > 0 {
		q.Set("$select", strings.Join(p.query.Fields, ","))
	}
	if p.query.FilterKey != "" && p.query.Cutoff != "" {
		q.Set("$filter", fmt.Sprintf("%s ge %s", p.query.FilterKey, p.query.Cutoff))
	}
	if p.query.OrderBy != "" {
		q.Set("$orderby", p.query.OrderBy+" asc")
	}
	return q
}
