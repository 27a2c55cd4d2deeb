package dataverse

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/clients"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/logger"
)

const (
	// DefaultAPIVersion is the Web API version used when none is
	// configured.
	DefaultAPIVersion = "9.2"

	// MaxPageSize is the hard service limit for odata.maxpagesize.
	// Requests advertising more still get pages of this size, so larger
	// configured values are clamped up front to keep the negotiated size
	// honest.
	MaxPageSize = 5000

	// DefaultPageSize balances request count against response latency.
	DefaultPageSize = 5000
)

// Client issues Dataverse Web API calls over the shared HTTP layer. The
// page size is negotiated once at construction and used verbatim for
// every query the client runs.
type Client struct {
	http     *clients.HTTPClient
	logger   *zap.Logger
	pageSize int
}

// NewClient wraps the HTTP client. pageSize <= 0 selects the default;
// values above MaxPageSize are clamped with a log line so operators see
// the effective size.
func NewClient(httpClient *clients.HTTPClient, pageSize int) *Client {
	log := logger.Get().With(zap.String("component", "dataverse_client"))

	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		log.Warn("configured page size exceeds the service limit, clamping",
			zap.Int("configured", pageSize),
			zap.Int("effective", MaxPageSize))
		pageSize = MaxPageSize
	}

	return &Client{
		http:     httpClient,
		logger:   log,
		pageSize: pageSize,
	}
}

// PageSize reports the negotiated page size.
func (c *Client) PageSize() int {
	return c.pageSize
}

// WhoAmI verifies connectivity and authentication in one round trip.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	body, err := c.http.Get(ctx, "WhoAmI", nil, nil)
	if err != nil {
		return nil, err
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeServer, "decoding WhoAmI response")
	}
	return &who, nil
}
