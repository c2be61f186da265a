package offers

import (
	"context"
	"fmt"

	"github.com/tiger/ad-supply-router/connectors/common/httpconnector"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

// Config configures an affiliate network offers API.
type Config struct {
	SourceID      string
	Endpoint      string
	APIKey        string
	JWTSecret     string
	JWTIssuer     string
	RatePerSecond float64
	Burst         int
}

// Connector implements contracts.OffersFetcher over an HTTP offers API.
type Connector struct {
	client *httpconnector.Client
}

// New returns an offers connector.
func New(cfg Config) (*Connector, error) {
	client, err := httpconnector.New(httpconnector.Config{
		ConnectorID:   cfg.SourceID,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		JWTSecret:     cfg.JWTSecret,
		JWTIssuer:     cfg.JWTIssuer,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		ItemKeys:      []string{"offers", "data", "items"},
	})
	if err != nil {
		return nil, fmt.Errorf("offers connector: %w", err)
	}
	return &Connector{client: client}, nil
}

func (c *Connector) ConnectorID() string {
	return c.client.ConnectorID()
}

// FetchOffers returns the raw offers for params.
func (c *Connector) FetchOffers(ctx context.Context, params contracts.FetchParams) (contracts.FetchResult, error) {
	result, err := c.client.Fetch(ctx, params)
	if err != nil {
		return contracts.FetchResult{}, err
	}
	if result.Debug == nil {
		result.Debug = map[string]any{}
	}
	result.Debug["mode"] = "offers"
	return result, nil
}
