package links

import (
	"context"
	"fmt"

	"github.com/tiger/ad-supply-router/connectors/common/httpconnector"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

// Config configures a direct catalog publishing a links list over HTTP.
type Config struct {
	SourceID      string
	Endpoint      string
	APIKey        string
	RatePerSecond float64
	Burst         int
}

// Connector implements contracts.LinksCatalogFetcher.
type Connector struct {
	client *httpconnector.Client
}

// New returns a links catalog connector.
func New(cfg Config) (*Connector, error) {
	client, err := httpconnector.New(httpconnector.Config{
		ConnectorID:   cfg.SourceID,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		ItemKeys:      []string{"links", "items", "data"},
	})
	if err != nil {
		return nil, fmt.Errorf("links connector: %w", err)
	}
	return &Connector{client: client}, nil
}

func (c *Connector) ConnectorID() string {
	return c.client.ConnectorID()
}

// FetchLinksCatalog returns catalog links; entries without a URL are dropped.
func (c *Connector) FetchLinksCatalog(ctx context.Context, params contracts.FetchParams) (contracts.FetchResult, error) {
	result, err := c.client.Fetch(ctx, params)
	if err != nil {
		return contracts.FetchResult{}, err
	}
	result.Offers = WithURL(result.Offers)
	if result.Debug == nil {
		result.Debug = map[string]any{}
	}
	result.Debug["mode"] = "links_catalog"
	return result, nil
}

// WithURL keeps only links carrying a url or link field.
func WithURL(items []contracts.RawOffer) []contracts.RawOffer {
	out := make([]contracts.RawOffer, 0, len(items))
	for _, item := range items {
		for _, key := range []string{"url", "link", "click_url", "clickUrl"} {
			if v, ok := item[key].(string); ok && v != "" {
				out = append(out, item)
				break
			}
		}
	}
	return out
}
