package s3links

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/tiger/ad-supply-router/connectors/catalog/links"
	"github.com/tiger/ad-supply-router/connectors/common/httpconnector"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

const (
	defaultRegion    = "us-east-1"
	maxCatalogBytes  = 8 << 20
	catalogModeDebug = "s3_links_catalog"
)

type objectClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config locates a links catalog published as a JSON object in S3.
type Config struct {
	SourceID string
	Bucket   string
	Key      string
	Region   string
	// Endpoint overrides the S3 endpoint for MinIO or LocalStack.
	Endpoint string
}

// Connector implements contracts.LinksCatalogFetcher over one S3 object.
type Connector struct {
	mu     sync.Mutex
	client objectClient
	cfg    Config
}

// New returns a connector that loads AWS config lazily on first fetch.
func New(cfg Config) (*Connector, error) {
	return NewWithClient(cfg, nil)
}

// NewWithClient returns a connector bound to client.
func NewWithClient(cfg Config, client objectClient) (*Connector, error) {
	cfg.SourceID = strings.TrimSpace(cfg.SourceID)
	if cfg.SourceID == "" {
		return nil, fmt.Errorf("source_id is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" || strings.TrimSpace(cfg.Key) == "" {
		return nil, fmt.Errorf("bucket and key are required for source %s", cfg.SourceID)
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = defaultRegion
	}
	return &Connector{client: client, cfg: cfg}, nil
}

func (c *Connector) ConnectorID() string {
	return c.cfg.SourceID
}

// FetchLinksCatalog downloads the catalog, filters by search and applies the limit.
func (c *Connector) FetchLinksCatalog(ctx context.Context, params contracts.FetchParams) (contracts.FetchResult, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.SourceID, Message: "resolve s3 client", Cause: err}
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.cfg.Key),
	})
	if err != nil {
		return contracts.FetchResult{}, c.normalizeError(err)
	}
	if out == nil || out.Body == nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.SourceID, StatusCode: http.StatusBadGateway, Message: "empty catalog object"}
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(out.Body, maxCatalogBytes))
	if err != nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.SourceID, Message: "read catalog object", Cause: err}
	}
	items, err := httpconnector.DecodeItems(body, []string{"links", "items"})
	if err != nil {
		return contracts.FetchResult{}, &contracts.SourceError{SourceID: c.cfg.SourceID, StatusCode: http.StatusBadGateway, Message: "decode catalog object", Cause: err}
	}
	items = filterSearch(links.WithURL(items), params.Search)
	if params.Limit > 0 && len(items) > params.Limit {
		items = items[:params.Limit]
	}
	return contracts.FetchResult{
		Offers: items,
		Debug: map[string]any{
			"mode":   catalogModeDebug,
			"bucket": c.cfg.Bucket,
			"key":    c.cfg.Key,
		},
	}, nil
}

func filterSearch(items []contracts.RawOffer, search string) []contracts.RawOffer {
	needle := strings.ToLower(strings.TrimSpace(search))
	if needle == "" {
		return items
	}
	out := make([]contracts.RawOffer, 0, len(items))
	for _, item := range items {
		for _, key := range []string{"title", "name", "keywords"} {
			if v, ok := item[key].(string); ok && strings.Contains(strings.ToLower(v), needle) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

func (c *Connector) normalizeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &contracts.SourceError{SourceID: c.cfg.SourceID, Cause: err}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			status = http.StatusNotFound
		case "AccessDenied", "Forbidden":
			status = http.StatusForbidden
		case "SlowDown", "ServiceUnavailable":
			status = http.StatusServiceUnavailable
		}
		return &contracts.SourceError{SourceID: c.cfg.SourceID, StatusCode: status, Message: apiErr.ErrorCode(), Cause: err}
	}
	return &contracts.SourceError{SourceID: c.cfg.SourceID, Cause: err}
}

func (c *Connector) resolveClient(ctx context.Context) (objectClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := c.cfg.Endpoint
	c.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return c.client, nil
}
