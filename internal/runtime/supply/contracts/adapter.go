package contracts

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AdapterEntry is the registry record for one source adapter.
type AdapterEntry struct {
	SourceID                 string       `json:"source_id"`
	AdapterID                string       `json:"adapter_id"`
	SourceType               string       `json:"source_type"`
	Status                   SourceStatus `json:"status"`
	AdapterContractVersion   string       `json:"adapter_contract_version"`
	CapabilityProfileVersion string       `json:"capability_profile_version"`
	SupportedCapabilities    []Capability `json:"supported_capabilities"`
	SupportedPlacementTypes  []string     `json:"supported_placement_types"`
	// TimeoutPolicyMS of 0 inherits the adapter default.
	TimeoutPolicyMS int64     `json:"timeout_policy_ms"`
	Owner           string    `json:"owner"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate enforces structural entry invariants.
func (e AdapterEntry) Validate() error {
	if strings.TrimSpace(e.SourceID) == "" {
		return fmt.Errorf("source_id is required")
	}
	if strings.TrimSpace(e.AdapterID) == "" {
		return fmt.Errorf("adapter_id is required for source %s", e.SourceID)
	}
	if e.Status != "" {
		if err := e.Status.Validate(); err != nil {
			return err
		}
	}
	if e.TimeoutPolicyMS < 0 {
		return fmt.Errorf("timeout_policy_ms must be >=0 for source %s", e.SourceID)
	}
	return nil
}

// HasCapability reports whether c is declared.
func (e AdapterEntry) HasCapability(c Capability) bool {
	for _, have := range e.SupportedCapabilities {
		if have == c {
			return true
		}
	}
	return false
}

// SupportsPlacement reports whether placementType is declared.
func (e AdapterEntry) SupportsPlacement(placementType string) bool {
	return containsString(e.SupportedPlacementTypes, placementType)
}

// Clone returns a deep copy safe to hand to callers.
func (e AdapterEntry) Clone() AdapterEntry {
	out := e
	out.SupportedCapabilities = append([]Capability(nil), e.SupportedCapabilities...)
	out.SupportedPlacementTypes = append([]string(nil), e.SupportedPlacementTypes...)
	return out
}

// FetchParams is passed through to connector fetch calls.
type FetchParams struct {
	Search string
	Limit  int
}

// RawOffer is one heterogeneous offer payload as returned by a network.
type RawOffer map[string]any

// FetchResult is what a connector returns from a fetch call.
type FetchResult struct {
	Offers []RawOffer      `json:"offers"`
	Debug  map[string]any `json:"debug,omitempty"`
}

// Connector identifies an external network client.
type Connector interface {
	ConnectorID() string
}

// OffersFetcher is implemented by affiliate networks with an offers API.
type OffersFetcher interface {
	FetchOffers(ctx context.Context, params FetchParams) (FetchResult, error)
}

// LinksCatalogFetcher is implemented by direct catalogs publishing link lists.
type LinksCatalogFetcher interface {
	FetchLinksCatalog(ctx context.Context, params FetchParams) (FetchResult, error)
}

// HealthChecker is implemented by connectors with a health probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// LifecycleConnector is implemented by connectors holding resources.
type LifecycleConnector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthStatus is the result of a health probe or lifecycle call.
type HealthStatus struct {
	OK        bool           `json:"ok"`
	CheckedAt time.Time      `json:"checked_at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// DispatchOptions tunes a single dispatch call.
type DispatchOptions struct {
	Search string
	Limit  int
}

// DispatchResult is the raw outcome of a dispatch call.
type DispatchResult struct {
	SourceID        string         `json:"source_id"`
	SourceRequestID string         `json:"source_request_id"`
	Offers          []RawOffer     `json:"offers"`
	Debug           map[string]any `json:"debug,omitempty"`
}

// Adapter is the fixed capability contract every source adapter exposes.
type Adapter interface {
	SourceID() string
	Network() string
	RequestAdapt(in OrchestrationInput, actx AdaptContext) (SourceRequest, error)
	Dispatch(ctx context.Context, req SourceRequest, opts DispatchOptions) (DispatchResult, error)
	CandidateNormalize(result DispatchResult) []Candidate
	ErrorNormalize(err error) NormalizedError
	SourceTrace(req SourceRequest) SourceTrace
	HealthCheck(ctx context.Context) (HealthStatus, error)
	Start(ctx context.Context) (HealthStatus, error)
	Stop(ctx context.Context) (HealthStatus, error)
}

// StaticConnector is a small offers connector for tests and static catalogs.
type StaticConnector struct {
	ID       string
	OffersFn func(ctx context.Context, params FetchParams) (FetchResult, error)
}

func (c StaticConnector) ConnectorID() string {
	return c.ID
}

func (c StaticConnector) FetchOffers(ctx context.Context, params FetchParams) (FetchResult, error) {
	if c.OffersFn != nil {
		return c.OffersFn(ctx, params)
	}
	return FetchResult{Offers: []RawOffer{}}, nil
}

// StaticLinksConnector is the links-catalog counterpart of StaticConnector.
type StaticLinksConnector struct {
	ID      string
	LinksFn func(ctx context.Context, params FetchParams) (FetchResult, error)
}

func (c StaticLinksConnector) ConnectorID() string {
	return c.ID
}

func (c StaticLinksConnector) FetchLinksCatalog(ctx context.Context, params FetchParams) (FetchResult, error) {
	if c.LinksFn != nil {
		return c.LinksFn(ctx, params)
	}
	return FetchResult{Offers: []RawOffer{}}, nil
}
