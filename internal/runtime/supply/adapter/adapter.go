package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

const (
	defaultTimeoutMS = 800
	defaultLimit     = 20
	defaultRoutePath = "direct"
	defaultCurrency  = "USD"
)

// ConnectorMode is the fetch capability decided once at construction.
type ConnectorMode string

const (
	ConnectorModeOffers       ConnectorMode = "offers"
	ConnectorModeLinksCatalog ConnectorMode = "links_catalog"
	ConnectorModeNone         ConnectorMode = "none"
)

// Config configures a network-specialized source adapter.
type Config struct {
	SourceID               string
	Network                string
	AdapterContractVersion string
	DefaultTimeoutMS       int64
	DefaultLimit           int
	Now                    func() time.Time
}

// Base implements contracts.Adapter on top of a network connector.
type Base struct {
	cfg       Config
	connector contracts.Connector
	mode      ConnectorMode
	offers    contracts.OffersFetcher
	links     contracts.LinksCatalogFetcher

	mu      sync.Mutex
	started bool
}

// New constructs a source adapter. A nil connector, or one implementing
// neither fetch interface, yields an adapter whose Dispatch is an explicit
// empty result.
func New(cfg Config, connector contracts.Connector) (*Base, error) {
	cfg.SourceID = strings.TrimSpace(cfg.SourceID)
	if cfg.SourceID == "" {
		return nil, fmt.Errorf("source_id is required")
	}
	cfg.Network = strings.TrimSpace(cfg.Network)
	if cfg.Network == "" {
		return nil, fmt.Errorf("network is required for source %s", cfg.SourceID)
	}
	if cfg.AdapterContractVersion == "" {
		cfg.AdapterContractVersion = contracts.DefaultAdapterContractVersion
	}
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = defaultTimeoutMS
	}
	if cfg.DefaultLimit < 1 {
		cfg.DefaultLimit = defaultLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Base{cfg: cfg, connector: connector, mode: ConnectorModeNone}
	if connector != nil {
		if f, ok := connector.(contracts.OffersFetcher); ok {
			a.mode = ConnectorModeOffers
			a.offers = f
		} else if f, ok := connector.(contracts.LinksCatalogFetcher); ok {
			a.mode = ConnectorModeLinksCatalog
			a.links = f
		}
	}
	return a, nil
}

func (a *Base) SourceID() string {
	return a.cfg.SourceID
}

func (a *Base) Network() string {
	return a.cfg.Network
}

// Mode returns the connector capability resolved at construction.
func (a *Base) Mode() ConnectorMode {
	return a.mode
}

// Started reports the adapter's own runtime flag.
func (a *Base) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// RequestAdapt builds the canonical SourceRequest for one dispatch step.
func (a *Base) RequestAdapt(in contracts.OrchestrationInput, actx contracts.AdaptContext) (contracts.SourceRequest, error) {
	if strings.TrimSpace(in.RequestKey) == "" || strings.TrimSpace(in.AttemptKey) == "" {
		return contracts.SourceRequest{}, fmt.Errorf("request_key and attempt_key are required")
	}

	route := contracts.RouteContext{
		RoutePath:            strings.TrimSpace(in.RouteContext.RoutePath),
		RouteHop:             in.RouteContext.RouteHop,
		RoutingPolicyVersion: strings.TrimSpace(in.RouteContext.RoutingPolicyVersion),
		StrategyType:         in.RouteContext.StrategyType,
		DispatchMode:         in.RouteContext.DispatchMode,
	}
	if route.RoutePath == "" {
		route.RoutePath = defaultRoutePath
	}
	if route.RouteHop < 1 {
		route.RouteHop = 1
	}
	if route.DispatchMode == "" {
		route.DispatchMode = contracts.DispatchSequential
	}

	contractVersion := a.cfg.AdapterContractVersion
	if actx.Entry != nil && actx.Entry.AdapterContractVersion != "" {
		contractVersion = actx.Entry.AdapterContractVersion
	}
	sentAt := actx.Now
	if sentAt.IsZero() {
		sentAt = a.cfg.Now()
	}

	return contracts.SourceRequest{
		SourceID:        a.cfg.SourceID,
		SourceRequestID: a.sourceRequestID(in, route),
		OpportunityKey:  in.OpportunityKey,
		TraceKey:        in.TraceKey,
		RequestKey:      in.RequestKey,
		AttemptKey:      in.AttemptKey,
		Context:         contracts.ResolveRequestContext(in),
		PolicySnapshot: contracts.PolicySnapshot{
			PolicyVersion:        in.PolicyDecision.PolicyVersion,
			ConstraintSetVersion: in.Constraints.ConstraintSetVersion,
		},
		PolicyDecision:         in.PolicyDecision,
		PolicyConstraints:      contracts.ProjectPolicyConstraints(in.Constraints),
		RouteContext:           route,
		TimeoutBudgetMS:        a.TimeoutBudgetMS(actx),
		SentAt:                 sentAt.UTC(),
		AdapterContractVersion: contractVersion,
	}, nil
}

// TimeoutBudgetMS never exceeds the caller's remaining budget or the
// configured ceiling, whichever is smaller.
func (a *Base) TimeoutBudgetMS(actx contracts.AdaptContext) int64 {
	remaining := int64(math.MaxInt64)
	switch {
	case actx.RemainingRouteBudgetMS != nil:
		remaining = *actx.RemainingRouteBudgetMS
	case actx.RouteBudgetMS != nil:
		remaining = *actx.RouteBudgetMS
	}
	ceiling := a.cfg.DefaultTimeoutMS
	if actx.Entry != nil && actx.Entry.TimeoutPolicyMS > 0 {
		ceiling = actx.Entry.TimeoutPolicyMS
	}
	budget := min(remaining, ceiling)
	if budget < 0 {
		return 0
	}
	return budget
}

func (a *Base) sourceRequestID(in contracts.OrchestrationInput, route contracts.RouteContext) string {
	seed := strings.Join([]string{
		a.cfg.SourceID,
		in.OpportunityKey,
		in.RequestKey,
		in.AttemptKey,
		route.RoutePath,
		strconv.Itoa(route.RouteHop),
	}, "|")
	sum := sha256.Sum256([]byte(seed))
	return a.cfg.Network + "_" + hex.EncodeToString(sum[:])[:24]
}

// Dispatch calls whichever fetch capability the connector declared.
func (a *Base) Dispatch(ctx context.Context, req contracts.SourceRequest, opts contracts.DispatchOptions) (contracts.DispatchResult, error) {
	params := contracts.FetchParams{Search: strings.TrimSpace(opts.Search), Limit: opts.Limit}
	if params.Limit < 1 {
		params.Limit = a.cfg.DefaultLimit
	}
	result := contracts.DispatchResult{SourceID: a.cfg.SourceID, SourceRequestID: req.SourceRequestID}

	var (
		fetched contracts.FetchResult
		err     error
	)
	switch a.mode {
	case ConnectorModeOffers:
		fetched, err = a.offers.FetchOffers(ctx, params)
	case ConnectorModeLinksCatalog:
		fetched, err = a.links.FetchLinksCatalog(ctx, params)
	default:
		result.Offers = []contracts.RawOffer{}
		result.Debug = map[string]any{"mode": a.cfg.Network + "_no_dispatch"}
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.Offers = fetched.Offers
	if result.Offers == nil {
		result.Offers = []contracts.RawOffer{}
	}
	result.Debug = fetched.Debug
	return result, nil
}

// CandidateNormalize maps heterogeneous offer payloads to candidates.
func (a *Base) CandidateNormalize(result contracts.DispatchResult) []contracts.Candidate {
	out := make([]contracts.Candidate, 0, len(result.Offers))
	for i, offer := range result.Offers {
		if offer == nil {
			continue
		}
		candidateID := pickString(offer, "candidate_id", "candidateId", "offer_id", "offerId", "link_id", "linkId", "id")
		if candidateID == "" {
			candidateID = fmt.Sprintf("%s_candidate_%d", a.cfg.SourceID, i+1)
		}
		currency := strings.ToUpper(pickString(offer, "currency", "currency_code", "currencyCode"))
		if currency == "" {
			currency = defaultCurrency
		}
		out = append(out, contracts.Candidate{
			SourceID:    a.cfg.SourceID,
			CandidateID: candidateID,
			Title:       pickString(offer, "title", "name", "offer_name", "offerName", "headline"),
			ClickURL:    pickString(offer, "click_url", "clickUrl", "tracking_url", "trackingUrl", "url", "link"),
			Payout:      pickNumber(offer, "payout", "commission", "payout_amount", "payoutAmount", "bid"),
			Currency:    currency,
			Raw:         map[string]any(offer),
		})
	}
	return out
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ErrorNormalize classifies dispatch failures.
func (a *Base) ErrorNormalize(err error) contracts.NormalizedError {
	if err == nil {
		return contracts.NormalizedError{}
	}
	status := 0
	var sourceErr *contracts.SourceError
	var coder httpStatusCoder
	switch {
	case errors.As(err, &sourceErr):
		status = sourceErr.StatusCode
	case errors.As(err, &coder):
		status = coder.HTTPStatusCode()
	}
	aborted := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)

	out := contracts.NormalizedError{
		ErrorCode:  string(contracts.ReasonSourceRequestFailed),
		Retryable:  status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 || aborted,
		Message:    err.Error(),
		StatusCode: status,
	}
	if status > 0 {
		out.ErrorCode = "HTTP_" + strconv.Itoa(status)
	}
	return out
}

// SourceTrace returns the audit projection of a request.
func (a *Base) SourceTrace(req contracts.SourceRequest) contracts.SourceTrace {
	return contracts.SourceTrace{
		Network:         a.cfg.Network,
		SourceID:        a.cfg.SourceID,
		SourceRequestID: req.SourceRequestID,
		TraceKey:        req.TraceKey,
		RoutePath:       req.RouteContext.RoutePath,
		RouteHop:        req.RouteContext.RouteHop,
		DispatchMode:    req.RouteContext.DispatchMode,
		TimeoutBudgetMS: req.TimeoutBudgetMS,
		ConnectorMode:   string(a.mode),
	}
}

// HealthCheck delegates to the connector when it exposes a probe.
func (a *Base) HealthCheck(ctx context.Context) (contracts.HealthStatus, error) {
	if checker, ok := a.connector.(contracts.HealthChecker); ok {
		return checker.HealthCheck(ctx)
	}
	return contracts.HealthStatus{
		OK:        true,
		CheckedAt: a.cfg.Now().UTC(),
		Detail:    map[string]any{"mode": a.cfg.Network + "_static_health"},
	}, nil
}

// Start delegates to the connector lifecycle and marks the adapter started.
func (a *Base) Start(ctx context.Context) (contracts.HealthStatus, error) {
	if lc, ok := a.connector.(contracts.LifecycleConnector); ok {
		if err := lc.Start(ctx); err != nil {
			return contracts.HealthStatus{}, fmt.Errorf("start connector %s: %w", a.cfg.SourceID, err)
		}
	}
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return contracts.HealthStatus{OK: true, CheckedAt: a.cfg.Now().UTC(), Detail: map[string]any{"started": true}}, nil
}

// Stop delegates to the connector lifecycle and clears the started flag.
func (a *Base) Stop(ctx context.Context) (contracts.HealthStatus, error) {
	if lc, ok := a.connector.(contracts.LifecycleConnector); ok {
		if err := lc.Stop(ctx); err != nil {
			return contracts.HealthStatus{}, fmt.Errorf("stop connector %s: %w", a.cfg.SourceID, err)
		}
	}
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return contracts.HealthStatus{OK: true, CheckedAt: a.cfg.Now().UTC(), Detail: map[string]any{"started": false}}, nil
}

func pickString(offer contracts.RawOffer, keys ...string) string {
	for _, key := range keys {
		raw, ok := offer[key]
		if !ok || raw == nil {
			continue
		}
		var v string
		switch typed := raw.(type) {
		case string:
			v = typed
		case json.Number:
			v = typed.String()
		case float64:
			v = strconv.FormatFloat(typed, 'f', -1, 64)
		case int:
			v = strconv.Itoa(typed)
		case int64:
			v = strconv.FormatInt(typed, 10)
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func pickNumber(offer contracts.RawOffer, keys ...string) float64 {
	for _, key := range keys {
		raw, ok := offer[key]
		if !ok || raw == nil {
			continue
		}
		var (
			v     float64
			valid = true
		)
		switch typed := raw.(type) {
		case float64:
			v = typed
		case float32:
			v = float64(typed)
		case int:
			v = float64(typed)
		case int64:
			v = float64(typed)
		case json.Number:
			parsed, err := typed.Float64()
			v, valid = parsed, err == nil
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
			v, valid = parsed, err == nil
		default:
			valid = false
		}
		if valid && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}
