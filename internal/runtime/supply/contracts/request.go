package contracts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	UnknownPlacementType = "unknown_placement_type"
	UnknownChannelType   = "unknown_channel_type"
	UnknownActorType     = "unknown_actor_type"
)

// OpportunityLite is the upstream opportunity projection.
type OpportunityLite struct {
	PlacementType string `json:"placement_type,omitempty"`
	ChannelType   string `json:"channel_type,omitempty"`
	ActorType     string `json:"actor_type,omitempty"`
}

// PlacementLite describes the ad slot being filled.
type PlacementLite struct {
	PlacementID   string `json:"placement_id,omitempty"`
	PlacementType string `json:"placement_type,omitempty"`
	Surface       string `json:"surface,omitempty"`
}

// SessionLite carries interaction-level context.
type SessionLite struct {
	ChannelType string `json:"channel_type,omitempty"`
	ActorType   string `json:"actor_type,omitempty"`
}

// PolicyDecision echoes the upstream policy verdict.
type PolicyDecision struct {
	Decision      string `json:"decision,omitempty"`
	ReasonCode    string `json:"reason_code,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// ConstraintsLite is the upstream constraints object. Both the legacy flat
// fields and the grouped fields are accepted; projection unions them.
type ConstraintsLite struct {
	ConstraintSetVersion string            `json:"constraint_set_version,omitempty"`
	Bcat                 []string          `json:"bcat,omitempty"`
	Badv                 []string          `json:"badv,omitempty"`
	NonPersonalizedOnly  bool              `json:"non_personalized_only,omitempty"`
	DisallowRenderModes  []string          `json:"disallow_render_modes,omitempty"`
	Category             CategoryRules     `json:"category_constraints,omitempty"`
	Advertiser           AdvertiserRules   `json:"advertiser_constraints,omitempty"`
	Personalization      PersonalizationRC `json:"personalization_constraints,omitempty"`
	Render               RenderRules       `json:"render_constraints,omitempty"`
	Sources              SourceConstraints `json:"source_constraints,omitempty"`
}

type CategoryRules struct {
	BlockedCategories []string `json:"blocked_categories,omitempty"`
}

type AdvertiserRules struct {
	BlockedDomains []string `json:"blocked_domains,omitempty"`
}

type PersonalizationRC struct {
	NonPersonalizedOnly bool `json:"non_personalized_only,omitempty"`
}

type RenderRules struct {
	DisallowedRenderModes []string `json:"disallowed_render_modes,omitempty"`
}

// RouteContextInput is the caller's position within the route.
type RouteContextInput struct {
	RoutePath            string       `json:"route_path,omitempty"`
	RouteHop             int          `json:"route_hop,omitempty"`
	RoutingPolicyVersion string       `json:"routing_policy_version,omitempty"`
	StrategyType         StrategyType `json:"strategy_type,omitempty"`
	DispatchMode         DispatchMode `json:"dispatch_mode,omitempty"`
}

// OrchestrationInput is everything a dispatch step knows about the opportunity.
type OrchestrationInput struct {
	OpportunityKey string            `json:"opportunity_key"`
	TraceKey       string            `json:"trace_key,omitempty"`
	RequestKey     string            `json:"request_key"`
	AttemptKey     string            `json:"attempt_key"`
	PlacementType  string            `json:"placement_type,omitempty"`
	ChannelType    string            `json:"channel_type,omitempty"`
	ActorType      string            `json:"actor_type,omitempty"`
	Opportunity    OpportunityLite   `json:"opportunity,omitempty"`
	Placement      PlacementLite     `json:"placement,omitempty"`
	Session        SessionLite       `json:"session,omitempty"`
	PolicyDecision PolicyDecision    `json:"policy_decision,omitempty"`
	Constraints    ConstraintsLite   `json:"constraints_lite,omitempty"`
	RouteContext   RouteContextInput `json:"route_context,omitempty"`
}

// AdaptContext carries budgets and registry data into RequestAdapt.
type AdaptContext struct {
	RemainingRouteBudgetMS *int64
	RouteBudgetMS          *int64
	Entry                  *AdapterEntry
	Now                    time.Time
}

// RequestContext is the resolved placement/channel/actor triple.
type RequestContext struct {
	PlacementType string `json:"placement_type"`
	ChannelType   string `json:"channel_type"`
	ActorType     string `json:"actor_type"`
}

// PolicySnapshot echoes the versions the decision was taken under.
type PolicySnapshot struct {
	PolicyVersion        string `json:"policy_version"`
	ConstraintSetVersion string `json:"constraint_set_version"`
}

// PolicyConstraints is the network-agnostic constraint projection.
type PolicyConstraints struct {
	Bcat                []string      `json:"bcat"`
	Badv                []string      `json:"badv"`
	NonPersonalizedOnly bool          `json:"non_personalized_only"`
	DisallowRenderModes []string      `json:"disallow_render_modes"`
	SourceSelectionMode SelectionMode `json:"source_selection_mode"`
	AllowedSourceIDs    []string      `json:"allowed_source_ids"`
	BlockedSourceIDs    []string      `json:"blocked_source_ids"`
}

// RouteContext is the normalized route position stamped on a request.
type RouteContext struct {
	RoutePath            string       `json:"route_path"`
	RouteHop             int          `json:"route_hop"`
	RoutingPolicyVersion string       `json:"routing_policy_version"`
	StrategyType         StrategyType `json:"strategy_type"`
	DispatchMode         DispatchMode `json:"dispatch_mode"`
}

// SourceRequest is the canonical dispatch envelope handed to a connector.
type SourceRequest struct {
	SourceID               string            `json:"source_id"`
	SourceRequestID        string            `json:"source_request_id"`
	OpportunityKey         string            `json:"opportunity_key"`
	TraceKey               string            `json:"trace_key"`
	RequestKey             string            `json:"request_key"`
	AttemptKey             string            `json:"attempt_key"`
	Context                RequestContext    `json:"context"`
	PolicySnapshot         PolicySnapshot    `json:"policy_snapshot"`
	PolicyDecision         PolicyDecision    `json:"policy_decision"`
	PolicyConstraints      PolicyConstraints `json:"policy_constraints"`
	RouteContext           RouteContext      `json:"route_context"`
	TimeoutBudgetMS        int64             `json:"timeout_budget_ms"`
	SentAt                 time.Time         `json:"sent_at"`
	AdapterContractVersion string            `json:"adapter_contract_version"`
}

// ResolveRequestContext resolves each context field from its candidate
// fields, falling back to an explicit unknown sentinel.
func ResolveRequestContext(in OrchestrationInput) RequestContext {
	return RequestContext{
		PlacementType: firstNonEmpty(UnknownPlacementType, in.PlacementType, in.Opportunity.PlacementType, in.Placement.PlacementType),
		ChannelType:   firstNonEmpty(UnknownChannelType, in.ChannelType, in.Opportunity.ChannelType, in.Session.ChannelType),
		ActorType:     firstNonEmpty(UnknownActorType, in.ActorType, in.Opportunity.ActorType, in.Session.ActorType),
	}
}

// ProjectPolicyConstraints maps upstream constraints into PolicyConstraints.
func ProjectPolicyConstraints(c ConstraintsLite) PolicyConstraints {
	mode := c.Sources.SourceSelectionMode
	if mode == "" {
		mode = SelectionAllExceptBlocked
	}
	return PolicyConstraints{
		Bcat:                SortedUnion(c.Bcat, c.Category.BlockedCategories),
		Badv:                SortedUnion(c.Badv, c.Advertiser.BlockedDomains),
		NonPersonalizedOnly: c.NonPersonalizedOnly || c.Personalization.NonPersonalizedOnly,
		DisallowRenderModes: SortedUnion(c.DisallowRenderModes, c.Render.DisallowedRenderModes),
		SourceSelectionMode: mode,
		AllowedSourceIDs:    SortedUnion(c.Sources.AllowedSourceIDs),
		BlockedSourceIDs:    SortedUnion(c.Sources.BlockedSourceIDs),
	}
}

// SortedUnion returns the trimmed, de-duplicated, sorted union of lists.
// The result is never nil so projections serialize as empty arrays.
func SortedUnion(lists ...[]string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, list := range lists {
		for _, raw := range list {
			v := strings.TrimSpace(raw)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(fallback string, candidates ...string) string {
	for _, c := range candidates {
		if v := strings.TrimSpace(c); v != "" {
			return v
		}
	}
	return fallback
}

// Candidate is a normalized offer returned by a source.
type Candidate struct {
	SourceID    string         `json:"source_id"`
	CandidateID string         `json:"candidate_id"`
	Title       string         `json:"title"`
	ClickURL    string         `json:"click_url"`
	Payout      float64        `json:"payout"`
	Currency    string         `json:"currency"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// NormalizedError is the adapter-normalized transport failure.
type NormalizedError struct {
	ErrorCode  string `json:"error_code"`
	Retryable  bool   `json:"retryable"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// SourceError is returned by connectors for non-success source responses.
type SourceError struct {
	SourceID   string
	StatusCode int
	Message    string
	Cause      error
}

func (e *SourceError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s: status %d: %s", e.SourceID, e.StatusCode, msg)
	}
	return fmt.Sprintf("source %s: %s", e.SourceID, msg)
}

func (e *SourceError) Unwrap() error {
	return e.Cause
}

// ErrPolicyBlocked marks a source refusal that must stop the whole route.
var ErrPolicyBlocked = errors.New("source refused opportunity on policy grounds")

// SourceTrace is the audit projection of one dispatched request.
type SourceTrace struct {
	Network         string       `json:"network"`
	SourceID        string       `json:"source_id"`
	SourceRequestID string       `json:"source_request_id"`
	TraceKey        string       `json:"trace_key"`
	RoutePath       string       `json:"route_path"`
	RouteHop        int          `json:"route_hop"`
	DispatchMode    DispatchMode `json:"dispatch_mode"`
	TimeoutBudgetMS int64        `json:"timeout_budget_ms"`
	ConnectorMode   string       `json:"connector_mode"`
}
