package contracts

import "fmt"

// RouteTier is a priority band of supply sources tried in declared order.
type RouteTier string

const (
	TierPrimary   RouteTier = "primary"
	TierSecondary RouteTier = "secondary"
	TierFallback  RouteTier = "fallback"
)

// OrderedTiers lists tiers in execution order.
var OrderedTiers = []RouteTier{TierPrimary, TierSecondary, TierFallback}

// Validate enforces supported route tiers.
func (t RouteTier) Validate() error {
	switch t {
	case TierPrimary, TierSecondary, TierFallback:
		return nil
	default:
		return fmt.Errorf("unsupported route_tier: %q", t)
	}
}

// Rank returns the execution position of the tier; unknown tiers sort last.
func (t RouteTier) Rank() int {
	switch t {
	case TierPrimary:
		return 0
	case TierSecondary:
		return 1
	case TierFallback:
		return 2
	default:
		return 3
	}
}

// SourceStatus is the advisory operational status of a source.
type SourceStatus string

const (
	StatusActive   SourceStatus = "active"
	StatusPaused   SourceStatus = "paused"
	StatusDraining SourceStatus = "draining"
	StatusStopped  SourceStatus = "stopped"
)

// Validate enforces supported source statuses.
func (s SourceStatus) Validate() error {
	switch s {
	case StatusActive, StatusPaused, StatusDraining, StatusStopped:
		return nil
	default:
		return fmt.Errorf("unsupported status: %q", s)
	}
}

// LifecycleState tracks whether an adapter has been started.
type LifecycleState string

const (
	LifecycleRunning LifecycleState = "running"
	LifecycleStopped LifecycleState = "stopped"
)

// StrategyType selects how a plan fans out across sources.
type StrategyType string

const (
	StrategyWaterfall StrategyType = "waterfall"
	StrategyBidding   StrategyType = "bidding"
	StrategyHybrid    StrategyType = "hybrid"
)

// Validate enforces supported strategy types.
func (s StrategyType) Validate() error {
	switch s {
	case StrategyWaterfall, StrategyBidding, StrategyHybrid:
		return nil
	default:
		return fmt.Errorf("unsupported strategy_type: %q", s)
	}
}

// FallbackPolicy controls when a route may advance to the next tier.
type FallbackPolicy string

const (
	FallbackOnNoFillOrError FallbackPolicy = "on_no_fill_or_error"
	FallbackOnNoFillOnly    FallbackPolicy = "on_no_fill_only"
	FallbackDisabled        FallbackPolicy = "disabled"
)

// Validate enforces supported fallback policies.
func (p FallbackPolicy) Validate() error {
	switch p {
	case FallbackOnNoFillOrError, FallbackOnNoFillOnly, FallbackDisabled:
		return nil
	default:
		return fmt.Errorf("unsupported fallback_policy: %q", p)
	}
}

// SelectionMode controls how allow/block lists shape the source pool.
type SelectionMode string

const (
	SelectionAllExceptBlocked SelectionMode = "all_except_blocked"
	SelectionAllowlistOnly    SelectionMode = "allowlist_only"
)

// DispatchMode says whether a step runs alone or inside a concurrent batch.
type DispatchMode string

const (
	DispatchSequential    DispatchMode = "sequential"
	DispatchParallelBatch DispatchMode = "parallel_batch"
)

// PlanStatus is the terminal shape of a RoutePlan.
type PlanStatus string

const (
	PlanPlanned    PlanStatus = "planned"
	PlanTerminated PlanStatus = "terminated"
)

// DispatchOutcome is the per-step result fed to the transition resolver.
type DispatchOutcome string

const (
	OutcomeServed      DispatchOutcome = "served"
	OutcomeNoFill      DispatchOutcome = "no_fill"
	OutcomeTimeout     DispatchOutcome = "timeout"
	OutcomeError       DispatchOutcome = "error"
	OutcomePolicyBlock DispatchOutcome = "policy_block"
)

// Validate enforces supported dispatch outcomes.
func (o DispatchOutcome) Validate() error {
	switch o {
	case OutcomeServed, OutcomeNoFill, OutcomeTimeout, OutcomeError, OutcomePolicyBlock:
		return nil
	default:
		return fmt.Errorf("unsupported dispatch outcome: %q", o)
	}
}

// Capability is one entry of an adapter's declared capability profile.
type Capability string

const (
	CapabilityRequestAdapt       Capability = "request_adapt"
	CapabilityCandidateNormalize Capability = "candidate_normalize"
	CapabilityErrorNormalize     Capability = "error_normalize"
	CapabilitySourceTrace        Capability = "source_trace"
	CapabilityHealthCheck        Capability = "health_check"
)

// MinimumCapabilities must all be declared before an adapter is registered.
var MinimumCapabilities = []Capability{
	CapabilityRequestAdapt,
	CapabilityCandidateNormalize,
	CapabilityErrorNormalize,
	CapabilitySourceTrace,
}

// DefaultAdapterContractVersion applies when an entry does not declare one.
const DefaultAdapterContractVersion = "1.0.0"

// ReasonCode is the stable string channel for every branchable outcome.
type ReasonCode string

const (
	ReasonInvalidRouteInputState   ReasonCode = "INVALID_ROUTE_INPUT_STATE"
	ReasonRoutePolicyBlock         ReasonCode = "ROUTE_POLICY_BLOCK"
	ReasonInvalidStrategyContract  ReasonCode = "INVALID_EXECUTION_STRATEGY_CONTRACT"
	ReasonRouteNoAvailableSource   ReasonCode = "ROUTE_NO_AVAILABLE_SOURCE"
	ReasonRoutePlanReady           ReasonCode = "ROUTE_PLAN_READY"
	ReasonMinCapabilityMissing     ReasonCode = "MIN_CAPABILITY_MISSING"
	ReasonAdapterContractUnsupport ReasonCode = "ADAPTER_CONTRACT_UNSUPPORTED"
	ReasonAdapterAlreadyRegistered ReasonCode = "ADAPTER_ALREADY_REGISTERED"
	ReasonAdapterRegistered        ReasonCode = "ADAPTER_REGISTERED"
	ReasonAdapterNotFound          ReasonCode = "ADAPTER_NOT_FOUND"
	ReasonAdapterRoutable          ReasonCode = "ADAPTER_ROUTABLE"
	ReasonStatusUpdated            ReasonCode = "STATUS_UPDATED"
	ReasonLifecycleUpdated         ReasonCode = "LIFECYCLE_UPDATED"
	ReasonStatusNotActive          ReasonCode = "STATUS_NOT_ACTIVE"
	ReasonNotRunning               ReasonCode = "NOT_RUNNING"
	ReasonPlacementNotSupported    ReasonCode = "PLACEMENT_NOT_SUPPORTED"
	ReasonRequestAdaptOK           ReasonCode = "REQUEST_ADAPT_OK"
	ReasonStrategyFallback         ReasonCode = "strategy_fallback"
	ReasonShortCircuitServed       ReasonCode = "SHORT_CIRCUIT_SERVED"
	ReasonShortCircuitExhausted    ReasonCode = "SHORT_CIRCUIT_EXHAUSTED"
	ReasonShortCircuitNonRetryable ReasonCode = "SHORT_CIRCUIT_NON_RETRYABLE_ERROR"
	ReasonSourceRequestFailed      ReasonCode = "SOURCE_REQUEST_FAILED"
)

// Filtered-out reasons recorded in route audit hints.
const (
	FilterPlacementNotSupported = "placement_not_supported"
	FilterStatusNotActive       = "status_not_active"
	FilterSourceBlocked         = "source_blocked"
	FilterSourceNotAllowlisted  = "source_not_allowlisted"
	FilterRouteTierInvalid      = "route_tier_invalid"
)
