package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SourceDescriptor is the per-call routing snapshot of one supply source.
type SourceDescriptor struct {
	SourceID                string       `json:"source_id"`
	Status                  SourceStatus `json:"status,omitempty"`
	SupportedPlacementTypes []string     `json:"supported_placement_types"`
	TimeoutPolicyMS         int64        `json:"timeout_policy_ms,omitempty"`
	SourcePriorityScore     float64      `json:"source_priority_score"`
	HistoricalSuccessRate   float64      `json:"historical_success_rate"`
	P95LatencyMS            float64      `json:"p95_latency_ms"`
	CostWeight              float64      `json:"cost_weight"`
	RouteTier               RouteTier    `json:"route_tier"`
}

// SupportsPlacement reports whether placementType is declared by the descriptor.
func (d SourceDescriptor) SupportsPlacement(placementType string) bool {
	return containsString(d.SupportedPlacementTypes, placementType)
}

// ExecutionStrategy controls dispatch fan-out and tier fallback.
type ExecutionStrategy struct {
	StrategyType             StrategyType   `json:"strategy_type"`
	ParallelFanout           int            `json:"parallel_fanout"`
	StrategyTimeoutMS        int64          `json:"strategy_timeout_ms"`
	FallbackPolicy           FallbackPolicy `json:"fallback_policy"`
	ExecutionStrategyVersion string         `json:"execution_strategy_version,omitempty"`
}

// SourceConstraints carries the upstream allow/block lists.
type SourceConstraints struct {
	SourceSelectionMode SelectionMode `json:"source_selection_mode"`
	AllowedSourceIDs    []string      `json:"allowed_source_ids,omitempty"`
	BlockedSourceIDs    []string      `json:"blocked_source_ids,omitempty"`
}

// RouteStep is one dispatch slot in a plan; order is the contract.
type RouteStep struct {
	SourceID     string       `json:"source_id"`
	RouteTier    RouteTier    `json:"route_tier"`
	DispatchMode DispatchMode `json:"dispatch_mode"`
}

// RoutePlan is the ordered dispatch plan for one opportunity.
type RoutePlan struct {
	RoutePlanStatus       PlanStatus        `json:"route_plan_status"`
	RouteSteps            []RouteStep       `json:"route_steps"`
	ExecutionStrategyLite ExecutionStrategy `json:"execution_strategy_lite"`
}

// Validate enforces plan invariants.
func (p RoutePlan) Validate() error {
	switch p.RoutePlanStatus {
	case PlanPlanned:
		if len(p.RouteSteps) == 0 {
			return fmt.Errorf("planned route plan requires steps")
		}
	case PlanTerminated:
		if len(p.RouteSteps) != 0 {
			return fmt.Errorf("terminated route plan must not carry steps")
		}
	default:
		return fmt.Errorf("unsupported route_plan_status: %q", p.RoutePlanStatus)
	}
	prev := -1
	for i, step := range p.RouteSteps {
		if step.SourceID == "" {
			return fmt.Errorf("route step %d missing source_id", i)
		}
		if err := step.RouteTier.Validate(); err != nil {
			return fmt.Errorf("route step %d: %w", i, err)
		}
		if step.RouteTier.Rank() < prev {
			return fmt.Errorf("route step %d tier %q precedes earlier tier", i, step.RouteTier)
		}
		prev = step.RouteTier.Rank()
	}
	return nil
}

// Fingerprint returns a sha256 digest over the canonical JSON of the plan.
func (p RoutePlan) Fingerprint() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize route plan: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
