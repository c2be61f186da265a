package transition

import (
	"strings"

	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

// DefaultRuleVersion stamps short-circuit records when none is configured.
const DefaultRuleVersion = "route_plan_rules_v1"

// Action is the next step after a dispatch attempt.
type Action string

const (
	ActionContinueSameTier Action = "continue_same_tier"
	ActionSwitchTier       Action = "switch_tier"
	ActionServed           Action = "served"
	ActionTerminal         Action = "terminal"
	ActionExhausted        Action = "exhausted"
)

// IsFinal reports whether the action ends route evaluation.
func (a Action) IsFinal() bool {
	switch a {
	case ActionServed, ActionTerminal, ActionExhausted:
		return true
	default:
		return false
	}
}

// State describes the route immediately after one step or batch.
type State struct {
	Outcome                contracts.DispatchOutcome `json:"outcome"`
	Retryable              bool                      `json:"retryable"`
	CurrentTier            contracts.RouteTier       `json:"current_tier"`
	RemainingInCurrentTier int                       `json:"remaining_in_current_tier"`
	HasSecondaryPool       bool                      `json:"has_secondary_pool"`
	HasFallbackPool        bool                      `json:"has_fallback_pool"`
	FallbackPolicy         contracts.FallbackPolicy  `json:"fallback_policy"`
	BudgetExhausted        bool                      `json:"budget_exhausted"`
	// TriggerReasonCode overrides the terminal reason, e.g. a source policy code.
	TriggerReasonCode contracts.ReasonCode `json:"trigger_reason_code,omitempty"`
}

// Decision is the resolved route action.
type Decision struct {
	RouteAction            Action               `json:"route_action"`
	NextTier               contracts.RouteTier  `json:"next_tier,omitempty"`
	SwitchReasonCode       contracts.ReasonCode `json:"switch_reason_code,omitempty"`
	ShortCircuitReasonCode contracts.ReasonCode `json:"short_circuit_reason_code,omitempty"`
}

// ResolveRouteTransition decides the next action. Precedence is served,
// terminal, switch_tier, continue_same_tier, exhausted; an exhausted route
// budget ends the route once served and terminal are ruled out.
func ResolveRouteTransition(state State) Decision {
	if state.Outcome.Validate() != nil {
		return Decision{RouteAction: ActionTerminal, ShortCircuitReasonCode: contracts.ReasonInvalidRouteInputState}
	}

	if state.Outcome == contracts.OutcomeServed {
		return Decision{RouteAction: ActionServed, ShortCircuitReasonCode: contracts.ReasonShortCircuitServed}
	}
	if reason, terminal := terminalReason(state); terminal {
		return Decision{RouteAction: ActionTerminal, ShortCircuitReasonCode: reason}
	}
	if state.BudgetExhausted {
		return Decision{RouteAction: ActionExhausted, ShortCircuitReasonCode: contracts.ReasonShortCircuitExhausted}
	}
	if state.RemainingInCurrentTier <= 0 && fallbackPermits(state.FallbackPolicy, state.Outcome) {
		if next := nextTier(state); next != "" {
			return Decision{RouteAction: ActionSwitchTier, NextTier: next, SwitchReasonCode: contracts.ReasonStrategyFallback}
		}
	}
	if state.RemainingInCurrentTier > 0 {
		return Decision{RouteAction: ActionContinueSameTier}
	}
	return Decision{RouteAction: ActionExhausted, ShortCircuitReasonCode: contracts.ReasonShortCircuitExhausted}
}

func terminalReason(state State) (contracts.ReasonCode, bool) {
	switch state.Outcome {
	case contracts.OutcomePolicyBlock:
		if state.TriggerReasonCode != "" {
			return state.TriggerReasonCode, true
		}
		return contracts.ReasonRoutePolicyBlock, true
	case contracts.OutcomeError, contracts.OutcomeTimeout:
		if state.Retryable {
			return "", false
		}
		if state.TriggerReasonCode != "" {
			return state.TriggerReasonCode, true
		}
		return contracts.ReasonShortCircuitNonRetryable, true
	}
	return "", false
}

// fallbackPermits: on_no_fill_only advances only on no_fill, never on
// error or timeout.
func fallbackPermits(policy contracts.FallbackPolicy, outcome contracts.DispatchOutcome) bool {
	switch policy {
	case contracts.FallbackDisabled:
		return false
	case contracts.FallbackOnNoFillOnly:
		return outcome == contracts.OutcomeNoFill
	default:
		return outcome == contracts.OutcomeNoFill || outcome == contracts.OutcomeError || outcome == contracts.OutcomeTimeout
	}
}

func nextTier(state State) contracts.RouteTier {
	switch state.CurrentTier {
	case contracts.TierPrimary:
		if state.HasSecondaryPool {
			return contracts.TierSecondary
		}
		if state.HasFallbackPool {
			return contracts.TierFallback
		}
	case contracts.TierSecondary:
		if state.HasFallbackPool {
			return contracts.TierFallback
		}
	}
	return ""
}

// ShortCircuitAction is the audit-facing projection of a final action.
type ShortCircuitAction string

const (
	ShortCircuitNone      ShortCircuitAction = "none"
	ShortCircuitServed    ShortCircuitAction = "served"
	ShortCircuitTerminal  ShortCircuitAction = "terminal"
	ShortCircuitExhausted ShortCircuitAction = "exhausted"
)

// ShortCircuitParams identifies the step that triggered a decision.
type ShortCircuitParams struct {
	RoutePlanID             string `json:"route_plan_id"`
	StepIndex               int    `json:"trigger_step_index"`
	State                   State  `json:"state"`
	RemainingBudgetBeforeMS int64  `json:"remaining_budget_before_ms"`
	RemainingBudgetAfterMS  int64  `json:"remaining_budget_after_ms"`
}

// ShortCircuit is the audit record of a route decision.
type ShortCircuit struct {
	ShortCircuitAction      ShortCircuitAction   `json:"short_circuit_action"`
	ShortCircuitReasonCode  contracts.ReasonCode `json:"short_circuit_reason_code,omitempty"`
	RuleVersion             string               `json:"route_plan_rule_version"`
	RoutePlanID             string               `json:"route_plan_id"`
	TriggerStepIndex        int                  `json:"trigger_step_index"`
	RemainingBudgetBeforeMS int64                `json:"remaining_budget_before_ms"`
	RemainingBudgetAfterMS  int64                `json:"remaining_budget_after_ms"`
}

// Resolver stamps short-circuit records with a configured rule version.
type Resolver struct {
	ruleVersion string
}

// NewResolver returns a resolver; empty ruleVersion uses DefaultRuleVersion.
func NewResolver(ruleVersion string) Resolver {
	ruleVersion = strings.TrimSpace(ruleVersion)
	if ruleVersion == "" {
		ruleVersion = DefaultRuleVersion
	}
	return Resolver{ruleVersion: ruleVersion}
}

// RuleVersion returns the stamped rule version.
func (r Resolver) RuleVersion() string {
	if r.ruleVersion == "" {
		return DefaultRuleVersion
	}
	return r.ruleVersion
}

// Resolve is ResolveRouteTransition.
func (r Resolver) Resolve(state State) Decision {
	return ResolveRouteTransition(state)
}

// ResolveShortCircuit projects the decision for params.State into an audit record.
func (r Resolver) ResolveShortCircuit(params ShortCircuitParams) ShortCircuit {
	return r.Project(params, ResolveRouteTransition(params.State))
}

// Project builds the audit record for an already resolved decision.
func (r Resolver) Project(params ShortCircuitParams, decision Decision) ShortCircuit {
	out := ShortCircuit{
		ShortCircuitAction:      ShortCircuitNone,
		RuleVersion:             r.RuleVersion(),
		RoutePlanID:             params.RoutePlanID,
		TriggerStepIndex:        params.StepIndex,
		RemainingBudgetBeforeMS: max(params.RemainingBudgetBeforeMS, 0),
		RemainingBudgetAfterMS:  max(params.RemainingBudgetAfterMS, 0),
	}
	switch decision.RouteAction {
	case ActionServed:
		out.ShortCircuitAction = ShortCircuitServed
	case ActionTerminal:
		out.ShortCircuitAction = ShortCircuitTerminal
	case ActionExhausted:
		out.ShortCircuitAction = ShortCircuitExhausted
	default:
		return out
	}
	out.ShortCircuitReasonCode = decision.ShortCircuitReasonCode
	return out
}
