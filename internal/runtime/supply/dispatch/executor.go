package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tiger/ad-supply-router/internal/observability/audit"
	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	telemetrycontext "github.com/tiger/ad-supply-router/internal/observability/telemetry/context"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/registry"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/transition"
)

// Routes is the registry surface the executor needs.
type Routes interface {
	AdaptRequest(sourceID string, in contracts.OrchestrationInput, actx contracts.AdaptContext) (registry.AdaptResult, error)
	Adapter(sourceID string) (contracts.Adapter, bool)
}

// Config controls route budgets and request stamping.
type Config struct {
	// DefaultRouteBudgetMS applies when the plan has no strategy timeout; 0 is unbounded.
	DefaultRouteBudgetMS int64
	RuleVersion          string
	RoutingPolicyVersion string
	DispatchLimit        int
}

// Options wires optional collaborators.
type Options struct {
	Config   Config
	Recorder audit.Recorder
	Emitter  telemetry.Emitter
	Now      func() time.Time
}

// Executor runs a RoutePlan against registered adapters.
type Executor struct {
	routes   Routes
	resolver transition.Resolver
	recorder audit.Recorder
	emitter  telemetry.Emitter
	now      func() time.Time
	cfg      Config
}

// Input is one plan execution request.
type Input struct {
	// RoutePlanID is generated when empty.
	RoutePlanID     string
	Plan            contracts.RoutePlan
	PlanFingerprint string
	Orchestration   contracts.OrchestrationInput
	Search          string
}

// StepOutcome records one dispatched source.
type StepOutcome struct {
	StepIndex       int                        `json:"step_index"`
	SourceID        string                     `json:"source_id"`
	RouteTier       contracts.RouteTier        `json:"route_tier"`
	DispatchMode    contracts.DispatchMode     `json:"dispatch_mode"`
	Outcome         contracts.DispatchOutcome  `json:"outcome"`
	Retryable       bool                       `json:"retryable"`
	ReasonCode      contracts.ReasonCode       `json:"reason_code,omitempty"`
	Error           *contracts.NormalizedError `json:"error,omitempty"`
	Candidates      []contracts.Candidate      `json:"candidates"`
	SourceRequestID string                     `json:"source_request_id,omitempty"`
	Trace           *contracts.SourceTrace     `json:"source_trace,omitempty"`
	LatencyMS       int64                      `json:"latency_ms"`
}

// Result is the outcome of a whole route.
type Result struct {
	RoutePlanID    string                  `json:"route_plan_id"`
	FinalAction    transition.Action       `json:"final_action"`
	ReasonCode     contracts.ReasonCode    `json:"reason_code"`
	ServedSourceID string                  `json:"served_source_id,omitempty"`
	Candidates     []contracts.Candidate   `json:"candidates"`
	Steps          []StepOutcome           `json:"steps"`
	ShortCircuit   transition.ShortCircuit `json:"short_circuit"`
}

// New returns an executor bound to routes.
func New(routes Routes, opts Options) (*Executor, error) {
	if routes == nil {
		return nil, fmt.Errorf("dispatch executor requires a route registry")
	}
	if opts.Emitter == nil {
		opts.Emitter = telemetry.DefaultEmitter()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.DefaultRouteBudgetMS < 0 {
		return nil, fmt.Errorf("default_route_budget_ms must be >=0")
	}
	return &Executor{
		routes:   routes,
		resolver: transition.NewResolver(opts.Config.RuleVersion),
		recorder: opts.Recorder,
		emitter:  opts.Emitter,
		now:      opts.Now,
		cfg:      opts.Config,
	}, nil
}

// unit is a single sequential step or a contiguous parallel batch.
type unit struct {
	tier  contracts.RouteTier
	steps []int
}

func buildUnits(steps []contracts.RouteStep) []unit {
	units := make([]unit, 0, len(steps))
	for i, step := range steps {
		if step.DispatchMode == contracts.DispatchParallelBatch && len(units) > 0 {
			last := &units[len(units)-1]
			prev := steps[last.steps[len(last.steps)-1]]
			if prev.DispatchMode == contracts.DispatchParallelBatch && prev.RouteTier == step.RouteTier {
				last.steps = append(last.steps, i)
				continue
			}
		}
		units = append(units, unit{tier: step.RouteTier, steps: []int{i}})
	}
	return units
}

// Execute runs the plan tier by tier until the transition resolver reports a
// final action. Only context cancellation is returned as an error once the
// plan is accepted; every business outcome is in the Result.
func (e *Executor) Execute(ctx context.Context, in Input) (Result, error) {
	if err := in.Plan.Validate(); err != nil {
		return Result{}, fmt.Errorf("execute route plan: %w", err)
	}
	routePlanID := strings.TrimSpace(in.RoutePlanID)
	if routePlanID == "" {
		routePlanID = uuid.NewString()
	}

	result := Result{
		RoutePlanID: routePlanID,
		Candidates:  []contracts.Candidate{},
		Steps:       make([]StepOutcome, 0, len(in.Plan.RouteSteps)),
	}

	budgetMS := in.Plan.ExecutionStrategyLite.StrategyTimeoutMS
	if budgetMS <= 0 {
		budgetMS = e.cfg.DefaultRouteBudgetMS
	}
	started := e.now()
	remaining := func() int64 {
		if budgetMS <= 0 {
			return 0
		}
		return max(budgetMS-e.now().Sub(started).Milliseconds(), 0)
	}

	if in.Plan.RoutePlanStatus == contracts.PlanTerminated || len(in.Plan.RouteSteps) == 0 {
		decision := transition.Decision{RouteAction: transition.ActionExhausted, ShortCircuitReasonCode: contracts.ReasonShortCircuitExhausted}
		result.FinalAction = decision.RouteAction
		result.ReasonCode = contracts.ReasonRouteNoAvailableSource
		result.ShortCircuit = e.resolver.Project(transition.ShortCircuitParams{
			RoutePlanID:             routePlanID,
			RemainingBudgetBeforeMS: remaining(),
			RemainingBudgetAfterMS:  remaining(),
		}, decision)
		e.finish(ctx, in, &result)
		return result, nil
	}

	units := buildUnits(in.Plan.RouteSteps)
	var (
		decision transition.Decision
		params   transition.ShortCircuitParams
		ctxErr   error
	)
	for idx := 0; idx < len(units); {
		current := units[idx]
		before := remaining()
		if err := ctx.Err(); err != nil {
			ctxErr = err
			decision = transition.Decision{RouteAction: transition.ActionExhausted, ShortCircuitReasonCode: contracts.ReasonShortCircuitExhausted}
			params = transition.ShortCircuitParams{RoutePlanID: routePlanID, StepIndex: current.steps[0], RemainingBudgetBeforeMS: before, RemainingBudgetAfterMS: before}
			break
		}

		outcomes := e.runUnit(ctx, in, routePlanID, current, budgetMS, started)
		result.Steps = append(result.Steps, outcomes...)
		merged := mergeOutcomes(outcomes)
		if merged.Outcome == contracts.OutcomeServed {
			for _, o := range outcomes {
				if o.Outcome != contracts.OutcomeServed {
					continue
				}
				if result.ServedSourceID == "" {
					result.ServedSourceID = o.SourceID
				}
				result.Candidates = append(result.Candidates, o.Candidates...)
			}
		}

		state := transition.State{
			Outcome:                merged.Outcome,
			Retryable:              merged.Retryable,
			CurrentTier:            current.tier,
			RemainingInCurrentTier: countTier(units[idx+1:], current.tier),
			HasSecondaryPool:       countTier(units[idx+1:], contracts.TierSecondary) > 0,
			HasFallbackPool:        countTier(units[idx+1:], contracts.TierFallback) > 0,
			FallbackPolicy:         in.Plan.ExecutionStrategyLite.FallbackPolicy,
			BudgetExhausted:        budgetMS > 0 && e.now().Sub(started).Milliseconds() >= budgetMS,
		}
		if merged.Outcome == contracts.OutcomePolicyBlock {
			state.TriggerReasonCode = contracts.ReasonRoutePolicyBlock
		}
		decision = e.resolver.Resolve(state)
		params = transition.ShortCircuitParams{
			RoutePlanID:             routePlanID,
			StepIndex:               current.steps[0],
			State:                   state,
			RemainingBudgetBeforeMS: before,
			RemainingBudgetAfterMS:  remaining(),
		}

		if decision.RouteAction.IsFinal() {
			break
		}
		next := idx + 1
		if decision.RouteAction == transition.ActionSwitchTier {
			next = indexOfTier(units, idx+1, decision.NextTier)
		}
		if next < 0 || next >= len(units) {
			decision = transition.Decision{RouteAction: transition.ActionExhausted, ShortCircuitReasonCode: contracts.ReasonShortCircuitExhausted}
			break
		}
		idx = next
	}

	result.FinalAction = decision.RouteAction
	result.ReasonCode = decision.ShortCircuitReasonCode
	result.ShortCircuit = e.resolver.Project(params, decision)
	e.finish(ctx, in, &result)
	return result, ctxErr
}

func (e *Executor) runUnit(ctx context.Context, in Input, routePlanID string, u unit, budgetMS int64, started time.Time) []StepOutcome {
	outcomes := make([]StepOutcome, len(u.steps))
	if len(u.steps) == 1 && in.Plan.RouteSteps[u.steps[0]].DispatchMode == contracts.DispatchSequential {
		outcomes[0] = e.runStep(ctx, in, routePlanID, u.steps[0], budgetMS, started)
		return outcomes
	}

	// Steps never fail the group; each writes only its own slot.
	g, gctx := errgroup.WithContext(ctx)
	for slot, stepIndex := range u.steps {
		g.Go(func() error {
			outcomes[slot] = e.runStep(gctx, in, routePlanID, stepIndex, budgetMS, started)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Executor) runStep(ctx context.Context, in Input, routePlanID string, stepIndex int, budgetMS int64, started time.Time) StepOutcome {
	step := in.Plan.RouteSteps[stepIndex]
	out := StepOutcome{
		StepIndex:    stepIndex,
		SourceID:     step.SourceID,
		RouteTier:    step.RouteTier,
		DispatchMode: step.DispatchMode,
		Candidates:   []contracts.Candidate{},
	}

	orchestration := in.Orchestration
	orchestration.RouteContext.RouteHop = stepIndex + 1
	orchestration.RouteContext.DispatchMode = step.DispatchMode
	orchestration.RouteContext.StrategyType = in.Plan.ExecutionStrategyLite.StrategyType
	if orchestration.RouteContext.RoutingPolicyVersion == "" {
		orchestration.RouteContext.RoutingPolicyVersion = e.cfg.RoutingPolicyVersion
	}

	actx := contracts.AdaptContext{Now: e.now()}
	if budgetMS > 0 {
		routeBudget := budgetMS
		left := max(budgetMS-actx.Now.Sub(started).Milliseconds(), 0)
		actx.RouteBudgetMS = &routeBudget
		actx.RemainingRouteBudgetMS = &left
	}

	adapted, err := e.routes.AdaptRequest(step.SourceID, orchestration, actx)
	if err != nil || !adapted.OK {
		out.Outcome = contracts.OutcomeError
		out.Retryable = true
		out.ReasonCode = adapted.ReasonCode
		if err != nil {
			out.ReasonCode = contracts.ReasonSourceRequestFailed
			out.Error = &contracts.NormalizedError{ErrorCode: string(contracts.ReasonSourceRequestFailed), Retryable: true, Message: err.Error()}
		}
		e.emitStep(in, routePlanID, out, actx.Now, actx.Now)
		return out
	}
	adapter, ok := e.routes.Adapter(step.SourceID)
	if !ok {
		out.Outcome = contracts.OutcomeError
		out.Retryable = true
		out.ReasonCode = contracts.ReasonAdapterNotFound
		e.emitStep(in, routePlanID, out, actx.Now, actx.Now)
		return out
	}

	req := adapted.Request
	trace := adapter.SourceTrace(req)
	out.SourceRequestID = req.SourceRequestID
	out.Trace = &trace

	if req.TimeoutBudgetMS <= 0 {
		out.Outcome = contracts.OutcomeTimeout
		out.Retryable = true
		out.Error = &contracts.NormalizedError{ErrorCode: string(contracts.ReasonShortCircuitExhausted), Retryable: true, Message: "route budget exhausted before dispatch"}
		e.emitStep(in, routePlanID, out, actx.Now, actx.Now)
		return out
	}

	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutBudgetMS)*time.Millisecond)
	defer cancel()
	begin := e.now()
	dispatched, err := adapter.Dispatch(stepCtx, req, contracts.DispatchOptions{Search: in.Search, Limit: e.cfg.DispatchLimit})
	end := e.now()
	out.LatencyMS = max(end.Sub(begin).Milliseconds(), 0)

	switch {
	case err != nil && errors.Is(err, contracts.ErrPolicyBlocked):
		normalized := adapter.ErrorNormalize(err)
		normalized.Retryable = false
		out.Outcome = contracts.OutcomePolicyBlock
		out.Error = &normalized
	case err != nil:
		normalized := adapter.ErrorNormalize(err)
		out.Outcome = contracts.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			out.Outcome = contracts.OutcomeTimeout
			normalized.Retryable = true
		}
		out.Retryable = normalized.Retryable
		out.Error = &normalized
	default:
		out.Candidates = adapter.CandidateNormalize(dispatched)
		out.Outcome = contracts.OutcomeNoFill
		if len(out.Candidates) > 0 {
			out.Outcome = contracts.OutcomeServed
		}
	}
	e.emitStep(in, routePlanID, out, begin, end)
	return out
}

// mergeOutcomes collapses a batch: served, then policy_block, then no_fill,
// then transport failures. A failed batch is retryable if any member is.
func mergeOutcomes(outcomes []StepOutcome) StepOutcome {
	rank := func(o contracts.DispatchOutcome) int {
		switch o {
		case contracts.OutcomeServed:
			return 0
		case contracts.OutcomePolicyBlock:
			return 1
		case contracts.OutcomeNoFill:
			return 2
		case contracts.OutcomeError:
			return 3
		default:
			return 4
		}
	}
	best := outcomes[0]
	retryable := false
	for _, o := range outcomes {
		if rank(o.Outcome) < rank(best.Outcome) {
			best = o
		}
		if o.Retryable {
			retryable = true
		}
	}
	if best.Outcome == contracts.OutcomeError || best.Outcome == contracts.OutcomeTimeout {
		best.Retryable = retryable
	}
	return best
}

func countTier(units []unit, tier contracts.RouteTier) int {
	n := 0
	for _, u := range units {
		if u.tier == tier {
			n++
		}
	}
	return n
}

func indexOfTier(units []unit, from int, tier contracts.RouteTier) int {
	for i := from; i < len(units); i++ {
		if units[i].tier == tier {
			return i
		}
	}
	return -1
}

func (e *Executor) correlation(in Input, routePlanID, sourceID string, at time.Time) telemetry.Correlation {
	return telemetrycontext.Best(telemetrycontext.ResolveInput{
		OpportunityKey:       in.Orchestration.OpportunityKey,
		RequestKey:           in.Orchestration.RequestKey,
		AttemptKey:           in.Orchestration.AttemptKey,
		TraceKey:             in.Orchestration.TraceKey,
		SourceID:             sourceID,
		RoutePlanID:          routePlanID,
		EmittedBy:            "dispatch",
		RuntimeTimestampMS:   at.UnixMilli(),
		WallClockTimestampMS: at.UnixMilli(),
	})
}

func (e *Executor) emitStep(in Input, routePlanID string, out StepOutcome, begin, end time.Time) {
	attrs := map[string]string{
		"source_id":     out.SourceID,
		"route_tier":    string(out.RouteTier),
		"dispatch_mode": string(out.DispatchMode),
		"outcome":       string(out.Outcome),
		"step_index":    strconv.Itoa(out.StepIndex),
	}
	if out.ReasonCode != "" {
		attrs["reason_code"] = string(out.ReasonCode)
	}
	correlation := e.correlation(in, routePlanID, out.SourceID, begin)
	e.emitter.EmitMetric(telemetry.MetricSourceDispatchMS, float64(out.LatencyMS), "ms", attrs, correlation)
	e.emitter.EmitSpan("source_dispatch", "source_dispatch_span", begin.UnixMilli(), end.UnixMilli(), attrs, correlation)
}

func (e *Executor) finish(ctx context.Context, in Input, result *Result) {
	at := e.now()
	correlation := e.correlation(in, result.RoutePlanID, result.ServedSourceID, at)
	attrs := map[string]string{
		"final_action": string(result.FinalAction),
		"reason_code":  string(result.ReasonCode),
		"step_count":   strconv.Itoa(len(result.Steps)),
	}
	e.emitter.EmitLog("route_dispatch", "info", "route finished with "+string(result.FinalAction), attrs, correlation)

	if e.recorder == nil {
		return
	}
	record := audit.RouteRecord{
		RoutePlanID:             result.RoutePlanID,
		OpportunityKey:          in.Orchestration.OpportunityKey,
		RequestKey:              in.Orchestration.RequestKey,
		AttemptKey:              in.Orchestration.AttemptKey,
		TraceKey:                in.Orchestration.TraceKey,
		FinalAction:             string(result.FinalAction),
		ShortCircuitAction:      string(result.ShortCircuit.ShortCircuitAction),
		ShortCircuitReasonCode:  string(result.ShortCircuit.ShortCircuitReasonCode),
		RuleVersion:             result.ShortCircuit.RuleVersion,
		TriggerStepIndex:        result.ShortCircuit.TriggerStepIndex,
		RemainingBudgetBeforeMS: result.ShortCircuit.RemainingBudgetBeforeMS,
		RemainingBudgetAfterMS:  result.ShortCircuit.RemainingBudgetAfterMS,
		ServedSourceID:          result.ServedSourceID,
		StepCount:               len(result.Steps),
		PlanFingerprint:         in.PlanFingerprint,
		RecordedAt:              at.UTC(),
	}
	// The audit write outlives a cancelled route context.
	if err := e.recorder.AppendRouteRecord(context.WithoutCancel(ctx), record); err != nil {
		attrs["error"] = err.Error()
		e.emitter.EmitLog("route_audit_failed", "warn", "route audit record not written", attrs, correlation)
	}
}
