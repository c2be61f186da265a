package bootstrap

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tiger/ad-supply-router/connectors/affiliate/offers"
	"github.com/tiger/ad-supply-router/connectors/catalog/links"
	"github.com/tiger/ad-supply-router/connectors/catalog/s3links"
	"github.com/tiger/ad-supply-router/internal/observability/audit"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/config"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/registry"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/transition"
)

const staticEngineYAML = `
routing_policy_version: routing_policy_v1
adapter_contract_constraint: "^1.0.0"
execution_strategy:
  strategy_type: waterfall
  fallback_policy: on_no_fill_or_error
sources:
  - source_id: empty_primary
    network: house
    supported_placement_types: [chat_inline]
    source_priority_score: 0.9
    route_tier: primary
    connector: {kind: static}
  - source_id: house_secondary
    network: house
    supported_placement_types: [chat_inline]
    route_tier: secondary
    connector:
      kind: static
      offers:
        - {offer_id: house-1, title: House promo, click_url: "https://house.example/1", payout: 0.4}
  - source_id: future_contract
    network: partner
    adapter_contract_version: "2.0.0"
    supported_placement_types: [chat_inline]
    route_tier: fallback
`

func mustParse(t *testing.T, raw string) config.Engine {
	t.Helper()
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse engine config: %v", err)
	}
	return cfg
}

func orchestration() contracts.OrchestrationInput {
	return contracts.OrchestrationInput{
		OpportunityKey: "opp_1",
		RequestKey:     "req_1",
		AttemptKey:     "att_1",
		TraceKey:       "trace_1",
		PlacementType:  "chat_inline",
	}
}

func TestBuildRegistersSourcesAndRoutesEndToEnd(t *testing.T) {
	t.Parallel()

	recorder := audit.NewMemoryStore()
	rt, err := Build(context.Background(), mustParse(t, staticEngineYAML), Options{Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	if rt.Rejected["future_contract"] != contracts.ReasonAdapterContractUnsupport || len(rt.Rejected) != 1 {
		t.Fatalf("unexpected rejected set: %+v", rt.Rejected)
	}
	snap, ok := rt.Registry.GetAdapterSnapshot("house_secondary")
	if !ok || snap.LifecycleState != contracts.LifecycleRunning || snap.Entry.AdapterID != "house_house_secondary" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	plan, result, err := rt.Route(context.Background(), RouteRequest{RoutePlanID: "rp_1", Orchestration: orchestration()})
	if err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	if !plan.OK || len(plan.RoutePlan.RouteSteps) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.AuditHints.SourceFilterSnapshot.FilteredOutReasons["future_contract"] != contracts.FilterStatusNotActive {
		t.Fatalf("expected rejected source to be filtered, got %+v", plan.AuditHints.SourceFilterSnapshot)
	}
	if result.FinalAction != transition.ActionServed || result.ServedSourceID != "house_secondary" {
		t.Fatalf("unexpected dispatch result: %+v", result)
	}
	if len(result.Steps) != 2 || result.Steps[0].Outcome != contracts.OutcomeNoFill {
		t.Fatalf("expected primary no_fill then secondary served, got %+v", result.Steps)
	}
	if len(result.Candidates) != 1 || result.Candidates[0].CandidateID != "house-1" {
		t.Fatalf("unexpected candidates: %+v", result.Candidates)
	}

	records := recorder.Records()
	if len(records) != 1 || records[0].RoutePlanID != "rp_1" || records[0].FinalAction != string(transition.ActionServed) {
		t.Fatalf("unexpected audit records: %+v", records)
	}
	if records[0].PlanFingerprint != plan.AuditHints.PlanFingerprint {
		t.Fatalf("audit record must carry the plan fingerprint")
	}
}

func TestRouteStopsOnPolicyBlock(t *testing.T) {
	t.Parallel()

	recorder := audit.NewMemoryStore()
	rt, err := Build(context.Background(), mustParse(t, staticEngineYAML), Options{Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	blocked := false
	plan, result, err := rt.Route(context.Background(), RouteRequest{Orchestration: orchestration(), IsRoutable: &blocked})
	if err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	if plan.OK || plan.ReasonCode != contracts.ReasonRoutePolicyBlock {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if result.FinalAction != "" || len(recorder.Records()) != 0 {
		t.Fatalf("rejected plans must not dispatch: %+v", result)
	}
}

func TestRouteUsesRequestSourceConstraints(t *testing.T) {
	t.Parallel()

	rt, err := Build(context.Background(), mustParse(t, staticEngineYAML), Options{})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	in := orchestration()
	in.Constraints.Sources = contracts.SourceConstraints{
		SourceSelectionMode: contracts.SelectionAllExceptBlocked,
		BlockedSourceIDs:    []string{"house_secondary"},
	}
	plan, result, err := rt.Route(context.Background(), RouteRequest{Orchestration: in})
	if err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	if plan.AuditHints.SourceFilterSnapshot.FilteredOutReasons["house_secondary"] != "source_blocked" {
		t.Fatalf("unexpected filter snapshot: %+v", plan.AuditHints.SourceFilterSnapshot)
	}
	if result.FinalAction != transition.ActionExhausted {
		t.Fatalf("expected exhausted route without the secondary source, got %+v", result)
	}
}

func TestBuildSkipStartLeavesAdaptersStopped(t *testing.T) {
	t.Parallel()

	recorder := audit.NewMemoryStore()
	rt, err := Build(context.Background(), mustParse(t, staticEngineYAML), Options{SkipStart: true, Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	plan, result, err := rt.Route(context.Background(), RouteRequest{RoutePlanID: "rp_idle", Orchestration: orchestration()})
	if err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	if !plan.OK || plan.ReasonCode != contracts.ReasonRouteNoAvailableSource || plan.RoutePlan.RoutePlanStatus != contracts.PlanTerminated {
		t.Fatalf("expected terminated plan for stopped adapters, got %+v", plan)
	}
	for _, id := range []string{"empty_primary", "house_secondary", "future_contract"} {
		if plan.AuditHints.SourceFilterSnapshot.FilteredOutReasons[id] != contracts.FilterStatusNotActive {
			t.Fatalf("expected %s filtered as not active, got %+v", id, plan.AuditHints.SourceFilterSnapshot)
		}
	}
	if result.FinalAction != "" || len(result.Steps) != 0 {
		t.Fatalf("terminated plan must not dispatch, got %+v", result)
	}
	if len(recorder.Records()) != 0 {
		t.Fatalf("terminated plan must not write audit rows, got %+v", recorder.Records())
	}
}

const pausedPrimaryYAML = `
routing_policy_version: routing_policy_v1
execution_strategy:
  strategy_type: waterfall
  fallback_policy: on_no_fill_only
sources:
  - source_id: paused_primary
    network: house
    supported_placement_types: [chat_inline]
    route_tier: primary
    connector:
      kind: static
      offers:
        - {offer_id: primary-1, title: Primary promo, click_url: "https://house.example/p", payout: 0.9}
  - source_id: house_secondary
    network: house
    supported_placement_types: [chat_inline]
    route_tier: secondary
    connector:
      kind: static
      offers:
        - {offer_id: house-1, title: House promo, click_url: "https://house.example/1", payout: 0.4}
`

func TestRouteSkipsSourcePausedInRegistry(t *testing.T) {
	t.Parallel()

	recorder := audit.NewMemoryStore()
	rt, err := Build(context.Background(), mustParse(t, pausedPrimaryYAML), Options{Recorder: recorder})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	res, err := rt.Registry.UpdateAdapterStatus(context.Background(), "paused_primary", contracts.StatusPaused, "ops")
	if err != nil || !res.OK {
		t.Fatalf("unexpected status update: %+v %v", res, err)
	}

	plan, result, err := rt.Route(context.Background(), RouteRequest{RoutePlanID: "rp_paused", Orchestration: orchestration()})
	if err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	if len(plan.RoutePlan.RouteSteps) != 1 || plan.RoutePlan.RouteSteps[0].SourceID != "house_secondary" {
		t.Fatalf("expected only the secondary source planned, got %+v", plan.RoutePlan.RouteSteps)
	}
	if plan.AuditHints.SourceFilterSnapshot.FilteredOutReasons["paused_primary"] != contracts.FilterStatusNotActive {
		t.Fatalf("expected paused source filtered, got %+v", plan.AuditHints.SourceFilterSnapshot)
	}
	if result.FinalAction != transition.ActionServed || result.ServedSourceID != "house_secondary" {
		t.Fatalf("expected secondary to serve, got %+v", result)
	}
	if len(recorder.Records()) != 1 {
		t.Fatalf("expected one audit record, got %+v", recorder.Records())
	}

	if _, err := rt.Registry.UpdateAdapterStatus(context.Background(), "paused_primary", contracts.StatusActive, "resume"); err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}
	_, result, err = rt.Route(context.Background(), RouteRequest{RoutePlanID: "rp_resumed", Orchestration: orchestration()})
	if err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	if result.ServedSourceID != "paused_primary" {
		t.Fatalf("expected resumed primary to serve, got %+v", result)
	}
}

func TestBuildHydratesPersistedStatus(t *testing.T) {
	t.Parallel()

	store := registry.NewMemoryStatusStore()
	if err := store.Save(context.Background(), "house_secondary", registry.StatusRecord{Status: contracts.StatusPaused, Reason: "ops"}); err != nil {
		t.Fatalf("seed status: %v", err)
	}
	rt, err := Build(context.Background(), mustParse(t, staticEngineYAML), Options{Store: store})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	summary := Summary(rt)
	for _, want := range []string{"registered=2", "active=1", "paused=1", "rejected=1", "future_contract=ADAPTER_CONTRACT_UNSUPPORTED"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary %q missing %q", summary, want)
		}
	}
}

func TestBuildConnectorKinds(t *testing.T) {
	t.Parallel()

	lookup := func(name string) (string, bool) {
		if name == "NET_KEY" {
			return "k", true
		}
		return "", false
	}
	src := func(c config.ConnectorConfig) config.SourceConfig {
		return config.SourceConfig{SourceID: "s", Network: "n", Connector: c}
	}

	if conn, err := BuildConnector(src(config.ConnectorConfig{Kind: config.ConnectorNone}), lookup); err != nil || conn != nil {
		t.Fatalf("expected nil connector for none, got %v %v", conn, err)
	}
	if conn, err := BuildConnector(src(config.ConnectorConfig{Kind: config.ConnectorStatic}), lookup); err != nil {
		t.Fatalf("unexpected static error: %v", err)
	} else if _, ok := conn.(contracts.StaticConnector); !ok {
		t.Fatalf("expected static connector, got %T", conn)
	}
	conn, err := BuildConnector(src(config.ConnectorConfig{Kind: config.ConnectorOffersHTTP, Endpoint: "https://net.example/offers", APIKeyRef: "env://NET_KEY"}), lookup)
	if _, ok := conn.(*offers.Connector); err != nil || !ok {
		t.Fatalf("expected offers connector, got %T %v", conn, err)
	}
	conn, err = BuildConnector(src(config.ConnectorConfig{Kind: config.ConnectorLinksHTTP, Endpoint: "https://net.example/links"}), lookup)
	if _, ok := conn.(*links.Connector); err != nil || !ok {
		t.Fatalf("expected links connector, got %T %v", conn, err)
	}
	conn, err = BuildConnector(src(config.ConnectorConfig{Kind: config.ConnectorS3Links, Bucket: "b", Key: "k"}), lookup)
	if _, ok := conn.(*s3links.Connector); err != nil || !ok {
		t.Fatalf("expected s3 links connector, got %T %v", conn, err)
	}
	if _, err := BuildConnector(src(config.ConnectorConfig{Kind: config.ConnectorOffersHTTP, Endpoint: "https://net.example", JWTSecretRef: "env://MISSING"}), lookup); err == nil {
		t.Fatalf("expected unresolved secret error")
	}
	if _, err := BuildConnector(src(config.ConnectorConfig{Kind: "ftp"}), lookup); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
}

func TestOpenStores(t *testing.T) {
	t.Parallel()

	stores, err := OpenStores(context.Background(), config.Runtime{})
	if err != nil {
		t.Fatalf("unexpected default stores error: %v", err)
	}
	if _, ok := stores.Status.(*registry.MemoryStatusStore); !ok {
		t.Fatalf("expected memory status store, got %T", stores.Status)
	}
	if _, ok := stores.Recorder.(*audit.MemoryStore); !ok {
		t.Fatalf("expected memory audit store, got %T", stores.Recorder)
	}

	path := filepath.Join(t.TempDir(), "audit.db")
	stores, err = OpenStores(context.Background(), config.Runtime{AuditSQLitePath: path})
	if err != nil {
		t.Fatalf("unexpected sqlite stores error: %v", err)
	}
	if _, ok := stores.Recorder.(*audit.SQLStore); !ok {
		t.Fatalf("expected sql audit store, got %T", stores.Recorder)
	}
	if err := stores.Close(); err != nil {
		t.Fatalf("close stores: %v", err)
	}
}

func TestOpenStoresJSONLAuditLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit", "routes.jsonl")
	stores, err := OpenStores(context.Background(), config.Runtime{AuditJSONLPath: logPath})
	if err != nil {
		t.Fatalf("unexpected jsonl stores error: %v", err)
	}
	defer stores.Close()
	if _, ok := stores.Recorder.(*audit.JSONLFileStore); !ok {
		t.Fatalf("expected jsonl audit store, got %T", stores.Recorder)
	}

	rt, err := Build(context.Background(), mustParse(t, staticEngineYAML), Options{Store: stores.Status, Recorder: stores.Recorder})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	if _, _, err := rt.Route(context.Background(), RouteRequest{RoutePlanID: "rp_jsonl", Orchestration: orchestration()}); err != nil {
		t.Fatalf("unexpected route error: %v", err)
	}
	records, err := stores.Reader.ListByOpportunity(context.Background(), "opp_1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 1 || records[0].RoutePlanID != "rp_jsonl" || records[0].FinalAction != string(transition.ActionServed) {
		t.Fatalf("unexpected jsonl audit records: %+v", records)
	}

	sqlite, err := OpenStores(context.Background(), config.Runtime{AuditSQLitePath: filepath.Join(dir, "audit.db"), AuditJSONLPath: logPath})
	if err != nil {
		t.Fatalf("unexpected sqlite stores error: %v", err)
	}
	defer sqlite.Close()
	if _, ok := sqlite.Recorder.(*audit.SQLStore); !ok {
		t.Fatalf("expected sqlite to win over jsonl, got %T", sqlite.Recorder)
	}
}
