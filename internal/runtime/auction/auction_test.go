package auction

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
)

func bid(price, ecpm float64) *Bid {
	return &Bid{Price: price, Pricing: Pricing{EcpmUSD: ecpm}}
}

func priority(v float64) *float64 { return &v }

func TestEmptyInputHasNoPlacementOptions(t *testing.T) {
	t.Parallel()

	for _, options := range [][]Option{nil, {{PlacementID: "  "}}} {
		result := Run(options)
		if result.Winner != nil || result.SelectedOption != nil {
			t.Fatalf("expected no winner, got %+v", result)
		}
		if result.SelectionReason != SelectionNoPlacementOptions || result.NoBidReasonCode != NoBidPlacementUnavailable {
			t.Fatalf("unexpected empty result: %+v", result)
		}
		if result.LoserSummary.TotalOptions != 0 || len(result.LoserSummary.ReasonCount) != 0 {
			t.Fatalf("unexpected loser summary: %+v", result.LoserSummary)
		}
	}
}

func TestHighestBidPriceWinsRegardlessOfScores(t *testing.T) {
	t.Parallel()

	result := Run([]Option{
		{PlacementID: "chat_inline", GatePassed: true, Bid: bid(1.2, 9), RankScore: 0.99, AuctionScore: 0.99},
		{PlacementID: "chat_followup", GatePassed: true, Bid: bid(1.2, 8), RankScore: 0.95, AuctionScore: 0.97},
		{PlacementID: "sidebar", GatePassed: true, Bid: bid(1.4, 1), RankScore: 0.1, AuctionScore: 0.1},
	})
	if result.Winner == nil || result.WinnerPlacementID != "sidebar" {
		t.Fatalf("expected sidebar to win, got %+v", result)
	}
	if result.SelectionReason != SelectionHighestBidPrice || result.SelectedOption.PlacementID != "sidebar" {
		t.Fatalf("unexpected selection: %+v", result)
	}
	if result.LoserSummary.TotalOptions != 3 || result.LoserSummary.ReasonCount[string(NoBidInventoryNoMatch)] != 2 {
		t.Fatalf("unexpected loser summary: %+v", result.LoserSummary)
	}
}

func TestBidOptionsBeatNoBidOptions(t *testing.T) {
	t.Parallel()

	result := Run([]Option{
		{PlacementID: "a", GatePassed: true, ReasonCode: NoBidBudgetUnconfigured, Priority: priority(0)},
		{PlacementID: "z", GatePassed: false, Bid: bid(0.01, 0)},
	})
	if result.WinnerPlacementID != "z" {
		t.Fatalf("expected the only bidder to win, got %+v", result)
	}
	if result.LoserSummary.ReasonCount[string(NoBidBudgetUnconfigured)] != 1 || len(result.LoserSummary.ReasonCount) != 1 {
		t.Fatalf("unexpected loser summary: %+v", result.LoserSummary)
	}
}

func TestBidTieBreakCascade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		options []Option
		winner  string
	}{
		{
			name: "ecpm breaks price tie",
			options: []Option{
				{PlacementID: "a", Bid: bid(1, 2)},
				{PlacementID: "b", Bid: bid(1, 3)},
			},
			winner: "b",
		},
		{
			name: "rank score breaks ecpm tie",
			options: []Option{
				{PlacementID: "a", Bid: bid(1, 2), RankScore: 0.4},
				{PlacementID: "b", Bid: bid(1, 2), RankScore: 0.5},
			},
			winner: "b",
		},
		{
			name: "auction score breaks rank tie",
			options: []Option{
				{PlacementID: "a", Bid: bid(1, 2), AuctionScore: 0.7},
				{PlacementID: "b", Bid: bid(1, 2), AuctionScore: 0.6},
			},
			winner: "a",
		},
		{
			name: "lower priority breaks score tie",
			options: []Option{
				{PlacementID: "a", Bid: bid(1, 2), Priority: priority(5)},
				{PlacementID: "b", Bid: bid(1, 2), Priority: priority(2)},
			},
			winner: "b",
		},
		{
			name: "missing priority sorts last",
			options: []Option{
				{PlacementID: "a", Bid: bid(1, 2)},
				{PlacementID: "b", Bid: bid(1, 2), Priority: priority(1e12)},
			},
			winner: "b",
		},
		{
			name: "placement id breaks full tie",
			options: []Option{
				{PlacementID: "beta", Bid: bid(1, 2)},
				{PlacementID: "alpha", Bid: bid(1, 2)},
			},
			winner: "alpha",
		},
		{
			name: "non finite price coerces to zero",
			options: []Option{
				{PlacementID: "a", Bid: bid(math.Inf(1), 0)},
				{PlacementID: "b", Bid: bid(0.5, 0)},
			},
			winner: "b",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Run(tc.options).WinnerPlacementID; got != tc.winner {
				t.Fatalf("expected winner %q, got %q", tc.winner, got)
			}
		})
	}
}

func TestBestNoFillAfterGate(t *testing.T) {
	t.Parallel()

	result := Run([]Option{
		{PlacementID: "blocked", GatePassed: false, ReasonCode: NoBidPolicyBlocked},
		{PlacementID: "no_match", GatePassed: true, ReasonCode: NoBidInventoryNoMatch},
		{PlacementID: "below_floor", GatePassed: true, ReasonCode: NoBidRankBelowFloor},
	})
	if result.Winner != nil || result.WinnerPlacementID != "" {
		t.Fatalf("no-bid auctions never declare a winner, got %+v", result)
	}
	if result.SelectedOption == nil || result.SelectedOption.PlacementID != "below_floor" {
		t.Fatalf("expected rank_below_floor option selected, got %+v", result.SelectedOption)
	}
	if result.SelectionReason != SelectionBestNoFillAfterGate || result.NoBidReasonCode != NoBidRankBelowFloor {
		t.Fatalf("unexpected selection: %+v", result)
	}
	counts := result.LoserSummary.ReasonCount
	if result.LoserSummary.TotalOptions != 3 || counts["policy_blocked"] != 1 || counts["inventory_no_match"] != 1 || counts["rank_below_floor"] != 1 {
		t.Fatalf("without a winner every option is tallied: %+v", result.LoserSummary)
	}
}

func TestAllGateBlocked(t *testing.T) {
	t.Parallel()

	result := Run([]Option{
		{PlacementID: "b", ReasonCode: NoBidPlacementUnavailable},
		{PlacementID: "a", ReasonCode: "vendor_specific"},
		{PlacementID: "c"},
	})
	if result.SelectionReason != SelectionAllGateBlocked {
		t.Fatalf("unexpected selection reason: %+v", result)
	}
	if result.SelectedOption.PlacementID != "c" || result.NoBidReasonCode != NoBidInventoryNoMatch {
		t.Fatalf("expected defaulted inventory_no_match option, got %+v", result.SelectedOption)
	}
	if NoBidReason("vendor_specific").Severity() != 99 {
		t.Fatalf("unknown reasons must rank last")
	}
}

func TestOutOfRangePriorityRanksAsWorst(t *testing.T) {
	t.Parallel()

	result := Run([]Option{
		{PlacementID: "a_huge", GatePassed: true, ReasonCode: NoBidInventoryNoMatch, Priority: priority(1e30)},
		{PlacementID: "b_small", GatePassed: true, ReasonCode: NoBidInventoryNoMatch, Priority: priority(5)},
	})
	if result.SelectedOption == nil || result.SelectedOption.PlacementID != "b_small" {
		t.Fatalf("expected finite priority to win, got %+v", result.SelectedOption)
	}

	result = Run([]Option{
		{PlacementID: "a_negative", Bid: bid(1, 1), Priority: priority(-1e30)},
		{PlacementID: "b_small", Bid: bid(1, 1), Priority: priority(5)},
	})
	if result.WinnerPlacementID != "b_small" {
		t.Fatalf("expected finite priority to win the bid tie, got %+v", result)
	}
	for _, opt := range []*float64{priority(1e30), priority(-1e30)} {
		got := Run([]Option{{PlacementID: "x", GatePassed: true, Priority: opt}}).SelectedOption
		if got == nil || got.Priority == nil || *got.Priority != float64(MaxSafePriority) {
			t.Fatalf("expected priority clamped to %d, got %+v", MaxSafePriority, got)
		}
	}
}

func TestRunDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	options := []Option{{PlacementID: " a ", Bid: bid(math.NaN(), 1)}}
	_ = Run(options)
	if options[0].PlacementID != " a " || !math.IsNaN(options[0].Bid.Price) || options[0].Priority != nil {
		t.Fatalf("input option was mutated: %+v", options[0])
	}
}

func TestWinnerStabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("equal bid price resolves by ecpm", prop.ForAll(
		func(price, lowEcpm, delta float64) bool {
			high := lowEcpm + delta
			result := Run([]Option{
				{PlacementID: "p_low", Bid: bid(price, lowEcpm), RankScore: 1, AuctionScore: 1, Priority: priority(0)},
				{PlacementID: "p_high", Bid: bid(price, high)},
			})
			return result.WinnerPlacementID == "p_high"
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0.01, 10),
	))
	properties.Property("full numeric tie resolves by smaller placement id", prop.ForAll(
		func(price, ecpm float64, first, second string) bool {
			if first == second {
				return true
			}
			want := first
			if second < first {
				want = second
			}
			result := Run([]Option{
				{PlacementID: "p" + first, Bid: bid(price, ecpm)},
				{PlacementID: "p" + second, Bid: bid(price, ecpm)},
			})
			return result.WinnerPlacementID == "p"+want
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.AlphaString(),
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func TestAuctionEmitsTelemetry(t *testing.T) {
	t.Parallel()

	sink := telemetry.NewMemorySink()
	pipeline := telemetry.NewPipeline(sink, telemetry.Config{QueueCapacity: 8})
	a := New(pipeline, nil)
	result := a.Run(Input{
		OpportunityKey: "opp_1",
		RequestKey:     "req_1",
		Options:        []Option{{PlacementID: "chat_inline", Bid: bid(2, 2)}},
	})
	if err := pipeline.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	if result.WinnerPlacementID != "chat_inline" {
		t.Fatalf("unexpected result: %+v", result)
	}
	events := sink.Events()
	if len(events) != 2 || events[0].Metric == nil || events[0].Metric.Name != telemetry.MetricAuctionOptions || events[0].Metric.Value != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Correlation.OpportunityKey != "opp_1" || events[0].Correlation.EmittedBy != "auction" {
		t.Fatalf("unexpected correlation: %+v", events[0].Correlation)
	}
	if events[1].Log == nil || events[1].Log.Attributes["winner_placement_id"] != "chat_inline" {
		t.Fatalf("unexpected log event: %+v", events[1])
	}
}
