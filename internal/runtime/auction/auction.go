package auction

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	telemetrycontext "github.com/tiger/ad-supply-router/internal/observability/telemetry/context"
)

// MaxSafePriority is the worst priority, used when an option has none.
const MaxSafePriority int64 = 1<<53 - 1

// NoBidReason explains why a placement produced no bid.
type NoBidReason string

const (
	NoBidBudgetUnconfigured   NoBidReason = "budget_unconfigured"
	NoBidInventoryEmpty       NoBidReason = "inventory_empty"
	NoBidBudgetExhausted      NoBidReason = "budget_exhausted"
	NoBidFrequencyCapped      NoBidReason = "frequency_capped"
	NoBidRankBelowFloor       NoBidReason = "rank_below_floor"
	NoBidInventoryNoMatch     NoBidReason = "inventory_no_match"
	NoBidUpstreamTimeout      NoBidReason = "upstream_timeout"
	NoBidUpstreamError        NoBidReason = "upstream_error"
	NoBidPolicyBlocked        NoBidReason = "policy_blocked"
	NoBidPlacementUnavailable NoBidReason = "placement_unavailable"
)

const unknownNoBidSeverity = 99

var noBidSeverity = map[NoBidReason]int{
	NoBidBudgetUnconfigured:   0,
	NoBidInventoryEmpty:       0,
	NoBidBudgetExhausted:      1,
	NoBidFrequencyCapped:      2,
	NoBidRankBelowFloor:       3,
	NoBidInventoryNoMatch:     4,
	NoBidUpstreamTimeout:      5,
	NoBidUpstreamError:        6,
	NoBidPolicyBlocked:        7,
	NoBidPlacementUnavailable: 8,
}

// Severity ranks a no-bid reason; lower is a better fallback selection.
func (r NoBidReason) Severity() int {
	if v, ok := noBidSeverity[r]; ok {
		return v
	}
	return unknownNoBidSeverity
}

// SelectionReason explains how the selected option was chosen.
type SelectionReason string

const (
	SelectionNoPlacementOptions  SelectionReason = "no_placement_options"
	SelectionHighestBidPrice     SelectionReason = "highest_bid_price"
	SelectionBestNoFillAfterGate SelectionReason = "best_no_fill_after_gate"
	SelectionAllGateBlocked      SelectionReason = "all_gate_blocked_or_unavailable"
)

// Pricing carries the normalized price currencies of a bid.
type Pricing struct {
	EcpmUSD  float64 `json:"ecpm_usd"`
	CpcUSD   float64 `json:"cpc_usd,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// Bid is a placement's offer for the slot.
type Bid struct {
	Price   float64 `json:"price"`
	Pricing Pricing `json:"pricing"`
}

// Option is one placement's auction outcome.
type Option struct {
	PlacementID    string            `json:"placement_id"`
	GatePassed     bool              `json:"gate_passed"`
	ReasonCode     NoBidReason       `json:"reason_code,omitempty"`
	Bid            *Bid              `json:"bid,omitempty"`
	RankScore      float64           `json:"rank_score"`
	AuctionScore   float64           `json:"auction_score"`
	Priority       *float64          `json:"priority,omitempty"`
	StageStatusMap map[string]string `json:"stage_status_map,omitempty"`
}

// LoserSummary tallies non-winning options by reason code.
type LoserSummary struct {
	TotalOptions int            `json:"total_options"`
	ReasonCount  map[string]int `json:"reason_count"`
}

// Result is the outcome of a global placement auction.
type Result struct {
	Winner            *Option         `json:"winner"`
	WinnerPlacementID string          `json:"winner_placement_id"`
	SelectedOption    *Option         `json:"selected_option"`
	SelectionReason   SelectionReason `json:"selection_reason"`
	NoBidReasonCode   NoBidReason     `json:"no_bid_reason_code,omitempty"`
	LoserSummary      LoserSummary    `json:"loser_summary"`
}

type normalized struct {
	option   Option
	priority int64
}

// Run picks one winner across placements. Bid-carrying options always beat
// no-bid options; without any bid the best no-fill option is selected but
// no winner is declared.
func Run(options []Option) Result {
	pool := normalize(options)
	if len(pool) == 0 {
		return Result{
			SelectionReason: SelectionNoPlacementOptions,
			NoBidReasonCode: NoBidPlacementUnavailable,
			LoserSummary:    LoserSummary{TotalOptions: 0, ReasonCount: map[string]int{}},
		}
	}

	bidders := make([]normalized, 0, len(pool))
	for _, n := range pool {
		if n.option.Bid != nil {
			bidders = append(bidders, n)
		}
	}

	var result Result
	if len(bidders) > 0 {
		sort.SliceStable(bidders, func(i, j int) bool { return bidLess(bidders[i], bidders[j]) })
		winner := bidders[0].option
		result = Result{
			Winner:            &winner,
			WinnerPlacementID: winner.PlacementID,
			SelectedOption:    &winner,
			SelectionReason:   SelectionHighestBidPrice,
		}
	} else {
		ranked := append([]normalized(nil), pool...)
		sort.SliceStable(ranked, func(i, j int) bool { return noBidLess(ranked[i], ranked[j]) })
		selected := ranked[0].option
		result = Result{
			SelectedOption:  &selected,
			SelectionReason: SelectionAllGateBlocked,
			NoBidReasonCode: selected.ReasonCode,
		}
		if selected.GatePassed {
			result.SelectionReason = SelectionBestNoFillAfterGate
		}
	}

	result.LoserSummary = LoserSummary{TotalOptions: len(pool), ReasonCount: map[string]int{}}
	for _, n := range pool {
		if result.WinnerPlacementID != "" && n.option.PlacementID == result.WinnerPlacementID {
			continue
		}
		result.LoserSummary.ReasonCount[string(n.option.ReasonCode)]++
	}
	return result
}

func normalize(options []Option) []normalized {
	out := make([]normalized, 0, len(options))
	for _, raw := range options {
		opt := raw
		opt.PlacementID = strings.TrimSpace(opt.PlacementID)
		if opt.PlacementID == "" {
			continue
		}
		if strings.TrimSpace(string(opt.ReasonCode)) == "" {
			opt.ReasonCode = NoBidInventoryNoMatch
		}
		opt.RankScore = finite(opt.RankScore)
		opt.AuctionScore = finite(opt.AuctionScore)
		if opt.Bid != nil {
			bid := *opt.Bid
			bid.Price = finite(bid.Price)
			bid.Pricing.EcpmUSD = finite(bid.Pricing.EcpmUSD)
			bid.Pricing.CpcUSD = finite(bid.Pricing.CpcUSD)
			opt.Bid = &bid
		}
		priority := MaxSafePriority
		if opt.Priority != nil && !math.IsNaN(*opt.Priority) && !math.IsInf(*opt.Priority, 0) {
			if p := math.Trunc(*opt.Priority); math.Abs(p) <= float64(MaxSafePriority) {
				priority = int64(p)
			}
		}
		p := float64(priority)
		opt.Priority = &p
		out = append(out, normalized{option: opt, priority: priority})
	}
	return out
}

func bidLess(a, b normalized) bool {
	ab, bb := a.option.Bid, b.option.Bid
	if ab.Price != bb.Price {
		return ab.Price > bb.Price
	}
	if ab.Pricing.EcpmUSD != bb.Pricing.EcpmUSD {
		return ab.Pricing.EcpmUSD > bb.Pricing.EcpmUSD
	}
	if a.option.RankScore != b.option.RankScore {
		return a.option.RankScore > b.option.RankScore
	}
	if a.option.AuctionScore != b.option.AuctionScore {
		return a.option.AuctionScore > b.option.AuctionScore
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.option.PlacementID < b.option.PlacementID
}

func noBidLess(a, b normalized) bool {
	if a.option.GatePassed != b.option.GatePassed {
		return a.option.GatePassed
	}
	if x, y := a.option.ReasonCode.Severity(), b.option.ReasonCode.Severity(); x != y {
		return x < y
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.option.PlacementID < b.option.PlacementID
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Input identifies the opportunity an auction runs for.
type Input struct {
	OpportunityKey string   `json:"opportunity_key"`
	RequestKey     string   `json:"request_key"`
	TraceKey       string   `json:"trace_key,omitempty"`
	Options        []Option `json:"options"`
}

// Auction records telemetry around Run.
type Auction struct {
	emitter telemetry.Emitter
	now     func() time.Time
}

// New returns an auction; a nil emitter uses the process default.
func New(emitter telemetry.Emitter, now func() time.Time) *Auction {
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	if now == nil {
		now = time.Now
	}
	return &Auction{emitter: emitter, now: now}
}

// Run executes the auction and emits the option count and selection.
func (a *Auction) Run(in Input) Result {
	result := Run(in.Options)
	correlation := telemetrycontext.Best(telemetrycontext.ResolveInput{
		OpportunityKey:     in.OpportunityKey,
		RequestKey:         in.RequestKey,
		TraceKey:           in.TraceKey,
		EmittedBy:          "auction",
		RuntimeTimestampMS: a.now().UnixMilli(),
	})
	attrs := map[string]string{
		"selection_reason": string(result.SelectionReason),
		"total_options":    strconv.Itoa(result.LoserSummary.TotalOptions),
	}
	if result.WinnerPlacementID != "" {
		attrs["winner_placement_id"] = result.WinnerPlacementID
	}
	if result.NoBidReasonCode != "" {
		attrs["no_bid_reason_code"] = string(result.NoBidReasonCode)
	}
	a.emitter.EmitMetric(telemetry.MetricAuctionOptions, float64(result.LoserSummary.TotalOptions), "count", attrs, correlation)
	a.emitter.EmitLog("placement_auction", "info", "placement auction "+string(result.SelectionReason), attrs, correlation)
	return result
}
