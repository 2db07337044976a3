// Package strategy loads, validates, and hot-swaps the strategy document.
//
// The document is a declarative JSON contract produced upstream: global
// mode/posture/validity plus portfolio risk limits and a list of
// position specs (entry trigger, take-profit ladder, stops, time exit,
// invalidation). The service watches the file, debounces edits,
// validates, compiles all DSL conditions once, and atomically swaps the
// active pointer. Position specs keep stable ids across reloads so
// open positions survive a hot-swap.
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stratexec/internal/condition"
	"stratexec/pkg/types"
)

// StopType discriminates the stop_loss variants.
type StopType string

const (
	StopHard     StopType = "hard"
	StopTrailing StopType = "trailing"
)

// Document is the parsed strategy file. Immutable once compiled.
type Document struct {
	Mode           types.Mode     `json:"mode"`
	ValidityWindow time.Time      `json:"validity_window"`
	Posture        types.Posture  `json:"posture"`
	PortfolioRisk  PortfolioRisk  `json:"portfolio_risk"`
	Positions      []PositionSpec `json:"positions"`
}

// PortfolioRisk carries the portfolio-level limits the risk enforcer
// applies.
type PortfolioRisk struct {
	MaxDrawdownPct      decimal.Decimal `json:"max_drawdown_pct"`
	DailyLossLimitUSD   decimal.Decimal `json:"daily_loss_limit_usd"`
	MaxTotalExposurePct decimal.Decimal `json:"max_total_exposure_pct"`
	MaxPerPositionPct   decimal.Decimal `json:"max_per_position_pct"`
}

// PositionSpec describes one intended position.
type PositionSpec struct {
	ID                    string             `json:"id"`
	Asset                 string             `json:"asset"`
	Direction             types.Direction    `json:"direction"`
	AllocationPct         decimal.Decimal    `json:"allocation_pct"`
	EntryType             types.EntryType    `json:"entry_type"`
	EntryCondition        string             `json:"entry_condition,omitempty"`
	EntryLimitPrice       decimal.Decimal    `json:"entry_limit_price,omitempty"`
	TakeProfitTargets     []TakeProfitTarget `json:"take_profit_targets,omitempty"`
	StopLoss              *StopLoss          `json:"stop_loss,omitempty"`
	TimeExitUTC           *time.Time         `json:"time_exit_utc,omitempty"`
	InvalidationCondition string             `json:"invalidation_condition,omitempty"`
}

// TakeProfitTarget closes close_pct of the original quantity when price
// reaches Price.
type TakeProfitTarget struct {
	Price    decimal.Decimal `json:"price"`
	ClosePct decimal.Decimal `json:"close_pct"`
}

// StopLoss is either a fixed price (hard) or a trailing distance
// (trailing, as a fraction of the best price seen).
type StopLoss struct {
	Type     StopType        `json:"type"`
	Price    decimal.Decimal `json:"price,omitempty"`
	TrailPct decimal.Decimal `json:"trail_pct,omitempty"`
}

// Compiled is a validated document with every condition parsed. The
// condition objects hold crossing state, so a Compiled belongs to
// exactly one load; recompiling resets all crossings.
type Compiled struct {
	Doc       *Document
	ID        string // SHA-256 of the raw document content
	LoadedAt  time.Time
	Positions []*CompiledPosition
}

// CompiledPosition pairs a spec with its parsed conditions.
type CompiledPosition struct {
	Spec         PositionSpec
	Entry        *condition.Condition // set iff entry_type == conditional
	Invalidation *condition.Condition // set iff invalidation_condition present
}

// Compile parses, validates, and condition-compiles raw document bytes.
// Validation failures return a *ValidationError listing every rule
// violated.
func Compile(raw []byte) (*Compiled, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse strategy document: %w", err)
	}

	if errs := validate(&doc); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	sum := sha256.Sum256(raw)
	compiled := &Compiled{
		Doc:      &doc,
		ID:       hex.EncodeToString(sum[:]),
		LoadedAt: time.Now().UTC(),
	}

	for i := range doc.Positions {
		spec := doc.Positions[i]
		cp := &CompiledPosition{Spec: spec}

		// The validator already ran these through the parser; a failure
		// here means validate and Compile disagree, which is a bug.
		if spec.EntryType == types.EntryConditional {
			cond, err := condition.Parse(spec.EntryCondition)
			if err != nil {
				return nil, fmt.Errorf("compile entry condition for %s: %w", spec.ID, err)
			}
			cp.Entry = cond
		}
		if spec.InvalidationCondition != "" {
			cond, err := condition.Parse(spec.InvalidationCondition)
			if err != nil {
				return nil, fmt.Errorf("compile invalidation condition for %s: %w", spec.ID, err)
			}
			cp.Invalidation = cond
		}
		compiled.Positions = append(compiled.Positions, cp)
	}

	return compiled, nil
}

// Assets returns every asset the strategy touches: position assets plus
// any assets referenced inside conditions, deduplicated.
func (c *Compiled) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(asset string) {
		if asset != "" && !seen[asset] {
			seen[asset] = true
			out = append(out, asset)
		}
	}
	for _, cp := range c.Positions {
		add(cp.Spec.Asset)
		if cp.Entry != nil {
			for _, a := range cp.Entry.Assets() {
				add(a)
			}
		}
		if cp.Invalidation != nil {
			for _, a := range cp.Invalidation.Assets() {
				add(a)
			}
		}
	}
	return out
}

// Position returns the compiled position with the given spec id.
func (c *Compiled) Position(id string) (*CompiledPosition, bool) {
	for _, cp := range c.Positions {
		if cp.Spec.ID == id {
			return cp, true
		}
	}
	return nil, false
}
