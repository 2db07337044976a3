package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stratexec/internal/condition"
	"stratexec/pkg/types"
)

// closePctEpsilon absorbs float noise in take-profit ladders that are
// meant to sum to exactly 1.
var closePctEpsilon = decimal.New(1, -6)

var one = decimal.NewFromInt(1)

// ValidationError aggregates every rule a document violated, so one
// rejection event names all problems instead of the first.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("strategy validation failed: %s", strings.Join(e.Errors, "; "))
}

func validate(doc *Document) []string {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if doc.Mode != types.ModePaper && doc.Mode != types.ModeLive {
		fail("mode must be paper or live, got %q", doc.Mode)
	}
	if !doc.Posture.Valid() {
		fail("unknown posture %q", doc.Posture)
	}
	if !doc.ValidityWindow.After(time.Now()) {
		fail("validity_window %s is not in the future", doc.ValidityWindow.Format(time.RFC3339))
	}

	risk := doc.PortfolioRisk
	if !risk.MaxDrawdownPct.IsPositive() || risk.MaxDrawdownPct.GreaterThan(one) {
		fail("portfolio_risk.max_drawdown_pct must be in (0, 1]")
	}
	if risk.MaxTotalExposurePct.IsNegative() || risk.MaxTotalExposurePct.GreaterThan(one) {
		fail("portfolio_risk.max_total_exposure_pct must be in [0, 1]")
	}
	if !risk.MaxPerPositionPct.IsPositive() || risk.MaxPerPositionPct.GreaterThan(one) {
		fail("portfolio_risk.max_per_position_pct must be in (0, 1]")
	}
	if risk.DailyLossLimitUSD.IsNegative() {
		fail("portfolio_risk.daily_loss_limit_usd must be >= 0")
	}

	ids := make(map[string]bool, len(doc.Positions))
	for i, spec := range doc.Positions {
		name := spec.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
			fail("positions[%s]: id is required", name)
		}
		if ids[spec.ID] && spec.ID != "" {
			fail("positions[%s]: duplicate id", name)
		}
		ids[spec.ID] = true

		if spec.Asset == "" {
			fail("positions[%s]: asset is required", name)
		}
		if spec.Direction != types.Long && spec.Direction != types.Short {
			fail("positions[%s]: direction must be long or short, got %q", name, spec.Direction)
		}
		if !spec.AllocationPct.IsPositive() || spec.AllocationPct.GreaterThan(one) {
			fail("positions[%s]: allocation_pct must be in (0, 1]", name)
		}

		switch spec.EntryType {
		case types.EntryMarket:
		case types.EntryLimit:
			if !spec.EntryLimitPrice.IsPositive() {
				fail("positions[%s]: limit entry requires entry_limit_price > 0", name)
			}
		case types.EntryConditional:
			if spec.EntryCondition == "" {
				fail("positions[%s]: conditional entry requires entry_condition", name)
			} else if _, err := condition.Parse(spec.EntryCondition); err != nil {
				fail("positions[%s]: entry_condition: %v", name, err)
			}
		default:
			fail("positions[%s]: unknown entry_type %q", name, spec.EntryType)
		}

		validateTargets(spec, name, fail)

		if stop := spec.StopLoss; stop != nil {
			switch stop.Type {
			case StopHard:
				if !stop.Price.IsPositive() {
					fail("positions[%s]: hard stop requires price > 0", name)
				}
			case StopTrailing:
				if !stop.TrailPct.IsPositive() || stop.TrailPct.GreaterThanOrEqual(one) {
					fail("positions[%s]: trailing stop requires trail_pct in (0, 1)", name)
				}
			default:
				fail("positions[%s]: unknown stop_loss type %q", name, stop.Type)
			}
		}

		if spec.InvalidationCondition != "" {
			if _, err := condition.Parse(spec.InvalidationCondition); err != nil {
				fail("positions[%s]: invalidation_condition: %v", name, err)
			}
		}
	}

	return errs
}

// validateTargets checks the take-profit ladder: positive prices and
// fractions, total close ≤ 1, and prices ordered in the profit
// direction (ascending for longs, descending for shorts) so targets hit
// in index order.
func validateTargets(spec PositionSpec, name string, fail func(string, ...any)) {
	total := decimal.Zero
	for j, target := range spec.TakeProfitTargets {
		if !target.Price.IsPositive() {
			fail("positions[%s]: take_profit_targets[%d] price must be > 0", name, j)
		}
		if !target.ClosePct.IsPositive() || target.ClosePct.GreaterThan(one) {
			fail("positions[%s]: take_profit_targets[%d] close_pct must be in (0, 1]", name, j)
		}
		total = total.Add(target.ClosePct)

		if j == 0 {
			continue
		}
		prev := spec.TakeProfitTargets[j-1].Price
		ordered := target.Price.GreaterThan(prev)
		if spec.Direction == types.Short {
			ordered = target.Price.LessThan(prev)
		}
		if !ordered {
			fail("positions[%s]: take_profit_targets must be ordered by price toward profit", name)
		}
	}
	if total.GreaterThan(one.Add(closePctEpsilon)) {
		fail("positions[%s]: take_profit_targets close_pct sum %s exceeds 1", name, total)
	}
}
