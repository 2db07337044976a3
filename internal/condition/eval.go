// eval.go holds the node tree and its three-valued evaluation rules.
package condition

import (
	"github.com/shopspring/decimal"

	"stratexec/pkg/types"
)

// equalityTolerance scales with the larger operand magnitude, so ==
// tolerates representation noise at any price scale.
var equalityTolerance = decimal.New(1, -6) // 1e-6

// node is an evaluable expression.
type node interface {
	eval(snaps map[string]types.MarketSnapshot) Result
	collectAssets(fn func(asset string))
}

// value resolves one operand against the snapshot map. ok is false when
// the referenced asset or indicator key is absent.
type value interface {
	resolve(snaps map[string]types.MarketSnapshot) (decimal.Decimal, bool)
	collectAssets(fn func(asset string))
}

// ———————————————————————————————————————————————————————————————————————
// Values
// ———————————————————————————————————————————————————————————————————————

type literalValue struct {
	v decimal.Decimal
}

func (l literalValue) resolve(map[string]types.MarketSnapshot) (decimal.Decimal, bool) {
	return l.v, true
}

func (l literalValue) collectAssets(func(string)) {}

type priceValue struct {
	asset string
}

func (p priceValue) resolve(snaps map[string]types.MarketSnapshot) (decimal.Decimal, bool) {
	snap, ok := snaps[p.asset]
	if !ok {
		return decimal.Decimal{}, false
	}
	return snap.Mid(), true
}

func (p priceValue) collectAssets(fn func(string)) { fn(p.asset) }

type indicatorValue struct {
	asset string
	key   string
}

func (iv indicatorValue) resolve(snaps map[string]types.MarketSnapshot) (decimal.Decimal, bool) {
	snap, ok := snaps[iv.asset]
	if !ok {
		return decimal.Decimal{}, false
	}
	return snap.Indicator(iv.key)
}

func (iv indicatorValue) collectAssets(fn func(string)) { fn(iv.asset) }

// ———————————————————————————————————————————————————————————————————————
// Logical nodes
// ———————————————————————————————————————————————————————————————————————

// Every child evaluates on every tick: short-circuiting would starve
// crossing nodes in later children of their state updates.

type andNode struct {
	children []node
}

func (n *andNode) eval(snaps map[string]types.MarketSnapshot) Result {
	out := True
	for _, child := range n.children {
		switch child.eval(snaps) {
		case False:
			out = False
		case Unknown:
			if out != False {
				out = Unknown
			}
		}
	}
	return out
}

func (n *andNode) collectAssets(fn func(string)) {
	for _, child := range n.children {
		child.collectAssets(fn)
	}
}

type orNode struct {
	children []node
}

func (n *orNode) eval(snaps map[string]types.MarketSnapshot) Result {
	out := False
	for _, child := range n.children {
		switch child.eval(snaps) {
		case True:
			out = True
		case Unknown:
			if out != True {
				out = Unknown
			}
		}
	}
	return out
}

func (n *orNode) collectAssets(fn func(string)) {
	for _, child := range n.children {
		child.collectAssets(fn)
	}
}

type notNode struct {
	child node
}

func (n *notNode) eval(snaps map[string]types.MarketSnapshot) Result {
	switch n.child.eval(snaps) {
	case True:
		return False
	case False:
		return True
	default:
		return Unknown
	}
}

func (n *notNode) collectAssets(fn func(string)) { n.child.collectAssets(fn) }

// ———————————————————————————————————————————————————————————————————————
// Comparisons
// ———————————————————————————————————————————————————————————————————————

type cmpNode struct {
	left  value
	op    string
	right value
}

func (n *cmpNode) eval(snaps map[string]types.MarketSnapshot) Result {
	l, lok := n.left.resolve(snaps)
	r, rok := n.right.resolve(snaps)
	if !lok || !rok {
		return Unknown
	}

	var hold bool
	switch n.op {
	case ">":
		hold = l.GreaterThan(r)
	case ">=":
		hold = l.GreaterThanOrEqual(r)
	case "<":
		hold = l.LessThan(r)
	case "<=":
		hold = l.LessThanOrEqual(r)
	case "==":
		hold = almostEqual(l, r)
	}
	if hold {
		return True
	}
	return False
}

func (n *cmpNode) collectAssets(fn func(string)) {
	n.left.collectAssets(fn)
	n.right.collectAssets(fn)
}

func almostEqual(l, r decimal.Decimal) bool {
	if l.Equal(r) {
		return true
	}
	tol := decimal.Max(l.Abs(), r.Abs()).Mul(equalityTolerance)
	return l.Sub(r).Abs().LessThanOrEqual(tol)
}

// crossNode fires on strict transitions. The first evaluation only
// records operand values and returns False, so a strategy loaded while
// the fast line is already above the slow one does not fire
// immediately. Stored values update on every evaluation where both
// operands resolve, including False returns; an Unknown evaluation
// leaves state untouched.
type crossNode struct {
	left  value
	right value
	above bool

	seen  bool
	prevL decimal.Decimal
	prevR decimal.Decimal
}

func (n *crossNode) eval(snaps map[string]types.MarketSnapshot) Result {
	l, lok := n.left.resolve(snaps)
	r, rok := n.right.resolve(snaps)
	if !lok || !rok {
		return Unknown
	}

	if !n.seen {
		n.seen = true
		n.prevL, n.prevR = l, r
		return False
	}

	var fired bool
	if n.above {
		fired = n.prevL.LessThanOrEqual(n.prevR) && l.GreaterThan(r)
	} else {
		fired = n.prevL.GreaterThanOrEqual(n.prevR) && l.LessThan(r)
	}

	n.prevL, n.prevR = l, r
	if fired {
		return True
	}
	return False
}

func (n *crossNode) collectAssets(fn func(string)) {
	n.left.collectAssets(fn)
	n.right.collectAssets(fn)
}
