// Package condition parses and evaluates the strategy condition DSL.
//
// Conditions are boolean expressions over live market data:
//
//	price(BTC/USD) > 50000
//	RSI(14, BTC/USD) < 30
//	MACD(12, 26, BTC/USD) crosses_above MACD_SIGNAL(12, 26, 9, BTC/USD)
//	AND(price(BTC/USD) > 50000, NOT(RSI(14, BTC/USD) >= 70))
//
// Evaluation is three-valued: True, False, or Unknown when a referenced
// asset or indicator is missing from the snapshot map. Unknown
// propagates through the logical operators the usual way (True AND
// Unknown = Unknown, False AND Unknown = False, True OR Unknown = True,
// NOT Unknown = Unknown).
//
// Crossing operators are stateful: a compiled Condition remembers the
// operand values from the previous evaluation and fires only on a
// strict transition. A condition therefore belongs to exactly one
// strategy position and must be re-parsed on strategy reload so stale
// state never leaks across documents. Evaluate is not safe for
// concurrent use; the engine evaluates all conditions from its single
// tick goroutine.
package condition

import (
	"fmt"

	"stratexec/pkg/types"
)

// Result is the three-valued outcome of evaluating a condition.
type Result int

const (
	False Result = iota
	True
	Unknown
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// Condition is a compiled DSL expression.
type Condition struct {
	src  string
	root node
}

// Parse compiles src into an evaluable Condition.
func Parse(src string) (*Condition, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("parse condition: unexpected %q after expression", tok.text)
	}
	return &Condition{src: src, root: root}, nil
}

// Evaluate resolves the expression against the given per-asset
// snapshots. Crossing state updates as a side effect.
func (c *Condition) Evaluate(snaps map[string]types.MarketSnapshot) Result {
	return c.root.eval(snaps)
}

// Assets returns every asset symbol the expression references.
func (c *Condition) Assets() []string {
	seen := make(map[string]bool)
	var out []string
	c.root.collectAssets(func(asset string) {
		if !seen[asset] {
			seen[asset] = true
			out = append(out, asset)
		}
	})
	return out
}

// String returns the original source text.
func (c *Condition) String() string { return c.src }
