package classifier

import (
	"context"
	"fmt"
)

// Rule is one detection rule. Evaluate returns nil, nil when rec does not
// match.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, rec FileRecord) (*Finding, error)
}

// RuleError identifies the rule that failed while a chain was evaluated.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Chain evaluates rules in order and stops at the first finding. It does not
// recover rule faults: the first error ends evaluation and is returned.
type Chain struct {
	rules []Rule
}

func NewChain(rules ...Rule) *Chain {
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil {
			kept = append(kept, r)
		}
	}
	return &Chain{rules: kept}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// Rules returns a copy of the configured order.
func (c *Chain) Rules() []Rule {
	if c == nil {
		return nil
	}
	return append([]Rule(nil), c.rules...)
}

func (c *Chain) Evaluate(ctx context.Context, rec FileRecord) (*Finding, error) {
	if c == nil {
		return nil, nil
	}
	for _, r := range c.rules {
		f, err := r.Evaluate(ctx, rec)
		if err != nil {
			return nil, &RuleError{Rule: r.Name(), Err: err}
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, nil
}
