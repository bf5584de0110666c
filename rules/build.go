package rules

import (
	"fmt"
	"time"

	"stalehunt/classifier"
)

// Deps are the per-scan collaborators rules are built with.
type Deps struct {
	Prober     classifier.Prober
	Sink       classifier.Sink
	Thresholds classifier.Thresholds
	Clock      func() time.Time
}

// Build compiles specs, in order, into a chain. Consecutive extension and
// name rules share one NameIndex.
func Build(specs []Spec, deps Deps) (*classifier.Chain, error) {
	var (
		out     []classifier.Rule
		pending []indexedRule
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if len(pending) == 1 {
			out = append(out, pending[0])
			pending = nil
			return nil
		}
		group, err := newNameGroup(pending)
		if err != nil {
			return err
		}
		out = append(out, group)
		pending = nil
		return nil
	}

	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		rule, err := buildRule(spec, deps)
		if err != nil {
			return nil, err
		}
		if ir, ok := rule.(indexedRule); ok {
			pending = append(pending, ir)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return classifier.NewChain(out...), nil
}

// Designated builds the single rule a specialized scan runs. The stale
// script rule is always available even when the rule set omits it.
func Designated(id string, f *File, deps Deps) (classifier.Rule, error) {
	if f != nil {
		if spec, ok := f.Lookup(id); ok {
			if err := spec.Validate(); err != nil {
				return nil, err
			}
			return buildRule(spec, deps)
		}
	}
	if id == "" || id == classifier.StaleScriptRuleName {
		return buildRule(Spec{ID: classifier.StaleScriptRuleName, Kind: KindStaleScript}, deps)
	}
	return nil, fmt.Errorf("designated rule %s not found in rule set", id)
}

func buildRule(spec Spec, deps Deps) (classifier.Rule, error) {
	switch spec.Kind {
	case KindExtension:
		return newExtensionRule(spec, deps.Prober), nil
	case KindName:
		return newNameRule(spec, deps.Prober), nil
	case KindNameRegex:
		return newRegexRule(spec, deps.Prober, false)
	case KindPathRegex:
		return newRegexRule(spec, deps.Prober, true)
	case KindPathContains:
		return newPathContainsRule(spec, deps.Prober), nil
	case KindContent:
		return newContentRule(spec, deps.Prober), nil
	case KindStaleScript:
		th := deps.Thresholds
		if spec.AccessDays != nil {
			th.AccessDays = *spec.AccessDays
		}
		if spec.ModifyMonths != nil {
			th.ModifyMonths = *spec.ModifyMonths
		}
		if err := th.Validate(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		return classifier.NewStaleScriptRule(th, deps.Prober,
			classifier.WithIdentity(spec.ID, spec.Labels),
			classifier.WithSink(deps.Sink),
			classifier.WithClock(deps.Clock),
		), nil
	}
	return nil, fmt.Errorf("rule %s: unknown kind %q", spec.ID, spec.Kind)
}
