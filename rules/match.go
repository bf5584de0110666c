package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"stalehunt/classifier"
)

// base carries what every catalogue rule reports on a match. Capabilities
// are probed only after a match, and only when a prober is wired.
type base struct {
	desc   classifier.RuleDescriptor
	labels []string
	prober classifier.Prober
}

func newBase(spec Spec, prober classifier.Prober) base {
	return base{desc: spec.descriptor(), labels: spec.labels(), prober: prober}
}

func (b base) Name() string { return b.desc.Name }

func (b base) finding(ctx context.Context, rec classifier.FileRecord, detail string) *classifier.Finding {
	var caps classifier.AccessCapabilities
	if b.prober != nil {
		caps = b.prober.Probe(ctx, rec.Path)
	}
	return &classifier.Finding{
		Source:        rec,
		Rule:          b.desc,
		MatchedLabels: append([]string(nil), b.labels...),
		Context:       fmt.Sprintf("%s, Permissions: %s", detail, caps.Code()),
		Capabilities:  caps,
	}
}

type extensionRule struct {
	base
	exts map[string]struct{}
}

func newExtensionRule(spec Spec, prober classifier.Prober) *extensionRule {
	r := &extensionRule{base: newBase(spec, prober), exts: make(map[string]struct{})}
	for _, ext := range nonEmpty(spec.Match) {
		r.exts[normalizeExt(ext)] = struct{}{}
	}
	return r
}

func (r *extensionRule) Evaluate(ctx context.Context, rec classifier.FileRecord) (*classifier.Finding, error) {
	if _, ok := r.exts[strings.ToLower(rec.Extension)]; !ok {
		return nil, nil
	}
	return r.finding(ctx, rec, "Extension: "+rec.Extension), nil
}

func (r *extensionRule) indexKeys() []string {
	keys := make([]string, 0, len(r.exts))
	for ext := range r.exts {
		keys = append(keys, extKey(ext))
	}
	return keys
}

type nameRule struct {
	base
	names map[string]struct{}
}

func newNameRule(spec Spec, prober classifier.Prober) *nameRule {
	r := &nameRule{base: newBase(spec, prober), names: make(map[string]struct{})}
	for _, name := range nonEmpty(spec.Match) {
		r.names[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return r
}

func (r *nameRule) Evaluate(ctx context.Context, rec classifier.FileRecord) (*classifier.Finding, error) {
	if _, ok := r.names[strings.ToLower(rec.Name)]; !ok {
		return nil, nil
	}
	return r.finding(ctx, rec, "Name: "+rec.Name), nil
}

func (r *nameRule) indexKeys() []string {
	keys := make([]string, 0, len(r.names))
	for name := range r.names {
		keys = append(keys, nameKey(name))
	}
	return keys
}

type regexRule struct {
	base
	onPath   bool
	patterns []*regexp.Regexp
}

func newRegexRule(spec Spec, prober classifier.Prober, onPath bool) (*regexRule, error) {
	r := &regexRule{base: newBase(spec, prober), onPath: onPath}
	for _, expr := range nonEmpty(spec.Match) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", spec.ID, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *regexRule) Evaluate(ctx context.Context, rec classifier.FileRecord) (*classifier.Finding, error) {
	target, field := rec.Name, "Name"
	if r.onPath {
		target, field = rec.Path, "Path"
	}
	for _, re := range r.patterns {
		if re.MatchString(target) {
			return r.finding(ctx, rec, fmt.Sprintf("%s matched %s", field, re.String())), nil
		}
	}
	return nil, nil
}

type pathContainsRule struct {
	base
	needles []string
}

func newPathContainsRule(spec Spec, prober classifier.Prober) *pathContainsRule {
	r := &pathContainsRule{base: newBase(spec, prober)}
	for _, n := range nonEmpty(spec.Match) {
		r.needles = append(r.needles, strings.ToLower(n))
	}
	return r
}

func (r *pathContainsRule) Evaluate(ctx context.Context, rec classifier.FileRecord) (*classifier.Finding, error) {
	path := strings.ToLower(rec.Path)
	for _, n := range r.needles {
		if strings.Contains(path, n) {
			return r.finding(ctx, rec, "Path contains "+n), nil
		}
	}
	return nil, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
