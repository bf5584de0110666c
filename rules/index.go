package rules

import (
	"context"
	"strings"

	"github.com/FastFilter/xorfilter"
	"github.com/cespare/xxhash/v2"

	"stalehunt/classifier"
)

// NameIndex is a negative prefilter over every extension and file name a
// group of rules matches on. MayMatch can return false positives, never
// false negatives.
type NameIndex struct {
	filter *xorfilter.Xor8
}

func extKey(ext string) string   { return "ext:" + ext }
func nameKey(name string) string { return "name:" + name }

func NewNameIndex(keys []string) (*NameIndex, error) {
	seen := make(map[uint64]struct{}, len(keys))
	hashes := make([]uint64, 0, len(keys))
	for _, k := range keys {
		h := xxhash.Sum64String(k)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 {
		return &NameIndex{}, nil
	}
	filter, err := xorfilter.Populate(hashes)
	if err != nil {
		return nil, err
	}
	return &NameIndex{filter: filter}, nil
}

func (ix *NameIndex) MayMatch(rec classifier.FileRecord) bool {
	if ix == nil || ix.filter == nil {
		return false
	}
	if rec.Extension != "" && ix.filter.Contains(xxhash.Sum64String(extKey(strings.ToLower(rec.Extension)))) {
		return true
	}
	return ix.filter.Contains(xxhash.Sum64String(nameKey(strings.ToLower(rec.Name))))
}

type indexedRule interface {
	classifier.Rule
	indexKeys() []string
}

// nameGroup runs a run of consecutive extension and name rules behind one
// NameIndex check. Member order is preserved, so first-match order across
// the chain is unchanged.
type nameGroup struct {
	members []indexedRule
	index   *NameIndex
}

func newNameGroup(members []indexedRule) (*nameGroup, error) {
	var keys []string
	for _, m := range members {
		keys = append(keys, m.indexKeys()...)
	}
	index, err := NewNameIndex(keys)
	if err != nil {
		return nil, err
	}
	return &nameGroup{members: members, index: index}, nil
}

func (g *nameGroup) Name() string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.Name()
	}
	return strings.Join(names, "|")
}

func (g *nameGroup) Evaluate(ctx context.Context, rec classifier.FileRecord) (*classifier.Finding, error) {
	if !g.index.MayMatch(rec) {
		return nil, nil
	}
	for _, m := range g.members {
		f, err := m.Evaluate(ctx, rec)
		if err != nil {
			return nil, &classifier.RuleError{Rule: m.Name(), Err: err}
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, nil
}
