package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// PatternMatcher filters scan candidates. Each pattern is tried as a glob
// against the base name and, when it compiles, as a regular expression
// against the full path.
type PatternMatcher struct {
	include patternSet
	exclude patternSet
	ignored *ignore.GitIgnore
}

type patternSet struct {
	globs   []string
	regexes []*regexp.Regexp
}

func newPatternSet(patterns []string) patternSet {
	var s patternSet
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		s.globs = append(s.globs, p)
		if re, err := regexp.Compile(p); err == nil {
			s.regexes = append(s.regexes, re)
		}
	}
	return s
}

func (s patternSet) empty() bool { return len(s.globs) == 0 }

func (s patternSet) matches(path string) bool {
	base := filepath.Base(path)
	for _, g := range s.globs {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	for _, re := range s.regexes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func NewPatternMatcher(includePatterns, excludePatterns []string) *PatternMatcher {
	return &PatternMatcher{
		include: newPatternSet(includePatterns),
		exclude: newPatternSet(excludePatterns),
	}
}

// AddIgnoreFile adds gitignore-style exclusions. Patterns are matched against
// the full slash-separated path, so unanchored patterns are the useful ones.
func (m *PatternMatcher) AddIgnoreFile(path string) error {
	ignored, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return fmt.Errorf("error reading ignore file %s: %w", path, err)
	}
	m.ignored = ignored
	return nil
}

func (m *PatternMatcher) excluded(path string) bool {
	if !m.exclude.empty() && m.exclude.matches(path) {
		return true
	}
	return m.ignored != nil && m.ignored.MatchesPath(filepath.ToSlash(path))
}

// ShouldInclude applies include patterns first, then exclude patterns. A nil
// matcher includes everything.
func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return true
	}
	if !m.include.empty() && !m.include.matches(path) {
		return false
	}
	return !m.excluded(path)
}

// ShouldDescend reports whether a directory can be skipped as a whole. Only
// exclude patterns prune directories; include patterns apply to files.
func (m *PatternMatcher) ShouldDescend(dir string) bool {
	if m == nil {
		return true
	}
	return !m.excluded(dir)
}
