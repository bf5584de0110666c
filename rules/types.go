package rules

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"stalehunt/classifier"
)

// Kind names how a rule matches a file.
type Kind string

const (
	KindExtension    Kind = "extension"
	KindName         Kind = "name"
	KindNameRegex    Kind = "name_regex"
	KindPathRegex    Kind = "path_regex"
	KindPathContains Kind = "path_contains"
	KindContent      Kind = "content"
	KindStaleScript  Kind = "stale_script"
)

// File is a rule set as stored on disk. Order is evaluation order.
type File struct {
	Version string `yaml:"version"`
	Rules   []Spec `yaml:"rules"`
}

type Spec struct {
	ID          string              `yaml:"id"`
	Kind        Kind                `yaml:"kind"`
	Severity    classifier.Severity `yaml:"severity"`
	Labels      []string            `yaml:"labels,omitempty"`
	Description string              `yaml:"description,omitempty"`
	Match       StringOrList        `yaml:"match,omitempty"`

	// content
	MaxSize int64 `yaml:"max_size,omitempty"`

	// stale_script; unset values come from the scan configuration
	AccessDays   *int `yaml:"access_days,omitempty"`
	ModifyMonths *int `yaml:"modify_months,omitempty"`
}

// StringOrList accepts either a scalar or a sequence.
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = []string{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	return fmt.Errorf("line %d: expected string or list", value.Line)
}

// labels returns the configured labels or the rule ID.
func (s Spec) labels() []string {
	if len(s.Labels) == 0 {
		return []string{s.ID}
	}
	return append([]string(nil), s.Labels...)
}

func (s Spec) descriptor() classifier.RuleDescriptor {
	return classifier.RuleDescriptor{Name: s.ID, Severity: s.Severity}
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("rule without id")
	}
	switch s.Kind {
	case KindExtension, KindName, KindNameRegex, KindPathRegex, KindPathContains, KindContent:
		if len(nonEmpty(s.Match)) == 0 {
			return fmt.Errorf("rule %s: %s rule needs at least one match value", s.ID, s.Kind)
		}
	case KindStaleScript:
		if s.Severity != classifier.Green {
			return fmt.Errorf("rule %s: stale_script severity follows write access and cannot be set", s.ID)
		}
		if s.AccessDays != nil && *s.AccessDays < 0 {
			return fmt.Errorf("rule %s: access_days must be zero or positive", s.ID)
		}
		if s.ModifyMonths != nil && *s.ModifyMonths < 0 {
			return fmt.Errorf("rule %s: modify_months must be zero or positive", s.ID)
		}
	case "":
		return fmt.Errorf("rule %s: missing kind", s.ID)
	default:
		return fmt.Errorf("rule %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.MaxSize < 0 {
		return fmt.Errorf("rule %s: max_size must be zero or positive", s.ID)
	}
	return nil
}

// Validate checks every rule and rejects duplicate IDs.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Rules))
	for _, spec := range f.Rules {
		if err := spec.Validate(); err != nil {
			return err
		}
		if seen[spec.ID] {
			return fmt.Errorf("duplicate rule id %s", spec.ID)
		}
		seen[spec.ID] = true
	}
	return nil
}

// Lookup returns the rule with the given ID, ignoring case.
func (f *File) Lookup(id string) (Spec, bool) {
	for _, spec := range f.Rules {
		if strings.EqualFold(spec.ID, id) {
			return spec, true
		}
	}
	return Spec{}, false
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
