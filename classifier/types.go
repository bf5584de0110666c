package classifier

import (
	"fmt"
	"strings"
)

// Severity is the triage grade a rule assigns to a finding.
type Severity int

const (
	Green Severity = iota
	Yellow
	Red
)

func (s Severity) String() string {
	switch s {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Red:
		return "red"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < Green || s > Red {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity accepts green, yellow or red in any case.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "green":
		return Green, nil
	case "yellow":
		return Yellow, nil
	case "red":
		return Red, nil
	default:
		return Green, fmt.Errorf("invalid severity: %q", value)
	}
}

// RuleDescriptor names the rule that produced a finding and the grade it gave.
type RuleDescriptor struct {
	Name     string
	Severity Severity
}

// AccessCapabilities is what the scanning identity could do to a file at
// probe time. Each field is independent of the others.
type AccessCapabilities struct {
	CanRead             bool
	CanWrite            bool
	CanModifyAttributes bool
}

// Code returns the capability letters R, W and M in that order, omitting
// capabilities that are false.
func (c AccessCapabilities) Code() string {
	var b strings.Builder
	if c.CanRead {
		b.WriteByte('R')
	}
	if c.CanWrite {
		b.WriteByte('W')
	}
	if c.CanModifyAttributes {
		b.WriteByte('M')
	}
	return b.String()
}

// Finding is a severity-graded classification result for one file. A rule
// builds it on match and hands it off by value; nothing mutates it after.
type Finding struct {
	Source        FileRecord
	Rule          RuleDescriptor
	MatchedLabels []string
	Context       string
	Capabilities  AccessCapabilities
	// LaunchHint is the hidden-launch idiom for the file type, when the
	// rule knows one.
	LaunchHint string
}
