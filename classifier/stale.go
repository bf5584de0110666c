package classifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const (
	StaleScriptRuleName = "StaleScript"
	StaleScriptLabel    = "Stale Script Persistence Candidate"

	DefaultAccessDays   = 7
	DefaultModifyMonths = 6
)

// launchTemplates maps each monitored extension to the idiom used to start
// it without a visible window. The key set is the monitored extension set.
var launchTemplates = map[string]string{
	".cmd": "start /B COMMAND",
	".bat": "start /B COMMAND",
	".ps1": "Start-Process -WindowStyle Hidden COMMAND",
	".vbs": `CreateObject("WScript.Shell").Run "COMMAND", 0, False`,
	".js":  `new ActiveXObject("WScript.Shell").Run("COMMAND", 0, false)`,
}

// MonitoredExtension reports whether ext (with leading dot, any case) is a
// script type the stale script rule looks at.
func MonitoredExtension(ext string) bool {
	_, ok := launchTemplates[strings.ToLower(ext)]
	return ok
}

// LaunchTemplate returns the hidden-launch idiom for a monitored extension.
func LaunchTemplate(ext string) (string, bool) {
	tmpl, ok := launchTemplates[strings.ToLower(ext)]
	return tmpl, ok
}

// Thresholds is the immutable per-scan configuration of the stale script
// rule.
type Thresholds struct {
	AccessDays   int
	ModifyMonths int
}

func (t Thresholds) Validate() error {
	if t.AccessDays < 0 {
		return fmt.Errorf("access days must be zero or positive")
	}
	if t.ModifyMonths < 0 {
		return fmt.Errorf("modify months must be zero or positive")
	}
	return nil
}

// StaleScriptRule flags script files that were accessed recently but whose
// content has not changed in a long time: something still runs them, and
// nobody maintains them.
type StaleScriptRule struct {
	name       string
	labels     []string
	thresholds Thresholds
	prober     Prober
	sink       Sink
	now        func() time.Time
}

type StaleScriptOption func(*StaleScriptRule)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StaleScriptOption {
	return func(r *StaleScriptRule) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIdentity names the rule and sets the labels its findings carry. Empty
// values keep the defaults.
func WithIdentity(name string, labels []string) StaleScriptOption {
	return func(r *StaleScriptRule) {
		if name != "" {
			r.name = name
		}
		if len(labels) > 0 {
			r.labels = append([]string(nil), labels...)
		}
	}
}

// WithSink sets where match traces and rule faults are reported.
func WithSink(sink Sink) StaleScriptOption {
	return func(r *StaleScriptRule) {
		if sink != nil {
			r.sink = sink
		}
	}
}

func NewStaleScriptRule(thresholds Thresholds, prober Prober, opts ...StaleScriptOption) *StaleScriptRule {
	r := &StaleScriptRule{
		name:       StaleScriptRuleName,
		labels:     []string{StaleScriptLabel},
		thresholds: thresholds,
		prober:     prober,
		sink:       Discard,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *StaleScriptRule) Name() string { return r.name }

func (r *StaleScriptRule) Thresholds() Thresholds { return r.thresholds }

// Evaluate returns a finding when rec was accessed after now-AccessDays and
// last written before now-ModifyMonths. Both bounds are strict. Faults after
// the extension check are reported to the sink and returned.
func (r *StaleScriptRule) Evaluate(ctx context.Context, rec FileRecord) (finding *Finding, err error) {
	if !MonitoredExtension(rec.Extension) {
		return nil, nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
		if err != nil {
			finding = nil
			r.sink.Error(fmt.Sprintf("Error in %s rule processing file %s: %v", r.Name(), rec.Path, firstLine(err)))
			r.sink.Trace(fmt.Sprintf("%s: %+v", rec.Path, err))
		}
	}()

	if !r.matches(rec) {
		return nil, nil
	}

	r.sink.Trace(fmt.Sprintf("%s match: %s", r.Name(), rec.Path))
	r.sink.Trace(fmt.Sprintf("  LastAccess: %s, LastWrite: %s",
		rec.AccessTime.Format(time.RFC3339), rec.ModTime.Format(time.RFC3339)))

	if r.prober == nil {
		return nil, errors.New("no permission prober configured")
	}
	caps := r.prober.Probe(ctx, rec.Path)

	severity := Yellow
	if caps.CanWrite {
		severity = Red
	}
	hint, _ := LaunchTemplate(rec.Extension)

	return &Finding{
		Source:        rec,
		Rule:          RuleDescriptor{Name: r.Name(), Severity: severity},
		MatchedLabels: append([]string(nil), r.labels...),
		Context:       fmt.Sprintf("LastAccessTime: %s, LastWriteTime: %s, Permissions: %s, Extension: %s",
			rec.AccessTime.Format(time.RFC3339),
			rec.ModTime.Format(time.RFC3339),
			caps.Code(),
			rec.Extension,
		),
		Capabilities: caps,
		LaunchHint:   hint,
	}, nil
}

func (r *StaleScriptRule) matches(rec FileRecord) bool {
	now := r.now()
	accessThreshold := now.AddDate(0, 0, -r.thresholds.AccessDays)
	modifyThreshold := subtractMonths(now, r.thresholds.ModifyMonths)
	return rec.AccessTime.After(accessThreshold) && rec.ModTime.Before(modifyThreshold)
}

// subtractMonths moves t back by calendar months, clamping the day to the
// last day of the target month (March 31 minus one month is February 28 or
// 29, not March 3).
func subtractMonths(t time.Time, months int) time.Time {
	if months == 0 {
		return t
	}
	year, month, day := t.Date()
	first := time.Date(year, month-time.Month(months), 1, 0, 0, 0, 0, t.Location())
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
