package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"stalehunt/classifier"
	"stalehunt/tracing"
)

// Mode selects how a scan classifies each file. A scan runs in exactly one
// mode.
type Mode int

const (
	// Specialized runs one designated rule per file.
	Specialized Mode = iota
	// General runs the ordered rule chain, first match wins.
	General
)

func (m Mode) String() string {
	switch m {
	case Specialized:
		return "specialized"
	case General:
		return "general"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "specialized", "specialised", "single":
		return Specialized, nil
	case "general", "chain":
		return General, nil
	}
	return 0, fmt.Errorf("invalid mode %q (want specialized or general)", s)
}

// Outcome is the terminal state of one classification.
type Outcome int

const (
	NoMatch Outcome = iota
	Matched
	Skipped
	Faulted
)

func (o Outcome) String() string {
	switch o {
	case NoMatch:
		return "no-match"
	case Matched:
		return "matched"
	case Skipped:
		return "skipped"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// ResolveFunc turns a path into a fresh FileRecord.
type ResolveFunc func(path string) (classifier.FileRecord, error)

// Options is the per-scan snapshot a Dispatcher is built from. It is copied
// at construction and never read again.
type Options struct {
	Mode       Mode
	Designated classifier.Rule
	Chain      *classifier.Chain
	Resolve    ResolveFunc
}

// Stats is a point-in-time copy of the dispatcher counters.
type Stats struct {
	Dispatched uint64
	Processed  uint64
	Matched    uint64
	Skipped    uint64
	Faulted    uint64
}

// Dispatcher is the per-file entry point of a scan. It is safe for
// concurrent use; the only shared state it touches is its sink and its
// counters.
type Dispatcher struct {
	sink    classifier.Sink
	mode    Mode
	rule    classifier.Rule
	resolve ResolveFunc

	dispatched atomic.Uint64
	processed  atomic.Uint64
	matched    atomic.Uint64
	skipped    atomic.Uint64
	faulted    atomic.Uint64
}

var (
	ErrNoDesignatedRule = errors.New("specialized mode requires a designated rule")
	ErrEmptyChain       = errors.New("general mode requires at least one rule")
)

func New(sink classifier.Sink, opts Options) (*Dispatcher, error) {
	if sink == nil {
		sink = classifier.Discard
	}
	d := &Dispatcher{
		sink:    sink,
		mode:    opts.Mode,
		resolve: opts.Resolve,
	}
	if d.resolve == nil {
		d.resolve = classifier.Resolve
	}
	switch opts.Mode {
	case Specialized:
		if opts.Designated == nil {
			return nil, ErrNoDesignatedRule
		}
		d.rule = opts.Designated
	case General:
		if opts.Chain.Len() == 0 {
			return nil, ErrEmptyChain
		}
		d.rule = opts.Chain
	default:
		return nil, fmt.Errorf("unknown mode %s", opts.Mode)
	}
	return d, nil
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// RuleName is the designated rule in specialized mode or "chain".
func (d *Dispatcher) RuleName() string { return d.rule.Name() }

// Dispatch classifies one file and publishes any finding to the sink. It
// never panics and never returns an error; problems are reported to the sink.
func (d *Dispatcher) Dispatch(ctx context.Context, path string) {
	d.dispatched.Add(1)
	ctx, endTask := tracing.StartTask(ctx, "dispatch")
	defer endTask()
	defer func() {
		if r := recover(); r != nil {
			d.faulted.Add(1)
			d.report(
				fmt.Sprintf("Unhandled fault classifying %s: %v", path, r),
				fmt.Sprintf("%s: %v\n%s", path, r, debug.Stack()),
			)
		}
		d.processed.Add(1)
	}()

	switch d.classify(ctx, path) {
	case Matched:
		d.matched.Add(1)
	case Skipped:
		d.skipped.Add(1)
	case Faulted:
		d.faulted.Add(1)
	}
}

func (d *Dispatcher) classify(ctx context.Context, path string) Outcome {
	rec, err := d.resolve(path)
	if err != nil {
		if classifier.IsChurn(err) {
			d.sink.Trace(fmt.Sprintf("Skipping %s: %v", path, err))
		} else {
			d.sink.Trace(fmt.Sprintf("Unable to resolve %s: %v", path, err))
		}
		return Skipped
	}

	defer tracing.StartRegion(ctx, "evaluate")()
	finding, err := d.rule.Evaluate(ctx, rec)
	if err != nil {
		name := d.rule.Name()
		var re *classifier.RuleError
		if errors.As(err, &re) {
			name = re.Rule
		}
		d.sink.Error(fmt.Sprintf("Error in %s rule processing file %s: %s", name, rec.Path, headline(err)))
		d.sink.Trace(fmt.Sprintf("%s: %+v", rec.Path, err))
		return Faulted
	}
	if finding == nil {
		return NoMatch
	}
	d.sink.Finding(*finding)
	return Matched
}

// report publishes a fault from the recover path. A sink that panics here
// is ignored so nothing escapes Dispatch.
func (d *Dispatcher) report(errMsg, traceMsg string) {
	defer func() { _ = recover() }()
	d.sink.Error(errMsg)
	d.sink.Trace(traceMsg)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Processed:  d.processed.Load(),
		Matched:    d.matched.Load(),
		Skipped:    d.skipped.Load(),
		Faulted:    d.faulted.Load(),
	}
}

// Processed is the number of Dispatch calls that have returned.
func (d *Dispatcher) Processed() uint64 { return d.processed.Load() }

// InFlight is the number of Dispatch calls currently running.
func (d *Dispatcher) InFlight() uint64 {
	processed := d.processed.Load()
	dispatched := d.dispatched.Load()
	if dispatched < processed {
		return 0
	}
	return dispatched - processed
}

func headline(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
