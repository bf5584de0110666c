package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"stalehunt/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// Progress is a point-in-time view of classification work.
type Progress struct {
	Processed uint64
	InFlight  uint64
}

type Options struct {
	Threshold          time.Duration
	Dir                string
	GoroutineLeak      bool
	ProgressFn         func() Progress
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

// Detector notices when classification stops advancing while files are
// still in flight, which is how a hung file handle shows up, and writes an
// event plus an optional flight recorder window for the operator.
type Detector struct {
	threshold          time.Duration
	dir                string
	goroutineLeak      bool
	progressFn         func() Progress
	dumpFlightRecorder func(path string) error
	nowFn              func() time.Time
	profileLookupFn    func(name string) profileWriter

	mu             sync.Mutex
	lastProcessed  uint64
	lastProgressAt time.Time
	lastDumpAt     time.Time
	stalls         int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewDetector(opts Options) *Detector {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	return &Detector{
		threshold:          opts.Threshold,
		dir:                dir,
		goroutineLeak:      opts.GoroutineLeak,
		progressFn:         opts.ProgressFn,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		nowFn:              nowFn,
		profileLookupFn:    profileLookup,
	}
}

// Start polls progress until ctx ends or Close is called. It does nothing
// when no threshold or progress source is configured.
func (d *Detector) Start(ctx context.Context) {
	if d == nil || d.threshold <= 0 || d.progressFn == nil || d.stopCh != nil {
		return
	}

	d.mu.Lock()
	d.lastProcessed = d.progressFn().Processed
	d.lastProgressAt = d.nowFn()
	d.lastDumpAt = time.Time{}
	d.mu.Unlock()

	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	interval := min(max(d.threshold/2, 250*time.Millisecond), 2*time.Second)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(d.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.check(d.nowFn())
			}
		}
	}()
}

// Close stops polling and writes the goroutine profile when requested.
func (d *Detector) Close() {
	if d == nil {
		return
	}
	if d.stopCh != nil {
		close(d.stopCh)
		<-d.doneCh
		d.stopCh = nil
		d.doneCh = nil
	}
	if d.goroutineLeak {
		if _, err := d.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

// Stalls returns how many stall events were written.
func (d *Detector) Stalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stalls
}

func (d *Detector) check(now time.Time) {
	if d.progressFn == nil || d.threshold <= 0 {
		return
	}
	p := d.progressFn()

	d.mu.Lock()
	if p.Processed != d.lastProcessed || p.InFlight == 0 || d.lastProgressAt.IsZero() {
		d.lastProcessed = p.Processed
		d.lastProgressAt = now
		d.mu.Unlock()
		return
	}
	stalledFor := now.Sub(d.lastProgressAt)
	dump := stalledFor >= d.threshold &&
		(d.lastDumpAt.IsZero() || now.Sub(d.lastDumpAt) >= d.threshold)
	if dump {
		d.lastDumpAt = now
		d.stalls++
	}
	d.mu.Unlock()

	if !dump {
		return
	}
	logger.WithFields(map[string]interface{}{
		"processed":  p.Processed,
		"in_flight":  p.InFlight,
		"stalled_ms": stalledFor.Milliseconds(),
	}).Warn("Classification stalled")
	if err := d.dumpStall(now, p, stalledFor); err != nil {
		logger.Warnf("Diagnostics stall dump failed: %v", err)
	}
}

func (d *Detector) dumpStall(now time.Time, p Progress, stalledFor time.Duration) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	event := map[string]interface{}{
		"event":               "classification_stalled",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"processed":           p.Processed,
		"in_flight":           p.InFlight,
		"threshold_ms":        d.threshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	b, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(d.dir, fmt.Sprintf("stalehunt-stall-%s.json", ts)), b, 0600); err != nil {
		return err
	}

	if d.dumpFlightRecorder != nil {
		tracePath := filepath.Join(d.dir, fmt.Sprintf("stalehunt-flight-%s.out", ts))
		if err := d.dumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (d *Detector) writeProfile(name string, debug int) (string, error) {
	profile := d.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", err
	}
	ts := d.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(d.dir, fmt.Sprintf("stalehunt-%s-profile-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
