package diag

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"stalehunt/logger"
)

func init() {
	logger.Init("error")
}

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

func TestCheckWritesStallArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	d := NewDetector(Options{
		Threshold:  2 * time.Second,
		Dir:        dir,
		ProgressFn: func() Progress { return Progress{Processed: 42, InFlight: 3} },
		DumpFlightRecorder: func(path string) error {
			return os.WriteFile(path, []byte("flight"), 0600)
		},
		NowFn: func() time.Time { return now },
	})
	d.lastProcessed = 42
	d.lastProgressAt = now

	d.check(now.Add(time.Second))
	if d.Stalls() != 0 {
		t.Fatal("expected no stall below threshold")
	}
	d.check(now.Add(3 * time.Second))
	d.check(now.Add(4 * time.Second))
	if d.Stalls() != 1 {
		t.Fatalf("expected one stall event per threshold window, got %d", d.Stalls())
	}

	events, _ := filepath.Glob(filepath.Join(dir, "stalehunt-stall-*.json"))
	if len(events) != 1 {
		t.Fatalf("expected one stall event file, got %v", events)
	}
	data, err := os.ReadFile(events[0])
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event["event"] != "classification_stalled" || event["in_flight"] != float64(3) {
		t.Fatalf("unexpected event %v", event)
	}
	flights, _ := filepath.Glob(filepath.Join(dir, "stalehunt-flight-*.out"))
	if len(flights) != 1 {
		t.Fatalf("expected flight recorder artifact, got %v", flights)
	}
}

func TestCheckIgnoresIdleAndAdvancingScans(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	var processed, inFlight atomic.Uint64
	d := NewDetector(Options{
		Threshold:  time.Second,
		Dir:        t.TempDir(),
		ProgressFn: func() Progress { return Progress{Processed: processed.Load(), InFlight: inFlight.Load()} },
		NowFn:      func() time.Time { return now },
	})
	d.lastProgressAt = now

	d.check(now.Add(5 * time.Second))
	if d.Stalls() != 0 {
		t.Fatal("nothing in flight must not count as a stall")
	}

	inFlight.Store(1)
	for i := 1; i <= 5; i++ {
		processed.Add(1)
		d.check(now.Add(time.Duration(5+i) * time.Second))
	}
	if d.Stalls() != 0 {
		t.Fatal("advancing scan must not count as a stall")
	}
}

func TestStartAndCloseWithoutThreshold(t *testing.T) {
	d := NewDetector(Options{ProgressFn: func() Progress { return Progress{} }})
	d.Start(context.Background())
	if d.stopCh != nil {
		t.Fatal("expected no poller without threshold")
	}
	d.Close()

	var nilDetector *Detector
	nilDetector.Start(context.Background())
	nilDetector.Close()
}

func TestStartPollsUntilClose(t *testing.T) {
	d := NewDetector(Options{
		Threshold:  10 * time.Millisecond,
		Dir:        t.TempDir(),
		ProgressFn: func() Progress { return Progress{Processed: 1, InFlight: 1} },
	})
	d.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for d.Stalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	d.Close()
	if d.Stalls() == 0 {
		t.Fatal("expected the poller to report a stall")
	}
}

func TestWriteProfileAvailableAndUnavailable(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	d := NewDetector(Options{
		Dir:   t.TempDir(),
		NowFn: func() time.Time { return now },
		ProfileLookupFn: func(name string) profileWriter {
			if name == "goroutine" {
				return fakeProfileWriter{content: "goroutine-profile"}
			}
			return nil
		},
	})

	path, err := d.writeProfile("goroutine", 0)
	if err != nil {
		t.Fatalf("write available profile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written profile: %v", err)
	}
	if string(data) != "goroutine-profile" {
		t.Fatalf("unexpected profile content: %q", string(data))
	}
	if _, err := d.writeProfile("heap-missing", 0); err == nil {
		t.Fatal("expected unavailable profile to return error")
	}
}

func TestCloseWritesGoroutineProfileWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	d := NewDetector(Options{
		Dir:           dir,
		GoroutineLeak: true,
		ProfileLookupFn: func(name string) profileWriter {
			return fakeProfileWriter{content: "leak-profile"}
		},
	})
	d.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "stalehunt-goroutine-profile-*.pprof"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 goroutine profile file, got %d", len(matches))
	}
}
