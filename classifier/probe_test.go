package classifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, name string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("echo hi\r\n"), perm); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFSProberOwnedFile(t *testing.T) {
	path := writeTempFile(t, "run.cmd", 0600)
	caps := NewFSProber(time.Second).Probe(context.Background(), path)
	if !caps.CanRead || !caps.CanWrite || !caps.CanModifyAttributes {
		t.Fatalf("expected full access on owned file, got %+v", caps)
	}
}

func TestFSProberReadOnlyFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file mode bits")
	}
	path := writeTempFile(t, "run.bat", 0400)
	if err := os.Chmod(path, 0400); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(path, 0600) })

	caps := NewFSProber(time.Second).Probe(context.Background(), path)
	if !caps.CanRead {
		t.Fatal("expected read access")
	}
	if caps.CanWrite {
		t.Fatal("expected no write access on read-only file")
	}
}

func TestFSProberMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.ps1")
	caps := NewFSProber(time.Second).Probe(context.Background(), path)
	if caps != (AccessCapabilities{}) {
		t.Fatalf("expected no capabilities for missing file, got %+v", caps)
	}
}

func TestFSProberPreservesTimestamps(t *testing.T) {
	path := writeTempFile(t, "keep.vbs", 0600)
	mod := time.Now().AddDate(-1, 0, 0).Truncate(time.Second)
	access := time.Now().AddDate(0, 0, -3).Truncate(time.Second)
	if err := os.Chtimes(path, access, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	prober := NewFSProber(time.Second)
	first := prober.Probe(context.Background(), path)
	second := prober.Probe(context.Background(), path)
	if first != second {
		t.Fatalf("repeated probes differ: %+v vs %+v", first, second)
	}

	rec, err := Resolve(path)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !rec.ModTime.Equal(mod) {
		t.Fatalf("mod time changed: %s -> %s", mod, rec.ModTime)
	}
	if rec.Size != int64(len("echo hi\r\n")) {
		t.Fatalf("content changed, size %d", rec.Size)
	}
}

func TestFSProberChecksAreIndependent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	p := &FSProber{
		timeout: 50 * time.Millisecond,
		read:    func(string) error { return errors.New("denied") },
		write: func(string) error {
			<-release
			return nil
		},
		modify: func(string) error { return nil },
	}
	caps := p.Probe(context.Background(), "/unused")
	if caps.CanRead || caps.CanWrite || !caps.CanModifyAttributes {
		t.Fatalf("expected only modify, got %+v", caps)
	}

	p.write = func(string) error { panic("boom") }
	p.read = func(string) error { return nil }
	caps = p.Probe(context.Background(), "/unused")
	if !caps.CanRead || caps.CanWrite || !caps.CanModifyAttributes {
		t.Fatalf("panicking write check should only clear write, got %+v", caps)
	}
}

func TestFSProberIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &FSProber{
		timeout: time.Second,
		read:    func(string) error { return nil },
		write: func(string) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		},
		modify: func(string) error { return nil },
	}
	caps := p.Probe(ctx, "/unused")
	if caps.Code() != "RWM" {
		t.Fatalf("cancelled caller should not abort probes, got %q", caps.Code())
	}
}
