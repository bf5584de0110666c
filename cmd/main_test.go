package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"stalehunt/logger"
	"stalehunt/rules"
	"stalehunt/version"
)

func init() {
	logger.Init("error")
}

type cmdRecord struct {
	RecordType string          `json:"record_type"`
	ScanID     string          `json:"scan_id"`
	Payload    json.RawMessage `json:"payload"`
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func readRecords(t *testing.T, path string) []cmdRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	var recs []cmdRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec cmdRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("read output: %v", err)
	}
	return recs
}

func TestHandleSignalEventCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)

	done := make(chan struct{})
	go func() {
		handleSignalEvent(ctx, cancel, false, "", sigChan)
		close(done)
	}()

	sigChan <- syscall.SIGTERM

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected context to be canceled")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return")
	}
}

func TestHandleSignalEventReturnsWhenScanEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		handleSignalEvent(ctx, cancel, false, "", make(chan os.Signal))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler did not return after cancel")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "stalehunt "+version.Version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRulesCommandListsChain(t *testing.T) {
	out, err := execute(t, "rules")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	for _, want := range []string{"KeepassDatabase", "InlinePassword", "StaleScript", "stale_script"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRulesCommandSpecialized(t *testing.T) {
	out, err := execute(t, "rules", "--mode", "specialized")
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "StaleScript") {
		t.Fatalf("expected header and one rule, got:\n%s", out)
	}

	if _, err := execute(t, "rules", "--mode", "specialized", "--rule", "NoSuchRule"); err == nil {
		t.Fatal("expected unknown designated rule to fail")
	}
}

func TestRulesCommandDumpRoundTrips(t *testing.T) {
	out, err := execute(t, "rules", "--dump")
	if err != nil {
		t.Fatalf("rules --dump: %v", err)
	}
	f, err := rules.Parse([]byte(out))
	if err != nil {
		t.Fatalf("dumped catalogue does not parse: %v", err)
	}
	if len(f.Rules) != len(rules.Default().Rules) {
		t.Fatalf("expected %d rules, got %d", len(rules.Default().Rules), len(f.Rules))
	}
}

func TestScanCommandWritesFindings(t *testing.T) {
	t.Setenv("STALEHUNT_DISABLE_PROGRESS", "1")
	root := t.TempDir()
	now := time.Now()
	files := map[string]time.Time{
		"stale.ps1": now.AddDate(-1, 0, 0),
		"fresh.ps1": now.Add(-time.Hour),
	}
	for name, mtime := range files {
		path := filepath.Join(root, name)
		if err := os.WriteFile(path, []byte("Write-Host"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if err := os.Chtimes(path, now.Add(-time.Hour), mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}
	outPath := filepath.Join(t.TempDir(), "scan.ndjson")

	if _, err := execute(t, "scan",
		"--path", root,
		"--output", outPath,
		"--log-level", "error",
		"--collect-system-info=false",
		"--hash-findings",
	); err != nil {
		t.Fatalf("scan: %v", err)
	}

	recs := readRecords(t, outPath)
	if len(recs) < 3 {
		t.Fatalf("expected scan_info, finding and metrics, got %d records", len(recs))
	}
	if recs[0].RecordType != "scan_info" || recs[len(recs)-1].RecordType != "metrics" {
		t.Fatalf("unexpected record order: first %s last %s", recs[0].RecordType, recs[len(recs)-1].RecordType)
	}
	if recs[0].ScanID == "" {
		t.Fatal("expected scan id on records")
	}

	var findings []map[string]interface{}
	for _, rec := range recs {
		if rec.ScanID != recs[0].ScanID {
			t.Fatalf("scan id changed mid-file: %s", rec.ScanID)
		}
		if rec.RecordType != "finding" {
			continue
		}
		var f map[string]interface{}
		if err := json.Unmarshal(rec.Payload, &f); err != nil {
			t.Fatalf("decode finding: %v", err)
		}
		findings = append(findings, f)
	}
	if len(findings) != 1 || findings[0]["name"] != "stale.ps1" {
		t.Fatalf("expected one finding for stale.ps1, got %+v", findings)
	}
	if _, ok := findings[0]["hashes"]; !ok {
		t.Fatalf("expected hashes on finding, got %+v", findings[0])
	}

	var metrics map[string]interface{}
	if err := json.Unmarshal(recs[len(recs)-1].Payload, &metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if metrics["files_matched"] != float64(1) || metrics["files_dispatched"] != float64(2) {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestScanCommandRejectsInvalidMode(t *testing.T) {
	if _, err := execute(t, "scan", "--mode", "sideways", "--log-level", "error"); err == nil {
		t.Fatal("expected invalid mode to fail")
	}
}
