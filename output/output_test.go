package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stalehunt/classifier"
	"stalehunt/config"
	"stalehunt/logger"
	"stalehunt/systeminfo"
)

func init() {
	logger.Init("error")
}

type ndjsonTestRecord struct {
	RecordType    string          `json:"record_type"`
	SchemaVersion string          `json:"schema_version"`
	ScanID        string          `json:"scan_id"`
	Payload       json.RawMessage `json:"payload"`
}

func testScanInfo() ScanInfo {
	return ScanInfo{
		ScanID:       "scan-1",
		StartTime:    "2026-05-20T12:00:00Z",
		Mode:         "specialized",
		Rule:         classifier.StaleScriptRuleName,
		AccessDays:   7,
		ModifyMonths: 6,
		StartPaths:   []string{"/srv"},
		System:       &systeminfo.SystemInfo{Hostname: "build-01"},
	}
}

func testFinding(path string) classifier.Finding {
	return classifier.Finding{
		Source: classifier.FileRecord{
			Path:       path,
			Name:       filepath.Base(path),
			Extension:  filepath.Ext(path),
			Size:       12,
			AccessTime: time.Date(2026, 5, 18, 0, 0, 0, 0, time.UTC),
			ModTime:    time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		},
		Rule:          classifier.RuleDescriptor{Name: classifier.StaleScriptRuleName, Severity: classifier.Red},
		MatchedLabels: []string{classifier.StaleScriptLabel},
		Context:       "Permissions: RWM",
		Capabilities:  classifier.AccessCapabilities{CanRead: true, CanWrite: true, CanModifyAttributes: true},
		LaunchHint:    "start /B COMMAND",
	}
}

func newTestWriter(t *testing.T, cfg *config.Config) *Writer {
	t.Helper()
	if cfg.OutputFileName == "" {
		cfg.OutputFileName = filepath.Join(t.TempDir(), "out.ndjson")
	}
	w, err := New(cfg, testScanInfo(), &Metrics{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return w
}

func TestOutputLifecycle(t *testing.T) {
	cfg := &config.Config{OutputFormat: "json"}
	w := newTestWriter(t, cfg)

	w.WriteFinding(NewFindingRecord(testFinding("/srv/run.bat"), nil))
	w.WriteLog("error", "Error in StaleScript rule processing file /srv/x.ps1: boom")
	w.SetMetrics(Metrics{TotalFiles: 4})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readNDJSONRecords(t, cfg.OutputFileName)
	if len(records) != 4 {
		t.Fatalf("expected scan_info, finding, log and metrics records, got %d", len(records))
	}
	wantTypes := []string{RecordScanInfo, RecordFinding, RecordLog, RecordMetrics}
	for i, want := range wantTypes {
		if records[i].RecordType != want {
			t.Fatalf("record %d: expected %s, got %s", i, want, records[i].RecordType)
		}
		if records[i].SchemaVersion != SchemaVersion || records[i].ScanID != "scan-1" {
			t.Fatalf("record %d: unexpected envelope %+v", i, records[i])
		}
	}

	var finding FindingRecord
	if err := json.Unmarshal(records[1].Payload, &finding); err != nil {
		t.Fatalf("decode finding: %v", err)
	}
	if finding.Severity != "red" || finding.Permissions != "RWM" || finding.LaunchHint != "start /B COMMAND" {
		t.Fatalf("unexpected finding payload %+v", finding)
	}
	if finding.ModTime != "2025-01-02T00:00:00Z" {
		t.Fatalf("unexpected mod time %q", finding.ModTime)
	}

	var metrics Metrics
	if err := json.Unmarshal(records[3].Payload, &metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if metrics.TotalFiles != 4 || metrics.Findings != 1 || metrics.Errors != 1 {
		t.Fatalf("unexpected metrics %+v", metrics)
	}

	w.WriteFinding(NewFindingRecord(testFinding("/srv/late.bat"), nil))
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := len(readNDJSONRecords(t, cfg.OutputFileName)); got != 4 {
		t.Fatalf("expected writes after close to be dropped, got %d records", got)
	}
}

func TestWriteFindingConcurrent(t *testing.T) {
	cfg := &config.Config{OutputFormat: "json"}
	w := newTestWriter(t, cfg)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.WriteFinding(NewFindingRecord(testFinding(fmt.Sprintf("/srv/job-%d.ps1", i)), nil))
		}(i)
	}
	wg.Wait()
	w.Close()

	content, err := os.ReadFile(cfg.OutputFileName)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range 20 {
		if !strings.Contains(string(content), fmt.Sprintf("job-%d.ps1", i)) {
			t.Fatalf("missing entry %d", i)
		}
	}
	if w.Findings() != 20 {
		t.Fatalf("expected 20 findings, got %d", w.Findings())
	}
}

func TestOutputRotation(t *testing.T) {
	base := filepath.Join(t.TempDir(), "out.ndjson")
	cfg := &config.Config{OutputFileName: base, OutputFormat: "json", MaxOutputFileSize: 1024}
	w := newTestWriter(t, cfg)

	f := testFinding("/srv/rotate.cmd")
	f.Context = strings.Repeat("a", 600)
	for i := 0; i < 5; i++ {
		w.WriteFinding(NewFindingRecord(f, nil))
	}
	w.Close()

	if _, err := os.Stat(base); err != nil {
		t.Fatalf("missing base file: %v", err)
	}
	rotated := strings.TrimSuffix(base, ".ndjson") + ".1.ndjson"
	records := readNDJSONRecords(t, rotated)
	if len(records) == 0 || records[0].RecordType != RecordScanInfo {
		t.Fatalf("expected rotated file to start with scan_info, got %+v", records)
	}
}

func TestCSVOutput(t *testing.T) {
	cfg := &config.Config{OutputFileName: filepath.Join(t.TempDir(), "out.csv"), OutputFormat: "csv"}
	w := newTestWriter(t, cfg)
	rec := NewFindingRecord(testFinding("/srv/run.vbs"), map[string]string{"sha256": "abc"})
	rec.Labels = []string{"a", "b"}
	w.WriteFinding(rec)
	w.Close()

	f, err := os.Open(cfg.OutputFileName)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header, scan_info, finding and metrics rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[3][0] != RecordMetrics || rows[3][22] == "" {
		t.Fatalf("unexpected metrics row %v", rows[3])
	}
	row := rows[2]
	if row[0] != RecordFinding || row[2] != "scan-1" || row[3] != "/srv/run.vbs" {
		t.Fatalf("unexpected finding row %v", row)
	}
	if row[11] != "a;b" || row[13] != "RWM" || row[18] != `{"sha256":"abc"}` {
		t.Fatalf("unexpected finding columns %v", row)
	}
}

func TestIncrementScanned(t *testing.T) {
	w := &Writer{metrics: &Metrics{}}
	w.IncrementScanned()
	if got := w.FilesScanned(); got != 1 {
		t.Fatalf("expected FilesScanned=1, got %d", got)
	}
}

func TestShouldSync(t *testing.T) {
	w := &Writer{recordsSinceSync: 1, lastSyncAt: time.Now()}
	if !w.shouldSync() {
		t.Fatal("expected sync on first record")
	}

	w.recordsSinceSync = flushEveryRecords
	if !w.shouldSync() {
		t.Fatal("expected sync at flush threshold")
	}

	w.recordsSinceSync = 2
	w.lastSyncAt = time.Now().Add(-flushMaxInterval - time.Millisecond)
	if !w.shouldSync() {
		t.Fatal("expected time-based sync")
	}

	w.recordsSinceSync = 2
	w.lastSyncAt = time.Now()
	if w.shouldSync() {
		t.Fatal("expected no sync when below thresholds")
	}
}

func TestSetMetricsUsesAtomicCounters(t *testing.T) {
	w := &Writer{}
	w.filesScanned.Store(3)
	w.findings.Store(2)
	w.errors.Store(1)

	w.SetMetrics(Metrics{TotalFiles: 10})
	if w.metrics == nil {
		t.Fatal("expected metrics to be set")
	}
	if w.metrics.TotalFiles != 10 || w.metrics.FilesDispatched != 3 {
		t.Fatalf("unexpected metrics %+v", w.metrics)
	}
	if w.metrics.Findings != 2 || w.metrics.Errors != 1 {
		t.Fatalf("expected counters from writer, got %+v", w.metrics)
	}

	w.SetMetrics(Metrics{FilesDispatched: 7})
	if w.metrics.FilesDispatched != 7 {
		t.Fatalf("expected explicit FilesDispatched to win, got %d", w.metrics.FilesDispatched)
	}
}

type memoryWriter struct {
	mu       sync.Mutex
	findings []FindingRecord
	logs     []LogRecord
}

func (m *memoryWriter) WriteFinding(rec FindingRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings = append(m.findings, rec)
}

func (m *memoryWriter) WriteLog(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, LogRecord{Level: level, Message: message})
}

func TestQueuePreservesPublisherOrder(t *testing.T) {
	mw := &memoryWriter{}
	q := NewQueue(mw, QueueOptions{Size: 2, LogRecords: true})

	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range 50 {
				q.Trace(fmt.Sprintf("%d:%d", p, i))
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	if len(mw.logs) != 200 {
		t.Fatalf("expected 200 log records, got %d", len(mw.logs))
	}
	next := make(map[int]int)
	for _, rec := range mw.logs {
		var p, i int
		if _, err := fmt.Sscanf(rec.Message, "%d:%d", &p, &i); err != nil {
			t.Fatalf("bad message %q: %v", rec.Message, err)
		}
		if i != next[p] {
			t.Fatalf("publisher %d out of order: got %d want %d", p, i, next[p])
		}
		next[p]++
	}
}

func TestQueueRoutesMessages(t *testing.T) {
	mw := &memoryWriter{}
	q := NewQueue(mw, QueueOptions{})

	q.Trace("Skipping /srv/gone.bat: file does not exist")
	q.Error("Error in StaleScript rule processing file /srv/x.ps1: boom")
	q.Finding(testFinding("/srv/run.bat"))
	q.Close()
	q.Close()

	if len(mw.logs) != 1 || mw.logs[0].Level != "error" {
		t.Fatalf("expected only the error as a log record without LogRecords, got %+v", mw.logs)
	}
	if len(mw.findings) != 1 || mw.findings[0].Path != "/srv/run.bat" {
		t.Fatalf("unexpected findings %+v", mw.findings)
	}
	if mw.findings[0].Hashes != nil {
		t.Fatalf("expected no hashes when hashing disabled, got %v", mw.findings[0].Hashes)
	}

	q.Finding(testFinding("/srv/late.bat"))
	if len(mw.findings) != 1 {
		t.Fatal("expected publish after close to be dropped")
	}
}

func TestQueueHashesMatchedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.ps1")
	if err := os.WriteFile(path, []byte("hello world"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	mw := &memoryWriter{}
	q := NewQueue(mw, QueueOptions{HashAlgorithms: []string{"sha256"}})
	q.Finding(testFinding(path))
	q.Close()

	if len(mw.findings) != 1 {
		t.Fatalf("expected one finding, got %d", len(mw.findings))
	}
	if got := mw.findings[0].Hashes["sha256"]; got != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected sha256 %q", got)
	}
}

func readNDJSONRecords(t *testing.T, path string) []ndjsonTestRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var records []ndjsonTestRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec ndjsonTestRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode ndjson: %v", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan ndjson: %v", err)
	}
	return records
}

type flakyWriter struct {
	memoryWriter
	failOn string
}

func (f *flakyWriter) WriteLog(level, message string) {
	if message == f.failOn {
		panic("disk full")
	}
	f.memoryWriter.WriteLog(level, message)
}

func TestQueueKeepsDrainingAfterWriterPanic(t *testing.T) {
	fw := &flakyWriter{failOn: "boom"}
	q := NewQueue(fw, QueueOptions{Size: 1, LogRecords: true})

	done := make(chan struct{})
	go func() {
		q.Trace("before")
		q.Trace("boom")
		for i := range 10 {
			q.Trace(fmt.Sprintf("after %d", i))
		}
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue stalled after a writer panic")
	}
	if len(fw.logs) != 11 {
		t.Fatalf("expected every record except the failing one, got %d", len(fw.logs))
	}
	if fw.logs[0].Message != "before" || fw.logs[10].Message != "after 9" {
		t.Fatalf("unexpected records %+v", fw.logs)
	}
}
