package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stalehunt/config"
	"stalehunt/logger"
)

const (
	flushEveryRecords = 64
	flushMaxInterval  = 2 * time.Second
)

type envelope struct {
	RecordType    string      `json:"record_type"`
	SchemaVersion string      `json:"schema_version"`
	ScanID        string      `json:"scan_id,omitempty"`
	Payload       interface{} `json:"payload"`
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

// Writer appends scan records to a rotating NDJSON or CSV file and mirrors
// them to OTLP when an endpoint is configured.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	buf     *bufio.Writer
	csvw    *csv.Writer
	written int64
	base    string
	ext     string
	index   int
	format  string
	maxSize int64
	info    ScanInfo
	metrics *Metrics
	otel    *otelLogger
	closed  bool

	filesScanned     atomic.Int64
	findings         atomic.Int64
	errors           atomic.Int64
	recordsSinceSync int
	lastSyncAt       time.Time
}

func New(cfg *config.Config, info ScanInfo, m *Metrics) (*Writer, error) {
	ext := filepath.Ext(cfg.OutputFileName)
	base := strings.TrimSuffix(cfg.OutputFileName, ext)
	format := strings.ToLower(cfg.OutputFormat)
	if format == "" {
		format = "json"
	}

	w := &Writer{
		metrics: m,
		info:    info,
		base:    base,
		ext:     ext,
		format:  format,
		maxSize: cfg.MaxOutputFileSize,
	}
	otel, err := newOtelLogger(cfg)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
	} else {
		w.otel = otel
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	w.emitRecordLocked(RecordScanInfo, w.info)
	return w, nil
}

// Path returns the file currently being written.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentName()
}

func (w *Writer) currentName() string {
	if w.index > 0 {
		return fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	return w.base + w.ext
}

func (w *Writer) openFile() error {
	f, err := os.OpenFile(w.currentName(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.written = 0
	w.buf = bufio.NewWriterSize(countingWriter{w: f, n: &w.written}, 256*1024)
	w.csvw = nil

	if w.format == "csv" {
		w.csvw = csv.NewWriter(w.buf)
		if err := w.csvw.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.writeRecordLocked(RecordScanInfo, w.info); err != nil {
		return err
	}
	w.recordsSinceSync = 0
	w.lastSyncAt = time.Now()
	return w.flush()
}

// WriteFinding appends one finding record.
func (w *Writer) WriteFinding(rec FindingRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.findings.Add(1)
	w.appendLocked(RecordFinding, rec)
}

// WriteLog appends an error or trace line as a log record.
func (w *Writer) WriteLog(level, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if level == "error" {
		w.errors.Add(1)
	}
	w.appendLocked(RecordLog, LogRecord{
		Level:   level,
		Message: message,
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (w *Writer) appendLocked(recordType string, payload interface{}) {
	if err := w.writeRecordLocked(recordType, payload); err != nil {
		logger.Errorf("Failed to write %s record: %v", recordType, err)
		return
	}
	w.emitRecordLocked(recordType, payload)

	w.recordsSinceSync++
	if w.shouldSync() {
		if err := w.flush(); err != nil {
			logger.Errorf("Failed to flush output: %v", err)
		}
		w.recordsSinceSync = 0
		w.lastSyncAt = time.Now()
	}

	if w.maxSize > 0 && w.written+int64(w.buf.Buffered()) >= w.maxSize {
		if err := w.rotate(); err != nil {
			logger.Errorf("Failed to rotate output: %v", err)
		}
	}
}

func (w *Writer) shouldSync() bool {
	if w.recordsSinceSync == 1 || w.recordsSinceSync >= flushEveryRecords {
		return true
	}
	return time.Since(w.lastSyncAt) >= flushMaxInterval
}

// IncrementScanned counts a file handed to classification.
func (w *Writer) IncrementScanned() {
	w.filesScanned.Add(1)
}

func (w *Writer) FilesScanned() int64 { return w.filesScanned.Load() }

func (w *Writer) Findings() int64 { return w.findings.Load() }

func (w *Writer) Errors() int64 { return w.errors.Load() }

// SetMetrics replaces the trailing metrics record. Finding and error counts
// come from the writer itself.
func (w *Writer) SetMetrics(m Metrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m.Findings = int(w.findings.Load())
	m.Errors = int(w.errors.Load())
	if m.FilesDispatched == 0 {
		m.FilesDispatched = int(w.filesScanned.Load())
	}
	w.metrics = &m
}

// Close writes the metrics record and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.metrics != nil {
		if err := w.writeRecordLocked(RecordMetrics, w.metrics); err != nil {
			logger.Errorf("Failed to write metrics record: %v", err)
		}
		w.emitRecordLocked(RecordMetrics, w.metrics)
	}
	err := w.closeFile()
	if w.otel != nil {
		w.otel.Shutdown()
	}
	return err
}

func (w *Writer) rotate() error {
	if err := w.closeFile(); err != nil {
		return err
	}
	w.index++
	return w.openFile()
}

func (w *Writer) closeFile() error {
	if err := w.flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		logger.Debugf("Failed to sync %s: %v", w.file.Name(), err)
	}
	return w.file.Close()
}

func (w *Writer) flush() error {
	if w.csvw != nil {
		w.csvw.Flush()
		if err := w.csvw.Error(); err != nil {
			return err
		}
	}
	if w.buf != nil {
		return w.buf.Flush()
	}
	return nil
}

func (w *Writer) writeRecordLocked(recordType string, payload interface{}) error {
	if w.format == "csv" {
		return w.csvw.Write(csvRow(recordType, w.info.ScanID, payload))
	}
	line, err := jsonMarshal(envelope{
		RecordType:    recordType,
		SchemaVersion: SchemaVersion,
		ScanID:        w.info.ScanID,
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *Writer) emitRecordLocked(recordType string, payload interface{}) {
	if w.otel == nil {
		return
	}
	w.otel.Emit(recordType, payload)
}

var csvHeader = []string{
	"record_type",
	"schema_version",
	"scan_id",
	"path",
	"name",
	"extension",
	"size",
	"access_time",
	"mod_time",
	"rule",
	"severity",
	"labels",
	"context",
	"permissions",
	"can_read",
	"can_write",
	"can_modify_attributes",
	"launch_hint",
	"hashes",
	"level",
	"message",
	"scan_info",
	"metrics",
}

func csvRow(recordType, scanID string, payload interface{}) []string {
	row := make([]string, len(csvHeader))
	row[0] = recordType
	row[1] = SchemaVersion
	row[2] = scanID
	switch p := payload.(type) {
	case FindingRecord:
		row[3] = p.Path
		row[4] = p.Name
		row[5] = p.Extension
		row[6] = strconv.FormatInt(p.Size, 10)
		row[7] = p.AccessTime
		row[8] = p.ModTime
		row[9] = p.Rule
		row[10] = p.Severity
		row[11] = joinLabels(p.Labels)
		row[12] = p.Context
		row[13] = p.Permissions
		row[14] = strconv.FormatBool(p.CanRead)
		row[15] = strconv.FormatBool(p.CanWrite)
		row[16] = strconv.FormatBool(p.CanModify)
		row[17] = p.LaunchHint
		row[18] = jsonString(p.Hashes)
	case LogRecord:
		row[19] = p.Level
		row[20] = p.Message
	case ScanInfo:
		row[21] = jsonString(p)
	case *Metrics:
		row[22] = jsonString(p)
	case Metrics:
		row[22] = jsonString(p)
	}
	return row
}

func jsonString(value interface{}) string {
	if value == nil {
		return ""
	}
	if m, ok := value.(map[string]string); ok && len(m) == 0 {
		return ""
	}
	bytes, err := jsonMarshal(value)
	if err != nil {
		return ""
	}
	return string(bytes)
}
