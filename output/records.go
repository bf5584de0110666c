package output

import (
	"strings"
	"time"

	"stalehunt/classifier"
	"stalehunt/systeminfo"
)

const SchemaVersion = "1.0.0"

// Record types written to the output stream.
const (
	RecordScanInfo = "scan_info"
	RecordFinding  = "finding"
	RecordLog      = "log"
	RecordMetrics  = "metrics"
)

type Metrics struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	TotalFiles      int    `json:"total_files"`
	FilesDispatched int    `json:"files_dispatched"`
	FilesMatched    int    `json:"files_matched"`
	FilesSkipped    int    `json:"files_skipped"`
	FilesFaulted    int    `json:"files_faulted"`
	Findings        int    `json:"findings"`
	Errors          int    `json:"errors"`
}

// ScanInfo is the first record of every output file.
type ScanInfo struct {
	ScanID       string                 `json:"scan_id"`
	StartTime    string                 `json:"start_time"`
	Version      string                 `json:"version"`
	Mode         string                 `json:"mode"`
	Rule         string                 `json:"rule"`
	AccessDays   int                    `json:"access_days"`
	ModifyMonths int                    `json:"modify_months"`
	RulesFile    string                 `json:"rules_file,omitempty"`
	StartPaths   []string               `json:"start_paths"`
	System       *systeminfo.SystemInfo `json:"system,omitempty"`
}

type FindingRecord struct {
	Path         string            `json:"path"`
	Name         string            `json:"name"`
	Extension    string            `json:"extension,omitempty"`
	Size         int64             `json:"size"`
	AccessTime   string            `json:"access_time"`
	ModTime      string            `json:"mod_time"`
	ChangeTime   string            `json:"change_time,omitempty"`
	CreationTime string            `json:"creation_time,omitempty"`
	Rule         string            `json:"rule"`
	Severity     string            `json:"severity"`
	Labels       []string          `json:"labels"`
	Context      string            `json:"context"`
	Permissions  string            `json:"permissions"`
	CanRead      bool              `json:"can_read"`
	CanWrite     bool              `json:"can_write"`
	CanModify    bool              `json:"can_modify_attributes"`
	LaunchHint   string            `json:"launch_hint,omitempty"`
	Hashes       map[string]string `json:"hashes,omitempty"`
	ObservedAt   string            `json:"observed_at"`
}

type LogRecord struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

func NewFindingRecord(f classifier.Finding, hashes map[string]string) FindingRecord {
	src := f.Source
	return FindingRecord{
		Path:         src.Path,
		Name:         src.Name,
		Extension:    src.Extension,
		Size:         src.Size,
		AccessTime:   formatTime(src.AccessTime),
		ModTime:      formatTime(src.ModTime),
		ChangeTime:   formatTime(src.ChangeTime),
		CreationTime: formatTime(src.BirthTime),
		Rule:         f.Rule.Name,
		Severity:     f.Rule.Severity.String(),
		Labels:       append([]string(nil), f.MatchedLabels...),
		Context:      f.Context,
		Permissions:  f.Capabilities.Code(),
		CanRead:      f.Capabilities.CanRead,
		CanWrite:     f.Capabilities.CanWrite,
		CanModify:    f.Capabilities.CanModifyAttributes,
		LaunchHint:   f.LaunchHint,
		Hashes:       hashes,
		ObservedAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func joinLabels(labels []string) string {
	return strings.Join(labels, ";")
}
