package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"stalehunt/classifier"
	"stalehunt/dispatch"
	"stalehunt/hasher"

	"github.com/spf13/pflag"
)

type Config struct {
	StartPaths            []string          `json:"start_paths"`
	AllDrives             bool              `json:"all_drives"`
	Mode                  string            `json:"mode"`
	SpecializedRule       string            `json:"specialized_rule"`
	AccessDays            int               `json:"access_days"`
	ModifyMonths          int               `json:"modify_months"`
	RulesFile             string            `json:"rules_file"`
	ProbeTimeout          time.Duration     `json:"probe_timeout"`
	CollectSystemInfo     bool              `json:"collect_system_info"`
	OutputFormat          string            `json:"output_format"`
	OutputFileName        string            `json:"output_file_name"`
	ConcurrencyLevel      int               `json:"concurrency_level"`
	NiceLevel             string            `json:"nice_level"`
	HashFindings          bool              `json:"hash_findings"`
	HashAlgorithms        []string          `json:"hash_algorithms"`
	IncludePatterns       []string          `json:"include_patterns"`
	ExcludePatterns       []string          `json:"exclude_patterns"`
	IgnoreFile            string            `json:"ignore_file"`
	MaxFileSize           int64             `json:"max_file_size"`
	MaxOutputFileSize     int64             `json:"max_output_file_size"`
	LogLevel              string            `json:"log_level"`
	LogRecords            bool              `json:"log_records"`
	QueueSize             int               `json:"queue_size"`
	MaxIOPerSecond        int               `json:"max_io_per_second"`
	ConfigFile            string            `json:"config_file"`
	SkipCount             bool              `json:"skip_count"`
	DiagSlowScanThreshold time.Duration     `json:"diag_slow_scan_threshold"`
	DiagDir               string            `json:"diag_dir"`
	DiagGoroutineLeak     bool              `json:"diag_goroutine_leak"`
	OtelEndpoint          string            `json:"otel_endpoint"`
	OtelFromEnv           bool              `json:"otel_from_env"`
	OtelHeaders           map[string]string `json:"otel_headers"`
	OtelServiceName       string            `json:"otel_service_name"`
	OtelTimeout           time.Duration     `json:"otel_timeout"`
	OtelExportPaths       bool              `json:"otel_export_paths"`
	OtelExportContext     bool              `json:"otel_export_context"`
	TraceFlight           bool              `json:"trace_flight"`
	TraceFlightFile       string            `json:"trace_flight_file"`
	TraceFlightMaxBytes   uint64            `json:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration     `json:"trace_flight_min_age"`
	ConcurrencySet        bool              `json:"-"`
	MaxIOSet              bool              `json:"-"`
}

// Defaults returns the configuration used when neither a config file nor a
// flag sets a value.
func Defaults() *Config {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	return &Config{
		StartPaths:          []string{"."},
		Mode:                dispatch.Specialized.String(),
		SpecializedRule:     classifier.StaleScriptRuleName,
		AccessDays:          classifier.DefaultAccessDays,
		ModifyMonths:        classifier.DefaultModifyMonths,
		ProbeTimeout:        classifier.DefaultProbeTimeout,
		CollectSystemInfo:   true,
		OutputFormat:        "json",
		OutputFileName:      fmt.Sprintf("stalehunt-%s-%d.ndjson", timestamp, now.Unix()),
		ConcurrencyLevel:    runtime.NumCPU(),
		NiceLevel:           "medium",
		HashAlgorithms:      []string{"sha256"},
		MaxFileSize:         0,
		MaxOutputFileSize:   104857600,
		LogLevel:            "info",
		QueueSize:           1024,
		MaxIOPerSecond:      1000,
		SkipCount:           true,
		DiagDir:             ".",
		OtelHeaders:         map[string]string{},
		OtelServiceName:     "stalehunt",
		OtelTimeout:         5 * time.Second,
		TraceFlightFile:     "trace-flight.out",
		TraceFlightMaxBytes: 0,
		TraceFlightMinAge:   0,
	}
}

// Loader holds the flag values registered on a FlagSet until Load merges
// them over the defaults and the config file.
type Loader struct {
	fs  *pflag.FlagSet
	cfg *Config

	startPath             *string
	allDrives             *bool
	mode                  *string
	specializedRule       *string
	accessDays            *int
	modifyMonths          *int
	rulesFile             *string
	probeTimeout          *time.Duration
	collectSystemInfo     *bool
	format                *string
	output                *string
	concurrency           *int
	nice                  *string
	hashFindings          *bool
	hashes                *string
	includes              *string
	excludes              *string
	ignoreFile            *string
	maxFileSize           *int64
	maxOutputFileSize     *int64
	logLevel              *string
	logRecords            *bool
	queueSize             *int
	maxIO                 *int
	configFile            *string
	skipCount             *bool
	diagSlowScanThreshold *time.Duration
	diagDir               *string
	diagGoroutineLeak     *bool
	otelEndpoint          *string
	otelFromEnv           *bool
	otelHeaders           *string
	otelServiceName       *string
	otelTimeout           *time.Duration
	otelExportPaths       *bool
	otelExportContext     *bool
	traceFlight           *bool
	traceFlightFile       *string
	traceFlightMaxBytes   *uint64
	traceFlightMinAge     *time.Duration
}

// Register declares every scan flag on fs.
func Register(fs *pflag.FlagSet) *Loader {
	cfg := Defaults()
	l := &Loader{fs: fs, cfg: cfg}

	l.startPath = fs.String("path", strings.Join(cfg.StartPaths, ","), "Comma-separated list of start paths to scan.")
	l.allDrives = fs.Bool("all-drives", cfg.AllDrives, "Scan all local drives (Windows only).")
	l.mode = fs.String("mode", cfg.Mode, "Classification mode: specialized (one designated rule) or general (full rule chain).")
	l.specializedRule = fs.String("rule", cfg.SpecializedRule, "Designated rule ID for specialized mode.")
	l.accessDays = fs.Int("access-days", cfg.AccessDays, "Files accessed within this many days count as recently used.")
	l.modifyMonths = fs.Int("modify-months", cfg.ModifyMonths, "Files not written within this many months count as stale.")
	l.rulesFile = fs.String("rules", "", "Path to a YAML rule catalogue (default: built-in catalogue).")
	l.probeTimeout = fs.Duration("probe-timeout", cfg.ProbeTimeout, "Upper bound for each permission probe.")
	l.collectSystemInfo = fs.Bool("collect-system-info", cfg.CollectSystemInfo, "Record host and identity details in the scan header.")
	l.format = fs.String("format", cfg.OutputFormat, "Output format: json or csv.")
	l.output = fs.String("output", cfg.OutputFileName, "Output file name (default: stalehunt-<timestamp>-<unix>.ndjson).")
	l.concurrency = fs.Int("concurrency", cfg.ConcurrencyLevel, "Number of files classified in parallel.")
	l.nice = fs.String("nice", cfg.NiceLevel, "Nice level: high, medium, or low.")
	l.hashFindings = fs.Bool("hash-findings", cfg.HashFindings, "Hash files that produce a finding.")
	l.hashes = fs.String("hashes", strings.Join(cfg.HashAlgorithms, ","), fmt.Sprintf("Comma-separated hash algorithms for findings (%s).", strings.Join(hasher.Supported(), ", ")))
	l.includes = fs.String("include", "", "Comma-separated list of include patterns.")
	l.excludes = fs.String("exclude", "", "Comma-separated list of exclude patterns.")
	l.ignoreFile = fs.String("ignore-file", cfg.IgnoreFile, "Path to a gitignore-style file of additional exclusions.")
	l.maxFileSize = fs.Int64("max-file-size", cfg.MaxFileSize, "Skip files larger than this many bytes (0 means unlimited).")
	l.maxOutputFileSize = fs.Int64("max-output-file-size", cfg.MaxOutputFileSize, "Maximum output file size before rotation in bytes.")
	l.logLevel = fs.String("log-level", cfg.LogLevel, "Log level: trace, debug, info, warn, error, fatal, or panic.")
	l.logRecords = fs.Bool("log-records", cfg.LogRecords, "Also write trace messages as log records in the output.")
	l.queueSize = fs.Int("queue-size", cfg.QueueSize, "Capacity of the result queue between classifiers and the writer.")
	l.maxIO = fs.Int("max-io-per-second", cfg.MaxIOPerSecond, "Maximum files handed to classification per second (0 means unlimited).")
	l.configFile = fs.String("config", "", "Path to JSON configuration file.")
	l.skipCount = fs.Bool("skip-count", cfg.SkipCount, "Skip initial file counting to start scanning immediately.")
	l.diagSlowScanThreshold = fs.Duration("diag-slow-scan-threshold", cfg.DiagSlowScanThreshold, "If positive, emit diagnostics when classification stalls for this duration.")
	l.diagDir = fs.String("diag-dir", cfg.DiagDir, "Directory for diagnostics artifacts.")
	l.diagGoroutineLeak = fs.Bool("diag-goroutine-leak", cfg.DiagGoroutineLeak, "Write a goroutine profile on shutdown.")
	l.otelEndpoint = fs.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint.")
	l.otelFromEnv = fs.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables.")
	l.otelHeaders = fs.String("otel-headers", "", "Comma-separated OTEL headers (key=value).")
	l.otelServiceName = fs.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export.")
	l.otelTimeout = fs.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout.")
	l.otelExportPaths = fs.Bool("otel-export-paths", cfg.OtelExportPaths, "Include file paths in OTEL payloads.")
	l.otelExportContext = fs.Bool("otel-export-context", cfg.OtelExportContext, "Include finding context in OTEL payloads.")
	l.traceFlight = fs.Bool("trace-flight", cfg.TraceFlight, "Enable the runtime/trace flight recorder.")
	l.traceFlightFile = fs.String("trace-flight-file", cfg.TraceFlightFile, "Flight recorder output file.")
	l.traceFlightMaxBytes = fs.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Flight recorder max bytes (0 uses the runtime default).")
	l.traceFlightMinAge = fs.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Flight recorder minimum age (0 uses the runtime default).")
	return l
}

// Load applies the config file, then every flag the operator changed, then
// normalizes and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := l.cfg
	if *l.configFile != "" {
		cfg.ConfigFile = *l.configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	l.fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "path":
			cfg.StartPaths = parseCommaSeparated(*l.startPath)
		case "all-drives":
			cfg.AllDrives = *l.allDrives
		case "mode":
			cfg.Mode = *l.mode
		case "rule":
			cfg.SpecializedRule = strings.TrimSpace(*l.specializedRule)
		case "access-days":
			cfg.AccessDays = *l.accessDays
		case "modify-months":
			cfg.ModifyMonths = *l.modifyMonths
		case "rules":
			cfg.RulesFile = strings.TrimSpace(*l.rulesFile)
		case "probe-timeout":
			cfg.ProbeTimeout = *l.probeTimeout
		case "collect-system-info":
			cfg.CollectSystemInfo = *l.collectSystemInfo
		case "format":
			cfg.OutputFormat = *l.format
		case "output":
			cfg.OutputFileName = *l.output
		case "concurrency":
			cfg.ConcurrencyLevel = *l.concurrency
			cfg.ConcurrencySet = true
		case "nice":
			cfg.NiceLevel = *l.nice
		case "hash-findings":
			cfg.HashFindings = *l.hashFindings
		case "hashes":
			cfg.HashAlgorithms = parseCommaSeparated(*l.hashes)
		case "include":
			cfg.IncludePatterns = parseCommaSeparated(*l.includes)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*l.excludes)
		case "ignore-file":
			cfg.IgnoreFile = strings.TrimSpace(*l.ignoreFile)
		case "max-file-size":
			cfg.MaxFileSize = *l.maxFileSize
		case "max-output-file-size":
			cfg.MaxOutputFileSize = *l.maxOutputFileSize
		case "log-level":
			cfg.LogLevel = *l.logLevel
		case "log-records":
			cfg.LogRecords = *l.logRecords
		case "queue-size":
			cfg.QueueSize = *l.queueSize
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *l.maxIO
			cfg.MaxIOSet = true
		case "skip-count":
			cfg.SkipCount = *l.skipCount
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *l.diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*l.diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *l.diagGoroutineLeak
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*l.otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *l.otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*l.otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*l.otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *l.otelTimeout
		case "otel-export-paths":
			cfg.OtelExportPaths = *l.otelExportPaths
		case "otel-export-context":
			cfg.OtelExportContext = *l.otelExportContext
		case "trace-flight":
			cfg.TraceFlight = *l.traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *l.traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *l.traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *l.traceFlightMinAge
		}
	})

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.NiceLevel = strings.ToLower(strings.TrimSpace(cfg.NiceLevel))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.HashAlgorithms = normalizeAlgorithms(cfg.HashAlgorithms)
	if cfg.Mode == "" {
		cfg.Mode = dispatch.Specialized.String()
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "json"
	}
	if cfg.SpecializedRule == "" {
		cfg.SpecializedRule = classifier.StaleScriptRuleName
	}
	if cfg.HashFindings && len(cfg.HashAlgorithms) == 0 {
		cfg.HashAlgorithms = []string{"sha256"}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = classifier.DefaultProbeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	if len(cfg.StartPaths) == 0 {
		cfg.StartPaths = []string{"."}
	}
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	if _, ok := raw["concurrency_level"]; ok {
		cfg.ConcurrencySet = true
	}
	if _, ok := raw["max_io_per_second"]; ok {
		cfg.MaxIOSet = true
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) validate() error {
	if _, err := dispatch.ParseMode(cfg.Mode); err != nil {
		return err
	}
	if err := cfg.Settings().Validate(); err != nil {
		return err
	}
	if cfg.AllDrives && runtime.GOOS != "windows" {
		return fmt.Errorf("--all-drives flag is only supported on Windows")
	}
	if cfg.OutputFormat != "json" && cfg.OutputFormat != "csv" {
		return fmt.Errorf("invalid output format: %s (json or csv)", cfg.OutputFormat)
	}
	for _, algo := range cfg.HashAlgorithms {
		if !hasher.IsSupported(algo) {
			return fmt.Errorf("unsupported hash algorithm: %s", algo)
		}
	}
	if cfg.MaxFileSize < 0 {
		return fmt.Errorf("max-file-size must be zero or positive")
	}
	if cfg.MaxOutputFileSize < 0 {
		return fmt.Errorf("max-output-file-size must be zero or positive")
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.ConcurrencyLevel <= 0 {
		return fmt.Errorf("concurrency level must be positive")
	}
	if cfg.NiceLevel != "high" && cfg.NiceLevel != "medium" && cfg.NiceLevel != "low" {
		return fmt.Errorf("invalid nice level: %s", cfg.NiceLevel)
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

// Settings is the threshold snapshot handed to the stale script rule. It is
// captured once per scan.
func (cfg *Config) Settings() classifier.Thresholds {
	return classifier.Thresholds{AccessDays: cfg.AccessDays, ModifyMonths: cfg.ModifyMonths}
}

// ScanMode parses Mode. Load has already validated it.
func (cfg *Config) ScanMode() dispatch.Mode {
	mode, err := dispatch.ParseMode(cfg.Mode)
	if err != nil {
		return dispatch.Specialized
	}
	return mode
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

func normalizeAlgorithms(items []string) []string {
	normalized := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		normalized = append(normalized, item)
	}
	return normalized
}
