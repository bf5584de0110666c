package output

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"stalehunt/config"
	"stalehunt/logger"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otelLog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type otelLogger struct {
	provider *sdklog.LoggerProvider
	logger   otelLog.Logger
	timeout  time.Duration
	endpoint string
	policy   otelPolicy
}

// otelPolicy decides which finding fields leave the host. Paths and match
// context stay local unless explicitly enabled.
type otelPolicy struct {
	includePaths   bool
	includeContext bool
}

func newOtelLogger(cfg *config.Config) (*otelLogger, error) {
	if cfg == nil {
		return nil, nil
	}
	endpoint := resolveOtelEndpoint(cfg)
	if endpoint == "" {
		return nil, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("otel endpoint must include scheme (http or https)")
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpointURL(endpoint)}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(cfg.OtelHeaders))
	}
	if cfg.OtelTimeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.OtelTimeout))
	}

	exp, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
	)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)

	return &otelLogger{
		provider: provider,
		logger:   provider.Logger("stalehunt"),
		timeout:  cfg.OtelTimeout,
		endpoint: endpoint,
		policy: otelPolicy{
			includePaths:   cfg.OtelExportPaths,
			includeContext: cfg.OtelExportContext,
		},
	}, nil
}

func resolveOtelEndpoint(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if endpoint := strings.TrimSpace(cfg.OtelEndpoint); endpoint != "" {
		return endpoint
	}
	if !cfg.OtelFromEnv {
		return ""
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

func (o *otelLogger) Endpoint() string {
	if o == nil {
		return ""
	}
	return o.endpoint
}

func (o *otelLogger) Emit(recordType string, payload interface{}) {
	if o == nil || o.logger == nil {
		return
	}
	safePayload := sanitizePayload(recordType, payload, o.policy)

	var record otelLog.Record
	now := time.Now()
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetEventName("stalehunt." + recordType)
	record.SetSeverity(recordSeverity(recordType, safePayload))
	record.AddAttributes(
		otelLog.String("record_type", recordType),
		otelLog.String("schema_version", SchemaVersion),
	)
	if attrs := semanticAttributes(recordType, safePayload, o.policy); len(attrs) > 0 {
		record.AddAttributes(attrs...)
	}
	if value := toLogValue(safePayload); value.Kind() != otelLog.KindEmpty {
		record.SetBody(value)
	}

	o.logger.Emit(context.Background(), record)
}

func (o *otelLogger) Shutdown() {
	if o == nil || o.provider == nil {
		return
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.provider.Shutdown(ctx); err != nil {
		logger.Debugf("OTEL shutdown failed: %v", err)
	}
}

// recordSeverity maps red findings and error logs to ERROR, yellow findings
// to WARN and everything else to INFO.
func recordSeverity(recordType string, payload map[string]interface{}) otelLog.Severity {
	switch recordType {
	case RecordFinding:
		switch getStringField(payload, "severity") {
		case "red":
			return otelLog.SeverityError
		case "yellow":
			return otelLog.SeverityWarn
		}
	case RecordLog:
		switch getStringField(payload, "level") {
		case "error":
			return otelLog.SeverityError
		case "trace":
			return otelLog.SeverityTrace
		}
	}
	return otelLog.SeverityInfo
}

// sanitizePayload returns a map copy of payload with the fields the policy
// keeps local removed.
func sanitizePayload(recordType string, payload interface{}, policy otelPolicy) map[string]interface{} {
	data := cloneMap(payloadToMap(payload))
	switch recordType {
	case RecordFinding:
		if !policy.includePaths {
			delete(data, "path")
		}
		if !policy.includeContext {
			delete(data, "context")
		}
	case RecordLog:
		if !policy.includePaths {
			delete(data, "message")
		}
	case RecordScanInfo:
		if !policy.includePaths {
			delete(data, "start_paths")
			delete(data, "rules_file")
		}
		if system, ok := data["system"].(map[string]interface{}); ok {
			system = cloneMap(system)
			delete(system, "user")
			data["system"] = system
		}
	}
	return data
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func toLogValue(value interface{}) otelLog.Value {
	switch v := value.(type) {
	case nil:
		return otelLog.Value{}
	case string:
		return otelLog.StringValue(v)
	case bool:
		return otelLog.BoolValue(v)
	case int:
		return otelLog.IntValue(v)
	case int64:
		return otelLog.Int64Value(v)
	case float64:
		return otelLog.Float64Value(v)
	case map[string]interface{}:
		return otelLog.MapValue(toLogKeyValues(v)...)
	case map[string]string:
		kvs := make([]otelLog.KeyValue, 0, len(v))
		for _, k := range slices.Sorted(maps.Keys(v)) {
			kvs = append(kvs, otelLog.String(k, v[k]))
		}
		return otelLog.MapValue(kvs...)
	case []string:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, otelLog.StringValue(item))
		}
		return otelLog.SliceValue(values...)
	case []interface{}:
		values := make([]otelLog.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return otelLog.SliceValue(values...)
	default:
		return otelLog.Value{}
	}
}

func toLogKeyValues(values map[string]interface{}) []otelLog.KeyValue {
	kvs := make([]otelLog.KeyValue, 0, len(values))
	for _, key := range slices.Sorted(maps.Keys(values)) {
		kvs = append(kvs, otelLog.KeyValue{Key: key, Value: toLogValue(values[key])})
	}
	return kvs
}

func semanticAttributes(recordType string, data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	if len(data) == 0 {
		return nil
	}
	switch recordType {
	case RecordFinding:
		return findingSemanticAttributes(data, policy)
	case RecordScanInfo:
		return scanSemanticAttributes(data)
	case RecordMetrics:
		return metricsSemanticAttributes(data)
	default:
		return nil
	}
}

func findingSemanticAttributes(data map[string]interface{}, policy otelPolicy) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue

	path := getStringField(data, "path")
	name := getStringField(data, "name")
	if name == "" && path != "" {
		name = filepath.Base(path)
	}
	if policy.includePaths && path != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FilePathKey), path))
		kvs = append(kvs, otelLog.String(string(semconv.FileDirectoryKey), filepath.Dir(path)))
	}
	if name != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FileNameKey), name))
	}
	if ext := strings.TrimPrefix(getStringField(data, "extension"), "."); ext != "" {
		kvs = append(kvs, otelLog.String(string(semconv.FileExtensionKey), ext))
	}
	if size, ok := getInt64Field(data, "size"); ok {
		kvs = append(kvs, otelLog.Int64(string(semconv.FileSizeKey), size))
	}

	kvs = appendStringAttr(kvs, "stalehunt.finding.rule", getStringField(data, "rule"))
	kvs = appendStringAttr(kvs, "stalehunt.finding.severity", getStringField(data, "severity"))
	kvs = appendStringAttr(kvs, "stalehunt.finding.permissions", getStringField(data, "permissions"))
	kvs = appendStringAttr(kvs, "stalehunt.file.access_time", getStringField(data, "access_time"))
	kvs = appendStringAttr(kvs, "stalehunt.file.mod_time", getStringField(data, "mod_time"))
	if policy.includeContext {
		kvs = appendStringAttr(kvs, "stalehunt.finding.context", getStringField(data, "context"))
	}

	if labels := getStringSliceField(data, "labels"); len(labels) > 0 {
		kvs = append(kvs, otelLog.KeyValue{Key: "stalehunt.finding.labels", Value: toLogValue(labels)})
	}
	if hashes := getStringMapField(data, "hashes"); len(hashes) > 0 {
		for _, algo := range slices.Sorted(maps.Keys(hashes)) {
			kvs = appendStringAttr(kvs, "stalehunt.file.hash."+algo, hashes[algo])
		}
	}
	return kvs
}

func scanSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "stalehunt.scan.id", getStringField(data, "scan_id"))
	kvs = appendStringAttr(kvs, "stalehunt.scan.mode", getStringField(data, "mode"))
	kvs = appendStringAttr(kvs, "stalehunt.scan.rule", getStringField(data, "rule"))
	if system, ok := data["system"].(map[string]interface{}); ok {
		kvs = appendStringAttr(kvs, string(semconv.HostNameKey), getStringField(system, "hostname"))
		kvs = appendStringAttr(kvs, string(semconv.OSDescriptionKey), getStringField(system, "platform"))
		kvs = appendStringAttr(kvs, string(semconv.OSVersionKey), getStringField(system, "platform_version"))
	}
	return kvs
}

func metricsSemanticAttributes(data map[string]interface{}) []otelLog.KeyValue {
	var kvs []otelLog.KeyValue
	kvs = appendStringAttr(kvs, "stalehunt.metrics.start_time", getStringField(data, "start_time"))
	kvs = appendStringAttr(kvs, "stalehunt.metrics.end_time", getStringField(data, "end_time"))
	for _, key := range []string{"total_files", "files_dispatched", "files_matched", "files_skipped", "files_faulted", "findings", "errors"} {
		if v, ok := getInt64Field(data, key); ok {
			kvs = append(kvs, otelLog.Int64("stalehunt.metrics."+key, v))
		}
	}
	return kvs
}

// payloadToMap round-trips through JSON so struct payloads are exported
// with their wire field names.
func payloadToMap(payload interface{}) map[string]interface{} {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

func getStringField(values map[string]interface{}, key string) string {
	value, ok := values[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprint(value)
}

func getInt64Field(values map[string]interface{}, key string) (int64, bool) {
	value, ok := values[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getStringSliceField(values map[string]interface{}, key string) []string {
	switch v := values[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}

func getStringMapField(values map[string]interface{}, key string) map[string]string {
	switch v := values[key].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if val != nil {
				out[k] = fmt.Sprint(val)
			}
		}
		return out
	}
	return nil
}

func appendStringAttr(kvs []otelLog.KeyValue, key, value string) []otelLog.KeyValue {
	if value == "" {
		return kvs
	}
	return append(kvs, otelLog.String(key, value))
}
