// Package logging configures the process-wide slog logger: JSON or text
// lines on a single writer, an optional OTLP log export, and a tap that
// mirrors records to the dashboard's system-log channel.
//
// # Quick Start
//
//	logging.Configure(logging.Config{
//	    ServiceName: "asaman",
//	    JSONFormat:  true,
//	    EnableOTLP:  true,
//	})
//	defer logging.Shutdown(context.Background())
//
//	logger := logging.Get("lifecycle")
//	logger.Info("starting server", "server", "C1-Isle")
//
// Unset Config fields fall back to environment variables: APP_NAME,
// APP_VERSION, APP_ENV or ENVIRONMENT, GIT_COMMIT or COMMIT_SHA, and
// OTEL_EXPORTER_OTLP_ENDPOINT.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
)

// Config controls logging behavior. Zero-value fields are auto-detected
// from environment variables (see package doc).
type Config struct {
	// Service identity
	ServiceName string
	Version     string
	Environment string
	CommitSHA   string

	// Output
	Level      slog.Level // default: slog.LevelInfo
	JSONFormat bool       // true = JSON lines, false = human-readable text
	Writer     io.Writer  // default: os.Stdout

	// OpenTelemetry
	EnableOTLP   bool
	OTLPEndpoint string // default: localhost:4317
}

// Tap receives every log record after it is written. Used to fan out
// control-plane log lines to connected dashboards. Must not block.
type Tap func(level slog.Level, message string, attrs map[string]any)

var (
	mu         sync.Mutex
	configured bool
	provider   *sdklog.LoggerProvider

	tapMu sync.RWMutex
	tap   Tap
)

// Configure sets up the global slog default logger and, optionally, an OTLP
// exporter. Call once at application startup.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	fillFromEnv(&cfg)
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	s := &sink{cfg: cfg, lineMu: &sync.Mutex{}}
	if cfg.EnableOTLP {
		if err := startExporter(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "otlp log exporter disabled: %v\n", err)
		} else {
			s.export = true
		}
	}
	slog.SetDefault(slog.New(s))
	configured = true

	slog.Info("logging configured",
		"service_name", cfg.ServiceName,
		"environment", cfg.Environment,
		"json_format", cfg.JSONFormat,
		"otlp_enabled", s.export,
	)
}

// Shutdown flushes pending OTLP logs. Call before process exit.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if provider != nil {
		err := provider.Shutdown(ctx)
		provider = nil
		return err
	}
	return nil
}

// Get returns a *slog.Logger with the given name attached as an attribute.
func Get(name string) *slog.Logger {
	return slog.Default().With("logger", name)
}

// SetTap registers the fan-out hook. Pass nil to remove it.
func SetTap(t Tap) {
	tapMu.Lock()
	defer tapMu.Unlock()
	tap = t
}

func fillFromEnv(cfg *Config) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = envOr("APP_NAME", "asaman")
	}
	if cfg.Version == "" {
		cfg.Version = envOr("APP_VERSION", "latest")
	}
	if cfg.Environment == "" {
		cfg.Environment = envOr("APP_ENV", envOr("ENVIRONMENT", "development"))
	}
	if cfg.CommitSHA == "" {
		cfg.CommitSHA = envOr("GIT_COMMIT", os.Getenv("COMMIT_SHA"))
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// sink is the single slog.Handler behind both output formats. Clones made
// by WithAttrs share the line mutex so interleaved writers cannot tear
// lines.
type sink struct {
	cfg    Config
	export bool
	bound  []slog.Attr
	lineMu *sync.Mutex
}

func (s *sink) Enabled(_ context.Context, l slog.Level) bool {
	return l >= s.cfg.Level
}

func (s *sink) Handle(ctx context.Context, r slog.Record) error {
	var line string
	if s.cfg.JSONFormat {
		line = s.jsonLine(ctx, r)
	} else {
		line = s.textLine(ctx, r)
	}

	s.lineMu.Lock()
	_, err := io.WriteString(s.cfg.Writer, line)
	s.lineMu.Unlock()

	if s.export {
		s.emitOTLP(ctx, r)
	}
	s.forwardTap(r)
	return err
}

func (s *sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *s
	next.bound = append(append([]slog.Attr{}, s.bound...), attrs...)
	return &next
}

// Groups are not used anywhere in asaman; attrs stay flat.
func (s *sink) WithGroup(string) slog.Handler { return s }

// eachAttr visits bound attrs first, then the record's own.
func (s *sink) eachAttr(r slog.Record, fn func(a slog.Attr)) {
	for _, a := range s.bound {
		fn(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		fn(a)
		return true
	})
}

func (s *sink) jsonLine(ctx context.Context, r slog.Record) string {
	m := map[string]any{
		"timestamp":   r.Time.Format(time.RFC3339Nano),
		"severity":    r.Level.String(),
		"message":     r.Message,
		"app_name":    s.cfg.ServiceName,
		"environment": s.cfg.Environment,
	}
	if s.cfg.Version != "" {
		m["version"] = s.cfg.Version
	}
	if s.cfg.CommitSHA != "" {
		m["commit_sha"] = s.cfg.CommitSHA
	}
	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		m["source"] = map[string]any{
			"function": f.Function,
			"file":     f.File,
			"line":     f.Line,
		}
	}
	// asaman starts no spans of its own, but embedding callers may.
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		m["trace_id"] = sc.TraceID().String()
		m["span_id"] = sc.SpanID().String()
	}
	s.eachAttr(r, func(a slog.Attr) {
		m[a.Key] = attrValue(a.Value)
	})

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("{\"severity\":\"ERROR\",\"message\":\"marshal log record: %v\"}\n", err)
	}
	return string(data) + "\n"
}

func (s *sink) textLine(ctx context.Context, r slog.Record) string {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.RFC3339))
	b.WriteString(" - [")
	b.WriteString(s.cfg.ServiceName)
	b.WriteString("] ")
	b.WriteString(r.Level.String())
	b.WriteString(" - ")
	b.WriteString(r.Message)
	s.eachAttr(r, func(a slog.Attr) {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	})
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		b.WriteString(" trace_id=" + sc.TraceID().String())
		b.WriteString(" span_id=" + sc.SpanID().String())
	}
	b.WriteByte('\n')
	return b.String()
}

func (s *sink) forwardTap(r slog.Record) {
	tapMu.RLock()
	t := tap
	tapMu.RUnlock()
	if t == nil {
		return
	}
	attrs := make(map[string]any, r.NumAttrs()+len(s.bound))
	s.eachAttr(r, func(a slog.Attr) {
		attrs[a.Key] = attrValue(a.Value)
	})
	t(r.Level, r.Message, attrs)
}

// emitOTLP forwards one record to the registered OTel LoggerProvider.
func (s *sink) emitOTLP(ctx context.Context, r slog.Record) {
	p := global.GetLoggerProvider()
	if p == nil {
		return
	}
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(otlpSeverity(r.Level))
	rec.SetSeverityText(r.Level.String())
	s.eachAttr(r, func(a slog.Attr) {
		rec.AddAttributes(otellog.String(a.Key, a.Value.String()))
	})
	p.Logger(s.cfg.ServiceName).Emit(ctx, rec)
}

// startExporter creates an OTLP gRPC log exporter and registers it as the
// global OTel LoggerProvider.
func startExporter(cfg Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create OTLP log exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("create OTLP resource: %w", err)
	}

	p := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(p)
	provider = p
	return nil
}

func otlpSeverity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// attrValue unwraps an slog value into something json.Marshal renders the
// way the dashboard expects.
func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}
