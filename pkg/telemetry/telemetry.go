// Package telemetry sets up tracing and the JSON line logger shared by the
// logarchive daemons.
package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "logarchive"

	// LogLevelEnv names the lowest level written. Defaults to INFO.
	LogLevelEnv = "LOGARCHIVE_LOG_LEVEL"
)

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// health checks and scrapes are not worth a request log line
var quietPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// Init configures OpenTelemetry tracing, propagation, and structured logging for a service.
// Spans are exported only when OTEL_EXPORTER_OTLP_ENDPOINT is set.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, func(http.Handler) http.Handler, *log.Logger, error) {
	if serviceName == "" {
		return nil, nil, nil, errors.New("telemetry: service name is required")
	}

	hostname, _ := os.Hostname()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.HostName(hostname),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("telemetry: create exporter: %w", err)
		}
		providerOpts = append(providerOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logWriter := newJSONLogWriter(serviceName, hostname, os.Getenv(LogLevelEnv), os.Stdout)
	logger := log.New(logWriter, "", 0)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Printf("WARN otel: %v", err)
	}))

	shutdown := func(ctx context.Context) error {
		return tracerProvider.Shutdown(ctx)
	}
	return shutdown, requestLogger(serviceName, logWriter), logger, nil
}

func requestLogger(serviceName string, w *jsonLogWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if quietPaths[r.URL.Path] {
				next.ServeHTTP(rw, r)
				return
			}
			recorder := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(recorder, r)

			traceID := ""
			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				traceID = sc.TraceID().String()
			}
			msg := fmt.Sprintf("%s %s %d %s from %s", r.Method, r.URL.Path, recorder.status, time.Since(start), r.RemoteAddr)
			if err := w.Log("INFO", msg, traceID); err != nil {
				fmt.Fprintf(os.Stderr, "telemetry: failed to write request log: %v\n", err)
			}
		})
		return otelhttp.NewHandler(handler, serviceName)
	}
}

// NewLogger returns a logger that writes JSON lines for service to out.
// Every level is written.
func NewLogger(service string, out io.Writer) *log.Logger {
	return log.New(newJSONLogWriter(service, "", "DEBUG", out), "", 0)
}

// Tracer returns the process tracer used for internal spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// HTTPTransport wraps base so outgoing requests carry trace context.
func HTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Hijack lets agent sessions upgrade to websockets through the request logger.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("telemetry: response writer cannot be hijacked")
	}
	sr.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func newTraceExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	var opts []otlptracehttp.Option

	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		if parsed.Host == "" {
			return nil, fmt.Errorf("invalid OTLP endpoint: %s", endpoint)
		}
		opts = append(opts, otlptracehttp.WithEndpoint(parsed.Host))
		if parsed.Path != "" && parsed.Path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(parsed.Path))
		}
		if parsed.Scheme == "http" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, opts...)
}

type logEntry struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Service string `json:"service"`
	Host    string `json:"host,omitempty"`
	Msg     string `json:"msg"`
	TraceID string `json:"trace_id,omitempty"`
}

type jsonLogWriter struct {
	mu       sync.Mutex
	service  string
	host     string
	minLevel int
	out      io.Writer
}

func newJSONLogWriter(service, host, minLevel string, out io.Writer) *jsonLogWriter {
	if out == nil {
		out = os.Stdout
	}
	rank, ok := levelRank[normalizeLevel(minLevel)]
	if !ok {
		rank = levelRank["INFO"]
	}
	return &jsonLogWriter{service: service, host: host, minLevel: rank, out: out}
}

func (w *jsonLogWriter) Write(p []byte) (int, error) {
	level, message := parseLevel(strings.TrimSpace(string(p)))
	if err := w.Log(level, message, ""); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *jsonLogWriter) Log(level, message, traceID string) error {
	if levelRank[level] < w.minLevel {
		return nil
	}
	data, err := json.Marshal(logEntry{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:   level,
		Service: w.service,
		Host:    w.host,
		Msg:     message,
		TraceID: traceID,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

// parseLevel splits a leading level token off message. "WARN x",
// "[warn] x" and "warn: x" are all recognised.
func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	if strings.HasPrefix(trimmed, "[") {
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			if level := normalizeLevel(trimmed[1:idx]); level != "" {
				return level, strings.TrimSpace(trimmed[idx+1:])
			}
		}
	}
	if idx := strings.Index(trimmed, ":"); idx > 0 {
		if level := normalizeLevel(trimmed[:idx]); level != "" {
			return level, strings.TrimSpace(trimmed[idx+1:])
		}
	}
	if fields := strings.Fields(trimmed); len(fields) > 1 {
		if level := normalizeLevel(fields[0]); level != "" {
			return level, strings.TrimSpace(trimmed[len(fields[0]):])
		}
	}
	return "INFO", trimmed
}

func normalizeLevel(s string) string {
	level := strings.ToUpper(strings.TrimSpace(s))
	if level == "WARNING" {
		return "WARN"
	}
	if _, ok := levelRank[level]; ok {
		return level
	}
	return ""
}
