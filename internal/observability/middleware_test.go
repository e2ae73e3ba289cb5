package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/querygate/querygate/internal/config"
)

func TestTraceMiddlewareGeneratesTraceID(t *testing.T) {
	var seen string
	handler := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if seen == "" {
		t.Fatal("no trace ID in request context")
	}
	if got := rr.Header().Get("X-Trace-ID"); got != seen {
		t.Fatalf("response header trace ID = %q, context = %q", got, seen)
	}
}

func TestTraceMiddlewarePropagatesIncomingID(t *testing.T) {
	var seen string
	handler := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "trace-123" {
		t.Fatalf("trace ID = %q, want trace-123", seen)
	}
}

func TestLoggingMiddlewareEmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/schema", nil))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v (%s)", err, buf.String())
	}
	if record["msg"] != "http_request" {
		t.Fatalf("msg = %v", record["msg"])
	}
	if record["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", record["status"])
	}
	if record["path"] != "/v1/schema" {
		t.Fatalf("path = %v", record["path"])
	}
}

func TestNewLoggerCarriesServiceAttrs(t *testing.T) {
	cfg, err := config.Load("querygate-api", func(key string) (string, bool) {
		return "", false
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	var buf bytes.Buffer
	logger := NewLogger(cfg, &buf)
	logger.Info("hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["service"] != "querygate-api" {
		t.Fatalf("service = %v", record["service"])
	}
	if record["profile"] != "dev" {
		t.Fatalf("profile = %v", record["profile"])
	}
}
