package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/luckiday/dreamgaussian-api/pkg/logging"
)

func newRecordingProvider() (*Provider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewProvider(tp, "test"), sr
}

func TestDisabledTracer(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "dreamgen"}, logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, span := p.StartSpan(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStartSpanAndSetError(t *testing.T) {
	p, sr := newRecordingProvider()

	ctx, span := p.StartSpan(context.Background(), "stage", attribute.Int("stage", 1))
	AddEvent(ctx, "started")
	SetError(ctx, errors.New("exit 1"))
	span.End()

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "stage" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status().Code)
	}
	if len(s.Events()) < 2 {
		t.Errorf("expected event and recorded error, got %d events", len(s.Events()))
	}
}

func TestHTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	p, sr := newRecordingProvider()

	r := mux.NewRouter()
	r.HandleFunc("/task-status/{task_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Use(HTTPMiddleware(p))

	req := httptest.NewRequest(http.MethodGet, "/task-status/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /task-status/{task_id}" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("traceparent not injected into response")
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("4xx should not mark span as error")
	}
}
