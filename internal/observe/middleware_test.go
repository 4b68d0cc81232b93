package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// opsHarness wires Middleware around a tiny ops mux with in-memory metric
// and span exporters.
type opsHarness struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

func newOpsHarness(t *testing.T) *opsHarness {
	t.Helper()
	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})

	return &opsHarness{handler: Middleware(m)(mux), reader: reader, spans: exp}
}

func (h *opsHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeaderMatchesSpan(t *testing.T) {
	h := newOpsHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	cid := rec.Header().Get(CorrelationHeader)
	if len(cid) != 32 {
		t.Fatalf("%s = %q; want a 32-char trace id", CorrelationHeader, cid)
	}
	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans; want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != cid {
		t.Errorf("span trace id = %s; header = %s", got, cid)
	}
	if spans[0].Name != "ops GET /healthz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_StatusAndSpanStatus(t *testing.T) {
	tests := []struct {
		path      string
		want      int
		wantError bool
	}{
		{"/healthz", http.StatusOK, false},
		{"/readyz", http.StatusServiceUnavailable, true},
		{"/sessions", http.StatusOK, false},
		{"/nope", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			h := newOpsHarness(t)
			rec := h.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d; want %d", rec.Code, tt.want)
			}
			spans := h.spans.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans; want 1", len(spans))
			}
			if isErr := spans[0].Status.Code == codes.Error; isErr != tt.wantError {
				t.Errorf("span error = %v; want %v", isErr, tt.wantError)
			}
		})
	}
}

func TestMiddleware_RecordsDurationByStatusClass(t *testing.T) {
	h := newOpsHarness(t)
	h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))

	rm := collect(t, h.reader)
	met := findMetric(rm, "voxbridge.http.request.duration")
	if met == nil {
		t.Fatal("voxbridge.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data is %T; want Histogram[float64]", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		counts[path.AsString()+" "+status.AsString()] += dp.Count
	}
	if counts["/healthz 2xx"] != 2 {
		t.Errorf("/healthz 2xx count = %d; want 2", counts["/healthz 2xx"])
	}
	if counts["/readyz 5xx"] != 1 {
		t.Errorf("/readyz 5xx count = %d; want 1", counts["/readyz 5xx"])
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h := newOpsHarness(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec := h.do(req)
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q; want %q", CorrelationHeader, got, traceID)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response is missing traceparent")
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{200: "2xx", 204: "2xx", 404: "4xx", 503: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q; want %q", code, got, want)
		}
	}
}
