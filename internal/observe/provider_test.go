package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_ServesInstruments(t *testing.T) {
	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx := context.Background()
	tel.Metrics.RecordFrame(ctx, DirectionInbound, 320)
	tel.Metrics.RecordSessionEnd(ctx, "hangup")

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"voxbridge_frames",
		"voxbridge_sessions",
		"go_goroutines",
		`service_name="voxbridge"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	families, err := tel.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("registry gathered no metric families")
	}
}

func TestInitProvider_GlobalIsOptIn(t *testing.T) {
	orig := otel.GetMeterProvider()

	tel, err := InitProvider(context.Background(), ProviderConfig{})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if otel.GetMeterProvider() != orig {
		t.Error("InitProvider without Global replaced the global meter provider")
	}
}

func TestInitProvider_ShutdownTwice(t *testing.T) {
	tel, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// Second shutdown reports the already-closed providers but must not panic.
	_ = tel.Shutdown(context.Background())
}
