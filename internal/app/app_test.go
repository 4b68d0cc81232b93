package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/events"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/agent"
	"github.com/MrWong99/voxbridge/pkg/agent/mock"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audiosocket"
)

// ── Harness ──────────────────────────────────────────────────────────────────

type harness struct {
	app     *app.App
	prov    *mock.Provider
	reader  *sdkmetric.ManualReader
	level   *slog.LevelVar
	addr    string
	opsURL  string
	cancel  context.CancelFunc
	runErr  chan error
	stopped bool
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 3 * time.Second},
		Agent:  config.AgentConfig{Provider: "mock", AgentID: "agent-a"},
	}
	config.ApplyDefaults(cfg)
	pacing := false
	cfg.Telephony.Pacing = &pacing
	return cfg
}

func newRegistry(prov *mock.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterAgent("mock", func(config.AgentConfig) (agent.Provider, error) { return prov, nil })
	return reg
}

func start(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	return startWith(t, &mock.Provider{}, mutate)
}

func startWith(t *testing.T, prov *mock.Provider, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen ops: %v", err)
	}

	lv := new(slog.LevelVar)
	a, err := app.New(cfg, newRegistry(prov),
		app.WithListener(ln),
		app.WithOpsListener(opsLn),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		})),
		app.WithLevelVar(lv),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		app:    a,
		prov:   prov,
		reader: reader,
		level:  lv,
		addr:   ln.Addr().String(),
		opsURL: "http://" + opsLn.Addr().String(),
		cancel: cancel,
		runErr: make(chan error, 1),
	}
	go func() { h.runErr <- a.Run(ctx) }()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	if h.stopped {
		return nil
	}
	h.stopped = true
	h.cancel()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

// dial opens a telephony connection and announces a fresh call UUID.
func (h *harness) dial(t *testing.T) (net.Conn, uuid.UUID) {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	id := uuid.New()
	if err := audiosocket.WriteFrame(conn, audiosocket.TypeSessionID, id[:]); err != nil {
		t.Fatalf("write session id: %v", err)
	}
	return conn, id
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// drainToEOF reads until the server closes conn.
func drainToEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.Copy(io.Discard, conn); err != nil {
		t.Fatalf("expected the server to close the connection, got %v", err)
	}
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func bridging(h *harness, n int) func() bool {
	return func() bool {
		s := h.app.Sessions()
		if len(s) != n {
			return false
		}
		for _, info := range s {
			if info.State.String() != "bridging" {
				return false
			}
		}
		return true
	}
}

// ── Calls ────────────────────────────────────────────────────────────────────

func TestApp_CallEndsOnHangup(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	feed, unsubscribe := h.app.Subscribe(8)
	defer unsubscribe()

	conn, id := h.dial(t)
	eventually(t, "call bridging", bridging(h, 1))

	if err := audiosocket.WriteFrame(conn, audiosocket.TypeAudio, audio.Silence(audio.EncodingPCM8000, 320)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := audiosocket.WriteFrame(conn, audiosocket.TypeHangup, nil); err != nil {
		t.Fatalf("write hangup: %v", err)
	}
	drainToEOF(t, conn)

	eventually(t, "recent call", func() bool { return len(h.app.Recent()) == 1 })
	rec := h.app.Recent()[0]
	if rec.Reason != string(events.ReasonHangup) || rec.CallID != id.String() {
		t.Errorf("recent = %+v", rec)
	}

	select {
	case e := <-feed:
		started, ok := e.(events.CallStarted)
		if !ok || started.CallID != id.String() || started.AgentID != "agent-a" {
			t.Errorf("first event = %#v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event on the subscription")
	}

	calls := h.prov.Calls()
	if len(calls) != 1 || calls[0].Cfg.AgentID != "agent-a" {
		t.Errorf("connect calls = %+v", calls)
	}
}

func TestApp_RejectsOverCapacity(t *testing.T) {
	t.Parallel()
	h := start(t, func(c *config.Config) { c.Server.MaxSessions = 1 })

	h.dial(t)
	eventually(t, "first call bridging", bridging(h, 1))

	second, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	drainToEOF(t, second)

	if got := counter(t, h.reader, "voxbridge.sessions.rejected"); got != 1 {
		t.Errorf("rejected sessions = %d, want 1", got)
	}
	if n := len(h.prov.Calls()); n != 1 {
		t.Errorf("agent connects = %d, want 1", n)
	}
}

func TestApp_ShutdownEndsCalls(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	conn, _ := h.dial(t)
	eventually(t, "call bridging", bridging(h, 1))

	if err := h.stop(t); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	drainToEOF(t, conn)

	recent := h.app.Recent()
	if len(recent) != 1 || recent[0].Reason != string(events.ReasonShutdown) {
		t.Errorf("recent = %+v", recent)
	}
	if n := len(h.app.Sessions()); n != 0 {
		t.Errorf("sessions after shutdown = %d", n)
	}
	if _, err := net.Dial("tcp", h.addr); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

// ── Ops endpoints ────────────────────────────────────────────────────────────

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestApp_OpsEndpoints(t *testing.T) {
	t.Parallel()
	h := start(t, nil)
	_, id := h.dial(t)
	eventually(t, "call bridging", bridging(h, 1))

	if resp, _ := get(t, h.opsURL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}
	if resp, body := get(t, h.opsURL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d: %s", resp.StatusCode, body)
	}
	if resp, body := get(t, h.opsURL+"/metrics"); resp.StatusCode != http.StatusOK || string(body) != "# metrics\n" {
		t.Errorf("/metrics = %d %q", resp.StatusCode, body)
	}

	resp, body := get(t, h.opsURL+"/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/sessions = %d", resp.StatusCode)
	}
	var snap struct {
		Active []struct {
			CallID string `json:"call_id"`
			State  string `json:"state"`
			Turn   string `json:"turn"`
		} `json:"active"`
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode /sessions: %v\n%s", err, body)
	}
	if len(snap.Active) != 1 || snap.Active[0].CallID != id.String() || snap.Active[0].State != "bridging" {
		t.Errorf("/sessions = %s", body)
	}
}

func TestApp_ReadyzFailsWithoutAgentID(t *testing.T) {
	t.Parallel()
	h := start(t, func(c *config.Config) { c.Agent.AgentID = "" })

	eventually(t, "ops listener", func() bool {
		resp, err := http.Get(h.opsURL + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})
	resp, body := get(t, h.opsURL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d: %s", resp.StatusCode, body)
	}
}

func TestApp_ReadyzFailsWhileBreakerOpen(t *testing.T) {
	t.Parallel()
	prov := &mock.Provider{ConnectErr: fmt.Errorf("%w: handshake refused", agent.ErrConnect)}
	h := startWith(t, prov, func(c *config.Config) { c.Agent.Breaker.MaxFailures = 1 })

	conn, _ := h.dial(t)
	drainToEOF(t, conn)

	resp, body := get(t, h.opsURL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "circuit open") {
		t.Errorf("/readyz = %d: %s", resp.StatusCode, body)
	}

	// The next call is refused without reaching the provider.
	conn, _ = h.dial(t)
	drainToEOF(t, conn)
	eventually(t, "second call ended", func() bool { return len(h.app.Recent()) == 2 })
	if n := len(prov.Calls()); n != 1 {
		t.Errorf("provider reached %d times, want 1", n)
	}
	if r := h.app.Recent()[0]; r.Reason != string(events.ReasonAgentConnectFailed) {
		t.Errorf("reason = %q", r.Reason)
	}
}

// ── Reload ───────────────────────────────────────────────────────────────────

func TestApp_ReloadAppliesToNewCalls(t *testing.T) {
	t.Parallel()
	h := start(t, nil)

	first, _ := h.dial(t)
	eventually(t, "first call bridging", bridging(h, 1))
	oldBridge := h.app.Bridge()

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Agent.AgentID = "agent-b"
	h.app.Reload(config.Diff(h.app.Config(), next), next)

	if h.level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", h.level.Level())
	}
	if h.app.Bridge() == oldBridge {
		t.Fatal("bridge not replaced after call settings changed")
	}

	h.dial(t)
	eventually(t, "both calls listed", bridging(h, 2))

	calls := h.prov.Calls()
	if len(calls) != 2 || calls[0].Cfg.AgentID != "agent-a" || calls[1].Cfg.AgentID != "agent-b" {
		t.Errorf("connect calls = %+v", calls)
	}

	// The first call keeps running on the replaced bridge.
	if oldBridge.Active() != 1 {
		t.Errorf("old bridge active = %d, want 1", oldBridge.Active())
	}
	_ = audiosocket.WriteFrame(first, audiosocket.TypeHangup, nil)
	drainToEOF(t, first)
	eventually(t, "old call gone", bridging(h, 1))
}

func TestApp_ReloadKeepsBridgeOnProviderError(t *testing.T) {
	t.Parallel()
	h := start(t, nil)
	oldBridge := h.app.Bridge()

	next := testConfig()
	next.Agent.Provider = "missing"
	next.Server.MaxSessions = 7
	h.app.Reload(config.Diff(h.app.Config(), next), next)

	if h.app.Bridge() != oldBridge {
		t.Error("bridge replaced despite provider error")
	}
	cur := h.app.Config()
	if cur.Agent.Provider != "mock" || cur.Server.MaxSessions != 7 {
		t.Errorf("config after failed reload = %+v / %+v", cur.Agent, cur.Server)
	}
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Agent.Provider = "nope"
	_, err := app.New(cfg, config.NewRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBridgeConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Agent.CallIDVariable = "call_id"
	cfg.Agent.DynamicVariables = map[string]string{"tenant": "acme"}
	cfg.Telephony.Encoding = audio.EncodingMulaw8000
	cfg.Telephony.FrameBytes = 320
	cfg.Turn.ResponseTimeout = 4 * time.Second

	bc := app.BridgeConfig(cfg)
	if bc.AgentID != "agent-a" || bc.CallIDVariable != "call_id" || bc.DynamicVariables["tenant"] != "acme" {
		t.Errorf("agent fields = %+v", bc)
	}
	if bc.TelephonyEncoding != audio.EncodingMulaw8000 || bc.FrameBytes != 320 || bc.Pacing {
		t.Errorf("telephony fields = %+v", bc)
	}
	if bc.ResponseTimeout != 4*time.Second || bc.Threshold != cfg.Turn.Threshold {
		t.Errorf("turn fields = %+v", bc)
	}
}
