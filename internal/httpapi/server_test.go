package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ostrand/callweave/internal/callrecord"
	"github.com/ostrand/callweave/internal/config"
	"github.com/ostrand/callweave/internal/observability"
	"github.com/ostrand/callweave/internal/relay"
	"github.com/ostrand/callweave/internal/translator"
)

func testConfig() config.Config {
	return config.Config{
		DefaultLanguage:    "Spanish",
		PassThroughEnabled: true,
		AllowAnyOrigin:     true,
		CallerInstructions: "Translate into English.",
		AgentInstructions:  "Translate into [CALLER_LANGUAGE].",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(prefix string) *observability.Metrics {
	return observability.NewMetrics(prefix + "_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
}

type stubBackend struct {
	mu       sync.Mutex
	appended []string
	closed   bool
}

func (b *stubBackend) SetHandler(translator.Handler) {}

func (b *stubBackend) AppendAudio(audioBase64 string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, audioBase64)
	return nil
}

func (b *stubBackend) ClearInput() error { return nil }

func (b *stubBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func stubDialer(backends *[]*stubBackend, mu *sync.Mutex) relay.BackendDialer {
	return func(context.Context, relay.Leg, string) (relay.BackendConn, error) {
		b := &stubBackend{}
		mu.Lock()
		*backends = append(*backends, b)
		mu.Unlock()
		return b, nil
	}
}

func newTestServer(t *testing.T, prefix string) (*Server, *relay.Registry, *callrecord.InMemoryStore) {
	t.Helper()
	registry := relay.NewRegistry()
	store := callrecord.NewInMemoryStore()
	var backends []*stubBackend
	var mu sync.Mutex
	srv := New(testConfig(), testLogger(), testMetrics(prefix), store, registry, stubDialer(&backends, &mu))
	return srv, registry, store
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := newTestServer(t, "test_httpapi_health")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var payload map[string]any
		if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		if payload["store_mode"] != "in-memory" {
			t.Fatalf("GET %s store_mode = %v, want in-memory", path, payload["store_mode"])
		}
	}
}

func TestRecentCalls(t *testing.T) {
	srv, _, store := newTestServer(t, "test_httpapi_recent")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, sid := range []string{"CA1", "CA2", "CA3"} {
		if err := store.SaveCall(context.Background(), callrecord.Record{CallSid: sid, CallerLanguage: "Spanish"}); err != nil {
			t.Fatalf("SaveCall: %v", err)
		}
	}

	res, err := http.Get(ts.URL + "/v1/calls/recent?limit=2")
	if err != nil {
		t.Fatalf("GET recent calls error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload struct {
		Calls []callrecord.Record `json:"calls"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(payload.Calls))
	}
	if payload.Calls[1].CallSid != "CA3" {
		t.Fatalf("expected newest call last, got %q", payload.Calls[1].CallSid)
	}

	badRes, err := http.Get(ts.URL + "/v1/calls/recent?limit=bogus")
	if err != nil {
		t.Fatalf("GET with bad limit error = %v", err)
	}
	badRes.Body.Close()
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", badRes.StatusCode, http.StatusBadRequest)
	}
}

func TestMediaStreamPairingAndTeardown(t *testing.T) {
	srv, registry, _ := newTestServer(t, "test_httpapi_pairing")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	caller, _, err := websocket.DefaultDialer.Dial(wsURL+"/media/caller", nil)
	if err != nil {
		t.Fatalf("dial caller websocket: %v", err)
	}
	defer caller.Close()
	agent, _, err := websocket.DefaultDialer.Dial(wsURL+"/media/agent", nil)
	if err != nil {
		t.Fatalf("dial agent websocket: %v", err)
	}
	defer agent.Close()

	startFrame := func(streamSid string) map[string]any {
		return map[string]any{
			"event":     "start",
			"streamSid": streamSid,
			"start": map[string]any{
				"streamSid": streamSid,
				"callSid":   "CA100",
				"customParameters": map[string]string{
					"call_ref": "ref-100",
					"language": "Italian",
				},
			},
		}
	}
	if err := caller.WriteJSON(startFrame("MS-caller")); err != nil {
		t.Fatalf("send caller start: %v", err)
	}
	if err := agent.WriteJSON(startFrame("MS-agent")); err != nil {
		t.Fatalf("send agent start: %v", err)
	}

	sess := waitForSession(t, registry, "ref-100", true)
	if sess.CallSid() != "CA100" {
		t.Fatalf("session call sid = %q, want CA100", sess.CallSid())
	}

	if err := caller.WriteJSON(map[string]any{"event": "stop", "streamSid": "MS-caller", "stop": map[string]any{"callSid": "CA100"}}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	waitForSession(t, registry, "ref-100", false)
}

func TestAbnormalDisconnectTearsDownSession(t *testing.T) {
	srv, registry, _ := newTestServer(t, "test_httpapi_disconnect")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	caller, _, err := websocket.DefaultDialer.Dial(wsURL+"/media/caller", nil)
	if err != nil {
		t.Fatalf("dial caller websocket: %v", err)
	}
	defer caller.Close()
	agent, _, err := websocket.DefaultDialer.Dial(wsURL+"/media/agent", nil)
	if err != nil {
		t.Fatalf("dial agent websocket: %v", err)
	}
	defer agent.Close()

	start := func(streamSid string) map[string]any {
		return map[string]any{
			"event":     "start",
			"streamSid": streamSid,
			"start": map[string]any{
				"streamSid": streamSid,
				"callSid":   "CA200",
				"customParameters": map[string]string{
					"call_ref": "ref-200",
					"language": "French",
				},
			},
		}
	}
	if err := caller.WriteJSON(start("MS-caller")); err != nil {
		t.Fatalf("send caller start: %v", err)
	}
	if err := agent.WriteJSON(start("MS-agent")); err != nil {
		t.Fatalf("send agent start: %v", err)
	}
	waitForSession(t, registry, "ref-200", true)

	// Drop the caller socket without a stop frame; teardown must match
	// the stop-frame path.
	if err := caller.Close(); err != nil {
		t.Fatalf("close caller socket: %v", err)
	}
	waitForSession(t, registry, "ref-200", false)
}

// waitForSession polls the registry until the call appears (present=true)
// or disappears (present=false); websocket frames are dispatched on the
// server's read goroutine.
func waitForSession(t *testing.T, registry *relay.Registry, callRef string, present bool) *relay.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := registry.Get(callRef)
		if present && err == nil {
			return sess
		}
		if !present && err != nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry state for %q never reached present=%v", callRef, present)
	return nil
}
