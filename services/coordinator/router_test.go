package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"logarchive/pkg/protocol"
	"logarchive/services/coordinator/internal/inflight"
	"logarchive/services/coordinator/internal/inventory"
)

func newTestServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	handler, err := h.svc.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func noRedirect(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before bus status %d", resp.StatusCode)
	}

	if err := h.svc.AttachBus(context.Background(), newFakeBus()); err != nil {
		t.Fatalf("AttachBus: %v", err)
	}
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after bus status %d", resp.StatusCode)
	}
}

func TestBundleRedirect(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h)
	client := &http.Client{CheckRedirect: noRedirect}

	tests := []struct {
		query   string
		status  int
		wantTTL time.Duration
	}{
		{"", http.StatusFound, defaultPresignTTL},
		{"?host=" + hostA + "&request=abc", http.StatusFound, defaultPresignTTL},
		{"?ttl=60", http.StatusFound, time.Minute},
		{"?ttl=999999", http.StatusFound, maxPresignTTL},
		{"?ttl=abc", http.StatusBadRequest, 0},
		{"?ttl=-5", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h.bundles.mu.Lock()
			h.bundles.calls = nil
			h.bundles.mu.Unlock()

			resp, err := client.Get(srv.URL + bundlePath + tt.query)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != http.StatusFound {
				return
			}
			if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "https://objects.example.com/agents/"+defaultBundleKey) {
				t.Fatalf("unexpected location %q", loc)
			}
			h.bundles.mu.Lock()
			calls := append([]presignCall(nil), h.bundles.calls...)
			h.bundles.mu.Unlock()
			want := []presignCall{{key: defaultBundleKey, ttl: tt.wantTTL}}
			if diff := cmp.Diff(want, calls, cmp.AllowUnexported(presignCall{})); diff != "" {
				t.Fatalf("presign calls (-want +got):\n%s", diff)
			}
		})
	}
}

type unreachableInventory struct {
	*inventory.Memory
}

func (unreachableInventory) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadinessChecksInventory(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.AttachBus(context.Background(), newFakeBus()); err != nil {
		t.Fatalf("AttachBus: %v", err)
	}
	h.svc.inventory = unreachableInventory{h.inventory}
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body["error"], "connection refused") {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestBundleRateLimited(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h)
	client := &http.Client{CheckRedirect: noRedirect}

	for i := 0; i < bundleRequestLimit; i++ {
		resp, err := client.Get(srv.URL + bundlePath)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("request %d status %d", i, resp.StatusCode)
		}
	}

	resp, err := client.Get(srv.URL + bundlePath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d after limit, want 429", resp.StatusCode)
	}
}

func TestDebugHosts(t *testing.T) {
	h := newHarness(t)
	h.svc.pollInventory(context.Background())
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/debug/hosts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var list hostList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Generation != 1 || list.Version != testVersion || len(list.Hosts) != 1 || list.Hosts[0].UUID != hostA {
		t.Fatalf("unexpected host list %+v", list)
	}

	resp2, err := http.Get(srv.URL + "/debug/hosts/" + hostA)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("host status %d", resp2.StatusCode)
	}

	resp3, err := http.Get(srv.URL + "/debug/hosts/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("missing host status %d", resp3.StatusCode)
	}
}

func TestDebugInflights(t *testing.T) {
	h := newHarness(t)
	srv := newTestServer(t, h)

	resp, err := http.Get(srv.URL + "/debug/inflights")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var dump []inflight.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&dump); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dump) != 1 {
		t.Fatalf("expected only the sysinfo request, got %+v", dump)
	}

	resp2, err := http.Get(srv.URL + "/debug/inflights/" + dump[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	var snap inflight.Snapshot
	if err := json.NewDecoder(resp2.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ID != dump[0].ID {
		t.Fatalf("got %+v", snap)
	}

	resp3, err := http.Get(srv.URL + "/debug/inflights/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("missing inflight status %d", resp3.StatusCode)
	}
}

func TestAttachOverWebSocket(t *testing.T) {
	h := newHarness(t)
	h.svc.pollInventory(context.Background())
	srv := newTestServer(t, h)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.AttachPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := protocol.NewWSConn(ws)
	defer conn.Close()

	if err := conn.Send(protocol.Identify{ServerUUID: hostA, DeployedVersion: testVersion, PID: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := conn.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Type() != protocol.TypeIdentifyOK {
		t.Fatalf("got %s, want identify_ok", msg.Type())
	}
	msg, err = conn.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if diff := cmp.Diff(protocol.EnableHeartbeat{Timeout: 8000}, msg); diff != "" {
		t.Fatalf("enable_heartbeat mismatch (-want +got):\n%s", diff)
	}
	waitFor(t, h.svc.tracker.Lookup(hostA).Connected)
}

func TestRegisterMetrics(t *testing.T) {
	h := newHarness(t)
	h.svc.pollInventory(context.Background())

	reg := prometheus.NewRegistry()
	if err := h.svc.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]float64)
	for _, f := range families {
		got[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
	}
	want := map[string]float64{
		"logarchive_coordinator_hosts":             1,
		"logarchive_coordinator_hosts_connected":   0,
		"logarchive_coordinator_hosts_configured":  0,
		"logarchive_coordinator_inflight_requests": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metrics mismatch (-want +got):\n%s", diff)
	}
}
