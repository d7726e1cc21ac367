package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"ncsi-sideband/internal/events"
	"ncsi-sideband/internal/link"
	"ncsi-sideband/internal/ncsi"
	"ncsi-sideband/internal/sideband"
	"ncsi-sideband/internal/store"
)

type stubController struct {
	bus        *events.Bus
	status     sideband.Status
	statusErr  error
	history    []*store.ProbeRecord
	historyErr error
	lastLimit  int
	restarts   int
	restartErr error
}

func newStubController() *stubController {
	var topo ncsi.Topology
	p, _ := topo.AddPackage(0)
	c, _ := p.AddChannel(1)
	c.HasLink = true
	return &stubController{
		bus: events.NewBus(testLogger()),
		status: sideband.Status{
			Mode: sideband.ModeDaemon,
			Link: "eth0",
			Engine: ncsi.Snapshot{
				Phase:    ncsi.PhaseReady,
				Channel:  1,
				Topology: topo,
				Stats:    ncsi.Stats{FramesSent: 9, BadChecksum: 2},
			},
		},
	}
}

func (c *stubController) Status(context.Context) (sideband.Status, error) {
	return c.status, c.statusErr
}

func (c *stubController) Restart() error {
	c.restarts++
	return c.restartErr
}

func (c *stubController) History(limit int) ([]*store.ProbeRecord, error) {
	c.lastLimit = limit
	return c.history, c.historyErr
}

func (c *stubController) Events() *events.Bus { return c.bus }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *stubController) {
	t.Helper()
	ctrl := newStubController()
	opts = append([]ServerOption{WithInterfaces(func() ([]link.Device, error) {
		return []link.Device{{Name: "eth0", MAC: "02:00:00:00:00:01"}}, nil
	})}, opts...)
	srv := NewServer(ctrl, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, ctrl
}

func do(srv *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got struct {
		Mode   string `json:"mode"`
		Link   string `json:"link"`
		Engine struct {
			Phase   string `json:"phase"`
			Channel uint8  `json:"channel"`
		} `json:"engine"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Mode != "daemon" || got.Link != "eth0" || got.Engine.Phase != "ready" || got.Engine.Channel != 1 {
		t.Errorf("body = %+v", got)
	}
}

func TestAPIStatusStopped(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	ctrl.statusErr = sideband.ErrStopped
	if w := do(srv, "GET", "/api/status", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	ctrl.statusErr = errors.New("boom")
	if w := do(srv, "GET", "/api/topology", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestAPITopology(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/topology", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var topo ncsi.Topology
	if err := json.NewDecoder(w.Body).Decode(&topo); err != nil {
		t.Fatal(err)
	}
	if ch := topo.Channel(0, 1); ch == nil || !ch.HasLink {
		t.Errorf("topology = %+v", topo)
	}
}

func TestAPIStats(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/stats", nil)
	var got struct {
		Stats   ncsi.Stats `json:"stats"`
		Dropped uint64     `json:"dropped"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Stats.FramesSent != 9 || got.Dropped != 2 {
		t.Errorf("stats = %+v", got)
	}
}

func TestAPIHistory(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"default", "", http.StatusOK, defaultHistoryLimit},
		{"explicit", "?limit=3", http.StatusOK, 3},
		{"all", "?limit=0", http.StatusOK, 0},
		{"negative", "?limit=-1", http.StatusBadRequest, -99},
		{"garbage", "?limit=abc", http.StatusBadRequest, -99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ctrl := setupTestServer(t)
			ctrl.lastLimit = -99
			ctrl.history = []*store.ProbeRecord{{ID: 2, Outcome: store.OutcomeReady}}
			w := do(srv, "GET", "/api/history"+tt.query, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if ctrl.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", ctrl.lastLimit, tt.wantLimit)
			}
		})
	}
}

func TestAPIHistoryEmptyIsArray(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/history", nil)
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestAPIInterfaces(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/interfaces", nil)
	var devs []link.Device
	if err := json.NewDecoder(w.Body).Decode(&devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].Name != "eth0" {
		t.Errorf("interfaces = %+v", devs)
	}

	srv, _ = setupTestServer(t, WithInterfaces(func() ([]link.Device, error) {
		return nil, errors.New("no libpcap")
	}))
	if w := do(srv, "GET", "/api/interfaces", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))
	w := do(srv, "GET", "/api/version", nil)
	if !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAPIRestart(t *testing.T) {
	srv, ctrl := setupTestServer(t)
	if w := do(srv, "POST", "/api/restart", nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if ctrl.restarts != 1 {
		t.Errorf("restarts = %d", ctrl.restarts)
	}

	ctrl.restartErr = sideband.ErrStopped
	if w := do(srv, "POST", "/api/restart", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped status = %d, want 503", w.Code)
	}

	if w := do(srv, "GET", "/api/restart", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", w.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))

	if w := do(srv, "GET", "/api/status", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}
	if w := do(srv, "GET", "/api/status", map[string]string{"X-API-Key": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if w := do(srv, "GET", "/api/status", map[string]string{"X-API-Key": "secret"}); w.Code != http.StatusOK {
		t.Errorf("right key: status = %d, want 200", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, ctrl := setupTestServer(t, WithAllowedOrigins([]string{"http://bmc.local"}))

	w := do(srv, "OPTIONS", "/api/restart", map[string]string{"Origin": "http://bmc.local"})
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://bmc.local" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
	if w := do(srv, "OPTIONS", "/api/restart", map[string]string{"Origin": "http://evil"}); w.Code != http.StatusForbidden {
		t.Errorf("bad preflight = %d, want 403", w.Code)
	}
	if w := do(srv, "POST", "/api/restart", map[string]string{"Origin": "http://evil"}); w.Code != http.StatusForbidden {
		t.Errorf("cross-origin POST = %d, want 403", w.Code)
	}
	if ctrl.restarts != 0 {
		t.Errorf("forbidden request restarted the engine")
	}
	if w := do(srv, "GET", "/api/status", map[string]string{"Origin": "http://evil"}); w.Code != http.StatusOK {
		t.Errorf("cross-origin GET = %d, want 200", w.Code)
	}
}
