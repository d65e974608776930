package httpapi

import (
	"bufio"
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

	"github.com/trymwestin/beewatch/internal/backend"
	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/config"
	"github.com/trymwestin/beewatch/internal/coordinator"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/media/mediatest"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/transport/transporttest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu       sync.Mutex
	saved    []backend.CameraConfig
	markRead int
	deleted  int
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+backend.NotificationsPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"notifications":[{"id":"n1","message":"Bee entered"},{"id":"n2","message":"Bee left","read":true}]}`)
	})
	mux.HandleFunc("POST "+backend.MarkAllReadPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.markRead++
		b.mu.Unlock()
	})
	mux.HandleFunc("DELETE "+backend.NotificationsPath, func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.deleted++
		b.mu.Unlock()
	})
	mux.HandleFunc("GET "+backend.CameraConfigPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"internal_camera_id":"cam-a","external_camera_id":"cam-b"}`)
	})
	mux.HandleFunc("POST "+backend.CameraConfigPath, func(w http.ResponseWriter, r *http.Request) {
		var cfg backend.CameraConfig
		_ = json.NewDecoder(r.Body).Decode(&cfg)
		b.mu.Lock()
		b.saved = append(b.saved, cfg)
		b.mu.Unlock()
	})
	mux.HandleFunc("GET "+backend.ExternalCameraStatusPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"external_camera_id":"cam-b","is_recording":false}`)
	})
	return mux
}

type fixture struct {
	srv      *httptest.Server
	api      *Server
	coord    *coordinator.Coordinator
	platform *mediatest.Platform
	backend  *fakeBackend
}

func newFixture(t *testing.T, initialize bool) *fixture {
	t.Helper()
	f := &fixture{
		platform: mediatest.New(
			media.Device{ID: "cam-a", Label: "Hive Cam", GroupID: "g1"},
			media.Device{ID: "cam-b", Label: "Entrance Cam", GroupID: "g2"},
		),
		backend: &fakeBackend{},
	}
	backendSrv := httptest.NewServer(f.backend.handler())
	t.Cleanup(backendSrv.Close)
	api, err := backend.New(backendSrv.URL, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Backend.APIBase = backendSrv.URL
	cfg.Backend.WSBase = "ws://backend.test"
	f.coord = coordinator.Assemble(cfg, f.platform, transporttest.NewDialer(), api,
		clock.Fake(time.Unix(1700000000, 0)), testLogger())
	t.Cleanup(func() { f.coord.Destroy(context.Background()) })
	if initialize && !f.coord.Initialize(context.Background()) {
		t.Fatal("coordinator not ready")
	}

	f.api = NewServer(f.coord, true, testLogger())
	f.srv = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	if resp, _ := f.do(t, http.MethodGet, "/api/health", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("before init status = %d", resp.StatusCode)
	}
	f.coord.Initialize(context.Background())
	resp, body := f.do(t, http.MethodGet, "/api/health", "")
	if resp.StatusCode != http.StatusOK || body["ready"] != true {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestCameraLifecycle(t *testing.T) {
	f := newFixture(t, true)

	_, body := f.do(t, http.MethodGet, "/api/cameras", "")
	if cams, _ := body["cameras"].([]interface{}); len(cams) != 2 {
		t.Fatalf("cameras = %v", body["cameras"])
	}

	resp, body := f.do(t, http.MethodPost, "/api/cameras/external/start", `{"device_id":"cam-a"}`)
	if resp.StatusCode != http.StatusOK || body["status"] != string(state.CameraActive) || body["device_id"] != "cam-a" {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	f.backend.mu.Lock()
	saved := f.backend.saved
	f.backend.mu.Unlock()
	if len(saved) != 1 || saved[0].ExternalCameraID != "cam-a" {
		t.Fatalf("saved selection = %+v", saved)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/cameras/external/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop = %d", resp.StatusCode)
	}
	if st := f.coord.Sessions().Status(state.RoleExternal); st != state.CameraInactive {
		t.Fatalf("external = %s", st)
	}
	if f.platform.OpenHandles("cam-a") != 0 {
		t.Fatal("camera still open")
	}
}

func TestCameraStartErrors(t *testing.T) {
	f := newFixture(t, true)

	if resp, _ := f.do(t, http.MethodPost, "/api/cameras/garage/start", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown role status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/cameras/internal/start", `{"device_id":"cam-z"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", resp.StatusCode)
	}

	f.platform.FailOpen("cam-a", media.ErrDeviceUnreadable)
	resp, body := f.do(t, http.MethodPost, "/api/cameras/internal/start", `{"device_id":"cam-a"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy device status = %d", resp.StatusCode)
	}
	e, _ := body["error"].(map[string]interface{})
	if e["kind"] != string(media.KindDeviceUnreadable) || e["remedies"] == nil {
		t.Fatalf("error body = %v", body)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/cameras/retry-reset", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("retry-reset = %d", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodPost, "/api/cameras/internal/retry", "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(state.CameraActive) {
		t.Fatalf("retry = %d %v", resp.StatusCode, body)
	}
}

func TestExternalStatusProxy(t *testing.T) {
	f := newFixture(t, true)
	resp, body := f.do(t, http.MethodGet, "/api/cameras/external/status", "")
	if resp.StatusCode != http.StatusOK || body["external_camera_id"] != "cam-b" {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
}

func TestNotifications(t *testing.T) {
	f := newFixture(t, true)
	deadline := time.Now().Add(2 * time.Second)
	for !f.coord.Events().Synced() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, body := f.do(t, http.MethodGet, "/api/notifications", "")
	if body["unread"] != float64(1) {
		t.Fatalf("notifications = %v", body)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/notifications/mark-all-read", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("mark-all-read = %d", resp.StatusCode)
	}
	_, body = f.do(t, http.MethodGet, "/api/notifications", "")
	if body["unread"] != float64(0) {
		t.Fatalf("after mark read = %v", body)
	}

	if resp, _ := f.do(t, http.MethodDelete, "/api/notifications", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	_, body = f.do(t, http.MethodGet, "/api/notifications", "")
	if list, _ := body["notifications"].([]interface{}); len(list) != 0 {
		t.Fatalf("after delete = %v", body)
	}

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	if f.backend.markRead != 1 || f.backend.deleted != 1 {
		t.Fatalf("backend calls: mark %d delete %d", f.backend.markRead, f.backend.deleted)
	}
}

func TestStreaming(t *testing.T) {
	f := newFixture(t, true)
	if _, err := f.coord.Store().ApplyStreamingDelta([]byte(`{"bee_status":"outside"}`)); err != nil {
		t.Fatal(err)
	}
	_, body := f.do(t, http.MethodGet, "/api/streaming", "")
	st, _ := body["streaming"].(map[string]interface{})
	if st["last_bee_status"] != "outside" {
		t.Fatalf("streaming = %v", body)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	expect := func(event string) {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended before %s", event)
				}
				if l == "event: "+event {
					return
				}
			case <-timeout:
				t.Fatalf("no %s event", event)
			}
		}
	}
	expect("snapshot")
	f.coord.Store().SetCameraStatus(state.RoleExternal, state.CameraStarting, "cam-b")
	expect(string(state.EventCameraStatus))
}

func TestShutdownEndsEventStreams(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewUnstartedServer(f.api.Handler())
	srv.Config.RegisterOnShutdown(f.api.CloseStreams)
	srv.Start()
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	ended := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(ended)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream still open after shutdown")
	}
}
