package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"clockline/internal/config"
	"clockline/internal/db"
	"clockline/internal/domain"
	"clockline/internal/engine"
	"clockline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()

	mu    sync.Mutex
	clock time.Time
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) Advance(d time.Duration) {
	s.mu.Lock()
	s.clock = s.clock.Add(d)
	s.mu.Unlock()
}

func (s *testServer) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	testSrv := &testServer{
		client: &http.Client{},
		clock:  time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
	}
	e := engine.New(conn, config.Default())
	e.Now = testSrv.now
	testSrv.Engine = e
	if _, err := e.ConfigureGuild(context.Background(), domain.GuildConfig{
		GuildID:    "g1",
		Mode:       domain.ModeHybrid,
		Timezone:   "UTC",
		AdminRoles: []string{"manager"},
	}, "tester"); err != nil {
		t.Fatalf("configure guild: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv.URL = "http://" + ln.Addr().String()
	testSrv.close = func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asWorker(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func asAdmin(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id, "X-Actor-Roles": "manager"}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestSessionRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/guilds/g1"

	res, data := doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %s", res.StatusCode, data)
	}
	var started SessionResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.UserID != "u1" || started.EndTime != nil {
		t.Fatalf("started session: %+v", started)
	}

	srv.Advance(5 * time.Second)
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double start: status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "already_active" {
		t.Fatalf("double start code: %s", code)
	}

	srv.Advance(2 * time.Hour)
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/stop", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d body %s", res.StatusCode, data)
	}
	var stopped StopSessionResponse
	if err := json.Unmarshal(data, &stopped); err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	wantMs := int64((2*time.Hour + 5*time.Second) / time.Millisecond)
	if stopped.DurationMs != wantMs || stopped.TotalMs != wantMs {
		t.Fatalf("stop durations: %+v want %d", stopped, wantMs)
	}

	srv.Advance(5 * time.Second)
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/stop", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("stop without session: status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "no_active_session" {
		t.Fatalf("stop code: %s", code)
	}
}

func TestStartRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/guilds/g1"

	res, data := doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %s", res.StatusCode, data)
	}
	// a second hit inside the cooldown is rejected before any engine check
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/stop", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d body %s", res.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/guilds/g1/sessions/start", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/guilds/g1"

	res, data := doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %s", res.StatusCode, data)
	}

	// workers cannot force-close others
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/force-close", map[string]any{"user_id": "u1"}, asWorker("u2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("force-close as worker: status %d body %s", res.StatusCode, data)
	}

	srv.Advance(time.Hour)
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/force-close", map[string]any{"user_id": "u1"}, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("force-close: status %d body %s", res.StatusCode, data)
	}

	// adjust the closed session and confirm the total moved
	res, data = doJSON(t, client, http.MethodPost, base+"/workers/u1/adjust", map[string]any{"delta_minutes": -30}, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("adjust: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/workers/u1/total", nil, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("total: status %d body %s", res.StatusCode, data)
	}
	var total TotalResponse
	if err := json.Unmarshal(data, &total); err != nil {
		t.Fatalf("decode total: %v", err)
	}
	if total.TotalMs != 30*60*1000 {
		t.Fatalf("adjusted total: %d", total.TotalMs)
	}

	// zero delta is rejected as an invalid adjustment
	res, data = doJSON(t, client, http.MethodPost, base+"/workers/u1/adjust", map[string]any{"delta_minutes": 0}, asAdmin("boss"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("zero adjust: status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "invalid_adjustment" {
		t.Fatalf("zero adjust code: %s", code)
	}
}

func TestFreezeBlocksStarts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/guilds/g1"

	res, data := doJSON(t, client, http.MethodPost, base+"/freeze", nil, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("freeze: status %d body %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusLocked {
		t.Fatalf("start in frozen guild: status %d body %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "frozen" {
		t.Fatalf("frozen code: %s", code)
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/unfreeze", nil, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unfreeze: status %d body %s", res.StatusCode, data)
	}
	srv.Advance(5 * time.Second)
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start after unfreeze: status %d body %s", res.StatusCode, data)
	}
}

func TestPayrollAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/guilds/g1"

	res, data := doJSON(t, client, http.MethodPost, base+"/sessions/start", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %s", res.StatusCode, data)
	}
	srv.Advance(time.Hour)
	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/stop", map[string]any{}, asWorker("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d body %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/payroll", nil, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("payroll: status %d body %s", res.StatusCode, data)
	}
	var listing []domain.PayrollEntry
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("decode payroll: %v", err)
	}
	if len(listing) != 1 || listing[0].UserID != "u1" || listing[0].TotalMs != 60*60*1000 {
		t.Fatalf("payroll listing: %+v", listing)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?limit=10", nil, asAdmin("boss"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d body %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatalf("no events recorded")
	}
	if page.Items[0].Type != "session.stopped" {
		t.Fatalf("latest event: %s", page.Items[0].Type)
	}
}
