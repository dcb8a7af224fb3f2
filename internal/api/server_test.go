package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ledgerline/session-core/internal/audit"
	"github.com/ledgerline/session-core/internal/authapi"
	"github.com/ledgerline/session-core/internal/device"
	"github.com/ledgerline/session-core/internal/infrastructure/config"
	"github.com/ledgerline/session-core/internal/infrastructure/logging"
	"github.com/ledgerline/session-core/internal/session"
	"github.com/ledgerline/session-core/internal/vault"
)

// --- fakes -----------------------------------------------------------------

type stubBackend struct {
	loginErr error
}

func (b *stubBackend) Login(_ context.Context, _, _, _ string) (authapi.LoginOutcome, error) {
	if b.loginErr != nil {
		return nil, b.loginErr
	}
	return authapi.LoginSuccess{
		User:         authapi.User{ID: "usr-1", Email: "a@b.io", MFAEnabled: true, KYCLevel: "verified"},
		AccessToken:  "at-secret",
		RefreshToken: "rt-secret",
	}, nil
}

func (b *stubBackend) VerifyMFA(_ context.Context, _, _, _ string) (bool, error) {
	return true, nil
}

func (b *stubBackend) Refresh(_ context.Context, _, _ string) (*authapi.TokenPair, error) {
	return &authapi.TokenPair{AccessToken: "at-secret-2", RefreshToken: "rt-secret-2"}, nil
}

func (b *stubBackend) Logout(_ context.Context, _, _ string) error { return nil }

func (b *stubBackend) UpdateKYC(_ context.Context, _ string, _ []authapi.Document) (*authapi.User, error) {
	return &authapi.User{ID: "usr-1", Email: "a@b.io", MFAEnabled: true, KYCLevel: "pending"}, nil
}

type stubVault struct {
	mu      sync.Mutex
	records map[string][]byte
}

func (v *stubVault) Put(_ context.Context, key string, payload []byte, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.records == nil {
		v.records = make(map[string][]byte)
	}
	v.records[key] = payload
	return nil
}

func (v *stubVault) Get(_ context.Context, key string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	payload, ok := v.records[key]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return payload, nil
}

func (v *stubVault) Delete(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.records, key)
	return nil
}

type stubAuditRepo struct{}

func (stubAuditRepo) Create(_ context.Context, _ *audit.Event) error { return nil }

func (stubAuditRepo) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	events := []audit.Event{{ID: "aud-1", Action: "login", Outcome: "success", Source: "controller"}}
	if filter.Action != "" && filter.Action != "login" {
		events = []audit.Event{}
	}
	return &audit.ListResult{Events: events, Total: len(events), Limit: 50}, nil
}

// --- fixture ---------------------------------------------------------------

func testServer(t *testing.T, backend session.Backend) (*httptest.Server, *session.Controller) {
	t.Helper()
	if backend == nil {
		backend = &stubBackend{}
	}

	controller, err := session.New(session.Options{
		Backend:     backend,
		Vault:       &stubVault{},
		Fingerprint: func() (device.Identity, error) { return "fp-test", nil },
	})
	if err != nil {
		t.Fatalf("building controller: %v", err)
	}
	t.Cleanup(controller.Close)

	server, err := New(Deps{
		Config: config.APIConfig{},
		WS: config.WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    60,
		},
		Security:   config.SecurityConfig{MFAMethods: []string{"totp", "sms"}},
		Logger:     logging.Default(),
		Controller: controller,
		AuditRepo:  stubAuditRepo{},
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("building server: %v", err)
	}
	server.hub = NewHub(server.wsCfg, server.logger)
	controller.SetOnStateChange(func(state session.AuthState) {
		server.hub.Broadcast(sessionChannel, redactState(state))
	})

	ts := httptest.NewServer(server.buildRouter())
	t.Cleanup(ts.Close)
	return ts, controller
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded)) //nolint:gosec // test URL
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck // test helper
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return payload
}

// --- tests -----------------------------------------------------------------

func TestHealth(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
}

func TestGetSession_InitiallyUnauthenticated(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/session")
	if err != nil {
		t.Fatalf("GET /session: %v", err)
	}
	body := decodeBody(t, resp)
	if body["state"] != "unauthenticated" {
		t.Errorf("state = %v, want unauthenticated", body["state"])
	}
}

func TestLogin_Success_RedactsTokens(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/session/login", map[string]string{
		"email":    "a@b.io",
		"password": "pw",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test

	if strings.Contains(raw.String(), "at-secret") || strings.Contains(raw.String(), "rt-secret") {
		t.Error("token material leaked into the API response")
	}

	var body map[string]any
	if err := json.Unmarshal(raw.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body["state"] != "authenticated" || body["security_level"] != "high" {
		t.Errorf("unexpected view: %v", body)
	}
	sess, ok := body["session"].(map[string]any)
	if !ok || sess["device_id"] != "fp-test" {
		t.Errorf("session view = %v", body["session"])
	}
}

func TestLogin_InvalidJSON(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/v1/session/login", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLogin_BackendRejection(t *testing.T) {
	ts, _ := testServer(t, &stubBackend{
		loginErr: &authapi.BackendError{StatusCode: 401, Message: "invalid credentials"},
	})

	resp := postJSON(t, ts.URL+"/api/v1/session/login", map[string]string{
		"email":    "a@b.io",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["message"] != "invalid credentials" {
		t.Errorf("message = %v, want server text verbatim", body["message"])
	}
}

func TestVerifyMFA_MethodWhitelist(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/session/mfa", map[string]string{
		"code":   "123456",
		"method": "carrier-pigeon",
	})
	defer resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for disallowed method", resp.StatusCode)
	}
}

func TestVerifyMFA_NothingPending(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/session/mfa", map[string]string{
		"code":   "123456",
		"method": "totp",
	})
	defer resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without pending challenge", resp.StatusCode)
	}
}

func TestLogoutAndActivity(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/session/login", map[string]string{"email": "a@b.io", "password": "pw"})
	resp.Body.Close() //nolint:errcheck // test

	resp, err := http.Post(ts.URL+"/api/v1/session/activity", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /activity: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("activity status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/v1/session/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	body := decodeBody(t, resp)
	if body["state"] != "unauthenticated" {
		t.Errorf("state after logout = %v", body["state"])
	}
}

func TestKYC_Upload(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/session/login", map[string]string{"email": "a@b.io", "password": "pw"})
	resp.Body.Close() //nolint:errcheck // test

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("id_front", "passport.jpg")
	if err != nil {
		t.Fatalf("building multipart: %v", err)
	}
	if _, err := part.Write([]byte("jpeg-bytes")); err != nil {
		t.Fatalf("writing part: %v", err)
	}
	writer.Close() //nolint:errcheck // test

	resp, err = http.Post(ts.URL+"/api/v1/kyc", writer.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /kyc: %v", err)
	}
	body := decodeBody(t, resp)
	if body["kyc_status"] != "pending" {
		t.Errorf("kyc_status = %v, want pending", body["kyc_status"])
	}
}

func TestKYC_RequiresSession(t *testing.T) {
	ts, _ := testServer(t, nil)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, _ := writer.CreateFormFile("id_front", "passport.jpg") //nolint:errcheck // test setup
	part.Write([]byte("x"))                                      //nolint:errcheck // test setup
	writer.Close()                                               //nolint:errcheck // test setup

	resp, err := http.Post(ts.URL+"/api/v1/kyc", writer.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /kyc: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a session", resp.StatusCode)
	}
}

func TestAudit_List(t *testing.T) {
	ts, _ := testServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/audit?action=login")
	if err != nil {
		t.Fatalf("GET /audit: %v", err)
	}
	body := decodeBody(t, resp)
	if body["total"] != float64(1) {
		t.Errorf("total = %v, want 1", body["total"])
	}
}

func TestLoggingMiddleware_PreservesHijacker(t *testing.T) {
	s := &Server{logger: logging.Default()}

	// An upgrade handler needs to steal the raw connection through the
	// logging wrapper.
	handler := s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("wrapped ResponseWriter does not implement http.Hijacker")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack() error = %v", err)
			return
		}
		buf.WriteString("HTTP/1.1 204 No Content\r\n\r\n") //nolint:errcheck // test response
		buf.Flush()                                        //nolint:errcheck // test response
		conn.Close()                                       //nolint:errcheck // test
	}))

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // test
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204 written over the hijacked connection", resp.StatusCode)
	}
}

func TestWebSocket_InitialStatePush(t *testing.T) {
	ts, _ := testServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // test
	}
	defer conn.Close() //nolint:errcheck // test

	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test deadline

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading initial push: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != sessionChannel {
		t.Errorf("initial message = %+v, want session event", msg)
	}

	payload, ok := msg.Payload.(map[string]any)
	if !ok || payload["state"] != "unauthenticated" {
		t.Errorf("initial state payload = %v", msg.Payload)
	}
}

func TestWebSocket_BroadcastOnTransition(t *testing.T) {
	ts, controller := testServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // test
	}
	defer conn.Close() //nolint:errcheck // test

	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline

	// Drain the initial push.
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading initial push: %v", err)
	}

	if _, err := controller.Login(context.Background(), "a@b.io", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	// Login produces transitions (authenticating, authenticated); read
	// until the authenticated one arrives.
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading transition push: %v", err)
		}
		payload, ok := msg.Payload.(map[string]any)
		if !ok {
			continue
		}
		if payload["state"] == "authenticated" {
			if _, leaked := payload["access_token"]; leaked {
				t.Error("token material leaked into websocket push")
			}
			return
		}
	}
}
