package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/config"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/store"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/supervisor"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/wapp"
)

// stubClient is a no-op transport; the handler tests only exercise routing
// and validation, not session semantics.
type stubClient struct {
	events chan wapp.Event
}

func (s *stubClient) Connect(ctx context.Context) error { return nil }
func (s *stubClient) Disconnect()                       {}
func (s *stubClient) Close()                            {}
func (s *stubClient) IsConnected() bool                 { return true }
func (s *stubClient) IsLoggedIn() bool                  { return true }
func (s *stubClient) SendText(ctx context.Context, toPhone, body string) (string, error) {
	return "3EB0TEST", nil
}
func (s *stubClient) Download(ctx context.Context, msg *wapp.IncomingMessage) ([]byte, error) {
	return nil, nil
}
func (s *stubClient) RecentConversations(ctx context.Context, window time.Duration) ([]wapp.Conversation, error) {
	return nil, nil
}
func (s *stubClient) SetDisplayName(ctx context.Context, name string) error { return nil }
func (s *stubClient) SetStatusText(ctx context.Context, text string) error  { return nil }
func (s *stubClient) SetPicture(ctx context.Context, jpeg []byte) error     { return nil }
func (s *stubClient) Events() <-chan wapp.Event                             { return s.events }

type stubStore struct{}

func (stubStore) SavePendingQR(ctx context.Context, accountID, qrImage string) error { return nil }
func (stubStore) MarkConnected(ctx context.Context, accountID string) error          { return nil }
func (stubStore) MarkDisconnected(ctx context.Context, accountID string) error       { return nil }
func (stubStore) TouchUpdatedAt(ctx context.Context, accountID string) error         { return nil }
func (stubStore) GetProxyServer(ctx context.Context, accountID string) ([]byte, error) {
	return nil, nil
}
func (stubStore) GetProfileSettings(ctx context.Context, accountID string) (*store.ProfileSettings, error) {
	return nil, nil
}
func (stubStore) GetWarmupPeers(ctx context.Context, accountID string) ([]string, error) {
	return nil, nil
}
func (stubStore) FindMessage(ctx context.Context, key store.MessageKey) (*store.ExistingMessage, error) {
	return nil, nil
}
func (stubStore) InsertMessage(ctx context.Context, rec store.MessageRecord) error { return nil }
func (stubStore) SetMessageRead(ctx context.Context, id int64, read bool) error    { return nil }
func (stubStore) UploadMedia(ctx context.Context, objectPath string, data []byte, mimeType string) (string, error) {
	return "", nil
}
func (stubStore) FetchURL(ctx context.Context, rawURL string) ([]byte, error) { return nil, nil }

func newTestServer(t *testing.T) (*mux.Router, *supervisor.Registry) {
	t.Helper()

	cfg := &config.Config{
		Port:                 "0",
		SessionsDir:          t.TempDir(),
		QRTimeout:            time.Hour,
		IdleTimeout:          time.Hour,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		RatePerHour:          1000,
	}

	factory := func(ctx context.Context, accountID string, fp fingerprint.Profile, proxyURL, sessionsDir string) (wapp.Client, error) {
		return &stubClient{events: make(chan wapp.Event, 1)}, nil
	}

	registry := supervisor.New(cfg, factory, nil)
	registry.SetStoreFactory(func(storeURL, storeKey string) supervisor.Store { return stubStore{} })
	t.Cleanup(registry.Shutdown)

	router := mux.NewRouter()
	NewServer(registry).RegisterRoutes(router)
	return router, registry
}

func doRequest(router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("bad response body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	out := decode(t, rec)
	if out["status"] != "ok" {
		t.Errorf("status field = %v", out["status"])
	}
	if out["clients"] != float64(0) {
		t.Errorf("clients = %v", out["clients"])
	}
}

func TestInitializeValidation(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/initialize", `{"accountId":"a1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(router, http.MethodPost, "/api/initialize", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestInitializeAndStatus(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/initialize",
		`{"accountId":"a1","userId":"u1","storeUrl":"https://s.example.com","storeKey":"k"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if out := decode(t, rec); out["success"] != true {
		t.Errorf("success = %v", out["success"])
	}

	rec = doRequest(router, http.MethodGet, "/api/status/a1", "")
	if out := decode(t, rec); out["connected"] != true {
		t.Errorf("connected = %v", out["connected"])
	}

	rec = doRequest(router, http.MethodGet, "/api/status/unknown", "")
	if out := decode(t, rec); out["connected"] != false {
		t.Errorf("connected = %v for unknown account", out["connected"])
	}
}

func TestSendMessageValidation(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/send-message", `{"accountId":"a1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendMessageNoSession(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/send-message",
		`{"accountId":"ghost","phoneNumber":"4917012345","message":"hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSendMessageQueued(t *testing.T) {
	router, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/api/initialize",
		`{"accountId":"a1","storeUrl":"https://s.example.com","storeKey":"k"}`)

	rec := doRequest(router, http.MethodPost, "/api/send-message",
		`{"accountId":"a1","phoneNumber":"4917012345","message":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if out := decode(t, rec); out["message"] != "Message queued" {
		t.Errorf("message = %v", out["message"])
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/disconnect", `{"accountId":"ghost"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	router, registry := newTestServer(t)

	doRequest(router, http.MethodPost, "/api/initialize",
		`{"accountId":"a1","storeUrl":"https://s.example.com","storeKey":"k"}`)

	rec := doRequest(router, http.MethodPost, "/api/disconnect", `{"accountId":"a1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if registry.Has("a1") {
		t.Error("session survived disconnect")
	}
}

func TestServerStatus(t *testing.T) {
	router, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/api/initialize",
		`{"accountId":"a1","storeUrl":"https://s.example.com","storeKey":"k"}`)

	rec := doRequest(router, http.MethodGet, "/api/status", "")
	out := decode(t, rec)

	if out["activeClients"] != float64(1) {
		t.Errorf("activeClients = %v", out["activeClients"])
	}
	clients, ok := out["clients"].([]interface{})
	if !ok || len(clients) != 1 {
		t.Fatalf("clients = %v", out["clients"])
	}
	entry := clients[0].(map[string]interface{})
	if entry["accountId"] != "a1" {
		t.Errorf("accountId = %v", entry["accountId"])
	}
	if _, ok := out["memory"]; !ok {
		t.Error("memory stats missing")
	}
	if _, ok := out["uptime"]; !ok {
		t.Error("uptime missing")
	}
}

func TestFingerprintEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/api/fingerprint", `{"accountId":"a1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	out := decode(t, rec)
	fp, ok := out["fingerprint"].(map[string]interface{})
	if !ok {
		t.Fatalf("fingerprint = %v", out["fingerprint"])
	}
	for _, key := range []string{"userAgent", "resolution", "timezone", "cores"} {
		if _, ok := fp[key]; !ok {
			t.Errorf("fingerprint missing %q", key)
		}
	}

	// Same account id yields the same profile on every call.
	rec2 := doRequest(router, http.MethodPost, "/api/fingerprint", `{"accountId":"a1"}`)
	out2 := decode(t, rec2)
	if fp2 := out2["fingerprint"].(map[string]interface{}); fp2["userAgent"] != fp["userAgent"] {
		t.Error("fingerprint not deterministic across calls")
	}
}

func TestHeartbeat(t *testing.T) {
	router, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/api/initialize",
		`{"accountId":"a1","storeUrl":"https://s.example.com","storeKey":"k"}`)

	rec := doRequest(router, http.MethodPost, "/api/heartbeat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	out := decode(t, rec)
	sessions, ok := out["sessions"].([]interface{})
	if !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v", out["sessions"])
	}
	entry := sessions[0].(map[string]interface{})
	if entry["accountId"] != "a1" || entry["connected"] != true {
		t.Errorf("unexpected session entry: %v", entry)
	}
}
