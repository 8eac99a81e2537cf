package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/credstore"
	"authgate/internal/session"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	engine   *gin.Engine
	handlers Handlers
	sessions *session.MemoryRegistry
	creds    *credstore.MemoryStore
	events   *audit.MemoryRepo
	codec    *auth.Codec
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	codec, err := auth.NewCodec(config.AuthConfig{
		Secrets:        []string{"test-secret-at-least-32-bytes-long!!"},
		Issuer:         "authgate-test",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	sessions := session.NewMemoryRegistry(time.Hour)
	creds := credstore.NewMemoryStore()
	events := audit.NewMemoryRepo()

	h := Handlers{
		Codec:       codec,
		Sessions:    sessions,
		Credentials: creds,
		Audit:       audit.NewService(events),
		RefreshTTL:  time.Hour,
	}

	engine := gin.New()
	if err := h.Mount(engine); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	return &testServer{
		engine:   engine,
		handlers: h,
		sessions: sessions,
		creds:    creds,
		events:   events,
		codec:    codec,
	}
}

func (ts *testServer) seedUser(t *testing.T, subjectID, username, password, role string) {
	t.Helper()
	hash, err := credstore.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	err = ts.creds.Create(context.Background(), credstore.Principal{
		SubjectID:    subjectID,
		Username:     username,
		Role:         role,
		PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func jsonReq(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// login performs a full login round trip and returns the access token plus
// the refresh cookie.
func (ts *testServer) login(t *testing.T, username, password string) (string, *http.Cookie) {
	t.Helper()
	w := ts.do(jsonReq(http.MethodPost, "/v1/auth/login", gin.H{"username": username, "password": password}))
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: status = %d, body = %s", username, w.Code, w.Body.String())
	}
	var tok tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tok); err != nil {
		t.Fatalf("login response: %v", err)
	}
	cookie := refreshCookieFrom(t, w)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("login did not set a refresh cookie")
	}
	return tok.AccessToken, cookie
}

func refreshCookieFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	return nil
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestLoginAndRoleGatedAccess(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	ts.seedUser(t, "a-1", "root", "rootpassword1", auth.RoleAdmin)

	userToken, _ := ts.login(t, "alice", "hunter2hunter2")

	w := ts.do(bearer(httptest.NewRequest(http.MethodGet, "/v1/me", nil), userToken))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/me: status = %d, body = %s", w.Code, w.Body.String())
	}
	var me struct {
		SubjectID string `json:"subject_id"`
		Role      string `json:"role"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatal(err)
	}
	if me.SubjectID != "u-1" || me.Role != auth.RoleUser {
		t.Fatalf("me = %+v", me)
	}

	w = ts.do(bearer(httptest.NewRequest(http.MethodGet, "/v1/admin/ping", nil), userToken))
	if w.Code != http.StatusForbidden {
		t.Fatalf("user on admin route: status = %d, want 403", w.Code)
	}

	adminToken, _ := ts.login(t, "root", "rootpassword1")
	w = ts.do(bearer(httptest.NewRequest(http.MethodGet, "/v1/admin/ping", nil), adminToken))
	if w.Code != http.StatusOK {
		t.Fatalf("admin on admin route: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)

	unknown := ts.do(jsonReq(http.MethodPost, "/v1/auth/login", gin.H{"username": "nobody", "password": "whatever1"}))
	wrongPw := ts.do(jsonReq(http.MethodPost, "/v1/auth/login", gin.H{"username": "alice", "password": "wrong-password"}))

	if unknown.Code != http.StatusUnauthorized || wrongPw.Code != http.StatusUnauthorized {
		t.Fatalf("statuses = %d, %d, want 401, 401", unknown.Code, wrongPw.Code)
	}
	if unknown.Body.String() != wrongPw.Body.String() {
		t.Fatalf("bodies differ: %q vs %q", unknown.Body.String(), wrongPw.Body.String())
	}
}

func TestRefreshRotatesHandle(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	_, cookie := ts.login(t, "alice", "hunter2hunter2")

	req := jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(cookie)
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d, body = %s", w.Code, w.Body.String())
	}
	var tok tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "" {
		t.Fatal("refresh returned no access token")
	}
	next := refreshCookieFrom(t, w)
	if next == nil || next.Value == "" {
		t.Fatal("refresh did not rotate the cookie")
	}
	if next.Value == cookie.Value {
		t.Fatal("refresh returned the same handle")
	}
}

func TestRefreshCookieNotSentToLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	_, cookie := ts.login(t, "alice", "hunter2hunter2")

	if cookie.Path != refreshCookiePath {
		t.Fatalf("cookie path = %q, want %q", cookie.Path, refreshCookiePath)
	}

	// Replay the Set-Cookie through a real jar and check which requests a
	// browser would attach the handle to.
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	base := &url.URL{Scheme: "https", Host: "authgate.test"}
	jar.SetCookies(base.ResolveReference(&url.URL{Path: "/v1/auth/login"}), []*http.Cookie{cookie})

	for _, path := range []string{"/v1/auth/login", "/v1/auth/register", "/v1/me"} {
		u := base.ResolveReference(&url.URL{Path: path})
		if got := jar.Cookies(u); len(got) != 0 {
			t.Fatalf("refresh handle attached to %s request: %v", path, got)
		}
	}
	for _, path := range []string{"/v1/auth/session/refresh", "/v1/auth/session/logout"} {
		u := base.ResolveReference(&url.URL{Path: path})
		if got := jar.Cookies(u); len(got) != 1 {
			t.Fatalf("refresh handle missing from %s request: %v", path, got)
		}
	}
}

func TestRefreshReuseRevokesAllSessions(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	_, first := ts.login(t, "alice", "hunter2hunter2")

	// Legitimate rotation.
	req := jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(first)
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("first refresh: status = %d", w.Code)
	}
	second := refreshCookieFrom(t, w)

	// Replay of the consumed handle.
	req = jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(first)
	w = ts.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: status = %d, want 401", w.Code)
	}

	// The escalation must have taken the latest, otherwise-valid handle too.
	req = jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(second)
	w = ts.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("latest handle after reuse: status = %d, want 401", w.Code)
	}
	if n := ts.sessions.ActiveCount("u-1"); n != 0 {
		t.Fatalf("active sessions after reuse = %d, want 0", n)
	}

	var sawIncident bool
	for _, e := range ts.events.Events() {
		if e.Type == audit.EventTypeReuseDetected && e.SubjectID == "u-1" {
			sawIncident = true
		}
	}
	if !sawIncident {
		t.Fatal("reuse incident was not audited")
	}
}

func TestExpiredAccessTokenRejected(t *testing.T) {
	ts := newTestServer(t)

	stale, err := ts.codec.Issue(time.Now().Add(-time.Hour), "u-1", auth.RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	w := ts.do(bearer(httptest.NewRequest(http.MethodGet, "/v1/me", nil), stale))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status = %d, want 401", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "token_expired" {
		t.Fatalf("error = %q, want token_expired", body.Error)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	access, cookie := ts.login(t, "alice", "hunter2hunter2")

	req := bearer(jsonReq(http.MethodPost, "/v1/auth/session/logout", nil), access)
	req.AddCookie(cookie)
	w := ts.do(req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout: status = %d, body = %s", w.Code, w.Body.String())
	}
	cleared := refreshCookieFrom(t, w)
	if cleared == nil || cleared.MaxAge != -1 {
		t.Fatal("logout did not clear the refresh cookie")
	}

	req = jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(cookie)
	w = ts.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status = %d, want 401", w.Code)
	}
}

func TestLogoutEverywhere(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)

	// Two independent sessions for the same subject.
	access, _ := ts.login(t, "alice", "hunter2hunter2")
	_, other := ts.login(t, "alice", "hunter2hunter2")

	req := bearer(jsonReq(http.MethodPost, "/v1/auth/session/logout", gin.H{"everywhere": true}), access)
	w := ts.do(req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout everywhere: status = %d", w.Code)
	}

	req = jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(other)
	w = ts.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("other session after logout everywhere: status = %d, want 401", w.Code)
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(jsonReq(http.MethodPost, "/v1/auth/register", gin.H{"username": "bob", "password": "bobpassword1"}))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = ts.do(jsonReq(http.MethodPost, "/v1/auth/register", gin.H{"username": "bob", "password": "bobpassword1"}))
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status = %d, want 409", w.Code)
	}

	ts.login(t, "bob", "bobpassword1")
}

func TestChangeRoleRevokesSessions(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	ts.seedUser(t, "a-1", "root", "rootpassword1", auth.RoleAdmin)

	_, aliceCookie := ts.login(t, "alice", "hunter2hunter2")
	adminToken, _ := ts.login(t, "root", "rootpassword1")

	req := bearer(jsonReq(http.MethodPost, "/v1/admin/roles", gin.H{"subject_id": "u-1", "role": auth.RoleModerator}), adminToken)
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("change role: status = %d, body = %s", w.Code, w.Body.String())
	}

	p, err := ts.creds.FindBySubject(context.Background(), "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Role != auth.RoleModerator {
		t.Fatalf("role = %q, want %q", p.Role, auth.RoleModerator)
	}

	// Old sessions must not outlive the old role.
	req = jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(aliceCookie)
	w = ts.do(req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after role change: status = %d, want 401", w.Code)
	}
}

func TestChangeRoleRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	userToken, _ := ts.login(t, "alice", "hunter2hunter2")

	req := bearer(jsonReq(http.MethodPost, "/v1/admin/roles", gin.H{"subject_id": "u-1", "role": auth.RoleAdmin}), userToken)
	w := ts.do(req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

// failingRegistry simulates an unreachable backing store.
type failingRegistry struct{}

func (failingRegistry) Issue(context.Context, string) (session.Issued, error) {
	return session.Issued{}, session.ErrRegistryUnavailable
}

func (failingRegistry) Rotate(context.Context, string) (session.Issued, error) {
	return session.Issued{}, session.ErrRegistryUnavailable
}

func (failingRegistry) Revoke(context.Context, string) error {
	return session.ErrRegistryUnavailable
}

func (failingRegistry) RevokeAll(context.Context, string) error {
	return session.ErrRegistryUnavailable
}

func TestRegistryOutageIsRetryable(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, "u-1", "alice", "hunter2hunter2", auth.RoleUser)
	_, cookie := ts.login(t, "alice", "hunter2hunter2")

	ts.handlers.Sessions = failingRegistry{}
	engine := gin.New()
	if err := ts.handlers.Mount(engine); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	req := jsonReq(http.MethodPost, "/v1/auth/session/refresh", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != "temporarily_unavailable" {
		t.Fatalf("error = %q, want temporarily_unavailable", body.Error)
	}
}
