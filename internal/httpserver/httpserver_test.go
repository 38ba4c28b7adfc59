package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/config"
	"github.com/al-bashkir/opsdash-auth/internal/flows"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/tokenstore"
)

// fakeBackend answers the auth endpoints the console exercises.
func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"otpRequired": true})
	})
	mux.HandleFunc("/auth/verify-otp", func(w http.ResponseWriter, r *http.Request) {
		var req authapi.VerifyOTPRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.OTP != "123456" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid OTP"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"token": "tok-live",
				"user":  map[string]string{"id": "u1", "email": req.Email, "name": "Dana Ops"},
			},
		})
	})
	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-live" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]string{"id": "u1", "email": "a@b.com", "name": "Dana Ops"}})
	})
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	server  *Server
	machine *session.Machine
	store   *tokenstore.Store
}

func newTestEnv(t *testing.T, values map[tokenstore.Key]string) *testEnv {
	t.Helper()
	backend := fakeBackend(t)

	store := tokenstore.New(tokenstore.NewMemoryBackend())
	for k, v := range values {
		store.Set(k, v)
	}
	m := session.New(store)

	client, err := authapi.New(authapi.Options{
		BaseURL:        backend.URL,
		Timeout:        2 * time.Second,
		Tokens:         m,
		OnUnauthorized: m.HandleUnauthorized,
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Listen.HTTP = "127.0.0.1:0"

	server, err := NewServer(cfg, Deps{
		Machine: m,
		Flows:   flows.New(client, m, flows.Options{}),
		Store:   store,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() {
		server.pageLimiter.Stop()
		server.formLimiter.Stop()
	})
	return &testEnv{server: server, machine: m, store: store}
}

func (e *testEnv) get(path string) *http.Response {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w.Result()
}

func (e *testEnv) post(path string, form url.Values) *http.Response {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w.Result()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func expectRedirect(t *testing.T, resp *http.Response, target string) {
	t.Helper()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected status 303, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != target {
		t.Fatalf("expected redirect to %s, got %s", target, loc)
	}
}

func TestNewServerRequiresSession(t *testing.T) {
	if _, err := NewServer(config.DefaultConfig(), Deps{}); err == nil {
		t.Error("expected error without session and flows")
	}
}

func TestTemplatesLoaded(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, name := range []string{"login.html", "otp.html", "forgot.html", "forgot_verify.html", "forgot_reset.html", "dashboard.html", "loading.html", "error.html"} {
		if env.server.templates.Lookup(name) == nil {
			t.Errorf("template %s not loaded", name)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get("/health")
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "ok" || health.Storage != "memory" || health.Version != "test" {
		t.Errorf("unexpected health response %+v", health)
	}
}

func TestGuardRedirectsAnonymous(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		path   string
		target string
	}{
		{"/dashboard", "/login"},
		{"/dashboard/settings", "/login"},
		{"/", "/login"},
		{"/otp", "/login"},
		{"/forgot-password/verify", "/forgot-password"},
		{"/forgot-password/reset", "/forgot-password"},
		{"/no-such-page", "/login"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			expectRedirect(t, env.get(tt.path), tt.target)
		})
	}

	for _, path := range []string{"/login", "/forgot-password"} {
		if resp := env.get(path); resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestLoginOTPLogoutThroughConsole(t *testing.T) {
	env := newTestEnv(t, nil)

	expectRedirect(t, env.post("/login", url.Values{"email": {"a@b.com"}, "password": {"Secret#1"}}), "/otp")
	if env.store.Has(tokenstore.KeyAccessToken) {
		t.Fatal("token stored before OTP verification")
	}

	body := readBody(t, env.get("/otp"))
	if !strings.Contains(body, "a@b.com") {
		t.Error("expected pending email on OTP page")
	}

	resp := env.post("/otp", url.Values{"otp": {"12a45"}})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "OTP must contain only numbers") {
		t.Error("expected OTP validation message")
	}

	resp = env.post("/otp", url.Values{"otp": {"000000"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "Invalid OTP") {
		t.Error("expected server message")
	}

	expectRedirect(t, env.post("/otp", url.Values{"otp": {"123456"}}), "/dashboard")

	body = readBody(t, env.get("/dashboard"))
	if !strings.Contains(body, "Dana Ops") {
		t.Error("expected user name on dashboard")
	}
	expectRedirect(t, env.get("/login"), "/dashboard")

	expectRedirect(t, env.post("/logout", nil), "/login?notice=logged-out")
	expectRedirect(t, env.get("/dashboard"), "/login")
	if env.store.Has(tokenstore.KeyAccessToken) {
		t.Error("token survived logout")
	}
}

func TestLogoutAbandonsPendingFlow(t *testing.T) {
	tests := []struct {
		name   string
		values map[tokenstore.Key]string
	}{
		{"awaiting otp", map[tokenstore.Key]string{tokenstore.KeyOTPEmail: "a@b.com"}},
		{"unverified token", map[tokenstore.Key]string{
			tokenstore.KeyAccessToken: "tok-live",
			tokenstore.KeyOTPEmail:    "a@b.com",
		}},
		{"password reset", map[tokenstore.Key]string{tokenstore.KeyResetEmail: "a@b.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.values)

			expectRedirect(t, env.post("/logout", nil), "/login?notice=logged-out")

			if env.machine.Phase() != (session.Anonymous{}) {
				t.Errorf("phase = %v, want anonymous", env.machine.Phase())
			}
			for _, k := range tokenstore.Keys {
				if env.store.Has(k) {
					t.Errorf("%s survived logout", k)
				}
			}
			expectRedirect(t, env.get("/otp"), "/login")
		})
	}
}

func TestLogoutWhileAnonymousRedirects(t *testing.T) {
	env := newTestEnv(t, nil)
	expectRedirect(t, env.post("/logout", nil), "/login")
}

func TestExpiredTokenReturnsToLogin(t *testing.T) {
	env := newTestEnv(t, map[tokenstore.Key]string{tokenstore.KeyAccessToken: "tok-revoked"})

	expectRedirect(t, env.get("/dashboard"), "/login")

	if env.machine.Phase() != (session.Anonymous{}) {
		t.Errorf("expected anonymous phase, got %v", env.machine.Phase())
	}
	if body := readBody(t, env.get("/login")); !strings.Contains(body, "Your session has expired") {
		t.Error("expected session-expired message on login page")
	}
}

func TestInFlightRequestDefers(t *testing.T) {
	env := newTestEnv(t, nil)

	txn, err := env.machine.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Done()

	resp := env.get("/login")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if resp.Header.Get("Location") != "" {
		t.Error("deferred decision must not redirect")
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.get("/health")

	expectedHeaders := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"X-XSS-Protection":       "1; mode=block",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}

	for header, expectedValue := range expectedHeaders {
		actualValue := resp.Header.Get(header)
		if actualValue != expectedValue {
			t.Errorf("expected %s='%s', got '%s'", header, expectedValue, actualValue)
		}
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	if id := env.get("/health").Header.Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("expected generated UUID, got %q", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "not\na-uuid")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if id := w.Result().Header.Get("X-Request-ID"); strings.Contains(id, "\n") {
		t.Errorf("untrusted request id echoed: %q", id)
	}
}

func TestRateLimiting(t *testing.T) {
	env := newTestEnv(t, nil)

	successCount := 0
	rateLimitCount := 0

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		w := httptest.NewRecorder()

		env.server.Handler().ServeHTTP(w, req)

		if w.Result().StatusCode == http.StatusOK {
			successCount++
		} else if w.Result().StatusCode == http.StatusTooManyRequests {
			rateLimitCount++
		}
	}

	if rateLimitCount == 0 {
		t.Error("expected some requests to be rate limited")
	}
	if successCount == 0 {
		t.Error("expected some requests to succeed")
	}
}

func TestFormRateLimiting(t *testing.T) {
	env := newTestEnv(t, nil)

	limited := false
	for i := 0; i < 10; i++ {
		resp := env.post("/login", url.Values{"email": {"bad"}, "password": {"x"}})
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("attempt %d: expected 422, got %d", i, resp.StatusCode)
		}
	}
	if !limited {
		t.Error("expected credential submissions to be rate limited")
	}
}

func TestGracefulShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	server := env.server

	startErrCh := make(chan error, 1)
	go func() {
		startErrCh <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	select {
	case err := <-startErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expectedIP string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.1:12345",
			expectedIP: "192.0.2.1",
		},
		{
			name:       "ignores X-Forwarded-For (anti-spoofing)",
			remoteAddr: "127.0.0.1:12345",
			expectedIP: "127.0.0.1",
		},
		{
			name:       "IPv6 address",
			remoteAddr: "[::1]:12345",
			expectedIP: "::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr

			req.Header.Set("X-Forwarded-For", "203.0.113.42")
			req.Header.Set("X-Real-IP", "203.0.113.42")

			ip := extractIP(req)
			if ip != tt.expectedIP {
				t.Errorf("expected IP '%s', got '%s'", tt.expectedIP, ip)
			}
		})
	}
}
