package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paperkit/internal/config"
)

func newTestRouter(t *testing.T, withCredentials bool) (*gin.Engine, *Manager, *time.Time) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.SessionSecret = "test-secret-0123456789abcdef0123"
	if withCredentials {
		hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("failed to hash password: %v", err)
		}
		cfg.AppUsername = "admin"
		cfg.AppPasswordHash = string(hash)
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(cfg, zerolog.Nop())
	m.now = func() time.Time { return now }

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, m.SessionStore()))
	router.POST("/api/auth/login", m.Login)
	router.GET("/api/auth/session", m.Session)
	protected := router.Group("/api", m.Guard()...)
	protected.POST("/pdf/rotate", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router, m, &now
}

func login(router *gin.Engine, username, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func protectedRequest(router *gin.Engine, cookies []*http.Cookie, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/pdf/rotate", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if token != "" {
		req.Header.Set(csrfHeader, token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesSessionAndCSRF(t *testing.T) {
	router, _, _ := newTestRouter(t, true)

	rec := login(router, "admin", "correct horse")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	token := rec.Header().Get(csrfHeader)
	if len(token) != 64 {
		t.Fatalf("unexpected csrf token: %q", token)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	if rec := protectedRequest(router, cookies, token); rec.Code != http.StatusOK {
		t.Fatalf("authorized request failed: %d", rec.Code)
	}
	if rec := protectedRequest(router, cookies, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("missing csrf should be forbidden, got %d", rec.Code)
	}
	if rec := protectedRequest(router, cookies, "wrong"); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong csrf should be forbidden, got %d", rec.Code)
	}
	if rec := protectedRequest(router, nil, token); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no session should be unauthorized, got %d", rec.Code)
	}
}

func TestIdleSessionExpires(t *testing.T) {
	router, m, now := newTestRouter(t, true)
	rec := login(router, "admin", "correct horse")
	token := rec.Header().Get(csrfHeader)
	cookies := rec.Result().Cookies()

	*now = now.Add(m.policy.IdleTimeout + time.Second)
	res := protectedRequest(router, cookies, token)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", res.Code)
	}
	var payload map[string]any
	_ = json.Unmarshal(res.Body.Bytes(), &payload)
	if payload["code"] != "SESSION_IDLE_TIMEOUT" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	router, m, now := newTestRouter(t, true)

	for i := 1; i <= m.policy.MaxAttempts; i++ {
		rec := login(router, "admin", "wrong")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: unexpected status %d", i, rec.Code)
		}
		var payload map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &payload)
		if got := payload["remainingAttempts"]; got != float64(m.policy.MaxAttempts-i) {
			t.Fatalf("attempt %d: remaining = %v", i, got)
		}
	}

	rec := login(router, "admin", "correct horse")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lock, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	*now = now.Add(m.policy.LockDuration + time.Second)
	if rec := login(router, "admin", "correct horse"); rec.Code != http.StatusNoContent {
		t.Fatalf("login after lock expired failed: %d", rec.Code)
	}
}

func TestWrongUsernameIsRejected(t *testing.T) {
	router, _, _ := newTestRouter(t, true)
	if rec := login(router, "root", "correct horse"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestGuardIsOpenWhenAuthDisabled(t *testing.T) {
	router, m, _ := newTestRouter(t, false)
	if m.Enabled() {
		t.Fatal("auth should be disabled without credentials")
	}
	if rec := protectedRequest(router, nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var payload map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload["authEnabled"] != false || payload["authenticated"] != true {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestReadUnix(t *testing.T) {
	for _, v := range []any{int64(1700000000), 1700000000, float64(1700000000)} {
		if got := readUnix(v); got.Unix() != 1700000000 {
			t.Fatalf("readUnix(%T) = %v", v, got)
		}
	}
	if !readUnix("x").IsZero() {
		t.Fatal("unknown type should be zero")
	}
}
