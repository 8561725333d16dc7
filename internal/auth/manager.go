// Package auth はローカル利用向けのパスフレーズ認証を提供します。
//
// APP_USERNAME と APP_PASSWORD_HASH が設定されている場合だけ有効になり、
// 署名付きクッキーのセッションと CSRF トークン（ダブルサブミット方式）で API を保護します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/paperkit/internal/config"
)

const (
	SessionCookieName = "pk_session"

	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

// ContextUserKey はログイン済みユーザー名を gin.Context に載せるキーです。
const ContextUserKey = "auth.user"

// Policy はセッションとログイン試行の制限です。
type Policy struct {
	MaxLifetime   time.Duration
	IdleTimeout   time.Duration
	AttemptWindow time.Duration
	LockDuration  time.Duration
	MaxAttempts   int
}

// DefaultPolicy は既定の制限です。
var DefaultPolicy = Policy{
	MaxLifetime:   12 * time.Hour,
	IdleTimeout:   30 * time.Minute,
	AttemptWindow: 15 * time.Minute,
	LockDuration:  10 * time.Minute,
	MaxAttempts:   5,
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg    *config.Config
	policy Policy
	now    func() time.Time
	logger zerolog.Logger

	limiter *limiter
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		policy: DefaultPolicy,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}
	m.limiter = newLimiter(m.policy, func() time.Time { return m.now() })
	return m
}

// Enabled は認証が有効かどうかを返します。
func (m *Manager) Enabled() bool {
	return m.cfg.AuthEnabled()
}

// SessionStore はセッション用の署名付きクッキーストアを作成します。
func (m *Manager) SessionStore() sessions.Store {
	store := cookie.NewStore([]byte(m.cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(m.policy.MaxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	return store
}

func (m *Manager) ensureCredentials() error {
	if m.cfg.AppUsername == "" {
		return errors.New("APP_USERNAME が設定されていません")
	}
	if m.cfg.AppPasswordHash == "" {
		return errors.New("APP_PASSWORD_HASH が設定されていません")
	}
	if m.cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

func (m *Manager) verify(username, password string) bool {
	// ユーザー名が違っても bcrypt の比較は行う
	hashErr := bcrypt.CompareHashAndPassword([]byte(m.cfg.AppPasswordHash), []byte(password))
	return username == m.cfg.AppUsername && hashErr == nil
}

// limiter は送信元 IP ごとのログイン失敗回数を数えます。
type limiter struct {
	policy Policy
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptState
}

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

func newLimiter(p Policy, now func() time.Time) *limiter {
	return &limiter{policy: p, now: now, attempts: make(map[string]*attemptState)}
}

// locked はロック中なら残り時間を返します。
func (l *limiter) locked(ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.attempts[ip]
	if !ok {
		return 0
	}
	if wait := state.lockedUntil.Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}

// fail は失敗を記録し、ロックまでの残り回数を返します。
func (l *limiter) fail(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > l.policy.AttemptWindow {
		state = &attemptState{firstAttempt: now}
		l.attempts[ip] = state
	}
	state.count++
	if state.count >= l.policy.MaxAttempts {
		state.count = l.policy.MaxAttempts
		state.lockedUntil = now.Add(l.policy.LockDuration)
	}
	return max(l.policy.MaxAttempts-state.count, 0)
}

func (l *limiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
