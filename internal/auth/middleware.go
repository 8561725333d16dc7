package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// Guard は保護対象の API に付けるミドルウェアを返します。
// 認証が無効な場合は何もしません。
func (m *Manager) Guard() []gin.HandlerFunc {
	if !m.Enabled() {
		return []gin.HandlerFunc{func(c *gin.Context) { c.Next() }}
	}
	return []gin.HandlerFunc{m.RequireLogin(), m.VerifyCSRF()}
}

// RequireLogin はセッションの有無と有効期限を検証するミドルウェアを返します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		user, ok := session.Get(sessionKeyUser).(string)
		if !ok || user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "ログインが必要です",
			})
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		var code, message string
		switch {
		case issuedAt.IsZero() || now.Sub(issuedAt) > m.policy.MaxLifetime:
			code, message = "SESSION_EXPIRED", "セッションの有効期限が切れました"
		case lastActive.IsZero() || now.Sub(lastActive) > m.policy.IdleTimeout:
			code, message = "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください"
		}
		if code != "" {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": code, "message": message})
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		if err := session.Save(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to refresh session")
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

// VerifyCSRF は状態を変更するリクエストの X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(csrfHeader))) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
			})
			return
		}
		c.Next()
	}
}

// readUnix はセッションに保存した Unix 秒を読み取ります。
// クッキーのエンコード方式によって数値の型が変わります。
func readUnix(v any) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
