package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は POST /api/auth/login のハンドラーです。
// 成功時は 204 を返し、X-CSRF-Token ヘッダーでトークンを渡します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		m.logger.Error().Err(err).Msg("auth is not configured")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
		})
		return
	}

	ip := c.ClientIP()
	if wait := m.limiter.locked(ip); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
		})
		return
	}

	if !m.verify(req.Username, req.Password) {
		remaining := m.limiter.fail(ip)
		m.logger.Warn().Str("ip", ip).Int("remaining", remaining).Msg("login failed")
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": remaining,
		})
		return
	}
	m.limiter.reset(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now().Unix()
	session.Clear()
	session.Set(sessionKeyUser, m.cfg.AppUsername)
	session.Set(sessionKeyIssuedAt, now)
	session.Set(sessionKeyLastActive, now)
	session.Set(sessionKeyCSRF, token)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.Status(http.StatusNoContent)
}

// Logout は POST /api/auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Session は GET /api/auth/session のハンドラーです。
// 画面の再読み込み後に CSRF トークンを取り直すために使います。
func (m *Manager) Session(c *gin.Context) {
	if !m.Enabled() {
		c.JSON(http.StatusOK, gin.H{"authEnabled": false, "authenticated": true})
		return
	}
	session := sessions.Default(c)
	user, _ := session.Get(sessionKeyUser).(string)
	token, _ := session.Get(sessionKeyCSRF).(string)
	if user == "" || token == "" {
		c.JSON(http.StatusOK, gin.H{"authEnabled": true, "authenticated": false})
		return
	}
	c.Header(csrfHeader, token)
	c.JSON(http.StatusOK, gin.H{"authEnabled": true, "authenticated": true, "user": user})
}
