package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ThibaudDemay/snapbox-v2-server/internal/config"
)

// tokenTTL は発行したトークンの有効期間
const tokenTTL = 24 * time.Hour

// ErrInvalidCredentials は認証情報の不一致を表すエラー
var ErrInvalidCredentials = errors.New("server: 認証情報が一致しない")

// TokenStore は管理者認証トークンの発行と検証を担う
// トークンはインメモリ保持で、サーバー再起動で無効になる
type TokenStore struct {
	admin config.AdminConfig

	mu     sync.Mutex
	tokens map[string]time.Time // トークン → 有効期限
}

// NewTokenStore は新しいTokenStoreを作成する
func NewTokenStore(admin config.AdminConfig) *TokenStore {
	return &TokenStore{
		admin:  admin,
		tokens: make(map[string]time.Time),
	}
}

// Issue は認証情報を検証し、新しいトークンを発行する
func (t *TokenStore) Issue(username, password string) (string, error) {
	// パスワード未設定の場合は認証自体を無効化する
	if t.admin.Password == "" {
		return "", ErrInvalidCredentials
	}

	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(t.admin.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(t.admin.Password)) == 1
	if !userMatch || !passMatch {
		return "", ErrInvalidCredentials
	}

	token := uuid.New().String()
	t.mu.Lock()
	t.tokens[token] = time.Now().Add(tokenTTL)
	t.mu.Unlock()

	return token, nil
}

// Verify はトークンの有効性を検証する
func (t *TokenStore) Verify(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, exists := t.tokens[token]
	if !exists {
		return false
	}
	if time.Now().After(expiry) {
		delete(t.tokens, token)
		return false
	}
	return true
}

// Middleware はBearerトークンを検証するginミドルウェアを返す
func (t *TokenStore) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || !t.Verify(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証が必要"})
			return
		}
		c.Next()
	}
}
