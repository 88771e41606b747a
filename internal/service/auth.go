package service

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const sessionTTL = 12 * time.Hour

// AuthService guards the admin surface with TOTP login and short-lived
// session tokens.
type AuthService struct {
	logger     *zap.Logger
	totpSecret string

	mu       sync.Mutex
	sessions map[string]time.Time
}

func NewAuthService(logger *zap.Logger, totpSecret string) *AuthService {
	return &AuthService{
		logger:     logger,
		totpSecret: totpSecret,
		sessions:   make(map[string]time.Time),
	}
}

func (a *AuthService) ValidateToken(token string) bool {
	valid := totp.Validate(token, a.totpSecret)
	if valid {
		a.logger.Info("TOTP token validation successful")
	} else {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

// CreateSession mints a session token after a successful TOTP login.
func (a *AuthService) CreateSession() string {
	token := uuid.NewString()
	a.mu.Lock()
	a.sessions[token] = time.Now().Add(sessionTTL)
	a.mu.Unlock()
	return token
}

func (a *AuthService) isValidSession(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	expiry, ok := a.sessions[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(a.sessions, token)
		return false
	}
	return true
}

// Middleware rejects requests without a valid session cookie. Health and
// webhook endpoints are exempt; webhooks carry their own verification.
func (a *AuthService) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" ||
			path == "/api/v1/auth/login" ||
			len(path) >= 17 && path[:17] == "/api/v1/webhooks/" {
			c.Next()
			return
		}

		token, err := c.Cookie("auth_token")
		if err != nil || !a.isValidSession(token) {
			c.JSON(401, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		c.Next()
	}
}
