// internal/api/auth_middleware.go
package api

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reelweave/ReelWeaver/internal/auth"
	"github.com/reelweave/ReelWeaver/internal/config"
)

const contextUserKey = "user_id"
const contextDeviceKey = "device_id"

var sessionConfig *auth.SessionConfig

// InitializeAuth initializes the session token system with config
func InitializeAuth() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	var secret []byte

	switch {
	case cfg.SessionSecret != "":
		secret = []byte(cfg.SessionSecret)
	case cfg.DebugMode:
		// Fixed key in development so sessions survive restarts
		secret = []byte("dev_session_key_for_testing_purposes_only")
		log.Printf("⚠️ 警告: 开发模式下使用固定会话密钥，生产环境请设置 SESSION_SECRET")
	default:
		var err error
		secret, err = auth.GenerateSecret(32)
		if err != nil {
			// Derived fallback, better than refusing to start
			secret = []byte(fmt.Sprintf("%s_%d_%d", cfg.DataDir, time.Now().UnixNano(), os.Getpid()))
			log.Printf("Warning: using a derived session key, set SESSION_SECRET for stable sessions")
		}
	}

	if len(secret) < 32 {
		padded := make([]byte, 32)
		copy(padded, secret)
		secret = padded
	}

	sessionConfig = &auth.SessionConfig{
		Secret:   secret,
		Lifetime: 30 * 24 * time.Hour,
	}

	return nil
}

// SessionMiddleware resolves the calling user from the Authorization header.
// Debug mode additionally accepts a bare X-User-ID header so the mobile
// client can be exercised without a login round trip.
func SessionMiddleware(required bool) gin.HandlerFunc {
	response := NewResponseHelper()

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, found := strings.CutPrefix(header, "Bearer "); found && token != "" {
			session, err := auth.VerifyToken(token, sessionConfig)
			if err != nil {
				response.Unauthorized(c, "会话无效或已过期", err.Error())
				c.Abort()
				return
			}
			c.Set(contextUserKey, session.UserID)
			c.Set(contextDeviceKey, session.DeviceID)
			c.Next()
			return
		}

		cfg := config.GetCurrentConfig()
		if cfg != nil && cfg.DebugMode {
			if userID := c.GetHeader("X-User-ID"); userID != "" {
				c.Set(contextUserKey, userID)
				c.Next()
				return
			}
		}

		if required {
			response.Unauthorized(c, "缺少会话令牌")
			c.Abort()
			return
		}

		c.Next()
	}
}

// currentUserID 获取当前请求的用户，中间件保证非空
func currentUserID(c *gin.Context) string {
	return c.GetString(contextUserKey)
}

// IssueSessionToken 为用户签发会话令牌，供登录处理器调用
func IssueSessionToken(userID, deviceID string) (string, error) {
	return auth.IssueToken(userID, deviceID, sessionConfig)
}
