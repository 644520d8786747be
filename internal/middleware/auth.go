// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"morphik-go/internal/config"
	"morphik-go/internal/model"
	"morphik-go/pkg/log"
	"morphik-go/pkg/token"
)

const authContextKey = "auth"

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 校验通过后把 model.AuthContext 存入 Gin 的上下文中；开发模式下直接使用配置中的身份。
func AuthMiddleware(jwtManager *token.JWTManager, cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.DevMode {
			c.Set(authContextKey, model.AuthContext{EntityID: cfg.DevEntityID, AppID: cfg.DevAppID})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}

		claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			log.Warnf("[AuthMiddleware] token 校验失败: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set(authContextKey, model.AuthContext{EntityID: claims.EntityID, AppID: claims.AppID})
		c.Next()
	}
}

// GetAuthContext 取出 AuthMiddleware 写入的调用方身份。
func GetAuthContext(c *gin.Context) (model.AuthContext, bool) {
	v, ok := c.Get(authContextKey)
	if !ok {
		return model.AuthContext{}, false
	}
	auth, ok := v.(model.AuthContext)
	return auth, ok
}
