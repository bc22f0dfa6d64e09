package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/unity-scan/unity-scan-go/internal/config"
)

// unauthorized 返回 401 并中断请求链
func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"status":  "error",
		"message": message,
	})
	c.Abort()
}

// AuthMiddleware 认证中间件
// 校验请求携带的 Bearer token 是否与配置的令牌一致
// 未启用认证时直接放行
func AuthMiddleware(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "未提供认证令牌")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" || token == authHeader {
			unauthorized(c, "认证令牌格式错误")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
			unauthorized(c, "无效的认证令牌")
			return
		}

		// 将 token 存入上下文，供后续处理使用
		c.Set("token", token)
		c.Next()
	}
}
