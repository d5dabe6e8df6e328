/**
 * 中间件:认证相关中间件
 * @author: sun977
 * @date: 2025.12.19
 * @description: 定义认证相关中间件
 * @func:
 *   - GinAPIKeyAuthMiddleware: Gin API密钥认证中间件
 *   - GinStreamAuthMiddleware: Gin 事件流认证中间件(流令牌或API密钥)
 *   - GinIPWhitelistMiddleware: Gin IP白名单中间件
 *   - extractAPIKeyFromRequest: 从请求中提取API密钥
 */
package middleware

import (
	"context"
	"net/http"
	"strings"

	"notemaster/internal/model/system"
	"notemaster/internal/pkg/auth"
	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/utils"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// API密钥认证中间件
// =============================================================================

// GinAPIKeyAuthMiddleware Gin API密钥认证中间件
// 验证请求头中的API密钥，并将调用方身份(principal)存储到Gin上下文与请求上下文中
// 使用方式: router.Use(middlewareManager.GinAPIKeyAuthMiddleware())
func (m *MiddlewareManager) GinAPIKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 配置的跳过路径不需要认证
		if m.shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		// 从请求中提取API密钥
		presented, err := m.extractAPIKeyFromRequest(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, system.APIResponse{
				Code:    http.StatusUnauthorized,
				Status:  "failed",
				Message: "missing or invalid api key",
				Error:   err.Error(),
			})
			c.Abort()
			return
		}

		// 与配置的密钥条目逐一比对，命中即确定调用方身份
		principal := m.resolvePrincipal(presented)
		if principal == "" {
			clientIP := utils.NormalizeIP(c.ClientIP())
			logger.LogAuditOperation("", "api_key_auth", c.Request.URL.Path, "denied", clientIP, c.GetHeader("User-Agent"), utils.GetTraceIDFromGinContext(c), map[string]interface{}{
				"operation": "api_key_auth",
				"timestamp": logger.NowFormatted(),
			})
			c.JSON(http.StatusUnauthorized, system.APIResponse{
				Code:    http.StatusUnauthorized,
				Status:  "failed",
				Message: "invalid api key",
				Error:   system.ErrInvalidAPIKey.Error(),
			})
			c.Abort()
			return
		}

		// 将调用方身份写入Gin上下文与请求上下文，供处理器与准入控制使用
		m.setPrincipal(c, principal)

		// 继续处理请求
		c.Next()
	}
}

// =============================================================================
// 事件流认证中间件
// =============================================================================

// GinStreamAuthMiddleware Gin 事件流认证中间件
// SSE订阅接口的认证入口：优先校验查询参数中的流令牌(浏览器EventSource无法携带请求头)，
// 未携带令牌时回退到API密钥认证。流令牌与路径中的任务ID绑定
// 使用方式: group.GET("/:id/events", middlewareManager.GinStreamAuthMiddleware(), handler.Stream)
func (m *MiddlewareManager) GinStreamAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("id")

		// 查询参数中的流令牌优先
		if token := c.Query("token"); token != "" {
			claims, err := m.streamTokens.ValidateStreamTokenForTask(token, taskID)
			if err != nil {
				c.JSON(http.StatusUnauthorized, system.APIResponse{
					Code:    http.StatusUnauthorized,
					Status:  "failed",
					Message: "invalid stream token",
					Error:   err.Error(),
				})
				c.Abort()
				return
			}
			m.setPrincipal(c, claims.Principal)
			c.Next()
			return
		}

		// 回退到API密钥认证
		presented, err := m.extractAPIKeyFromRequest(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, system.APIResponse{
				Code:    http.StatusUnauthorized,
				Status:  "failed",
				Message: "stream token or api key is required",
				Error:   err.Error(),
			})
			c.Abort()
			return
		}
		principal := m.resolvePrincipal(presented)
		if principal == "" {
			c.JSON(http.StatusUnauthorized, system.APIResponse{
				Code:    http.StatusUnauthorized,
				Status:  "failed",
				Message: "invalid api key",
				Error:   system.ErrInvalidAPIKey.Error(),
			})
			c.Abort()
			return
		}
		m.setPrincipal(c, principal)
		c.Next()
	}
}

// =============================================================================
// IP白名单中间件
// =============================================================================

// GinIPWhitelistMiddleware Gin IP白名单中间件
// 启用时仅放行白名单内的客户端IP
// 使用方式: router.Use(middlewareManager.GinIPWhitelistMiddleware())
func (m *MiddlewareManager) GinIPWhitelistMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.securityConfig.Auth.EnableIPWhitelist {
			c.Next()
			return
		}

		clientIP := utils.NormalizeIP(c.ClientIP())
		for _, allowed := range m.securityConfig.Auth.WhitelistIPs {
			if utils.NormalizeIP(allowed) == clientIP {
				c.Next()
				return
			}
		}

		logger.LogAuditOperation("", "ip_whitelist", c.Request.URL.Path, "denied", clientIP, c.GetHeader("User-Agent"), utils.GetTraceIDFromGinContext(c), map[string]interface{}{
			"operation": "ip_whitelist_check",
			"timestamp": logger.NowFormatted(),
		})
		c.JSON(http.StatusForbidden, system.APIResponse{
			Code:    http.StatusForbidden,
			Status:  "failed",
			Message: "client ip not allowed",
			Error:   system.ErrIPNotAllowed.Error(),
		})
		c.Abort()
	}
}

// =============================================================================
// 辅助方法
// =============================================================================

// extractAPIKeyFromRequest 从请求中提取API密钥
// 优先读取配置的密钥请求头(默认X-API-Key)，其次回退到Authorization Bearer
func (m *MiddlewareManager) extractAPIKeyFromRequest(c *gin.Context) (string, error) {
	header := m.securityConfig.Auth.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}

	if key := strings.TrimSpace(c.GetHeader(header)); key != "" {
		return key, nil
	}

	// Authorization: Bearer <key>
	if token := auth.ExtractTokenFromHeader(c.GetHeader("Authorization")); token != "" {
		return token, nil
	}

	return "", &system.ValidationError{Field: header, Message: "api key is required"}
}

// resolvePrincipal 将提交的密钥与配置条目比对，返回命中的调用方标识
// 未命中任何条目返回空字符串
func (m *MiddlewareManager) resolvePrincipal(presented string) string {
	for _, entry := range m.securityConfig.Auth.APIKeys {
		ok, err := m.apiKeyManager.VerifyAPIKey(presented, entry.Key)
		if err == nil && ok {
			return entry.Name
		}
	}
	return ""
}

// setPrincipal 将调用方身份写入Gin上下文与请求上下文
func (m *MiddlewareManager) setPrincipal(c *gin.Context, principal string) {
	c.Set("principal", principal)
	ctx := context.WithValue(c.Request.Context(), utils.ContextKeyPrincipal, principal)
	c.Request = c.Request.WithContext(ctx)
}

// shouldSkipAuth 判断路径是否在跳过认证的前缀列表内
func (m *MiddlewareManager) shouldSkipAuth(path string) bool {
	for _, skip := range m.securityConfig.Auth.SkipPaths {
		if skip != "" && strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}
