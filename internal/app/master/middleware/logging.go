/**
 * 中间件:日志相关中间件
 * @author: sun977
 * @date: 2025.12.19
 * @description: 定义日志中间件
 * @func:
 *   - GinLoggingMiddleware Gin日志中间件[把客户端IP与追踪ID存储到Gin上下文和标准上下文,供后续使用]
 */
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notemaster/internal/pkg/logger"
	"notemaster/internal/pkg/utils"

	"github.com/gin-gonic/gin"
)

// GinLoggingMiddleware Gin日志中间件
// 记录所有HTTP请求的访问日志和错误日志
// 使用方式: router.Use(middlewareManager.GinLoggingMiddleware())
func (m *MiddlewareManager) GinLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 提取并格式化客户端IP
		clientIP := utils.NormalizeIP(c.ClientIP())

		// 追踪ID沿用调用方传入的X-Request-ID，未传入则生成新的
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = utils.NewTraceID()
		}

		// 存储到Gin上下文
		c.Set("client_ip", clientIP) // 标准化后的客户端IP，准入控制按此限流
		c.Set("trace_id", traceID)

		// 存储到标准上下文
		// handler使用Gin上下文，service层使用标准上下文，两边都要可取
		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, utils.ContextKeyClientIP, clientIP)
		ctx = context.WithValue(ctx, utils.ContextKeyTraceID, traceID)
		c.Request = c.Request.WithContext(ctx)

		// 响应头回传追踪ID，便于调用方关联日志
		c.Header("X-Request-ID", traceID)

		// 处理请求
		c.Next()

		// 配置的跳过路径不记录访问日志(健康检查等高频探测)
		if m.shouldSkipLogging(c.Request.URL.Path) {
			return
		}

		duration := time.Since(start)
		statusCode := c.Writer.Status()
		principal := utils.GetPrincipalFromGinContext(c)

		// 记录访问日志
		if m.securityConfig.Logging.EnableRequestLog {
			logger.LogAccessRequest(c, start, traceID, principal)
		}

		// 慢请求告警
		if threshold := m.securityConfig.Logging.SlowRequestThreshold; threshold > 0 && duration > threshold {
			logger.WithFields(map[string]interface{}{
				"path":         c.Request.URL.Path,
				"method":       c.Request.Method,
				"duration_ms":  duration.Milliseconds(),
				"threshold_ms": threshold.Milliseconds(),
				"status_code":  statusCode,
				"client_ip":    clientIP,
				"trace_id":     traceID,
				"principal":    principal,
				"func_name":    "middleware.GinLoggingMiddleware",
			}).Warn("慢请求")
		}

		// 如果是错误状态码，记录错误日志
		if statusCode >= 400 {
			errorMsg := ""
			if errs := c.Errors; len(errs) > 0 {
				errorMsg = errs.String()
			} else {
				errorMsg = http.StatusText(statusCode)
			}

			logger.LogError(fmt.Errorf("HTTP %d: %s", statusCode, errorMsg), traceID, "", clientIP, c.Request.URL.Path, c.Request.Method, map[string]interface{}{
				"operation":   "http_request",
				"method":      c.Request.Method,
				"url":         c.Request.URL.String(),
				"status_code": statusCode,
				"principal":   principal,
				"client_ip":   clientIP,
				"user_agent":  c.GetHeader("User-Agent"),
				"trace_id":    traceID,
				"timestamp":   logger.NowFormatted(),
			})
		}
	}
}

// shouldSkipLogging 判断路径是否在跳过日志的前缀列表内
func (m *MiddlewareManager) shouldSkipLogging(path string) bool {
	for _, skip := range m.securityConfig.Logging.SkipPaths {
		if skip != "" && strings.HasPrefix(path, skip) {
			return true
		}
	}
	return false
}
