/*
 * @author: sun977
 * @date: 2025.11.12
 * @description: 通用的工具包
 * @func:
 */

package utils

import (
	"context"

	"github.com/gin-gonic/gin"
)

// ContextKey 类型用于标准上下文键的定义，避免使用裸字符串造成键冲突
type ContextKey string

// ContextKeyClientIP 标准上下文中存储客户端IP的统一键
const ContextKeyClientIP ContextKey = "client_ip"

// ContextKeyTraceID 标准上下文中存储追踪ID的统一键
const ContextKeyTraceID ContextKey = "trace_id"

// ContextKeyPrincipal 标准上下文中存储调用方标识的统一键
const ContextKeyPrincipal ContextKey = "principal"

// GetPrincipalFromGinContext 从 Gin 上下文中提取当前调用方标识
// 如果不存在则返回空字符串，轻校验
// 来源：principal 最初是API密钥认证中间件写入Gin上下文 APIKeyAuthMiddleware() 中
func GetPrincipalFromGinContext(c *gin.Context) string {
	if v, ok := c.Get("principal"); ok {
		if p, ok2 := v.(string); ok2 {
			return p
		}
	}
	return ""
}

// GetTraceIDFromGinContext 从 Gin 上下文中提取当前追踪ID
// 来源：trace_id 最初是logging中间件写入Gin上下文 GinLoggingMiddleware() 中
func GetTraceIDFromGinContext(c *gin.Context) string {
	if v, ok := c.Get("trace_id"); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}

// GetClientIPFromGinContext 从 Gin 上下文中提取标准化后的客户端IP
// 来源：client_ip 最初是logging中间件写入Gin上下文 GinLoggingMiddleware() 中
func GetClientIPFromGinContext(c *gin.Context) string {
	if v, ok := c.Get("client_ip"); ok {
		if ip, ok2 := v.(string); ok2 {
			return ip
		}
	}
	return ""
}

// GetClientIPFromContext 从标准上下文读取客户端IP（统一键）
// 适用范围：service 层以下获取当前 clientIP 使用
// 来源：clientIPKey 最初是logging中间件写入标准上下文 GinLoggingMiddleware() 中
// 用法示例：ip := utils.GetClientIPFromContext(ctx)
// 说明：
// - 使用 ContextKeyClientIP 作为唯一键，保证读写一致，跨包可用
// - 如果不存在或类型不匹配，返回空字符串
func GetClientIPFromContext(ctx context.Context) string {
	v := ctx.Value(ContextKeyClientIP)
	if ip, ok := v.(string); ok {
		return ip
	}
	return ""
}

// GetTraceIDFromContext 从标准上下文读取追踪ID（统一键）
// 适用范围：service 层以下获取当前 traceID 使用
func GetTraceIDFromContext(ctx context.Context) string {
	v := ctx.Value(ContextKeyTraceID)
	if id, ok := v.(string); ok {
		return id
	}
	return ""
}

// GetPrincipalFromContext 从标准上下文读取调用方标识（统一键）
func GetPrincipalFromContext(ctx context.Context) string {
	v := ctx.Value(ContextKeyPrincipal)
	if p, ok := v.(string); ok {
		return p
	}
	return ""
}
