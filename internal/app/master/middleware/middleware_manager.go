/**
 * 中间件:中间件管理器
 * @author: sun977
 * @date: 2025.12.19
 * @description: 中间件管理器，持有安全配置与密钥校验器，向路由层提供各Gin中间件
 * @func:
 */
package middleware

import (
	"notemaster/internal/config"
	"notemaster/internal/pkg/auth"
)

// MiddlewareManager 中间件管理器
// 负责管理所有Gin框架的中间件，提供统一的中间件接口
type MiddlewareManager struct {
	securityConfig *config.SecurityConfig   // 安全配置，用于认证、日志、CORS中间件
	apiKeyManager  *auth.APIKeyManager      // API密钥校验器，支持明文与argon2id哈希
	streamTokens   *auth.StreamTokenManager // 流令牌校验器，用于SSE订阅认证
}

// NewMiddlewareManager 创建中间件管理器
// 参数:
//   - securityConfig: 安全配置实例
//   - streamTokens: 流令牌管理器实例(与提交接口签发令牌的实例共用)
//
// 返回: 中间件管理器实例
func NewMiddlewareManager(securityConfig *config.SecurityConfig, streamTokens *auth.StreamTokenManager) *MiddlewareManager {
	return &MiddlewareManager{
		securityConfig: securityConfig,
		apiKeyManager:  auth.NewAPIKeyManager(nil),
		streamTokens:   streamTokens,
	}
}
