/**
 * 模型:错误定义
 * @author: sun977
 * @date: 2025.12.19
 * @description: 系统错误常量和错误辅助函数
 * @func: 认证相关错误常量、NewValidationError、IsValidationError
 */
package system

import "errors"

// 认证与访问控制相关错误
var (
	// 凭证错误
	ErrMissingAPIKey = errors.New("缺少API密钥")
	ErrInvalidAPIKey = errors.New("API密钥无效")

	// 流令牌错误
	ErrTokenExpired = errors.New("令牌已过期")
	ErrTokenInvalid = errors.New("令牌无效")

	// 访问控制错误
	ErrIPNotAllowed = errors.New("客户端IP不在白名单内")
	ErrUnauthorized = errors.New("未授权访问")
)

// NewValidationError 创建验证错误
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		Message: message,
	}
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
