/**
 * 工具类:流令牌工具
 * @author: sun977
 * @date: 2025.12.19
 * @description: SSE事件流访问令牌工具类
 * @func:
 * 	1.签发流令牌
 * 	2.验证流令牌
 */

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5" // 引入jwt包
)

// 流令牌的受众标识，防止令牌被挪用到其他接口
const streamTokenAudience = "notemaster-stream"

// StreamTokenClaims 流令牌声明结构
// EventSource无法携带自定义请求头，订阅接口改用短期令牌放在查询参数中
type StreamTokenClaims struct {
	TaskID    string `json:"task_id"`   // 令牌绑定的任务ID
	Principal string `json:"principal"` // 签发时的调用方标识
	jwt.RegisteredClaims
}

// StreamTokenManager 流令牌管理器
type StreamTokenManager struct {
	secretKey []byte
	issuer    string
	tokenTTL  time.Duration
}

// NewStreamTokenManager 创建流令牌管理器
func NewStreamTokenManager(secretKey, issuer string, tokenTTL time.Duration) *StreamTokenManager {
	if issuer == "" {
		issuer = "notemaster"
	}
	if tokenTTL <= 0 {
		tokenTTL = 10 * time.Minute
	}
	return &StreamTokenManager{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		tokenTTL:  tokenTTL,
	}
}

// GenerateStreamToken 签发与任务绑定的流令牌
func (m *StreamTokenManager) GenerateStreamToken(taskID, principal string) (string, error) {
	if taskID == "" {
		return "", errors.New("task id cannot be empty")
	}

	now := time.Now()
	claims := &StreamTokenClaims{
		TaskID:    taskID,
		Principal: principal,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   taskID,
			Audience:  []string{streamTokenAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        generateJTI(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// ValidateStreamToken 验证流令牌
func (m *StreamTokenManager) ValidateStreamToken(tokenString string) (*StreamTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &StreamTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*StreamTokenClaims); ok && token.Valid {
		// 检查令牌是否过期
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			return nil, errors.New("stream token has expired")
		}
		// 检查是否为流令牌
		if len(claims.Audience) == 0 || claims.Audience[0] != streamTokenAudience {
			return nil, errors.New("invalid stream token")
		}
		return claims, nil
	}

	return nil, errors.New("invalid stream token")
}

// ValidateStreamTokenForTask 验证流令牌并校验任务归属
// 令牌中的任务ID与订阅的任务ID不一致时拒绝
func (m *StreamTokenManager) ValidateStreamTokenForTask(tokenString, taskID string) (*StreamTokenClaims, error) {
	claims, err := m.ValidateStreamToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TaskID != taskID {
		return nil, errors.New("stream token does not match task")
	}
	return claims, nil
}

// ExtractTokenFromHeader 从Authorization头中提取令牌
func ExtractTokenFromHeader(authHeader string) string {
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		return authHeader[7:]
	}
	return ""
}

// generateJTI 生成JWT ID
func generateJTI() string {
	// 使用纳秒级时间戳确保唯一性
	now := time.Now()
	return now.Format("20060102150405") + "-" + fmt.Sprintf("%09d", now.Nanosecond())
}
