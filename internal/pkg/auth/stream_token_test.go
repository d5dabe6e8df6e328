package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testStreamSecret = "stream_token_test_secret_at_least_32_chars"

// TestGenerateStreamToken 测试流令牌签发
func TestGenerateStreamToken(t *testing.T) {
	manager := NewStreamTokenManager(testStreamSecret, "notemaster-test", 10*time.Minute)

	token, err := manager.GenerateStreamToken("task-123", "test-client")
	assert.NoError(t, err, "签发流令牌不应该出错")
	assert.NotEmpty(t, token, "流令牌不应该为空")

	// JWT应该有三个部分，用.分隔
	parts := strings.Split(token, ".")
	assert.Equal(t, 3, len(parts), "流令牌应该有3个部分")

	// 空任务ID应该被拒绝
	_, err = manager.GenerateStreamToken("", "test-client")
	assert.Error(t, err, "空任务ID应该签发失败")
}

// TestValidateStreamToken 测试流令牌验证
func TestValidateStreamToken(t *testing.T) {
	manager := NewStreamTokenManager(testStreamSecret, "notemaster-test", 10*time.Minute)

	token, err := manager.GenerateStreamToken("task-123", "test-client")
	assert.NoError(t, err)

	claims, err := manager.ValidateStreamToken(token)
	assert.NoError(t, err, "验证流令牌不应该出错")
	assert.Equal(t, "task-123", claims.TaskID, "任务ID应该一致")
	assert.Equal(t, "test-client", claims.Principal, "调用方标识应该一致")
	assert.Equal(t, "notemaster-test", claims.Issuer, "签发者应该一致")

	// 篡改后的令牌应该验证失败
	_, err = manager.ValidateStreamToken(token + "x")
	assert.Error(t, err, "篡改的令牌应该验证失败")

	// 错误密钥签发的令牌应该验证失败
	other := NewStreamTokenManager("another_stream_token_secret_32_chars!!", "notemaster-test", 10*time.Minute)
	foreign, err := other.GenerateStreamToken("task-123", "test-client")
	assert.NoError(t, err)
	_, err = manager.ValidateStreamToken(foreign)
	assert.Error(t, err, "其他密钥签发的令牌应该验证失败")
}

// TestValidateStreamTokenForTask 测试令牌与任务归属校验
func TestValidateStreamTokenForTask(t *testing.T) {
	manager := NewStreamTokenManager(testStreamSecret, "notemaster-test", 10*time.Minute)

	token, err := manager.GenerateStreamToken("task-123", "test-client")
	assert.NoError(t, err)

	// 匹配的任务ID验证通过
	claims, err := manager.ValidateStreamTokenForTask(token, "task-123")
	assert.NoError(t, err)
	assert.Equal(t, "task-123", claims.TaskID)

	// 不匹配的任务ID应该被拒绝
	_, err = manager.ValidateStreamTokenForTask(token, "task-456")
	assert.Error(t, err, "令牌绑定的任务与订阅任务不一致时应该拒绝")
}

// TestStreamTokenExpiry 测试流令牌过期
func TestStreamTokenExpiry(t *testing.T) {
	// 签发一个立即过期的令牌
	manager := NewStreamTokenManager(testStreamSecret, "notemaster-test", time.Millisecond)

	token, err := manager.GenerateStreamToken("task-123", "test-client")
	assert.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = manager.ValidateStreamToken(token)
	assert.Error(t, err, "过期令牌应该验证失败")
}

// TestExtractTokenFromHeader 测试从请求头提取令牌
func TestExtractTokenFromHeader(t *testing.T) {
	assert.Equal(t, "abc.def.ghi", ExtractTokenFromHeader("Bearer abc.def.ghi"))
	assert.Equal(t, "", ExtractTokenFromHeader("abc.def.ghi"), "缺少Bearer前缀应该返回空")
	assert.Equal(t, "", ExtractTokenFromHeader(""), "空请求头应该返回空")
	assert.Equal(t, "", ExtractTokenFromHeader("Basic dXNlcg=="), "非Bearer认证应该返回空")
}
