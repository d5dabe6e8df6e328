/**
 * 工具类:API密钥工具
 * @author: sun977
 * @date: 2025.12.19
 * @description: API密钥工具类
 * @func:
 * 	1.哈希API密钥
 * 	2.验证API密钥
 */
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2" // 引入Argon2id算法
)

// APIKeyConfig 密钥哈希配置
type APIKeyConfig struct {
	Memory      uint32 // 内存使用量 (KB)
	Iterations  uint32 // 迭代次数
	Parallelism uint8  // 并行度
	SaltLength  uint32 // 盐长度
	KeyLength   uint32 // 密钥长度
}

// DefaultAPIKeyConfig 默认密钥哈希配置
var DefaultAPIKeyConfig = &APIKeyConfig{
	Memory:      64 * 1024, // 64MB
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// APIKeyManager API密钥管理器
type APIKeyManager struct {
	config *APIKeyConfig
}

// NewAPIKeyManager 创建API密钥管理器
func NewAPIKeyManager(config *APIKeyConfig) *APIKeyManager {
	if config == nil {
		config = DefaultAPIKeyConfig
	}
	return &APIKeyManager{
		config: config,
	}
}

// HashAPIKey 哈希API密钥
// 配置文件中存放哈希值而非明文，泄露配置不等于泄露密钥
func (km *APIKeyManager) HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key cannot be empty")
	}

	// 生成随机盐
	salt, err := generateRandomBytes(km.config.SaltLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	// 使用Argon2id算法哈希密钥
	hash := argon2.IDKey(
		[]byte(key),
		salt,
		km.config.Iterations,
		km.config.Memory,
		km.config.Parallelism,
		km.config.KeyLength,
	)

	// 编码为base64字符串
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	// 格式: $argon2id$v=19$m=65536,t=3,p=2$salt$hash
	encodedHash := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		km.config.Memory,
		km.config.Iterations,
		km.config.Parallelism,
		b64Salt,
		b64Hash,
	)

	return encodedHash, nil
}

// VerifyAPIKey 验证API密钥
// stored 支持两种形式：argon2id哈希值或明文密钥，均使用常量时间比较
func (km *APIKeyManager) VerifyAPIKey(presented, stored string) (bool, error) {
	if presented == "" || stored == "" {
		return false, errors.New("api key and stored value cannot be empty")
	}

	// 明文存储的密钥直接常量时间比较
	if !strings.HasPrefix(stored, "$argon2id$") {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1, nil
	}

	// 解析哈希字符串
	config, salt, hash, err := km.decodeHash(stored)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	// 使用相同参数哈希输入密钥
	otherHash := argon2.IDKey(
		[]byte(presented),
		salt,
		config.Iterations,
		config.Memory,
		config.Parallelism,
		config.KeyLength,
	)

	// 使用常量时间比较防止时序攻击
	return subtle.ConstantTimeCompare(hash, otherHash) == 1, nil
}

// decodeHash 解码哈希字符串
func (km *APIKeyManager) decodeHash(encodedHash string) (*APIKeyConfig, []byte, []byte, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return nil, nil, nil, errors.New("invalid hash format")
	}

	// 检查算法
	if parts[1] != "argon2id" {
		return nil, nil, nil, errors.New("unsupported algorithm")
	}

	// 解析版本
	var version int
	_, err := fmt.Sscanf(parts[2], "v=%d", &version)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, nil, errors.New("incompatible version")
	}

	// 解析参数
	config := &APIKeyConfig{}
	_, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &config.Memory, &config.Iterations, &config.Parallelism)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid parameters: %w", err)
	}

	// 解码盐
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid salt: %w", err)
	}
	config.SaltLength = uint32(len(salt))

	// 解码哈希
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid hash: %w", err)
	}
	config.KeyLength = uint32(len(hash))

	return config, salt, hash, nil
}

// generateRandomBytes 生成随机字节
func generateRandomBytes(n uint32) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GenerateRandomAPIKey 生成随机API密钥
func GenerateRandomAPIKey(length int) (string, error) {
	if length < 16 {
		length = 16
	}
	if length > 128 {
		length = 128
	}

	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		randomBytes, err := generateRandomBytes(1)
		if err != nil {
			return "", err
		}
		b[i] = charset[randomBytes[0]%byte(len(charset))]
	}
	return string(b), nil
}

// HashAPIKeyWithDefaultConfig 使用默认配置哈希API密钥
func HashAPIKeyWithDefaultConfig(key string) (string, error) {
	km := NewAPIKeyManager(nil)
	return km.HashAPIKey(key)
}

// VerifyAPIKeyWithDefaultConfig 使用默认配置验证API密钥
func VerifyAPIKeyWithDefaultConfig(presented, stored string) (bool, error) {
	km := NewAPIKeyManager(nil)
	return km.VerifyAPIKey(presented, stored)
}
