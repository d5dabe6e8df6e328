package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// GlobalConfig 全局配置实例
	GlobalConfig *Config
)

// LoadConfig 加载配置文件
// configPath: 配置文件路径，如果为空则使用默认路径
// env: 环境标识，支持 development, test, production
func LoadConfig(configPath, env string) (*Config, error) {
	// 设置默认环境
	if env == "" {
		env = getEnvFromEnvironment()
	}

	// 创建viper实例
	v := viper.New()

	// 设置配置文件类型
	v.SetConfigType("yaml")

	// 设置配置文件路径
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	// 根据环境选择配置文件
	configFile := getConfigFileName(configPath, env)
	v.SetConfigFile(configFile)

	// 设置环境变量前缀
	v.SetEnvPrefix("NOTEMASTER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 绑定环境变量
	bindEnvironmentVariables(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	// 解析配置到结构体
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// 设置全局配置
	GlobalConfig = &config

	return &config, nil
}

// getEnvFromEnvironment 从环境变量获取环境标识
func getEnvFromEnvironment() string {
	env := DefaultEnvManager.GetString("env", "")
	if env == "" {
		env = os.Getenv("GO_ENV")
	}
	if env == "" {
		env = "development" // 默认开发环境
	}
	return env
}

// getDefaultConfigPath 获取默认配置文件路径
func getDefaultConfigPath() string {
	// 尝试从环境变量获取配置路径，缺省使用 configs 目录
	return DefaultEnvManager.GetString("config_path", "configs")
}

// getConfigFileName 根据环境获取配置文件名
func getConfigFileName(configPath, env string) string {
	var configFile string

	switch env {
	case "production", "prod":
		configFile = filepath.Join(configPath, "config.prod.yaml")
	case "test", "testing":
		configFile = filepath.Join(configPath, "config.test.yaml")
	default:
		configFile = filepath.Join(configPath, "config.yaml")
	}

	// 检查文件是否存在，如果不存在则使用默认配置文件
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		defaultConfig := filepath.Join(configPath, "config.yaml")
		if _, err := os.Stat(defaultConfig); err == nil {
			return defaultConfig
		}
	}

	return configFile
}

// bindEnvironmentVariables 绑定环境变量
func bindEnvironmentVariables(v *viper.Viper) {
	// 数据库配置
	v.BindEnv("database.mysql.host", "NOTEMASTER_MYSQL_HOST")
	v.BindEnv("database.mysql.port", "NOTEMASTER_MYSQL_PORT")
	v.BindEnv("database.mysql.username", "NOTEMASTER_MYSQL_USERNAME")
	v.BindEnv("database.mysql.password", "NOTEMASTER_MYSQL_PASSWORD")
	v.BindEnv("database.mysql.database", "NOTEMASTER_MYSQL_DATABASE")

	v.BindEnv("database.redis.host", "NOTEMASTER_REDIS_HOST")
	v.BindEnv("database.redis.port", "NOTEMASTER_REDIS_PORT")
	v.BindEnv("database.redis.password", "NOTEMASTER_REDIS_PASSWORD")
	v.BindEnv("database.redis.database", "NOTEMASTER_REDIS_DATABASE")

	// 流令牌配置
	v.BindEnv("security.jwt.secret", "NOTEMASTER_JWT_SECRET")
	v.BindEnv("security.jwt.stream_token_expire", "NOTEMASTER_JWT_STREAM_TOKEN_EXPIRE")
	v.BindEnv("security.jwt.issuer", "NOTEMASTER_JWT_ISSUER")

	// 安全配置
	v.BindEnv("security.cors.allow_origins", "NOTEMASTER_CORS_ALLOW_ORIGINS")

	// 大模型服务配置
	v.BindEnv("llm.base_url", "NOTEMASTER_LLM_BASE_URL")
	v.BindEnv("llm.api_key", "NOTEMASTER_LLM_API_KEY")
	v.BindEnv("llm.model", "NOTEMASTER_LLM_MODEL")

	// 准入控制配置
	v.BindEnv("admission.global_max_concurrent", "NOTEMASTER_ADMISSION_GLOBAL_MAX_CONCURRENT")
	v.BindEnv("admission.per_principal_per_window", "NOTEMASTER_ADMISSION_PER_PRINCIPAL_PER_WINDOW")
	v.BindEnv("admission.per_ip_per_window", "NOTEMASTER_ADMISSION_PER_IP_PER_WINDOW")

	// 服务器配置
	v.BindEnv("server.host", "NOTEMASTER_SERVER_HOST")
	v.BindEnv("server.port", "NOTEMASTER_SERVER_PORT")
	v.BindEnv("server.mode", "NOTEMASTER_SERVER_MODE")

	// 应用配置
	v.BindEnv("app.environment", "NOTEMASTER_APP_ENVIRONMENT")
	v.BindEnv("app.debug", "NOTEMASTER_APP_DEBUG")
}

// applyDefaults 填充缺省配置
// 只补零值字段，显式配置永远优先
func applyDefaults(config *Config) {
	if config == nil {
		return
	}

	if config.Security.Auth.APIKeyHeader == "" {
		config.Security.Auth.APIKeyHeader = "X-API-Key"
	}

	if config.Admission.GlobalMaxConcurrent <= 0 {
		config.Admission.GlobalMaxConcurrent = 8
	}
	if config.Admission.PerPrincipalPerWindow <= 0 {
		config.Admission.PerPrincipalPerWindow = 30
	}
	if config.Admission.PerIPPerWindow <= 0 {
		config.Admission.PerIPPerWindow = 60
	}
	if config.Admission.Window <= 0 {
		config.Admission.Window = time.Minute
	}
	if config.Admission.QueueTimeout <= 0 {
		config.Admission.QueueTimeout = 5 * time.Second
	}

	if config.Pipeline.DefinitionsFile == "" {
		config.Pipeline.DefinitionsFile = filepath.Join(getDefaultConfigPath(), "pipelines.yaml")
	}
	if config.Pipeline.Default == "" {
		config.Pipeline.Default = "xhs_note"
	}
	if config.Pipeline.MaxImages <= 0 {
		config.Pipeline.MaxImages = 9
	}
	if config.Pipeline.Timeout <= 0 {
		config.Pipeline.Timeout = 10 * time.Minute
	}
	if config.Pipeline.OrphanGrace <= 0 {
		config.Pipeline.OrphanGrace = 5 * time.Minute
	}
	if config.Pipeline.StatusCacheTTL <= 0 {
		config.Pipeline.StatusCacheTTL = 30 * time.Second
	}

	if config.Stream.QueueDepth <= 0 {
		config.Stream.QueueDepth = 256
	}
	if config.Stream.BacklogDepth <= 0 {
		config.Stream.BacklogDepth = 16
	}
	if config.Stream.HeartbeatInterval <= 0 {
		config.Stream.HeartbeatInterval = 15 * time.Second
	}

	if config.LLM.Timeout <= 0 {
		config.LLM.Timeout = 2 * time.Minute
	}
	if config.LLM.MaxTokens <= 0 {
		config.LLM.MaxTokens = 2048
	}
	if config.LLM.Temperature <= 0 {
		config.LLM.Temperature = 0.7
	}
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	// 验证服务器配置
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.Mode != "debug" && config.Server.Mode != "release" && config.Server.Mode != "test" {
		return fmt.Errorf("invalid server mode: %s", config.Server.Mode)
	}

	// 验证数据库配置(仅在启用时要求连接参数)
	if config.Database.MySQL.Enabled {
		if config.Database.MySQL.Host == "" {
			return fmt.Errorf("mysql host is required")
		}
		if config.Database.MySQL.Database == "" {
			return fmt.Errorf("mysql database name is required")
		}
	}

	if config.Database.Redis.Enabled && config.Database.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	// 验证流令牌配置
	if config.Security.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	if len(config.Security.JWT.Secret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 characters long")
	}

	// 生产环境必须配置API密钥，否则所有调用方都会被拒绝
	if config.App.IsProduction() && len(config.Security.Auth.APIKeys) == 0 {
		return fmt.Errorf("api keys are required in production")
	}
	for i, entry := range config.Security.Auth.APIKeys {
		if strings.TrimSpace(entry.Name) == "" {
			return fmt.Errorf("security.auth.api_keys[%d].name is required", i)
		}
		if strings.TrimSpace(entry.Key) == "" {
			return fmt.Errorf("security.auth.api_keys[%d].key is required", i)
		}
	}

	// 验证日志配置
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	if !contains(validLogLevels, config.Log.Level) {
		return fmt.Errorf("invalid log level: %s", config.Log.Level)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Log.Format) {
		return fmt.Errorf("invalid log format: %s", config.Log.Format)
	}

	validLogOutputs := []string{"stdout", "stderr", "file"}
	if !contains(validLogOutputs, config.Log.Output) {
		return fmt.Errorf("invalid log output: %s", config.Log.Output)
	}

	// 如果日志输出到文件，验证文件路径
	if config.Log.Output == "file" && config.Log.FilePath == "" {
		return fmt.Errorf("log file path is required when output is file")
	}

	// 验证准入控制配置
	if config.Admission.GlobalMaxConcurrent <= 0 {
		return fmt.Errorf("admission.global_max_concurrent must be positive")
	}
	if config.Admission.Window <= 0 {
		return fmt.Errorf("admission.window must be positive")
	}
	if config.Admission.QueueTimeout <= 0 {
		return fmt.Errorf("admission.queue_timeout must be positive")
	}

	// 验证流水线配置
	if strings.TrimSpace(config.Pipeline.DefinitionsFile) == "" {
		return fmt.Errorf("pipeline.definitions_file is required")
	}
	if strings.TrimSpace(config.Pipeline.Default) == "" {
		return fmt.Errorf("pipeline.default is required")
	}

	return nil
}

// contains 检查切片是否包含指定元素
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return GlobalConfig
}

// MustLoadConfig 加载配置，如果失败则panic
func MustLoadConfig(configPath, env string) *Config {
	config, err := LoadConfig(configPath, env)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return config
}

// ReloadConfig 重新加载配置
func ReloadConfig() error {
	if GlobalConfig == nil {
		return fmt.Errorf("global config is not initialized")
	}

	// 重新加载配置
	config, err := LoadConfig("", "")
	if err != nil {
		return err
	}

	GlobalConfig = config
	return nil
}

// GetEnv 获取当前环境
func GetEnv() string {
	if GlobalConfig != nil {
		return GlobalConfig.App.Environment
	}
	return getEnvFromEnvironment()
}

// IsDevelopment 判断是否为开发环境
func IsDevelopment() bool {
	if GlobalConfig != nil {
		return GlobalConfig.App.IsDevelopment()
	}
	return GetEnv() == "development"
}

// IsProduction 判断是否为生产环境
func IsProduction() bool {
	if GlobalConfig != nil {
		return GlobalConfig.App.IsProduction()
	}
	return GetEnv() == "production"
}

// IsTest 判断是否为测试环境
func IsTest() bool {
	if GlobalConfig != nil {
		return GlobalConfig.App.IsTest()
	}
	return GetEnv() == "test"
}
