package config

import (
	"fmt"
	"strings"
	"time"
)

// Config 应用配置结构体 [这里的字段和配置文件中一级字段保持一致，否则会没有值]
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`       // 服务器配置
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`   // 数据库配置
	Log       LogConfig       `yaml:"log" mapstructure:"log"`             // 日志配置
	Security  SecurityConfig  `yaml:"security" mapstructure:"security"`   // 安全配置
	Admission AdmissionConfig `yaml:"admission" mapstructure:"admission"` // 准入控制配置
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`   // 流水线配置
	Stream    StreamConfig    `yaml:"stream" mapstructure:"stream"`       // 事件流配置
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`             // 大模型服务配置
	Monitor   MonitorConfig   `yaml:"monitor" mapstructure:"monitor"`     // 监控配置
	App       AppConfig       `yaml:"app" mapstructure:"app"`             // 应用配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `yaml:"host" mapstructure:"host"`                         // 服务器主机地址
	Port           int           `yaml:"port" mapstructure:"port"`                         // 服务器端口
	Mode           string        `yaml:"mode" mapstructure:"mode"`                         // 运行模式: debug, release, test
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 读取超时时间
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 写入超时时间(SSE长连接需留足)
	IdleTimeout    time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`         // 空闲超时时间
	MaxHeaderBytes int           `yaml:"max_header_bytes" mapstructure:"max_header_bytes"` // 最大请求头字节数
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql" mapstructure:"mysql"` // MySQL配置
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"` // Redis配置
}

// MySQLConfig MySQL数据库配置
// Enabled 为 false 时任务记录退化为进程内存储(开发/测试用)
type MySQLConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`                       // 是否启用MySQL持久化
	Host            string        `yaml:"host" mapstructure:"host"`                             // 数据库主机
	Port            int           `yaml:"port" mapstructure:"port"`                             // 数据库端口
	Username        string        `yaml:"username" mapstructure:"username"`                     // 用户名
	Password        string        `yaml:"password" mapstructure:"password"`                     // 密码
	Database        string        `yaml:"database" mapstructure:"database"`                     // 数据库名
	Charset         string        `yaml:"charset" mapstructure:"charset"`                       // 字符集
	ParseTime       bool          `yaml:"parse_time" mapstructure:"parse_time"`                 // 是否解析时间
	Loc             string        `yaml:"loc" mapstructure:"loc"`                               // 时区
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`         // 最大空闲连接数
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`         // 最大打开连接数
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`   // 连接最大生存时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"` // 连接最大空闲时间
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`                   // 日志级别
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`               // 是否启用Redis快照缓存
	Host         string        `yaml:"host" mapstructure:"host"`                     // Redis主机
	Port         int           `yaml:"port" mapstructure:"port"`                     // Redis端口
	Password     string        `yaml:"password" mapstructure:"password"`             // Redis密码
	Database     int           `yaml:"database" mapstructure:"database"`             // Redis数据库索引
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`           // 连接池大小
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"` // 最小空闲连接数
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`     // 连接超时
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`     // 读取超时
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`   // 写入超时
	PoolTimeout  time.Duration `yaml:"pool_timeout" mapstructure:"pool_timeout"`     // 连接池超时
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`     // 空闲超时
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`             // 日志级别
	Format     string `yaml:"format" mapstructure:"format"`           // 日志格式: json, text
	Output     string `yaml:"output" mapstructure:"output"`           // 输出方式: stdout, stderr, file
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`     // 日志文件路径
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // 保留的日志文件数量
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // 日志文件保留天数
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // 是否压缩日志文件
	Caller     bool   `yaml:"caller" mapstructure:"caller"`           // 是否显示调用者信息
	StackTrace bool   `yaml:"stack_trace" mapstructure:"stack_trace"` // 是否显示堆栈跟踪
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	JWT     JWTConfig     `yaml:"jwt" mapstructure:"jwt"`         // 流令牌JWT配置
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`       // 认证配置
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"` // 日志中间件配置
	CORS    CORSConfig    `yaml:"cors" mapstructure:"cors"`       // CORS配置
}

// JWTConfig 流令牌JWT配置
// 提交响应中签发的事件流访问令牌，供浏览器端 EventSource 订阅使用
type JWTConfig struct {
	Secret            string        `yaml:"secret" mapstructure:"secret"`                           // JWT密钥
	Issuer            string        `yaml:"issuer" mapstructure:"issuer"`                           // 签发者
	StreamTokenExpire time.Duration `yaml:"stream_token_expire" mapstructure:"stream_token_expire"` // 流令牌过期时间
}

// APIKeyEntry API密钥条目
// Key 支持明文或 argon2id 哈希($argon2id$开头自动识别)，Name 作为调用方身份标识
type APIKeyEntry struct {
	Name string `yaml:"name" mapstructure:"name"` // 调用方标识(principal)
	Key  string `yaml:"key" mapstructure:"key"`   // 密钥明文或argon2id哈希
}

// AuthConfig 认证中间件配置
type AuthConfig struct {
	APIKeyHeader      string        `yaml:"api_key_header" mapstructure:"api_key_header"`           // API密钥请求头
	APIKeys           []APIKeyEntry `yaml:"api_keys" mapstructure:"api_keys"`                       // API密钥列表
	WhitelistIPs      []string      `yaml:"whitelist_ips" mapstructure:"whitelist_ips"`             // IP白名单
	EnableIPWhitelist bool          `yaml:"enable_ip_whitelist" mapstructure:"enable_ip_whitelist"` // 是否启用IP白名单
	SkipPaths         []string      `yaml:"skip_paths" mapstructure:"skip_paths"`                   // 跳过认证的路径
}

// LoggingConfig 日志中间件配置
type LoggingConfig struct {
	EnableRequestLog     bool          `yaml:"enable_request_log" mapstructure:"enable_request_log"`         // 是否启用请求日志
	EnableResponseLog    bool          `yaml:"enable_response_log" mapstructure:"enable_response_log"`       // 是否启用响应日志
	LogRequestBody       bool          `yaml:"log_request_body" mapstructure:"log_request_body"`             // 是否记录请求体
	SlowRequestThreshold time.Duration `yaml:"slow_request_threshold" mapstructure:"slow_request_threshold"` // 慢请求阈值
	SkipPaths            []string      `yaml:"skip_paths" mapstructure:"skip_paths"`                         // 跳过日志记录的路径
	MaxRequestBodySize   int           `yaml:"max_request_body_size" mapstructure:"max_request_body_size"`   // 最大请求体记录大小
}

// CORSConfig CORS配置
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`                     // 是否启用CORS
	AllowAllOrigins  bool          `yaml:"allow_all_origins" mapstructure:"allow_all_origins"` // 是否允许所有源
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins"`         // 允许的源
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods"`         // 允许的方法
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers"`         // 允许的请求头
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers"`       // 暴露的响应头
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials"` // 是否允许凭证
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age"`                     // 预检请求缓存时间
}

// AdmissionConfig 准入控制配置
// 全局并发与速率预算均为进程内状态，进程重启后重建
type AdmissionConfig struct {
	GlobalMaxConcurrent   int           `yaml:"global_max_concurrent" mapstructure:"global_max_concurrent"`       // 全局最大并发任务数
	PerPrincipalPerWindow int           `yaml:"per_principal_per_window" mapstructure:"per_principal_per_window"` // 单调用方窗口内最大准入次数
	PerIPPerWindow        int           `yaml:"per_ip_per_window" mapstructure:"per_ip_per_window"`               // 单IP窗口内最大准入次数
	Window                time.Duration `yaml:"window" mapstructure:"window"`                                     // 速率窗口长度
	QueueTimeout          time.Duration `yaml:"queue_timeout" mapstructure:"queue_timeout"`                       // 等待并发槽位的最长时间
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	DefinitionsFile string        `yaml:"definitions_file" mapstructure:"definitions_file"` // 流水线定义文件路径
	Default         string        `yaml:"default" mapstructure:"default"`                   // 默认流水线名称
	MaxImages       int           `yaml:"max_images" mapstructure:"max_images"`             // 单次提交最大图片数
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`                   // 整体执行超时时间
	OrphanGrace     time.Duration `yaml:"orphan_grace" mapstructure:"orphan_grace"`         // 重启后孤儿任务回收宽限期
	StatusCacheTTL  time.Duration `yaml:"status_cache_ttl" mapstructure:"status_cache_ttl"` // 状态快照缓存TTL
}

// StreamConfig 事件流配置
type StreamConfig struct {
	QueueDepth        int           `yaml:"queue_depth" mapstructure:"queue_depth"`               // 单订阅者投递队列深度
	BacklogDepth      int           `yaml:"backlog_depth" mapstructure:"backlog_depth"`           // 任务起始事件回放缓冲深度
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"` // SSE心跳间隔
	MaxConnections    int           `yaml:"max_connections" mapstructure:"max_connections"`       // 单任务最大订阅连接数(0不限制)
}

// LLMConfig 大模型服务配置(OpenAI兼容接口)
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`       // 服务地址
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`         // 访问密钥
	Model       string        `yaml:"model" mapstructure:"model"`             // 模型名称
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`         // 单次调用超时
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`   // 最大生成token数
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"` // 采样温度
}

// MonitorConfig 监控配置
type MonitorConfig struct {
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"` // 指标监控配置
	Health  HealthConfig  `yaml:"health" mapstructure:"health"`   // 健康检查配置
}

// MetricsConfig 指标监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"` // 是否启用指标监控
	Path    string `yaml:"path" mapstructure:"path"`       // 指标接口路径
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"` // 是否启用健康检查
	Path    string `yaml:"path" mapstructure:"path"`       // 健康检查接口路径
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`               // 应用名称
	Version     string `yaml:"version" mapstructure:"version"`         // 应用版本
	Environment string `yaml:"environment" mapstructure:"environment"` // 运行环境
	Debug       bool   `yaml:"debug" mapstructure:"debug"`             // 是否调试模式
}

// GetAddress 获取服务器完整地址
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsDevelopment 判断是否为开发环境
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction 判断是否为生产环境
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// IsTest 判断是否为测试环境
func (a *AppConfig) IsTest() bool {
	return a.Environment == "test"
}

// GetMySQLDSN 获取MySQL数据源名称
func (m *MySQLConfig) GetMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		m.Username, m.Password, m.Host, m.Port, m.Database, m.Charset, m.ParseTime, m.Loc)
}

// GetRedisAddress 获取Redis地址
func (r *RedisConfig) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IsHashedKey 判断密钥条目是否为argon2id哈希存储
func (e *APIKeyEntry) IsHashedKey() bool {
	return strings.HasPrefix(e.Key, "$argon2id$")
}
