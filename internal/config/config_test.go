package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoadConfig 测试配置加载功能
func TestLoadConfig(t *testing.T) {
	// 创建临时配置文件
	tempDir := t.TempDir()
	configContent := `
server:
  host: "localhost"
  port: 8080
  mode: "test"
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s
  max_header_bytes: 1048576

database:
  mysql:
    enabled: true
    host: "localhost"
    port: 3306
    username: "test_user"
    password: "test_password"
    database: "test_db"
    charset: "utf8mb4"
    parse_time: true
    loc: "Local"
    max_idle_conns: 10
    max_open_conns: 100
    conn_max_lifetime: 3600s
    conn_max_idle_time: 1800s
    log_level: "info"
  redis:
    enabled: true
    host: "localhost"
    port: 6379
    password: ""
    database: 0
    pool_size: 10
    min_idle_conns: 5
    dial_timeout: 5s
    read_timeout: 3s
    write_timeout: 3s
    pool_timeout: 4s
    idle_timeout: 300s

security:
  jwt:
    secret: "test_stream_token_secret_at_least_32_chars"
    issuer: "notemaster-test"
    stream_token_expire: 10m
  auth:
    api_key_header: "X-API-Key"
    api_keys:
      - name: "test-client"
        key: "test_api_key_value"
  cors:
    allow_origins: ["*"]
    allow_methods: ["GET", "POST", "OPTIONS"]
    allow_headers: ["*"]
    expose_headers: ["Content-Length"]
    allow_credentials: true
    max_age: 12h

log:
  level: "info"
  format: "json"
  output: "stdout"
  file_path: "logs/app.log"
  max_size: 100
  max_backups: 5
  max_age: 30
  compress: true
  caller: true
  stack_trace: true

admission:
  global_max_concurrent: 4
  per_principal_per_window: 10
  per_ip_per_window: 20
  window: 1m
  queue_timeout: 2s

pipeline:
  definitions_file: "configs/pipelines.yaml"
  default: "xhs_note"
  max_images: 9
  timeout: 10m
  orphan_grace: 5m
  status_cache_ttl: 30s

stream:
  queue_depth: 256
  backlog_depth: 16
  heartbeat_interval: 15s
  max_connections: 1000

llm:
  base_url: "http://localhost:8000/v1"
  api_key: "test_llm_key"
  model: "qwen-plus"
  timeout: 2m
  max_tokens: 2048
  temperature: 0.7

monitor:
  metrics:
    enabled: true
    path: "/metrics"
  health:
    enabled: true
    path: "/health"

app:
  name: "NoteMaster Test"
  version: "1.0.0"
  environment: "test"
  debug: true
`

	// 写入配置文件
	configFile := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// 测试加载配置
	config, err := LoadConfig(tempDir, "test")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// 验证配置值
	if config.Server.Host != "localhost" {
		t.Errorf("Expected server host 'localhost', got '%s'", config.Server.Host)
	}

	if config.Server.Port != 8080 {
		t.Errorf("Expected server port 8080, got %d", config.Server.Port)
	}

	if config.Database.MySQL.Database != "test_db" {
		t.Errorf("Expected database name 'test_db', got '%s'", config.Database.MySQL.Database)
	}

	if config.Security.JWT.Secret != "test_stream_token_secret_at_least_32_chars" {
		t.Errorf("Expected JWT secret, got '%s'", config.Security.JWT.Secret)
	}

	if config.App.Environment != "test" {
		t.Errorf("Expected environment 'test', got '%s'", config.App.Environment)
	}

	if config.Admission.GlobalMaxConcurrent != 4 {
		t.Errorf("Expected global_max_concurrent 4, got %d", config.Admission.GlobalMaxConcurrent)
	}

	if config.Admission.QueueTimeout != 2*time.Second {
		t.Errorf("Expected queue_timeout 2s, got %v", config.Admission.QueueTimeout)
	}

	if config.Pipeline.Default != "xhs_note" {
		t.Errorf("Expected default pipeline 'xhs_note', got '%s'", config.Pipeline.Default)
	}

	if len(config.Security.Auth.APIKeys) != 1 || config.Security.Auth.APIKeys[0].Name != "test-client" {
		t.Errorf("Expected one api key entry 'test-client', got %+v", config.Security.Auth.APIKeys)
	}
}

// TestLoadConfigDefaults 测试缺省配置填充
func TestLoadConfigDefaults(t *testing.T) {
	// 最小配置文件，准入/流水线/事件流部分全部省略
	tempDir := t.TempDir()
	configContent := `
server:
  host: "localhost"
  port: 8080
  mode: "test"

security:
  jwt:
    secret: "test_stream_token_secret_at_least_32_chars"
    issuer: "notemaster-test"

log:
  level: "info"
  format: "json"
  output: "stdout"

app:
  name: "NoteMaster Test"
  version: "1.0.0"
  environment: "test"
  debug: true
`

	configFile := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	config, err := LoadConfig(tempDir, "test")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// 验证缺省值被填充
	if config.Admission.GlobalMaxConcurrent != 8 {
		t.Errorf("Expected default global_max_concurrent 8, got %d", config.Admission.GlobalMaxConcurrent)
	}

	if config.Admission.PerPrincipalPerWindow != 30 {
		t.Errorf("Expected default per_principal_per_window 30, got %d", config.Admission.PerPrincipalPerWindow)
	}

	if config.Admission.Window != time.Minute {
		t.Errorf("Expected default window 1m, got %v", config.Admission.Window)
	}

	if config.Admission.QueueTimeout != 5*time.Second {
		t.Errorf("Expected default queue_timeout 5s, got %v", config.Admission.QueueTimeout)
	}

	if config.Pipeline.Default != "xhs_note" {
		t.Errorf("Expected default pipeline 'xhs_note', got '%s'", config.Pipeline.Default)
	}

	if config.Pipeline.MaxImages != 9 {
		t.Errorf("Expected default max_images 9, got %d", config.Pipeline.MaxImages)
	}

	if config.Stream.QueueDepth != 256 {
		t.Errorf("Expected default queue_depth 256, got %d", config.Stream.QueueDepth)
	}

	if config.Stream.BacklogDepth != 16 {
		t.Errorf("Expected default backlog_depth 16, got %d", config.Stream.BacklogDepth)
	}

	if config.Security.Auth.APIKeyHeader != "X-API-Key" {
		t.Errorf("Expected default api key header 'X-API-Key', got '%s'", config.Security.Auth.APIKeyHeader)
	}
}

// TestLoadConfigWithEnvVars 测试环境变量覆盖配置
func TestLoadConfigWithEnvVars(t *testing.T) {
	// 设置环境变量
	os.Setenv("NOTEMASTER_SERVER_PORT", "9090")
	os.Setenv("NOTEMASTER_MYSQL_HOST", "env_mysql_host")
	os.Setenv("NOTEMASTER_JWT_SECRET", "env_stream_token_secret_at_least_32_chars")
	defer func() {
		os.Unsetenv("NOTEMASTER_SERVER_PORT")
		os.Unsetenv("NOTEMASTER_MYSQL_HOST")
		os.Unsetenv("NOTEMASTER_JWT_SECRET")
	}()

	// 创建临时配置文件
	tempDir := t.TempDir()
	configContent := `
server:
  host: "localhost"
  port: 8080
  mode: "test"

database:
  mysql:
    enabled: true
    host: "localhost"
    port: 3306
    username: "test_user"
    password: "test_password"
    database: "test_db"

security:
  jwt:
    secret: "original_stream_token_secret_at_least_32chars"
    issuer: "notemaster-test"

log:
  level: "info"
  format: "json"
  output: "stdout"

app:
  name: "NoteMaster Test"
  version: "1.0.0"
  environment: "test"
  debug: true
`

	// 写入配置文件
	configFile := filepath.Join(tempDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// 测试加载配置
	config, err := LoadConfig(tempDir, "test")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// 验证环境变量覆盖了配置文件的值
	if config.Server.Port != 9090 {
		t.Errorf("Expected server port 9090 (from env), got %d", config.Server.Port)
	}

	if config.Database.MySQL.Host != "env_mysql_host" {
		t.Errorf("Expected mysql host 'env_mysql_host' (from env), got '%s'", config.Database.MySQL.Host)
	}

	if config.Security.JWT.Secret != "env_stream_token_secret_at_least_32_chars" {
		t.Errorf("Expected JWT secret from env, got '%s'", config.Security.JWT.Secret)
	}
}

// TestConfigValidation 测试配置验证
func TestConfigValidation(t *testing.T) {
	// 构造通过验证的基准配置
	validConfig := func() *Config {
		return &Config{
			Server: ServerConfig{
				Host: "localhost",
				Port: 8080,
				Mode: "debug",
			},
			Database: DatabaseConfig{
				MySQL: MySQLConfig{
					Enabled:  true,
					Host:     "localhost",
					Database: "test_db",
				},
				Redis: RedisConfig{
					Enabled: true,
					Host:    "localhost",
				},
			},
			Security: SecurityConfig{
				JWT: JWTConfig{
					Secret: "test_stream_token_secret_at_least_32_chars",
				},
			},
			Log: LogConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			Admission: AdmissionConfig{
				GlobalMaxConcurrent:   8,
				PerPrincipalPerWindow: 30,
				PerIPPerWindow:        60,
				Window:                time.Minute,
				QueueTimeout:          5 * time.Second,
			},
			Pipeline: PipelineConfig{
				DefinitionsFile: "configs/pipelines.yaml",
				Default:         "xhs_note",
				MaxImages:       9,
			},
			App: AppConfig{
				Environment: "test",
			},
		}
	}

	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "invalid port",
			mutate: func(c *Config) {
				c.Server.Port = -1
			},
			expectError: true,
			errorMsg:    "invalid server port",
		},
		{
			name: "short jwt secret",
			mutate: func(c *Config) {
				c.Security.JWT.Secret = "short"
			},
			expectError: true,
			errorMsg:    "jwt secret must be at least 32 characters long",
		},
		{
			name: "mysql enabled without host",
			mutate: func(c *Config) {
				c.Database.MySQL.Host = ""
			},
			expectError: true,
			errorMsg:    "mysql host is required",
		},
		{
			name: "mysql disabled skips host check",
			mutate: func(c *Config) {
				c.Database.MySQL.Enabled = false
				c.Database.MySQL.Host = ""
			},
			expectError: false,
		},
		{
			name: "production without api keys",
			mutate: func(c *Config) {
				c.App.Environment = "production"
			},
			expectError: true,
			errorMsg:    "api keys are required in production",
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Log.Level = "verbose"
			},
			expectError: true,
			errorMsg:    "invalid log level",
		},
		{
			name: "missing default pipeline",
			mutate: func(c *Config) {
				c.Pipeline.Default = ""
			},
			expectError: true,
			errorMsg:    "pipeline.default is required",
		},
		{
			name: "zero admission window",
			mutate: func(c *Config) {
				c.Admission.Window = 0
			},
			expectError: true,
			errorMsg:    "admission.window must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := validateConfig(config)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error message to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

// TestEnvManager 测试环境变量管理器
func TestEnvManager(t *testing.T) {
	em := NewEnvManager("TESTNM")

	// 测试字符串类型
	os.Setenv("TESTNM_STRING_VAL", "test_value")
	defer os.Unsetenv("TESTNM_STRING_VAL")
	if val := em.GetString("STRING_VAL", "default"); val != "test_value" {
		t.Errorf("Expected 'test_value', got '%s'", val)
	}

	// 测试整数类型
	os.Setenv("TESTNM_INT_VAL", "42")
	defer os.Unsetenv("TESTNM_INT_VAL")
	if val := em.GetInt("INT_VAL", 0); val != 42 {
		t.Errorf("Expected 42, got %d", val)
	}

	// 测试布尔类型
	os.Setenv("TESTNM_BOOL_VAL", "true")
	defer os.Unsetenv("TESTNM_BOOL_VAL")
	if val := em.GetBool("BOOL_VAL", false); val != true {
		t.Errorf("Expected true, got %t", val)
	}

	// 测试时间间隔类型
	os.Setenv("TESTNM_DURATION_VAL", "5m")
	defer os.Unsetenv("TESTNM_DURATION_VAL")
	if val := em.GetDuration("DURATION_VAL", 0); val != 5*time.Minute {
		t.Errorf("Expected 5m, got %v", val)
	}

	// 测试字符串切片类型
	os.Setenv("TESTNM_SLICE_VAL", "a, b, c")
	defer os.Unsetenv("TESTNM_SLICE_VAL")
	if val := em.GetStringSlice("SLICE_VAL", nil); len(val) != 3 || val[0] != "a" {
		t.Errorf("Expected [a b c], got %v", val)
	}

	// 测试不存在的环境变量
	if val := em.GetString("NON_EXISTENT", "default"); val != "default" {
		t.Errorf("Expected 'default', got '%s'", val)
	}

	// 测试非法整数回落到缺省值
	os.Setenv("TESTNM_BAD_INT", "not_a_number")
	defer os.Unsetenv("TESTNM_BAD_INT")
	if val := em.GetInt("BAD_INT", 7); val != 7 {
		t.Errorf("Expected fallback 7, got %d", val)
	}

	// 测试环境变量是否存在
	if !em.Exists("STRING_VAL") {
		t.Error("Expected environment variable to exist")
	}

	if em.Exists("NON_EXISTENT") {
		t.Error("Expected environment variable to not exist")
	}
}

// TestLoadEnvFile 测试.env文件加载
func TestLoadEnvFile(t *testing.T) {
	tempDir := t.TempDir()
	envFile := filepath.Join(tempDir, ".env")
	envContent := `
# 注释行
TESTNM_FILE_VAL="quoted value"
TESTNM_FILE_PLAIN=plain_value
TESTNM_FILE_EXISTING=from_file
`
	if err := os.WriteFile(envFile, []byte(envContent), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	// 进程环境中已有的变量不应被覆盖
	os.Setenv("TESTNM_FILE_EXISTING", "from_process")
	defer func() {
		os.Unsetenv("TESTNM_FILE_VAL")
		os.Unsetenv("TESTNM_FILE_PLAIN")
		os.Unsetenv("TESTNM_FILE_EXISTING")
	}()

	if err := LoadEnvFile(envFile); err != nil {
		t.Fatalf("Failed to load env file: %v", err)
	}

	if val := os.Getenv("TESTNM_FILE_VAL"); val != "quoted value" {
		t.Errorf("Expected 'quoted value', got '%s'", val)
	}

	if val := os.Getenv("TESTNM_FILE_PLAIN"); val != "plain_value" {
		t.Errorf("Expected 'plain_value', got '%s'", val)
	}

	if val := os.Getenv("TESTNM_FILE_EXISTING"); val != "from_process" {
		t.Errorf("Expected process env to take precedence, got '%s'", val)
	}

	// 文件不存在时静默跳过
	if err := LoadEnvFile(filepath.Join(tempDir, "missing.env")); err != nil {
		t.Errorf("Expected no error for missing file, got: %v", err)
	}
}

// TestConfigHelperMethods 测试配置辅助方法
func TestConfigHelperMethods(t *testing.T) {
	config := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		App: AppConfig{
			Environment: "development",
		},
		Database: DatabaseConfig{
			MySQL: MySQLConfig{
				Host:      "localhost",
				Port:      3306,
				Username:  "user",
				Password:  "pass",
				Database:  "test",
				Charset:   "utf8mb4",
				ParseTime: true,
				Loc:       "Local",
			},
			Redis: RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
		},
	}

	// 测试服务器地址
	expectedAddr := "localhost:8080"
	if addr := config.Server.GetAddress(); addr != expectedAddr {
		t.Errorf("Expected address '%s', got '%s'", expectedAddr, addr)
	}

	// 测试环境判断
	if !config.App.IsDevelopment() {
		t.Error("Expected to be development environment")
	}

	if config.App.IsProduction() {
		t.Error("Expected not to be production environment")
	}

	// 测试MySQL DSN
	expectedDSN := "user:pass@tcp(localhost:3306)/test?charset=utf8mb4&parseTime=true&loc=Local"
	if dsn := config.Database.MySQL.GetMySQLDSN(); dsn != expectedDSN {
		t.Errorf("Expected DSN '%s', got '%s'", expectedDSN, dsn)
	}

	// 测试Redis地址
	expectedRedisAddr := "localhost:6379"
	if addr := config.Database.Redis.GetRedisAddress(); addr != expectedRedisAddr {
		t.Errorf("Expected Redis address '%s', got '%s'", expectedRedisAddr, addr)
	}

	// 测试API密钥哈希判断
	hashed := APIKeyEntry{Name: "ops", Key: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA"}
	if !hashed.IsHashedKey() {
		t.Error("Expected argon2id-prefixed key to be detected as hashed")
	}

	plain := APIKeyEntry{Name: "dev", Key: "plain_api_key"}
	if plain.IsHashedKey() {
		t.Error("Expected plain key not to be detected as hashed")
	}
}

// TestLoadPipelineDefinitions 测试流水线定义加载
func TestLoadPipelineDefinitions(t *testing.T) {
	tempDir := t.TempDir()
	defsContent := `
pipelines:
  - name: "xhs_note"
    description: "小红书图文笔记生成"
    stages:
      - name: "classify_images"
        kind: "llm"
        max_attempts: 3
        backoff_base_ms: 500
        timeout_ms: 120000
        params:
          prompt: "classify"
      - name: "assemble_note"
        kind: "assemble"
  - name: "noop"
    description: "空流水线"
    stages: []
`

	defsFile := filepath.Join(tempDir, "pipelines.yaml")
	if err := os.WriteFile(defsFile, []byte(defsContent), 0644); err != nil {
		t.Fatalf("Failed to write pipeline definitions: %v", err)
	}

	defs, err := LoadPipelineDefinitions(defsFile)
	if err != nil {
		t.Fatalf("Failed to load pipeline definitions: %v", err)
	}

	if len(defs.Pipelines) != 2 {
		t.Fatalf("Expected 2 pipelines, got %d", len(defs.Pipelines))
	}

	// 按名称查找
	p, ok := defs.Get("xhs_note")
	if !ok {
		t.Fatal("Expected to find pipeline 'xhs_note'")
	}

	if len(p.Stages) != 2 {
		t.Fatalf("Expected 2 stages, got %d", len(p.Stages))
	}

	first := p.Stages[0]
	if first.Kind != "llm" {
		t.Errorf("Expected stage kind 'llm', got '%s'", first.Kind)
	}

	if first.MaxAttempts != 3 {
		t.Errorf("Expected max_attempts 3, got %d", first.MaxAttempts)
	}

	if first.Backoff() != 500*time.Millisecond {
		t.Errorf("Expected backoff 500ms, got %v", first.Backoff())
	}

	if first.Timeout() != 2*time.Minute {
		t.Errorf("Expected timeout 2m, got %v", first.Timeout())
	}

	// 缺省值: max_attempts 未配置时为1
	second := p.Stages[1]
	if second.MaxAttempts != 1 {
		t.Errorf("Expected default max_attempts 1, got %d", second.MaxAttempts)
	}

	if second.Timeout() != 0 {
		t.Errorf("Expected no timeout, got %v", second.Timeout())
	}

	// 空阶段列表是合法定义
	empty, ok := defs.Get("noop")
	if !ok {
		t.Fatal("Expected to find pipeline 'noop'")
	}

	if len(empty.Stages) != 0 {
		t.Errorf("Expected empty stage list, got %d stages", len(empty.Stages))
	}

	// 不存在的流水线
	if _, ok := defs.Get("unknown"); ok {
		t.Error("Expected lookup of unknown pipeline to fail")
	}
}

// TestLoadPipelineDefinitionsErrors 测试流水线定义校验
func TestLoadPipelineDefinitionsErrors(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		errorMsg string
	}{
		{
			name: "duplicate pipeline name",
			content: `
pipelines:
  - name: "dup"
    stages: []
  - name: "dup"
    stages: []
`,
			errorMsg: "duplicate pipeline name",
		},
		{
			name: "missing stage kind",
			content: `
pipelines:
  - name: "p1"
    stages:
      - name: "s1"
`,
			errorMsg: "kind is required",
		},
		{
			name: "duplicate stage name",
			content: `
pipelines:
  - name: "p1"
    stages:
      - name: "s1"
        kind: "llm"
      - name: "s1"
        kind: "assemble"
`,
			errorMsg: "duplicate stage name",
		},
		{
			name: "negative backoff",
			content: `
pipelines:
  - name: "p1"
    stages:
      - name: "s1"
        kind: "llm"
        backoff_base_ms: -1
`,
			errorMsg: "backoff_base_ms must not be negative",
		},
		{
			name:     "empty file",
			content:  `pipelines: []`,
			errorMsg: "at least one pipeline is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			defsFile := filepath.Join(tempDir, "pipelines.yaml")
			if err := os.WriteFile(defsFile, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write pipeline definitions: %v", err)
			}

			_, err := LoadPipelineDefinitions(defsFile)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error message to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}
