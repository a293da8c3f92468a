// =============================================================================
// 📦 BatchFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BATCHFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 BatchFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Redis 协调存储配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Batch 批处理配置
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// Worker 推理 worker 调用配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// Result 结果存储与轮询配置
	Result ResultConfig `yaml:"result" env:"RESULT"`

	// Recovery 滞留请求回收配置
	Recovery RecoveryConfig `yaml:"recovery" env:"RECOVERY"`

	// Pool worker 池生命周期配置
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（必须覆盖 /predict 的最长等待）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个 IP 每秒请求数
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// API Key 列表，为空时不启用认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 允许的跨域来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 建连超时
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// 读取超时，必须大于任何阻塞等待（批次窗口、租约等待）
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 键前缀，默认为空以保持与 worker 注册脚本一致的键名
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// BatchConfig 批次组装与分发配置
type BatchConfig struct {
	// 单批最大请求数
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`
	// 批次窗口：部分填充的批次最长等待时间
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 同时在途的批次数上限
	MaxInflight int `yaml:"max_inflight" env:"MAX_INFLIGHT"`
	// 等待空闲 worker 的时间
	LeaseTimeout time.Duration `yaml:"lease_timeout" env:"LEASE_TIMEOUT"`
	// 存储故障时循环退避的初始延迟
	BackoffInitial time.Duration `yaml:"backoff_initial" env:"BACKOFF_INITIAL"`
	// 存储故障时循环退避的最大延迟
	BackoffMax time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
}

// WorkerConfig worker /completion 调用配置
type WorkerConfig struct {
	// 单次调用超时
	CompletionTimeout time.Duration `yaml:"completion_timeout" env:"COMPLETION_TIMEOUT"`
	// 默认生成 token 数
	NPredict int `yaml:"n_predict" env:"N_PREDICT"`
	// 默认温度
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 默认 top-p
	TopP float64 `yaml:"top_p" env:"TOP_P"`
	// 停止序列
	Stop []string `yaml:"stop" env:"STOP"`
	// 是否让 worker 缓存 prompt
	CachePrompt bool `yaml:"cache_prompt" env:"CACHE_PROMPT"`
}

// ResultConfig 结果存储配置
type ResultConfig struct {
	// 结果保留时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 客户端轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// /predict 最长等待
	AwaitTimeout time.Duration `yaml:"await_timeout" env:"AWAIT_TIMEOUT"`
}

// 放弃策略
const (
	AbandonDeadLetter = "dead_letter"
	AbandonStall      = "stall"
)

// RecoveryConfig 回收配置
type RecoveryConfig struct {
	// 是否启用回收
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 扫描间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 认定为滞留的时长
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	// 最大回收次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 回收次数耗尽后的处理: dead_letter, stall
	AbandonPolicy string `yaml:"abandon_policy" env:"ABANDON_POLICY"`
}

// PoolConfig worker 池配置
type PoolConfig struct {
	// 启动时清空 idle/busy 列表
	ResetOnStart bool `yaml:"reset_on_start" env:"RESET_ON_START"`
	// 关闭时清空 idle/busy 列表
	ResetOnStop bool `yaml:"reset_on_stop" env:"RESET_ON_STOP"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BATCHFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验
// =============================================================================

// redisDefaultReadTimeout go-redis 在 ReadTimeout 为 0 时使用的读超时
const redisDefaultReadTimeout = 3 * time.Second

// Validate 验证配置，一次性返回所有问题
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis addr is required")
	}

	if c.Batch.MaxSize < 1 {
		errs = append(errs, "batch max_size must be at least 1")
	}
	if c.Batch.Timeout <= 0 {
		errs = append(errs, "batch timeout must be positive")
	}
	if c.Batch.MaxInflight < 1 {
		errs = append(errs, "batch max_inflight must be at least 1")
	}
	if c.Batch.LeaseTimeout <= 0 {
		errs = append(errs, "batch lease_timeout must be positive")
	}
	longestBlock := c.Batch.Timeout
	if c.Batch.LeaseTimeout > longestBlock {
		longestBlock = c.Batch.LeaseTimeout
	}
	// 0 时 go-redis 使用 3s 默认值；负值表示不限
	readTimeout := c.Redis.ReadTimeout
	if readTimeout == 0 {
		readTimeout = redisDefaultReadTimeout
	}
	if readTimeout > 0 && readTimeout <= longestBlock {
		errs = append(errs, "redis read_timeout must exceed batch timeout and lease_timeout")
	}

	if c.Worker.CompletionTimeout <= 0 {
		errs = append(errs, "worker completion_timeout must be positive")
	}
	if c.Worker.NPredict < 1 {
		errs = append(errs, "worker n_predict must be at least 1")
	}
	if c.Worker.Temperature < 0 || c.Worker.Temperature > 2 {
		errs = append(errs, "worker temperature must be between 0 and 2")
	}
	if c.Worker.TopP < 0 || c.Worker.TopP > 1 {
		errs = append(errs, "worker top_p must be between 0 and 1")
	}

	if c.Result.TTL <= 0 {
		errs = append(errs, "result ttl must be positive")
	}
	if c.Result.PollInterval <= 0 {
		errs = append(errs, "result poll_interval must be positive")
	}
	if c.Result.AwaitTimeout <= 0 {
		errs = append(errs, "result await_timeout must be positive")
	}

	if c.Recovery.Enabled {
		if c.Recovery.Interval <= 0 {
			errs = append(errs, "recovery interval must be positive")
		}
		if c.Recovery.StaleAfter <= 0 {
			errs = append(errs, "recovery stale_after must be positive")
		}
		if c.Recovery.MaxRetries < 1 {
			errs = append(errs, "recovery max_retries must be at least 1")
		}
		if c.Recovery.StaleAfter > 0 && c.Recovery.StaleAfter <= c.Batch.LeaseTimeout+c.Worker.CompletionTimeout {
			errs = append(errs, "recovery stale_after must exceed batch lease_timeout plus worker completion_timeout")
		}
	}
	switch c.Recovery.AbandonPolicy {
	case AbandonDeadLetter, AbandonStall:
	default:
		errs = append(errs, fmt.Sprintf("unknown recovery abandon_policy %q", c.Recovery.AbandonPolicy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
