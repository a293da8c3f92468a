// =============================================================================
// 📦 BatchFlow 默认配置
// =============================================================================
// 默认值沿用上游部署的经验参数：批大小 4、窗口 500ms、结果保留 300s
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Batch:     DefaultBatchConfig(),
		Worker:    DefaultWorkerConfig(),
		Result:    DefaultResultConfig(),
		Recovery:  DefaultRecoveryConfig(),
		Pool:      DefaultPoolConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8000,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    180 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     32,
		MinIdleConns: 4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// DefaultBatchConfig 返回默认批处理配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxSize:        4,
		Timeout:        500 * time.Millisecond,
		MaxInflight:    16,
		LeaseTimeout:   5 * time.Second,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

// DefaultWorkerConfig 返回默认 worker 调用配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		CompletionTimeout: 120 * time.Second,
		NPredict:          128,
		Temperature:       0.7,
		TopP:              0.9,
		Stop:              []string{"\nUser:", "</s>", "<end_of_turn>"},
		CachePrompt:       true,
	}
}

// DefaultResultConfig 返回默认结果配置
func DefaultResultConfig() ResultConfig {
	return ResultConfig{
		TTL:          300 * time.Second,
		PollInterval: 100 * time.Millisecond,
		AwaitTimeout: 150 * time.Second,
	}
}

// DefaultRecoveryConfig 返回默认回收配置
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Enabled:       true,
		Interval:      30 * time.Second,
		StaleAfter:    300 * time.Second,
		MaxRetries:    3,
		AbandonPolicy: AbandonDeadLetter,
	}
}

// DefaultPoolConfig 返回默认 worker 池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ResetOnStart: true,
		ResetOnStop:  true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "batchflow",
		SampleRate:   0.1,
	}
}
