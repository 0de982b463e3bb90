package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 BizMCP 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"dispatch_queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Callback  CallbackConfig  `json:"callback"`
	Agents    AgentsConfig    `json:"agents"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务、目标等记录的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 描述派发队列的驱动及连接信息。
type QueueConfig struct {
	Driver   string        `json:"driver"`
	Workers  int           `json:"workers"`
	Redis    RedisOptions  `json:"redis"`
	RabbitMQ RabbitOptions `json:"rabbitmq"`
}

// RedisOptions 描述 Redis 队列的连接参数。
type RedisOptions struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitOptions 描述 RabbitMQ 队列的连接参数。
type RabbitOptions struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SchedulerConfig 控制自动化调度循环的节奏。
type SchedulerConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// CallbackConfig 控制回调令牌的签名秘钥与有效期。
// Secret 为空时优先读取 SecretEnv 指定的环境变量，仍为空则在启动时随机生成。
type CallbackConfig struct {
	Secret     string `json:"secret"`
	SecretEnv  string `json:"secret_env"`
	BaseURL    string `json:"base_url"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TTL 返回回调令牌的有效期。
func (c CallbackConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// AgentsConfig 描述远端智能体注册表的加载方式。
type AgentsConfig struct {
	RegistryPath   string `json:"registry_path"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回调用远端智能体的默认超时时间。
func (c AgentsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level           string   `json:"level"`
	Format          string   `json:"format"`
	OutputPaths     []string `json:"output_paths"`
	AuditEnabled    bool     `json:"audit_enabled"`
	AuditPath       string   `json:"audit_path"`
	AuditMaxSizeMB  int      `json:"audit_max_size_mb"`
	AuditMaxBackups int      `json:"audit_max_backups"`
	AuditMaxAgeDays int      `json:"audit_max_age_days"`
}

// MetricsConfig 控制监控端口。地址为空时不启动独立的 metrics 服务。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Scheduler.IntervalSeconds <= 0 {
		c.Scheduler.IntervalSeconds = 60
	}

	if c.Callback.TTLSeconds <= 0 {
		c.Callback.TTLSeconds = 3600
	}
	if c.Callback.BaseURL == "" {
		c.Callback.BaseURL = "http://localhost:8080"
	}

	if c.Agents.TimeoutSeconds <= 0 {
		c.Agents.TimeoutSeconds = 30
	}
	if c.Agents.RegistryPath != "" && !filepath.IsAbs(c.Agents.RegistryPath) {
		c.Agents.RegistryPath = filepath.Join(baseDir, c.Agents.RegistryPath)
	}
}
