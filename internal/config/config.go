package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Queue      QueueConfig      `json:"queue"`
	Venue      VenueConfig      `json:"venue"`
	Web3       Web3Config       `json:"web3"`
	Executor   ExecutorConfig   `json:"executor"`
	Strategy   StrategyConfig   `json:"strategy"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
	Metrics    MetricsConfig    `json:"metrics"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// CheckpointConfig 选择线程检查点的存储后端。
type CheckpointConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TelemetryConfig 选择周期遥测的存储后端。
type TelemetryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 选择轮询队列的传输后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// VenueConfig 选择交易所适配层：static 用内存数据联调，evm 走链上只读调用。
type VenueConfig struct {
	Driver  string `json:"driver"`
	Catalog string `json:"catalog"`
	Manager string `json:"manager"`
}

// Web3Config 描述链客户端注册表的来源。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// ExecutorConfig 控制执行协调器的模式与签名。私钥只从环境变量读取。
type ExecutorConfig struct {
	Mode                 string `json:"mode"`
	SignerKeyEnv         string `json:"signer_key_env"`
	ChainID              int64  `json:"chain_id"`
	RetryIntervalSeconds int    `json:"retry_interval_seconds"`
	RetryDeadlineSeconds int    `json:"retry_deadline_seconds"`
	GasFallback          uint64 `json:"gas_fallback"`
}

// StrategyConfig 是新线程的默认风险配置与调度节奏。
type StrategyConfig struct {
	BandwidthBps          int     `json:"bandwidth_bps"`
	RebalanceThresholdBps int     `json:"rebalance_threshold_bps"`
	MaxGasBudgetUSD       float64 `json:"max_gas_budget_usd"`
	AutoCompound          *bool   `json:"auto_compound"`
	CompoundThresholdUSD  float64 `json:"compound_threshold_usd"`
	SizingPercent         float64 `json:"sizing_percent"`
	GasUSDPerUnit         float64 `json:"gas_usd_per_unit"`
	CycleIntervalSeconds  int     `json:"cycle_interval_seconds"`
}

// AlertingConfig 配置停摆告警的通知渠道，未配置的渠道不启用。
type AlertingConfig struct {
	Email    EmailAlertConfig    `json:"email"`
	DingTalk DingTalkAlertConfig `json:"dingtalk"`
	Slack    SlackAlertConfig    `json:"slack"`
}

// EmailAlertConfig 描述 SMTP 告警邮件的发送方式。密码只从环境变量读取。
type EmailAlertConfig struct {
	Enabled       bool     `json:"enabled"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Username      string   `json:"username"`
	PasswordEnv   string   `json:"password_env"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix"`
}

// DingTalkAlertConfig 描述钉钉机器人渠道。
type DingTalkAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// SlackAlertConfig 描述 Slack Webhook 渠道。
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level   string         `json:"level"`
	Format  string         `json:"format"`
	Outputs []string       `json:"outputs"`
	Audit   AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志文件的轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制指标服务的监听地址。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "memory"
	}
	if c.Telemetry.Driver == "" {
		c.Telemetry.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 2
	}

	if c.Venue.Driver == "" {
		c.Venue.Driver = "static"
	}
	c.Venue.Catalog = resolvePath(baseDir, c.Venue.Catalog)
	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)

	if c.Executor.Mode == "" {
		c.Executor.Mode = "simulate"
	}

	if c.Strategy.BandwidthBps <= 0 {
		c.Strategy.BandwidthBps = 200
	}
	if c.Strategy.RebalanceThresholdBps <= 0 {
		c.Strategy.RebalanceThresholdBps = 50
	}
	if c.Strategy.MaxGasBudgetUSD <= 0 {
		c.Strategy.MaxGasBudgetUSD = 100
	}
	if c.Strategy.AutoCompound == nil {
		enabled := true
		c.Strategy.AutoCompound = &enabled
	}
	if c.Strategy.CompoundThresholdUSD <= 0 {
		c.Strategy.CompoundThresholdUSD = 10
	}
	if c.Strategy.SizingPercent <= 0 {
		c.Strategy.SizingPercent = 10
	}
	if c.Strategy.CycleIntervalSeconds <= 0 {
		c.Strategy.CycleIntervalSeconds = 15
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// resolvePath 把相对路径换算到配置文件所在目录。
func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
