package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Chain      ChainConfig      `yaml:"chain" json:"chain"`
	Aggregator AggregatorConfig `yaml:"aggregator" json:"aggregator"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Worker     WorkerConfig     `yaml:"worker" json:"worker"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
	Treasury   TreasuryConfig   `yaml:"treasury" json:"treasury"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap" json:"bootstrap"`
	Jobs       JobsConfig       `yaml:"jobs" json:"jobs"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

type PostgresConfig struct {
	Host                   string `yaml:"host" json:"host"`
	Port                   int    `yaml:"port" json:"port"`
	User                   string `yaml:"user" json:"user"`
	Password               string `yaml:"password" json:"password"`
	Database               string `yaml:"database" json:"database"`
	MaxConnections         int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" json:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Brokers []string `yaml:"brokers" json:"brokers"`
}

type ChainConfig struct {
	Enabled               bool     `yaml:"enabled" json:"enabled"`
	ChainID               int64    `yaml:"chain_id" json:"chain_id"`
	RPCURLs               []string `yaml:"rpc_urls" json:"rpc_urls"`
	PrivateKey            string   `yaml:"private_key" json:"private_key"`
	PlanManagerAddress    string   `yaml:"plan_manager_address" json:"plan_manager_address"`
	ConfirmTimeoutSeconds int      `yaml:"confirm_timeout_seconds" json:"confirm_timeout_seconds"`
}

type AggregatorConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	APIKey   string `yaml:"api_key" json:"api_key"`
	Slippage string `yaml:"slippage" json:"slippage"`
}

type SchedulerConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	// DueCheck 到期判定策略: strict | alwaysDue
	DueCheck string `yaml:"due_check" json:"due_check"`
}

type WorkerConfig struct {
	Concurrency        int `yaml:"concurrency" json:"concurrency"`
	PollIntervalMs     int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	TickTimeoutSeconds int `yaml:"tick_timeout_seconds" json:"tick_timeout_seconds"`
}

type QueueConfig struct {
	DedupTTLSeconds          int `yaml:"dedup_ttl_seconds" json:"dedup_ttl_seconds"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds" json:"visibility_timeout_seconds"`
}

type TreasuryConfig struct {
	Enabled bool                          `yaml:"enabled" json:"enabled"`
	Assets  map[string]TreasuryAssetEntry `yaml:"assets" json:"assets"`
}

type TreasuryAssetEntry struct {
	TokenAddress          string `yaml:"token_address" json:"token_address"`
	SourceTokenAddress    string `yaml:"source_token_address" json:"source_token_address"`
	ReserveAddress        string `yaml:"reserve_address" json:"reserve_address"`
	PendingAddress        string `yaml:"pending_address" json:"pending_address"`
	LowBalanceThreshold   string `yaml:"low_balance_threshold" json:"low_balance_threshold"`
	RefillAmount          string `yaml:"refill_amount" json:"refill_amount"`
	BatchConvertThreshold string `yaml:"batch_convert_threshold" json:"batch_convert_threshold"`
}

// BootstrapConfig 默认计划引导配置
// 空库启动时按预算和期数播种一条默认计划
type BootstrapConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	WalletAddress   string `yaml:"wallet_address" json:"wallet_address"`
	TokenFrom       string `yaml:"token_from" json:"token_from"`
	TokenTo         string `yaml:"token_to" json:"token_to"`
	TotalBudget     string `yaml:"total_budget" json:"total_budget"`
	TotalOperations int    `yaml:"total_operations" json:"total_operations"`
	IntervalSeconds int64  `yaml:"interval_seconds" json:"interval_seconds"`
}

type JobsConfig struct {
	PlanScan        JobConfig `yaml:"plan_scan" json:"plan_scan"`
	QueueRecovery   JobConfig `yaml:"queue_recovery" json:"queue_recovery"`
	TreasuryMonitor JobConfig `yaml:"treasury_monitor" json:"treasury_monitor"`
}

type JobConfig struct {
	// Enabled 任务默认开启，只有显式 enabled: false 才禁用
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Cron    string `yaml:"cron" json:"cron"`
}

// IsEnabled 返回任务是否开启
func (c JobConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	configPath := getConfigPath()
	data, err := os.ReadFile(configPath)
	if err == nil {
		// 先做环境变量替换再解析
		content := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getConfigPath 获取配置文件路径
func getConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}

	if _, err := os.Stat("config/config.yaml"); err == nil {
		return "config/config.yaml"
	}

	if exe, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(exe), "config", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "config/config.yaml"
}

// applyDefaults 应用默认配置
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-dca"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8080
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	// Postgres defaults
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = "eidos"
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = "eidos_dca"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetimeMinutes == 0 {
		cfg.Postgres.ConnMaxLifetimeMinutes = 30
	}

	// Redis defaults
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	// Scheduler defaults
	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 3
	}
	if cfg.Scheduler.DueCheck == "" {
		cfg.Scheduler.DueCheck = "strict"
	}

	// Worker defaults
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollIntervalMs == 0 {
		cfg.Worker.PollIntervalMs = 1000
	}
	if cfg.Worker.TickTimeoutSeconds == 0 {
		cfg.Worker.TickTimeoutSeconds = 120
	}

	// Queue defaults
	if cfg.Queue.DedupTTLSeconds == 0 {
		cfg.Queue.DedupTTLSeconds = 600
	}
	if cfg.Queue.VisibilityTimeoutSeconds == 0 {
		cfg.Queue.VisibilityTimeoutSeconds = 300
	}

	// Chain defaults
	if cfg.Chain.ConfirmTimeoutSeconds == 0 {
		cfg.Chain.ConfirmTimeoutSeconds = 90
	}

	// Aggregator defaults
	if cfg.Aggregator.BaseURL == "" {
		cfg.Aggregator.BaseURL = "https://api.1inch.dev"
	}
	if cfg.Aggregator.Slippage == "" {
		cfg.Aggregator.Slippage = "1"
	}

	// Log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// applyEnvOverrides 从环境变量覆盖配置
func applyEnvOverrides(cfg *Config) {
	// Service
	if v := os.Getenv("SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := os.Getenv("GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Service.GRPCPort = port
		}
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Service.Env = v
	}

	// Postgres
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Kafka
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}

	// Chain
	if v := os.Getenv("CHAIN_RPC_URLS"); v != "" {
		cfg.Chain.RPCURLs = strings.Split(v, ",")
		cfg.Chain.Enabled = true
	}
	if v := os.Getenv("CHAIN_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("PLAN_MANAGER_ADDRESS"); v != "" {
		cfg.Chain.PlanManagerAddress = v
	}

	// Aggregator
	if v := os.Getenv("AGGREGATOR_API_KEY"); v != "" {
		cfg.Aggregator.APIKey = v
	}

	// Log
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
