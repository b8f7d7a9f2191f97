package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Business  BusinessConfig  `mapstructure:"business"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Orphan    OrphanConfig    `mapstructure:"orphan"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	Mode       string `mapstructure:"mode"`
	WorkerID   int64  `mapstructure:"worker_id"`   // 雪花算法机器ID
	AdminToken string `mapstructure:"admin_token"` // 为空时关闭运维接口
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"` // silent / error / warn / info
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TaskEvents   string `mapstructure:"task_events"`
	LedgerEvents string `mapstructure:"ledger_events"`
}

// ProviderConfig 外部生成服务配置，name 决定使用哪一套协议描述
type ProviderConfig struct {
	Name          string        `mapstructure:"name"` // kie / 302ai
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	CallbackURL   string        `mapstructure:"callback_url"`
	DefaultModel  string        `mapstructure:"default_model"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	StatusTimeout time.Duration `mapstructure:"status_timeout"`
}

type BusinessConfig struct {
	GenerationCost           int64            `mapstructure:"generation_cost"`
	InitialBalance           int64            `mapstructure:"initial_balance"`
	MaxConcurrentGenerations int              `mapstructure:"max_concurrent_generations"`
	MaxPromptLength          int              `mapstructure:"max_prompt_length"`
	RequestDedupeTTL         time.Duration    `mapstructure:"request_dedupe_ttl"`
	RechargePackages         map[string]int64 `mapstructure:"recharge_packages"`
}

type LedgerConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Workers     int           `mapstructure:"workers"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

// OrphanConfig 已扣款但无任务记录的流水巡检
type OrphanConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Grace     time.Duration `mapstructure:"grace"`
	BatchSize int           `mapstructure:"batch_size"`
	ReportTTL time.Duration `mapstructure:"report_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "gensystem")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.task_events", "generation_task_events")
	v.SetDefault("kafka.topic.ledger_events", "credit_ledger_events")

	v.SetDefault("provider.name", "kie")
	v.SetDefault("provider.base_url", "https://api.kie.ai")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.callback_url", "")
	v.SetDefault("provider.default_model", "V3_5")
	v.SetDefault("provider.submit_timeout", 60*time.Second)
	v.SetDefault("provider.status_timeout", 15*time.Second)

	v.SetDefault("business.generation_cost", 5)
	v.SetDefault("business.initial_balance", 0)
	v.SetDefault("business.max_concurrent_generations", 1)
	v.SetDefault("business.max_prompt_length", 3000)
	v.SetDefault("business.request_dedupe_ttl", 10*time.Minute)
	v.SetDefault("business.recharge_packages", map[string]int64{
		"credits_100":  100,
		"credits_500":  500,
		"credits_2000": 2000,
		"credits_5000": 5000,
	})

	v.SetDefault("ledger.max_retries", 5)
	v.SetDefault("ledger.retry_backoff", 20*time.Millisecond)

	v.SetDefault("reconcile.interval", 10*time.Second)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.workers", 8)
	v.SetDefault("reconcile.backoff_base", 5*time.Second)
	v.SetDefault("reconcile.backoff_max", 5*time.Minute)
	v.SetDefault("reconcile.lock_ttl", 2*time.Minute)

	v.SetDefault("outbox.interval", 100*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 5)

	v.SetDefault("orphan.interval", time.Minute)
	v.SetDefault("orphan.grace", 10*time.Minute)
	v.SetDefault("orphan.batch_size", 50)
	v.SetDefault("orphan.report_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件，环境变量 GEN_* 可覆盖同名配置项
// 例如 GEN_PROVIDER_API_KEY 覆盖 provider.api_key
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return cfg, nil
}

// Validate 校验会影响账务正确性的配置
func (c *Config) Validate() error {
	if c.Business.GenerationCost <= 0 {
		return fmt.Errorf("business.generation_cost 必须大于0")
	}
	if c.Business.InitialBalance < 0 {
		return fmt.Errorf("business.initial_balance 不能为负数")
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("reconcile.workers 必须大于0")
	}
	switch c.Provider.Name {
	case "kie", "302ai":
	default:
		return fmt.Errorf("不支持的 provider.name: %q", c.Provider.Name)
	}
	return nil
}
