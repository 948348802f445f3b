package config

import (
	"fmt"
	"strings"
	"time"

	"payflow/pkg/logger"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Lock     LockConfig     `mapstructure:"lock"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	IDGen    IDGenConfig    `mapstructure:"idgen"`
	Log      logger.Config  `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"` // gin 模式：debug / release / test
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql / postgres
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	LogLevel     string `mapstructure:"log_level"` // silent / error / warn / info
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type BusinessConfig struct {
	DefaultCurrency       string        `mapstructure:"default_currency"`
	PendingTimeout        time.Duration `mapstructure:"pending_timeout"`
	ProcessingTimeout     time.Duration `mapstructure:"processing_timeout"`
	ExpiryInterval        time.Duration `mapstructure:"expiry_interval"`
	ExpiryBatchSize       int           `mapstructure:"expiry_batch_size"`
	OutboxInterval        time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize       int           `mapstructure:"outbox_batch_size"`
	OutboxMaxRetry        int           `mapstructure:"outbox_max_retry"`
	RefundCreditsToWallet bool          `mapstructure:"refund_credits_to_wallet"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // redis / memory
	Prefix        string        `mapstructure:"prefix"`
	Lease         time.Duration `mapstructure:"lease"`
	Wait          time.Duration `mapstructure:"wait"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Timeout        time.Duration `mapstructure:"timeout"` // 含重试在内的总超时
}

type NotifyConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type IDGenConfig struct {
	WorkerID int64  `mapstructure:"worker_id"`
	Sequence string `mapstructure:"sequence"` // redis / snowflake
	// SequenceKey / SequenceBase 仅 redis 序列使用
	SequenceKey  string `mapstructure:"sequence_key"`
	SequenceBase int64  `mapstructure:"sequence_base"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("kafka.topic", "payflow.events")

	v.SetDefault("business.default_currency", "IRR")
	v.SetDefault("business.pending_timeout", "30m")
	v.SetDefault("business.processing_timeout", "2h")
	v.SetDefault("business.expiry_interval", "1m")
	v.SetDefault("business.expiry_batch_size", 100)
	v.SetDefault("business.outbox_interval", "1s")
	v.SetDefault("business.outbox_batch_size", 100)
	v.SetDefault("business.outbox_max_retry", 5)
	v.SetDefault("business.refund_credits_to_wallet", true)

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.prefix", "payflow:lock:")
	v.SetDefault("lock.lease", "10s")
	v.SetDefault("lock.wait", "3s")
	v.SetDefault("lock.retry_interval", "50ms")

	v.SetDefault("gateway.request_timeout", "5s")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.base_delay", "200ms")
	v.SetDefault("gateway.max_delay", "2s")
	v.SetDefault("gateway.timeout", "15s")

	v.SetDefault("notify.timeout", "5s")

	v.SetDefault("idgen.worker_id", 1)
	v.SetDefault("idgen.sequence", "redis")
	v.SetDefault("idgen.sequence_key", "payflow:seq:tracking")
	v.SetDefault("idgen.sequence_base", 100000000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig 加载配置文件，环境变量 PAYSYSTEM_* 覆盖文件中的值
// 例如 PAYSYSTEM_DATABASE_PASSWORD 覆盖 database.password
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAYSYSTEM")
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
	return cfg, nil
}

// Validate 校验配置之间的约束
func (c *Config) Validate() error {
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout 必须大于0")
	}
	if c.Lock.Lease <= 0 {
		return fmt.Errorf("lock.lease 必须大于0")
	}
	// 锁租约必须短于请求超时，持有者崩溃后锁不会比请求活得更久
	if c.Lock.Lease >= c.Server.RequestTimeout {
		return fmt.Errorf("lock.lease(%s) 必须小于 server.request_timeout(%s)", c.Lock.Lease, c.Server.RequestTimeout)
	}
	if c.Lock.Wait >= c.Server.RequestTimeout {
		return fmt.Errorf("lock.wait(%s) 必须小于 server.request_timeout(%s)", c.Lock.Wait, c.Server.RequestTimeout)
	}
	switch c.Lock.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("不支持的 lock.backend: %q", c.Lock.Backend)
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("不支持的 database.driver: %q", c.Database.Driver)
	}
	switch c.IDGen.Sequence {
	case "redis", "snowflake":
	default:
		return fmt.Errorf("不支持的 idgen.sequence: %q", c.IDGen.Sequence)
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway.max_retries 不能为负数")
	}
	if c.Gateway.BaseDelay <= 0 {
		return fmt.Errorf("gateway.base_delay 必须大于0")
	}
	if c.Gateway.Timeout <= 0 || c.Gateway.Timeout >= c.Server.RequestTimeout {
		return fmt.Errorf("gateway.timeout(%s) 必须大于0且小于 server.request_timeout(%s)", c.Gateway.Timeout, c.Server.RequestTimeout)
	}
	if c.Business.OutboxMaxRetry <= 0 {
		return fmt.Errorf("business.outbox_max_retry 必须大于0")
	}
	return nil
}
