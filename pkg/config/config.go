package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"mysql"`
	MySQLAddr   string `env:"MYSQL_ADDR"   envDefault:"root:root_password@tcp(127.0.0.1:3307)/order_db?parseTime=true&loc=UTC"`

	RedisAddr          string   `env:"REDIS_ADDR"           envDefault:"localhost:6380"`
	RedisSentinelAddrs []string `env:"REDIS_SENTINEL_ADDRS" envSeparator:","`
	RedisMasterName    string   `env:"REDIS_MASTER_NAME"    envDefault:"mymaster"`

	// 为空时不启用 MQ：状态事件丢弃，不启动入站 consumer
	RocketMQNameServer string `env:"ROCKETMQ_NAMESERVER"`
	ConsumerGroup      string `env:"ROCKETMQ_CONSUMER_GROUP" envDefault:"order_lifecycle_group"`

	EnableTracing   bool   `env:"ENABLE_TRACING"`
	CollectorAddr   string `env:"COLLECTOR_SERVICE_ADDR"`
	DisableProfiler bool   `env:"DISABLE_PROFILER"`

	JWTSecret    string `env:"JWT_SECRET"`
	AuthDisabled bool   `env:"AUTH_DISABLED"`

	RateLimitGlobalRPS   float64 `env:"RATELIMIT_GLOBAL_RPS"   envDefault:"1000"`
	RateLimitGlobalBurst int     `env:"RATELIMIT_GLOBAL_BURST" envDefault:"1000"`
	RateLimitIPRPS       float64 `env:"RATELIMIT_IP_RPS"       envDefault:"5"`
	RateLimitIPBurst     int     `env:"RATELIMIT_IP_BURST"     envDefault:"10"`

	EmailAPIURL   string        `env:"EMAIL_API_URL"   envDefault:"https://api.resend.com/emails"`
	EmailAPIKey   string        `env:"EMAIL_API_KEY"`
	EmailFrom     string        `env:"EMAIL_FROM"      envDefault:"Luxwatch <orders@luxwatch.example>"`
	EmailMockMode bool          `env:"EMAIL_MOCK_MODE"`
	EmailTimeout  time.Duration `env:"EMAIL_TIMEOUT"   envDefault:"5s"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE"    envDefault:"50"`
	OutboxMaxAttempts  int32         `env:"OUTBOX_MAX_ATTEMPTS"  envDefault:"8"`

	// 0 关闭自动取消
	PaymentExpiry   time.Duration `env:"PAYMENT_EXPIRY"   envDefault:"0s"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"30s"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreMySQL, StoreMemory:
	default:
		return errors.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if c.EnableTracing && c.CollectorAddr == "" {
		return errors.New("COLLECTOR_SERVICE_ADDR is required when ENABLE_TRACING is set")
	}
	if c.PaymentExpiry < 0 {
		return errors.New("PAYMENT_EXPIRY must not be negative")
	}
	return nil
}

func (c *Config) NameServers() []string {
	if c.RocketMQNameServer == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(c.RocketMQNameServer, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
