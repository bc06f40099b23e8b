package config

import (
	"fmt"
	"os"
	"time"

	"ticketsync/internal/dedup"
	"ticketsync/internal/integration"
	"ticketsync/internal/jobs"
	"ticketsync/internal/service/syncer"
	"ticketsync/pkg/config"
)

type Config struct {
	Server config.ServerConfig `yaml:"server"`
	DB     config.DBConfig     `yaml:"db"`
	Redis  config.RedisConfig  `yaml:"redis"`
	MQ     config.MQConfig     `yaml:"mq"`
	OTel   config.OTelConfig   `yaml:"otel"`
	Log    LogConfig           `yaml:"log"`

	Ledger       LedgerConfig         `yaml:"ledger"`
	Sync         syncer.Config        `yaml:"sync"`
	Jobs         JobsConfig           `yaml:"jobs"`
	Classifier   ClassifierConfig     `yaml:"classifier"`
	Admin        AdminConfig          `yaml:"admin"`
	Integrations []integration.Config `yaml:"integrations"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// LedgerConfig DSN 决定去重账本的后端：memory:// redis:// postgres:// sqlite://
type LedgerConfig struct {
	DSN          string `yaml:"dsn"`
	dedup.Config `yaml:",inline"`
}

// JobsConfig 延迟任务（单工单重新同步）的投递方式
type JobsConfig struct {
	Backend    string `yaml:"backend"`
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
	MaxRetries int    `yaml:"max_retries"`
	Queue      string `yaml:"queue"`
}

type ClassifierConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Load 读取 CONFIG_ENV / CONFIG_DIR 指定的配置
func Load() (*Config, error) {
	return LoadFrom(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
}

func LoadFrom(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOTelFromEnv(&cfg.OTel)
	if dsn := os.Getenv("LEDGER_DSN"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}
	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		cfg.Admin.JWTSecret = secret
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Ledger.DSN == "" {
		c.Ledger.DSN = "memory://"
	}
	if c.Jobs.Backend == "" {
		c.Jobs.Backend = jobs.BackendInProcess
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 5
	}
	if c.Jobs.Queue == "" {
		c.Jobs.Queue = "ticket.resync.q"
	}
	if c.Classifier.Timeout <= 0 {
		c.Classifier.Timeout = 10 * time.Second
	}
	if c.MQ.Exchange == "" {
		c.MQ.Exchange = "ticketsync"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "ticketsync"
	}
}

// Validate 启动时校验，带标签的渠道变体在这里检查
func (c *Config) Validate() error {
	switch c.Jobs.Backend {
	case jobs.BackendMQ:
		if c.MQ.URL == "" {
			return fmt.Errorf("jobs backend mq requires mq.url")
		}
	case jobs.BackendOutbox:
		// worker 的 dispatcher 把 outbox 中的任务发布到 MQ
		if !c.DB.Enabled() || c.MQ.URL == "" {
			return fmt.Errorf("jobs backend outbox requires db settings and mq.url")
		}
	case jobs.BackendInProcess:
	default:
		return fmt.Errorf("unknown jobs backend %q", c.Jobs.Backend)
	}

	if c.Ledger.NearThreshold < 0 || c.Ledger.NearThreshold > 1 {
		return fmt.Errorf("ledger near_threshold must be within [0, 1], got %v", c.Ledger.NearThreshold)
	}

	ids := make(map[string]bool, len(c.Integrations))
	tokens := make(map[string]string, len(c.Integrations))
	for i := range c.Integrations {
		in := &c.Integrations[i]
		if err := in.Validate(); err != nil {
			return err
		}
		if ids[in.ID] {
			return fmt.Errorf("duplicate integration id %q", in.ID)
		}
		ids[in.ID] = true
		if in.WebhookToken == "" {
			continue
		}
		if in.WebhookToken == in.ID {
			return fmt.Errorf("integration %s: webhook_token must not equal the integration id", in.ID)
		}
		if other, ok := tokens[in.WebhookToken]; ok {
			return fmt.Errorf("integrations %s and %s share a webhook_token", other, in.ID)
		}
		tokens[in.WebhookToken] = in.ID
	}
	return nil
}
