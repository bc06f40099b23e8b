package integration

import (
	"fmt"
	"time"

	"ticketsync/internal/model"
)

const (
	VendorZendesk = "zendesk"
	VendorSlack   = "slack"
	VendorEmail   = "email"
)

// Config 单个 integration 的配置
type Config struct {
	ID            string          `yaml:"id"`
	Name          string          `yaml:"name"`
	Vendor        string          `yaml:"vendor"`
	Enabled       bool            `yaml:"enabled"`
	Schedule      string          `yaml:"schedule"`
	WebhookToken  string          `yaml:"webhook_token"`
	WebhookSecret string          `yaml:"webhook_secret"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Channels      []ChannelConfig `yaml:"channels"`
}

type RateLimitConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

// ChannelConfig 是带标签的变体，Kind 决定哪个字段有效
type ChannelConfig struct {
	Kind       model.ChannelKind `yaml:"kind"`
	Name       string            `yaml:"name"`
	Email      *EmailConfig      `yaml:"email,omitempty"`
	VendorRest *VendorRestConfig `yaml:"vendor_rest,omitempty"`
	Chat       *ChatConfig       `yaml:"chat,omitempty"`
}

type EmailConfig struct {
	// imap 或 gmail
	Source    string       `yaml:"source"`
	Provider  string       `yaml:"provider"`
	Host      string       `yaml:"host"`
	Port      int          `yaml:"port"`
	Username  string       `yaml:"username"`
	Password  string       `yaml:"password"`
	Mailboxes []string     `yaml:"mailboxes"`
	DaysBack  int          `yaml:"days_back"`
	BatchSize int          `yaml:"batch_size"`
	Gmail     *GmailConfig `yaml:"gmail,omitempty"`
}

type GmailConfig struct {
	AccessToken string `yaml:"access_token"`
	Query       string `yaml:"query"`
	UserID      string `yaml:"user_id"`
}

type VendorRestConfig struct {
	Subdomain string `yaml:"subdomain"`
	// BaseURL 覆盖默认的 https://<subdomain>.zendesk.com
	BaseURL  string         `yaml:"base_url"`
	Email    string         `yaml:"email"`
	APIToken string         `yaml:"api_token"`
	Mode     model.SyncMode `yaml:"mode"`
	PerPage  int            `yaml:"per_page"`
}

type ChatConfig struct {
	BotToken   string   `yaml:"bot_token"`
	BaseURL    string   `yaml:"base_url"`
	ChannelIDs []string `yaml:"channel_ids"`
	Limit      int      `yaml:"limit"`
}

// Label 渠道名称，用于 cursor key 和日志
func (c ChannelConfig) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return string(c.Kind)
}

// Validate 要求只有与 Kind 对应的变体被设置
func (c ChannelConfig) Validate() error {
	set := 0
	for _, present := range []bool{c.Email != nil, c.VendorRest != nil, c.Chat != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("channel %q: exactly one variant must be configured, got %d", c.Label(), set)
	}

	switch c.Kind {
	case model.ChannelEmail:
		if c.Email == nil {
			return fmt.Errorf("channel %q: kind email requires email settings", c.Label())
		}
		return c.Email.validate()
	case model.ChannelVendorRest:
		if c.VendorRest == nil {
			return fmt.Errorf("channel %q: kind vendor_rest requires vendor_rest settings", c.Label())
		}
		return c.VendorRest.validate()
	case model.ChannelChat:
		if c.Chat == nil {
			return fmt.Errorf("channel %q: kind chat requires chat settings", c.Label())
		}
		return c.Chat.validate()
	default:
		return fmt.Errorf("channel %q: unknown kind %q", c.Label(), c.Kind)
	}
}

func (e *EmailConfig) validate() error {
	switch e.Source {
	case "", "imap":
		if e.Username == "" || e.Password == "" {
			return fmt.Errorf("email imap source requires username and password")
		}
		if e.Provider == "custom" && e.Host == "" {
			return fmt.Errorf("email custom provider requires host")
		}
	case "gmail":
		if e.Gmail == nil || e.Gmail.AccessToken == "" {
			return fmt.Errorf("email gmail source requires gmail.access_token")
		}
	default:
		return fmt.Errorf("email source %q not supported", e.Source)
	}
	return nil
}

func (v *VendorRestConfig) validate() error {
	if v.Subdomain == "" && v.BaseURL == "" {
		return fmt.Errorf("vendor_rest requires subdomain or base_url")
	}
	if v.Email == "" || v.APIToken == "" {
		return fmt.Errorf("vendor_rest requires email and api_token")
	}
	switch v.Mode {
	case "", model.ModeFull, model.ModeIncremental:
	default:
		return fmt.Errorf("vendor_rest mode %q not supported", v.Mode)
	}
	return nil
}

func (c *ChatConfig) validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("chat requires bot_token")
	}
	if len(c.ChannelIDs) == 0 {
		return fmt.Errorf("chat requires at least one channel id")
	}
	if c.Limit > 1000 {
		return fmt.Errorf("chat limit %d exceeds 1000", c.Limit)
	}
	return nil
}

// Validate 在加载配置时调用
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("integration id is required")
	}
	switch c.Vendor {
	case VendorZendesk, VendorSlack, VendorEmail:
	default:
		return fmt.Errorf("integration %s: unknown vendor %q", c.ID, c.Vendor)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("integration %s: no channels configured", c.ID)
	}
	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("integration %s: %w", c.ID, err)
		}
	}
	return nil
}

// EffectiveRateLimit 未配置时使用供应商文档给出的默认值
func (c *Config) EffectiveRateLimit() RateLimitConfig {
	rl := c.RateLimit
	if rl.Window <= 0 {
		rl.Window = time.Minute
	}
	if rl.MaxCalls > 0 {
		return rl
	}
	switch c.Vendor {
	case VendorZendesk:
		rl.MaxCalls = 700
	case VendorSlack:
		rl.MaxCalls = 50
	default:
		rl.MaxCalls = 120
	}
	return rl
}
