package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvDev        = "dev"
	EnvProduction = "production"

	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	MinSubscriptionLifetimeMinutes = 60
	MaxSubscriptionLifetimeMinutes = 4200
)

type AppConfig struct {
	Env       string `koanf:"env" mapstructure:"env"`
	Address   string `koanf:"address" mapstructure:"address"`
	LogLevel  string `koanf:"log_level" mapstructure:"log_level"`
	LogFormat string `koanf:"log_format" mapstructure:"log_format"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type GitHubConfig struct {
	Owner         string `koanf:"owner" mapstructure:"owner"`
	Repo          string `koanf:"repo" mapstructure:"repo"`
	Token         string `koanf:"token" mapstructure:"token"`
	WebhookSecret string `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	APIBaseURL    string `koanf:"api_base_url" mapstructure:"api_base_url"`
	CommentMarker string `koanf:"comment_marker" mapstructure:"comment_marker"`
}

type GraphConfig struct {
	TenantID                    string `koanf:"tenant_id" mapstructure:"tenant_id"`
	ClientID                    string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret                string `koanf:"client_secret" mapstructure:"client_secret"`
	SupportMailbox              string `koanf:"support_mailbox" mapstructure:"support_mailbox"`
	ClientState                 string `koanf:"client_state" mapstructure:"client_state"`
	NotificationURL             string `koanf:"notification_url" mapstructure:"notification_url"`
	SubscriptionID              string `koanf:"subscription_id" mapstructure:"subscription_id"`
	SubscriptionResource        string `koanf:"subscription_resource" mapstructure:"subscription_resource"`
	SubscriptionLifetimeMinutes int    `koanf:"subscription_lifetime_minutes" mapstructure:"subscription_lifetime_minutes"`
	RenewalWindowMinutes        int    `koanf:"renewal_window_minutes" mapstructure:"renewal_window_minutes"`
	APIBaseURL                  string `koanf:"api_base_url" mapstructure:"api_base_url"`
	TokenURL                    string `koanf:"token_url" mapstructure:"token_url"`
}

type TokenConfig struct {
	Secret        string `koanf:"secret" mapstructure:"secret"`
	MaxAgeSeconds int    `koanf:"max_age_seconds" mapstructure:"max_age_seconds"`
}

type RetryConfig struct {
	MaxAttempts       int `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelaySeconds  int `koanf:"base_delay_seconds" mapstructure:"base_delay_seconds"`
	MaxDelaySeconds   int `koanf:"max_delay_seconds" mapstructure:"max_delay_seconds"`
	BatchSize         int `koanf:"batch_size" mapstructure:"batch_size"`
	ClaimGraceSeconds int `koanf:"claim_grace_seconds" mapstructure:"claim_grace_seconds"`
}

type APIConfig struct {
	MaxAttempts      int `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelaySeconds int `koanf:"base_delay_seconds" mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int `koanf:"max_delay_seconds" mapstructure:"max_delay_seconds"`
	TimeoutSeconds   int `koanf:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type AlertsConfig struct {
	WebhookURL    string `koanf:"webhook_url" mapstructure:"webhook_url"`
	EmailTo       string `koanf:"email_to" mapstructure:"email_to"`
	SubjectPrefix string `koanf:"subject_prefix" mapstructure:"subject_prefix"`
	RedisURL      string `koanf:"redis_url" mapstructure:"redis_url"`
	RedisStream   string `koanf:"redis_stream" mapstructure:"redis_stream"`
}

type CacheConfig struct {
	ThreadTTLSeconds int `koanf:"thread_ttl_seconds" mapstructure:"thread_ttl_seconds"`
}

type Config struct {
	App      AppConfig      `koanf:"app" mapstructure:"app"`
	Database DatabaseConfig `koanf:"database" mapstructure:"database"`
	GitHub   GitHubConfig   `koanf:"github" mapstructure:"github"`
	Graph    GraphConfig    `koanf:"graph" mapstructure:"graph"`
	Token    TokenConfig    `koanf:"token" mapstructure:"token"`
	Retry    RetryConfig    `koanf:"retry" mapstructure:"retry"`
	API      APIConfig      `koanf:"api" mapstructure:"api"`
	Alerts   AlertsConfig   `koanf:"alerts" mapstructure:"alerts"`
	Cache    CacheConfig    `koanf:"cache" mapstructure:"cache"`
}

func DefaultConfig() Config {
	return Config{
		App: AppConfig{
			Env:       EnvDev,
			Address:   ":8000",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    "file:helpdesk_bridge.db?_foreign_keys=on",
		},
		GitHub: GitHubConfig{
			APIBaseURL:    "https://api.github.com",
			CommentMarker: "via-issue-email-parser",
		},
		Graph: GraphConfig{
			SubscriptionLifetimeMinutes: 2880,
			RenewalWindowMinutes:        360,
			APIBaseURL:                  "https://graph.microsoft.com/v1.0",
			TokenURL:                    "https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelaySeconds:  30,
			MaxDelaySeconds:   900,
			BatchSize:         25,
			ClaimGraceSeconds: 900,
		},
		API: APIConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  8,
			TimeoutSeconds:   20,
		},
		Alerts: AlertsConfig{
			SubjectPrefix: "[Issue Email Parser Alert]",
			RedisStream:   "helpdesk-bridge:alerts",
		},
		Cache: CacheConfig{
			ThreadTTLSeconds: 300,
		},
	}
}

// Validate checks invariants shared by every process. Role specific
// requirements live in ValidateServer, ValidateWorker and ValidateLifecycle.
func (c Config) Validate() error {
	switch strings.TrimSpace(c.Database.Driver) {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("core: unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("core: database dsn is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: retry max_attempts must be at least 1")
	}
	if c.Retry.BaseDelaySeconds < 0 || c.Retry.MaxDelaySeconds < 0 || c.Retry.ClaimGraceSeconds < 0 {
		return fmt.Errorf("core: retry delays must not be negative")
	}
	if c.Retry.MaxDelaySeconds > 0 && c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return fmt.Errorf("core: retry max_delay_seconds must be >= base_delay_seconds")
	}
	if c.API.MaxAttempts < 1 {
		return fmt.Errorf("core: api max_attempts must be at least 1")
	}
	if c.Token.MaxAgeSeconds < 0 {
		return fmt.Errorf("core: token max_age_seconds must not be negative")
	}
	if c.Graph.RenewalWindowMinutes < 0 {
		return fmt.Errorf("core: graph renewal_window_minutes must not be negative")
	}
	return nil
}

func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Token.Secret) == "" {
		return fmt.Errorf("core: token secret is required")
	}
	if strings.TrimSpace(c.Graph.SupportMailbox) == "" {
		return fmt.Errorf("core: graph support_mailbox is required")
	}
	if strings.TrimSpace(c.GitHub.Owner) == "" || strings.TrimSpace(c.GitHub.Repo) == "" {
		return fmt.Errorf("core: github owner and repo are required")
	}
	if !c.IsDev() && strings.TrimSpace(c.GitHub.WebhookSecret) == "" {
		return fmt.Errorf("core: github webhook_secret is required outside dev")
	}
	return nil
}

func (c Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Retry.BatchSize < 1 {
		return fmt.Errorf("core: retry batch_size must be at least 1")
	}
	return nil
}

func (c Config) ValidateLifecycle() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Graph.SubscriptionResource) == "" {
		return fmt.Errorf("core: graph subscription_resource is required")
	}
	return nil
}

func (c Config) IsDev() bool {
	return strings.EqualFold(strings.TrimSpace(c.App.Env), EnvDev)
}

func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   seconds(c.Retry.BaseDelaySeconds),
		MaxDelay:    seconds(c.Retry.MaxDelaySeconds),
		ClaimGrace:  seconds(c.Retry.ClaimGraceSeconds),
	}
}

func (c Config) SubscriptionSettings() SubscriptionSettings {
	return SubscriptionSettings{
		Resource:        strings.TrimSpace(c.Graph.SubscriptionResource),
		NotificationURL: strings.TrimSpace(c.Graph.NotificationURL),
		ClientState:     c.Graph.ClientState,
		PinnedID:        strings.TrimSpace(c.Graph.SubscriptionID),
		Lifetime:        time.Duration(ClampSubscriptionLifetime(c.Graph.SubscriptionLifetimeMinutes)) * time.Minute,
		RenewalWindow:   time.Duration(c.Graph.RenewalWindowMinutes) * time.Minute,
	}
}

// ClampSubscriptionLifetime bounds a requested lifetime to what the mailbox
// provider accepts for message resources.
func ClampSubscriptionLifetime(minutes int) int {
	if minutes < MinSubscriptionLifetimeMinutes {
		return MinSubscriptionLifetimeMinutes
	}
	if minutes > MaxSubscriptionLifetimeMinutes {
		return MaxSubscriptionLifetimeMinutes
	}
	return minutes
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
