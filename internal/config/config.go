package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Campaign   CampaignConfig   `mapstructure:"campaign"`
	Sender     SenderConfig     `mapstructure:"sender"`
	Automation AutomationConfig `mapstructure:"automation"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// VaultConfig holds the secret the credential vault key is derived from
type VaultConfig struct {
	Secret string `mapstructure:"secret"`
}

// TransportConfig bounds every IMAP/SMTP network call
type TransportConfig struct {
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// PollerConfig holds mailbox poller configuration
type PollerConfig struct {
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	Workers         int           `mapstructure:"workers"`
	AccountBudget   time.Duration `mapstructure:"account_budget"`
	Folder          string        `mapstructure:"folder"`
}

// CampaignConfig holds campaign dispatcher configuration
type CampaignConfig struct {
	IntervalMinutes int           `mapstructure:"interval_minutes"`
	Workers         int           `mapstructure:"workers"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Budget          time.Duration `mapstructure:"budget"`
	RecipientBudget time.Duration `mapstructure:"recipient_budget"`
	// TrackingBaseURL is the public base of the open pixel; empty disables it
	TrackingBaseURL string `mapstructure:"tracking_base_url"`
}

// SenderConfig holds the outbound fallbacks
type SenderConfig struct {
	FallbackFrom    string         `mapstructure:"fallback_from"`
	DefaultProvider ProviderConfig `mapstructure:"default_provider"`
}

// ProviderConfig describes an SMTP relay used as the system default provider.
// When Host is empty the provider row flagged is_default is used instead.
type ProviderConfig struct {
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"type"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	UseTLS    bool   `mapstructure:"use_tls"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

type AutomationConfig struct {
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
}

type NotifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// GmailConfig holds the OAuth2 client used for oauth2 Gmail accounts
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// LoadConfig loads configuration from .env, environment variables and config file
func LoadConfig() (*Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("log.level", "info")

	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.path", "mail-engine.db")

	viper.SetDefault("transport.connect_timeout", "10s")
	viper.SetDefault("transport.operation_timeout", "60s")

	viper.SetDefault("poller.interval_minutes", 5)
	viper.SetDefault("poller.workers", 4)
	viper.SetDefault("poller.account_budget", "3m")
	viper.SetDefault("poller.folder", "INBOX")

	viper.SetDefault("campaign.interval_minutes", 1)
	viper.SetDefault("campaign.workers", 4)
	viper.SetDefault("campaign.rate_per_second", 5.0)
	viper.SetDefault("campaign.budget", "10m")
	viper.SetDefault("campaign.recipient_budget", "30s")

	viper.SetDefault("sender.default_provider.port", 587)
	viper.SetDefault("sender.default_provider.use_tls", true)

	viper.SetDefault("automation.webhook_timeout", "30s")
	viper.SetDefault("automation.max_delay", "5m")

	viper.SetDefault("notify.timeout", "5s")

	viper.SetDefault("gmail.redirect_url", "http://localhost:8080/callback")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("log.level", "LOG_LEVEL")

	// Database
	viper.BindEnv("database.driver", "DB_DRIVER")
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")
	viper.BindEnv("database.sslmode", "DB_SSLMODE")
	viper.BindEnv("database.path", "DB_PATH")

	viper.BindEnv("vault.secret", "VAULT_SECRET")

	viper.BindEnv("transport.connect_timeout", "TRANSPORT_CONNECT_TIMEOUT")
	viper.BindEnv("transport.operation_timeout", "TRANSPORT_OPERATION_TIMEOUT")

	// Poller
	viper.BindEnv("poller.interval_minutes", "POLLER_INTERVAL_MINUTES")
	viper.BindEnv("poller.workers", "POLLER_WORKERS")
	viper.BindEnv("poller.account_budget", "POLLER_ACCOUNT_BUDGET")
	viper.BindEnv("poller.folder", "POLLER_FOLDER")

	// Campaigns
	viper.BindEnv("campaign.interval_minutes", "CAMPAIGN_INTERVAL_MINUTES")
	viper.BindEnv("campaign.workers", "CAMPAIGN_WORKERS")
	viper.BindEnv("campaign.rate_per_second", "CAMPAIGN_RATE_PER_SECOND")
	viper.BindEnv("campaign.budget", "CAMPAIGN_BUDGET")
	viper.BindEnv("campaign.recipient_budget", "CAMPAIGN_RECIPIENT_BUDGET")
	viper.BindEnv("campaign.tracking_base_url", "CAMPAIGN_TRACKING_BASE_URL")

	// Sender
	viper.BindEnv("sender.fallback_from", "DEFAULT_FROM_EMAIL")
	viper.BindEnv("sender.default_provider.name", "DEFAULT_PROVIDER_NAME")
	viper.BindEnv("sender.default_provider.type", "DEFAULT_PROVIDER_TYPE")
	viper.BindEnv("sender.default_provider.host", "DEFAULT_PROVIDER_HOST")
	viper.BindEnv("sender.default_provider.port", "DEFAULT_PROVIDER_PORT")
	viper.BindEnv("sender.default_provider.username", "DEFAULT_PROVIDER_USERNAME")
	viper.BindEnv("sender.default_provider.password", "DEFAULT_PROVIDER_PASSWORD")
	viper.BindEnv("sender.default_provider.use_tls", "DEFAULT_PROVIDER_USE_TLS")
	viper.BindEnv("sender.default_provider.from_email", "DEFAULT_PROVIDER_FROM_EMAIL")
	viper.BindEnv("sender.default_provider.from_name", "DEFAULT_PROVIDER_FROM_NAME")

	viper.BindEnv("automation.webhook_timeout", "AUTOMATION_WEBHOOK_TIMEOUT")
	viper.BindEnv("automation.max_delay", "AUTOMATION_MAX_DELAY")
	viper.BindEnv("notify.timeout", "NOTIFY_TIMEOUT")

	// Gmail
	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	viper.BindEnv("gmail.redirect_url", "GMAIL_REDIRECT_URL")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	case "sqlite":
		return c.Path
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.User, c.Password, c.Host, c.Port, c.DBName)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "mysql", "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Vault.Secret == "" {
		return fmt.Errorf("vault secret is required")
	}

	if c.Poller.IntervalMinutes <= 0 || c.Campaign.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than 0")
	}

	if c.Poller.Workers <= 0 || c.Campaign.Workers <= 0 {
		return fmt.Errorf("worker counts must be greater than 0")
	}

	return nil
}
