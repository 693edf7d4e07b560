package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "CONVOSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "convosync.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultIssuer             = "convosync"
	defaultTokenTTL           = 12 * time.Hour
	defaultBaseURL            = "http://127.0.0.1:8080"
	defaultPushURL            = "ws://127.0.0.1:8080/ws"
	defaultHandshakeTimeout   = 5 * time.Second
	defaultBackoffInitial     = time.Second
	defaultBackoffMax         = 30 * time.Second
	defaultEchoWindow         = 5 * time.Second
	defaultPageSize           = 50
	defaultRateLimitPerSecond = 5.0
	defaultRateLimitBurst     = 10
)

// AuthConfig configures token signing.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration
}

// ClientConfig locates the backend for the sync engine.
type ClientConfig struct {
	BaseURL string
	PushURL string
	Token   string
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	HandshakeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	EchoWindow       time.Duration
	PageSize         int
}

// RateLimitConfig tunes the per-user write limiter.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// AppConfig captures runtime configuration for the server and the client commands.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	Auth         AuthConfig
	Client       ClientConfig
	Sync         SyncConfig
	RateLimit    RateLimitConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("client.base_url", defaultBaseURL)
	configViper.SetDefault("client.push_url", defaultPushURL)
	configViper.SetDefault("sync.handshake_timeout", defaultHandshakeTimeout)
	configViper.SetDefault("sync.backoff_initial", defaultBackoffInitial)
	configViper.SetDefault("sync.backoff_max", defaultBackoffMax)
	configViper.SetDefault("sync.echo_window", defaultEchoWindow)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("server.rate_limit_per_second", defaultRateLimitPerSecond)
	configViper.SetDefault("server.rate_limit_burst", defaultRateLimitBurst)
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Client: ClientConfig{
			BaseURL: configViper.GetString("client.base_url"),
			PushURL: configViper.GetString("client.push_url"),
			Token:   configViper.GetString("client.token"),
		},
		Sync: SyncConfig{
			HandshakeTimeout: configViper.GetDuration("sync.handshake_timeout"),
			BackoffInitial:   configViper.GetDuration("sync.backoff_initial"),
			BackoffMax:       configViper.GetDuration("sync.backoff_max"),
			EchoWindow:       configViper.GetDuration("sync.echo_window"),
			PageSize:         configViper.GetInt("sync.page_size"),
		},
		RateLimit: RateLimitConfig{
			PerSecond: configViper.GetFloat64("server.rate_limit_per_second"),
			Burst:     configViper.GetInt("server.rate_limit_burst"),
		},
	}
}

// LoadServer parses and validates configuration for the serve and token commands.
func LoadServer(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validateServer(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses and validates configuration for the watch command.
func LoadClient(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validateClient(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validateServer() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("server.rate_limit_per_second and server.rate_limit_burst must be positive")
	}
	return nil
}

func (c AppConfig) validateClient() error {
	if strings.TrimSpace(c.Client.Token) == "" {
		return fmt.Errorf("client.token is required")
	}
	if err := validateURL("client.base_url", c.Client.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("client.push_url", c.Client.PushURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return fmt.Errorf("sync.backoff_max must not be below sync.backoff_initial")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute url", key)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", key, strings.Join(schemes, ", "))
}
