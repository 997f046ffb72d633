package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "SPECVAULT"
	defaultHTTPAddress           = "127.0.0.1:8787"
	defaultDatabasePath          = "specvault.db"
	defaultLogLevel              = "info"
	defaultLogEncoding           = "json"
	defaultCheckpointInterval    = 10
	defaultLargeChangeThreshold  = 20
	defaultMinTextLength         = 60
	defaultVaultRoot             = "."
	defaultPairWindowMillis      = 250
	defaultAuthIssuer            = "specvault"
	defaultCookieName            = "specvault_session"
	defaultExportConcurrency     = 4
	defaultWorkerBuffer          = 64
	defaultAllowedOrigin         = "http://localhost:8787"
	defaultShutdownTimeoutMillis = 5000
)

// AppConfig captures runtime configuration for the vault.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	ShutdownTimeout      time.Duration
	DatabasePath         string
	LogLevel             string
	LogEncoding          string
	CheckpointInterval   int
	LargeChangeThreshold int
	MinTextLength        int
	WorkerBuffer         int
	VaultRoot            string
	PairWindow           time.Duration
	AuthSigningSecret    string
	AuthIssuer           string
	AuthCookieName       string
	ExportConcurrency    int
}

// AuthEnabled reports whether HTTP requests must carry a session token.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
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
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.shutdown_timeout_ms", defaultShutdownTimeoutMillis)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("history.checkpoint_interval", defaultCheckpointInterval)
	configViper.SetDefault("history.large_change_threshold", defaultLargeChangeThreshold)
	configViper.SetDefault("delta.min_text_length", defaultMinTextLength)
	configViper.SetDefault("worker.buffer", defaultWorkerBuffer)
	configViper.SetDefault("vault.root", defaultVaultRoot)
	configViper.SetDefault("watch.pair_window_ms", defaultPairWindowMillis)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("export.concurrency", defaultExportConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
		ShutdownTimeout:      time.Duration(configViper.GetInt("http.shutdown_timeout_ms")) * time.Millisecond,
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogEncoding:          configViper.GetString("log.encoding"),
		CheckpointInterval:   configViper.GetInt("history.checkpoint_interval"),
		LargeChangeThreshold: configViper.GetInt("history.large_change_threshold"),
		MinTextLength:        configViper.GetInt("delta.min_text_length"),
		WorkerBuffer:         configViper.GetInt("worker.buffer"),
		VaultRoot:            filepath.Clean(configViper.GetString("vault.root")),
		PairWindow:           time.Duration(configViper.GetInt("watch.pair_window_ms")) * time.Millisecond,
		AuthSigningSecret:    configViper.GetString("auth.signing_secret"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthCookieName:       configViper.GetString("auth.cookie_name"),
		ExportConcurrency:    configViper.GetInt("export.concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("history.checkpoint_interval must be positive")
	}
	if c.LargeChangeThreshold < 0 {
		return fmt.Errorf("history.large_change_threshold must not be negative")
	}
	if c.MinTextLength < 0 {
		return fmt.Errorf("delta.min_text_length must not be negative")
	}
	if c.PairWindow <= 0 {
		return fmt.Errorf("watch.pair_window_ms must be positive")
	}
	if c.ExportConcurrency < 1 {
		return fmt.Errorf("export.concurrency must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout_ms must be positive")
	}
	switch c.LogEncoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console")
	}
	if c.AuthEnabled() {
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("auth.issuer is required when auth.signing_secret is set")
		}
		if strings.TrimSpace(c.AuthCookieName) == "" {
			return fmt.Errorf("auth.cookie_name is required when auth.signing_secret is set")
		}
	}
	return nil
}

// splitOrigins accepts both list values and a comma separated env value.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
