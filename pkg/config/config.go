package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"boltgate/pkg/jsoncodec"
)

const (
	envConfigPath        = "BOLTGATE_CONFIG"
	envSigningSecret     = "BOLTGATE_SIGNING_SECRET"
	envAppToken          = "BOLTGATE_APP_TOKEN"
	envClientID          = "BOLTGATE_CLIENT_ID"
	envClientSecret      = "BOLTGATE_CLIENT_SECRET"
	envStateSecret       = "BOLTGATE_STATE_SECRET"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Receivers ReceiversConfig `json:"receivers"`
	Install   InstallConfig   `json:"install"`
	App       AppConfig       `json:"app"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// AppConfig tunes the event processor shared by every receiver.
type AppConfig struct {
	// IgnoreEventTypes are acknowledged and dropped before any middleware.
	IgnoreEventTypes []string `json:"ignore_event_types,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ReceiversConfig stores per-transport receiver settings.
type ReceiversConfig struct {
	HTTP     HTTPReceiverConfig   `json:"http"`
	Socket   SocketReceiverConfig `json:"socket"`
	Telegram TelegramConfig       `json:"telegram"`
}

// HTTPReceiverConfig configures the signed HTTP event receiver.
type HTTPReceiverConfig struct {
	Enabled               bool     `json:"enabled"`
	Addr                  string   `json:"addr"`
	SigningSecret         string   `json:"signing_secret"`
	Endpoints             []string `json:"endpoints"`
	ProcessBeforeResponse bool     `json:"process_before_response"`
}

// SocketReceiverConfig configures the socket connection receiver. AppToken
// authenticates the connection open request.
type SocketReceiverConfig struct {
	Enabled     bool   `json:"enabled"`
	AppToken    string `json:"app_token"`
	OpenURL     string `json:"open_url,omitempty"`
	InstallAddr string `json:"install_addr,omitempty"`
}

// TelegramConfig configures the Telegram long-polling receiver.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// InstallConfig configures the OAuth install flow served by the HTTP and
// socket receivers. It is active when a client id is set.
type InstallConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	StateSecret  string   `json:"state_secret"`
	Scopes       []string `json:"scopes"`
	UserScopes   []string `json:"user_scopes"`
	RedirectURI  string   `json:"redirect_uri"`
	InstallPath  string   `json:"install_path,omitempty"`
	RedirectPath string   `json:"redirect_path,omitempty"`
}

// Enabled reports whether install routes should be served.
func (c InstallConfig) Enabled() bool {
	return strings.TrimSpace(c.ClientID) != ""
}

// GatewayConfig configures the status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := jsoncodec.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects secrets from the environment on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrideString(&cfg.Receivers.HTTP.SigningSecret, envSigningSecret)
	overrideString(&cfg.Receivers.Socket.AppToken, envAppToken)
	overrideString(&cfg.Install.ClientID, envClientID)
	overrideString(&cfg.Install.ClientSecret, envClientSecret)
	overrideString(&cfg.Install.StateSecret, envStateSecret)
	overrideString(&cfg.Receivers.Telegram.Token, envTelegramBotToken)

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Receivers.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

func overrideString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is BOLTGATE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
