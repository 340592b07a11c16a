package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for recepta.
type Config struct {
	General GeneralConfig  `json:"general"`
	Server  ServerConfig   `json:"server"`
	Auth    AuthConfig     `json:"auth"`
	Gateway GatewayConfig  `json:"gateway"`
	AI      AIConfig       `json:"ai"`
	Store   StoreConfig    `json:"store"`
	Tenants []TenantConfig `json:"tenants"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// ServerConfig configures the HTTP listener serving the provider webhook
// and the tenant-scoped admin API.
type ServerConfig struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	WebhookPath   string `json:"webhookPath"`
	WebhookSecret string `json:"webhookSecret,omitempty"` // optional shared-secret header
	// IngestOnly acknowledges webhooks and logs the payload without any
	// processing. Diagnostic kill-switch; off in normal operation.
	IngestOnly     bool `json:"ingestOnly,omitempty"`
	MetricsEnabled bool `json:"metricsEnabled,omitempty"`
}

// AuthConfig configures admin API token verification. Tokens are issued by
// the back-office auth service; recepta only verifies them.
type AuthConfig struct {
	JWTSecret string `json:"jwtSecret"`
}

// GatewayConfig configures access to the channel provider's HTTP API.
// The provider is shared across tenants; each tenant owns one instance.
type GatewayConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	// SettleDelayMs is the pause between destructive lifecycle steps
	// (logout -> delete -> create/connect) to let the provider settle.
	SettleDelayMs int `json:"settleDelayMs"`
	// GroupSuffix marks group-chat addresses; such traffic is dropped.
	GroupSuffix string `json:"groupSuffix"`
}

// AIConfig configures the intent extraction model endpoint
// (OpenAI-compatible chat completions).
type AIConfig struct {
	APIBase        string `json:"apiBase"`
	APIKey         string `json:"apiKey,omitempty"`
	Model          string `json:"model"`
	HistoryWindow  int    `json:"historyWindow"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	CatalogPath    string `json:"catalogPath,omitempty"` // optional intent catalog override
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// TenantConfig binds one tenant to one provider instance.
type TenantConfig struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instance     string `json:"instance"`
	PairingToken string `json:"pairingToken,omitempty"`
}

// TenantByInstance returns the tenant owning the given provider instance.
func (c *Config) TenantByInstance(instance string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.Instance == instance {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// TenantByID returns the tenant with the given id.
func (c *Config) TenantByID(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// DefaultConfigDir returns the default config directory (~/.recepta).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recepta"
	}
	return filepath.Join(home, ".recepta")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.AI.CatalogPath = ExpandPath(cfg.AI.CatalogPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		errs = append(errs, "server.webhookPath must start with /")
	}

	if cfg.Gateway.BaseURL == "" {
		errs = append(errs, "gateway.baseUrl is required")
	}
	if cfg.Gateway.TimeoutSeconds < 1 {
		errs = append(errs, "gateway.timeoutSeconds must be >= 1")
	}
	if cfg.Gateway.SettleDelayMs < 0 {
		errs = append(errs, "gateway.settleDelayMs must be >= 0")
	}

	if cfg.AI.APIBase == "" {
		errs = append(errs, "ai.apiBase is required")
	}
	if cfg.AI.HistoryWindow < 1 {
		errs = append(errs, "ai.historyWindow must be >= 1")
	}
	if cfg.AI.TimeoutSeconds < 1 {
		errs = append(errs, "ai.timeoutSeconds must be >= 1")
	}

	if len(cfg.Tenants) == 0 {
		errs = append(errs, "at least one tenant is required")
	}
	seenID := make(map[string]bool)
	seenInstance := make(map[string]bool)
	for i, t := range cfg.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].id is required", i))
		}
		if t.Instance == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].instance is required", i))
		}
		if seenID[t.ID] {
			errs = append(errs, fmt.Sprintf("duplicate tenant id: %s", t.ID))
		}
		if seenInstance[t.Instance] {
			errs = append(errs, fmt.Sprintf("duplicate tenant instance: %s", t.Instance))
		}
		seenID[t.ID] = true
		seenInstance[t.Instance] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
