package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// EnvPrefix is prepended to every environment variable the daemon reads.
const EnvPrefix = "HARBOR_"

// Loader resolves configuration from file, environment, and flag overrides.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Overrides carries CLI flag values. Nil fields leave the resolved value
// untouched.
type Overrides struct {
	Host     *string
	Port     *int
	LogLevel *string
}

// Resolve builds the effective configuration. explicitPath is the --config
// flag value; when empty the standard search order applies.
func (l *Loader) Resolve(explicitPath string, ov Overrides) (*Config, error) {
	cfg := DefaultConfig()

	path, err := l.locate(explicitPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := l.loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	ov.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// locate returns the first config file that exists, searching the explicit
// path, HARBOR_CONFIG_FILE, /etc/l8e-harbor, ~/.config/l8e-harbor, and the
// working directory in that order. An explicitly named file that does not
// exist is an error; missing files in the search path are not.
func (l *Loader) locate(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}

	candidates := []string{os.Getenv(EnvPrefix + "CONFIG_FILE")}
	candidates = append(candidates, "/etc/l8e-harbor/config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "l8e-harbor", "config.yaml"))
	}
	candidates = append(candidates, "./config.yaml")

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", nil
}

// loadFile reads a YAML config file into cfg. ${VAR} references inside the
// file are expanded from the environment before parsing.
func (l *Loader) loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := l.expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyEnv overrides cfg with HARBOR_* environment variables.
func (l *Loader) applyEnv(cfg *Config) error {
	var err error

	envString(&cfg.Mode, "MODE")
	envString(&cfg.Server.Host, "HOST")
	if err = envInt(&cfg.Server.Port, "PORT"); err != nil {
		return err
	}
	envString(&cfg.TLS.CertFile, "TLS_CERT_FILE")
	envString(&cfg.TLS.KeyFile, "TLS_KEY_FILE")
	envString(&cfg.TLS.CAFile, "TLS_CA_FILE")
	envString(&cfg.SecretProvider, "SECRET_PROVIDER")
	envString(&cfg.SecretPath, "SECRET_PATH")
	envString(&cfg.RouteStore, "ROUTE_STORE")
	envString(&cfg.RouteStorePath, "ROUTE_STORE_PATH")
	envString(&cfg.AuthAdapter, "AUTH_ADAPTER")
	if err = envInt(&cfg.JWTTTLSeconds, "JWT_TTL_SECONDS"); err != nil {
		return err
	}
	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envString(&cfg.LogFile, "LOG_FILE")
	if err = envBool(&cfg.EnableMetrics, "ENABLE_METRICS"); err != nil {
		return err
	}
	if err = envBool(&cfg.EnableTracing, "ENABLE_TRACING"); err != nil {
		return err
	}
	envString(&cfg.TracingEndpoint, "TRACING_ENDPOINT")
	if err = envInt(&cfg.ResyncSeconds, "RESYNC_SECONDS"); err != nil {
		return err
	}
	envString(&cfg.K8sNamespace, "K8S_NAMESPACE")

	return nil
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: invalid integer %q", EnvPrefix, key, v)
	}
	*dst = n
	return nil
}

func envBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: invalid boolean %q", EnvPrefix, key, v)
	}
	*dst = b
	return nil
}

func (o Overrides) apply(cfg *Config) {
	if o.Host != nil {
		cfg.Server.Host = *o.Host
	}
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}
