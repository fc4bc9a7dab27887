package config

import (
	"fmt"
	"time"
)

// Deployment modes.
const (
	ModeVM     = "vm"
	ModeK8s    = "k8s"
	ModeHybrid = "hybrid"
)

// Config is the full daemon configuration. Values are resolved with
// precedence CLI flag > HARBOR_* environment > config file > default.
type Config struct {
	Mode   string       `yaml:"mode" json:"mode"`
	Server ServerConfig `yaml:"server" json:"server"`
	TLS    TLSConfig    `yaml:"tls" json:"tls"`

	SecretProvider string `yaml:"secret_provider" json:"secret_provider"`
	SecretPath     string `yaml:"secret_path" json:"secret_path"`
	RouteStore     string `yaml:"route_store" json:"route_store"`
	RouteStorePath string `yaml:"route_store_path" json:"route_store_path"`
	AuthAdapter    string `yaml:"auth_adapter" json:"auth_adapter"`

	JWTTTLSeconds int `yaml:"jwt_ttl_seconds" json:"jwt_ttl_seconds"`

	LogLevel    string         `yaml:"log_level" json:"log_level"`
	LogFormat   string         `yaml:"log_format" json:"log_format"`
	LogFile     string         `yaml:"log_file" json:"log_file"`
	LogRotation RotationConfig `yaml:"log_rotation" json:"log_rotation"`

	EnableMetrics   bool   `yaml:"enable_metrics" json:"enable_metrics"`
	EnableTracing   bool   `yaml:"enable_tracing" json:"enable_tracing"`
	TracingEndpoint string `yaml:"tracing_endpoint" json:"tracing_endpoint"`

	// ResyncSeconds is the interval at which the route index reconciles
	// against the route store in addition to watch events.
	ResyncSeconds int `yaml:"resync_seconds" json:"resync_seconds"`

	// Kubernetes specific settings, used when mode is k8s or hybrid.
	K8sNamespace string            `yaml:"k8s_namespace" json:"k8s_namespace"`
	K8sRolesMap  map[string]string `yaml:"k8s_roles_map" json:"k8s_roles_map"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" json:"max_header_bytes"`
}

// TLSConfig holds the server TLS settings. TLS is active when both
// cert_file and key_file are set.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CAFile   string `yaml:"ca_file" json:"ca_file"`
}

// Enabled reports whether the server should terminate TLS.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// RotationConfig holds log rotation settings for file sinks.
type RotationConfig struct {
	MaxSizeMB  int `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`
}

// DefaultConfig returns the configuration used when no file, environment
// variable, or flag overrides anything.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeVM,
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8443,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		SecretProvider: "localfs",
		SecretPath:     "/etc/l8e-harbor/secrets",
		RouteStore:     "memory",
		RouteStorePath: "/var/lib/l8e-harbor/routes.db",
		AuthAdapter:    "local",
		JWTTTLSeconds:  900,
		LogLevel:       "INFO",
		LogFormat:      "json",
		LogRotation: RotationConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		EnableMetrics: true,
		EnableTracing: false,
		ResyncSeconds: 30,
	}
}

// Address returns the host:port the server binds to.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// JWTTTL returns the token lifetime as a duration.
func (c *Config) JWTTTL() time.Duration {
	return time.Duration(c.JWTTTLSeconds) * time.Second
}

// ResyncInterval returns the route index resync period. Zero disables
// periodic resync.
func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncSeconds) * time.Second
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeVM, ModeK8s, ModeHybrid:
	default:
		return fmt.Errorf("invalid mode %q (must be vm, k8s, or hybrid)", c.Mode)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	switch c.RouteStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("invalid route_store %q (must be memory or sqlite)", c.RouteStore)
	}
	if c.RouteStore == "sqlite" && c.RouteStorePath == "" {
		return fmt.Errorf("route_store_path is required for the sqlite route store")
	}

	switch c.SecretProvider {
	case "localfs", "kubernetes":
	default:
		return fmt.Errorf("invalid secret_provider %q (must be localfs or kubernetes)", c.SecretProvider)
	}

	switch c.AuthAdapter {
	case "local", "k8s_sa":
	default:
		return fmt.Errorf("invalid auth_adapter %q (must be local or k8s_sa)", c.AuthAdapter)
	}

	if c.JWTTTLSeconds <= 0 {
		return fmt.Errorf("jwt_ttl_seconds must be > 0, got %d", c.JWTTTLSeconds)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q (must be json or console)", c.LogFormat)
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}

	if c.ResyncSeconds < 0 {
		return fmt.Errorf("resync_seconds must be >= 0, got %d", c.ResyncSeconds)
	}

	return nil
}
