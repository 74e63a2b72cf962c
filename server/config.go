package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values.
const (
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 12097
	DefaultJobTimeout = 300 * time.Second
	DefaultMaxJobs    = 50
)

// Config is the externally supplied server configuration. Zero values fall
// back to the documented defaults.
type Config struct {
	// Host is the bind address. Loopback unless NetworkAccess is set.
	Host string `toml:"host"`

	// Port is the listen port.
	Port int `toml:"port"`

	// NetworkAccess binds to all interfaces instead of loopback. Requires
	// authentication.
	NetworkAccess bool `toml:"network_access"`

	// AuthToken is the shared secret compared by the transport auth gate.
	AuthToken string `toml:"auth_token"`

	// AuthRequired enforces the auth gate on every endpoint except /health.
	AuthRequired bool `toml:"auth_required"`

	// JobTimeout is the invocation deadline. Default: 300 s.
	JobTimeout time.Duration `toml:"job_timeout"`

	// MaxJobs bounds concurrent in-flight jobs. Default: 50.
	MaxJobs int `toml:"max_jobs"`

	// OutputLimit truncates tool output beyond this many bytes.
	OutputLimit int `toml:"output_limit"`

	// Name and Version identify the server to protocol clients.
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a TOML config file and applies BMCP_* environment
// overrides on top. A missing path loads defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("BMCP_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("BMCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("BMCP_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
		c.AuthRequired = true
	}
	if v := os.Getenv("BMCP_NETWORK_ACCESS"); v != "" {
		c.NetworkAccess = v == "1" || v == "true"
	}
	if v := os.Getenv("BMCP_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.JobTimeout = d
		}
	}
	if v := os.Getenv("BMCP_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxJobs = n
		}
	}
	if v := os.Getenv("BMCP_OUTPUT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OutputLimit = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		if c.NetworkAccess {
			c.Host = "0.0.0.0"
		} else {
			c.Host = DefaultHost
		}
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = DefaultMaxJobs
	}
	if c.Name == "" {
		c.Name = "Blender bMCP"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
}

// Validate checks the configuration before startup. Errors block startup;
// warnings are advisory and returned for the caller to log.
func (c *Config) Validate() (warnings []string, err error) {
	if c.Port < 1024 || c.Port > 65535 {
		return nil, fmt.Errorf("port %d outside usable range 1024-65535", c.Port)
	}
	if c.NetworkAccess && (!c.AuthRequired || c.AuthToken == "") {
		return nil, fmt.Errorf("network access requires authentication with a token")
	}
	if c.AuthRequired && c.AuthToken == "" {
		return nil, fmt.Errorf("authentication required but no token set")
	}
	if !c.AuthRequired {
		warnings = append(warnings, "authentication disabled; server accessible without credentials")
	} else if len(c.AuthToken) < 16 {
		warnings = append(warnings, fmt.Sprintf("auth token is short (%d chars); 32+ recommended", len(c.AuthToken)))
	}
	if c.NetworkAccess {
		warnings = append(warnings, "network access enabled; server reachable beyond loopback")
	}
	return warnings, nil
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
