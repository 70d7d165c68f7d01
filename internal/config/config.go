// Package config handles chatcore configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/chatcore/internal/settings"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chatcore/config.yaml, /etc/chatcore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatcore", "config.yaml"))
	}

	paths = append(paths, "/etc/chatcore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all chatcore configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	DataDir   string `yaml:"data_dir"`

	Tools        ToolsConfig           `yaml:"tools"`
	MCPServers   []settings.MCPServer  `yaml:"mcp_servers"`
	Browse       *settings.BrowseLists `yaml:"browse"`
	PublicAPI    map[string]string     `yaml:"public_api"`
	SERP         map[string]string     `yaml:"serp"`
	Calendar     CalendarConfig        `yaml:"calendar"`
	Notification NotificationConfig    `yaml:"notification"`
	Workspace    WorkspaceConfig       `yaml:"workspace"`
	Local        LocalConfig           `yaml:"local"`
	Memory       MemoryConfig          `yaml:"memory"`
}

// ToolsConfig controls provider enablement and call deadlines.
type ToolsConfig struct {
	// Enabled overrides the default status of a provider identifier
	// ("serp.baidu", "local", "mcp").
	Enabled map[string]bool `yaml:"enabled"`
	// TimeoutSec bounds every provider call (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
	// Timeouts overrides TimeoutSec per provider identifier.
	Timeouts map[string]int `yaml:"timeouts"`
}

// CalendarConfig defines the CalDAV account for the calendar family.
// Without an endpoint only the date and time commands work.
type CalendarConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Calendar string `yaml:"calendar"` // collection path or display name
	Timezone string `yaml:"timezone"` // IANA name, default local
}

// NotificationConfig defines the MQTT broker the notification family
// publishes to.
type NotificationConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// WorkspaceConfig defines the root directory for the file family.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// If empty, file tools report missing configuration.
	Path string `yaml:"path"`
}

// LocalConfig defines the command policy for the local family.
type LocalConfig struct {
	WorkingDir string `yaml:"working_dir"`
	// AllowedCmds limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to DeniedCmds).
	AllowedCmds []string `yaml:"allowed_cmds"`
	// DeniedCmds replaces the built-in deny list when set.
	DeniedCmds     []string `yaml:"denied_cmds"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
}

// MemoryConfig defines session memory storage.
type MemoryConfig struct {
	// LegacyFile is a newline-separated memory file migrated into the
	// default session at startup when that session is still empty.
	LegacyFile string `yaml:"legacy_file"`
}

// Load reads configuration from a YAML file. Values are layered over
// [Default], and ${VAR} references are expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   "data",
		Tools:     ToolsConfig{TimeoutSec: 30},
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	known := settings.Default()
	for id := range c.Tools.Enabled {
		if _, ok := known.Status(id); !ok {
			errs = append(errs, fmt.Errorf("tools.enabled: unknown provider %q", id))
		}
	}
	for id, sec := range c.Tools.Timeouts {
		if sec <= 0 {
			errs = append(errs, fmt.Errorf("tools.timeouts.%s: must be positive", id))
		}
	}
	if c.Tools.TimeoutSec < 0 {
		errs = append(errs, errors.New("tools.timeout_sec: must not be negative"))
	}

	seen := make(map[string]bool)
	for i, srv := range c.MCPServers {
		switch {
		case srv.ID == "":
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: id is required", i))
		case strings.Contains(srv.ID, "."):
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: id %q must not contain '.'", i, srv.ID))
		case seen[srv.ID]:
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: duplicate id %q", i, srv.ID))
		}
		seen[srv.ID] = true
		if srv.Endpoint == "" {
			errs = append(errs, fmt.Errorf("mcp_servers[%d]: endpoint is required", i))
		}
	}

	for name := range c.PublicAPI {
		if _, ok := known.Status(qualify("publicApi", name)); !ok {
			errs = append(errs, fmt.Errorf("public_api: unknown provider %q", name))
		}
	}
	for name := range c.SERP {
		if _, ok := known.Status(qualify("serp", name)); !ok {
			errs = append(errs, fmt.Errorf("serp: unknown provider %q", name))
		}
	}

	return errors.Join(errs...)
}

// Snapshot converts the tool sections into an immutable settings
// snapshot, with unspecified providers at their defaults.
func (c *Config) Snapshot() settings.Snapshot {
	p := settings.Partial{
		MCPServers: c.MCPServers,
		Browse:     c.Browse,
	}
	if len(c.Tools.Enabled) > 0 {
		p.Providers = make(map[string]settings.Status, len(c.Tools.Enabled))
		for id, on := range c.Tools.Enabled {
			p.Providers[id] = settings.StatusOf(on)
		}
	}
	return settings.MergeWithDefaults(p)
}

// ProviderTimeout returns the call deadline for provider id.
func (c *Config) ProviderTimeout(id string) time.Duration {
	if sec, ok := c.Tools.Timeouts[id]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if c.Tools.TimeoutSec > 0 {
		return time.Duration(c.Tools.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

// PublicAPIBaseURL returns the configured base URL for a publicApi
// provider id, or "" to use the built-in default. Keys may be written
// with or without the "publicApi." prefix.
func (c *Config) PublicAPIBaseURL(id string) string {
	return lookupQualified(c.PublicAPI, "publicApi", id)
}

// SERPBaseURL is [Config.PublicAPIBaseURL] for the serp family.
func (c *Config) SERPBaseURL(id string) string {
	return lookupQualified(c.SERP, "serp", id)
}

// DBPath is the sqlite database holding session memory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "chatcore.db")
}

func qualify(family, name string) string {
	if strings.HasPrefix(name, family+".") {
		return name
	}
	return family + "." + name
}

func lookupQualified(m map[string]string, family, id string) string {
	for k, v := range m {
		if qualify(family, k) == id {
			return v
		}
	}
	return ""
}
