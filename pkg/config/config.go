// Package config loads the control application's configuration from a YAML
// file and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/iorate/infrastructure/runtime"
)

// Role identifies which half of the control plane a process runs as.
type Role string

const (
	RoleCore  Role = "core"
	RoleLocal Role = "local"
)

// ControlType selects the allocation algorithm the core controller runs.
// Mirrors the ControlType enum of the original research controller.
type ControlType string

const (
	ControlStatic          ControlType = "static"
	ControlDynamicVanilla  ControlType = "dynamic-vanilla"
	ControlDynamicLeftover ControlType = "dynamic-leftover"
)

// ServerConfig controls the northbound HTTP RPC listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// TracingConfig configures OTLP/Tracing exporters for the feedback loop and
// dispatch paths. Optional: a zero-value config disables tracing.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" yaml:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" yaml:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" yaml:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// ControllerConfig holds the options every controller accepts, named after
// the original cheferd configuration file keys (see options.hpp).
type ControllerConfig struct {
	Role        Role        `json:"role" yaml:"role" env:"CONTROLLER_ROLE"`
	CoreAddress string      `json:"core_address" yaml:"core_address" env:"CORE_ADDRESS"`
	LocalAddress string     `json:"local_address" yaml:"local_address" env:"LOCAL_ADDRESS"`
	ControlType ControlType `json:"control_type" yaml:"control_type" env:"CONTROL_TYPE"`

	// SystemLimitIOPS is the ceiling enforced by the core allocator under
	// the STATIC and DYNAMIC-VANILLA algorithms.
	SystemLimitIOPS int64 `json:"system_limit" yaml:"system_limit" env:"SYSTEM_LIMIT"`

	HousekeepingRulesFile string `json:"housekeeping_rules_file" yaml:"housekeeping_rules_file" env:"HOUSEKEEPING_RULES_FILE"`
	PoliciesRulesFile     string `json:"policies_rules_file" yaml:"policies_rules_file" env:"POLICIES_RULES_FILE"`

	CycleSleepTime time.Duration `json:"cycle_sleep_time" yaml:"cycle_sleep_time" env:"CYCLE_SLEEP_TIME"`

	// SocketDir is the directory in which local controllers create the
	// per-local Unix domain socket used by the southbound stage protocol.
	SocketDir string `json:"socket_dir" yaml:"socket_dir" env:"SOCKET_DIR"`

	MaxConnections int `json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`
	Backlog        int `json:"backlog" yaml:"backlog" env:"BACKLOG"`

	// RPCRateLimitPerSecond, when positive, mounts a token-bucket rate
	// limiter in front of this controller's northbound RPC surface
	// (ConnectLocalToGlobal/ConnectStageToGlobal at the core,
	// LocalHandshake/CreateEnforcementRule/etc at a local), keyed by caller
	// IP. Zero (the default) leaves the surface unlimited, since the spec
	// has no authentication story for locals/stages and an arbitrary
	// default threshold would be unjustified. RPCRateLimitBurst defaults to
	// twice the per-second rate when unset.
	RPCRateLimitPerSecond int `json:"rpc_rate_limit_per_second" yaml:"rpc_rate_limit_per_second" env:"RPC_RATE_LIMIT_PER_SECOND"`
	RPCRateLimitBurst     int `json:"rpc_rate_limit_burst" yaml:"rpc_rate_limit_burst" env:"RPC_RATE_LIMIT_BURST"`
}

// Config is the top-level configuration structure loaded by both binaries.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Controller ControllerConfig `json:"controller" yaml:"controller"`
}

// New returns a configuration populated with defaults matching the original
// cheferd option defaults (sleep=1s, backlog=10, max_connections=4).
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 12345,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "iorate",
		},
		Tracing: TracingConfig{},
		Controller: ControllerConfig{
			ControlType:     ControlDynamicVanilla,
			SystemLimitIOPS: 0,
			CycleSleepTime:  time.Second,
			SocketDir:       "/tmp",
			MaxConnections:  4,
			Backlog:         10,
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}

// GetPort retrieves the HTTP listen port from the PORT environment
// variable, falling back to defaultPort when unset or invalid.
func GetPort(defaultPort int) int {
	return runtime.ResolveInt(0, "PORT", defaultPort)
}
