// Package config loads the orchestrator configuration: the router's
// network endpoint, system-wide timing parameters, and the set of modules
// to supervise. Values come from defaults, an optional YAML file, and
// CONDUCTOR_* environment variables, in increasing priority.
package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Network NetworkConfig           `mapstructure:"network"`
	System  SystemConfig            `mapstructure:"system"`
	Modules map[string]ModuleConfig `mapstructure:"modules"`
}

// NetworkConfig holds the router's listen endpoint.
type NetworkConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the host:port form of the endpoint.
func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// SystemConfig holds system-wide timing and transport parameters.
type SystemConfig struct {
	// GracePeriod bounds the wait for a module's ShutdownAck before the
	// router escalates to terminating its process.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// ReceiveTimeout is the module main-loop poll interval.
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	// RegisterTimeout bounds the wait for RegisterAck at module startup.
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
	// QueueSize is the per-direction message queue capacity.
	QueueSize int `mapstructure:"queue_size"`
	// Codec selects the wire codec: "json" or "proto".
	Codec string `mapstructure:"codec"`
	// LogLevel controls process-local structured logging.
	LogLevel string `mapstructure:"log_level"`
}

// ModuleConfig describes one supervised module.
type ModuleConfig struct {
	// Enabled controls whether the module process is spawned at all.
	Enabled bool `mapstructure:"enabled"`
	// Identity is the module's unique routing name. Defaults to the
	// config key when empty.
	Identity string `mapstructure:"identity"`
	// Command is the module binary to execute.
	Command string `mapstructure:"command"`
	// Args are passed to the module binary verbatim.
	Args []string `mapstructure:"args"`
	// Params carries module-specific parameters, opaque to the core.
	Params map[string]any `mapstructure:"params"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.address", "127.0.0.1")
	v.SetDefault("network.port", 8790)
	v.SetDefault("system.grace_period", "5s")
	v.SetDefault("system.receive_timeout", "100ms")
	v.SetDefault("system.register_timeout", "5s")
	v.SetDefault("system.queue_size", 64)
	v.SetDefault("system.codec", "json")
	v.SetDefault("system.log_level", "INFO")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that does not
// exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.System.GracePeriod <= 0 {
		return fmt.Errorf("system.grace_period must be positive")
	}
	if c.System.QueueSize <= 0 {
		return fmt.Errorf("system.queue_size must be positive")
	}
	for name, mod := range c.Modules {
		if mod.Enabled && mod.Command == "" {
			return fmt.Errorf("module %s is enabled but has no command", name)
		}
		if mod.Identity == "" {
			mod.Identity = name
			c.Modules[name] = mod
		}
	}
	return nil
}

// ParamEnv renders the module's Params as CONDUCTOR_PARAM_* environment
// variables for the spawned process, in key order. List values are joined
// with commas.
func (m ModuleConfig) ParamEnv() []string {
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, "CONDUCTOR_PARAM_"+paramEnvKey(k)+"="+paramEnvValue(m.Params[k]))
	}
	return env
}

func paramEnvKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		default:
			return '_'
		}
	}, key)
}

func paramEnvValue(v any) string {
	if list, ok := v.([]any); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", v)
}

// EnabledModules returns the modules that should be spawned, keyed by
// identity.
func (c *Config) EnabledModules() map[string]ModuleConfig {
	enabled := make(map[string]ModuleConfig)
	for _, mod := range c.Modules {
		if mod.Enabled {
			enabled[mod.Identity] = mod
		}
	}
	return enabled
}
