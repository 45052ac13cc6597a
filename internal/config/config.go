// Package config loads daemon settings from flags, environment variables,
// an optional YAML file, and built-in defaults, in that precedence order
// (spec SPEC_FULL.md AMBIENT STACK, mirroring the teacher's
// internal/config/yaml_config.go load-merge-validate shape).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon's resolved configuration.
type Config struct {
	SocketPath       string        // DBG_SOCK; default /tmp/dbg.sock
	EventStorePath   string        // DBGD_EVENT_STORE_PATH; default ":memory:"
	LLDBDAPPath      string        // LLDB_DAP_PATH; empty = resolved by caller
	MaxConns         int           // DBGD_MAX_CONNS; bounds concurrent control-socket clients
	MaxOutstanding   int           // DBGD_MAX_OUTSTANDING; loaded and validated only, not passed to NDAP transports (they use their built-in 1024 cap)
	RequestTimeout   time.Duration // DBGD_REQUEST_TIMEOUT; per-command default timeout
	AttachDeadline   time.Duration // DBGD_ATTACH_DEADLINE; overall native-attach deadline
}

const (
	defaultSocketPath     = "/tmp/dbg.sock"
	defaultEventStorePath = ":memory:"
	defaultMaxConns       = 64
	defaultMaxOutstanding = 1024
	defaultRequestTimeout = 30 * time.Second
	defaultAttachDeadline = 30 * time.Second
)

// Load resolves Config from (in increasing precedence) built-in defaults,
// an optional YAML file at configPath, and environment variables; flagSet
// values, if bound by the caller (cmd/dbgd), take precedence over all of
// these since they are merged into v before Load is called.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetDefault("socket_path", defaultSocketPath)
	v.SetDefault("event_store_path", defaultEventStorePath)
	v.SetDefault("lldb_dap_path", "")
	v.SetDefault("max_conns", defaultMaxConns)
	v.SetDefault("max_outstanding", defaultMaxOutstanding)
	v.SetDefault("request_timeout", defaultRequestTimeout)
	v.SetDefault("attach_deadline", defaultAttachDeadline)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	v.SetEnvPrefix("DBGD")
	v.AutomaticEnv()

	// DBG_SOCK and LLDB_DAP_PATH are named by spec §6 without the DBGD_
	// prefix; bind them explicitly alongside the prefixed form.
	_ = v.BindEnv("socket_path", "DBG_SOCK")
	_ = v.BindEnv("lldb_dap_path", "LLDB_DAP_PATH")

	cfg := &Config{
		SocketPath:     v.GetString("socket_path"),
		EventStorePath: v.GetString("event_store_path"),
		LLDBDAPPath:    v.GetString("lldb_dap_path"),
		MaxConns:       v.GetInt("max_conns"),
		MaxOutstanding: v.GetInt("max_outstanding"),
		RequestTimeout: v.GetDuration("request_timeout"),
		AttachDeadline: v.GetDuration("attach_deadline"),
	}
	return cfg.validate()
}

func (c *Config) validate() (*Config, error) {
	if c.SocketPath == "" {
		return nil, fmt.Errorf("config: socket_path must not be empty")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = defaultMaxOutstanding
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.AttachDeadline <= 0 {
		c.AttachDeadline = defaultAttachDeadline
	}
	return c, nil
}
