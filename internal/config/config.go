// Package config loads the YAML configuration file shared by the cmd/*
// role binaries (mqttbroker, mqttintegrator, mqttbridge, mqttpub, mqttsub)
// and overlays command-line flags on top of it, following the same
// load-then-override shape as haivivi-giztoy's pkg/cli.Config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Listener describes one address a role listens on and which transport
// wraps it.
type Listener struct {
	Transport string `yaml:"transport"` // tcp, tls, ws, wss, unix
	Addr      string `yaml:"addr"`
	CertFile  string `yaml:"cert_file,omitempty"`
	KeyFile   string `yaml:"key_file,omitempty"`
}

// Postgres describes an internal/pgpool.Config source, kept separate from
// pgpool.Config itself so this package has no import-cycle dependency on it.
type Postgres struct {
	Hostaddr string `yaml:"hostaddr"`
	Port     uint16 `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size,omitempty"`
}

// Admin describes the internal/admin HTTP API's bind address and Basic Auth
// credentials.
type Admin struct {
	Addr  string `yaml:"addr,omitempty"`
	User  string `yaml:"user,omitempty"`
	Pass  string `yaml:"pass,omitempty"`
	Realm string `yaml:"realm,omitempty"`
}

// Config is the on-disk shape every role's config.yaml parses into. Each
// role only reads the fields relevant to it; the rest are left zero.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`

	// Listeners is used by mqttbroker (one per transport it accepts).
	Listeners []Listener `yaml:"listeners,omitempty"`

	// SessionStorePath is used by mqttbroker. RetainedStorePath is parsed
	// but not read by any role: mqttbroker keeps retained messages in memory.
	SessionStorePath  string `yaml:"session_store_path,omitempty"`
	RetainedStorePath string `yaml:"retained_store_path,omitempty"`

	// SessionBackend selects the session store implementation mqttbroker
	// opens SessionStorePath with: "file" (default, the MQSS\0 flat-file
	// format) or "badger" (a BadgerDB database directory).
	SessionBackend string `yaml:"session_backend,omitempty"`

	// MappingDocPath is used by mqttintegrator (internal/mapping).
	MappingDocPath string `yaml:"mapping_doc_path,omitempty"`

	// BridgeConfigPath is used by mqttbridge (internal/bridgefabric).
	BridgeConfigPath string `yaml:"bridge_config_path,omitempty"`

	// Admin is used by mqttintegrator's mapping admin HTTP API; mqttbridge
	// reads only Admin.Addr, to serve its SSE event stream.
	Admin Admin `yaml:"admin,omitempty"`

	// Postgres is used by mqttintegrator, which opens a pool when Hostaddr
	// is set and feeds internal/pgpool/ingest from PostgresSinkTopic.
	Postgres Postgres `yaml:"postgres,omitempty"`

	// PostgresSinkTopic is the rewritten topic name mqttintegrator treats
	// as a Postgres ingestion sink rather than a publish: a mapping
	// document rule that targets this topic has its rendered JSON payload
	// routed to internal/pgpool/ingest instead of republished to the
	// broker.
	PostgresSinkTopic string `yaml:"postgres_sink_topic,omitempty"`

	// BrokerAddr is the upstream MQTT broker address used by
	// mqttintegrator, mqttpub, and mqttsub. mqttbridge takes each leg's
	// address from its bridge document instead.
	BrokerAddr string `yaml:"broker_addr,omitempty"`

	// ClientID, Username, and Password are used by mqttintegrator,
	// mqttpub, and mqttsub.
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	path string
}

// Default returns a Config populated with the values a role can run with
// out of the box: a single plain TCP listener and info-level logging.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		BrokerAddr: "127.0.0.1:1883",
		Listeners: []Listener{
			{Transport: "tcp", Addr: ":1883"},
		},
	}
}

// Load reads and parses the YAML file at path. A missing file is not an
// error: Load returns Default() so a role can run with no config file at
// all, matching LoadConfigWithPath's "log but don't exit" tolerance for a
// missing file. A file that exists but cannot be read or parsed is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.path = path
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Path returns the file Load read cfg from, or "" if none was given.
func (c *Config) Path() string {
	return c.path
}

// Overrides holds command-line flag values; Config.Apply overwrites cfg's
// fields with the non-zero ones, used after Load so flags win over the file.
type Overrides struct {
	LogLevel         string
	BrokerAddr       string
	ClientID         string
	Username         string
	Password         string
	MappingDocPath   string
	BridgeConfigPath string
	AdminAddr        string
}

// Apply overlays o onto c, field by field, skipping zero values so an unset
// flag never clobbers a value the file provided.
func (c *Config) Apply(o Overrides) {
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.BrokerAddr != "" {
		c.BrokerAddr = o.BrokerAddr
	}
	if o.ClientID != "" {
		c.ClientID = o.ClientID
	}
	if o.Username != "" {
		c.Username = o.Username
	}
	if o.Password != "" {
		c.Password = o.Password
	}
	if o.MappingDocPath != "" {
		c.MappingDocPath = o.MappingDocPath
	}
	if o.BridgeConfigPath != "" {
		c.BridgeConfigPath = o.BridgeConfigPath
	}
	if o.AdminAddr != "" {
		c.Admin.Addr = o.AdminAddr
	}
}
