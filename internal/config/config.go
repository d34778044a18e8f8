package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VMConfig maps an inventory host to a Proxmox VM.
type VMConfig struct {
	Node         string `yaml:"node"`
	VMID         int    `yaml:"vmid"`
	Endpoint     string `yaml:"endpoint"`      // optional per-node API endpoint override
	MaxSnapshots int    `yaml:"max_snapshots"` // optional per-VM quota, 0 = policy default
}

// Config is the top-level YAML configuration.
type Config struct {
	Inventory struct {
		Path string `yaml:"path"`
	} `yaml:"inventory"`

	SSH struct {
		User           string `yaml:"user"`
		Port           int    `yaml:"port"`
		KeyFile        string `yaml:"key_file"`
		KnownHosts     string `yaml:"known_hosts"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Retries        int    `yaml:"retries"`
	} `yaml:"ssh"`

	Proxmox struct {
		Endpoint       string `yaml:"endpoint"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		VerifySSL      *bool  `yaml:"verify_ssl"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"proxmox"`

	Updates struct {
		ApplyUpdates          bool     `yaml:"apply_updates"`
		RebootAfterUpdates    bool     `yaml:"reboot_after_updates"`
		RebootTimeoutSeconds  int      `yaml:"reboot_timeout"`
		PingTimeoutSeconds    int      `yaml:"ping_timeout"`
		PingIntervalSeconds   int      `yaml:"ping_interval"`
		SnapshotNamePrefix    string   `yaml:"snapshot_name_prefix"`
		CleanupSnapshots      bool     `yaml:"cleanup_snapshots"`
		SnapshotRetentionDays int      `yaml:"snapshot_retention_days"`
		MaxSnapshots          int      `yaml:"max_snapshots"`
		OptOutHosts           []string `yaml:"opt_out_hosts"`
	} `yaml:"updates"`

	VMs map[string]VMConfig `yaml:"vms"`

	Report struct {
		SMTPServer string   `yaml:"smtp_server"`
		SMTPPort   int      `yaml:"smtp_port"`
		UseTLS     bool     `yaml:"use_tls"`
		Username   string   `yaml:"username"`
		Password   string   `yaml:"password"`
		FromEmail  string   `yaml:"from_email"`
		ToEmail    []string `yaml:"to_email"`
	} `yaml:"report"`

	History struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"history"`

	Settings struct {
		Parallel           int    `yaml:"parallel"`
		HostTimeoutSeconds int    `yaml:"host_timeout_seconds"`
		CollectLogs        bool   `yaml:"collect_logs"`
		LogDir             string `yaml:"log_dir"`
	} `yaml:"settings"`
}

// Defaults mirror the knobs most installs never touch.
func (c *Config) applyDefaults() {
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.TimeoutSeconds == 0 {
		c.SSH.TimeoutSeconds = 30
	}
	if c.Proxmox.TimeoutSeconds == 0 {
		c.Proxmox.TimeoutSeconds = 30
	}
	if c.Updates.RebootTimeoutSeconds == 0 {
		c.Updates.RebootTimeoutSeconds = 300
	}
	if c.Updates.PingTimeoutSeconds == 0 {
		c.Updates.PingTimeoutSeconds = 120
	}
	if c.Updates.PingIntervalSeconds == 0 {
		c.Updates.PingIntervalSeconds = 5
	}
	if c.Updates.SnapshotNamePrefix == "" {
		c.Updates.SnapshotNamePrefix = "pre-update"
	}
	if c.Updates.SnapshotRetentionDays == 0 {
		c.Updates.SnapshotRetentionDays = 7
	}
	if c.Updates.MaxSnapshots == 0 {
		c.Updates.MaxSnapshots = 5
	}
	if c.Settings.Parallel == 0 {
		c.Settings.Parallel = 5
	}
	if c.Settings.HostTimeoutSeconds == 0 {
		c.Settings.HostTimeoutSeconds = 1800
	}
}

// SSHTimeout returns the per-command SSH timeout.
func (c *Config) SSHTimeout() time.Duration {
	return time.Duration(c.SSH.TimeoutSeconds) * time.Second
}

// HostTimeout returns the whole-session deadline for one host.
func (c *Config) HostTimeout() time.Duration {
	return time.Duration(c.Settings.HostTimeoutSeconds) * time.Second
}

// DefaultPath resolves $XDG_CONFIG_HOME/patchwork/config.yaml or
// ~/.config/patchwork/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "patchwork", "config.yaml")
}

// Load reads YAML configuration from a path. If path is empty, DefaultPath
// is used. Secrets are merged from secrets.env and the environment so
// passwords never have to live in the YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	secrets, _ := LoadSecretsEnv("")
	for _, key := range []string{"PROXMOX_PASSWORD", "SMTP_PASSWORD"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if v, ok := secrets["PROXMOX_PASSWORD"]; ok && v != "" {
		cfg.Proxmox.Password = v
	}
	if v, ok := secrets["SMTP_PASSWORD"]; ok && v != "" {
		cfg.Report.Password = v
	}

	// Inventory paths are usually given relative to the config file.
	if p := cfg.Inventory.Path; p != "" && !filepath.IsAbs(p) {
		cfg.Inventory.Path = filepath.Join(filepath.Dir(path), p)
	}
	cfg.SSH.KeyFile = expandHome(cfg.SSH.KeyFile)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	cfg.History.Path = expandHome(cfg.History.Path)
	return cfg, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// OptOut reports whether a host name is on the opt-out list.
func (c *Config) OptOut(name string) bool {
	for _, h := range c.Updates.OptOutHosts {
		if h == name {
			return true
		}
	}
	return false
}
