// Package config handles berth's host profiles: which machine the
// server container runs on and how berth reaches it.
//
// Config is stored at $XDG_CONFIG_HOME/berth/config.yaml (defaults to
// ~/.config/berth/config.yaml) and follows the kubeconfig pattern: named
// hosts with a current-host selector.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// SSH describes how to reach a remote engine over ssh.
type SSH struct {
	Target   string `yaml:"target"`             // user@host
	Port     int    `yaml:"port,omitempty"`     // ssh port; 22 when zero
	Identity string `yaml:"identity,omitempty"` // private key path
	Jump     string `yaml:"jump,omitempty"`     // ProxyJump host
}

// Host describes one machine the server can run on.
type Host struct {
	// SSH is nil for the local engine.
	SSH *SSH `yaml:"ssh,omitempty"`
	// Port is the host port the service publishes on; 7600 when zero.
	Port int `yaml:"port,omitempty"`
	// Bind is the publish address; loopback when empty.
	Bind                 string   `yaml:"bind,omitempty"`
	AdminConsole         bool     `yaml:"admin_console,omitempty"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated,omitempty"`
	Users                []string `yaml:"users,omitempty"`
}

// Remote reports whether this host is reached through an ssh tunnel.
func (h Host) Remote() bool {
	return h.SSH != nil && h.SSH.Target != ""
}

// ServicePort returns the configured host port with the default
// applied.
func (h Host) ServicePort() int {
	if h.Port == 0 {
		return 7600
	}
	return h.Port
}

// BindAddr returns the configured publish address with the default
// applied.
func (h Host) BindAddr() string {
	if h.Bind == "" {
		return "127.0.0.1"
	}
	return h.Bind
}

// AddUser records a user on the profile; false if already present.
func (h *Host) AddUser(name string) bool {
	if slices.Contains(h.Users, name) {
		return false
	}
	h.Users = append(h.Users, name)
	return true
}

// RemoveUser drops a user from the profile; false if absent.
func (h *Host) RemoveUser(name string) bool {
	i := slices.Index(h.Users, name)
	if i < 0 {
		return false
	}
	h.Users = slices.Delete(h.Users, i, i+1)
	return true
}

// Config holds named host profiles and the current selection.
type Config struct {
	CurrentHost string          `yaml:"current-host"`
	Hosts       map[string]Host `yaml:"hosts"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/berth/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "berth", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "berth", "config.yaml")
}

// Load reads the config file. If the file does not exist, an empty
// Config is returned (not an error).
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{Hosts: make(map[string]Host)}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]Host)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c *Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Current returns the current host name and profile.
// The bool is false when no current host is set.
func (c *Config) Current() (string, Host, bool) {
	if c.CurrentHost == "" {
		return "", Host{}, false
	}
	host, ok := c.Hosts[c.CurrentHost]
	if !ok {
		return "", Host{}, false
	}
	return c.CurrentHost, host, true
}

// Use sets the current host. It returns an error if the name doesn't
// exist.
func (c *Config) Use(name string) error {
	if _, ok := c.Hosts[name]; !ok {
		return fmt.Errorf("host %q not found", name)
	}
	c.CurrentHost = name
	return nil
}

// Set adds or updates a named host profile.
func (c *Config) Set(name string, host Host) {
	c.Hosts[name] = host
}

// Get returns a host profile by name.
func (c *Config) Get(name string) (Host, bool) {
	host, ok := c.Hosts[name]
	return host, ok
}

// Remove deletes a host profile. If it was the current host,
// current-host is cleared. Returns an error if the name doesn't exist.
func (c *Config) Remove(name string) error {
	if _, ok := c.Hosts[name]; !ok {
		return fmt.Errorf("host %q not found", name)
	}
	delete(c.Hosts, name)
	if c.CurrentHost == name {
		c.CurrentHost = ""
	}
	return nil
}
