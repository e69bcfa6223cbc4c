// Package config loads citm's YAML configuration, the one piece of
// ambient plumbing the teacher never generalized (spilld is wired by
// hand in cmd/spilld/main.go). The shape and loading convention —
// os.ExpandEnv over the raw bytes, gopkg.in/yaml.v3.Unmarshal, then
// applyDefaults/Validate — is grounded on the pack's
// nugget-thane-ai-agent/internal/config/config.go, the only example repo
// that loads a comparable daemon config from YAML.
package config

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config is citm's full on-disk configuration: where the real IMAP
// server lives, where to listen for encrypted IMAP clients, where to
// keep per-account state, and the zone data the ACME-facing DNS
// responder (dns/dnswire, dns/rrl) needs to answer challenge lookups.
type Config struct {
	Upstream UpstreamConfig `yaml:"upstream"`
	Listen   ListenConfig   `yaml:"listen"`
	Status   StatusConfig   `yaml:"status"`
	DNS      DNSConfig      `yaml:"dns"`
	BaseDir  string         `yaml:"base_dir"`
}

// UpstreamConfig is the real IMAP server citm proxies to.
type UpstreamConfig struct {
	Addr string `yaml:"addr"`
	TLS  bool   `yaml:"tls"`
}

// ListenConfig is where citm accepts downstream (real client) IMAP
// connections, and the certificate it presents there.
type ListenConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StatusConfig is the control-socket path and optional bearer token,
// per spec §6.4.
type StatusConfig struct {
	SocketPath string `yaml:"socket_path"`
	// TokenHashFile, if set, names a file holding a bcrypt hash (as
	// produced by citm/status.HashToken) that control-socket clients must
	// present to receive status updates.
	TokenHashFile string `yaml:"token_hash_file"`
}

// DNSConfig configures the ACME challenge responder (dns/dnswire,
// dns/rrl), per spec §6.5.
type DNSConfig struct {
	Listen string `yaml:"listen"`
	Zone   string `yaml:"zone"`
	// RateLimitQPS bounds per-source-address response rate, fed into
	// dns/rrl's bucket algorithm.
	RateLimitQPS int `yaml:"rate_limit_qps"`
}

// Load reads path, expands ${VAR} environment references the way
// nugget-thane-ai-agent's config loader does (a convenience for
// container deployments where secrets like TLS key passphrases arrive
// via environment), applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read %s", path)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, eris.Wrapf(err, "config: parse %s", path)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "config: validate")
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = "/var/lib/citm"
	}
	if c.Listen.Addr == "" {
		c.Listen.Addr = ":993"
	}
	if c.Status.SocketPath == "" {
		c.Status.SocketPath = "/run/citm/status.sock"
	}
	if c.DNS.RateLimitQPS == 0 {
		c.DNS.RateLimitQPS = 5
	}
}

// Validate checks that the loaded configuration is internally
// consistent. It runs after applyDefaults, so it can assume every
// field with a default already has one.
func (c *Config) Validate() error {
	if c.Upstream.Addr == "" {
		return fmt.Errorf("config: upstream.addr is required")
	}
	if c.Listen.CertFile != "" && c.Listen.KeyFile == "" {
		return fmt.Errorf("config: listen.cert_file set without listen.key_file")
	}
	if c.Listen.KeyFile != "" && c.Listen.CertFile == "" {
		return fmt.Errorf("config: listen.key_file set without listen.cert_file")
	}
	if c.DNS.Listen != "" && c.DNS.Zone == "" {
		return fmt.Errorf("config: dns.listen set without dns.zone")
	}
	return nil
}
