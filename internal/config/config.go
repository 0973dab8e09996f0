// Package config loads and persists the AEGIS egress configuration.
//
// The config file lives on the HOST filesystem, outside the container.
// The agent can never modify it -- that boundary is enforced by container
// isolation, not by anything in this package. Parsing is deliberately
// forgiving: a broken or unreadable file falls back to built-in defaults
// so a corrupted config can never widen access (the hardcoded whitelist
// is compiled into the policy package, not read from here).
package config

import (
	"os"
	"path/filepath"

	"github.com/orion-agent/aegis/internal/domain/policy"
)

// Default values applied by SetDefaults.
const (
	DefaultProxyHost          = "0.0.0.0"
	DefaultProxyPort          = 8888
	DefaultDNSPort            = 5353
	DefaultAdminAddr          = "127.0.0.1:8753"
	DefaultGlobalRateLimitRPM = 300
	DefaultMaxBodySize        = 10 * 1024 * 1024 // 10 MB
	DefaultLogLevel           = "info"
)

// DefaultUpstreamDNS are the resolvers allowed queries are forwarded to
// when the config does not name its own.
var DefaultUpstreamDNS = []string{"8.8.8.8", "8.8.4.4"}

// AegisHome returns the host-side AEGIS state directory
// ($AEGIS_HOME or ~/.aegis).
func AegisHome() string {
	if home := os.Getenv("AEGIS_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".aegis")
	}
	return ".aegis"
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(AegisHome(), "egress_config.yaml")
}

// DefaultAuditLogPath returns the default audit log location.
func DefaultAuditLogPath() string {
	return filepath.Join(AegisHome(), "egress_audit.log")
}

// DefaultApprovalQueuePath returns the default approval queue persistence file.
func DefaultApprovalQueuePath() string {
	return filepath.Join(AegisHome(), "approval_queue.json")
}

// WhitelistEntry is one user whitelist item as it appears on disk.
// The YAML form may be a bare string (domain with default GET-only access)
// or a mapping with explicit fields; the loader normalizes both.
type WhitelistEntry struct {
	Domain       string   `yaml:"domain" mapstructure:"domain"`
	AllowWrite   bool     `yaml:"allow_write" mapstructure:"allow_write"`
	Protocols    []string `yaml:"protocols,omitempty" mapstructure:"protocols"`
	RateLimitRPM int      `yaml:"rate_limit_rpm" mapstructure:"rate_limit_rpm"`
	Description  string   `yaml:"description,omitempty" mapstructure:"description"`
}

// ProxyConfig is the egress proxy listen address.
type ProxyConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// DNSConfig configures the DNS filter listener and its upstream resolvers.
type DNSConfig struct {
	Port      int      `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Upstreams []string `yaml:"upstreams,omitempty" mapstructure:"upstreams" validate:"omitempty,dive,ip"`
}

// Config is the on-disk egress configuration schema.
type Config struct {
	// Whitelist holds user-added domain rules (additive -- hardcoded LLM
	// and search rules are always present regardless of this list).
	Whitelist []WhitelistEntry `yaml:"whitelist" mapstructure:"whitelist" validate:"omitempty,dive"`

	// GlobalRateLimitRPM caps requests per minute across all domains.
	GlobalRateLimitRPM int `yaml:"global_rate_limit_rpm" mapstructure:"global_rate_limit_rpm" validate:"omitempty,min=1"`

	// Proxy is the egress proxy bind address.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// DNS configures the DNS filter.
	DNS DNSConfig `yaml:"dns" mapstructure:"dns"`

	// ContentInspection enables credential scanning of outbound bodies.
	// Absent means enabled.
	ContentInspection *bool `yaml:"content_inspection,omitempty" mapstructure:"content_inspection"`

	// MaxBodySize is the content inspection cutoff in bytes.
	MaxBodySize int64 `yaml:"max_body_size" mapstructure:"max_body_size" validate:"omitempty,min=1"`

	// DNSFiltering enables the DNS filter layer. Absent means enabled.
	DNSFiltering *bool `yaml:"dns_filtering,omitempty" mapstructure:"dns_filtering"`

	// AuditLogPath is the host-side audit log location.
	AuditLogPath string `yaml:"audit_log_path" mapstructure:"audit_log_path"`

	// Enforce controls blocking (true) versus log-only (false) posture.
	// Absent means enforcing.
	Enforce *bool `yaml:"enforce,omitempty" mapstructure:"enforce"`

	// AllowedGoogleServices are Google API hostnames the user enabled.
	// Entries not in the known catalog stay in the Config and are dropped
	// when Policy resolves it.
	AllowedGoogleServices []string `yaml:"allowed_google_services" mapstructure:"allowed_google_services"`

	// ResearchDomains are GET-only browsing hostnames.
	ResearchDomains []string `yaml:"research_domains" mapstructure:"research_domains" validate:"omitempty,dive,hostname_rfc1123"`

	// AdminAddr is the host-only admin/status listener address.
	AdminAddr string `yaml:"admin_addr,omitempty" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// SetDefaults fills unset fields with the built-in defaults.
func (c *Config) SetDefaults() {
	if c.Proxy.Host == "" {
		c.Proxy.Host = DefaultProxyHost
	}
	if c.Proxy.Port == 0 {
		c.Proxy.Port = DefaultProxyPort
	}
	if c.DNS.Port == 0 {
		c.DNS.Port = DefaultDNSPort
	}
	if len(c.DNS.Upstreams) == 0 {
		c.DNS.Upstreams = append([]string(nil), DefaultUpstreamDNS...)
	}
	if c.GlobalRateLimitRPM == 0 {
		c.GlobalRateLimitRPM = DefaultGlobalRateLimitRPM
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.AuditLogPath == "" {
		c.AuditLogPath = DefaultAuditLogPath()
	}
	if c.AdminAddr == "" {
		c.AdminAddr = DefaultAdminAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	// Tri-state booleans: absent means the secure default (everything on).
	if c.ContentInspection == nil {
		c.ContentInspection = boolPtr(true)
	}
	if c.DNSFiltering == nil {
		c.DNSFiltering = boolPtr(true)
	}
	if c.Enforce == nil {
		c.Enforce = boolPtr(true)
	}
}

// Default returns a fully defaulted in-memory config, used whenever the
// on-disk file is missing or unreadable.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Policy resolves this config into an immutable policy snapshot.
func (c *Config) Policy() *policy.Policy {
	var rules []policy.DomainRule
	for _, e := range c.Whitelist {
		if e.Domain == "" {
			continue
		}
		protocols := e.Protocols
		if len(protocols) == 0 {
			protocols = []string{"https"}
		}
		rpm := e.RateLimitRPM
		if rpm <= 0 {
			rpm = policy.DefaultRateLimitRPM
		}
		rules = append(rules, policy.DomainRule{
			Domain:       e.Domain,
			AllowWrite:   e.AllowWrite,
			Protocols:    protocols,
			RateLimitRPM: rpm,
			AddedBy:      policy.AddedByUser,
			Description:  e.Description,
		})
	}

	// Only catalog services make it into the policy.
	var google []string
	for _, s := range c.AllowedGoogleServices {
		if _, ok := policy.GoogleServices[s]; ok {
			google = append(google, s)
		}
	}

	var research []string
	for _, d := range c.ResearchDomains {
		if d != "" {
			research = append(research, d)
		}
	}

	p := &policy.Policy{
		UserWhitelist:         rules,
		AllowedGoogleServices: google,
		ResearchDomains:       research,
		ProxyHost:             c.Proxy.Host,
		ProxyPort:             c.Proxy.Port,
		GlobalRateLimitRPM:    c.GlobalRateLimitRPM,
		ContentInspection:     *c.ContentInspection,
		MaxBodySize:           c.MaxBodySize,
		DNSFiltering:          *c.DNSFiltering,
		AuditLogPath:          c.AuditLogPath,
		Enforce:               *c.Enforce,
	}
	p.Resolve()
	return p
}

func boolPtr(b bool) *bool { return &b }
