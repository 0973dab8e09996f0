package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "egress_config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "egress_config.yaml")
	store := NewStore(path, testLogger())

	cfg := store.Load()
	if cfg == nil {
		t.Fatal("Load returned nil")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("default config file not created: %v", err)
	}
	if cfg.Proxy.Port != DefaultProxyPort {
		t.Errorf("Proxy.Port = %d, want default %d", cfg.Proxy.Port, DefaultProxyPort)
	}
	if !*cfg.Enforce {
		t.Error("enforce must default to true")
	}
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
proxy:
  host: 127.0.0.1
  port: 9999
global_rate_limit_rpm: 120
max_body_size: 1048576
content_inspection: false
dns_filtering: false
enforce: false
audit_log_path: /tmp/audit.log
whitelist:
  - domain: api.github.com
    allow_write: true
    rate_limit_rpm: 30
    description: GitHub API
allowed_google_services:
  - gmail.googleapis.com
  - bogus.googleapis.com
research_domains:
  - en.wikipedia.org
`)
	store := NewStore(path, testLogger())
	cfg := store.Load()

	if cfg.Proxy.Port != 9999 {
		t.Errorf("Proxy.Port = %d, want 9999", cfg.Proxy.Port)
	}
	if cfg.GlobalRateLimitRPM != 120 {
		t.Errorf("GlobalRateLimitRPM = %d, want 120", cfg.GlobalRateLimitRPM)
	}
	if *cfg.Enforce || *cfg.ContentInspection || *cfg.DNSFiltering {
		t.Error("explicit false booleans must survive defaulting")
	}
	if len(cfg.Whitelist) != 1 || cfg.Whitelist[0].Domain != "api.github.com" {
		t.Fatalf("whitelist = %+v", cfg.Whitelist)
	}
	if !cfg.Whitelist[0].AllowWrite {
		t.Error("allow_write not parsed")
	}

	p := cfg.Policy()
	if p.Match("api.github.com") == nil {
		t.Error("user whitelist entry missing from policy")
	}
	if len(p.AllowedGoogleServices) != 1 || p.AllowedGoogleServices[0] != "gmail.googleapis.com" {
		t.Errorf("unknown google services must be dropped, got %v", p.AllowedGoogleServices)
	}
	if p.IsWriteAllowed("en.wikipedia.org") {
		t.Error("research domains must be read-only")
	}
	if p.Enforce {
		t.Error("policy must carry enforce=false")
	}
}

func TestLoad_BareStringWhitelistEntry(t *testing.T) {
	path := writeConfig(t, `
whitelist:
  - example.com
  - domain: api.example.org
    allow_write: true
`)
	store := NewStore(path, testLogger())
	cfg := store.Load()

	if len(cfg.Whitelist) != 2 {
		t.Fatalf("whitelist length = %d, want 2", len(cfg.Whitelist))
	}
	if cfg.Whitelist[0].Domain != "example.com" {
		t.Errorf("bare string domain = %q", cfg.Whitelist[0].Domain)
	}
	if cfg.Whitelist[0].AllowWrite {
		t.Error("bare string entries default to GET-only")
	}

	p := cfg.Policy()
	rule := p.Match("example.com")
	if rule == nil {
		t.Fatal("bare string rule missing from policy")
	}
	if rule.RateLimitRPM != 60 {
		t.Errorf("default rate limit = %d, want 60", rule.RateLimitRPM)
	}
	if !rule.AllowsProtocol("https") || rule.AllowsProtocol("http") {
		t.Error("bare string entries default to https-only")
	}
}

func TestLoad_MalformedFallsBackToDefaults(t *testing.T) {
	path := writeConfig(t, "whitelist: [unclosed\n  nonsense: {{")
	store := NewStore(path, testLogger())

	cfg := store.Load()
	if cfg.Proxy.Port != DefaultProxyPort {
		t.Errorf("malformed config must fall back to defaults, got port %d", cfg.Proxy.Port)
	}
	if len(cfg.Whitelist) != 0 {
		t.Error("fallback config must have an empty user whitelist")
	}
}

func TestLoad_CachesUntilReload(t *testing.T) {
	path := writeConfig(t, "global_rate_limit_rpm: 100\n")
	store := NewStore(path, testLogger())

	cfg1 := store.Load()
	if cfg1.GlobalRateLimitRPM != 100 {
		t.Fatalf("GlobalRateLimitRPM = %d", cfg1.GlobalRateLimitRPM)
	}

	if err := os.WriteFile(path, []byte("global_rate_limit_rpm: 500\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if cfg2 := store.Load(); cfg2.GlobalRateLimitRPM != 100 {
		t.Error("Load must serve the cached config")
	}
	if cfg3 := store.Reload(); cfg3.GlobalRateLimitRPM != 500 {
		t.Errorf("Reload must pick up disk changes, got %d", cfg3.GlobalRateLimitRPM)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := writeConfig(t, `
whitelist:
  - bare.example.com
  - domain: api.example.org
    allow_write: true
    rate_limit_rpm: 42
research_domains:
  - docs.example.net
`)
	store := NewStore(path, testLogger())
	cfg := store.Load()

	if err := store.Save(cfg); err != nil {
		t.Fatal(err)
	}

	again := store.Reload()
	if len(again.Whitelist) != len(cfg.Whitelist) {
		t.Fatalf("whitelist length changed: %d -> %d", len(cfg.Whitelist), len(again.Whitelist))
	}
	for i := range cfg.Whitelist {
		if again.Whitelist[i].Domain != cfg.Whitelist[i].Domain ||
			again.Whitelist[i].AllowWrite != cfg.Whitelist[i].AllowWrite ||
			again.Whitelist[i].RateLimitRPM != cfg.Whitelist[i].RateLimitRPM {
			t.Errorf("whitelist[%d] changed: %+v -> %+v", i, cfg.Whitelist[i], again.Whitelist[i])
		}
	}
	if len(again.ResearchDomains) != 1 || again.ResearchDomains[0] != "docs.example.net" {
		t.Errorf("research domains changed: %v", again.ResearchDomains)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad protocol", "whitelist:\n  - domain: x.com\n    protocols: [ftp]\n"},
		{"port clash", "proxy:\n  port: 5353\ndns:\n  port: 5353\n"},
		{"bad log level", "log_level: loud\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			store := NewStore(path, testLogger())
			cfg := store.Load()
			// Invalid configs fall back to defaults rather than failing Load.
			if cfg.Proxy.Port != DefaultProxyPort && tc.name != "port clash" {
				t.Errorf("expected fallback to defaults")
			}
			if tc.name == "port clash" && cfg.DNS.Port == cfg.Proxy.Port {
				t.Error("port clash must not survive load")
			}
		})
	}
}
