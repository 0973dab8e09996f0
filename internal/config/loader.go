package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// defaultConfigYAML is written on first run when no config file exists.
// It keeps the user-editable sections visible without dumping every default.
const defaultConfigYAML = `# AEGIS Egress Proxy Configuration
#
# User-added domains (additive -- hardcoded LLM domains are always present)
whitelist: []

# Google services enabled for sandbox access (default: none)
allowed_google_services: []

# Research domains (GET-only access for LLM web browsing)
research_domains: []
`

// Store reads, caches, and persists the egress config file. It never
// returns an unusable config: read and parse failures fall back to the
// built-in defaults, with the first failure logged and later ones
// suppressed.
type Store struct {
	path   string
	logger *slog.Logger

	mu         sync.Mutex
	v          *viper.Viper
	cached     *Config
	warnedLoad bool
	warnedSave bool
}

// NewStore creates a Store for the given config path. An empty path means
// the default location under the AEGIS home directory.
func NewStore(path string, logger *slog.Logger) *Store {
	if path == "" {
		path = DefaultConfigPath()
	}
	s := &Store{
		path:   path,
		logger: logger,
	}
	s.v = s.newViper()
	return s
}

// newViper builds a viper instance bound to the config file and the
// AEGIS_ environment prefix (AEGIS_PROXY_PORT overrides proxy.port, etc).
func (s *Store) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("AEGIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Bind nested scalar keys so env overrides work without YAML presence.
	for _, key := range []string{
		"proxy.host", "proxy.port",
		"dns.port",
		"global_rate_limit_rpm",
		"max_body_size",
		"content_inspection",
		"dns_filtering",
		"audit_log_path",
		"enforce",
		"admin_addr",
		"log_level",
	} {
		_ = v.BindEnv(key)
	}

	return v
}

// Path returns the config file location this store reads from.
func (s *Store) Path() string {
	return s.path
}

// Load reads the config file, creating a minimal default file if none
// exists. The result is cached; use Reload to re-read from disk. Load
// never fails -- any error falls back to built-in defaults, logged once.
func (s *Store) Load() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached
	}
	s.cached = s.readLocked()
	return s.cached
}

// Reload re-reads the config from disk and replaces the cache. Consumers
// that hold a policy snapshot keep it until they are handed the new one.
func (s *Store) Reload() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v = s.newViper()
	s.cached = s.readLocked()
	return s.cached
}

// readLocked performs the actual read-parse-default sequence.
// Caller must hold s.mu.
func (s *Store) readLocked() *Config {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.writeDefaultFile()
	}

	if err := s.v.ReadInConfig(); err != nil {
		s.warnLoadOnce("cannot read egress config, using defaults", err)
		return Default()
	}

	var cfg Config
	decodeOpt := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToWhitelistEntryHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := s.v.Unmarshal(&cfg, decodeOpt); err != nil {
		s.warnLoadOnce("invalid egress config, using defaults", err)
		return Default()
	}

	cfg.SetDefaults()
	sanitize(&cfg)

	if err := cfg.Validate(); err != nil {
		s.warnLoadOnce("egress config failed validation, using defaults", err)
		return Default()
	}

	return &cfg
}

// Save writes the config back to disk in its canonical structured form.
// The serialization round-trips: saving a loaded config and loading it
// again yields the same structure.
func (s *Store) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal egress config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		s.warnSaveOnce("cannot create config directory", err)
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		s.warnSaveOnce("cannot write egress config", err)
		return fmt.Errorf("write egress config: %w", err)
	}

	s.cached = cfg
	s.logger.Info("saved egress config", "path", s.path)
	return nil
}

// writeDefaultFile creates the minimal default config on first run.
// Failure is non-fatal: the in-memory defaults still apply.
func (s *Store) writeDefaultFile() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		s.logger.Warn("cannot create config directory, using in-memory defaults",
			"dir", filepath.Dir(s.path), "error", err)
		return
	}
	if err := os.WriteFile(s.path, []byte(defaultConfigYAML), 0600); err != nil {
		s.logger.Warn("cannot create default config, using in-memory defaults",
			"path", s.path, "error", err)
		return
	}
	s.logger.Info("created default egress config", "path", s.path)
}

// warnLoadOnce logs a load failure the first time it happens; repeats are
// suppressed so a permanently broken file does not flood the log.
func (s *Store) warnLoadOnce(msg string, err error) {
	if s.warnedLoad {
		return
	}
	s.warnedLoad = true
	s.logger.Warn(msg, "path", s.path, "error", err)
}

func (s *Store) warnSaveOnce(msg string, err error) {
	if s.warnedSave {
		return
	}
	s.warnedSave = true
	s.logger.Warn(msg, "path", s.path, "error", err)
}

// sanitize lowercases and trims whitelist and research domains, dropping
// entries left empty, before validation. Unknown Google services are kept
// here; Config.Policy drops them.
func sanitize(cfg *Config) {
	whitelist := cfg.Whitelist[:0]
	for _, e := range cfg.Whitelist {
		e.Domain = strings.ToLower(strings.TrimSpace(e.Domain))
		if e.Domain == "" {
			continue
		}
		whitelist = append(whitelist, e)
	}
	cfg.Whitelist = whitelist

	research := cfg.ResearchDomains[:0]
	for _, d := range cfg.ResearchDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		research = append(research, d)
	}
	cfg.ResearchDomains = research
}

// stringToWhitelistEntryHook lets a whitelist item be a bare domain string
// in YAML: "example.com" becomes a default-GET-only rule.
func stringToWhitelistEntryHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(WhitelistEntry{}) {
			return data, nil
		}
		return WhitelistEntry{Domain: data.(string)}, nil
	}
}
