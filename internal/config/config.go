package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Policy   PolicyConfig   `yaml:"policy"`
	Identity IdentityConfig `yaml:"identity"`
	Bugzilla BugzillaConfig `yaml:"bugzilla"`
	RHEL     RHELConfig     `yaml:"rhel"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

// PolicyConfig holds the deployment-specific rules of the ACL engine.
type PolicyConfig struct {
	// ACL kinds a user may grant themselves without review.
	AutoApproveACLs []string `yaml:"auto_approve_acls"`
	// Accounts accepted as points of contact without being packagers. They
	// can never hold approveacls.
	AutoApprovePackagers []string `yaml:"auto_approve_packagers"`
	AdminGroups          []string `yaml:"admin_groups"`
	PackagerGroup        string   `yaml:"packager_group"`
	GroupSuffix          string   `yaml:"group_suffix"`
	GroupType            string   `yaml:"group_type"`
	PrimaryDistribution  string   `yaml:"primary_distribution"`
	EPELDistribution     string   `yaml:"epel_distribution"`
	// Namespaces whose owner changes are mirrored to the bug tracker. Empty
	// means all.
	NotifyNamespaces []string `yaml:"notify_namespaces"`
}

type IdentityConfig struct {
	Driver   string `yaml:"driver"` // "static" or "fas"
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	CacheTTL string `yaml:"cache_ttl"`
	Timeout  string `yaml:"timeout"`

	Packagers []string      `yaml:"packagers"`
	Groups    []StaticGroup `yaml:"groups"`
}

type StaticGroup struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type BugzillaConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Appended to bare usernames when setting the default assignee.
	EmailDomain string `yaml:"email_domain"`
	Timeout     string `yaml:"timeout"`
}

type RHELConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	switch c.Identity.Driver {
	case "static":
	case "fas":
		if c.Identity.URL == "" {
			return fmt.Errorf("identity.url is required for the fas driver (example: PKGDB_IDENTITY_URL=https://accounts.example.org)")
		}
	default:
		return fmt.Errorf("unsupported identity driver: %s", c.Identity.Driver)
	}
	if c.Policy.PrimaryDistribution == "" {
		return fmt.Errorf("policy.primary_distribution must be configured")
	}
	for _, d := range []string{c.Identity.CacheTTL, c.Identity.Timeout, c.Bugzilla.Timeout, c.RHEL.Timeout} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "pkgdb.db",
		},
		Policy: PolicyConfig{
			AutoApproveACLs:     []string{"watchcommits", "watchbugzilla"},
			AdminGroups:         []string{"sysadmin-main", "sysadmin-cvs"},
			PackagerGroup:       "packager",
			GroupSuffix:         "-sig",
			GroupType:           "pkgdb",
			PrimaryDistribution: "Fedora",
			EPELDistribution:    "Fedora EPEL",
		},
		Identity: IdentityConfig{
			Driver:   "static",
			CacheTTL: "5m",
			Timeout:  "10s",
		},
		Bugzilla: BugzillaConfig{
			Timeout: "10s",
		},
		RHEL: RHELConfig{
			Timeout: "30s",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PKGDB_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PKGDB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PKGDB_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("PKGDB_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PKGDB_AUTO_APPROVE_ACLS"); v != "" {
		cfg.Policy.AutoApproveACLs = parseCSV(v)
	}
	if v := os.Getenv("PKGDB_AUTO_APPROVE_PACKAGERS"); v != "" {
		cfg.Policy.AutoApprovePackagers = parseCSV(v)
	}
	if v := os.Getenv("PKGDB_ADMIN_GROUPS"); v != "" {
		cfg.Policy.AdminGroups = parseCSV(v)
	}
	if v := os.Getenv("PKGDB_PRIMARY_DISTRIBUTION"); v != "" {
		cfg.Policy.PrimaryDistribution = strings.TrimSpace(v)
	}
	if v := os.Getenv("PKGDB_NOTIFY_NAMESPACES"); v != "" {
		cfg.Policy.NotifyNamespaces = parseCSV(v)
	}
	if v := os.Getenv("PKGDB_IDENTITY_DRIVER"); v != "" {
		cfg.Identity.Driver = v
	}
	if v := os.Getenv("PKGDB_IDENTITY_URL"); v != "" {
		cfg.Identity.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("PKGDB_IDENTITY_USERNAME"); v != "" {
		cfg.Identity.Username = v
	}
	if v := os.Getenv("PKGDB_IDENTITY_PASSWORD"); v != "" {
		cfg.Identity.Password = v
	}
	if v := os.Getenv("PKGDB_IDENTITY_PACKAGERS"); v != "" {
		cfg.Identity.Packagers = parseCSV(v)
	}
	if v := os.Getenv("PKGDB_BUGZILLA_URL"); v != "" {
		cfg.Bugzilla.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("PKGDB_BUGZILLA_API_KEY"); v != "" {
		cfg.Bugzilla.APIKey = v
	}
	if v := os.Getenv("PKGDB_BUGZILLA_EMAIL_DOMAIN"); v != "" {
		cfg.Bugzilla.EmailDomain = strings.TrimSpace(v)
	}
	if v := os.Getenv("PKGDB_RHEL_URL"); v != "" {
		cfg.RHEL.URL = strings.TrimSpace(v)
	}
}

// Duration parses a configured duration, falling back when empty or invalid.
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
