// Package config loads and validates searchguard configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	State    StateConfig    `mapstructure:"state"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Bypass   BypassConfig   `mapstructure:"bypass"`
	Control  ControlConfig  `mapstructure:"control"`
	Match    MatchConfig    `mapstructure:"match"`
	Backup   BackupConfig   `mapstructure:"backup"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Activity ActivityConfig `mapstructure:"activity"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engines  EnginesConfig  `mapstructure:"engines"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// BaseURL is where the block view is reachable from the browser.
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// State backends.
const (
	StateMemory   = "memory"
	StateFile     = "file"
	StateSQLite   = "sqlite"
	StatePostgres = "postgres"
)

// StateConfig selects where the configuration document lives.
type StateConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	BlockTable string `mapstructure:"block_table"`
	MaxConns   int32  `mapstructure:"max_conns"`
	// Migrate applies postgres migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

// BrowserConfig configures the Chrome host.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RemoteURL         string        `mapstructure:"remote_url"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	MaxTabs           int           `mapstructure:"max_tabs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	NavDebounce       time.Duration `mapstructure:"nav_debounce"`
	// LocationRate caps location reads per second for pages without
	// navigation events.
	LocationRate float64 `mapstructure:"location_rate"`
}

// BypassConfig controls the expiry check.
type BypassConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// ControlConfig tunes the control mailbox and the CLI client.
type ControlConfig struct {
	// URL is the API the CLI talks to.
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MailboxDepth int           `mapstructure:"mailbox_depth"`
}

// MatchConfig tunes the matcher.
type MatchConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// Backup backends.
const (
	BackupMemory = "memory"
	BackupLocal  = "local"
	BackupGCS    = "gcs"
)

// BackupConfig sets where backups go.
type BackupConfig struct {
	Backend   string        `mapstructure:"backend"`
	Dir       string        `mapstructure:"dir"`
	GCSBucket string        `mapstructure:"gcs_bucket"`
	Prefix    string        `mapstructure:"prefix"`
	Interval  time.Duration `mapstructure:"interval"`
}

// PubSubConfig holds metadata for block notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether block events should be published.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// ActivityConfig controls the activity hub batching.
type ActivityConfig struct {
	Buffer int           `mapstructure:"buffer"`
	Batch  int           `mapstructure:"batch"`
	Wait   time.Duration `mapstructure:"wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EnginesConfig adds host globs treated as search engines.
type EnginesConfig struct {
	Extra []string `mapstructure:"extra"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCHGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://127.0.0.1:8080")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("state.backend", StateFile)
	v.SetDefault("state.path", "searchguard.json")
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.table", "guard_state")
	v.SetDefault("state.block_table", "block_log")
	v.SetDefault("state.max_conns", 4)
	v.SetDefault("state.migrate", true)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.discovery_interval", "1s")
	v.SetDefault("browser.command_timeout", "5s")
	v.SetDefault("browser.max_tabs", 0)
	v.SetDefault("browser.poll_interval", "2s")
	v.SetDefault("browser.nav_debounce", "10ms")
	v.SetDefault("browser.location_rate", 2.0)
	v.SetDefault("bypass.check_interval", "1m")
	v.SetDefault("control.url", "http://127.0.0.1:8080")
	v.SetDefault("control.timeout", "5s")
	v.SetDefault("control.mailbox_depth", 64)
	v.SetDefault("match.cache_size", 256)
	v.SetDefault("backup.backend", BackupLocal)
	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.gcs_bucket", "")
	v.SetDefault("backup.prefix", "searchguard")
	v.SetDefault("backup.interval", "0s")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("activity.buffer", 1024)
	v.SetDefault("activity.batch", 100)
	v.SetDefault("activity.wait", "1s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("engines.extra", []string{})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.base_url must be an absolute URL")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.State.validate(); err != nil {
		return err
	}
	if c.Browser.Enabled {
		if c.Browser.PollInterval <= 0 {
			return fmt.Errorf("browser.poll_interval must be > 0")
		}
		if c.Browser.DiscoveryInterval <= 0 {
			return fmt.Errorf("browser.discovery_interval must be > 0")
		}
		if c.Browser.MaxTabs < 0 {
			return fmt.Errorf("browser.max_tabs must be >= 0")
		}
	}
	if c.Bypass.CheckInterval <= 0 {
		return fmt.Errorf("bypass.check_interval must be > 0")
	}
	if c.Control.Timeout <= 0 {
		return fmt.Errorf("control.timeout must be > 0")
	}
	if c.Control.MailboxDepth <= 0 {
		return fmt.Errorf("control.mailbox_depth must be > 0")
	}
	if c.Match.CacheSize <= 0 {
		return fmt.Errorf("match.cache_size must be > 0")
	}
	if err := c.Backup.validate(); err != nil {
		return err
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

func (s StateConfig) validate() error {
	switch s.Backend {
	case StateMemory:
	case StateFile, StateSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("state.path is required for the %s backend", s.Backend)
		}
	case StatePostgres:
		if s.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend must be one of %s", strings.Join(stateBackends, ", "))
	}
	return nil
}

func (b BackupConfig) validate() error {
	if !slices.Contains(backupBackends, b.Backend) {
		return fmt.Errorf("backup.backend must be one of %s", strings.Join(backupBackends, ", "))
	}
	if b.Backend == BackupLocal && strings.TrimSpace(b.Dir) == "" {
		return fmt.Errorf("backup.dir is required for the local backend")
	}
	if b.Backend == BackupGCS && b.GCSBucket == "" {
		return fmt.Errorf("backup.gcs_bucket is required for the gcs backend")
	}
	if b.Interval < 0 {
		return fmt.Errorf("backup.interval must be >= 0")
	}
	return nil
}

var (
	stateBackends  = []string{StateMemory, StateFile, StateSQLite, StatePostgres}
	backupBackends = []string{BackupMemory, BackupLocal, BackupGCS}
)
