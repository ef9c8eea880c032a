// Package satconfig resolves the recognized configuration keys from
// spec.md §6, layering pflag-bound CLI flags over the env-var-then-file
// precedence idiom internal/syncconfig/syncconfig.go uses, and adding a
// Preflight() validation step grounded on the replication-resolver
// reference material's server/config.go pattern.
package satconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
)

// Config is every recognized key from spec.md §6.
type Config struct {
	AuthToken    string `json:"-"` // never persisted to disk
	AuthClientID string `json:"authClientId,omitempty"`

	URL string `json:"url,omitempty"`

	ConsoleHost string `json:"consoleHost,omitempty"`
	ConsolePort int    `json:"consolePort,omitempty"`
	ConsoleSSL  bool   `json:"consoleSsl,omitempty"`

	PollingInterval     time.Duration `json:"-"`
	MinSnapshotWindow   time.Duration `json:"-"`
	ClearOnBehindWindow bool          `json:"clearOnBehindWindow,omitempty"`

	PollingIntervalStr   string `json:"pollingInterval,omitempty"`
	MinSnapshotWindowStr string `json:"minSnapshotWindow,omitempty"`

	Namespace string `json:"namespace,omitempty"`
	DBPath    string `json:"-"`
}

const (
	defaultPollingInterval   = 2 * time.Second
	defaultMinSnapshotWindow = 40 * time.Millisecond
	defaultNamespace         = "main"
)

// RegisterFlags binds every recognized key to fs, pflag's way of doubling
// as both the CLI surface and the configuration-binding layer (spec.md
// SPEC_FULL.md §2 Config). Env vars and config.json still take the
// precedence order Resolve applies afterward; flags here only supply
// defaults and the `--flag` override path.
func RegisterFlags(fs *pflag.FlagSet) *Config {
	cfg := &Config{}
	fs.StringVar(&cfg.AuthToken, "auth-token", "", "replication auth JWT (required)")
	fs.StringVar(&cfg.AuthClientID, "auth-client-id", "", "client id override (default: persisted or generated UUID)")
	fs.StringVar(&cfg.URL, "url", "", "replication endpoint URL")
	fs.StringVar(&cfg.ConsoleHost, "console-host", "", "token service host")
	fs.IntVar(&cfg.ConsolePort, "console-port", 0, "token service port")
	fs.BoolVar(&cfg.ConsoleSSL, "console-ssl", true, "use TLS for the token service")
	fs.StringVar(&cfg.PollingIntervalStr, "polling-interval", "", "snapshot poll interval, e.g. 2s")
	fs.StringVar(&cfg.MinSnapshotWindowStr, "min-snapshot-window", "", "minimum time between snapshots, e.g. 40ms")
	fs.BoolVar(&cfg.ClearOnBehindWindow, "clear-on-behind-window", true, "reset local state and resubscribe on a behindWindow error")
	fs.StringVar(&cfg.Namespace, "namespace", "", "schema namespace (default: main)")
	fs.StringVar(&cfg.DBPath, "db", "", "path to the embedded SQLite database file")
	return cfg
}

// envPrefix matches the host repository's TD_SYNC_* convention, renamed
// to this project's own namespace.
const envPrefix = "SATELLITE_"

// Resolve applies env > flags > persisted config.json > built-in default
// precedence, the same ordering syncconfig.go uses (env wins, since it is
// the most ad hoc/explicit override point), and parses the duration
// strings into their time.Duration fields. Not every key reads from every
// source: AuthToken and DBPath come from env then flags only, ConsolePort
// from flags then config.json, and ConsoleSSL and ClearOnBehindWindow from
// flags alone.
func Resolve(flags *Config) (*Config, error) {
	persisted, _ := LoadFile()

	resolved := &Config{}
	resolved.AuthToken = firstNonEmpty(os.Getenv(envPrefix+"AUTH_TOKEN"), flags.AuthToken)
	resolved.AuthClientID = firstNonEmpty(os.Getenv(envPrefix+"AUTH_CLIENT_ID"), flags.AuthClientID, persisted.AuthClientID)
	resolved.URL = firstNonEmpty(os.Getenv(envPrefix+"URL"), flags.URL, persisted.URL)
	resolved.ConsoleHost = firstNonEmpty(os.Getenv(envPrefix+"CONSOLE_HOST"), flags.ConsoleHost, persisted.ConsoleHost)
	resolved.ConsolePort = firstNonZeroInt(flags.ConsolePort, persisted.ConsolePort)
	resolved.ConsoleSSL = flags.ConsoleSSL
	resolved.ClearOnBehindWindow = flags.ClearOnBehindWindow
	resolved.Namespace = firstNonEmpty(os.Getenv(envPrefix+"NAMESPACE"), flags.Namespace, persisted.Namespace, defaultNamespace)
	resolved.DBPath = firstNonEmpty(os.Getenv(envPrefix+"DB"), flags.DBPath)

	pollingStr := firstNonEmpty(os.Getenv(envPrefix+"POLLING_INTERVAL"), flags.PollingIntervalStr, persisted.PollingIntervalStr)
	resolved.PollingInterval = defaultPollingInterval
	if pollingStr != "" {
		d, err := time.ParseDuration(pollingStr)
		if err != nil {
			return nil, fmt.Errorf("parse pollingInterval %q: %w", pollingStr, err)
		}
		resolved.PollingInterval = d
	}

	windowStr := firstNonEmpty(os.Getenv(envPrefix+"MIN_SNAPSHOT_WINDOW"), flags.MinSnapshotWindowStr, persisted.MinSnapshotWindowStr)
	resolved.MinSnapshotWindow = defaultMinSnapshotWindow
	if windowStr != "" {
		d, err := time.ParseDuration(windowStr)
		if err != nil {
			return nil, fmt.Errorf("parse minSnapshotWindow %q: %w", windowStr, err)
		}
		resolved.MinSnapshotWindow = d
	}

	return resolved, nil
}

// Preflight validates the resolved config is usable before the Lifecycle
// Controller starts, grounded on the replication-resolver reference
// material's Preflight() pattern: fail fast on missing required fields
// rather than surfacing a confusing error deep in the connect path.
func (c *Config) Preflight() error {
	if c.AuthToken == "" {
		return fmt.Errorf("auth.token is required (set --auth-token or %sAUTH_TOKEN)", envPrefix)
	}
	if c.URL == "" {
		return fmt.Errorf("url is required (set --url or %sURL)", envPrefix)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path is required (set --db or %sDB)", envPrefix)
	}
	if c.PollingInterval <= 0 {
		return fmt.Errorf("pollingInterval must be positive, got %s", c.PollingInterval)
	}
	if c.MinSnapshotWindow < 0 {
		return fmt.Errorf("minSnapshotWindow must not be negative, got %s", c.MinSnapshotWindow)
	}
	return nil
}

// ConfigDir returns ~/.config/satellite, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "satellite")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadFile reads the persisted config from ~/.config/satellite/config.json,
// returning a zero-value Config (not an error) if the file is absent.
func LoadFile() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return &Config{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return &Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return &Config{}, err
	}
	return &cfg, nil
}

// SaveFile persists the non-secret fields of cfg (never AuthToken) to
// ~/.config/satellite/config.json.
func SaveFile(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
