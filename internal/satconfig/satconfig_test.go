package satconfig

import (
	"testing"
	"time"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty() = %q, want %q", got, "b")
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty() = %q, want empty", got)
	}
}

func TestFirstNonZeroInt(t *testing.T) {
	if got := firstNonZeroInt(0, 0, 5, 9); got != 5 {
		t.Errorf("firstNonZeroInt() = %d, want 5", got)
	}
	if got := firstNonZeroInt(0, 0); got != 0 {
		t.Errorf("firstNonZeroInt() = %d, want 0", got)
	}
}

func TestResolveAppliesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	flags := &Config{AuthToken: "tok", URL: "https://example.com", DBPath: "/tmp/db.sqlite"}

	cfg, err := Resolve(flags)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.Namespace != "main" {
		t.Errorf("Namespace = %q, want main", cfg.Namespace)
	}
	if cfg.PollingInterval != defaultPollingInterval {
		t.Errorf("PollingInterval = %v, want %v", cfg.PollingInterval, defaultPollingInterval)
	}
	if cfg.MinSnapshotWindow != defaultMinSnapshotWindow {
		t.Errorf("MinSnapshotWindow = %v, want %v", cfg.MinSnapshotWindow, defaultMinSnapshotWindow)
	}
}

func TestResolveEnvOverridesFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(envPrefix+"URL", "https://env.example.com")
	flags := &Config{AuthToken: "tok", URL: "https://flag.example.com", DBPath: "/tmp/db.sqlite"}

	cfg, err := Resolve(flags)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.URL != "https://env.example.com" {
		t.Errorf("URL = %q, want env var to win over flag", cfg.URL)
	}
}

func TestResolveParsesDurationStrings(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	flags := &Config{
		AuthToken: "tok", URL: "https://example.com", DBPath: "/tmp/db.sqlite",
		PollingIntervalStr: "5s", MinSnapshotWindowStr: "10ms",
	}

	cfg, err := Resolve(flags)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg.PollingInterval != 5*time.Second {
		t.Errorf("PollingInterval = %v, want 5s", cfg.PollingInterval)
	}
	if cfg.MinSnapshotWindow != 10*time.Millisecond {
		t.Errorf("MinSnapshotWindow = %v, want 10ms", cfg.MinSnapshotWindow)
	}
}

func TestResolveRejectsMalformedDuration(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	flags := &Config{AuthToken: "tok", URL: "https://example.com", DBPath: "/tmp/db.sqlite", PollingIntervalStr: "not-a-duration"}

	if _, err := Resolve(flags); err == nil {
		t.Fatalf("Resolve() error = nil, want error for malformed pollingInterval")
	}
}

func TestPreflightRequiresAuthTokenURLAndDBPath(t *testing.T) {
	base := Config{AuthToken: "tok", URL: "https://example.com", DBPath: "/tmp/db.sqlite", PollingInterval: time.Second}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing auth token", func(c *Config) { c.AuthToken = "" }},
		{"missing url", func(c *Config) { c.URL = "" }},
		{"missing db path", func(c *Config) { c.DBPath = "" }},
		{"non-positive polling interval", func(c *Config) { c.PollingInterval = 0 }},
		{"negative snapshot window", func(c *Config) { c.MinSnapshotWindow = -time.Millisecond }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Preflight(); err == nil {
				t.Errorf("Preflight() error = nil, want non-nil for %s", tc.name)
			}
		})
	}
}

func TestPreflightPasses(t *testing.T) {
	cfg := Config{AuthToken: "tok", URL: "https://example.com", DBPath: "/tmp/db.sqlite", PollingInterval: time.Second}
	if err := cfg.Preflight(); err != nil {
		t.Errorf("Preflight() error = %v, want nil", err)
	}
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := &Config{URL: "https://example.com", Namespace: "main", AuthToken: "should-not-persist"}
	if err := SaveFile(cfg); err != nil {
		t.Fatalf("SaveFile() error: %v", err)
	}

	loaded, err := LoadFile()
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if loaded.URL != cfg.URL {
		t.Errorf("loaded.URL = %q, want %q", loaded.URL, cfg.URL)
	}
	if loaded.AuthToken != "" {
		t.Errorf("loaded.AuthToken = %q, want empty (never persisted)", loaded.AuthToken)
	}
}

func TestLoadFileAbsentReturnsZeroValue(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadFile()
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if cfg.URL != "" {
		t.Errorf("LoadFile() on absent file = %+v, want zero value", cfg)
	}
}
