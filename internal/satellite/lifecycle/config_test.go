package lifecycle

import (
	"testing"
	"time"
)

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.Namespace != "main" {
		t.Errorf("Namespace = %q, want main", cfg.Namespace)
	}
	if cfg.PollingInterval != 2*time.Second {
		t.Errorf("PollingInterval = %v, want 2s", cfg.PollingInterval)
	}
	if cfg.MinSnapshotWindow != 40*time.Millisecond {
		t.Errorf("MinSnapshotWindow = %v, want 40ms", cfg.MinSnapshotWindow)
	}
	if cfg.MaxReconnectBackoff != 30*time.Second {
		t.Errorf("MaxReconnectBackoff = %v, want 30s", cfg.MaxReconnectBackoff)
	}
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{
		Namespace:           "other",
		PollingInterval:     5 * time.Second,
		MinSnapshotWindow:   10 * time.Millisecond,
		MaxReconnectBackoff: time.Minute,
	}.withDefaults()

	if cfg.Namespace != "other" {
		t.Errorf("Namespace = %q, want other", cfg.Namespace)
	}
	if cfg.PollingInterval != 5*time.Second {
		t.Errorf("PollingInterval = %v, want 5s", cfg.PollingInterval)
	}
	if cfg.MinSnapshotWindow != 10*time.Millisecond {
		t.Errorf("MinSnapshotWindow = %v, want 10ms", cfg.MinSnapshotWindow)
	}
	if cfg.MaxReconnectBackoff != time.Minute {
		t.Errorf("MaxReconnectBackoff = %v, want 1m", cfg.MaxReconnectBackoff)
	}
}
