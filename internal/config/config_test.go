package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Read(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.Cache.Backend != "sqlite" || !cfg.Cache.Enabled {
		t.Fatalf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Realtime.MaxRecoveryAttempts != 3 {
		t.Fatalf("max_recovery_attempts = %d", cfg.Realtime.MaxRecoveryAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Defaults()
	cfg.Auth.Token = "tok"
	cfg.Cache.Backend = "memory"
	cfg.Reconcile.Interval = Duration(42 * time.Second)

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Auth.Token != "tok" || got.Cache.Backend != "memory" {
		t.Fatalf("got %+v", got)
	}
	if got.Reconcile.Interval.Std() != 42*time.Second {
		t.Fatalf("interval = %v", got.Reconcile.Interval.Std())
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := "[realtime]\nmax_recovery_attempts = 5\n\n[reconcile]\ninterval = \"2s\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if cfg.Realtime.MaxRecoveryAttempts != 5 {
		t.Fatalf("max_recovery_attempts = %d", cfg.Realtime.MaxRecoveryAttempts)
	}
	if !cfg.Realtime.AutoReconnect {
		t.Fatal("auto_reconnect default lost")
	}
	if cfg.Reconcile.Interval.Std() != 2*time.Second {
		t.Fatalf("interval = %v", cfg.Reconcile.Interval.Std())
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv("CHATSYNC_TOKEN", "from-env")
	t.Setenv("CHATSYNC_CACHE_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Auth.Token)
	}
	if cfg.Cache.Enabled {
		t.Fatal("cache.enabled override ignored")
	}

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path, _ := Path()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
}

func TestSet(t *testing.T) {
	cases := []struct {
		key, value string
		wantErr    bool
	}{
		{"default.base_url", "https://example.com", false},
		{"realtime.max_recovery_attempts", "4", false},
		{"realtime.max_recovery_attempts", "many", true},
		{"realtime.reconnect_max_delay", "1m", false},
		{"cache.enabled", "maybe", true},
		{"cache.colour", "blue", true},
		{"nosection", "x", true},
		{"bogus.key", "x", true},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			err := Set(Defaults(), tc.key, tc.value)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Set(%q, %q) error = %v, wantErr %v", tc.key, tc.value, err, tc.wantErr)
			}
		})
	}

	cfg := Defaults()
	if err := Set(cfg, "realtime.reconnect_max_delay", "1m"); err != nil {
		t.Fatal(err)
	}
	if cfg.Realtime.ReconnectMaxDelay.Std() != time.Minute {
		t.Fatalf("reconnect_max_delay = %v", cfg.Realtime.ReconnectMaxDelay.Std())
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Cache.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
