package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BoatID != "" {
		t.Fatalf("boat id must stay empty until the server resolves one, got %q", cfg.BoatID)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.ScanWindow != 10*time.Second || cfg.RestWindow != 5*time.Second {
		t.Fatalf("expected default scan timings, got %v/%v", cfg.ScanWindow, cfg.RestWindow)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"boatId": "sv-wanderer", "listenAddr": ":9000", "weatherUrl": "http://wx.local/api"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BoatID != "sv-wanderer" {
		t.Fatalf("expected file boat id, got %q", cfg.BoatID)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("expected file listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.WeatherURL != "http://wx.local/api" {
		t.Fatalf("expected weather url, got %q", cfg.WeatherURL)
	}
	if cfg.DataDir != "./data" {
		t.Fatalf("unset file keys must keep defaults, got %q", cfg.DataDir)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"boatId": "from-file"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BOAT_ID", "from-env")
	t.Setenv("RELAY_SCAN_WINDOW", "20s")
	t.Setenv("FCM_SERVER_KEY", "secret-key")
	t.Setenv("NODE_ENV", "production")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BoatID != "from-env" {
		t.Fatalf("env must win over file, got %q", cfg.BoatID)
	}
	if cfg.ScanWindow != 20*time.Second {
		t.Fatalf("expected env scan window, got %v", cfg.ScanWindow)
	}
	if cfg.FCMServerKey != "secret-key" {
		t.Fatalf("expected env fcm key, got %q", cfg.FCMServerKey)
	}
	if !cfg.Production {
		t.Fatal("NODE_ENV=production must set production mode")
	}
}

func TestBadDurationEnvIsIgnored(t *testing.T) {
	t.Setenv("RELAY_SCAN_WINDOW", "not-a-duration")
	t.Setenv("RELAY_REST_WINDOW", "-3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ScanWindow != 10*time.Second || cfg.RestWindow != 5*time.Second {
		t.Fatalf("invalid durations must keep defaults, got %v/%v", cfg.ScanWindow, cfg.RestWindow)
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"boatId":`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/relay"
	if cfg.TokenFile() != "/var/lib/relay/push-tokens.json" {
		t.Fatalf("unexpected token file %q", cfg.TokenFile())
	}
	if cfg.AlertHistoryFile() != "/var/lib/relay/alert-history.db" {
		t.Fatalf("unexpected history file %q", cfg.AlertHistoryFile())
	}
}
