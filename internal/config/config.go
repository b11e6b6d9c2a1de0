// Package config loads the relay configuration from an optional JSON
// file with environment variable overrides. Environment wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the relay's runtime configuration.
type Config struct {
	BoatID     string `json:"boatId"`
	ListenAddr string `json:"listenAddr"`
	DataDir    string `json:"dataDir"`
	LogLevel   string `json:"logLevel"`
	Production bool   `json:"production"`

	// Feeds
	WeatherURL      string `json:"weatherUrl"`
	WeatherSchedule string `json:"weatherSchedule"`
	TideURL         string `json:"tideUrl"`
	TideSchedule    string `json:"tideSchedule"`

	// BLE scan loop
	ScanWindow time.Duration `json:"scanWindow"`
	RestWindow time.Duration `json:"restWindow"`

	// Push providers
	FCMServerKey    string `json:"fcmServerKey"`
	FCMURL          string `json:"fcmUrl"`
	APNSKeyID       string `json:"apnsKeyId"`
	APNSTeamID      string `json:"apnsTeamId"`
	APNSKeyFile     string `json:"apnsKeyFile"`
	APNSTopic       string `json:"apnsTopic"`
	ExpoAccessToken string `json:"expoAccessToken"`
	ExpoPushURL     string `json:"expoPushUrl"`

	// Tracing
	OTLPEndpoint string `json:"otlpEndpoint"`
}

// Default returns the configuration used when no file or env is present.
// BoatID stays empty here; the server substitutes the persisted
// installation identifier when nothing names the boat.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		DataDir:    "./data",
		LogLevel:   "info",
		ScanWindow: 10 * time.Second,
		RestWindow: 5 * time.Second,
	}
}

// Load reads the config file at path (if it exists) on top of defaults,
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.BoatID, "BOAT_ID")
	setString(&c.ListenAddr, "RELAY_LISTEN_ADDR")
	setString(&c.DataDir, "RELAY_DATA_DIR")
	setString(&c.LogLevel, "RELAY_LOG_LEVEL")

	setString(&c.WeatherURL, "RELAY_WEATHER_URL")
	setString(&c.WeatherSchedule, "RELAY_WEATHER_SCHEDULE")
	setString(&c.TideURL, "RELAY_TIDE_URL")
	setString(&c.TideSchedule, "RELAY_TIDE_SCHEDULE")

	setDuration(&c.ScanWindow, "RELAY_SCAN_WINDOW")
	setDuration(&c.RestWindow, "RELAY_REST_WINDOW")

	setString(&c.FCMServerKey, "FCM_SERVER_KEY")
	setString(&c.FCMURL, "FCM_URL")
	setString(&c.APNSKeyID, "APNS_KEY_ID")
	setString(&c.APNSTeamID, "APNS_TEAM_ID")
	setString(&c.APNSKeyFile, "APNS_KEY_FILE")
	setString(&c.APNSTopic, "APNS_TOPIC")
	setString(&c.ExpoAccessToken, "EXPO_ACCESS_TOKEN")
	setString(&c.ExpoPushURL, "EXPO_PUSH_URL")

	setString(&c.OTLPEndpoint, "RELAY_OTLP_ENDPOINT")

	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Production = v == "production"
	}
}

// TokenFile is where the push token store lives.
func (c *Config) TokenFile() string {
	return filepath.Join(c.DataDir, "push-tokens.json")
}

// AlertHistoryFile is the alert history SQLite database path.
func (c *Config) AlertHistoryFile() string {
	return filepath.Join(c.DataDir, "alert-history.db")
}

// AppUUIDFile is where the installation identifier lives.
func (c *Config) AppUUIDFile() string {
	return filepath.Join(c.DataDir, "app-uuid")
}

// RecordingFile is the JSONL event recording path.
func (c *Config) RecordingFile() string {
	return filepath.Join(c.DataDir, "recording.jsonl")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return
	}
	*dst = d
}
