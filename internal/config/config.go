// Package config loads and persists the gateway's JSON configuration
// document: a single file under a well-known data directory, created with
// defaults on first run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileName is the configuration document's file name inside the data
// directory.
const DefaultFileName = "ble_gateway.json"

// Config is the gateway's persisted configuration.
type Config struct {
	// BLE controller settings.
	Interface  string `json:"interface"`
	NotifMTU   int    `json:"notif_MTU"`
	MaxConnect int    `json:"max_connect"`
	Trace      string `json:"trace"` // debug|info|warning|error|critical
	DebugBluez bool   `json:"debug_bluez"`

	// Gateway identity; an empty GatewayID falls back to the hostname at
	// startup.
	GatewayID string `json:"gateway_id,omitempty"`

	// Message bus transport.
	MQTTBrokerURL string `json:"mqtt_broker_url,omitempty"`
	MQTTUsername  string `json:"mqtt_username,omitempty"`
	MQTTPassword  string `json:"mqtt_password,omitempty"`

	// Optional startup commands, in the same JSON shapes as the filter/ and
	// scan/ bus payloads, applied once at first bus connect.
	DefaultFilters string `json:"default_filters,omitempty"`
	DefaultScan    string `json:"default_scan,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Interface:  "hci0",
		NotifMTU:   63,
		MaxConnect: 10,
		Trace:      "info",
		DebugBluez: false,
	}
}

// DefaultPath returns the well-known location of the configuration document:
// $XDG_CONFIG_HOME/blegw/ble_gateway.json (or the OS equivalent).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: no user config dir: %w", err)
	}
	return filepath.Join(dir, "blegw", DefaultFileName), nil
}

// Load reads the configuration at path. If the file does not exist, the
// defaults are written there and returned.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if werr := Save(path, cfg); werr != nil {
			return cfg, werr
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.NotifMTU <= 0 {
		cfg.NotifMTU = Default().NotifMTU
	}
	if cfg.Interface == "" {
		cfg.Interface = Default().Interface
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
