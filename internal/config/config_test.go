package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaultsWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blegw", DefaultFileName)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interface != "hci0" || cfg.NotifMTU != 63 || cfg.MaxConnect != 10 {
		t.Errorf("defaults = %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults were not persisted: %v", err)
	}

	// a second load reads the persisted file.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load (2nd): %v", err)
	}
	if again != cfg {
		t.Errorf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)

	want := Default()
	want.Interface = "hci1"
	want.GatewayID = "gw42"
	want.MQTTBrokerURL = "tcp://broker:1883"
	want.DefaultScan = `{"command":"start"}`
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoadRepairsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(`{"interface":"","notif_MTU":0}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interface != "hci0" || cfg.NotifMTU != 63 {
		t.Errorf("repaired config = %+v", cfg)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed document accepted")
	}
}
