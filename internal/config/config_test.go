package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:7410" {
		t.Errorf("listen = %q, want default", cfg.Listen)
	}
	if cfg.QRLoginTimeout() != 60*time.Second {
		t.Errorf("qr timeout = %v, want 60s", cfg.QRLoginTimeout())
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	content := `
listen = "0.0.0.0:9000"
qr_timeout = "30s"

[storage]
endpoint = "minio.local:9000"
bucket = "chathub"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.QRLoginTimeout() != 30*time.Second {
		t.Errorf("qr timeout = %v, want 30s", cfg.QRLoginTimeout())
	}
	if cfg.Storage.Endpoint != "minio.local:9000" || cfg.Storage.Bucket != "chathub" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Listen = "127.0.0.1:8422"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Listen != "127.0.0.1:8422" {
		t.Errorf("listen = %q, want 127.0.0.1:8422", loaded.Listen)
	}
}

func TestPathLayout(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/x"}
	if got := cfg.DBPath(); got != "/tmp/x/chathub.db" {
		t.Errorf("DBPath = %q", got)
	}
	if got := cfg.SessionDBPath("acc_1"); got != "/tmp/x/accounts/acc_1/session.db" {
		t.Errorf("SessionDBPath = %q", got)
	}
	if got := cfg.LogPath(); got != "/tmp/x/logs/chathubd.log" {
		t.Errorf("LogPath = %q", got)
	}
}
