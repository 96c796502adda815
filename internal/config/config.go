package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents <data>/config.toml plus flag overrides.
type Config struct {
	DataDir string `toml:"-"`

	Listen    string        `toml:"listen"`
	QRTimeout duration      `toml:"qr_timeout"`
	Storage   StorageConfig `toml:"storage"`
}

// StorageConfig holds the S3-compatible object storage settings used for
// attachment hosting. An empty endpoint disables uploads.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultDataDir returns ~/.chathub.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chathub")
}

// Load reads config from <dataDir>/config.toml. A missing file yields the
// defaults; a malformed file is an error.
func Load(dataDir string) (*Config, error) {
	cfg := &Config{
		DataDir:   dataDir,
		Listen:    "127.0.0.1:7410",
		QRTimeout: duration{60 * time.Second},
	}
	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:7410"
	}
	if cfg.QRTimeout.Duration <= 0 {
		cfg.QRTimeout = duration{60 * time.Second}
	}
	return cfg, nil
}

// Save writes config to <dataDir>/config.toml, creating parent dirs as needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(c.DataDir, "config.toml"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(c)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// QRLoginTimeout returns the bound on interactive QR logins.
func (c *Config) QRLoginTimeout() time.Duration {
	return c.QRTimeout.Duration
}

// DBPath returns the app-owned chathub.db path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "chathub.db")
}

// AccountDir returns the per-account directory holding network session state.
func (c *Config) AccountDir(handle string) string {
	return filepath.Join(c.DataDir, "accounts", handle)
}

// SessionDBPath returns the external-network credential store for an account.
func (c *Config) SessionDBPath(handle string) string {
	return filepath.Join(c.AccountDir(handle), "session.db")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "chathubd.log")
}

// EnsureDirs creates the data directory tree with proper permissions.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, "accounts"),
		filepath.Join(c.DataDir, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
