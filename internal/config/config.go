package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "/etc/wipesentinel/config.yml"
)

type InventoryConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Location     string        `yaml:"location"` // placement for newly created entries
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"` // attempts for idempotent requests; creates are sent once
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type WipeConfig struct {
	Pattern         string   `yaml:"pattern"` // badblocks test pattern, a single hex byte
	Shutdown        bool     `yaml:"shutdown"`
	Quiet           bool     `yaml:"quiet"`
	Simulate        bool     `yaml:"simulate"`
	AllowTestDrives bool     `yaml:"allow_test_drives"`
	StubIncomplete  bool     `yaml:"stub_incomplete"`
	AssumeYes       bool     `yaml:"assume_yes"`
	Ignore          []string `yaml:"ignore"` // globs on device name, path or serial
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"` // empty = stdout only
}

type PathsConfig struct {
	JournalPath  string `yaml:"journal_path"`
	ReportDir    string `yaml:"report_dir"`
	DefectLogDir string `yaml:"defect_log_dir"`
}

type ToolsConfig struct {
	Smartctl  string `yaml:"smartctl"`
	Badblocks string `yaml:"badblocks"`
	Lsblk     string `yaml:"lsblk"`
	Umount    string `yaml:"umount"`
	Zpool     string `yaml:"zpool"`
	Shutdown  string `yaml:"shutdown"`
}

type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type NotificationsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Config struct {
	Inventory     InventoryConfig     `yaml:"inventory"`
	Wipe          WipeConfig          `yaml:"wipe"`
	Logging       LoggingConfig       `yaml:"logging"`
	Paths         PathsConfig         `yaml:"paths"`
	Tools         ToolsConfig         `yaml:"tools"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

func defaultConfig() Config {
	return Config{
		Inventory: InventoryConfig{
			Location:     "Magazzino",
			Timeout:      30 * time.Second,
			Retries:      3,
			RetryBackoff: time.Second,
		},
		Wipe: WipeConfig{
			Pattern: "0x00",
			Ignore:  []string{},
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "/var/log/wipesentinel.log",
		},
		Paths: PathsConfig{
			JournalPath:  "/var/lib/wipesentinel/journal.db",
			ReportDir:    "/var/lib/wipesentinel/reports",
			DefectLogDir: "/var/lib/wipesentinel/defects",
		},
		Tools: ToolsConfig{
			Smartctl:  "smartctl",
			Badblocks: "badblocks",
			Lsblk:     "lsblk",
			Umount:    "umount",
			Zpool:     "zpool",
			Shutdown:  "shutdown",
		},
		Notifications: NotificationsConfig{
			Webhooks: []WebhookConfig{},
		},
	}
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := defaultConfig()

	if fileExists(path) {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("WIPESENTINEL_INVENTORY_URL"); ok && v != "" {
		cfg.Inventory.URL = v
	}
	if v, ok := os.LookupEnv("WIPESENTINEL_INVENTORY_TOKEN"); ok && v != "" {
		cfg.Inventory.Token = v
	}
	if v, ok := os.LookupEnv("WIPESENTINEL_LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv("WIPESENTINEL_JOURNAL_PATH"); ok && v != "" {
		cfg.Paths.JournalPath = v
	}
}

// Validate checks the merged configuration. It is exported so the CLI can
// re-check after applying flags.
func (cfg Config) Validate() error {
	if _, err := PatternByte(cfg.Wipe.Pattern); err != nil {
		return err
	}
	if cfg.Paths.ReportDir == "" {
		return errors.New("paths.report_dir must be set")
	}
	if cfg.Paths.DefectLogDir == "" {
		return errors.New("paths.defect_log_dir must be set")
	}
	if cfg.Wipe.Quiet && !cfg.Wipe.AssumeYes {
		return errors.New("wipe.quiet requires wipe.assume_yes")
	}
	if cfg.Inventory.Retries < 1 {
		return errors.New("inventory.retries must be at least 1")
	}
	if cfg.Inventory.URL != "" {
		u, err := url.Parse(cfg.Inventory.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("inventory.url is not a valid URL: %q", cfg.Inventory.URL)
		}
	}
	for i, wh := range cfg.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notifications.webhooks[%d].url must be set", i)
		}
	}
	return nil
}

// PatternByte parses a badblocks pattern such as "0x00" or "0xff".
func PatternByte(p string) (byte, error) {
	s := strings.TrimPrefix(strings.ToLower(p), "0x")
	if s == "" || len(s) > 2 || s == strings.ToLower(p) {
		return 0, fmt.Errorf("wipe.pattern must be a hex byte like 0x00, got %q", p)
	}
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("wipe.pattern must be a hex byte like 0x00, got %q", p)
	}
	return byte(n), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
