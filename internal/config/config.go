package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const (
	defaultWindowHours   = 48
	defaultQuietHours    = 24
	defaultSchedule      = "0 0 */6 * * *"
	defaultMaxCandidates = 200
	defaultWorkers       = 4
	defaultServerPort    = 8080
	defaultInboxDays     = 30
	defaultLedgerDays    = 90
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return eris.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	User   User         `yaml:"user"`
	Inbox  InboxConfig  `yaml:"inbox,omitempty"`
	Ledger LedgerConfig `yaml:"ledger,omitempty"`
	Notify NotifyConfig `yaml:"notify"`
	Scan   ScanConfig   `yaml:"scan,omitempty"`
	Server ServerConfig `yaml:"server,omitempty"`
	Log    LogConfig    `yaml:"log,omitempty"`
}

// User is the local account that owns tracked trials.
type User struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Name  string `yaml:"name,omitempty"`
}

// InboxConfig holds IMAP settings for scanning trial notices
type InboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "gmail", "outlook", "imap"
	Server   string `yaml:"server"`   // e.g., "imap.gmail.com"
	Port     int    `yaml:"port"`     // e.g., 993
	Email    string `yaml:"email"`    // Email address to scan
	Password string `yaml:"password"` // App password (not main password)
	Folder   string `yaml:"folder"`   // default: "INBOX"
	Days     int    `yaml:"days"`     // look-back window
}

type LedgerConfig struct {
	DefaultDays int `yaml:"default_days"`
}

// NotifyConfig selects the reminder delivery provider.
type NotifyConfig struct {
	Provider       string     `yaml:"provider"` // "smtp", "resend", "sendgrid"
	From           string     `yaml:"from"`
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
	WindowHours    int        `yaml:"window_hours"`
	QuietHours     int        `yaml:"quiet_hours"`
	Schedule       string     `yaml:"schedule"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// ScanConfig bounds batch classification and duplicate scans.
type ScanConfig struct {
	MaxCandidates int `yaml:"max_candidates"`
	Workers       int `yaml:"workers"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sentinel", "config.yaml")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "config: read file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, eris.Wrap(err, "config: parse file")
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.Days == 0 {
		c.Inbox.Days = defaultInboxDays
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}

	if c.Ledger.DefaultDays == 0 {
		c.Ledger.DefaultDays = defaultLedgerDays
	}

	if c.Notify.WindowHours == 0 {
		c.Notify.WindowHours = defaultWindowHours
	}
	if c.Notify.QuietHours == 0 {
		c.Notify.QuietHours = defaultQuietHours
	}
	if c.Notify.Schedule == "" {
		c.Notify.Schedule = defaultSchedule
	}

	if c.Scan.MaxCandidates == 0 {
		c.Scan.MaxCandidates = defaultMaxCandidates
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = defaultWorkers
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return eris.Wrap(err, "config: create directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "config: serialize")
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.User.ID == "" {
		return eris.New("user: id is required")
	}
	if c.User.Email == "" {
		return eris.New("user: email is required")
	}
	if c.Scan.MaxCandidates < 0 || c.Scan.Workers < 0 {
		return eris.New("scan: max_candidates and workers must not be negative")
	}
	return nil
}

// ValidateNotify validates reminder delivery (only called when reminders are sent)
func (c *Config) ValidateNotify() error {
	if c.Notify.From == "" {
		return eris.New("notify: from address is required")
	}
	if _, err := cron.Parse(c.Notify.Schedule); err != nil {
		return eris.Wrapf(err, "notify: invalid schedule %q", c.Notify.Schedule)
	}

	switch c.Notify.Provider {
	case "smtp":
		if c.Notify.SMTP.Host == "" {
			return eris.New("notify.smtp: host is required")
		}
		if c.Notify.SMTP.Port == 0 {
			return eris.New("notify.smtp: port is required")
		}
	case "resend":
		if c.Notify.ResendAPIKey == "" {
			return eris.New("notify: resend_api_key is required")
		}
	case "sendgrid":
		if c.Notify.SendGridAPIKey == "" {
			return eris.New("notify: sendgrid_api_key is required")
		}
	case "":
		return eris.New("notify: provider is required")
	default:
		return eris.Errorf("notify: unknown provider %q (smtp, resend or sendgrid)", c.Notify.Provider)
	}
	return nil
}

// ValidateInbox validates inbox configuration (only called when inbox scanning is used)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return eris.New("inbox: scanning is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return eris.New("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return eris.New("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return eris.New("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return eris.New("inbox: IMAP port is required")
	}
	return nil
}
