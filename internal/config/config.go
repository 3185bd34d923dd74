// Package config loads the imappushd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/emersion/go-imappush"
)

// Config is the daemon configuration.
type Config struct {
	LogLevel    string    `yaml:"log_level"`
	MetricsAddr string    `yaml:"metrics_addr"`
	StateDB     string    `yaml:"state_db"`
	Archive     Archive   `yaml:"archive"`
	Accounts    []Account `yaml:"accounts"`
}

// Archive configures the S3 bucket receiving arrived messages. An empty
// bucket disables archiving.
type Archive struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// MaxSize bounds the downloaded body. Larger messages are archived
	// truncated.
	MaxSize int64 `yaml:"max_size"`
}

// Account is one remote IMAP store and the folders watched on it.
type Account struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Security string `yaml:"security"`

	Auth     string `yaml:"auth"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TokenEnv is the environment variable holding the XOAUTH2 bearer
	// token.
	TokenEnv string `yaml:"token_env"`

	PathPrefix          string `yaml:"path_prefix"`
	AutoDetectNamespace bool   `yaml:"auto_detect_namespace"`
	Compression         bool   `yaml:"compression"`

	IdleRefresh   time.Duration `yaml:"idle_refresh"`
	DisplayCount  int           `yaml:"display_count"`
	PollOnConnect bool          `yaml:"poll_on_connect"`

	Folders []string `yaml:"folders"`
}

// DefaultPaths are tried in turn by Load when no path is given.
var DefaultPaths = []string{
	"/etc/imappushd/imappushd.yaml",
	"./config/imappushd.yaml",
	"./imappushd.yaml",
}

// Load reads and validates a configuration file. If path is empty,
// DefaultPaths are tried.
func Load(path string) (*Config, error) {
	paths := DefaultPaths
	if path != "" {
		paths = []string{path}
	}

	var data []byte
	var err error
	for _, p := range paths {
		data, err = os.ReadFile(filepath.Clean(p))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("config: failed to read configuration: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills in defaults.
func (cfg *Config) Validate() error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Accounts) == 0 {
		return errors.New("config: no account configured")
	}

	names := make(map[string]bool)
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.Name == "" {
			acc.Name = acc.Username + "@" + acc.Host
		}
		if names[acc.Name] {
			return fmt.Errorf("config: duplicate account %q", acc.Name)
		}
		names[acc.Name] = true

		if acc.Host == "" {
			return fmt.Errorf("config: account %q: missing host", acc.Name)
		}
		if _, err := acc.Settings(); err != nil {
			return err
		}
		if len(acc.Folders) == 0 {
			acc.Folders = []string{"INBOX"}
		}
	}
	return nil
}

// Settings converts the account to store settings.
func (acc *Account) Settings() (*imap.Settings, error) {
	security, err := parseSecurity(acc.Security)
	if err != nil {
		return nil, fmt.Errorf("config: account %q: %w", acc.Name, err)
	}
	authType, err := parseAuthType(acc.Auth)
	if err != nil {
		return nil, fmt.Errorf("config: account %q: %w", acc.Name, err)
	}
	if authType == imap.AuthXOAuth2 && acc.TokenEnv == "" {
		return nil, fmt.Errorf("config: account %q: xoauth2 needs token_env", acc.Name)
	}

	settings := &imap.Settings{
		Host:                acc.Host,
		Port:                acc.Port,
		Security:            security,
		AuthType:            authType,
		Username:            acc.Username,
		Password:            acc.Password,
		PathPrefix:          acc.PathPrefix,
		AutoDetectNamespace: acc.AutoDetectNamespace,
		IdleRefresh:         acc.IdleRefresh,
		DisplayCount:        acc.DisplayCount,
		PollOnConnect:       acc.PollOnConnect,
	}
	if acc.Compression {
		settings.Compression = map[imap.NetworkType]bool{
			imap.NetworkWiFi:   true,
			imap.NetworkMobile: true,
			imap.NetworkOther:  true,
		}
	}
	return settings, nil
}

func parseSecurity(s string) (imap.Security, error) {
	switch strings.ToLower(s) {
	case "", "tls":
		return imap.SecurityTLSRequired, nil
	case "tls-optional":
		return imap.SecurityTLSOptional, nil
	case "starttls":
		return imap.SecurityStartTLSRequired, nil
	case "starttls-optional":
		return imap.SecurityStartTLSOptional, nil
	case "none":
		return imap.SecurityNone, nil
	}
	return 0, fmt.Errorf("unknown security %q", s)
}

func parseAuthType(s string) (imap.AuthType, error) {
	switch strings.ToLower(s) {
	case "", "plain":
		return imap.AuthPlain, nil
	case "cram-md5":
		return imap.AuthCRAMMD5, nil
	case "xoauth2":
		return imap.AuthXOAuth2, nil
	case "external":
		return imap.AuthExternal, nil
	}
	return 0, fmt.Errorf("unknown authentication type %q", s)
}
