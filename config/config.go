package config

import (
	"net"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/roadrunner-server/errors"
	"github.com/spf13/viper"
)

// Config represents the importer configuration
type Config struct {
	// Listener settings
	Addr           string        `mapstructure:"addr"`
	Hostname       string        `mapstructure:"hostname"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`

	// Mailbox spool directory, must survive restarts
	MailboxDir string `mapstructure:"mailbox_dir"`

	// Recipient addresses the server accepts mail for
	AllowedRecipients []string `mapstructure:"allowed_recipients"`

	// Ingestion destinations
	DSN DSNConfig `mapstructure:"dsn"`
}

// DSNConfig holds the per-destination connection strings. Stable, Nightly,
// RefactorNightly and Legacy receive imported crash reports, routed by the
// reporting app's package name. Own receives the importer's own errors.
type DSNConfig struct {
	Stable          string `mapstructure:"stable"`
	Nightly         string `mapstructure:"nightly"`
	RefactorNightly string `mapstructure:"refactor_nightly"`
	Legacy          string `mapstructure:"legacy"`
	Own             string `mapstructure:"own"`
}

// Load reads configuration from the environment. A non-empty host or
// non-zero port overrides the listener address.
func Load(host string, port int) (*Config, error) {
	const op = errors.Op("config_load")

	v := viper.New()

	v.SetDefault("addr", "")
	v.SetDefault("hostname", "")
	v.SetDefault("read_timeout", time.Duration(0))
	v.SetDefault("write_timeout", time.Duration(0))
	v.SetDefault("max_message_size", int64(0))
	v.SetDefault("mailbox_dir", "")
	v.SetDefault("allowed_recipients", []string(nil))
	v.SetDefault("dsn.stable", "")
	v.SetDefault("dsn.nightly", "")
	v.SetDefault("dsn.refactor_nightly", "")
	v.SetDefault("dsn.legacy", "")
	v.SetDefault("dsn.own", "")

	// env var names kept from the original deployment descriptors
	_ = v.BindEnv("addr", "LMTP_ADDR")
	_ = v.BindEnv("hostname", "LMTP_HOSTNAME")
	_ = v.BindEnv("read_timeout", "LMTP_READ_TIMEOUT")
	_ = v.BindEnv("write_timeout", "LMTP_WRITE_TIMEOUT")
	_ = v.BindEnv("max_message_size", "MAX_MESSAGE_SIZE")
	_ = v.BindEnv("mailbox_dir", "MAILBOX_DIR")
	_ = v.BindEnv("allowed_recipients", "ALLOWED_RECIPIENTS")
	_ = v.BindEnv("dsn.stable", "NEWPIPE_DSN")
	_ = v.BindEnv("dsn.nightly", "NEWPIPE_NIGHTLY_DSN")
	_ = v.BindEnv("dsn.refactor_nightly", "NEWPIPE_REFACTOR_NIGHTLY_DSN")
	_ = v.BindEnv("dsn.legacy", "NEWPIPE_LEGACY_DSN")
	_ = v.BindEnv("dsn.own", "OWN_DSN")

	cfg := &Config{}
	// weak typing so numeric settings can come from env strings
	err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, errors.E(op, err)
	}

	if host != "" || port != 0 {
		if host == "" {
			host = "::1"
		}
		if port == 0 {
			port = 8025
		}
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	if err := cfg.InitDefaults(); err != nil {
		return nil, errors.E(op, err)
	}

	return cfg, nil
}

// InitDefaults sets default values for configuration
func (c *Config) InitDefaults() error {
	if c.Addr == "" {
		c.Addr = "[::1]:8025"
	}

	if c.Hostname == "" {
		c.Hostname = "localhost"
	}

	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}

	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 10 * 1024 * 1024 // 10MB
	}

	if c.MailboxDir == "" {
		c.MailboxDir = "mails"
	}

	if len(c.AllowedRecipients) == 0 {
		c.AllowedRecipients = []string{
			"crashreport@newpipe.net",
			"crashreport@newpipe.schabi.org",
		}
	}

	return c.validate()
}

// validate checks configuration validity
func (c *Config) validate() error {
	const op = errors.Op("config_validate")

	if c.Addr == "" {
		return errors.E(op, errors.Str("addr is required"))
	}

	if c.MaxMessageSize < 0 {
		return errors.E(op, errors.Str("max_message_size cannot be negative"))
	}

	if c.MailboxDir == "" {
		return errors.E(op, errors.Str("mailbox_dir is required"))
	}

	if c.DSN.Stable == "" {
		return errors.E(op, errors.Str("dsn.stable (NEWPIPE_DSN) is required"))
	}

	return nil
}
