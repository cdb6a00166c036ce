package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MXDROP_SMTP_ADDR for smtp.addr.
const EnvPrefix = "MXDROP"

// Config is everything the daemon reads at start up
type Config struct {
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Mailbox MailboxConfig `mapstructure:"mailbox"`
	Index   IndexConfig   `mapstructure:"index"`
	AMQP    AMQPConfig    `mapstructure:"amqp"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

type SMTPConfig struct {
	// Addr is the listen address (default ":4444")
	Addr string `mapstructure:"addr"`
	// IdleTimeout closes silent sessions with a 421, 0 = disabled
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// WriteTimeout bounds a single reply write
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxSessions turns away connections beyond this many, 0 = unlimited
	MaxSessions int `mapstructure:"max_sessions"`
	// MaxLineLength includes the CRLF, 0 = unlimited
	MaxLineLength int `mapstructure:"max_line_length"`
	// MaxMessageSize bounds a data unit, 0 = unlimited
	MaxMessageSize int `mapstructure:"max_message_size"`
}

type MailboxConfig struct {
	// Root holds one directory per recipient
	Root string `mapstructure:"root"`
	// KeepTerminator stores the trailing CRLF.CRLF with the body
	KeepTerminator bool `mapstructure:"keep_terminator"`
	// DirCacheTTL is how long a known mailbox directory is trusted
	DirCacheTTL time.Duration `mapstructure:"dir_cache_ttl"`
}

// IndexConfig enables the delivery index when Path is set. The special
// path ":memory:" keeps it in memory.
type IndexConfig struct {
	Path string `mapstructure:"path"`
}

// AMQPConfig enables delivery notifications when URL is set.
type AMQPConfig struct {
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
	Backlog int    `mapstructure:"backlog"`
}

// AdminConfig enables the HTTP admin API when Addr is set.
type AdminConfig struct {
	Addr string `mapstructure:"addr"`
}

func Default() *Config {
	return &Config{
		SMTP: SMTPConfig{
			Addr:          ":4444",
			WriteTimeout:  time.Minute,
			MaxLineLength: 4096,
		},
		Mailbox: MailboxConfig{
			Root:        ".",
			DirCacheTTL: time.Hour,
		},
		AMQP: AMQPConfig{
			Queue:   "deliveries",
			Backlog: 1024,
		},
	}
}

// SetDefaults registers default values and environment overrides with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("smtp.addr", defaults.SMTP.Addr)
	v.SetDefault("smtp.idle_timeout", defaults.SMTP.IdleTimeout)
	v.SetDefault("smtp.write_timeout", defaults.SMTP.WriteTimeout)
	v.SetDefault("smtp.max_sessions", defaults.SMTP.MaxSessions)
	v.SetDefault("smtp.max_line_length", defaults.SMTP.MaxLineLength)
	v.SetDefault("smtp.max_message_size", defaults.SMTP.MaxMessageSize)

	v.SetDefault("mailbox.root", defaults.Mailbox.Root)
	v.SetDefault("mailbox.keep_terminator", defaults.Mailbox.KeepTerminator)
	v.SetDefault("mailbox.dir_cache_ttl", defaults.Mailbox.DirCacheTTL)

	v.SetDefault("index.path", defaults.Index.Path)

	v.SetDefault("amqp.url", defaults.AMQP.URL)
	v.SetDefault("amqp.queue", defaults.AMQP.Queue)
	v.SetDefault("amqp.backlog", defaults.AMQP.Backlog)

	v.SetDefault("admin.addr", defaults.Admin.Addr)

	v.SetEnvPrefix(EnvPrefix)
	// MXDROP_SMTP_MAX_SESSIONS for smtp.max_sessions
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return &cfg, nil
}

type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:", len(e))
	for _, err := range e {
		sb.WriteString("\n  ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate returns every invalid value found, or nil
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	negative := func(field string, value int64) {
		if value < 0 {
			errs = append(errs, ValidationError{Field: field, Value: value, Message: "must not be negative"})
		}
	}

	if len(c.SMTP.Addr) == 0 {
		errs = append(errs, ValidationError{Field: "smtp.addr", Value: c.SMTP.Addr, Message: "must be set"})
	}
	negative("smtp.idle_timeout", int64(c.SMTP.IdleTimeout))
	negative("smtp.write_timeout", int64(c.SMTP.WriteTimeout))
	negative("smtp.max_sessions", int64(c.SMTP.MaxSessions))
	negative("smtp.max_line_length", int64(c.SMTP.MaxLineLength))
	negative("smtp.max_message_size", int64(c.SMTP.MaxMessageSize))

	// a command line needs room for at least "QUIT\r\n"
	if c.SMTP.MaxLineLength > 0 && c.SMTP.MaxLineLength < 6 {
		errs = append(errs, ValidationError{Field: "smtp.max_line_length", Value: c.SMTP.MaxLineLength, Message: "must be 0 or at least 6"})
	}

	if len(c.Mailbox.Root) == 0 {
		errs = append(errs, ValidationError{Field: "mailbox.root", Value: c.Mailbox.Root, Message: "must be set"})
	}
	negative("mailbox.dir_cache_ttl", int64(c.Mailbox.DirCacheTTL))

	if len(c.AMQP.URL) > 0 && len(c.AMQP.Queue) == 0 {
		errs = append(errs, ValidationError{Field: "amqp.queue", Value: c.AMQP.Queue, Message: "must be set when amqp.url is"})
	}
	negative("amqp.backlog", int64(c.AMQP.Backlog))

	if len(errs) == 0 {
		return nil
	}
	return errs
}
