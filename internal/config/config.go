// Package config loads the temserver process configuration from a YAML file,
// TEMSERVER_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/arloliu/go-temserver/dispatch"
	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. TEMSERVER_SERVER_PORT for server.port.
const EnvPrefix = "TEMSERVER"

// Config represents the complete temserver configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Instrument InstrumentConfig `mapstructure:"instrument"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig controls the client-facing listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MaxFrameSize uint32        `mapstructure:"max_frame_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AllowTerminate lets clients stop the server with the terminate directive.
	AllowTerminate bool `mapstructure:"allow_terminate"`
}

// DispatcherConfig controls the instrument owner.
type DispatcherConfig struct {
	// MailboxSize is the number of calls that may wait for the instrument.
	// Clients block when it is reached.
	MailboxSize int `mapstructure:"mailbox_size"`
}

// InstrumentConfig selects the instrument driver.
type InstrumentConfig struct {
	ID string `mapstructure:"id"`
}

// JournalConfig controls the operation journal. An empty path disables it.
type JournalConfig struct {
	Path       string `mapstructure:"path"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// AdminConfig controls the HTTP admin endpoint. An empty address disables it.
type AdminConfig struct {
	Address string `mapstructure:"address"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Dir enables a dated log file (temserver_YYYY-MM-DD.log) next to stdout.
	Dir string `mapstructure:"dir"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8088,
			MaxFrameSize:   envelope.DefaultMaxFrameSize,
			WriteTimeout:   10 * time.Second,
			AllowTerminate: true,
		},
		Dispatcher: DispatcherConfig{MailboxSize: dispatch.DefaultMailboxSize},
		Instrument: InstrumentConfig{ID: "simulate"},
		Journal:    JournalConfig{BufferSize: 1024},
		Log:        LogConfig{Level: "info", Format: string(logger.FormatJSON)},
	}
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_frame_size", d.Server.MaxFrameSize)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.allow_terminate", d.Server.AllowTerminate)

	v.SetDefault("dispatcher.mailbox_size", d.Dispatcher.MailboxSize)

	v.SetDefault("instrument.id", d.Instrument.ID)

	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.buffer_size", d.Journal.BufferSize)

	v.SetDefault("admin.address", d.Admin.Address)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.dir", d.Log.Dir)
}

// NewViper returns a viper instance with defaults and environment binding set up.
// When file is empty, temserver.yaml is looked up in the working directory and
// $HOME/.config/temserver.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("temserver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/temserver")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file (if any) into v and returns the validated configuration.
// A missing config file is not an error unless it was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges that the components would otherwise reject later.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range [0, 65535]", c.Server.Port))
	}
	if c.Dispatcher.MailboxSize < 1 {
		errs = append(errs, fmt.Errorf("dispatcher.mailbox_size must be positive, got %d", c.Dispatcher.MailboxSize))
	}
	if strings.TrimSpace(c.Instrument.ID) == "" {
		errs = append(errs, errors.New("instrument.id is required"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatJSON, logger.FormatConsole, "":
	default:
		errs = append(errs, fmt.Errorf("log.format must be %q or %q, got %q", logger.FormatJSON, logger.FormatConsole, c.Log.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger. The returned closer releases the log
// file and is never nil.
func (c LogConfig) NewLogger(now time.Time) (logger.Logger, io.Closer, error) {
	level, err := logger.ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if c.Dir != "" {
		f, err := logger.OpenDailyFile(c.Dir, "temserver", now)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	return logger.NewSlog(level, false, logger.WithOutput(out), logger.WithFormat(logger.Format(c.Format))), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
