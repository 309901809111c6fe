package temserver

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
)

// ServerConfig represents the configuration of a Server.
type ServerConfig struct {
	// host is the address to listen on. An empty host listens on all interfaces.
	host string

	// port is the TCP port to listen on. 0 picks a free port.
	port int

	// maxFrameSize is the largest request body accepted.
	// Defaults to 16 MiB.
	maxFrameSize uint32

	// writeTimeout bounds writing one response to a client.
	// Defaults to 10 seconds.
	writeTimeout time.Duration

	// acceptTimeout defines the timeout for each iteration of accepting a connection.
	// It should be shorter than closeTimeout.
	// Defaults to 1 second.
	acceptTimeout time.Duration

	// closeTimeout bounds how long Close waits for sessions to end.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	logger logger.Logger
}

// NewServerConfig creates a server configuration for host and port with the
// given options applied.
func NewServerConfig(host string, port int, opts ...ServerOption) (*ServerConfig, error) {
	cfg := &ServerConfig{
		maxFrameSize:  envelope.DefaultMaxFrameSize,
		writeTimeout:  10 * time.Second,
		acceptTimeout: 1 * time.Second,
		closeTimeout:  3 * time.Second,
		logger:        logger.GetLogger(),
	}

	if err := withHost(host).apply(cfg); err != nil {
		return nil, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.acceptTimeout >= cfg.closeTimeout {
		return nil, errors.New("accept timeout must be shorter than close timeout")
	}

	return cfg, nil
}

// Address returns the host:port the server listens on.
func (cfg *ServerConfig) Address() string {
	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

// MaxFrameSize returns the largest request body accepted.
func (cfg *ServerConfig) MaxFrameSize() uint32 {
	return cfg.maxFrameSize
}

// ServerOption represents a functional option for configuring a ServerConfig.
type ServerOption interface {
	apply(*ServerConfig) error
}

type serverOptFunc struct {
	name      string
	applyFunc func(*ServerConfig) error
}

func (o *serverOptFunc) apply(cfg *ServerConfig) error { return o.applyFunc(cfg) }

func newServerOptFunc(name string, f func(*ServerConfig) error) *serverOptFunc {
	return &serverOptFunc{name: name, applyFunc: f}
}

func withHost(host string) ServerOption {
	return newServerOptFunc("withHost", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		host = strings.Trim(host, ".")
		if host == "" || net.ParseIP(host) != nil {
			cfg.host = host
			return nil
		}

		if _, err := net.LookupHost(host); err != nil {
			return errors.New("invalid host")
		}
		cfg.host = host

		return nil
	})
}

func withPort(port int) ServerOption {
	return newServerOptFunc("withPort", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		if port < 0 || port > 65535 {
			return errors.New("port is out of range [0, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithMaxFrameSize sets the largest request body accepted, in range [1 KiB, 256 MiB].
// Longer frames end the session.
//
// The default is 16 MiB.
func WithMaxFrameSize(size uint32) ServerOption {
	return newServerOptFunc("WithMaxFrameSize", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		if size < 1<<10 || size > 256<<20 {
			return errors.New("max frame size out of range [1 KiB, 256 MiB]")
		}
		cfg.maxFrameSize = size

		return nil
	})
}

// WithWriteTimeout sets how long writing one response may take, in range [100ms, 10m].
//
// The default is 10 seconds.
func WithWriteTimeout(d time.Duration) ServerOption {
	return newServerOptFunc("WithWriteTimeout", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		if d < 100*time.Millisecond || d > 10*time.Minute {
			return errors.New("write timeout out of range [100ms, 10m]")
		}
		cfg.writeTimeout = d

		return nil
	})
}

// WithAcceptTimeout sets the accept poll interval, in range [10ms, 2s].
//
// The default is 1 second.
func WithAcceptTimeout(d time.Duration) ServerOption {
	return newServerOptFunc("WithAcceptTimeout", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		if d < 10*time.Millisecond || d > 2*time.Second {
			return errors.New("accept timeout out of range [10ms, 2s]")
		}
		cfg.acceptTimeout = d

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for sessions, in range [100ms, 30s].
//
// The default is 3 seconds.
func WithCloseTimeout(d time.Duration) ServerOption {
	return newServerOptFunc("WithCloseTimeout", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		if d < 100*time.Millisecond || d > 30*time.Second {
			return errors.New("close timeout out of range [100ms, 30s]")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) ServerOption {
	return newServerOptFunc("WithLogger", func(cfg *ServerConfig) error {
		if cfg == nil {
			return ErrServerConfigNil
		}

		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
