package temclient

import (
	"errors"
	"time"

	"github.com/arloliu/go-temserver/envelope"
	"github.com/arloliu/go-temserver/logger"
)

type config struct {
	// replyTimeout bounds the wait for one response. Stage moves on a real
	// instrument can take tens of seconds.
	// Defaults to 60 seconds.
	replyTimeout time.Duration

	// dialTimeout bounds one connection attempt.
	// Defaults to 3 seconds.
	dialTimeout time.Duration

	// dialRetries is the number of extra connection attempts after the first
	// failure, waiting 100ms, 200ms, 400ms... in between.
	// Defaults to 0.
	dialRetries int

	maxFrameSize uint32

	logger logger.Logger
}

func defaultConfig() *config {
	return &config{
		replyTimeout: 60 * time.Second,
		dialTimeout:  3 * time.Second,
		maxFrameSize: envelope.DefaultMaxFrameSize,
		logger:       logger.GetLogger(),
	}
}

// Option represents a functional option for configuring a Client.
type Option interface {
	apply(*config) error
}

type optFunc struct {
	name      string
	applyFunc func(*config) error
}

func (o *optFunc) apply(cfg *config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, f func(*config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithReplyTimeout sets how long Call waits for a response, in range [10ms, 1h].
//
// The default is 60 seconds.
func WithReplyTimeout(d time.Duration) Option {
	return newOptFunc("WithReplyTimeout", func(cfg *config) error {
		if d < 10*time.Millisecond || d > time.Hour {
			return errors.New("reply timeout out of range [10ms, 1h]")
		}
		cfg.replyTimeout = d

		return nil
	})
}

// WithDialTimeout sets the timeout of one connection attempt, in range [10ms, 1m].
//
// The default is 3 seconds.
func WithDialTimeout(d time.Duration) Option {
	return newOptFunc("WithDialTimeout", func(cfg *config) error {
		if d < 10*time.Millisecond || d > time.Minute {
			return errors.New("dial timeout out of range [10ms, 1m]")
		}
		cfg.dialTimeout = d

		return nil
	})
}

// WithDialRetries sets how many times Dial retries a failed connection, in range [0, 20].
//
// The default is 0.
func WithDialRetries(n int) Option {
	return newOptFunc("WithDialRetries", func(cfg *config) error {
		if n < 0 || n > 20 {
			return errors.New("dial retries out of range [0, 20]")
		}
		cfg.dialRetries = n

		return nil
	})
}

// WithMaxFrameSize sets the largest response body accepted.
//
// The default is 16 MiB.
func WithMaxFrameSize(size uint32) Option {
	return newOptFunc("WithMaxFrameSize", func(cfg *config) error {
		if size == 0 {
			return errors.New("max frame size must be positive")
		}
		cfg.maxFrameSize = size

		return nil
	})
}

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
