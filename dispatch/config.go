package dispatch

import (
	"errors"
	"io"

	"github.com/arloliu/go-temserver/logger"
)

const (
	// DefaultMailboxSize is the mailbox capacity used when WithMailboxSize is not given.
	DefaultMailboxSize = 100

	maxMailboxSize = 1 << 20
)

type config struct {
	// mailboxSize defines how many submitted calls may wait for the dispatcher.
	// Submitters block when it is reached.
	mailboxSize int

	// recorder receives an Entry for every executed call. Optional.
	recorder Recorder

	// instrument is closed when the dispatcher stops. Optional.
	instrument io.Closer

	logger logger.Logger
}

func defaultConfig() *config {
	return &config{
		mailboxSize: DefaultMailboxSize,
		logger:      logger.GetLogger(),
	}
}

// Option represents a functional option for configuring a Dispatcher.
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

// WithMailboxSize sets the mailbox capacity. It must be in range [1, 1048576].
//
// The default value is 100.
func WithMailboxSize(size int) Option {
	return newOptFunc("WithMailboxSize", func(cfg *config) error {
		if size < 1 || size > maxMailboxSize {
			return errors.New("mailbox size out of range [1, 1048576]")
		}
		cfg.mailboxSize = size

		return nil
	})
}

// WithRecorder sets the recorder notified of every executed call.
func WithRecorder(r Recorder) Option {
	return newOptFunc("WithRecorder", func(cfg *config) error {
		cfg.recorder = r
		return nil
	})
}

// WithInstrument hands the instrument handle to the dispatcher, which closes it when Run returns.
func WithInstrument(c io.Closer) Option {
	return newOptFunc("WithInstrument", func(cfg *config) error {
		cfg.instrument = c
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
