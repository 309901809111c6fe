package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/phsym/console-slog"
)

// Format selects the slog handler used by NewSlog.
type Format string

const (
	// FormatJSON writes one JSON object per record. It is the production default.
	FormatJSON Format = "json"
	// FormatConsole writes colorized human-readable lines via console-slog.
	FormatConsole Format = "console"
)

type SlogLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

type slogOptions struct {
	output io.Writer
	format Format
}

// SlogOption customizes the logger created by NewSlog.
type SlogOption func(*slogOptions)

// WithOutput sets the destination writer. Defaults to os.Stdout.
func WithOutput(w io.Writer) SlogOption {
	return func(o *slogOptions) {
		if w != nil {
			o.output = w
		}
	}
}

// WithFormat forces the handler format. Without it, the console handler is used
// when ENV=development and the JSON handler otherwise.
func WithFormat(f Format) SlogOption {
	return func(o *slogOptions) {
		if f != "" {
			o.format = f
		}
	}
}

// NewSlog create a slog instance
func NewSlog(level Level, addSource bool, opts ...SlogOption) Logger {
	o := slogOptions{output: os.Stdout, format: FormatJSON}
	if os.Getenv("ENV") == "development" {
		o.format = FormatConsole
	}
	for _, opt := range opts {
		opt(&o)
	}

	inst := &SlogLogger{
		output: o.output,
	}

	inst.level = &slog.LevelVar{}
	inst.level.Set(toSlogLevel(level))

	var handler slog.Handler
	if o.format == FormatConsole {
		handler = console.NewHandler(inst.output, &console.HandlerOptions{
			AddSource: addSource,
			Level:     inst.level,
		})
	} else {
		handler = slog.NewJSONHandler(inst.output, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     inst.level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
	}
	inst.logger = slog.New(handler)

	return inst
}

// OpenDailyFile opens (appending) the log file "<prefix>_<YYYY-MM-DD>.log" in dir,
// creating dir if needed. The caller owns the returned file.
func OpenDailyFile(dir string, prefix string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", prefix, now.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return f, nil
}

func (l *SlogLogger) Debug(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, keysAndValues...)
}

func (l *SlogLogger) Info(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, keysAndValues...)
}

func (l *SlogLogger) Warn(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, keysAndValues...)
}

func (l *SlogLogger) Error(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelError, msg, keysAndValues...)
}

func (l *SlogLogger) Fatal(msg string, keysAndValues ...any) {
	l.log(context.Background(), slog.LevelError, msg, keysAndValues...)
	os.Exit(1)
}

func (l *SlogLogger) With(keyValues ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(keyValues...),
		level:  l.level,
		output: l.output,
	}
}

func (l *SlogLogger) Level() Level {
	switch lv := l.level.Level(); {
	case lv <= slog.LevelDebug:
		return DebugLevel
	case lv <= slog.LevelInfo:
		return InfoLevel
	case lv <= slog.LevelWarn:
		return WarnLevel
	default:
		return ErrorLevel
	}
}

func (l *SlogLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level.Set(toSlogLevel(level))
}

// log is the low-level logging method for methods that take ...any.
// It must always be called directly by an exported logging method
// or function, because it uses a fixed call depth to obtain the pc.
func (l *SlogLogger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if !l.logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// skip [runtime.Callers, this function, this function's caller]
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.logger.Handler().Handle(ctx, r)
}

func toSlogLevel(level Level) slog.Level {
	switch level {
	case DebugLevel:
		return slog.LevelDebug
	case InfoLevel:
		return slog.LevelInfo
	case WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
