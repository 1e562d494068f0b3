package logger

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths" split_words:"true"`
	Rotation    Rotation    `yaml:"rotation"`
	Audit       AuditConfig `yaml:"audit"`
}

// Rotation bounds every file output.
type Rotation struct {
	MaxSizeMB  int `yaml:"max_size_mb" split_words:"true"`
	MaxBackups int `yaml:"max_backups" split_words:"true"`
	MaxAgeDays int `yaml:"max_age_days" split_words:"true"`
}

// AuditConfig controls the separate audit stream for trading events.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" split_words:"true"`
	MaxBackups int    `yaml:"max_backups" split_words:"true"`
	MaxAgeDays int    `yaml:"max_age_days" split_words:"true"`
}

var (
	mu            sync.RWMutex
	defaultLogger *zerolog.Logger
	auditLogger   *zerolog.Logger
	closers       []io.Closer
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Init configures the global logger instances. Calling it again replaces
// the previous configuration and closes its files.
func Init(cfg Config) error {
	writer, fileClosers, err := buildWriter(cfg)
	if err != nil {
		return err
	}
	base := zerolog.New(writer).Level(parseLevel(cfg.Level)).With().Timestamp().Caller().Logger()

	audit := base
	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			closeAll(fileClosers)
			return errors.New("audit log path cannot be empty when enabled")
		}
		rot := &lumberjack.Logger{
			Filename:   cfg.Audit.Path,
			MaxSize:    positiveOr(cfg.Audit.MaxSizeMB, 100),
			MaxBackups: positiveOr(cfg.Audit.MaxBackups, 7),
			MaxAge:     positiveOr(cfg.Audit.MaxAgeDays, 30),
		}
		fileClosers = append(fileClosers, rot)
		audit = zerolog.New(rot).Level(zerolog.InfoLevel).With().Timestamp().Str("stream", "audit").Logger()
	}

	mu.Lock()
	previous := closers
	defaultLogger = &base
	auditLogger = &audit
	closers = fileClosers
	mu.Unlock()

	closeAll(previous)
	return nil
}

func buildWriter(cfg Config) (io.Writer, []io.Closer, error) {
	var (
		writers []io.Writer
		opened  []io.Closer
	)
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	for _, out := range outputs {
		switch strings.ToLower(strings.TrimSpace(out)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				closeAll(opened)
				return nil, nil, err
			}
			rot := &lumberjack.Logger{
				Filename:   out,
				MaxSize:    positiveOr(cfg.Rotation.MaxSizeMB, 100),
				MaxBackups: positiveOr(cfg.Rotation.MaxBackups, 7),
				MaxAge:     positiveOr(cfg.Rotation.MaxAgeDays, 30),
			}
			opened = append(opened, rot)
			writers = append(writers, rot)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}
	if strings.EqualFold(cfg.Format, "console") {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}
	return writer, opened, nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// L returns the structured logger instance.
func L() *zerolog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		_ = Init(Config{})
		mu.RLock()
		l = defaultLogger
		mu.RUnlock()
	}
	return l
}

// Audit returns the audit logger.
func Audit() *zerolog.Logger {
	mu.RLock()
	a := auditLogger
	mu.RUnlock()
	if a == nil {
		return L()
	}
	return a
}

// Sync flushes and closes the file outputs.
func Sync() error {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()

	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Named returns a child logger tagged with the component name.
func Named(name string) *zerolog.Logger {
	child := L().With().Str("component", name).Logger()
	return &child
}

// Nop is handy for components constructed without a logger.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
