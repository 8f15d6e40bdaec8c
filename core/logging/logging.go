// Package logging wraps zerolog with tagged loggers so each component logs
// under its own tag and the global level can be flipped at startup.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

var (
	baseMu   sync.RWMutex
	baseOut  io.Writer = os.Stdout
	baseRoot zerolog.Logger
	baseInit sync.Once
)

// Logger is a tagged zerolog-backed logger
type Logger struct {
	logger zerolog.Logger
}

func root() zerolog.Logger {
	baseInit.Do(func() {
		baseMu.Lock()
		defer baseMu.Unlock()
		var out io.Writer = baseOut
		if isInteractive() {
			out = zerolog.ConsoleWriter{Out: baseOut, TimeFormat: "2006-01-02T15:04:05.000Z"}
		}
		baseRoot = zerolog.New(out).With().Timestamp().Logger()
	})
	baseMu.RLock()
	defer baseMu.RUnlock()
	return baseRoot
}

// New creates a new logger instance with a tag
func New(tag string) *Logger {
	return &Logger{logger: root().With().Str("tag", tag).Logger()}
}

// SetLevel sets the global log level from a string (debug, info, warn, error)
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetOutput redirects all loggers created afterwards, used by tests
func SetOutput(w io.Writer) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseOut = w
	baseRoot = zerolog.New(w).With().Timestamp().Logger()
}

// isInteractive checks if the output is going to a terminal
func isInteractive() bool {
	f, ok := baseOut.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Debug logs at DEBUG level
func (l *Logger) Debug(message string) { l.logger.Debug().Msg(message) }

// Debugf logs at DEBUG level with formatting
func (l *Logger) Debugf(format string, args ...any) { l.logger.Debug().Msgf(format, args...) }

// Info logs at INFO level
func (l *Logger) Info(message string) { l.logger.Info().Msg(message) }

// Infof logs at INFO level with formatting
func (l *Logger) Infof(format string, args ...any) { l.logger.Info().Msgf(format, args...) }

// Warn logs at WARN level
func (l *Logger) Warn(message string) { l.logger.Warn().Msg(message) }

// Warnf logs at WARN level with formatting
func (l *Logger) Warnf(format string, args ...any) { l.logger.Warn().Msgf(format, args...) }

// Error logs at ERROR level
func (l *Logger) Error(message string) { l.logger.Error().Msg(message) }

// Errorf logs at ERROR level with formatting
func (l *Logger) Errorf(format string, args ...any) { l.logger.Error().Msgf(format, args...) }

// WithField returns a logger with an extra structured field attached
func (l *Logger) WithField(key, value string) *Logger {
	return &Logger{logger: l.logger.With().Str(key, value).Logger()}
}
