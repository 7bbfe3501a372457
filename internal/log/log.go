package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var (
	// L is the shared logger (use log.L.Info().Msg("hi"))
	L zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	L = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// SetLevel sets the global logging level.
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// SetOutput replaces the writer behind L, keeping the timestamp context.
func SetOutput(w io.Writer) {
	L = zerolog.New(w).With().Timestamp().Logger()
}

// WithFile makes L write to stdout and to the file at path. The returned
// closer releases the file.
func WithFile(path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	SetOutput(zerolog.MultiLevelWriter(os.Stdout, f))
	return f, nil
}

// Debug starts a debug level event on L.
func Debug() *zerolog.Event { return L.Debug() }

// Info starts an info level event on L.
func Info() *zerolog.Event { return L.Info() }

// Warn starts a warning level event on L.
func Warn() *zerolog.Event { return L.Warn() }

// Error starts an error level event on L.
func Error() *zerolog.Event { return L.Error() }
