package logger

import (
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

// Setup initializes the global zerolog logger based on environment configuration.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for production, "pretty" for human-readable dev output
//
// Returns the configured logger instance.
func Setup(level, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New builds a logger writing to w. Setup uses it with stdout; the terminal
// driver points it at stderr so prompts stay readable.
func New(w io.Writer, level, format string) zerolog.Logger {
	writer := w
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Fingerprint returns a short, stable digest of a sensitive value such as a
// phone number so it can be correlated across log lines without being stored.
func Fingerprint(value string) string {
	sum := blake2b.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}
