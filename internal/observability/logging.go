package observability

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger. Level defaults to info
// ("warning" is accepted as an alias for warn). When path is non-empty the
// log also appends to that file alongside stdout; if the file cannot be
// opened the error goes to stderr and logging continues on stdout.
func InitLogger(path, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(level))

	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "open log file %q: %v\n", path, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()

	// Capture stdlib log output too, so third-party packages that still use
	// the standard logger land in the same stream.
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			return l
		}
	}
	return zerolog.InfoLevel
}
