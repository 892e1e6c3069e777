package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the shared logger used throughout the project.
var Log = log.Logger

var fileSink *lumberjack.Logger

// FileOptions controls the optional rotating JSON log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Configure sets the global log level and output. Console output goes to
// stderr; when opts.Path is set every entry is also written as JSON to a
// rotating file.
func Configure(level string, opts FileOptions) {
	zerolog.SetGlobalLevel(parseLevel(level))

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	Close()
	if opts.Path != "" {
		fileSink = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, fileSink)
	}
	Log = zerolog.New(out).With().Timestamp().Logger()
}

// Close flushes and closes the log file, if any.
func Close() {
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
}

// parseLevel maps a configured level name onto zerolog. Besides zerolog's
// own names it takes "all" for trace, "warning" for warn and "off" or
// "none" to silence output. Anything else means info.
func parseLevel(level string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	switch name {
	case "all":
		return zerolog.TraceLevel
	case "warning":
		return zerolog.WarnLevel
	case "off", "none":
		return zerolog.Disabled
	}
	if lvl, err := zerolog.ParseLevel(name); err == nil && name != "" {
		return lvl
	}
	return zerolog.InfoLevel
}

func init() {
	Configure(os.Getenv("LOG_LEVEL"), FileOptions{})
}
