package support

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogOptions struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogOptionsFromEnv reads LOG_LEVEL, LOG_FILE and the LOG_FILE_* rotation knobs.
func LogOptionsFromEnv() LogOptions {
	return LogOptions{
		Level:      GetEnv("LOG_LEVEL", "info"),
		File:       GetEnv("LOG_FILE", ""),
		MaxSizeMB:  GetEnvInt("LOG_FILE_MAX_SIZE_MB", 50),
		MaxBackups: GetEnvInt("LOG_FILE_MAX_BACKUPS", 5),
		MaxAgeDays: GetEnvInt("LOG_FILE_MAX_AGE_DAYS", 14),
		Compress:   GetEnvBool("LOG_FILE_COMPRESS", true),
	}
}

// SetupLogging configures the package level charmbracelet logger. When a file
// is given, output goes to stderr and a size-rotated file. The returned closer
// releases the file.
func SetupLogging(opts LogOptions) io.Closer {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	file := strings.TrimSpace(opts.File)
	if file == "" || strings.EqualFold(file, "off") {
		log.SetOutput(os.Stderr)
		return nopCloser{}
	}

	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
		LocalTime:  true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotating))

	return rotating
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
