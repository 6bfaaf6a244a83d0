// Package logging builds the daemon's logrus logger.
package logging

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/DeRuina/timberjack"
	"github.com/sirupsen/logrus"

	"github.com/tiroq/voxd/internal/config"
)

// NewLogger creates a logger from cfg. Output goes to stdout and, when a file
// is configured, to a rotating log file as well. The returned closer flushes
// the file; it is a no-op without one.
func NewLogger(cfg config.LogConfig) (*logrus.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LogConfig, stdout io.Writer) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		if lv, err := logrus.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
			level = lv
		}
	}
	logger.SetLevel(level)

	output := stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		fileLogger := &timberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		output = io.MultiWriter(stdout, fileLogger)
		closer = fileLogger
	}
	logger.SetOutput(output)

	textFormatter := &logrus.TextFormatter{
		FullTimestamp: true,
		// SourceFormatter adds the caller as a field instead.
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", ""
		},
		DisableColors: cfg.File != "",
	}
	logger.SetFormatter(&SourceFormatter{Underlying: textFormatter})
	logger.SetReportCaller(true)

	if cfg.File != "" {
		logger.WithField("file", cfg.File).Info("file logging enabled")
	}
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
