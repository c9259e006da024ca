// Package logging builds the logrus logger of the example programs from
// config.LogConfig: stderr by default, a rotating file when one is named.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/UniQw/uniqw-jobs/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger configured by c. The closer releases the log file
// and must be called on shutdown.
func New(c config.LogConfig) (*logrus.Logger, io.Closer, error) {
	level := logrus.InfoLevel
	if c.Level != "" {
		l, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: level %q: %w", c.Level, err)
		}
		level = l
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if c.File == "" {
		l.SetOutput(os.Stderr)
		return l, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: log directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   c.Compress,
		LocalTime:  true,
	}
	l.SetOutput(w)
	return l, w, nil
}
