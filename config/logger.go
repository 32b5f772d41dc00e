package config

import (
	"io"
	"os"
	"path/filepath"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. With log_file set, output goes to
// stdout and to a rotating JSON file; the returned closer flushes it.
func NewLogger(c *Config) (log.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.LogFile == "" {
		return log.NewLogger(os.Stdout, log.LevelOption(level)), nopCloser{}, nil
	}

	path := c.LogFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Home, path)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	w := io.MultiWriter(os.Stdout, file)
	return log.NewLogger(w, log.LevelOption(level), log.OutputJSONOption()), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
