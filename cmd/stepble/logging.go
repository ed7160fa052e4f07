package main

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// configureLogger creates the CLI logger. Without an explicit level the CLI
// stays silent and only prints its own output.
func configureLogger(level string, out io.Writer) (*logrus.Logger, error) {
	// Default to panic level (essentially silent for normal operations)
	logLevel := logrus.PanicLevel

	if level != "" {
		switch level {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	if out != nil {
		logger.SetOutput(out)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}

// commandLogger applies the level only when the user asked for one through
// a flag or the environment; a level in the config file alone keeps the CLI quiet
func commandLogger(out io.Writer) (*logrus.Logger, error) {
	level := ""
	if settings.IsSet("log_level") {
		level = settings.GetString("log_level")
	}
	return configureLogger(level, out)
}
