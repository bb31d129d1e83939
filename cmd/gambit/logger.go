package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/gambit/pkg/config"
	"github.com/kadirpekel/gambit/pkg/logger"
)

// initLogger installs the process logger. Priority: CLI flags > env vars >
// config file > defaults. Returns a cleanup for the log file, if any.
func initLogger(cli *CLI, cfg config.LoggingConfig) (func(), error) {
	level := firstNonEmpty(cli.LogLevel, os.Getenv("LOG_LEVEL"), cfg.Level, "info")
	file := firstNonEmpty(cli.LogFile, os.Getenv("LOG_FILE"), cfg.File)
	format := firstNonEmpty(cli.LogFormat, os.Getenv("LOG_FORMAT"), cfg.Format, "simple")

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, cleanup = f, closeFn
	}

	logger.Init(parsed, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
