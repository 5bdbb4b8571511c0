package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"callrouter/config"
)

var logFile *lumberjack.Logger

// initLogging configures a logger writing to both console and a rotating
// file, returning a factory for per-component entries.
func initLogging(cfg *config.Settings) (func(name string) *logrus.Entry, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logFile = &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: 1,
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	return func(name string) *logrus.Entry {
		return logger.WithField("name", name)
	}, nil
}

// closeLogging flushes and closes the log file
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}
