package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05"

// SetupLogger builds a logger from cfg. Unknown levels fall back to info and
// an unopenable log file falls back to stderr.
func SetupLogger(cfg LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	switch cfg.Output {
	case "stdout":
		log.SetOutput(os.Stdout)
	case "discard":
		log.SetOutput(io.Discard)
	case "file":
		if cfg.FilePath == "" {
			break
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Warnf("open log file: %v, using stderr", err)
			break
		}
		log.SetOutput(file)
	}

	return log
}
