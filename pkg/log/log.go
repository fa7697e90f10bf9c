package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewLogger returns the application logger. It writes JSON records to
// arbiter.log under the configured log location; with -p records are
// mirrored to stdout as well.
func NewLogger(config *config.AppConfig) *logrus.Entry {
	log := logrus.New()
	log.SetLevel(getLogLevel(config.Debug))
	log.Formatter = &logrus.JSONFormatter{}
	log.SetOutput(logDestination(config, "arbiter.log"))

	return log.WithFields(logrus.Fields{
		"debug":    config.Debug,
		"version":  config.Version,
		"hostname": config.Hostname,
	})
}

// NewServiceLogger returns the operator-facing logger: plain text records of
// the actions the daemon took (penalties applied, emails sent), kept separate
// from the much chattier application log.
func NewServiceLogger(config *config.AppConfig) *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	log.SetOutput(logDestination(config, "arbiter_service.log"))
	return logrus.NewEntry(log)
}

func getLogLevel(debug bool) logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		if debug {
			return logrus.DebugLevel
		}
		return logrus.InfoLevel
	}
	return level
}

func logDestination(config *config.AppConfig, name string) io.Writer {
	dir := config.UserConfig.Database.LogLocation
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "unable to create log directory %s: %v\n", dir, err)
		os.Exit(2)
	}
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to log to file: %v\n", err)
		os.Exit(2)
	}
	if config.PrintLogs {
		return io.MultiWriter(file, os.Stdout)
	}
	return file
}
