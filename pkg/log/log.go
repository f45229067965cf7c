package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the service logger entry. Level and format come from
// configuration; LOG_LEVEL in the environment wins when set so operators can
// raise verbosity without editing the project file.
func NewLogger(level, format, version string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(resolveLevel(level))

	if format == "json" {
		log.Formatter = &logrus.JSONFormatter{}
	} else {
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}

	return log.WithFields(logrus.Fields{
		"service": "dicomveil",
		"version": version,
	})
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(discard{})
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func resolveLevel(configured string) logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	if strLevel == "" {
		strLevel = configured
	}
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
