package logger

import (
	"io"
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	logrus "github.com/sirupsen/logrus"
)

type Options struct {
	File   string
	Level  string
	Stdout bool
}

// Setup points logrus at a rotating file and returns the writer so the HTTP
// access log can share it.
func Setup(o Options) io.Writer {
	var w io.Writer = &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    10, // megabytes
		MaxBackups: 7,
		MaxAge:     7, // days
		Compress:   true,
	}
	if o.Stdout {
		w = io.MultiWriter(os.Stdout, w)
	}

	logrus.SetOutput(w)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	level, err := logrus.ParseLevel(o.Level)
	if err != nil {
		level = logrus.DebugLevel
		logrus.WithField("level", o.Level).Warn("Unknown LOG_LEVEL, falling back to debug")
	}
	logrus.SetLevel(level)
	return w
}

// GormLogger returns the standard Logrus logger for GORM.
func GormLogger() *logrus.Logger {
	return logrus.StandardLogger()
}
