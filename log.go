package mesh

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging capability the lower transport layer consumes.
// Each lt.Reassembler logs through a ChildLogger tagged with its
// channel ("dir": "access" or "control"); a session's src and seqZero
// appear in the message text, not as tags.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags map[string]interface{}) Logger
}

var logger Logger
var loggerMu sync.Mutex

// SetLogLevel sets the level of the default logger from a string
// ("trace", "debug", "info", "warn", "error"). Unknown levels are
// silently treated as "info". Has no effect if a custom Logger was
// installed with SetLogger.
func SetLogLevel(level string) {
	l := GetLogger()

	lg, ok := l.(*defaultLogger)
	if !ok {
		l.Warn("non-default logger, don't know how to set level")
		return
	}

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	lg.Entry.Logger.SetLevel(lvl)
}

// SetLogger installs a custom Logger, overriding the package default.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

// GetLogger returns the process-wide default Logger, building one on
// first use.
func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}

	return logger
}

type defaultLogger struct {
	*logrus.Entry
}

func buildDefaultLogger() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: l.WithFields(map[string]interface{}{})}
}

func (d *defaultLogger) ChildLogger(ff map[string]interface{}) Logger {
	return &defaultLogger{d.Entry.WithFields(ff)}
}
