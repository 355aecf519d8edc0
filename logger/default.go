package logger

import (
	"os"
	"sync/atomic"
)

// LevelEnv names the environment variable read for the initial level of the default logger.
const LevelEnv = "GRBL_LOG_LEVEL"

// holder lets an interface value live in an atomic.Pointer.
type holder struct{ Logger }

var defLogger atomic.Pointer[holder]

func init() {
	defLogger.Store(&holder{newDefault()})
}

// newDefault returns a stderr logger at the level named by LevelEnv, InfoLevel when unset.
func newDefault() Logger {
	level, err := ParseLevel(os.Getenv(LevelEnv))
	l := NewSlogWithOptions(SlogOptions{Output: os.Stderr, Level: level})
	if err != nil {
		l.Warn("logger: ignoring "+LevelEnv, "error", err)
	}

	return l
}

func Debug(msg string, keysAndValues ...any) { GetLogger().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)  { GetLogger().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)  { GetLogger().Warn(msg, keysAndValues...) }
func Error(msg string, keysAndValues ...any) { GetLogger().Error(msg, keysAndValues...) }
func Fatal(msg string, keysAndValues ...any) { GetLogger().Fatal(msg, keysAndValues...) }

func SetLevel(level Level) { GetLogger().SetLevel(level) }

// SetLogger replaces the package default logger. A nil logger is ignored.
// Sessions capture the default when their Config is built, so set it before creating them.
func SetLogger(l Logger) {
	if l != nil {
		defLogger.Store(&holder{l})
	}
}

// GetLogger returns the package default logger. It is safe for concurrent use with SetLogger.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
