package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// dSyncLogger writes `LEVEL | name | message` lines. The level can change
// while other goroutines log.
type dSyncLogger struct {
	name  string
	level atomic.Int32
}

func (l *dSyncLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *dSyncLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *dSyncLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *dSyncLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *dSyncLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *dSyncLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *dSyncLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log("PANIC", "%s", msg)
	panic(msg)
}

func (l *dSyncLogger) log(levelStr string, format string, args ...interface{}) {
	output.mu.RLock()
	out := output.logger
	output.mu.RUnlock()
	out.Printf("%-5s | %-15s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// output is shared by all loggers. Logs go to stderr, stdout belongs to
// command output.
var output = struct {
	mu     sync.RWMutex
	logger *log.Logger
}{logger: newStdLogger(os.Stderr)}

func newStdLogger(w io.Writer) *log.Logger {
	return log.New(w, "", log.Ldate|log.Ltime)
}

// SetLogOutput redirects all loggers created by CreateLogger to w.
func SetLogOutput(w io.Writer) {
	output.mu.Lock()
	output.logger = newStdLogger(w)
	output.mu.Unlock()
}

// CreateLogger is the dragonboat logger.Factory installed by InitLoggers.
func CreateLogger(pkgName string) logger.ILogger {
	l := &dSyncLogger{name: pkgName}
	l.SetLevel(logger.INFO)
	return l
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// dragonboatLoggers are the loggers of the raft library.
var dragonboatLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb"}

// syncLoggers are the loggers of the sync core, the replica server and the rpc layer.
var syncLoggers = []string{
	"orchestrator", "syncqueue", "breaker", "crosstab", "crosstab/ws",
	"leader", "docstore", "replica", "rpc", "transport/rpc",
}

var logLevels = map[string]logger.LogLevel{
	"debug":   logger.DEBUG,
	"info":    logger.INFO,
	"warning": logger.WARNING,
	"warn":    logger.WARNING,
	"error":   logger.ERROR,
}

// ValidLogLevel reports whether level is accepted by InitLoggers.
func ValidLogLevel(level string) bool {
	_, ok := logLevels[strings.ToLower(level)]
	return ok
}

// InitLoggers installs the custom format as dragonboat's logger factory and
// sets every known logger to level. It panics on a level ValidLogLevel rejects.
func InitLoggers(level string) {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}

	logger.SetLoggerFactory(CreateLogger)
	for _, name := range append(append([]string{}, dragonboatLoggers...), syncLoggers...) {
		logger.GetLogger(name).SetLevel(lvl)
	}
}
