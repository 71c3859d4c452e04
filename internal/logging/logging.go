// Package logging provides config-driven categorized file logging.
//
// Logs are written to .forge/logs/ with a separate file per category, one
// zap core each. Logging is controlled by the debug_mode setting; when it is
// off every logger is a no-op and no files are created.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antinomyhq/forge-sub003/internal/config"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup and wiring
	CategorySession  Category = "session"  // turn orchestration
	CategoryAPI      Category = "api"      // provider calls and retries
	CategoryReplay   Category = "replay"   // record/replay cache
	CategoryTools    Category = "tools"    // tool dispatch
	CategoryTemplate Category = "template" // context rendering
	CategoryStore    Category = "store"    // conversation persistence
	CategoryServer   Category = "server"   // control surface
)

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*zap.SugaredLogger)
	logsDir string
	cfg     config.LoggingConfig
	level   zapcore.Level
)

// Initialize sets up the logging directory from the workspace path and the
// loaded config. Should be called once at startup; calling it again rebinds
// the configuration.
func Initialize(workspace string, lc config.LoggingConfig) error {
	mu.Lock()
	defer mu.Unlock()

	cfg = lc
	loggers = make(map[Category]*zap.SugaredLogger)

	if err := level.Set(lc.Level); err != nil {
		level = zapcore.InfoLevel
	}

	if !lc.DebugMode {
		logsDir = ""
		return nil
	}

	logsDir = filepath.Join(workspace, ".forge", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	return nil
}

func enabled(category Category) bool {
	if !cfg.DebugMode || logsDir == "" {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	on, ok := cfg.Categories[string(category)]
	if !ok {
		return true
	}
	return on
}

// Get returns (or creates) the logger for a category. A no-op logger comes
// back when debug mode is off or the category is disabled.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	if !enabled(category) {
		l := zap.NewNop().Sugar()
		loggers[category] = l
		return l
	}

	// Date-prefixed file names keep rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		l := zap.NewNop().Sugar()
		loggers[category] = l
		return l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(file),
		level,
	)
	l := zap.New(core).Sugar().With("category", string(category))
	loggers[category] = l
	return l
}

// Sync flushes all open loggers. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
}

// Convenience helpers for the hot categories; no-ops when disabled.

func Session(format string, args ...any)  { Get(CategorySession).Infof(format, args...) }
func API(format string, args ...any)      { Get(CategoryAPI).Infof(format, args...) }
func Tools(format string, args ...any)    { Get(CategoryTools).Infof(format, args...) }
func Replay(format string, args ...any)   { Get(CategoryReplay).Infof(format, args...) }
func Template(format string, args ...any) { Get(CategoryTemplate).Infof(format, args...) }
func Store(format string, args ...any)    { Get(CategoryStore).Infof(format, args...) }
func Server(format string, args ...any)   { Get(CategoryServer).Infof(format, args...) }

func SessionDebug(format string, args ...any) { Get(CategorySession).Debugf(format, args...) }
func APIDebug(format string, args ...any)     { Get(CategoryAPI).Debugf(format, args...) }
func ToolsDebug(format string, args ...any)   { Get(CategoryTools).Debugf(format, args...) }
func StoreDebug(format string, args ...any)   { Get(CategoryStore).Debugf(format, args...) }

func SessionWarn(format string, args ...any) { Get(CategorySession).Warnf(format, args...) }
func APIWarn(format string, args ...any)     { Get(CategoryAPI).Warnf(format, args...) }
func APIError(format string, args ...any)    { Get(CategoryAPI).Errorf(format, args...) }
func ToolsError(format string, args ...any)  { Get(CategoryTools).Errorf(format, args...) }
func StoreError(format string, args ...any)  { Get(CategoryStore).Errorf(format, args...) }
func ReplayError(format string, args ...any) { Get(CategoryReplay).Errorf(format, args...) }
func ServerError(format string, args ...any) { Get(CategoryServer).Errorf(format, args...) }
